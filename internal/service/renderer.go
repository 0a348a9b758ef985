package service

import (
	"strings"

	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
	"github.com/leadflow/funnel-server-go/internal/model"
)

// TemplateRenderer turns a message type and its variables into the final
// outbound text. Rendering is pure: same inputs, same output. A missing
// required variable fails fast before anything is enqueued.
type TemplateRenderer interface {
	Render(t model.MessageType, vars map[string]string) (string, error)
}

// templates holds the default copy for each message type. Placeholders use
// {{name}} syntax and must cover exactly the type's required variables.
var templates = map[model.MessageType]string{
	model.TypeFormLink:          "Hi {{name}}! Thanks for reaching out. Please fill in this short form so we can get started: {{form_url}}",
	model.TypeFormNudgeEvening:  "Hi {{name}}, just a friendly reminder to complete your form when you get a moment: {{form_url}}",
	model.TypeFormNudgeFollowup: "Quick follow-up — the form only takes two minutes: {{form_url}}",
	model.TypeFormStage1:        "Hi {{name}}, your form is still waiting for you: {{form_url}}",
	model.TypeFormStage2:        "Good morning! Your form is still open: {{form_url}}",
	model.TypeFormStage3:        "Last reminder — your form link is about to expire: {{form_url}}",

	model.TypeSummary:           "Thanks {{name}}! Here is a summary of what you sent us:\n{{summary}}",
	model.TypeAppointmentLink:   "{{name}}, the next step is booking a call. Pick a time that works for you: {{booking_url}}",
	model.TypeAppointmentStage1: "Ready when you are — book your call here: {{booking_url}}",
	model.TypeAppointmentStage2: "Still haven't found a time? The calendar is here: {{booking_url}}",
	model.TypeAppointmentStage3: "{{name}}, spots this week are filling up: {{booking_url}}",
	model.TypeAppointmentStage4: "Final reminder to grab a slot: {{booking_url}}",
}

type templateRenderer struct{}

func NewTemplateRenderer() TemplateRenderer {
	return templateRenderer{}
}

func (templateRenderer) Render(t model.MessageType, vars map[string]string) (string, error) {
	if !t.Valid() {
		return "", apperrors.InvalidInput("messageType", string(t))
	}
	for _, v := range t.RequiredVars() {
		if vars[v] == "" {
			return "", apperrors.MissingRequired("template variable " + v).
				WithDetails(map[string]string{"messageType": string(t)})
		}
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(templates[t]), nil
}
