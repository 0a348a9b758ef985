package model

import "fmt"

// Funnel identifies which user objective a message drives.
type Funnel string

const (
	FunnelForm        Funnel = "form"
	FunnelAppointment Funnel = "appointment"
)

// MessageType is a closed enumeration of every outbound message the engine
// can schedule. Each type knows its funnel, its stage within the funnel's
// reminder sequence (0 for non-stage messages), and the template variables
// it requires. Rendering fails fast when a required variable is missing.
type MessageType string

const (
	// Form funnel: sent while the session is active.
	TypeFormLink          MessageType = "form_link"
	TypeFormNudgeEvening  MessageType = "form_nudge_evening"
	TypeFormNudgeFollowup MessageType = "form_nudge_followup"
	TypeFormStage1        MessageType = "form_stage_1"
	TypeFormStage2        MessageType = "form_stage_2"
	TypeFormStage3        MessageType = "form_stage_3"

	// Appointment funnel: sent after the form was completed.
	TypeSummary           MessageType = "appt_summary"
	TypeAppointmentLink   MessageType = "appt_link"
	TypeAppointmentStage1 MessageType = "appt_stage_1"
	TypeAppointmentStage2 MessageType = "appt_stage_2"
	TypeAppointmentStage3 MessageType = "appt_stage_3"
	TypeAppointmentStage4 MessageType = "appt_stage_4"
)

// Cancellation filters, matched against message type with SQL LIKE.
const (
	FilterAll               = "%"
	FilterFormFunnel        = "form_%"
	FilterAppointmentFunnel = "appt_%"
)

var messageTypes = map[MessageType]struct {
	funnel Funnel
	stage  int
	vars   []string
}{
	TypeFormLink:          {FunnelForm, 0, []string{"name", "form_url"}},
	TypeFormNudgeEvening:  {FunnelForm, 0, []string{"name", "form_url"}},
	TypeFormNudgeFollowup: {FunnelForm, 0, []string{"form_url"}},
	TypeFormStage1:        {FunnelForm, 1, []string{"name", "form_url"}},
	TypeFormStage2:        {FunnelForm, 2, []string{"form_url"}},
	TypeFormStage3:        {FunnelForm, 3, []string{"form_url"}},

	TypeSummary:           {FunnelAppointment, 0, []string{"name", "summary"}},
	TypeAppointmentLink:   {FunnelAppointment, 0, []string{"name", "booking_url"}},
	TypeAppointmentStage1: {FunnelAppointment, 1, []string{"booking_url"}},
	TypeAppointmentStage2: {FunnelAppointment, 2, []string{"booking_url"}},
	TypeAppointmentStage3: {FunnelAppointment, 3, []string{"name", "booking_url"}},
	TypeAppointmentStage4: {FunnelAppointment, 4, []string{"booking_url"}},
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := messageTypes[t]
	return ok
}

// Funnel returns the funnel t belongs to.
func (t MessageType) Funnel() Funnel {
	return messageTypes[t].funnel
}

// Stage returns t's position in its funnel's reminder sequence, or 0 for
// messages outside the staged sequence (links, nudges, summary).
func (t MessageType) Stage() int {
	return messageTypes[t].stage
}

// RequiredVars lists the template variables t's template needs.
func (t MessageType) RequiredVars() []string {
	return messageTypes[t].vars
}

// StageType maps (funnel, stage) back to its message type. Only staged
// reminders resolve; stage 0 covers several types and is rejected.
func StageType(f Funnel, stage int) (MessageType, error) {
	if stage <= 0 {
		return "", fmt.Errorf("no message type for funnel %s stage %d", f, stage)
	}
	for t, info := range messageTypes {
		if info.funnel == f && info.stage == stage {
			return t, nil
		}
	}
	return "", fmt.Errorf("no message type for funnel %s stage %d", f, stage)
}
