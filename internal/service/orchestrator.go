package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leadflow/funnel-server-go/internal/calendar"
	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
	"github.com/leadflow/funnel-server-go/internal/model"
	"github.com/leadflow/funnel-server-go/internal/policy"
	"github.com/leadflow/funnel-server-go/internal/repository"
)

// WorkerNudger wakes the delivery workers after new jobs are enqueued so
// due work is picked up without waiting a poll cycle. The redis client
// implements it; tests pass a no-op.
type WorkerNudger interface {
	NudgeWorkers(ctx context.Context)
}

type NoopNudger struct{}

func (NoopNudger) NudgeWorkers(ctx context.Context) {}

// Orchestrator computes fire times for every message in the funnel,
// enqueues the jobs, and cancels jobs made moot by state changes. It is
// the only component that writes to the job queue outside the worker.
type Orchestrator struct {
	store     repository.Store
	cal       *calendar.Calendar
	formRules policy.Rules
	apptRules policy.Rules
	renderer  TemplateRenderer
	nudger    WorkerNudger

	formBaseURL    string
	bookingBaseURL string
}

func NewOrchestrator(
	store repository.Store,
	cal *calendar.Calendar,
	formRules, apptRules policy.Rules,
	renderer TemplateRenderer,
	nudger WorkerNudger,
	formBaseURL, bookingBaseURL string,
) *Orchestrator {
	return &Orchestrator{
		store:          store,
		cal:            cal,
		formRules:      formRules,
		apptRules:      apptRules,
		renderer:       renderer,
		nudger:         nudger,
		formBaseURL:    formBaseURL,
		bookingBaseURL: bookingBaseURL,
	}
}

// Vars builds the template variable set for a session.
func (o *Orchestrator) Vars(session *model.Session) map[string]string {
	name := session.DisplayName
	if name == "" {
		name = "there"
	}
	return map[string]string{
		"name":        name,
		"form_url":    fmt.Sprintf("%s?session=%s", o.formBaseURL, session.ID),
		"booking_url": fmt.Sprintf("%s?session=%s", o.bookingBaseURL, session.ID),
		"summary":     formatSummary(session.Payload),
	}
}

func formatSummary(payload *json.RawMessage) string {
	if payload == nil {
		return "-"
	}
	var answers map[string]any
	if err := json.Unmarshal(*payload, &answers); err != nil || len(answers) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(answers))
	for k := range answers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, answers[k])
	}
	return strings.TrimRight(b.String(), "\n")
}

// ScheduleOnTrigger enqueues the immediate form link plus the two one-time
// evening reminders for a freshly created session.
func (o *Orchestrator) ScheduleOnTrigger(ctx context.Context, session *model.Session) error {
	now := time.Now()
	first, second, err := o.cal.EveningReminderTimes(now)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeCalendarViolation, "resolve evening reminder times", err)
	}

	vars := o.Vars(session)
	plan := []struct {
		t      model.MessageType
		fireAt time.Time
	}{
		{model.TypeFormLink, now},
		{model.TypeFormNudgeEvening, first},
		{model.TypeFormNudgeFollowup, second},
	}
	for _, p := range plan {
		if err := o.enqueue(ctx, session, p.t, vars, p.fireAt); err != nil {
			return err
		}
	}

	o.nudger.NudgeWorkers(ctx)
	log.Info().
		Str("sessionId", session.ID).
		Time("eveningNudgeAt", first).
		Msg("trigger messages scheduled")
	return nil
}

// OnFormCompleted cancels the now-moot form-funnel jobs, sends the summary
// and appointment link immediately, and schedules the chained appointment
// reminder sequence.
func (o *Orchestrator) OnFormCompleted(ctx context.Context, session *model.Session) error {
	cancelled, err := o.store.Jobs().CancelByFilter(ctx, session.ID, model.FilterFormFunnel)
	if err != nil {
		// The worker's pre-send status recheck is the safety net; a failed
		// cancellation must not block the completion flow.
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to cancel form funnel jobs")
	} else if cancelled > 0 {
		log.Info().Int64("count", cancelled).Str("sessionId", session.ID).Msg("form funnel jobs cancelled")
	}

	now := time.Now()
	vars := o.Vars(session)
	if err := o.enqueue(ctx, session, model.TypeSummary, vars, now); err != nil {
		return err
	}
	if err := o.enqueue(ctx, session, model.TypeAppointmentLink, vars, now); err != nil {
		return err
	}

	if err := o.scheduleAppointmentChain(ctx, session, now, vars); err != nil {
		return err
	}

	o.nudger.NudgeWorkers(ctx)
	return nil
}

// scheduleAppointmentChain enqueues the staged appointment reminders. Each
// stage's fire time is derived from the previous stage's already-resolved
// fire time, so a calendar shift in one stage pushes every later stage.
func (o *Orchestrator) scheduleAppointmentChain(ctx context.Context, session *model.Session, zero time.Time, vars map[string]string) error {
	prev := zero
	prevDelay := time.Duration(0)
	for _, rule := range o.apptRules {
		candidate := prev.Add(rule.Delay - prevDelay)
		resolved, err := o.resolveFireTime(candidate, rule.Window)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrCodeCalendarViolation,
				fmt.Sprintf("resolve fire time for appointment stage %d", rule.Stage), err)
		}

		msgType, err := model.StageType(model.FunnelAppointment, rule.Stage)
		if err != nil {
			return apperrors.Internal(err.Error())
		}
		if err := o.enqueue(ctx, session, msgType, vars, resolved); err != nil {
			return err
		}

		prev = resolved
		prevDelay = rule.Delay
	}
	return nil
}

func (o *Orchestrator) resolveFireTime(candidate time.Time, w *calendar.Window) (time.Time, error) {
	if w != nil {
		return o.cal.NextSendableInWindow(candidate, *w)
	}
	return o.cal.NextSendableInstant(candidate)
}

// ScheduleStageNow enqueues a sweep-detected stage reminder for immediate
// delivery. The sweep already established eligibility via the policy.
func (o *Orchestrator) ScheduleStageNow(ctx context.Context, session *model.Session, funnel model.Funnel, stage int) error {
	msgType, err := model.StageType(funnel, stage)
	if err != nil {
		return apperrors.Internal(err.Error())
	}

	pending, err := o.store.Jobs().HasPending(ctx, session.ID, msgType)
	if err != nil {
		return apperrors.Database(err)
	}
	if pending {
		// Already pre-scheduled; the chain owns this stage.
		return nil
	}

	if err := o.enqueue(ctx, session, msgType, o.Vars(session), time.Now()); err != nil {
		return err
	}
	o.nudger.NudgeWorkers(ctx)
	return nil
}

// CancelAll cancels every pending job for the session. Used when an
// appointment is booked, a session expires, or a new session supersedes it.
func (o *Orchestrator) CancelAll(ctx context.Context, sessionID string) int64 {
	count, err := o.store.Jobs().CancelByFilter(ctx, sessionID, model.FilterAll)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to cancel session jobs")
		return 0
	}
	if count > 0 {
		log.Info().Int64("count", count).Str("sessionId", sessionID).Msg("session jobs cancelled")
	}
	return count
}

func (o *Orchestrator) enqueue(ctx context.Context, session *model.Session, t model.MessageType, vars map[string]string, fireAt time.Time) error {
	content, err := o.renderer.Render(t, vars)
	if err != nil {
		return err
	}

	job, err := o.store.Jobs().Create(ctx, model.CreateJobParams{
		SessionID:   session.ID,
		Recipient:   session.Recipient,
		MessageType: t,
		Content:     content,
		FireAt:      fireAt,
	})
	if err != nil {
		return apperrors.Database(err)
	}

	log.Debug().
		Str("jobId", job.ID).
		Str("sessionId", session.ID).
		Str("messageType", string(t)).
		Time("fireAt", fireAt).
		Msg("job enqueued")
	return nil
}
