package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
	"github.com/leadflow/funnel-server-go/internal/model"
	"github.com/leadflow/funnel-server-go/internal/repository"
)

// SessionService owns the session state machine. Every transition funnels
// through it so job cancellation and scheduling stay coupled to the state
// changes that make them necessary.
type SessionService struct {
	store        repository.Store
	orchestrator *Orchestrator
	crm          CRMClient
	sessionTTL   time.Duration
}

func NewSessionService(
	store repository.Store,
	orchestrator *Orchestrator,
	crm CRMClient,
	sessionTTL time.Duration,
) *SessionService {
	return &SessionService{
		store:        store,
		orchestrator: orchestrator,
		crm:          crm,
		sessionTTL:   sessionTTL,
	}
}

// CreateSession handles a trigger event: any previous active session for
// the recipient is superseded (its jobs cancelled, its row expired) and a
// fresh active session is created and scheduled. Cancellation is attempted
// before the superseding insert commits; a cancellation failure is logged
// and does not block creation, because the delivery worker rechecks
// session state before every send.
func (s *SessionService) CreateSession(ctx context.Context, recipient, displayName string) (*model.Session, error) {
	if recipient == "" {
		return nil, apperrors.MissingRequired("recipient")
	}

	prev, err := s.store.Sessions().FindActiveByRecipient(ctx, recipient)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if prev != nil {
		if _, err := s.store.Jobs().CancelByFilter(ctx, prev.ID, model.FilterAll); err != nil {
			log.Error().Err(err).Str("sessionId", prev.ID).Msg("failed to cancel superseded session jobs")
		}
	}

	var session *model.Session
	superseded := false
	err = s.store.InTx(ctx, func(tx repository.Store) error {
		// Re-locate under the row lock: a concurrent trigger may have
		// committed a new active session between the check above and
		// this transaction. Expiring whatever holds the active slot now
		// keeps the one-active-per-recipient index from rejecting the
		// insert below.
		active, err := tx.Sessions().FindActiveByRecipient(ctx, recipient)
		if err != nil {
			return err
		}
		if active != nil {
			superseded = true
			if prev == nil || active.ID != prev.ID {
				if _, err := tx.Jobs().CancelByFilter(ctx, active.ID, model.FilterAll); err != nil {
					return err
				}
			}
			if err := tx.Sessions().MarkExpired(ctx, active.ID); err != nil {
				return err
			}
		}
		created, err := tx.Sessions().Create(ctx, model.CreateSessionParams{
			Recipient:   recipient,
			DisplayName: displayName,
			ExpiresAt:   time.Now().Add(s.sessionTTL),
		})
		if err != nil {
			return err
		}
		session = created
		return nil
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("recipient", recipient).
		Bool("superseded", superseded).
		Msg("session created")

	if err := s.orchestrator.ScheduleOnTrigger(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// GetSession returns the session, lazily flipping it to expired (and
// cancelling its jobs) when its TTL lapsed without a sweep catching it.
func (s *SessionService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.store.Sessions().FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}

	if session.Status == model.SessionStatusActive && session.Expired(time.Now()) {
		s.orchestrator.CancelAll(ctx, session.ID)
		if err := s.store.Sessions().MarkExpired(ctx, session.ID); err != nil {
			log.Error().Err(err).Str("sessionId", session.ID).Msg("lazy expiry write-back failed")
		}
		session.Status = model.SessionStatusExpired
	}
	return session, nil
}

// MarkCompleted processes a form submission. Idempotent: completing an
// already-completed session is a no-op returning the current record.
// Completing an expired session is refused with an explicit signal.
func (s *SessionService) MarkCompleted(ctx context.Context, id string, payload json.RawMessage) (*model.Session, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	switch session.Status {
	case model.SessionStatusCompleted:
		return session, nil
	case model.SessionStatusExpired:
		return nil, apperrors.InvalidTransition(string(session.Status), string(model.SessionStatusCompleted))
	}

	now := time.Now()
	updated, err := s.store.Sessions().Complete(ctx, id, payload, now)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !updated {
		// Lost a race with another completion; re-read and treat as the
		// idempotent case.
		return s.GetSession(ctx, id)
	}

	session, err = s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	log.Info().Str("sessionId", id).Msg("session completed")

	if err := s.orchestrator.OnFormCompleted(ctx, session); err != nil {
		return nil, err
	}

	s.upsertLead(ctx, session)
	return session, nil
}

// upsertLead pushes the completed session to the CRM. Best-effort: errors
// are logged and never surfaced to the messaging flow.
func (s *SessionService) upsertLead(ctx context.Context, session *model.Session) {
	var answers json.RawMessage
	if session.Payload != nil {
		answers = *session.Payload
	}
	leadID, err := s.crm.UpsertLead(ctx, Lead{
		Recipient:   session.Recipient,
		SessionID:   session.ID,
		CompletedAt: time.Now(),
		Answers:     answers,
	})
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("CRM lead upsert failed")
		return
	}
	if leadID != "" {
		log.Info().Str("sessionId", session.ID).Str("leadId", leadID).Msg("CRM lead upserted")
	}
}

// MarkAppointmentScheduled records a booking and cancels every remaining
// pending job for the session. Accepts a session id or, when empty, falls
// back to the recipient's newest session. Once the timestamp is set,
// appointment reminders stop firing even if still enqueued: the worker's
// dispatch-time recheck enforces that independently of the cancellation
// here.
func (s *SessionService) MarkAppointmentScheduled(ctx context.Context, id, recipient string) (*model.Session, error) {
	session, err := s.resolve(ctx, id, recipient)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.Sessions().SetAppointmentScheduled(ctx, session.ID, time.Now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if updated {
		log.Info().Str("sessionId", session.ID).Msg("appointment scheduled")
	}

	s.orchestrator.CancelAll(ctx, session.ID)
	return s.store.Sessions().FindByID(ctx, session.ID)
}

// ForceExpire expires a session immediately (admin surface), cancelling
// its pending jobs.
func (s *SessionService) ForceExpire(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.store.Sessions().FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}

	s.orchestrator.CancelAll(ctx, session.ID)
	if session.Status == model.SessionStatusActive {
		if err := s.store.Sessions().MarkExpired(ctx, session.ID); err != nil {
			return nil, apperrors.Database(err)
		}
		log.Info().Str("sessionId", session.ID).Msg("session force-expired")
	}
	return s.store.Sessions().FindByID(ctx, session.ID)
}

func (s *SessionService) resolve(ctx context.Context, id, recipient string) (*model.Session, error) {
	if id != "" {
		session, err := s.store.Sessions().FindByID(ctx, id)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if session == nil {
			return nil, apperrors.NotFound("Session")
		}
		return session, nil
	}
	if recipient == "" {
		return nil, apperrors.MissingRequired("sessionId or recipient")
	}
	session, err := s.store.Sessions().FindLatestByRecipient(ctx, recipient)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.NotFound("Session")
	}
	return session, nil
}

// Stats reports the counts surfaced on the admin status endpoint.
type Stats struct {
	Sessions struct {
		Active    int `json:"active"`
		Completed int `json:"completed"`
		Expired   int `json:"expired"`
	} `json:"sessions"`
	PendingByType  []repository.TypeCount `json:"pendingByType"`
	FailedJobs     int                    `json:"failedJobs"`
	RecentFailures []FailureDetail        `json:"recentFailures"`
}

// FailureDetail is one terminally failed job with its most recent error.
type FailureDetail struct {
	JobID       string            `json:"jobId"`
	SessionID   string            `json:"sessionId"`
	MessageType model.MessageType `json:"messageType"`
	RetryCount  int               `json:"retryCount"`
	LastError   string            `json:"lastError"`
}

func (s *SessionService) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	statuses := []struct {
		status model.SessionStatus
		dest   *int
	}{
		{model.SessionStatusActive, &stats.Sessions.Active},
		{model.SessionStatusCompleted, &stats.Sessions.Completed},
		{model.SessionStatusExpired, &stats.Sessions.Expired},
	}
	for _, st := range statuses {
		count, err := s.store.Sessions().CountByStatus(ctx, st.status)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		*st.dest = count
	}

	pending, err := s.store.Jobs().CountPendingByType(ctx)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	stats.PendingByType = pending

	failed, err := s.store.Jobs().CountByStatus(ctx, model.JobStatusFailed)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	stats.FailedJobs = failed

	recent, err := s.store.Jobs().FindRecentFailed(ctx, 10)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	stats.RecentFailures = make([]FailureDetail, 0, len(recent))
	for _, job := range recent {
		detail := FailureDetail{
			JobID:       job.ID,
			SessionID:   job.SessionID,
			MessageType: job.MessageType,
			RetryCount:  job.RetryCount,
		}
		if job.LastError != nil {
			detail.LastError = *job.LastError
		}
		stats.RecentFailures = append(stats.RecentFailures, detail)
	}
	return stats, nil
}
