package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/leadflow/funnel-server-go/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// FindActiveByRecipient locks the row for update. Callers that need
	// two concurrent triggers for one recipient to serialize must invoke
	// it through InTx; outside a transaction the lock releases as soon as
	// the statement returns.
	FindActiveByRecipient(ctx context.Context, recipient string) (*model.Session, error)
	// FindLatestByRecipient returns the newest session for the recipient in
	// any status, or nil.
	FindLatestByRecipient(ctx context.Context, recipient string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	MarkExpired(ctx context.Context, id string) error
	// Complete flips an active session to completed, stamping
	// completed_at, form_completed_at and appointment_sent_at. Returns
	// false when the session was not active (no row touched).
	Complete(ctx context.Context, id string, payload json.RawMessage, at time.Time) (bool, error)
	// SetAppointmentScheduled stamps appointment_scheduled_at once.
	// Returns false when the session already had it set.
	SetAppointmentScheduled(ctx context.Context, id string, at time.Time) (bool, error)
	// AppendReminderSent records a dispatched stage. Appending a stage that
	// is already present is a no-op, keeping the set free of repeats.
	AppendReminderSent(ctx context.Context, id string, funnel model.Funnel, stage int) error
	// ListActive returns sessions still awaiting form completion whose TTL
	// has not lapsed.
	ListActive(ctx context.Context, now time.Time) ([]model.Session, error)
	// ListAwaitingAppointment returns completed sessions with no
	// appointment booked yet.
	ListAwaitingAppointment(ctx context.Context) ([]model.Session, error)
	// ExpireLapsed flips active sessions past their TTL to expired and
	// returns the ids it touched so their jobs can be cancelled.
	ExpireLapsed(ctx context.Context, now time.Time) ([]string, error)
	CountByStatus(ctx context.Context, status model.SessionStatus) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) SessionRepository
}

// sessionDB is an interface satisfied by both *sqlx.DB and *sqlx.Tx
type sessionDB interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type sessionRepo struct {
	db sessionDB
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindActiveByRecipient(ctx context.Context, recipient string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE recipient = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
		FOR UPDATE
	`, recipient)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) FindLatestByRecipient(ctx context.Context, recipient string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions
		WHERE recipient = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, recipient)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, recipient, display_name, status, form_sent_at, expires_at)
		VALUES ($1, $2, $3, 'active', NOW(), $4)
		RETURNING *
	`, uuid.NewString(), params.Recipient, params.DisplayName, params.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) MarkExpired(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'expired',
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id)
	return err
}

func (r *sessionRepo) Complete(ctx context.Context, id string, payload json.RawMessage, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'completed',
			completed_at = $2,
			form_completed_at = $2,
			appointment_sent_at = $2,
			payload = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id, at, payload)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *sessionRepo) SetAppointmentScheduled(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			appointment_scheduled_at = $2,
			updated_at = NOW()
		WHERE id = $1 AND appointment_scheduled_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *sessionRepo) AppendReminderSent(ctx context.Context, id string, funnel model.Funnel, stage int) error {
	column := "form_reminders_sent"
	if funnel == model.FunnelAppointment {
		column = "appt_reminders_sent"
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			`+column+` = `+column+` || $2::bigint,
			updated_at = NOW()
		WHERE id = $1 AND NOT (`+column+` @> ARRAY[$2::bigint])
	`, id, stage)
	return err
}

func (r *sessionRepo) ListActive(ctx context.Context, now time.Time) ([]model.Session, error) {
	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'active' AND expires_at > $1
		ORDER BY created_at
	`, now)
	return sessions, err
}

func (r *sessionRepo) ListAwaitingAppointment(ctx context.Context) ([]model.Session, error) {
	sessions := []model.Session{}
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT * FROM sessions
		WHERE status = 'completed' AND appointment_scheduled_at IS NULL
		ORDER BY created_at
	`)
	return sessions, err
}

func (r *sessionRepo) ExpireLapsed(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	rows, err := r.db.QueryContext(ctx, `
		UPDATE sessions SET
			status = 'expired',
			updated_at = NOW()
		WHERE status = 'active' AND expires_at <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *sessionRepo) CountByStatus(ctx context.Context, status model.SessionStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sessions WHERE status = $1
	`, status)
	return count, err
}
