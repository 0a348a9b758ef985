package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/leadflow/funnel-server-go/internal/model"
)

// TypeCount is one row of the pending-jobs-per-type breakdown.
type TypeCount struct {
	MessageType model.MessageType `db:"message_type" json:"messageType"`
	Count       int               `db:"count" json:"count"`
}

type JobRepository interface {
	FindByID(ctx context.Context, id string) (*model.ScheduledJob, error)
	// Create inserts a pending job. Any pending job for the same
	// (session, message type) is cancelled first, so at most one stays
	// in flight. Run inside a transaction when that matters.
	Create(ctx context.Context, params model.CreateJobParams) (*model.ScheduledJob, error)
	// Cancel cancels a single pending job by id. Returns false when the
	// job was not pending (already fired, failed or cancelled).
	Cancel(ctx context.Context, id string) (bool, error)
	// CancelByFilter cancels every pending job for the session whose
	// message type matches the SQL LIKE pattern. Returns the count.
	CancelByFilter(ctx context.Context, sessionID, typePattern string) (int64, error)
	// ClaimDue atomically claims the next due pending job, or a processing
	// job whose claim lease lapsed (worker died mid-send). Returns nil when
	// nothing is due.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*model.ScheduledJob, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed records a terminal failure with its error detail.
	MarkFailed(ctx context.Context, id, errMsg string) error
	// MarkCancelled cancels a claimed job at dispatch time (the worker's
	// session-state recheck said the send is moot).
	MarkCancelled(ctx context.Context, id, reason string) error
	// Requeue puts a claimed job back in the queue for a retry at fireAt,
	// incrementing its retry count and recording the error.
	Requeue(ctx context.Context, id, errMsg string, fireAt time.Time) error
	// HasPending reports whether a pending job exists for the session and
	// message type.
	HasPending(ctx context.Context, sessionID string, t model.MessageType) (bool, error)
	CountPendingByType(ctx context.Context) ([]TypeCount, error)
	CountByStatus(ctx context.Context, status model.JobStatus) (int, error)
	FindRecentFailed(ctx context.Context, limit int) ([]model.ScheduledJob, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) JobRepository
}

type jobRepo struct {
	db sessionDB
}

func NewJobRepository(db *sqlx.DB) JobRepository {
	return &jobRepo{db: db}
}

func (r *jobRepo) WithTx(tx *sqlx.Tx) JobRepository {
	return &jobRepo{db: tx}
}

func (r *jobRepo) FindByID(ctx context.Context, id string) (*model.ScheduledJob, error) {
	var job model.ScheduledJob
	err := r.db.GetContext(ctx, &job, `
		SELECT * FROM scheduled_jobs WHERE id = $1
	`, id)
	return HandleNotFound(&job, err)
}

func (r *jobRepo) Create(ctx context.Context, params model.CreateJobParams) (*model.ScheduledJob, error) {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			status = 'cancelled',
			last_error = 'superseded by newer job of same type',
			updated_at = NOW()
		WHERE session_id = $1 AND message_type = $2 AND status = 'pending'
	`, params.SessionID, params.MessageType)
	if err != nil {
		return nil, err
	}

	var job model.ScheduledJob
	err = r.db.GetContext(ctx, &job, `
		INSERT INTO scheduled_jobs (id, session_id, recipient, message_type, content, media_url, fire_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING *
	`, uuid.NewString(), params.SessionID, params.Recipient, params.MessageType,
		params.Content, params.MediaURL, params.FireAt)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			status = 'cancelled',
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *jobRepo) CancelByFilter(ctx context.Context, sessionID, typePattern string) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			status = 'cancelled',
			updated_at = NOW()
		WHERE session_id = $1 AND message_type LIKE $2 AND status = 'pending'
	`, sessionID, typePattern)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *jobRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*model.ScheduledJob, error) {
	var job model.ScheduledJob
	err := r.db.GetContext(ctx, &job, `
		UPDATE scheduled_jobs SET
			status = 'processing',
			claimed_at = $1,
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM scheduled_jobs
			WHERE (status = 'pending' AND fire_at <= $1)
			   OR (status = 'processing' AND claimed_at <= $2)
			ORDER BY fire_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *
	`, now, now.Add(-lease))
	return HandleNotFound(&job, err)
}

func (r *jobRepo) MarkSent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			status = 'sent',
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id)
	return err
}

func (r *jobRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			status = 'failed',
			retry_count = retry_count + 1,
			last_error = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, errMsg)
	return err
}

func (r *jobRepo) MarkCancelled(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			status = 'cancelled',
			last_error = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, reason)
	return err
}

func (r *jobRepo) Requeue(ctx context.Context, id, errMsg string, fireAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET
			status = 'pending',
			claimed_at = NULL,
			retry_count = retry_count + 1,
			last_error = $2,
			fire_at = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
	`, id, errMsg, fireAt)
	return err
}

func (r *jobRepo) HasPending(ctx context.Context, sessionID string, t model.MessageType) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM scheduled_jobs
		WHERE session_id = $1 AND message_type = $2 AND status = 'pending'
	`, sessionID, t)
	return count > 0, err
}

func (r *jobRepo) CountPendingByType(ctx context.Context) ([]TypeCount, error) {
	counts := []TypeCount{}
	err := r.db.SelectContext(ctx, &counts, `
		SELECT message_type, COUNT(*) AS count
		FROM scheduled_jobs
		WHERE status = 'pending'
		GROUP BY message_type
		ORDER BY message_type
	`)
	return counts, err
}

func (r *jobRepo) CountByStatus(ctx context.Context, status model.JobStatus) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM scheduled_jobs WHERE status = $1
	`, status)
	return count, err
}

func (r *jobRepo) FindRecentFailed(ctx context.Context, limit int) ([]model.ScheduledJob, error) {
	jobs := []model.ScheduledJob{}
	err := r.db.SelectContext(ctx, &jobs, `
		SELECT * FROM scheduled_jobs
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	return jobs, err
}
