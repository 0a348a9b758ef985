package database

import "context"

// Migrate creates the session and job tables when they do not exist yet.
// The scheduled_jobs table doubles as the durable delayed queue, so the
// service is restart-safe with nothing beyond Postgres.
func (db *DB) Migrate(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			recipient TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			form_sent_at TIMESTAMPTZ,
			form_completed_at TIMESTAMPTZ,
			appointment_sent_at TIMESTAMPTZ,
			appointment_scheduled_at TIMESTAMPTZ,
			form_reminders_sent BIGINT[] NOT NULL DEFAULT '{}',
			appt_reminders_sent BIGINT[] NOT NULL DEFAULT '{}',
			payload JSONB,
			expires_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS sessions_one_active_per_recipient
			ON sessions (recipient) WHERE status = 'active';

		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id UUID PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions (id),
			recipient TEXT NOT NULL,
			message_type TEXT NOT NULL,
			content TEXT NOT NULL,
			media_url TEXT,
			fire_at TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INT NOT NULL DEFAULT 0,
			last_error TEXT,
			claimed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_pending_per_type
			ON scheduled_jobs (session_id, message_type) WHERE status = 'pending';

		CREATE INDEX IF NOT EXISTS jobs_due
			ON scheduled_jobs (fire_at) WHERE status IN ('pending', 'processing');
	`)
	return err
}
