package model

import "time"

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusSent       JobStatus = "sent"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether a job in this status is immutable.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSent || s == JobStatusFailed || s == JobStatusCancelled
}

// ScheduledJob is one planned outbound message. The row doubles as the
// durable queue entry: pending rows with fire_at in the past are due, and
// the job id is the cancellation handle. At most one pending job may exist
// per (session id, message type).
type ScheduledJob struct {
	ID          string      `db:"id" json:"id"`
	SessionID   string      `db:"session_id" json:"sessionId"`
	Recipient   string      `db:"recipient" json:"recipient"`
	MessageType MessageType `db:"message_type" json:"messageType"`
	Content     string      `db:"content" json:"content"`
	MediaURL    *string     `db:"media_url" json:"mediaUrl,omitempty"`
	FireAt      time.Time   `db:"fire_at" json:"fireAt"`
	Status      JobStatus   `db:"status" json:"status"`
	RetryCount  int         `db:"retry_count" json:"retryCount"`
	LastError   *string     `db:"last_error" json:"lastError,omitempty"`
	ClaimedAt   *time.Time  `db:"claimed_at" json:"claimedAt,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

type CreateJobParams struct {
	SessionID   string
	Recipient   string
	MessageType MessageType
	Content     string
	MediaURL    *string
	FireAt      time.Time
}
