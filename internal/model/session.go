package model

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
)

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
)

// Session is one user's funnel instance. At most one session per recipient
// may be active at a time; creating a new one force-expires the previous.
type Session struct {
	ID        string        `db:"id" json:"id"`
	Recipient string        `db:"recipient" json:"recipient"`
	// DisplayName is whatever the trigger event knew the contact as.
	DisplayName string        `db:"display_name" json:"displayName"`
	Status      SessionStatus `db:"status" json:"status"`

	FormSentAt             *time.Time `db:"form_sent_at" json:"formSentAt,omitempty"`
	FormCompletedAt        *time.Time `db:"form_completed_at" json:"formCompletedAt,omitempty"`
	AppointmentSentAt      *time.Time `db:"appointment_sent_at" json:"appointmentSentAt,omitempty"`
	AppointmentScheduledAt *time.Time `db:"appointment_scheduled_at" json:"appointmentScheduledAt,omitempty"`

	// Stage numbers already dispatched, one set per funnel.
	FormRemindersSent        pq.Int64Array `db:"form_reminders_sent" json:"formRemindersSent"`
	AppointmentRemindersSent pq.Int64Array `db:"appt_reminders_sent" json:"appointmentRemindersSent"`

	// Form answers attached on completion. Opaque to the engine.
	Payload *json.RawMessage `db:"payload" json:"payload,omitempty"`

	ExpiresAt   time.Time  `db:"expires_at" json:"expiresAt"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updatedAt"`
}

// Expired reports whether the session's TTL has lapsed, regardless of the
// persisted status. Reads treat a lapsed active session as expired even
// before the row is written back.
func (s *Session) Expired(now time.Time) bool {
	return s.Status == SessionStatusExpired ||
		(s.Status == SessionStatusActive && now.After(s.ExpiresAt))
}

// RemindersSent returns the dispatched stage set for the given funnel.
func (s *Session) RemindersSent(f Funnel) []int {
	var arr pq.Int64Array
	switch f {
	case FunnelForm:
		arr = s.FormRemindersSent
	case FunnelAppointment:
		arr = s.AppointmentRemindersSent
	default:
		return nil
	}
	stages := make([]int, len(arr))
	for i, v := range arr {
		stages[i] = int(v)
	}
	return stages
}

type CreateSessionParams struct {
	Recipient   string
	DisplayName string
	ExpiresAt   time.Time
}
