package model

import (
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageType(t *testing.T) {
	t.Run("classifies funnels", func(t *testing.T) {
		assert.Equal(t, FunnelForm, TypeFormLink.Funnel())
		assert.Equal(t, FunnelForm, TypeFormStage3.Funnel())
		assert.Equal(t, FunnelAppointment, TypeSummary.Funnel())
		assert.Equal(t, FunnelAppointment, TypeAppointmentStage4.Funnel())
	})

	t.Run("reports stages", func(t *testing.T) {
		assert.Equal(t, 0, TypeFormLink.Stage())
		assert.Equal(t, 0, TypeFormNudgeEvening.Stage())
		assert.Equal(t, 2, TypeFormStage2.Stage())
		assert.Equal(t, 4, TypeAppointmentStage4.Stage())
	})

	t.Run("rejects unknown types", func(t *testing.T) {
		assert.False(t, MessageType("bogus").Valid())
		assert.True(t, TypeAppointmentLink.Valid())
	})
}

func TestStageType(t *testing.T) {
	t.Run("round-trips staged types", func(t *testing.T) {
		for _, mt := range []MessageType{
			TypeFormStage1, TypeFormStage2, TypeFormStage3,
			TypeAppointmentStage1, TypeAppointmentStage2,
			TypeAppointmentStage3, TypeAppointmentStage4,
		} {
			got, err := StageType(mt.Funnel(), mt.Stage())
			require.NoError(t, err)
			assert.Equal(t, mt, got)
		}
	})

	t.Run("rejects stage zero and unknown stages", func(t *testing.T) {
		_, err := StageType(FunnelForm, 0)
		assert.Error(t, err)
		_, err = StageType(FunnelForm, 7)
		assert.Error(t, err)
	})
}

func TestSession_Expired(t *testing.T) {
	now := time.Now()
	session := Session{Status: SessionStatusActive, ExpiresAt: now.Add(time.Hour)}

	assert.False(t, session.Expired(now))
	assert.True(t, session.Expired(now.Add(2*time.Hour)))

	t.Run("only active sessions lapse", func(t *testing.T) {
		done := Session{Status: SessionStatusCompleted, ExpiresAt: now.Add(-time.Hour)}
		assert.False(t, done.Expired(now))
	})
}

func TestSession_RemindersSent(t *testing.T) {
	session := Session{
		FormRemindersSent:        pq.Int64Array{1, 2},
		AppointmentRemindersSent: pq.Int64Array{1},
	}

	assert.Equal(t, []int{1, 2}, session.RemindersSent(FunnelForm))
	assert.Equal(t, []int{1}, session.RemindersSent(FunnelAppointment))
}
