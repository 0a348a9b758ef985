package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow/funnel-server-go/internal/calendar"
	"github.com/leadflow/funnel-server-go/internal/model"
	"github.com/leadflow/funnel-server-go/internal/policy"
	"github.com/leadflow/funnel-server-go/internal/repository"
	"github.com/leadflow/funnel-server-go/internal/service"
)

// immediateRules makes stage 1 due the moment stage zero happens, so a
// sweep pass in a test observes a missed stage without clock manipulation.
func immediateRules() policy.Rules {
	return policy.Rules{{Stage: 1, Delay: 0}}
}

func newTestSweeper(t *testing.T, store repository.Store, formRules, apptRules policy.Rules) *Sweeper {
	t.Helper()
	cal, err := calendar.New(
		"Asia/Jerusalem",
		calendar.Window{Start: 9, End: 20},
		calendar.Window{Start: 9, End: 15},
		nil,
	)
	require.NoError(t, err)

	orchestrator := service.NewOrchestrator(
		store, cal, formRules, apptRules,
		service.NewTemplateRenderer(), service.NoopNudger{},
		"https://forms.example.com/intake", "https://cal.example.com/book",
	)
	return NewSweeper(store, cal, formRules, apptRules, orchestrator, AlwaysLock{}, 5*time.Minute)
}

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("expires lapsed sessions and cancels their jobs", func(t *testing.T) {
		store := repository.NewMemoryStore()
		sweeper := newTestSweeper(t, store, policy.DefaultFormRules(), policy.DefaultAppointmentRules())

		session, err := store.Sessions().Create(ctx, model.CreateSessionParams{
			Recipient: "+972500000040",
			ExpiresAt: time.Now().Add(-time.Minute),
		})
		require.NoError(t, err)
		_, err = store.Jobs().Create(ctx, model.CreateJobParams{
			SessionID:   session.ID,
			Recipient:   session.Recipient,
			MessageType: model.TypeFormNudgeEvening,
			Content:     "hello",
			FireAt:      time.Now().Add(time.Hour),
		})
		require.NoError(t, err)

		sweeper.RunOnce(ctx)

		updated, err := store.Sessions().FindByID(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusExpired, updated.Status)

		pending, err := store.Jobs().HasPending(ctx, session.ID, model.TypeFormNudgeEvening)
		require.NoError(t, err)
		assert.False(t, pending)
	})

	t.Run("schedules a missed form stage", func(t *testing.T) {
		store := repository.NewMemoryStore()
		sweeper := newTestSweeper(t, store, immediateRules(), policy.DefaultAppointmentRules())

		session, err := store.Sessions().Create(ctx, model.CreateSessionParams{
			Recipient: "+972500000041",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)

		sweeper.RunOnce(ctx)

		pending, err := store.Jobs().HasPending(ctx, session.ID, model.TypeFormStage1)
		require.NoError(t, err)
		assert.True(t, pending)
	})

	t.Run("does not duplicate a stage across passes", func(t *testing.T) {
		store := repository.NewMemoryStore()
		sweeper := newTestSweeper(t, store, immediateRules(), policy.DefaultAppointmentRules())

		_, err := store.Sessions().Create(ctx, model.CreateSessionParams{
			Recipient: "+972500000042",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)

		sweeper.RunOnce(ctx)
		sweeper.RunOnce(ctx)

		counts, err := store.Jobs().CountPendingByType(ctx)
		require.NoError(t, err)
		for _, tc := range counts {
			if tc.MessageType == model.TypeFormStage1 {
				assert.Equal(t, 1, tc.Count)
			}
		}
	})

	t.Run("schedules a missed appointment stage for a completed session", func(t *testing.T) {
		store := repository.NewMemoryStore()
		sweeper := newTestSweeper(t, store, policy.DefaultFormRules(), immediateRules())

		session, err := store.Sessions().Create(ctx, model.CreateSessionParams{
			Recipient: "+972500000043",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)
		_, err = store.Sessions().Complete(ctx, session.ID, nil, time.Now())
		require.NoError(t, err)

		sweeper.RunOnce(ctx)

		pending, err := store.Jobs().HasPending(ctx, session.ID, model.TypeAppointmentStage1)
		require.NoError(t, err)
		assert.True(t, pending)
	})

	t.Run("skips stages the session already received", func(t *testing.T) {
		store := repository.NewMemoryStore()
		sweeper := newTestSweeper(t, store, immediateRules(), policy.DefaultAppointmentRules())

		session, err := store.Sessions().Create(ctx, model.CreateSessionParams{
			Recipient: "+972500000044",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
		require.NoError(t, err)
		require.NoError(t, store.Sessions().AppendReminderSent(ctx, session.ID, model.FunnelForm, 1))

		sweeper.RunOnce(ctx)

		pending, err := store.Jobs().HasPending(ctx, session.ID, model.TypeFormStage1)
		require.NoError(t, err)
		assert.False(t, pending)
	})
}
