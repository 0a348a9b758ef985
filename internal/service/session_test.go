package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
	"github.com/leadflow/funnel-server-go/internal/model"
	"github.com/leadflow/funnel-server-go/internal/repository"
)

type fakeCRM struct {
	leads []Lead
}

func (f *fakeCRM) UpsertLead(ctx context.Context, lead Lead) (string, error) {
	f.leads = append(f.leads, lead)
	return "lead-1", nil
}

func newTestSessionService(t *testing.T, store repository.Store, ttl time.Duration) (*SessionService, *fakeCRM) {
	t.Helper()
	crm := &fakeCRM{}
	svc := NewSessionService(store, newTestOrchestrator(t, store), crm, ttl)
	return svc, crm
}

// racingStore commits a rival active session for the recipient right
// before the superseding transaction runs, the way a concurrent trigger
// would between the pre-transaction check and the insert.
type racingStore struct {
	repository.Store
	t         *testing.T
	recipient string
	rival     *model.Session
	once      sync.Once
}

func (s *racingStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	s.once.Do(func() {
		rival, err := s.Store.Sessions().Create(ctx, model.CreateSessionParams{
			Recipient: s.recipient,
			ExpiresAt: time.Now().Add(24 * time.Hour),
		})
		require.NoError(s.t, err)
		_, err = s.Store.Jobs().Create(ctx, model.CreateJobParams{
			SessionID:   rival.ID,
			Recipient:   s.recipient,
			MessageType: model.TypeFormLink,
			Content:     "hello",
			FireAt:      time.Now().Add(time.Hour),
		})
		require.NoError(s.t, err)
		s.rival = rival
	})
	return s.Store.InTx(ctx, fn)
}

func TestSessionService_CreateSession(t *testing.T) {
	ctx := context.Background()

	t.Run("creates an active session with the trigger messages scheduled", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, 24*time.Hour)

		session, err := svc.CreateSession(ctx, "+972500000010", "Noa")
		require.NoError(t, err)

		assert.Equal(t, model.SessionStatusActive, session.Status)
		assert.True(t, hasPending(t, store, session.ID, model.TypeFormLink))
		assert.True(t, hasPending(t, store, session.ID, model.TypeFormNudgeEvening))
	})

	t.Run("rejects an empty recipient", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, 24*time.Hour)

		_, err := svc.CreateSession(ctx, "", "Noa")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingRequired))
	})

	t.Run("supersedes a previous active session for the same recipient", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, 24*time.Hour)

		first, err := svc.CreateSession(ctx, "+972500000011", "Noa")
		require.NoError(t, err)
		second, err := svc.CreateSession(ctx, "+972500000011", "Noa")
		require.NoError(t, err)
		require.NotEqual(t, first.ID, second.ID)

		old, err := store.Sessions().FindByID(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusExpired, old.Status)
		assert.False(t, hasPending(t, store, first.ID, model.TypeFormLink))

		assert.True(t, hasPending(t, store, second.ID, model.TypeFormLink))
	})

	t.Run("supersedes a rival session committed by a concurrent trigger", func(t *testing.T) {
		inner := repository.NewMemoryStore()
		store := &racingStore{Store: inner, t: t, recipient: "+972500000021"}
		svc, _ := newTestSessionService(t, store, 24*time.Hour)

		session, err := svc.CreateSession(ctx, "+972500000021", "Noa")
		require.NoError(t, err)
		require.NotNil(t, store.rival)
		require.NotEqual(t, store.rival.ID, session.ID)

		rival, err := inner.Sessions().FindByID(ctx, store.rival.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusExpired, rival.Status)
		assert.False(t, hasPending(t, inner, rival.ID, model.TypeFormLink))

		assert.Equal(t, model.SessionStatusActive, session.Status)
		assert.True(t, hasPending(t, inner, session.ID, model.TypeFormLink))
	})
}

func TestSessionService_GetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("returns not found for an unknown id", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, 24*time.Hour)

		_, err := svc.GetSession(ctx, "missing")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotFound))
	})

	t.Run("lazily expires a session past its ttl", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, -time.Hour)

		created, err := svc.CreateSession(ctx, "+972500000012", "Noa")
		require.NoError(t, err)

		session, err := svc.GetSession(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusExpired, session.Status)
		assert.False(t, hasPending(t, store, created.ID, model.TypeFormLink))

		stored, err := store.Sessions().FindByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, model.SessionStatusExpired, stored.Status)
	})
}

func TestSessionService_MarkCompleted(t *testing.T) {
	ctx := context.Background()
	answers := json.RawMessage(`{"budget":"5000","goal":"growth"}`)

	t.Run("moves the session to completed and starts the appointment funnel", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, crm := newTestSessionService(t, store, 24*time.Hour)
		created, err := svc.CreateSession(ctx, "+972500000013", "Noa")
		require.NoError(t, err)

		session, err := svc.MarkCompleted(ctx, created.ID, answers)
		require.NoError(t, err)

		assert.Equal(t, model.SessionStatusCompleted, session.Status)
		assert.NotNil(t, session.CompletedAt)
		assert.NotNil(t, session.AppointmentSentAt)

		assert.False(t, hasPending(t, store, created.ID, model.TypeFormNudgeEvening))
		assert.True(t, hasPending(t, store, created.ID, model.TypeSummary))
		assert.True(t, hasPending(t, store, created.ID, model.TypeAppointmentStage1))

		require.Len(t, crm.leads, 1)
		assert.Equal(t, created.ID, crm.leads[0].SessionID)
	})

	t.Run("is idempotent for an already completed session", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, crm := newTestSessionService(t, store, 24*time.Hour)
		created, err := svc.CreateSession(ctx, "+972500000014", "Noa")
		require.NoError(t, err)

		_, err = svc.MarkCompleted(ctx, created.ID, answers)
		require.NoError(t, err)
		again, err := svc.MarkCompleted(ctx, created.ID, answers)
		require.NoError(t, err)

		assert.Equal(t, model.SessionStatusCompleted, again.Status)
		assert.Len(t, crm.leads, 1)
	})

	t.Run("refuses to complete an expired session", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, -time.Hour)
		created, err := svc.CreateSession(ctx, "+972500000015", "Noa")
		require.NoError(t, err)

		_, err = svc.MarkCompleted(ctx, created.ID, answers)
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition))
	})
}

func TestSessionService_MarkAppointmentScheduled(t *testing.T) {
	ctx := context.Background()

	t.Run("records the booking and cancels remaining jobs", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, 24*time.Hour)
		created, err := svc.CreateSession(ctx, "+972500000016", "Noa")
		require.NoError(t, err)
		_, err = svc.MarkCompleted(ctx, created.ID, nil)
		require.NoError(t, err)

		session, err := svc.MarkAppointmentScheduled(ctx, created.ID, "")
		require.NoError(t, err)

		assert.NotNil(t, session.AppointmentScheduledAt)
		assert.False(t, hasPending(t, store, created.ID, model.TypeAppointmentStage1))
		assert.False(t, hasPending(t, store, created.ID, model.TypeAppointmentStage4))
	})

	t.Run("falls back to the recipient's newest session", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, 24*time.Hour)
		created, err := svc.CreateSession(ctx, "+972500000017", "Noa")
		require.NoError(t, err)

		session, err := svc.MarkAppointmentScheduled(ctx, "", "+972500000017")
		require.NoError(t, err)
		assert.Equal(t, created.ID, session.ID)
		assert.NotNil(t, session.AppointmentScheduledAt)
	})

	t.Run("requires an id or recipient", func(t *testing.T) {
		store := repository.NewMemoryStore()
		svc, _ := newTestSessionService(t, store, 24*time.Hour)

		_, err := svc.MarkAppointmentScheduled(ctx, "", "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingRequired))
	})
}

func TestSessionService_ForceExpire(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc, _ := newTestSessionService(t, store, 24*time.Hour)
	created, err := svc.CreateSession(ctx, "+972500000018", "Noa")
	require.NoError(t, err)

	session, err := svc.ForceExpire(ctx, created.ID)
	require.NoError(t, err)

	assert.Equal(t, model.SessionStatusExpired, session.Status)
	assert.False(t, hasPending(t, store, created.ID, model.TypeFormLink))
}

func TestSessionService_GetStats(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	svc, _ := newTestSessionService(t, store, 24*time.Hour)

	first, err := svc.CreateSession(ctx, "+972500000019", "Noa")
	require.NoError(t, err)
	_, err = svc.CreateSession(ctx, "+972500000020", "Dana")
	require.NoError(t, err)
	_, err = svc.MarkCompleted(ctx, first.ID, nil)
	require.NoError(t, err)

	stats, err := svc.GetStats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Sessions.Active)
	assert.Equal(t, 1, stats.Sessions.Completed)
	assert.Equal(t, 0, stats.FailedJobs)
	assert.NotEmpty(t, stats.PendingByType)
}
