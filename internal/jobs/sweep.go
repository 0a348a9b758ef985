package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/leadflow/funnel-server-go/internal/calendar"
	"github.com/leadflow/funnel-server-go/internal/model"
	"github.com/leadflow/funnel-server-go/internal/policy"
	"github.com/leadflow/funnel-server-go/internal/repository"
	"github.com/leadflow/funnel-server-go/internal/service"
)

// SweepLocker elects a single sweeper across instances. The redis client
// implements it; single-instance deployments and tests use AlwaysLock.
type SweepLocker interface {
	AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error)
	ReleaseSweepLock(ctx context.Context)
}

// AlwaysLock grants the lock unconditionally.
type AlwaysLock struct{}

func (AlwaysLock) AcquireSweepLock(ctx context.Context, ttl time.Duration) (bool, error) {
	return true, nil
}
func (AlwaysLock) ReleaseSweepLock(ctx context.Context) {}

// Sweeper is the periodic safety net behind the pre-scheduled job chain.
// It expires lapsed sessions and enqueues any funnel stage whose time has
// come but whose job went missing (crash between state write and enqueue,
// operator intervention, clock skew).
type Sweeper struct {
	store        repository.Store
	cal          *calendar.Calendar
	formRules    policy.Rules
	apptRules    policy.Rules
	orchestrator *service.Orchestrator
	locker       SweepLocker
	interval     time.Duration

	cron *cron.Cron
}

func NewSweeper(
	store repository.Store,
	cal *calendar.Calendar,
	formRules, apptRules policy.Rules,
	orchestrator *service.Orchestrator,
	locker SweepLocker,
	interval time.Duration,
) *Sweeper {
	return &Sweeper{
		store:        store,
		cal:          cal,
		formRules:    formRules,
		apptRules:    apptRules,
		orchestrator: orchestrator,
		locker:       locker,
		interval:     interval,
	}
}

func (s *Sweeper) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		s.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("register sweep schedule: %w", err)
	}
	s.cron.Start()
	log.Info().Dur("interval", s.interval).Msg("session sweeper started")
	return nil
}

func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	log.Info().Msg("session sweeper stopped")
}

// RunOnce performs one full sweep pass. Exported for tests and the admin
// surface; the cron schedule calls it on the configured interval.
func (s *Sweeper) RunOnce(ctx context.Context) {
	acquired, err := s.locker.AcquireSweepLock(ctx, s.interval)
	if err != nil {
		log.Error().Err(err).Msg("sweep lock acquisition failed")
		return
	}
	if !acquired {
		log.Debug().Msg("sweep skipped, another instance holds the lock")
		return
	}
	defer s.locker.ReleaseSweepLock(ctx)

	now := time.Now()
	s.expireLapsed(ctx, now)
	s.dispatchMissed(ctx, now)
}

func (s *Sweeper) expireLapsed(ctx context.Context, now time.Time) {
	expired, err := s.store.Sessions().ExpireLapsed(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to expire lapsed sessions")
		return
	}
	for _, id := range expired {
		s.orchestrator.CancelAll(ctx, id)
	}
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("lapsed sessions expired")
	}
}

// dispatchMissed walks both funnels and enqueues any stage the policy
// says is due but has neither been sent nor got a pending job. Stages
// with a pending job are skipped inside ScheduleStageNow, so the sweep
// never duplicates the pre-scheduled chain.
func (s *Sweeper) dispatchMissed(ctx context.Context, now time.Time) {
	active, err := s.store.Sessions().ListActive(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active sessions")
	} else {
		for i := range active {
			s.checkFunnel(ctx, &active[i], model.FunnelForm, s.formRules, active[i].FormSentAt, now)
		}
	}

	awaiting, err := s.store.Sessions().ListAwaitingAppointment(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list sessions awaiting appointment")
		return
	}
	for i := range awaiting {
		s.checkFunnel(ctx, &awaiting[i], model.FunnelAppointment, s.apptRules, awaiting[i].AppointmentSentAt, now)
	}
}

func (s *Sweeper) checkFunnel(
	ctx context.Context,
	session *model.Session,
	funnel model.Funnel,
	rules policy.Rules,
	stageZero *time.Time,
	now time.Time,
) {
	if stageZero == nil {
		return
	}
	stage, ok := policy.NextStage(s.cal, rules, *stageZero, now, session.RemindersSent(funnel))
	if !ok {
		return
	}
	if err := s.orchestrator.ScheduleStageNow(ctx, session, funnel, stage); err != nil {
		log.Error().Err(err).
			Str("sessionId", session.ID).
			Str("funnel", string(funnel)).
			Int("stage", stage).
			Msg("failed to schedule missed stage")
		return
	}
	log.Info().
		Str("sessionId", session.ID).
		Str("funnel", string(funnel)).
		Int("stage", stage).
		Msg("missed stage scheduled by sweep")
}
