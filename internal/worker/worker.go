package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/leadflow/funnel-server-go/internal/config"
	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
	"github.com/leadflow/funnel-server-go/internal/model"
	"github.com/leadflow/funnel-server-go/internal/repository"
	"github.com/leadflow/funnel-server-go/internal/service"
)

// NudgeWaiter blocks until another component signals that new jobs were
// enqueued, or the timeout elapses. The redis client implements it; tests
// substitute a plain sleep.
type NudgeWaiter interface {
	WaitForNudge(ctx context.Context, timeout time.Duration) bool
}

// Pool runs the delivery workers. Each worker repeatedly claims one due
// job, rechecks the owning session's state at dispatch time, and sends.
// Claiming uses row locks, so pools on multiple instances share one queue
// without double delivery.
type Pool struct {
	store       repository.Store
	transport   service.Transport
	waiter      NudgeWaiter
	concurrency int
	sendTimeout time.Duration
	maxRetries  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(
	store repository.Store,
	transport service.Transport,
	waiter NudgeWaiter,
	concurrency int,
	sendTimeout time.Duration,
	maxRetries int,
) *Pool {
	return &Pool{
		store:       store,
		transport:   transport,
		waiter:      waiter,
		concurrency: concurrency,
		sendTimeout: sendTimeout,
		maxRetries:  maxRetries,
	}
}

func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	log.Info().Int("concurrency", p.concurrency).Msg("delivery workers started")
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	log.Info().Msg("delivery workers stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.store.Jobs().ClaimDue(ctx, time.Now(), config.WorkerClaimLease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("failed to claim job")
			p.waiter.WaitForNudge(ctx, config.WorkerPollInterval)
			continue
		}
		if job == nil {
			p.waiter.WaitForNudge(ctx, config.WorkerPollInterval)
			continue
		}

		p.process(ctx, job)
	}
}

// process delivers one claimed job. The job row is already in processing
// status; every exit path moves it to a terminal status, back to pending,
// or leaves it claimed for lease reclaim.
func (p *Pool) process(ctx context.Context, job *model.ScheduledJob) {
	session, err := p.store.Sessions().FindByID(ctx, job.SessionID)
	if err != nil {
		// No send without a state recheck. The row stays in processing;
		// once the claim lease lapses the job is picked up again.
		log.Error().Err(err).Str("jobId", job.ID).
			Msg("dispatch recheck lookup failed, job left for lease reclaim")
		return
	}

	if ok, reason := deliverable(session, job); !ok {
		if err := p.store.Jobs().MarkCancelled(ctx, job.ID, reason); err != nil {
			log.Error().Err(err).Str("jobId", job.ID).Msg("failed to cancel stale job")
		} else {
			log.Info().
				Str("jobId", job.ID).
				Str("sessionId", job.SessionID).
				Str("messageType", string(job.MessageType)).
				Str("reason", reason).
				Msg("job cancelled at dispatch")
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	messageID, err := p.transport.Send(sendCtx, job.Recipient, job.Content, job.MediaURL)
	if err != nil {
		p.handleSendFailure(ctx, job, err)
		return
	}

	if err := p.store.Jobs().MarkSent(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("jobId", job.ID).Msg("send succeeded but status update failed")
		return
	}
	if stage := job.MessageType.Stage(); stage > 0 {
		if err := p.store.Sessions().AppendReminderSent(ctx, job.SessionID, job.MessageType.Funnel(), stage); err != nil {
			log.Error().Err(err).Str("sessionId", job.SessionID).Int("stage", stage).
				Msg("failed to record sent reminder stage")
		}
	}

	log.Info().
		Str("jobId", job.ID).
		Str("sessionId", job.SessionID).
		Str("messageType", string(job.MessageType)).
		Str("providerMessageId", messageID).
		Msg("message delivered")
}

// deliverable rechecks the owning session immediately before sending.
// Jobs cancelled by state transitions usually never reach here, but a
// cancellation can race a claim, so this check is authoritative.
func deliverable(session *model.Session, job *model.ScheduledJob) (bool, string) {
	if session == nil {
		return false, "session no longer exists"
	}

	switch job.MessageType.Funnel() {
	case model.FunnelForm:
		if session.Status != model.SessionStatusActive {
			return false, "session is " + string(session.Status)
		}
		if session.Expired(time.Now()) {
			return false, "session ttl lapsed"
		}
	case model.FunnelAppointment:
		if session.Status != model.SessionStatusCompleted {
			return false, "session is " + string(session.Status)
		}
		if session.AppointmentScheduledAt != nil {
			return false, "appointment already scheduled"
		}
	}
	return true, ""
}

func (p *Pool) handleSendFailure(ctx context.Context, job *model.ScheduledJob, sendErr error) {
	permanent := apperrors.IsCode(sendErr, apperrors.ErrCodePermanentDelivery)
	if permanent || job.RetryCount >= p.maxRetries {
		if err := p.store.Jobs().MarkFailed(ctx, job.ID, sendErr.Error()); err != nil {
			log.Error().Err(err).Str("jobId", job.ID).Msg("failed to mark job failed")
			return
		}
		log.Error().
			Err(sendErr).
			Str("jobId", job.ID).
			Str("messageType", string(job.MessageType)).
			Int("retryCount", job.RetryCount).
			Bool("permanent", permanent).
			Msg("job failed terminally")
		return
	}

	backoff := config.RetryBackoffBase * time.Duration(1<<job.RetryCount)
	fireAt := time.Now().Add(backoff)
	if err := p.store.Jobs().Requeue(ctx, job.ID, sendErr.Error(), fireAt); err != nil {
		log.Error().Err(err).Str("jobId", job.ID).Msg("failed to requeue job")
		return
	}
	log.Warn().
		Err(sendErr).
		Str("jobId", job.ID).
		Str("messageType", string(job.MessageType)).
		Int("attempt", job.RetryCount+1).
		Dur("backoff", backoff).
		Msg("send failed, job requeued")
}
