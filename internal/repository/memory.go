package repository

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/leadflow/funnel-server-go/internal/model"
)

// memoryStore backs no-database development runs and service tests. It
// implements the same Store contract as Postgres with per-operation
// atomicity; InTx runs its body against the same state without rollback,
// which is acceptable for a single-process dev mode.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*model.Session
	jobs     map[string]*model.ScheduledJob
}

func NewMemoryStore() Store {
	return &memoryStore{
		sessions: make(map[string]*model.Session),
		jobs:     make(map[string]*model.ScheduledJob),
	}
}

func (s *memoryStore) Sessions() SessionRepository { return (*memorySessionRepo)(s) }
func (s *memoryStore) Jobs() JobRepository         { return (*memoryJobRepo)(s) }

func (s *memoryStore) InTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

type memorySessionRepo memoryStore

func (r *memorySessionRepo) store() *memoryStore { return (*memoryStore)(r) }

func (r *memorySessionRepo) WithTx(tx *sqlx.Tx) SessionRepository { return r }

func copySession(s *model.Session) *model.Session {
	dup := *s
	dup.FormRemindersSent = append(pq.Int64Array{}, s.FormRemindersSent...)
	dup.AppointmentRemindersSent = append(pq.Int64Array{}, s.AppointmentRemindersSent...)
	return &dup
}

func (r *memorySessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return copySession(s), nil
	}
	return nil, nil
}

func (r *memorySessionRepo) FindActiveByRecipient(ctx context.Context, recipient string) (*model.Session, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	var newest *model.Session
	for _, s := range st.sessions {
		if s.Recipient == recipient && s.Status == model.SessionStatusActive {
			if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
				newest = s
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copySession(newest), nil
}

func (r *memorySessionRepo) FindLatestByRecipient(ctx context.Context, recipient string) (*model.Session, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	var newest *model.Session
	for _, s := range st.sessions {
		if s.Recipient == recipient {
			if newest == nil || s.CreatedAt.After(newest.CreatedAt) {
				newest = s
			}
		}
	}
	if newest == nil {
		return nil, nil
	}
	return copySession(newest), nil
}

func (r *memorySessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	session := &model.Session{
		ID:                       uuid.NewString(),
		Recipient:                params.Recipient,
		DisplayName:              params.DisplayName,
		Status:                   model.SessionStatusActive,
		FormSentAt:               &now,
		FormRemindersSent:        pq.Int64Array{},
		AppointmentRemindersSent: pq.Int64Array{},
		ExpiresAt:                params.ExpiresAt,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	st.sessions[session.ID] = session
	return copySession(session), nil
}

func (r *memorySessionRepo) MarkExpired(ctx context.Context, id string) error {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok && s.Status == model.SessionStatusActive {
		s.Status = model.SessionStatusExpired
		s.UpdatedAt = time.Now()
	}
	return nil
}

func (r *memorySessionRepo) Complete(ctx context.Context, id string, payload json.RawMessage, at time.Time) (bool, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.Status != model.SessionStatusActive {
		return false, nil
	}
	s.Status = model.SessionStatusCompleted
	stamp := at
	s.CompletedAt = &stamp
	s.FormCompletedAt = &stamp
	s.AppointmentSentAt = &stamp
	if payload != nil {
		raw := append(json.RawMessage{}, payload...)
		s.Payload = &raw
	}
	s.UpdatedAt = time.Now()
	return true, nil
}

func (r *memorySessionRepo) SetAppointmentScheduled(ctx context.Context, id string, at time.Time) (bool, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok || s.AppointmentScheduledAt != nil {
		return false, nil
	}
	stamp := at
	s.AppointmentScheduledAt = &stamp
	s.UpdatedAt = time.Now()
	return true, nil
}

func (r *memorySessionRepo) AppendReminderSent(ctx context.Context, id string, funnel model.Funnel, stage int) error {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		return nil
	}
	target := &s.FormRemindersSent
	if funnel == model.FunnelAppointment {
		target = &s.AppointmentRemindersSent
	}
	for _, v := range *target {
		if v == int64(stage) {
			return nil
		}
	}
	*target = append(*target, int64(stage))
	s.UpdatedAt = time.Now()
	return nil
}

func (r *memorySessionRepo) ListActive(ctx context.Context, now time.Time) ([]model.Session, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []model.Session{}
	for _, s := range st.sessions {
		if s.Status == model.SessionStatusActive && s.ExpiresAt.After(now) {
			out = append(out, *copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memorySessionRepo) ListAwaitingAppointment(ctx context.Context) ([]model.Session, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []model.Session{}
	for _, s := range st.sessions {
		if s.Status == model.SessionStatusCompleted && s.AppointmentScheduledAt == nil {
			out = append(out, *copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *memorySessionRepo) ExpireLapsed(ctx context.Context, now time.Time) ([]string, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	var ids []string
	for _, s := range st.sessions {
		if s.Status == model.SessionStatusActive && !s.ExpiresAt.After(now) {
			s.Status = model.SessionStatusExpired
			s.UpdatedAt = time.Now()
			ids = append(ids, s.ID)
		}
	}
	return ids, nil
}

func (r *memorySessionRepo) CountByStatus(ctx context.Context, status model.SessionStatus) (int, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	count := 0
	for _, s := range st.sessions {
		if s.Status == status {
			count++
		}
	}
	return count, nil
}

type memoryJobRepo memoryStore

func (r *memoryJobRepo) store() *memoryStore { return (*memoryStore)(r) }

func (r *memoryJobRepo) WithTx(tx *sqlx.Tx) JobRepository { return r }

func copyJob(j *model.ScheduledJob) *model.ScheduledJob {
	dup := *j
	return &dup
}

// likeMatch approximates SQL LIKE for the patterns the orchestrator uses
// ("%", "form_%", "appt_%", exact types).
func likeMatch(pattern, value string) bool {
	ok, err := path.Match(strings.ReplaceAll(pattern, "%", "*"), value)
	return err == nil && ok
}

func (r *memoryJobRepo) FindByID(ctx context.Context, id string) (*model.ScheduledJob, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	if j, ok := st.jobs[id]; ok {
		return copyJob(j), nil
	}
	return nil, nil
}

func (r *memoryJobRepo) Create(ctx context.Context, params model.CreateJobParams) (*model.ScheduledJob, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	reason := "superseded by newer job of same type"
	for _, j := range st.jobs {
		if j.SessionID == params.SessionID && j.MessageType == params.MessageType && j.Status == model.JobStatusPending {
			j.Status = model.JobStatusCancelled
			j.LastError = &reason
			j.UpdatedAt = time.Now()
		}
	}
	now := time.Now()
	job := &model.ScheduledJob{
		ID:          uuid.NewString(),
		SessionID:   params.SessionID,
		Recipient:   params.Recipient,
		MessageType: params.MessageType,
		Content:     params.Content,
		MediaURL:    params.MediaURL,
		FireAt:      params.FireAt,
		Status:      model.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	st.jobs[job.ID] = job
	return copyJob(job), nil
}

func (r *memoryJobRepo) Cancel(ctx context.Context, id string) (bool, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok || j.Status != model.JobStatusPending {
		return false, nil
	}
	j.Status = model.JobStatusCancelled
	j.UpdatedAt = time.Now()
	return true, nil
}

func (r *memoryJobRepo) CancelByFilter(ctx context.Context, sessionID, typePattern string) (int64, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	var count int64
	for _, j := range st.jobs {
		if j.SessionID == sessionID && j.Status == model.JobStatusPending && likeMatch(typePattern, string(j.MessageType)) {
			j.Status = model.JobStatusCancelled
			j.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

func (r *memoryJobRepo) ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*model.ScheduledJob, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	var due *model.ScheduledJob
	for _, j := range st.jobs {
		claimable := (j.Status == model.JobStatusPending && !j.FireAt.After(now)) ||
			(j.Status == model.JobStatusProcessing && j.ClaimedAt != nil && !j.ClaimedAt.After(now.Add(-lease)))
		if !claimable {
			continue
		}
		if due == nil || j.FireAt.Before(due.FireAt) {
			due = j
		}
	}
	if due == nil {
		return nil, nil
	}
	due.Status = model.JobStatusProcessing
	stamp := now
	due.ClaimedAt = &stamp
	due.UpdatedAt = time.Now()
	return copyJob(due), nil
}

func (r *memoryJobRepo) markProcessing(id string, status model.JobStatus, errMsg *string, bumpRetry bool) error {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok || j.Status != model.JobStatusProcessing {
		return nil
	}
	j.Status = status
	if errMsg != nil {
		j.LastError = errMsg
	}
	if bumpRetry {
		j.RetryCount++
	}
	j.UpdatedAt = time.Now()
	return nil
}

func (r *memoryJobRepo) MarkSent(ctx context.Context, id string) error {
	return r.markProcessing(id, model.JobStatusSent, nil, false)
}

func (r *memoryJobRepo) MarkFailed(ctx context.Context, id, errMsg string) error {
	return r.markProcessing(id, model.JobStatusFailed, &errMsg, true)
}

func (r *memoryJobRepo) MarkCancelled(ctx context.Context, id, reason string) error {
	return r.markProcessing(id, model.JobStatusCancelled, &reason, false)
}

func (r *memoryJobRepo) Requeue(ctx context.Context, id, errMsg string, fireAt time.Time) error {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok || j.Status != model.JobStatusProcessing {
		return nil
	}
	j.Status = model.JobStatusPending
	j.ClaimedAt = nil
	j.RetryCount++
	j.LastError = &errMsg
	j.FireAt = fireAt
	j.UpdatedAt = time.Now()
	return nil
}

func (r *memoryJobRepo) HasPending(ctx context.Context, sessionID string, t model.MessageType) (bool, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, j := range st.jobs {
		if j.SessionID == sessionID && j.MessageType == t && j.Status == model.JobStatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryJobRepo) CountPendingByType(ctx context.Context) ([]TypeCount, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	byType := map[model.MessageType]int{}
	for _, j := range st.jobs {
		if j.Status == model.JobStatusPending {
			byType[j.MessageType]++
		}
	}
	counts := make([]TypeCount, 0, len(byType))
	for t, n := range byType {
		counts = append(counts, TypeCount{MessageType: t, Count: n})
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].MessageType < counts[j].MessageType })
	return counts, nil
}

func (r *memoryJobRepo) CountByStatus(ctx context.Context, status model.JobStatus) (int, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	count := 0
	for _, j := range st.jobs {
		if j.Status == status {
			count++
		}
	}
	return count, nil
}

func (r *memoryJobRepo) FindRecentFailed(ctx context.Context, limit int) ([]model.ScheduledJob, error) {
	st := r.store()
	st.mu.Lock()
	defer st.mu.Unlock()
	out := []model.ScheduledJob{}
	for _, j := range st.jobs {
		if j.Status == model.JobStatusFailed {
			out = append(out, *copyJob(j))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
