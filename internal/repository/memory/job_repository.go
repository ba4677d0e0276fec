// Package memory holds an in-memory job store with the same semantics as
// the postgresql implementation. It backs unit tests and single-process
// development runs; production daemons share state only through Postgres.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/repository"
)

type JobRepository struct {
	mu      sync.Mutex
	nextID  int64
	jobs    map[int64]*entity.Job
	reconMu sync.Mutex
	nowFn   func() time.Time
}

func NewJobRepository() *JobRepository {
	return &JobRepository{
		nextID: 1,
		jobs:   make(map[int64]*entity.Job),
		nowFn:  time.Now,
	}
}

// SetNowFunc overrides the clock, for tests that need to age jobs.
func (r *JobRepository) SetNowFunc(fn func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nowFn = fn
}

func (r *JobRepository) now() time.Time { return r.nowFn() }

func (r *JobRepository) activeByResourceLocked(resourceID string) *entity.Job {
	var found *entity.Job
	for _, j := range r.jobs {
		if j.ResourceID == resourceID && j.Status.Active() {
			if found == nil || j.ID < found.ID {
				found = j
			}
		}
	}
	return found
}

func (r *JobRepository) insertLocked(p repository.SubmitParams, attempt int) *entity.Job {
	now := r.now()
	j := &entity.Job{
		ID:            r.nextID,
		ResourceID:    p.ResourceID,
		OwnerID:       p.OwnerID,
		Kind:          entity.JobKind(p.Kind),
		Priority:      entity.ClampPriority(p.Priority),
		Status:        entity.StatusPending,
		ExpectedBytes: p.ExpectedBytes,
		Attempt:       attempt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.nextID++
	r.jobs[j.ID] = j
	return j
}

func (r *JobRepository) Submit(ctx context.Context, p repository.SubmitParams) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing := r.activeByResourceLocked(p.ResourceID); existing != nil {
		return existing.ID, false, nil
	}
	return r.insertLocked(p, 0).ID, true, nil
}

func (r *JobRepository) Resubmit(ctx context.Context, prev *entity.Job) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := r.insertLocked(repository.SubmitParams{
		ResourceID:    prev.ResourceID,
		OwnerID:       prev.OwnerID,
		Kind:          string(prev.Kind),
		Priority:      prev.Priority,
		ExpectedBytes: prev.ExpectedBytes,
	}, prev.Attempt+1)
	return j.ID, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepository) GetActiveByResource(ctx context.Context, resourceID string) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := r.activeByResourceLocked(resourceID)
	if j == nil {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (r *JobRepository) List(ctx context.Context, status string, limit int) ([]entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []entity.Job
	for _, j := range r.jobs {
		if status != "" && string(j.Status) != status {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID > out[b].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *JobRepository) ClaimNext(ctx context.Context, workerToken string, ttl time.Duration) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	busy := make(map[string]bool)
	for _, j := range r.jobs {
		if j.Status == entity.StatusClaimed || j.Status == entity.StatusRunning {
			busy[j.ResourceID] = true
		}
	}

	var pick *entity.Job
	for _, j := range r.jobs {
		if j.Status != entity.StatusPending || busy[j.ResourceID] {
			continue
		}
		if pick == nil || less(j, pick) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}

	now := r.now()
	token := workerToken
	expiry := now.Add(ttl)
	pick.Status = entity.StatusClaimed
	pick.LeaseToken = &token
	pick.LeaseExpiresAt = &expiry
	pick.UpdatedAt = now

	cp := *pick
	return &cp, nil
}

// less orders pending jobs the way the SQL claim does: priority, created_at,
// id.
func less(a, b *entity.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (r *JobRepository) MarkRunning(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != entity.StatusClaimed {
		return repository.ErrNotFound
	}
	now := r.now()
	j.Status = entity.StatusRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) UpdateProgress(ctx context.Context, id int64, bytes int64, percent int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	if percent > 100 {
		percent = 100
	}
	if bytes > j.ProgressBytes {
		j.ProgressBytes = bytes
	}
	if percent > j.ProgressPct {
		j.ProgressPct = percent
	}
	j.UpdatedAt = r.now()
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	now := r.now()
	j.Status = entity.StatusCompleted
	j.ProgressPct = 100
	j.FinishedAt = &now
	j.LeaseToken = nil
	j.LeaseExpiresAt = nil
	j.ErrorMessage = nil
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) Fail(ctx context.Context, id int64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status.Terminal() {
		return nil
	}
	now := r.now()
	j.Status = entity.StatusFailed
	j.ErrorMessage = &message
	j.FinishedAt = &now
	j.LeaseToken = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) RenewLease(ctx context.Context, id int64, token string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.LeaseToken == nil || *j.LeaseToken != token ||
		(j.Status != entity.StatusClaimed && j.Status != entity.StatusRunning) {
		return false, repository.ErrLeaseLost
	}
	now := r.now()
	expiry := now.Add(ttl)
	j.LeaseExpiresAt = &expiry
	j.UpdatedAt = now
	return j.CancelRequested, nil
}

func (r *JobRepository) Cancel(ctx context.Context, id int64) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	now := r.now()
	switch j.Status {
	case entity.StatusPending:
		msg := repository.MsgCancelled
		j.Status = entity.StatusFailed
		j.ErrorMessage = &msg
		j.FinishedAt = &now
	case entity.StatusClaimed, entity.StatusRunning:
		j.CancelRequested = true
	}
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (r *JobRepository) Requeue(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != entity.StatusFailed {
		return repository.ErrNotFound
	}
	now := r.now()
	j.Status = entity.StatusPending
	j.ErrorMessage = nil
	j.FinishedAt = nil
	j.StartedAt = nil
	j.LeaseToken = nil
	j.LeaseExpiresAt = nil
	j.CancelRequested = false
	j.Attempt = 0
	j.ProgressBytes = 0
	j.ProgressPct = 0
	j.CreatedAt = now
	j.UpdatedAt = now
	return nil
}

func (r *JobRepository) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for _, j := range r.jobs {
		if (j.Status == entity.StatusClaimed || j.Status == entity.StatusRunning) && j.LeaseExpired(now) {
			j.Status = entity.StatusPending
			j.LeaseToken = nil
			j.LeaseExpiresAt = nil
			j.ErrorMessage = nil
			j.StartedAt = nil
			j.UpdatedAt = r.now()
			n++
		}
	}
	return n, nil
}

func (r *JobRepository) FailStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := r.now()
	for _, j := range r.jobs {
		if j.Status == entity.StatusPending && j.CreatedAt.Before(olderThan) {
			msg := repository.MsgStaleTimeout
			j.Status = entity.StatusFailed
			j.ErrorMessage = &msg
			j.FinishedAt = &now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *JobRepository) CollapseDuplicatePending(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byResource := make(map[string][]*entity.Job)
	for _, j := range r.jobs {
		if j.Status == entity.StatusPending {
			byResource[j.ResourceID] = append(byResource[j.ResourceID], j)
		}
	}

	var n int64
	now := r.now()
	for _, dupes := range byResource {
		if len(dupes) < 2 {
			continue
		}
		sort.Slice(dupes, func(a, b int) bool {
			if !dupes[a].CreatedAt.Equal(dupes[b].CreatedAt) {
				return dupes[a].CreatedAt.Before(dupes[b].CreatedAt)
			}
			return dupes[a].ID < dupes[b].ID
		})
		keeper := dupes[0]
		for _, j := range dupes[1:] {
			msg := fmt.Sprintf("duplicate of job %d", keeper.ID)
			j.Status = entity.StatusFailed
			j.ErrorMessage = &msg
			j.FinishedAt = &now
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (r *JobRepository) TryReconcileLock(ctx context.Context) (release func(), ok bool, err error) {
	if !r.reconMu.TryLock() {
		return nil, false, nil
	}
	return r.reconMu.Unlock, true, nil
}
