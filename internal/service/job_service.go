package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/repository"
)

// Store is the slice of the job store the submission/status surface needs.
type Store interface {
	Submit(ctx context.Context, p repository.SubmitParams) (int64, bool, error)
	GetByID(ctx context.Context, id int64) (*entity.Job, error)
	GetActiveByResource(ctx context.Context, resourceID string) (*entity.Job, error)
	List(ctx context.Context, status string, limit int) ([]entity.Job, error)
	Cancel(ctx context.Context, id int64) (*entity.Job, error)
	Requeue(ctx context.Context, id int64) error
}

// CancelAnnouncer broadcasts cancel requests to dispatcher instances.
// Optional; the store flag alone is sufficient, just slower.
type CancelAnnouncer interface {
	Publish(ctx context.Context, jobID int64) error
}

type JobService struct {
	store Store
	bus   CancelAnnouncer // may be nil
	log   *zap.SugaredLogger
}

func NewJobService(store Store, bus CancelAnnouncer, log *zap.SugaredLogger) *JobService {
	return &JobService{store: store, bus: bus, log: log}
}

type SubmitRequest struct {
	ResourceID    string
	OwnerID       string
	Kind          string
	Priority      int
	ExpectedBytes *int64
}

// Submit enqueues work for a resource. Submitting while a job for the same
// resource is active returns the active job's id with created=false; the
// caller sees the same id both times and no duplicate row appears.
func (s *JobService) Submit(ctx context.Context, req SubmitRequest) (int64, bool, error) {
	if req.ResourceID == "" {
		return 0, false, errors.New("resource_id is required")
	}
	if req.OwnerID == "" {
		return 0, false, errors.New("owner_id is required")
	}
	if !entity.IsValidKind(req.Kind) {
		return 0, false, errors.Newf("unknown job kind %q", req.Kind)
	}
	req.Priority = entity.ClampPriority(req.Priority)

	id, created, err := s.store.Submit(ctx, repository.SubmitParams{
		ResourceID:    req.ResourceID,
		OwnerID:       req.OwnerID,
		Kind:          req.Kind,
		Priority:      req.Priority,
		ExpectedBytes: req.ExpectedBytes,
	})
	if err != nil {
		return 0, false, err
	}

	if created {
		s.log.Infow("job submitted",
			"job_id", id, "resource_id", req.ResourceID, "kind", req.Kind, "priority", req.Priority)
	} else {
		s.log.Debugw("duplicate submission resolved to active job",
			"job_id", id, "resource_id", req.ResourceID)
	}
	return id, created, nil
}

func (s *JobService) GetJob(ctx context.Context, id int64) (*entity.Job, error) {
	return s.store.GetByID(ctx, id)
}

// GetResourceJob returns the active job for a resource, or ErrNotFound when
// nothing is in flight for it.
func (s *JobService) GetResourceJob(ctx context.Context, resourceID string) (*entity.Job, error) {
	j, err := s.store.GetActiveByResource(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, repository.ErrNotFound
	}
	return j, nil
}

func (s *JobService) List(ctx context.Context, status string, limit int) ([]entity.Job, error) {
	if status != "" && !entity.IsValidStatus(status) {
		return nil, errors.Newf("unknown status %q", status)
	}
	return s.store.List(ctx, status, limit)
}

// Cancel requests cancellation of a job. Pending jobs fail immediately;
// claimed/running jobs get the cancel flag plus a best-effort broadcast so
// the owning dispatcher reacts before its next lease renewal.
func (s *JobService) Cancel(ctx context.Context, id int64) (*entity.Job, error) {
	j, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}

	if j.CancelRequested && s.bus != nil {
		if err := s.bus.Publish(ctx, id); err != nil {
			s.log.Warnw("cancel broadcast failed, dispatcher will see the flag on renewal",
				"job_id", id, "err", err)
		}
	}
	s.log.Infow("cancel requested", "job_id", id, "status", j.Status)
	return j, nil
}

// Requeue puts a failed job back in the queue as new work.
func (s *JobService) Requeue(ctx context.Context, id int64) error {
	if err := s.store.Requeue(ctx, id); err != nil {
		return err
	}
	s.log.Infow("job requeued", "job_id", id)
	return nil
}
