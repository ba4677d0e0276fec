package worker

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/repository"
)

// Store is the slice of the job store the dispatcher needs.
type Store interface {
	ClaimNext(ctx context.Context, workerToken string, ttl time.Duration) (*entity.Job, error)
	MarkRunning(ctx context.Context, id int64) error
	Complete(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, message string) error
	RenewLease(ctx context.Context, id int64, token string, ttl time.Duration) (bool, error)
	Resubmit(ctx context.Context, prev *entity.Job) (int64, error)
}

// CancelFeed delivers job ids whose cancellation was requested elsewhere.
// Best-effort: the authoritative cancel flag is re-checked on every lease
// renewal.
type CancelFeed interface {
	Subscribe(ctx context.Context) <-chan int64
}

var (
	errLeaseLost       = errors.New("lease lost")
	errCancelRequested = errors.New("cancel requested")
)

// Dispatcher claims one pending job at a time and executes it. Concurrency
// comes from running several instances, in one process or across hosts;
// they coordinate only through the store's claim semantics.
type Dispatcher struct {
	store       Store
	actions     Registry
	cancels     CancelFeed // may be nil
	token       string
	poll        time.Duration
	leaseTTL    time.Duration
	maxAttempts int
	log         *zap.SugaredLogger
}

func NewDispatcher(store Store, actions Registry, cancels CancelFeed, poll, leaseTTL time.Duration, maxAttempts int, log *zap.SugaredLogger) *Dispatcher {
	token := uuid.NewString()
	return &Dispatcher{
		store:       store,
		actions:     actions,
		cancels:     cancels,
		token:       token,
		poll:        poll,
		leaseTTL:    leaseTTL,
		maxAttempts: maxAttempts,
		log:         log.With("dispatcher", token[:8]),
	}
}

func (d *Dispatcher) Name() string { return "dispatcher-" + d.token[:8] }

// Run polls the store until ctx ends. Claim losses and empty polls are not
// errors; the loop just sleeps and tries again.
func (d *Dispatcher) Run(ctx context.Context) error {
	var cancelCh <-chan int64
	if d.cancels != nil {
		cancelCh = d.cancels.Subscribe(ctx)
	}

	d.log.Infow("dispatcher started", "poll", d.poll, "lease_ttl", d.leaseTTL)
	for {
		job, err := d.store.ClaimNext(ctx, d.token, d.leaseTTL)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.log.Errorw("claim failed", "err", err)
			job = nil
		}

		if job == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.poll):
			}
			continue
		}

		d.execute(ctx, job, cancelCh)
	}
}

func (d *Dispatcher) execute(ctx context.Context, job *entity.Job, cancelCh <-chan int64) {
	log := d.log.With("job_id", job.ID, "resource_id", job.ResourceID, "kind", job.Kind)
	start := time.Now()

	action, ok := d.actions[job.Kind]
	if !ok {
		log.Errorw("no action registered for kind")
		_ = d.store.Fail(ctx, job.ID, "no worker action for kind "+string(job.Kind))
		return
	}

	if err := d.store.MarkRunning(ctx, job.ID); err != nil {
		// Reclaimed or cancelled between claim and start; not ours anymore.
		log.Warnw("job no longer claimed, skipping", "err", err)
		return
	}
	log.Infow("job running", "attempt", job.Attempt)

	actionCtx, stop := context.WithCancelCause(ctx)
	keepaliveDone := make(chan struct{})
	go d.keepalive(actionCtx, job.ID, cancelCh, stop, keepaliveDone)

	res := action.Run(actionCtx, job)
	stop(nil)
	<-keepaliveDone

	switch cause := context.Cause(actionCtx); {
	case errors.Is(cause, errLeaseLost):
		// The reconciler took the job back; whoever claims it next owns
		// the status. Writing anything here would race them.
		log.Warnw("lease lost mid-job, abandoning")

	case errors.Is(cause, errCancelRequested):
		_ = d.store.Fail(ctx, job.ID, repository.MsgCancelled)
		log.Infow("job cancelled", "duration", time.Since(start))

	case res.OK:
		_ = d.store.Complete(ctx, job.ID)
		log.Infow("job completed", "duration", time.Since(start))

	case res.Transient && job.Attempt < d.maxAttempts:
		_ = d.store.Fail(ctx, job.ID, "transient: "+res.Message)
		newID, err := d.store.Resubmit(ctx, job)
		if err != nil {
			log.Errorw("resubmit failed", "err", err)
			return
		}
		log.Infow("transient failure, resubmitted",
			"new_job_id", newID, "attempt", job.Attempt+1, "err", res.Message)

	default:
		msg := res.Message
		if msg == "" {
			msg = "job failed"
		}
		if res.Transient {
			msg = "retries exhausted: " + msg
		}
		_ = d.store.Fail(ctx, job.ID, msg)
		log.Infow("job failed", "duration", time.Since(start), "err", msg)
	}
}

// keepalive renews the lease while the action runs and stops the action
// when the lease is lost or a cancel request shows up, either via the
// best-effort feed or the flag returned by renewal.
func (d *Dispatcher) keepalive(ctx context.Context, jobID int64, cancelCh <-chan int64, stop context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)

	interval := d.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-cancelCh:
			if id != jobID {
				continue
			}
			stop(errCancelRequested)
			return
		case <-ticker.C:
			cancelled, err := d.store.RenewLease(ctx, jobID, d.token, d.leaseTTL)
			if errors.Is(err, repository.ErrLeaseLost) {
				stop(errLeaseLost)
				return
			}
			if err != nil {
				// Store unreachable; keep the action alive and retry on
				// the next tick. The lease outlives two missed renewals.
				d.log.Warnw("lease renewal failed", "job_id", jobID, "err", err)
				continue
			}
			if cancelled {
				stop(errCancelRequested)
				return
			}
		}
	}
}
