// Package reconciler is the corrective pass that keeps the queue
// consistent after crashes: expired leases go back to pending, jobs stuck
// in pending past their deadline fail, and duplicate pending rows collapse
// onto the oldest.
package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Store is the slice of the job store the reconciler needs. TryReconcileLock
// keeps overlapping passes (cron + on-demand, or two hosts) from
// double-applying repairs.
type Store interface {
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	FailStalePending(ctx context.Context, olderThan time.Time) (int64, error)
	CollapseDuplicatePending(ctx context.Context) (int64, error)
	TryReconcileLock(ctx context.Context) (release func(), ok bool, err error)
}

// Summary reports what one pass repaired.
type Summary struct {
	LeasesRecovered  int64 `json:"leases_recovered"`
	StaleFailed      int64 `json:"stale_failed"`
	DuplicatesFailed int64 `json:"duplicates_failed"`
	Skipped          bool  `json:"skipped,omitempty"` // another pass held the lock
}

type Reconciler struct {
	store      Store
	interval   time.Duration
	staleAfter time.Duration
	log        *zap.SugaredLogger
}

func New(store Store, interval, staleAfter time.Duration, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{store: store, interval: interval, staleAfter: staleAfter, log: log}
}

func (r *Reconciler) Name() string { return "reconciler" }

// Run executes passes on a cron schedule until ctx ends.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@every "+r.interval.String(), func() {
		if _, err := r.RunOnce(ctx); err != nil {
			r.log.Errorw("reconcile pass failed", "err", err)
		}
	}); err != nil {
		return err
	}

	r.log.Infow("reconciler started", "interval", r.interval, "stale_after", r.staleAfter)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce performs a single corrective pass. Passes are idempotent: a job
// repaired by one run is not touched again by the next unless it breaks
// again.
func (r *Reconciler) RunOnce(ctx context.Context) (Summary, error) {
	release, ok, err := r.store.TryReconcileLock(ctx)
	if err != nil {
		return Summary{}, err
	}
	if !ok {
		r.log.Debugw("reconcile skipped, another pass holds the lock")
		return Summary{Skipped: true}, nil
	}
	defer release()

	var s Summary
	now := time.Now()

	if s.LeasesRecovered, err = r.store.RecoverExpiredLeases(ctx, now); err != nil {
		return s, err
	}
	if s.StaleFailed, err = r.store.FailStalePending(ctx, now.Add(-r.staleAfter)); err != nil {
		return s, err
	}
	if s.DuplicatesFailed, err = r.store.CollapseDuplicatePending(ctx); err != nil {
		return s, err
	}

	if s.LeasesRecovered+s.StaleFailed+s.DuplicatesFailed > 0 {
		r.log.Infow("reconcile pass",
			"leases_recovered", s.LeasesRecovered,
			"stale_failed", s.StaleFailed,
			"duplicates_failed", s.DuplicatesFailed,
		)
	}
	return s, nil
}
