package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/repository"
	"mediaqueue/internal/repository/memory"
)

type stubAction struct {
	fn func(ctx context.Context, job *entity.Job) Result
}

func (a stubAction) Run(ctx context.Context, job *entity.Job) Result {
	return a.fn(ctx, job)
}

func fixedResult(res Result) Action {
	return stubAction{fn: func(context.Context, *entity.Job) Result { return res }}
}

// blockingAction waits for cancellation, like an external tool reacting to
// SIGTERM.
func blockingAction() Action {
	return stubAction{fn: func(ctx context.Context, _ *entity.Job) Result {
		<-ctx.Done()
		return Result{Message: "interrupted"}
	}}
}

func newTestDispatcher(store Store, actions Registry, leaseTTL time.Duration) *Dispatcher {
	return NewDispatcher(store, actions, nil, 10*time.Millisecond, leaseTTL, 3, zap.NewNop().Sugar())
}

func submitAndClaim(t *testing.T, store *memory.JobRepository, d *Dispatcher, resource string) *entity.Job {
	t.Helper()
	ctx := context.Background()
	_, _, err := store.Submit(ctx, repository.SubmitParams{
		ResourceID: resource, OwnerID: "user", Kind: "download", Priority: 3,
	})
	require.NoError(t, err)

	job, err := store.ClaimNext(ctx, d.token, d.leaseTTL)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestExecuteCompletesSuccessfulJob(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{entity.KindDownload: fixedResult(Result{OK: true})}, time.Minute)

	job := submitAndClaim(t, store, d, "abc123")
	d.execute(ctx, job, nil)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.ProgressPct)
	assert.NotNil(t, got.FinishedAt)
}

func TestExecuteFailsPermanentFailureVerbatim(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{
		entity.KindDownload: fixedResult(Result{Message: "resource no longer exists"}),
	}, time.Minute)

	job := submitAndClaim(t, store, d, "abc123")
	d.execute(ctx, job, nil)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "resource no longer exists", *got.ErrorMessage)

	// Permanent failures are not resubmitted.
	next, err := store.ClaimNext(ctx, "other", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestExecuteResubmitsTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{
		entity.KindDownload: fixedResult(Result{Transient: true, Message: "rate limited"}),
	}, time.Minute)

	job := submitAndClaim(t, store, d, "abc123")
	d.execute(ctx, job, nil)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)

	// A fresh pending job for the same resource carries the attempt count.
	resub, err := store.GetActiveByResource(ctx, "abc123")
	require.NoError(t, err)
	require.NotNil(t, resub)
	assert.Equal(t, entity.StatusPending, resub.Status)
	assert.Equal(t, 1, resub.Attempt)
}

func TestExecuteStopsRetryingAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{
		entity.KindDownload: fixedResult(Result{Transient: true, Message: "still flaky"}),
	}, time.Minute)

	job := submitAndClaim(t, store, d, "abc123")
	for i := 0; i < 4; i++ {
		d.execute(ctx, job, nil)
		job, _ = store.ClaimNext(ctx, d.token, d.leaseTTL)
		if job == nil {
			break
		}
	}

	// Attempt 3 failed transiently but the budget is spent: terminal, no
	// new pending row.
	assert.Nil(t, job)
	active, err := store.GetActiveByResource(ctx, "abc123")
	require.NoError(t, err)
	assert.Nil(t, active)

	failed, err := store.List(ctx, string(entity.StatusFailed), 0)
	require.NoError(t, err)
	require.NotEmpty(t, failed)
	require.NotNil(t, failed[0].ErrorMessage)
	assert.Contains(t, *failed[0].ErrorMessage, "retries exhausted")
}

func TestExecuteFailsUnknownKind(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{}, time.Minute)

	job := submitAndClaim(t, store, d, "abc123")
	d.execute(ctx, job, nil)

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "no worker action")
}

func TestExecuteCancelsViaStoreFlag(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	// Short lease so the keepalive polls the cancel flag quickly.
	d := newTestDispatcher(store, Registry{entity.KindDownload: blockingAction()}, 60*time.Millisecond)

	job := submitAndClaim(t, store, d, "abc123")
	_, err := store.Cancel(ctx, job.ID)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		d.execute(ctx, job, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not react to cancel request")
	}

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, repository.MsgCancelled, *got.ErrorMessage)
}

func TestExecuteCancelsViaFeed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{entity.KindDownload: blockingAction()}, time.Minute)

	job := submitAndClaim(t, store, d, "abc123")

	cancelCh := make(chan int64, 1)
	cancelCh <- job.ID

	done := make(chan struct{})
	go func() {
		d.execute(ctx, job, cancelCh)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not react to broadcast cancel")
	}

	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
}

func TestExecuteAbandonsJobWhenLeaseLost(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{entity.KindDownload: blockingAction()}, 60*time.Millisecond)

	job := submitAndClaim(t, store, d, "abc123")

	done := make(chan struct{})
	go func() {
		d.execute(ctx, job, nil)
		close(done)
	}()

	require.Eventually(t, func() bool {
		j, err := store.GetByID(ctx, job.ID)
		return err == nil && j.Status == entity.StatusRunning
	}, time.Second, 5*time.Millisecond)

	// The reconciler takes the job back mid-flight. The next lease renewal
	// fails and the dispatcher abandons the job.
	n, err := store.RecoverExpiredLeases(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not notice the lost lease")
	}

	// The dispatcher writes nothing: the job stays pending for the next
	// claimer.
	got, err := store.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, got.Status)
	assert.Nil(t, got.ErrorMessage)
}

func TestRunClaimsAndProcessesUntilCancelled(t *testing.T) {
	store := memory.NewJobRepository()
	d := newTestDispatcher(store, Registry{entity.KindDownload: fixedResult(Result{OK: true})}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ids []int64
	for _, res := range []string{"r1", "r2", "r3"} {
		id, _, err := store.Submit(ctx, repository.SubmitParams{
			ResourceID: res, OwnerID: "user", Kind: "download", Priority: 3,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			j, err := store.GetByID(ctx, id)
			if err != nil || j.Status != entity.StatusCompleted {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}
