package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/repository"
)

func submit(t *testing.T, r *JobRepository, resource string, priority int) int64 {
	t.Helper()
	id, _, err := r.Submit(context.Background(), repository.SubmitParams{
		ResourceID: resource,
		OwnerID:    "user-1",
		Kind:       string(entity.KindDownload),
		Priority:   priority,
	})
	require.NoError(t, err)
	return id
}

func TestSubmitIsIdempotentWhileActive(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	first := submit(t, r, "abc123", 3)

	// Second submission, even with a different priority, resolves to the
	// active job.
	second, created, err := r.Submit(ctx, repository.SubmitParams{
		ResourceID: "abc123", OwnerID: "user-2", Kind: "download", Priority: 1,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)

	jobs, err := r.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// Once terminal, the same resource accepts a new job.
	require.NoError(t, r.Fail(ctx, first, "boom"))
	third, created, err := r.Submit(ctx, repository.SubmitParams{
		ResourceID: "abc123", OwnerID: "user-1", Kind: "download", Priority: 3,
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first, third)
}

func TestClaimOrderFollowsPriorityThenAge(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	submit(t, r, "res-a", 3)
	submit(t, r, "res-b", 1)
	submit(t, r, "res-c", 2)

	var got []int
	for {
		j, err := r.ClaimNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if j == nil {
			break
		}
		got = append(got, j.Priority)
		require.NoError(t, r.Complete(ctx, j.ID))
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestConcurrentClaimersGetDistinctJobs(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		submit(t, r, "res-"+string(rune('A'+i%26))+string(rune('0'+i/26)), 3)
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				j, err := r.ClaimNext(ctx, worker, time.Minute)
				if !assert.NoError(t, err) {
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				prev, dup := claimed[j.ID]
				claimed[j.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "job %d claimed by both %s and %s", j.ID, prev, worker)
			}
		}("worker-" + string(rune('0'+w)))
	}
	wg.Wait()

	// No duplicate claims, no lost jobs.
	assert.Len(t, claimed, jobs)
}

func TestClaimSkipsResourceWithActiveJob(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	id := submit(t, r, "abc123", 1)
	j, err := r.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, j.ID)

	// A leftover duplicate pending row for the same resource must not be
	// claimable while the first job is in flight.
	dup, err := r.Resubmit(ctx, j)
	require.NoError(t, err)

	next, err := r.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, next, "claimed job %v for a resource that already has an active job", next)

	require.NoError(t, r.Complete(ctx, j.ID))
	next, err = r.ClaimNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, dup, next.ID)
}

func TestConcurrentClaimersOnDuplicatePendingRows(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	// A submission race can leave two pending rows for one resource before
	// the reconciler collapses them. Racing claimers must still produce at
	// most one in-flight job for the resource.
	id := submit(t, r, "abc123", 3)
	j, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	_, err = r.Resubmit(ctx, j)
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		claimed []int64
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			j, err := r.ClaimNext(ctx, "worker-"+string(rune('0'+n)), time.Minute)
			if !assert.NoError(t, err) || j == nil {
				return
			}
			mu.Lock()
			claimed = append(claimed, j.ID)
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	assert.Len(t, claimed, 1, "duplicate pending rows must yield a single claim")
}

func TestLifecycleToCompleted(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	id := submit(t, r, "abc123", 3)
	j, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, j.Status)

	claimed, err := r.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)
	assert.Equal(t, entity.StatusClaimed, claimed.Status)
	require.NotNil(t, claimed.LeaseToken)
	assert.Equal(t, "w1", *claimed.LeaseToken)
	require.NotNil(t, claimed.LeaseExpiresAt)

	require.NoError(t, r.MarkRunning(ctx, id))
	require.NoError(t, r.Complete(ctx, id))

	j, err = r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, j.Status)
	assert.Equal(t, 100, j.ProgressPct)
	assert.NotNil(t, j.FinishedAt)
	assert.Nil(t, j.LeaseToken)
	assert.Nil(t, j.LeaseExpiresAt)
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	id := submit(t, r, "abc123", 3)
	_, err := r.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, r.Complete(ctx, id))
	finished, err := r.GetByID(ctx, id)
	require.NoError(t, err)

	// A late Fail on a completed job changes nothing.
	require.NoError(t, r.Fail(ctx, id, "late failure"))
	again, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, again.Status)
	assert.Nil(t, again.ErrorMessage)
	assert.Equal(t, finished.FinishedAt, again.FinishedAt)
}

func TestProgressIsMonotonicAndStopsAtTerminal(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	id := submit(t, r, "abc123", 3)
	require.NoError(t, r.UpdateProgress(ctx, id, 1000, 40))
	require.NoError(t, r.UpdateProgress(ctx, id, 500, 20)) // stale tick

	j, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), j.ProgressBytes)
	assert.Equal(t, 40, j.ProgressPct)

	require.NoError(t, r.Fail(ctx, id, "boom"))
	require.NoError(t, r.UpdateProgress(ctx, id, 9000, 90))

	j, err = r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), j.ProgressBytes, "terminal job progress must not move")
}

func TestRecoverExpiredLeasesRunsOnce(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	id := submit(t, r, "abc123", 3)
	_, err := r.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)

	// Claimed with a lease that never became running, then the lease
	// lapses: recovery, not failure.
	future := time.Now().Add(2 * time.Minute)
	n, err := r.RecoverExpiredLeases(ctx, future)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	j, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Nil(t, j.LeaseToken)
	assert.Nil(t, j.LeaseExpiresAt)
	assert.Nil(t, j.ErrorMessage)

	// Repeated passes have nothing left to repair.
	n, err = r.RecoverExpiredLeases(ctx, future)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRenewLeaseRejectsForeignToken(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	id := submit(t, r, "abc123", 3)
	_, err := r.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)

	_, err = r.RenewLease(ctx, id, "w2", time.Minute)
	assert.ErrorIs(t, err, repository.ErrLeaseLost)

	cancelled, err := r.RenewLease(ctx, id, "w1", time.Minute)
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancelSemantics(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	// Pending: fails immediately.
	pendingID := submit(t, r, "res-pending", 3)
	j, err := r.Cancel(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, j.Status)
	require.NotNil(t, j.ErrorMessage)
	assert.Equal(t, repository.MsgCancelled, *j.ErrorMessage)

	// Running: flag only, dispatcher does the rest.
	runningID := submit(t, r, "res-running", 3)
	_, err = r.ClaimNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, r.MarkRunning(ctx, runningID))

	j, err = r.Cancel(ctx, runningID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, j.Status)
	assert.True(t, j.CancelRequested)

	cancelled, err := r.RenewLease(ctx, runningID, "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestRequeueOnlyFailedJobs(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	id := submit(t, r, "abc123", 3)
	assert.ErrorIs(t, r.Requeue(ctx, id), repository.ErrNotFound)

	require.NoError(t, r.Fail(ctx, id, "boom"))
	require.NoError(t, r.Requeue(ctx, id))

	j, err := r.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, j.Status)
	assert.Nil(t, j.ErrorMessage)
	assert.Zero(t, j.Attempt)
	assert.Zero(t, j.ProgressBytes)
}

func TestFailStalePending(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	old := time.Now().Add(-48 * time.Hour)
	r.SetNowFunc(func() time.Time { return old })
	staleID := submit(t, r, "res-old", 3)
	r.SetNowFunc(time.Now)
	freshID := submit(t, r, "res-new", 3)

	n, err := r.FailStalePending(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale, err := r.GetByID(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, stale.Status)
	require.NotNil(t, stale.ErrorMessage)
	assert.Equal(t, repository.MsgStaleTimeout, *stale.ErrorMessage)

	fresh, err := r.GetByID(ctx, freshID)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, fresh.Status)
}

func TestCollapseDuplicatePendingKeepsOldest(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	keeper := submit(t, r, "abc123", 3)
	j, err := r.GetByID(ctx, keeper)
	require.NoError(t, err)

	// Two leftovers from a submission race / crash recovery.
	dup1, err := r.Resubmit(ctx, j)
	require.NoError(t, err)
	dup2, err := r.Resubmit(ctx, j)
	require.NoError(t, err)

	n, err := r.CollapseDuplicatePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	kept, err := r.GetByID(ctx, keeper)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, kept.Status)

	for _, id := range []int64{dup1, dup2} {
		d, err := r.GetByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, entity.StatusFailed, d.Status)
		require.NotNil(t, d.ErrorMessage)
		assert.Contains(t, *d.ErrorMessage, "duplicate of job")
	}
}

func TestSingleActivePerResourceInvariant(t *testing.T) {
	ctx := context.Background()
	r := NewJobRepository()

	submit(t, r, "abc123", 3)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, _ = r.Submit(ctx, repository.SubmitParams{
				ResourceID: "abc123", OwnerID: "user", Kind: "download", Priority: 3,
			})
			_, _ = r.ClaimNext(ctx, "worker-"+string(rune('0'+n)), time.Minute)
		}(w)
	}
	wg.Wait()

	jobs, err := r.List(ctx, "", 0)
	require.NoError(t, err)
	var inFlight int
	for _, j := range jobs {
		if j.Status == entity.StatusClaimed || j.Status == entity.StatusRunning {
			inFlight++
		}
	}
	assert.LessOrEqual(t, inFlight, 1, "one resource must never have two in-flight jobs")
}
