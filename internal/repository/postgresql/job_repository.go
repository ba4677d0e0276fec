package postgresql

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/repository"
)

// Advisory lock key guarding reconciler passes across hosts.
const reconcileLockID = 0x6d71_7265 // "mqre"

// Postgres unique_violation, raised by jobs_one_active_claim when a claim
// loses the race for a resource.
const uniqueViolation = "23505"

const jobColumns = `
id, resource_id, owner_id, kind, priority, status,
progress_bytes, progress_percent, expected_bytes,
lease_token, lease_expires_at, attempt, cancel_requested,
error_message, started_at, finished_at, created_at, updated_at`

// JobRepository is the durable job store. The jobs table is both the queue
// and the status ledger; every daemon talks to it and nothing else.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var j entity.Job
	if err := row.Scan(
		&j.ID,
		&j.ResourceID,
		&j.OwnerID,
		&j.Kind,
		&j.Priority,
		&j.Status,
		&j.ProgressBytes,
		&j.ProgressPct,
		&j.ExpectedBytes,
		&j.LeaseToken,
		&j.LeaseExpiresAt,
		&j.Attempt,
		&j.CancelRequested,
		&j.ErrorMessage,
		&j.StartedAt,
		&j.FinishedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

// Submit inserts a new pending job, unless an active job for the same
// resource already exists, in which case that job's id is returned and no
// row is created. A race between two submitters can still leave two pending
// rows for one resource; the reconciler's duplicate collapse repairs that.
func (r *JobRepository) Submit(ctx context.Context, p repository.SubmitParams) (int64, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, false, errors.Wrap(err, "begin submit")
	}
	defer tx.Rollback(ctx)

	const existing = `
SELECT id FROM jobs
WHERE resource_id = $1 AND status IN ('pending', 'claimed', 'running')
ORDER BY id
LIMIT 1;
`
	var id int64
	err = tx.QueryRow(ctx, existing, p.ResourceID).Scan(&id)
	if err == nil {
		return id, false, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, errors.Wrap(err, "check active job")
	}

	const insert = `
INSERT INTO jobs (resource_id, owner_id, kind, priority, expected_bytes)
VALUES ($1, $2, $3, $4, $5)
RETURNING id;
`
	if err := tx.QueryRow(ctx, insert,
		p.ResourceID, p.OwnerID, p.Kind, entity.ClampPriority(p.Priority), p.ExpectedBytes,
	).Scan(&id); err != nil {
		return 0, false, errors.Wrap(err, "insert job")
	}
	return id, true, tx.Commit(ctx)
}

// Resubmit inserts a fresh pending row for the same resource after a
// transient failure, carrying the attempt counter forward.
func (r *JobRepository) Resubmit(ctx context.Context, prev *entity.Job) (int64, error) {
	const q = `
INSERT INTO jobs (resource_id, owner_id, kind, priority, expected_bytes, attempt)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id;
`
	var id int64
	if err := r.pool.QueryRow(ctx, q,
		prev.ResourceID, prev.OwnerID, prev.Kind, prev.Priority, prev.ExpectedBytes, prev.Attempt+1,
	).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "resubmit job")
	}
	return id, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id int64) (*entity.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	j, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return j, nil
}

// GetActiveByResource returns the active (pending/claimed/running) job for a
// resource, or nil if there is none.
func (r *JobRepository) GetActiveByResource(ctx context.Context, resourceID string) (*entity.Job, error) {
	const q = `
SELECT ` + jobColumns + `
FROM jobs
WHERE resource_id = $1 AND status IN ('pending', 'claimed', 'running')
ORDER BY id
LIMIT 1;
`
	j, err := scanJob(r.pool.QueryRow(ctx, q, resourceID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get active job")
	}
	return j, nil
}

// List returns jobs newest first, optionally filtered by status.
func (r *JobRepository) List(ctx context.Context, status string, limit int) ([]entity.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows pgx.Rows
		err  error
	)
	if status != "" {
		const q = `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY id DESC LIMIT $2;`
		rows, err = r.pool.Query(ctx, q, status, limit)
	} else {
		const q = `SELECT ` + jobColumns + ` FROM jobs ORDER BY id DESC LIMIT $1;`
		rows, err = r.pool.Query(ctx, q, limit)
	}
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []entity.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims the highest-priority, oldest eligible pending
// job for workerToken and returns it, or nil if nothing is claimable. A
// pending job is not eligible while another job for its resource is already
// claimed or running. SKIP LOCKED makes concurrent claimers pick distinct
// rows instead of racing for the same one.
//
// The eligibility subselect sees only its own snapshot: two claimers racing
// on duplicate pending rows for one resource (a submit race the reconciler
// has not collapsed yet) would both pass it. The jobs_one_active_claim
// unique index rejects the second claim; that shows up here as a unique
// violation and is reported as "nothing claimable" so the caller just polls
// again.
func (r *JobRepository) ClaimNext(ctx context.Context, workerToken string, ttl time.Duration) (*entity.Job, error) {
	const q = `
UPDATE jobs
SET status = 'claimed', lease_token = $1, lease_expires_at = $2, updated_at = now()
WHERE id = (
    SELECT id FROM jobs
    WHERE status = 'pending'
      AND resource_id NOT IN (
          SELECT resource_id FROM jobs WHERE status IN ('claimed', 'running')
      )
    ORDER BY priority ASC, created_at ASC, id ASC
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + jobColumns + `;
`
	j, err := scanJob(r.pool.QueryRow(ctx, q, workerToken, time.Now().Add(ttl)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// Lost the claim race to another worker on the same resource.
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim next job")
	}
	return j, nil
}

// MarkRunning moves a claimed job to running. Returns ErrNotFound if the job
// is no longer claimed (reclaimed by the reconciler, cancelled, absent).
func (r *JobRepository) MarkRunning(ctx context.Context, id int64) error {
	const q = `
UPDATE jobs
SET status = 'running', started_at = COALESCE(started_at, now()), updated_at = now()
WHERE id = $1 AND status = 'claimed';
`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return errors.Wrap(err, "mark running")
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProgress writes best-effort progress. It never touches status or
// lease fields, is a no-op on terminal jobs, and GREATEST keeps both fields
// monotonic even if a stale observer tick lands late.
func (r *JobRepository) UpdateProgress(ctx context.Context, id int64, bytes int64, percent int) error {
	if percent > 100 {
		percent = 100
	}
	const q = `
UPDATE jobs
SET progress_bytes   = GREATEST(progress_bytes, $2),
    progress_percent = GREATEST(progress_percent, $3),
    updated_at       = now()
WHERE id = $1 AND status IN ('pending', 'claimed', 'running');
`
	if _, err := r.pool.Exec(ctx, q, id, bytes, percent); err != nil {
		return errors.Wrap(err, "update progress")
	}
	return nil
}

// Complete moves a job to completed. Calling it on an already-terminal job
// is a no-op.
func (r *JobRepository) Complete(ctx context.Context, id int64) error {
	const q = `
UPDATE jobs
SET status = 'completed', progress_percent = 100, finished_at = now(),
    lease_token = NULL, lease_expires_at = NULL, error_message = NULL,
    updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed');
`
	if _, err := r.pool.Exec(ctx, q, id); err != nil {
		return errors.Wrap(err, "complete job")
	}
	return nil
}

// Fail moves a job to failed with a user-visible message. No-op on terminal
// jobs.
func (r *JobRepository) Fail(ctx context.Context, id int64, message string) error {
	const q = `
UPDATE jobs
SET status = 'failed', error_message = $2, finished_at = now(),
    lease_token = NULL, lease_expires_at = NULL,
    updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed');
`
	if _, err := r.pool.Exec(ctx, q, id, message); err != nil {
		return errors.Wrap(err, "fail job")
	}
	return nil
}

// RenewLease extends the caller's lease and reports whether a cancel has
// been requested for the job. ErrLeaseLost means the token no longer owns
// the job and the worker must abandon it.
func (r *JobRepository) RenewLease(ctx context.Context, id int64, token string, ttl time.Duration) (bool, error) {
	const q = `
UPDATE jobs
SET lease_expires_at = $3, updated_at = now()
WHERE id = $1 AND lease_token = $2 AND status IN ('claimed', 'running')
RETURNING cancel_requested;
`
	var cancel bool
	err := r.pool.QueryRow(ctx, q, id, token, time.Now().Add(ttl)).Scan(&cancel)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, repository.ErrLeaseLost
	}
	if err != nil {
		return false, errors.Wrap(err, "renew lease")
	}
	return cancel, nil
}

// Cancel requests cancellation. A pending job fails immediately; a claimed
// or running job gets cancel_requested set for its dispatcher to act on;
// terminal jobs are untouched. The job's resulting state is returned.
func (r *JobRepository) Cancel(ctx context.Context, id int64) (*entity.Job, error) {
	const q = `
UPDATE jobs
SET status           = CASE WHEN status = 'pending' THEN 'failed' ELSE status END,
    error_message    = CASE WHEN status = 'pending' THEN $2 ELSE error_message END,
    finished_at      = CASE WHEN status = 'pending' THEN now() ELSE finished_at END,
    cancel_requested = CASE WHEN status IN ('claimed', 'running') THEN TRUE ELSE cancel_requested END,
    updated_at       = now()
WHERE id = $1
RETURNING ` + jobColumns + `;
`
	j, err := scanJob(r.pool.QueryRow(ctx, q, id, repository.MsgCancelled))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "cancel job")
	}
	return j, nil
}

// Requeue returns a failed job to pending with a clean slate.
func (r *JobRepository) Requeue(ctx context.Context, id int64) error {
	const q = `
UPDATE jobs
SET status = 'pending', error_message = NULL, finished_at = NULL,
    started_at = NULL, lease_token = NULL, lease_expires_at = NULL,
    cancel_requested = FALSE, attempt = 0,
    progress_bytes = 0, progress_percent = 0,
    created_at = now(), updated_at = now()
WHERE id = $1 AND status = 'failed';
`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return errors.Wrap(err, "requeue job")
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// RecoverExpiredLeases resets claimed/running jobs whose lease lapsed back
// to pending. Not a failure: the lease and any stale error are cleared,
// progress and attempt are kept.
func (r *JobRepository) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	const q = `
UPDATE jobs
SET status = 'pending', lease_token = NULL, lease_expires_at = NULL,
    error_message = NULL, started_at = NULL, updated_at = now()
WHERE status IN ('claimed', 'running') AND lease_expires_at < $1;
`
	tag, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, errors.Wrap(err, "recover expired leases")
	}
	return tag.RowsAffected(), nil
}

// FailStalePending fails pending jobs created before the cutoff.
func (r *JobRepository) FailStalePending(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `
UPDATE jobs
SET status = 'failed', error_message = $2, finished_at = now(), updated_at = now()
WHERE status = 'pending' AND created_at < $1;
`
	tag, err := r.pool.Exec(ctx, q, olderThan, repository.MsgStaleTimeout)
	if err != nil {
		return 0, errors.Wrap(err, "fail stale pending")
	}
	return tag.RowsAffected(), nil
}

// CollapseDuplicatePending keeps the oldest pending job per resource and
// fails the rest, naming the survivor so the duplicates stay explainable.
func (r *JobRepository) CollapseDuplicatePending(ctx context.Context) (int64, error) {
	const q = `
WITH ranked AS (
    SELECT id,
           ROW_NUMBER() OVER (PARTITION BY resource_id ORDER BY created_at, id) AS rn,
           FIRST_VALUE(id) OVER (PARTITION BY resource_id ORDER BY created_at, id) AS keeper
    FROM jobs
    WHERE status = 'pending'
)
UPDATE jobs
SET status = 'failed',
    error_message = 'duplicate of job ' || ranked.keeper,
    finished_at = now(), updated_at = now()
FROM ranked
WHERE jobs.id = ranked.id AND ranked.rn > 1;
`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, errors.Wrap(err, "collapse duplicate pending")
	}
	return tag.RowsAffected(), nil
}

// TryReconcileLock takes the cluster-wide advisory lock guarding reconciler
// passes. Advisory locks are session-scoped, so the connection is pinned
// until release is called. ok=false means another pass is already running.
func (r *JobRepository) TryReconcileLock(ctx context.Context) (release func(), ok bool, err error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire conn for advisory lock")
	}

	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, reconcileLockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}

	release = func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, reconcileLockID)
		conn.Release()
	}
	return release, true, nil
}
