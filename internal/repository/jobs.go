package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xuan1250/transfer2read/internal/types"
)

// JobRepository persists conversion jobs. Transition methods are guarded
// by the expected current status in SQL so a stale worker can never
// overwrite a terminal state: a guard miss returns ErrConflict.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a job repository over the given pool.
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, owner_id, tier, status, stage, progress_percent, input_ref, output_ref,
	quality_report, error_kind, error_message, attempt_count,
	created_at, updated_at, queued_at, completed_at, cancelled_at, deleted_at`

// Create inserts a new job in UPLOADED.
func (r *JobRepository) Create(ctx context.Context, ownerID uuid.UUID, tier types.AccountTier, inputRef string) (*types.ConversionJob, error) {
	const q = `
INSERT INTO conversion_jobs (owner_id, tier, status, input_ref)
VALUES ($1, $2, 'uploaded', $3)
RETURNING ` + jobColumns

	job, err := scanJob(r.db.pool.QueryRow(ctx, q, ownerID, string(tier), inputRef))
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// GetByID fetches a job by id, including soft-deleted rows (deletion only
// hides jobs from listings, it does not affect the state machine).
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*types.ConversionJob, error) {
	return r.get(ctx, r.db.pool, id, "")
}

// GetForUpdate fetches a job with a row lock inside the given transaction.
func (r *JobRepository) GetForUpdate(ctx context.Context, q Querier, id uuid.UUID) (*types.ConversionJob, error) {
	return r.get(ctx, q, id, " FOR UPDATE")
}

func (r *JobRepository) get(ctx context.Context, q Querier, id uuid.UUID, suffix string) (*types.ConversionJob, error) {
	job, err := scanJob(q.QueryRow(ctx, `SELECT `+jobColumns+` FROM conversion_jobs WHERE id = $1`+suffix, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListByOwner returns the owner's jobs, newest first, excluding
// soft-deleted ones.
func (r *JobRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]types.ConversionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.pool.Query(ctx, `
SELECT `+jobColumns+` FROM conversion_jobs
WHERE owner_id = $1 AND deleted_at IS NULL
ORDER BY created_at DESC LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.ConversionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// MarkQueued flips UPLOADED -> QUEUED inside the caller's transaction.
// Rejected with ErrConflict if the job is not UPLOADED or a cancellation
// has been requested.
func (r *JobRepository) MarkQueued(ctx context.Context, q Querier, id uuid.UUID) error {
	const sql = `
UPDATE conversion_jobs
SET status = 'queued', queued_at = now(), updated_at = now()
WHERE id = $1 AND status = 'uploaded' AND cancelled_at IS NULL`
	return r.guarded(ctx, q, sql, id)
}

// MarkProcessing records the worker entering a sub-stage. Legal from
// QUEUED (first stage) and from PROCESSING (subsequent stages, retries).
func (r *JobRepository) MarkProcessing(ctx context.Context, id uuid.UUID, stage types.Stage) error {
	const sql = `
UPDATE conversion_jobs
SET status = 'processing', stage = $2, updated_at = now()
WHERE id = $1 AND status IN ('queued', 'processing')`
	return r.guarded(ctx, r.db.pool, sql, id, string(stage))
}

// AdvanceStage persists a completed sub-stage: the next stage pointer and
// the recomputed progress. GREATEST keeps progress monotonic even if a
// reclaimed job replays a stage.
func (r *JobRepository) AdvanceStage(ctx context.Context, id uuid.UUID, stage types.Stage, percent int) error {
	const sql = `
UPDATE conversion_jobs
SET stage = $2, progress_percent = GREATEST(progress_percent, $3), updated_at = now()
WHERE id = $1 AND status = 'processing'`
	return r.guarded(ctx, r.db.pool, sql, id, string(stage), percent)
}

// IncrementAttempt bumps the job-level retry counter and returns the new
// value.
func (r *JobRepository) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := r.db.pool.QueryRow(ctx, `
UPDATE conversion_jobs SET attempt_count = attempt_count + 1, updated_at = now()
WHERE id = $1 RETURNING attempt_count`, id).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment attempt count: %w", err)
	}
	return attempts, nil
}

// MarkCompleted records terminal success: output_ref and the finalized
// quality report are set atomically with the COMPLETED transition.
func (r *JobRepository) MarkCompleted(ctx context.Context, id uuid.UUID, outputRef string, report *types.QualityReport) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal quality report: %w", err)
	}
	const sql = `
UPDATE conversion_jobs
SET status = 'completed', stage = NULL, progress_percent = 100,
    output_ref = $2, quality_report = $3, completed_at = now(), updated_at = now()
WHERE id = $1 AND status = 'processing'`
	return r.guarded(ctx, r.db.pool, sql, id, outputRef, reportJSON)
}

// MarkFailed records terminal failure with the triggering error kind and
// message. Partial progress (stage, percent, artifacts) is retained for
// diagnostics.
func (r *JobRepository) MarkFailed(ctx context.Context, id uuid.UUID, kind types.ErrorKind, message string) error {
	const sql = `
UPDATE conversion_jobs
SET status = 'failed', stage = NULL, error_kind = $2, error_message = $3, updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	return r.guarded(ctx, r.db.pool, sql, id, string(kind), message)
}

// RequestCancel records a cancellation request. Idempotent: requesting
// cancellation of an already-cancelled or terminal job is a no-op.
func (r *JobRepository) RequestCancel(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.pool.Exec(ctx, `
UPDATE conversion_jobs SET cancelled_at = now(), updated_at = now()
WHERE id = $1 AND cancelled_at IS NULL AND status NOT IN ('completed', 'failed', 'cancelled')`, id)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	return nil
}

// MarkCancelled finalizes a cancellation at a checkpoint.
func (r *JobRepository) MarkCancelled(ctx context.Context, id uuid.UUID) error {
	const sql = `
UPDATE conversion_jobs
SET status = 'cancelled', stage = NULL,
    cancelled_at = COALESCE(cancelled_at, now()), updated_at = now()
WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')`
	return r.guarded(ctx, r.db.pool, sql, id)
}

// SoftDelete hides a job from listings without touching the state machine.
func (r *JobRepository) SoftDelete(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx, `
UPDATE conversion_jobs SET deleted_at = now(), updated_at = now()
WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) guarded(ctx context.Context, q Querier, sql string, args ...any) error {
	tag, err := q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("job update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanJob(row pgx.Row) (*types.ConversionJob, error) {
	var (
		job        types.ConversionJob
		tier       string
		status     string
		stage      *string
		reportJSON []byte
		errKind    *string
		errMessage *string
		queuedAt   *time.Time
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &tier, &status, &stage, &job.ProgressPercent,
		&job.InputRef, &job.OutputRef, &reportJSON, &errKind, &errMessage,
		&job.AttemptCount, &job.CreatedAt, &job.UpdatedAt, &queuedAt,
		&job.CompletedAt, &job.CancelledAt, &job.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Tier = types.AccountTier(tier)
	job.Status = types.JobStatus(status)
	if stage != nil {
		s := types.Stage(*stage)
		job.Stage = &s
	}
	job.QueuedAt = queuedAt
	if len(reportJSON) > 0 {
		var report types.QualityReport
		if err := json.Unmarshal(reportJSON, &report); err != nil {
			return nil, fmt.Errorf("failed to unmarshal quality report: %w", err)
		}
		job.QualityReport = &report
	}
	if errKind != nil {
		job.Error = &types.JobError{Kind: types.ErrorKind(*errKind)}
		if errMessage != nil {
			job.Error.Message = *errMessage
		}
	}
	return &job, nil
}
