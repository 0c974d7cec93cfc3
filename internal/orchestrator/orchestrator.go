package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xuan1250/transfer2read/internal/pdfpage"
	"github.com/xuan1250/transfer2read/internal/progress"
	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/repository"
	"github.com/xuan1250/transfer2read/internal/router"
	"github.com/xuan1250/transfer2read/internal/stages"
	"github.com/xuan1250/transfer2read/internal/storage"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Config tunes the orchestrator's retry, timeout, and quota behavior.
type Config struct {
	RetryCeiling       int
	RetryUnit          time.Duration
	JobTimeout         time.Duration
	PageConcurrency    int
	LeaseRenewInterval time.Duration
	DownloadURLTTL     time.Duration
	Quality            quality.Config
	TierLimits         map[types.AccountTier]int
}

// retrySchedule holds the backoff multipliers applied to RetryUnit on
// successive job-level retries. Attempts past the end reuse the last entry.
var retrySchedule = []time.Duration{1, 5, 15}

// Orchestrator owns the conversion job lifecycle: submission, the quota
// gated start, cancellation, and the staged pipeline a worker runs after
// claiming a job.
type Orchestrator struct {
	jobs      JobStore
	ledger    Ledger
	tx        TxRunner
	artifacts Artifacts
	queue     JobQueue
	leases    LeaseManager
	publisher Publisher
	router    *router.Router
	store     storage.ObjectStore
	pages     PageSource
	executors []stages.Executor
	cfg       Config
	log       *logrus.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New wires an Orchestrator from its ports. The executor list defaults to
// the full pipeline when nil.
func New(jobs JobStore, ledger Ledger, tx TxRunner, artifacts Artifacts, jobQueue JobQueue, leases LeaseManager, publisher Publisher, rt *router.Router, store storage.ObjectStore, pages PageSource, executors []stages.Executor, cfg Config, log *logrus.Logger) *Orchestrator {
	if executors == nil {
		executors = stages.Pipeline()
	}
	if cfg.RetryCeiling <= 0 {
		cfg.RetryCeiling = 3
	}
	if cfg.RetryUnit <= 0 {
		cfg.RetryUnit = time.Second
	}
	if cfg.LeaseRenewInterval <= 0 {
		cfg.LeaseRenewInterval = 10 * time.Second
	}
	if cfg.Quality.LowConfidence == 0 && cfg.Quality.Weights == nil {
		cfg.Quality = quality.DefaultConfig()
	}
	return &Orchestrator{
		jobs:      jobs,
		ledger:    ledger,
		tx:        tx,
		artifacts: artifacts,
		queue:     jobQueue,
		leases:    leases,
		publisher: publisher,
		router:    rt,
		store:     store,
		pages:     pages,
		executors: executors,
		cfg:       cfg,
		log:       log,
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// tierLimit resolves a tier's monthly quota, falling back to the free
// tier for tiers missing from the map. The ledger treats non-positive
// limits as unlimited, so a missing entry must not resolve to zero.
func (o *Orchestrator) tierLimit(tier types.AccountTier) int {
	if limit, ok := o.cfg.TierLimits[tier]; ok {
		return limit
	}
	return o.cfg.TierLimits[types.TierFree]
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit registers an uploaded document and returns the new job in
// UPLOADED state. Processing does not begin until Start is called.
func (o *Orchestrator) Submit(ctx context.Context, ownerID uuid.UUID, tier types.AccountTier, inputRef string) (*types.ConversionJob, error) {
	if strings.TrimSpace(inputRef) == "" {
		return nil, &types.ValidationError{Message: "input reference is required"}
	}
	switch tier {
	case types.TierFree, types.TierPro, types.TierUnlimited:
	default:
		return nil, &types.ValidationError{Message: fmt.Sprintf("unknown account tier %q", tier)}
	}
	job, err := o.jobs.Create(ctx, ownerID, tier, inputRef)
	if err != nil {
		return nil, err
	}
	o.publish(ctx, job.ID, types.StatusUploaded, nil, 0, "document uploaded")
	return job, nil
}

// Start flips an UPLOADED job to QUEUED and enqueues it for a worker.
// The monthly quota check, the usage increment, and the status flip
// commit in one transaction, so a rejected job leaves no trace in the
// ledger and an accepted one can never exceed its tier limit.
func (o *Orchestrator) Start(ctx context.Context, jobID uuid.UUID) (*types.ConversionJob, error) {
	err := o.tx.WithTx(ctx, func(q repository.Querier) error {
		job, err := o.jobs.GetForUpdate(ctx, q, jobID)
		if err != nil {
			return err
		}
		if job.Status != types.StatusUploaded {
			return repository.ErrConflict
		}
		if job.CancelRequested() {
			return repository.ErrConflict
		}
		limit := o.tierLimit(job.Tier)
		month := types.MonthKey(o.now())
		count, allowed, err := o.ledger.TryIncrement(ctx, q, job.OwnerID, month, limit)
		if err != nil {
			return err
		}
		if !allowed {
			return &types.QuotaExceededError{OwnerID: job.OwnerID, Month: month, Limit: limit, Count: count}
		}
		return o.jobs.MarkQueued(ctx, q, jobID)
	})
	if err != nil {
		return nil, err
	}
	// QUEUED is committed at this point, so the event goes out before the
	// enqueue: a worker claiming the job immediately cannot publish a
	// PROCESSING event ahead of it.
	o.publish(ctx, jobID, types.StatusQueued, nil, 0, "queued for processing")
	if err := o.queue.Enqueue(ctx, jobID.String()); err != nil {
		// The job is committed as QUEUED; a failed enqueue only delays
		// pickup until the operator re-enqueues or the job times out.
		o.log.WithError(err).WithField("job_id", jobID).Error("enqueue after start failed")
		return nil, err
	}
	return o.jobs.GetByID(ctx, jobID)
}

// Cancel requests cancellation. A job that has not been queued yet is
// finalized immediately; a queued or processing job is cancelled at the
// worker's next checkpoint. Cancelling a terminal job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) (*types.ConversionJob, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if err := o.jobs.RequestCancel(ctx, jobID); err != nil {
		return nil, err
	}
	if job.Status == types.StatusUploaded {
		if err := o.jobs.MarkCancelled(ctx, jobID); err != nil {
			return nil, err
		}
		o.publish(ctx, jobID, types.StatusCancelled, nil, job.ProgressPercent, "cancelled before queueing")
	}
	return o.jobs.GetByID(ctx, jobID)
}

// Get returns a job by id.
func (o *Orchestrator) Get(ctx context.Context, jobID uuid.UUID) (*types.ConversionJob, error) {
	return o.jobs.GetByID(ctx, jobID)
}

// List returns an owner's jobs, newest first, excluding soft-deleted ones.
func (o *Orchestrator) List(ctx context.Context, ownerID uuid.UUID, limit int) ([]types.ConversionJob, error) {
	return o.jobs.ListByOwner(ctx, ownerID, limit)
}

// Delete soft-deletes a job so it disappears from listings. The stored
// input and output objects are removed on a best-effort basis.
func (o *Orchestrator) Delete(ctx context.Context, jobID uuid.UUID, ownerID uuid.UUID) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return repository.ErrConflict
	}
	if err := o.jobs.SoftDelete(ctx, jobID, ownerID); err != nil {
		return err
	}
	if err := o.store.Delete(ctx, job.InputRef); err != nil {
		o.log.WithError(err).WithField("job_id", jobID).Warn("failed to delete input object")
	}
	if job.OutputRef != nil {
		if err := o.store.Delete(ctx, *job.OutputRef); err != nil {
			o.log.WithError(err).WithField("job_id", jobID).Warn("failed to delete output object")
		}
	}
	return nil
}

// DownloadURL returns a time-limited URL for a completed job's EPUB.
func (o *Orchestrator) DownloadURL(ctx context.Context, jobID uuid.UUID) (string, error) {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Status != types.StatusCompleted || job.OutputRef == nil {
		return "", repository.ErrConflict
	}
	return o.store.SignedURL(ctx, *job.OutputRef, o.cfg.DownloadURLTTL)
}

// publish emits a progress event after the corresponding state has been
// persisted. Event delivery is best effort; a failed publish never fails
// the job.
func (o *Orchestrator) publish(ctx context.Context, jobID uuid.UUID, status types.JobStatus, stage *types.Stage, percent int, message string) {
	ev := progress.Event{
		JobID:   jobID,
		Status:  status,
		Stage:   stage,
		Percent: percent,
		Message: message,
		At:      o.now().UTC(),
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.log.WithError(err).WithField("job_id", jobID).Warn("progress publish failed")
	}
}

var _ PageSource = (*StoragePageSource)(nil)

// StoragePageSource fetches the uploaded PDF from the object store into a
// temporary file and splits it into page units.
type StoragePageSource struct {
	Store    storage.ObjectStore
	MaxPages int
}

func (s *StoragePageSource) Pages(ctx context.Context, job *types.ConversionJob) ([]pdfpage.Page, error) {
	path, cleanup, err := storage.FetchToTemp(ctx, s.Store, job.InputRef)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return pdfpage.Split(ctx, path, s.MaxPages)
}
