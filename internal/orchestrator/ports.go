package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xuan1250/transfer2read/internal/pdfpage"
	"github.com/xuan1250/transfer2read/internal/progress"
	"github.com/xuan1250/transfer2read/internal/queue"
	"github.com/xuan1250/transfer2read/internal/repository"
	"github.com/xuan1250/transfer2read/internal/types"
)

// The orchestrator consumes its collaborators through narrow ports so the
// state machine is testable against fakes. Production wiring satisfies
// them with the repository, queue, progress, and storage packages.

// JobStore is the persistence port for conversion jobs.
type JobStore interface {
	Create(ctx context.Context, ownerID uuid.UUID, tier types.AccountTier, inputRef string) (*types.ConversionJob, error)
	GetByID(ctx context.Context, id uuid.UUID) (*types.ConversionJob, error)
	GetForUpdate(ctx context.Context, q repository.Querier, id uuid.UUID) (*types.ConversionJob, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]types.ConversionJob, error)
	MarkQueued(ctx context.Context, q repository.Querier, id uuid.UUID) error
	MarkProcessing(ctx context.Context, id uuid.UUID, stage types.Stage) error
	AdvanceStage(ctx context.Context, id uuid.UUID, stage types.Stage, percent int) error
	IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, outputRef string, report *types.QualityReport) error
	MarkFailed(ctx context.Context, id uuid.UUID, kind types.ErrorKind, message string) error
	RequestCancel(ctx context.Context, id uuid.UUID) error
	MarkCancelled(ctx context.Context, id uuid.UUID) error
	SoftDelete(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

// Ledger is the usage-quota port.
type Ledger interface {
	TryIncrement(ctx context.Context, q repository.Querier, ownerID uuid.UUID, month string, limit int) (int, bool, error)
}

// TxRunner runs a function inside one database transaction, so the quota
// increment and the UPLOADED -> QUEUED flip commit together.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(q repository.Querier) error) error
}

// Artifacts persists per-stage outputs for idempotent re-runs and
// crash resume.
type Artifacts interface {
	Save(ctx context.Context, jobID uuid.UUID, stage types.Stage, artifact *repository.StageArtifact) error
	Load(ctx context.Context, jobID uuid.UUID) (map[types.Stage]*repository.StageArtifact, error)
}

// JobQueue is the enqueue side of the worker queue.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
}

// Lease is an exclusive claim held while processing one job.
type Lease interface {
	Release(ctx context.Context) error
	KeepAlive(ctx context.Context, interval time.Duration)
}

// LeaseManager hands out job leases.
type LeaseManager interface {
	Acquire(ctx context.Context, jobID string) (Lease, error)
}

// Publisher is the progress event sink.
type Publisher interface {
	Publish(ctx context.Context, ev progress.Event) error
}

// PageSource turns a job's input reference into the per-page units the
// early stages consume.
type PageSource interface {
	Pages(ctx context.Context, job *types.ConversionJob) ([]pdfpage.Page, error)
}

// WrapLeaseManager adapts the concrete redis lease manager to the
// LeaseManager port.
func WrapLeaseManager(m *queue.LeaseManager) LeaseManager {
	return leaseManagerAdapter{m: m}
}

type leaseManagerAdapter struct {
	m *queue.LeaseManager
}

func (a leaseManagerAdapter) Acquire(ctx context.Context, jobID string) (Lease, error) {
	lease, err := a.m.Acquire(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return lease, nil
}
