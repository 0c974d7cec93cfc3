// Package types defines the core domain entities shared across the
// conversion pipeline: jobs, stage outputs, quality reports, and the
// error taxonomy.
package types

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a conversion job.
type JobStatus string

// Job lifecycle states. Transitions are owned exclusively by the
// orchestrator; see orchestrator.CanTransition for the legal edges.
const (
	StatusUploaded   JobStatus = "uploaded"
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage is the sub-state of a PROCESSING job.
type Stage string

// Pipeline stages, in execution order.
const (
	StageAnalyzing   Stage = "analyzing"
	StageExtracting  Stage = "extracting"
	StageStructuring Stage = "structuring"
	StageGenerating  Stage = "generating"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []Stage{StageAnalyzing, StageExtracting, StageStructuring, StageGenerating}

// Index returns the zero-based position of the stage in the pipeline,
// or -1 for an unknown stage.
func (s Stage) Index() int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// ProgressPercent returns the job progress after the stage completes
// (25/50/75/100).
func (s Stage) ProgressPercent() int {
	idx := s.Index()
	if idx < 0 {
		return 0
	}
	return (idx + 1) * 100 / len(StageOrder)
}

// Next returns the stage that follows s, or false if s is the last stage.
func (s Stage) Next() (Stage, bool) {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(StageOrder) {
		return "", false
	}
	return StageOrder[idx+1], true
}

// AccountTier is the subscription level of the job owner. The tier drives
// both the monthly quota limit and the router's initial provider choice.
type AccountTier string

// Supported account tiers.
const (
	TierFree      AccountTier = "free"
	TierPro       AccountTier = "pro"
	TierUnlimited AccountTier = "unlimited"
)

// JobError is the kind + message pair recorded on a FAILED job. No stack
// traces or provider internals are exposed to callers.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ConversionJob is the central entity driven through the pipeline.
type ConversionJob struct {
	ID              uuid.UUID      `json:"id"`
	OwnerID         uuid.UUID      `json:"owner_id"`
	Tier            AccountTier    `json:"tier"`
	Status          JobStatus      `json:"status"`
	Stage           *Stage         `json:"stage,omitempty"`
	ProgressPercent int            `json:"progress_percent"`
	InputRef        string         `json:"input_ref"`
	OutputRef       *string        `json:"output_ref,omitempty"`
	QualityReport   *QualityReport `json:"quality_report,omitempty"`
	Error           *JobError      `json:"error,omitempty"`
	AttemptCount    int            `json:"attempt_count"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	QueuedAt        *time.Time     `json:"queued_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CancelledAt     *time.Time     `json:"cancelled_at,omitempty"`
	DeletedAt       *time.Time     `json:"-"`
}

// Terminal reports whether the job has reached a terminal status.
func (j *ConversionJob) Terminal() bool {
	return j.Status.Terminal()
}

// CancelRequested reports whether a cancellation request has been recorded.
// A job with the flag set never transitions except to CANCELLED.
func (j *ConversionJob) CancelRequested() bool {
	return j.CancelledAt != nil
}

// UsageRecord is one row of the per-account monthly usage ledger.
type UsageRecord struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	Month     string    `json:"month"` // YYYY-MM, UTC
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MonthKey formats t as the ledger month key (YYYY-MM in UTC).
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}
