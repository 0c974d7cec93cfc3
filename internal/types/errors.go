package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrorKind classifies a job failure for retry decisions and for the
// error kind exposed to callers on a FAILED job.
type ErrorKind string

// Error kinds. Transient kinds are retry-eligible at the job level;
// everything else fails the job immediately.
const (
	KindValidation        ErrorKind = "validation"
	KindTransientProvider ErrorKind = "transient_provider"
	KindFatalProvider     ErrorKind = "fatal_provider"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindStorage           ErrorKind = "storage"
	KindTimeout           ErrorKind = "timeout"
	KindInternal          ErrorKind = "internal"
)

// ValidationError indicates bad input. Fatal, never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// TransientProviderError indicates a retry-eligible provider failure
// (rate limit, timeout, 5xx).
type TransientProviderError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *TransientProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("transient provider error (%s): %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("transient provider error (%s): %s", e.Provider, e.Message)
}

func (e *TransientProviderError) Unwrap() error {
	return e.Cause
}

// FatalProviderError indicates a permanent provider rejection, e.g.
// unsupported content. Fails the job immediately.
type FatalProviderError struct {
	Provider string
	Message  string
	Cause    error
}

func (e *FatalProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal provider error (%s): %s: %v", e.Provider, e.Message, e.Cause)
	}
	return fmt.Sprintf("fatal provider error (%s): %s", e.Provider, e.Message)
}

func (e *FatalProviderError) Unwrap() error {
	return e.Cause
}

// QuotaExceededError indicates the owner's monthly conversion limit is
// reached. The job is rejected at Start and never reaches QUEUED.
type QuotaExceededError struct {
	OwnerID uuid.UUID
	Month   string
	Count   int
	Limit   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("monthly quota exceeded for %s in %s: %d/%d", e.OwnerID, e.Month, e.Count, e.Limit)
}

// StorageError indicates an object-store failure. Treated as transient
// with its own bounded retry.
type StorageError struct {
	Op    string
	Ref   string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %q: %v", e.Op, e.Ref, e.Cause)
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// TimeoutError indicates the job-level wall-clock limit was exceeded.
type TimeoutError struct {
	Elapsed time.Duration
	Limit   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job timed out after %s (limit %s)", e.Elapsed.Round(time.Second), e.Limit)
}

// KindOf maps an error to its ErrorKind. Unrecognized errors map to
// KindInternal and are treated as fatal.
func KindOf(err error) ErrorKind {
	var (
		validation *ValidationError
		transient  *TransientProviderError
		fatal      *FatalProviderError
		quota      *QuotaExceededError
		storage    *StorageError
		timeout    *TimeoutError
	)
	switch {
	case errors.As(err, &validation):
		return KindValidation
	case errors.As(err, &transient):
		return KindTransientProvider
	case errors.As(err, &fatal):
		return KindFatalProvider
	case errors.As(err, &quota):
		return KindQuotaExceeded
	case errors.As(err, &storage):
		return KindStorage
	case errors.As(err, &timeout):
		return KindTimeout
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the error kind is eligible for a job-level
// retry of the current stage.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientProvider, KindStorage:
		return true
	default:
		return false
	}
}
