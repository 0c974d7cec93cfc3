package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/api/googleapi"

	"github.com/xuan1250/transfer2read/internal/types"
)

// UnavailableError is the specific "provider unavailable" signal that
// triggers failover to the fallback provider. It is distinct from generic
// transient errors, which are retried against the same provider.
type UnavailableError struct {
	Provider string
	Cause    error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Cause)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// classify maps a raw provider error into the pipeline taxonomy:
// 503 and connection failures signal unavailability; rate limits,
// timeouts and other 5xx are transient; everything else (bad request,
// auth, content rejection) is a permanent rejection.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &types.TransientProviderError{Provider: provider, Message: "request timed out", Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 503:
			return &UnavailableError{Provider: provider, Cause: err}
		case gerr.Code == 429:
			return &types.TransientProviderError{Provider: provider, Message: "rate limited", Cause: err}
		case gerr.Code >= 500:
			return &types.TransientProviderError{Provider: provider, Message: fmt.Sprintf("server error %d", gerr.Code), Cause: err}
		default:
			return &types.FatalProviderError{Provider: provider, Message: fmt.Sprintf("rejected with status %d", gerr.Code), Cause: err}
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		if nerr.Timeout() {
			return &types.TransientProviderError{Provider: provider, Message: "network timeout", Cause: err}
		}
		return &UnavailableError{Provider: provider, Cause: err}
	}
	if strings.Contains(err.Error(), "connection refused") {
		return &UnavailableError{Provider: provider, Cause: err}
	}

	// Malformed or empty responses: the model answered but unusably.
	return &types.FatalProviderError{Provider: provider, Message: err.Error(), Cause: err}
}
