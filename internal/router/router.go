// Package router implements provider selection and resilience for AI
// calls: call-level retry with exponential backoff on transient errors,
// and immediate sticky failover to the fallback provider on
// unavailability signals. The policy is an explicit, unit-testable
// object rather than behavior buried in a client library.
package router

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/xuan1250/transfer2read/internal/llm"
)

// Config holds the call-level resilience parameters.
type Config struct {
	// MaxRetries is the number of retries per call on transient errors
	// before the failure escalates to the stage executor.
	MaxRetries int
	// BaseDelay is the first backoff delay; subsequent retries double it.
	BaseDelay time.Duration
}

// Router routes AI invocations across the primary and fallback providers.
// One Router is shared by all workers; per-job failover state lives in
// Session.
type Router struct {
	primary  llm.Provider
	fallback llm.Provider
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
	log      *logrus.Entry
	sleep    func(ctx context.Context, d time.Duration) error
}

// New creates a router over the two providers. fallback may be nil, in
// which case unavailability is surfaced as a transient error instead.
func New(primary, fallback llm.Provider, cfg Config, log *logrus.Logger) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}

	r := &Router{
		primary:  primary,
		fallback: fallback,
		cfg:      cfg,
		log:      log.WithField("component", "router"),
		sleep:    sleepCtx,
	}

	// The breaker only counts unavailability signals: repeated 503s or
	// connection failures open it, and an open breaker is itself treated
	// as "primary unavailable" so in-flight jobs fail over without
	// burning a network call.
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "primary-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return !isUnavailable(err)
		},
	})
	return r
}

func isUnavailable(err error) bool {
	var unavail *llm.UnavailableError
	return errors.As(err, &unavail)
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

// call runs one provider invocation, routing primary calls through the
// circuit breaker.
func (r *Router) call(ctx context.Context, p llm.Provider, fn func(context.Context, llm.Provider) error) error {
	if p != r.primary {
		return fn(ctx, p)
	}
	_, err := r.breaker.Execute(func() (any, error) {
		return nil, fn(ctx, p)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &llm.UnavailableError{Provider: p.Name(), Cause: err}
	}
	return err
}
