package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xuan1250/transfer2read/internal/llm"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Invocation records which provider served one unit of work, for quality
// attribution and auditing. Mixed-provider jobs are expected.
type Invocation struct {
	Unit     string `json:"unit"`
	Provider string `json:"provider"`
	Attempts int    `json:"attempts"`
	FellBack bool   `json:"fell_back"`
}

// Session carries per-job routing state. Once a job fails over to the
// fallback provider it stays there for the remainder of the job. Sessions
// are safe for the concurrent page-level calls a stage may issue.
type Session struct {
	r *Router

	mu          sync.Mutex
	useFallback bool
	trace       []Invocation
}

// NewSession creates the routing session for one job. Cost-sensitive
// tiers start on the cheaper fallback provider; the failover policy is
// unaffected.
func (r *Router) NewSession(tier types.AccountTier) *Session {
	s := &Session{r: r}
	if tier == types.TierFree && r.fallback != nil {
		s.useFallback = true
	}
	return s
}

// AnalyzePage invokes the page analysis through the routing policy and
// returns the result plus the provider that produced it.
func (s *Session) AnalyzePage(ctx context.Context, req llm.PageRequest) (*llm.PageResult, string, error) {
	var out *llm.PageResult
	provider, err := s.invoke(ctx, fmt.Sprintf("page:%d", req.Page), func(ctx context.Context, p llm.Provider) error {
		res, err := p.AnalyzePage(ctx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, provider, err
}

// CompleteJSON invokes a JSON completion through the routing policy.
func (s *Session) CompleteJSON(ctx context.Context, unit, prompt string) (string, string, error) {
	var out string
	provider, err := s.invoke(ctx, unit, func(ctx context.Context, p llm.Provider) error {
		res, err := p.CompleteJSON(ctx, prompt)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, provider, err
}

// Trace returns a copy of the invocation log.
func (s *Session) Trace() []Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Invocation, len(s.trace))
	copy(out, s.trace)
	return out
}

func (s *Session) current() llm.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.useFallback && s.r.fallback != nil {
		return s.r.fallback
	}
	return s.r.primary
}

func (s *Session) stickToFallback() {
	s.mu.Lock()
	s.useFallback = true
	s.mu.Unlock()
}

func (s *Session) record(inv Invocation) {
	s.mu.Lock()
	s.trace = append(s.trace, inv)
	s.mu.Unlock()
}

// invoke applies the routing policy for one unit of work. Transient
// errors retry the same provider with doubling backoff up to MaxRetries;
// an unavailability signal from the primary switches the session to the
// fallback immediately with a fresh retry budget; fatal errors escalate
// at once.
func (s *Session) invoke(ctx context.Context, unit string, fn func(context.Context, llm.Provider) error) (string, error) {
	provider := s.current()
	fellBack := false
	attempt := 0

	for {
		err := s.r.call(ctx, provider, fn)
		if err == nil {
			s.record(Invocation{Unit: unit, Provider: provider.Name(), Attempts: attempt + 1, FellBack: fellBack})
			return provider.Name(), nil
		}
		if errors.Is(err, context.Canceled) {
			return provider.Name(), err
		}

		if isUnavailable(err) {
			if provider == s.r.primary && s.r.fallback != nil {
				s.r.log.WithFields(map[string]any{"unit": unit, "from": provider.Name(), "to": s.r.fallback.Name()}).
					Warn("primary provider unavailable, failing over")
				s.stickToFallback()
				provider = s.r.fallback
				fellBack = true
				attempt = 0
				continue
			}
			// No fallback left: surface as transient so the stage-level
			// retry gets a chance once the provider recovers.
			err = &types.TransientProviderError{Provider: provider.Name(), Message: "provider unavailable", Cause: err}
		}

		var transient *types.TransientProviderError
		if errors.As(err, &transient) && attempt < s.r.cfg.MaxRetries {
			delay := s.r.cfg.BaseDelay << attempt
			attempt++
			s.r.log.WithFields(map[string]any{"unit": unit, "provider": provider.Name(), "attempt": attempt, "delay": delay.String()}).
				Debug("transient provider error, retrying")
			if serr := s.r.sleep(ctx, delay); serr != nil {
				return provider.Name(), serr
			}
			continue
		}

		s.record(Invocation{Unit: unit, Provider: provider.Name(), Attempts: attempt + 1, FellBack: fellBack})
		return provider.Name(), err
	}
}
