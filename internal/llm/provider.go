// Package llm provides the AI inference provider clients the pipeline
// delegates page analysis and structured generation to. Providers are
// stateless request/response services; resilience policy (retry, backoff,
// failover) lives in the router package, not here.
package llm

import (
	"context"

	"github.com/xuan1250/transfer2read/internal/types"
)

// PageRequest carries one input unit (a page's text plus rendered image)
// to a provider.
type PageRequest struct {
	Page      int
	Text      string
	ImageJPEG []byte
}

// PageResult is the structured analysis a provider returns for one page.
type PageResult struct {
	Elements   []types.Element `json:"elements"`
	Confidence float64         `json:"confidence"` // 0-100
}

// Provider is a single AI inference backend.
type Provider interface {
	// Name identifies the provider for attribution in quality reports.
	Name() string
	// AnalyzePage returns the structural analysis of one page.
	AnalyzePage(ctx context.Context, req PageRequest) (*PageResult, error)
	// CompleteJSON runs a text prompt and returns the raw JSON response.
	CompleteJSON(ctx context.Context, prompt string) (string, error)
}
