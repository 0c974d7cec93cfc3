package stages

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xuan1250/transfer2read/internal/llm"
	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Analyze detects structural elements (tables, images, equations,
// multi-column regions) on every page by delegating to the model router
// once per page. Page calls run concurrently, bounded by the configured
// limit to respect provider rate limits.
type Analyze struct{}

// Stage identifies the executor.
func (a *Analyze) Stage() types.Stage {
	return types.StageAnalyzing
}

// Run analyzes all pages and reports a per-element confidence signal.
func (a *Analyze) Run(ctx context.Context, jc *Context, _ *types.StageOutputs) (*types.StageOutputs, *quality.Contribution, error) {
	if len(jc.Pages) == 0 {
		return nil, nil, &types.ValidationError{Message: "no pages to analyze"}
	}

	results := make([]types.PageAnalysis, len(jc.Pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jc.Concurrency)
	for i, page := range jc.Pages {
		g.Go(func() error {
			res, provider, err := jc.Session.AnalyzePage(gctx, llm.PageRequest{
				Page:      page.Number,
				Text:      page.Text,
				ImageJPEG: page.ImageJPEG,
			})
			if err != nil {
				return err
			}
			results[i] = types.PageAnalysis{
				Page:       page.Number,
				Provider:   provider,
				Confidence: res.Confidence,
				Elements:   res.Elements,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	contribution := &quality.Contribution{Stage: types.StageAnalyzing}
	for _, pa := range results {
		unit := fmt.Sprintf("page:%d", pa.Page)
		for _, el := range pa.Elements {
			contribution.Signals = append(contribution.Signals, quality.ElementSignal{
				Kind:       el.Kind,
				UnitRef:    unit,
				Provider:   pa.Provider,
				Confidence: el.Confidence,
			})
		}
	}

	out := &types.StageOutputs{
		Analysis: &types.AnalysisOutput{Version: outputVersion, Pages: results},
	}
	return out, contribution, nil
}
