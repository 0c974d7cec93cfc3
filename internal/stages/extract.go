package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/xuan1250/transfer2read/internal/prompts"
	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Extract reflows the detected elements into normalized content blocks,
// using the Analyze output as per-page context.
type Extract struct{}

// Stage identifies the executor.
func (e *Extract) Stage() types.Stage {
	return types.StageExtracting
}

// pageBlocks matches the provider's reflow response for one page.
type pageBlocks struct {
	Blocks []struct {
		Kind       types.ElementKind `json:"kind"`
		Text       string            `json:"text"`
		FontSize   float64           `json:"font_size"`
		Confidence float64           `json:"confidence"`
	} `json:"blocks"`
}

// Run reflows every page concurrently, then flattens the blocks into one
// ordered sequence.
func (e *Extract) Run(ctx context.Context, jc *Context, prior *types.StageOutputs) (*types.StageOutputs, *quality.Contribution, error) {
	if prior == nil || prior.Analysis == nil {
		return nil, nil, fmt.Errorf("extract stage requires analysis output")
	}

	analysisByPage := make(map[int]types.PageAnalysis, len(prior.Analysis.Pages))
	for _, pa := range prior.Analysis.Pages {
		analysisByPage[pa.Page] = pa
	}

	template := prompts.MustGet("extraction.json", "reflow_page")
	perPage := make([]pageBlocks, len(jc.Pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jc.Concurrency)
	for i, page := range jc.Pages {
		g.Go(func() error {
			elements, err := json.Marshal(analysisByPage[page.Number].Elements)
			if err != nil {
				return fmt.Errorf("failed to marshal elements for page %d: %w", page.Number, err)
			}
			prompt := prompts.Format(template, map[string]string{
				"Elements": string(elements),
				"PageText": page.Text,
			})
			raw, _, err := jc.Session.CompleteJSON(gctx, fmt.Sprintf("reflow:page:%d", page.Number), prompt)
			if err != nil {
				return err
			}
			var decoded pageBlocks
			if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
				return &types.FatalProviderError{Message: fmt.Sprintf("malformed reflow response for page %d: %v", page.Number, err)}
			}
			perPage[i] = decoded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	contribution := &quality.Contribution{Stage: types.StageExtracting}
	var blocks []types.ContentBlock
	for i, page := range jc.Pages {
		for _, b := range perPage[i].Blocks {
			block := types.ContentBlock{
				Order:      len(blocks),
				Page:       page.Number,
				Kind:       b.Kind,
				Text:       b.Text,
				FontSize:   b.FontSize,
				Confidence: b.Confidence,
			}
			blocks = append(blocks, block)
			contribution.Signals = append(contribution.Signals, quality.ElementSignal{
				Kind:       block.Kind,
				UnitRef:    fmt.Sprintf("block:%d", block.Order),
				Confidence: block.Confidence,
			})
		}
	}
	if len(blocks) == 0 {
		contribution.Warnings = append(contribution.Warnings, "extraction produced no content blocks")
	}

	out := &types.StageOutputs{
		Extraction: &types.ExtractionOutput{Version: outputVersion, Blocks: blocks},
	}
	return out, contribution, nil
}
