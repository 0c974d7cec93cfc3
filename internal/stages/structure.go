package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xuan1250/transfer2read/internal/prompts"
	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Structure derives the hierarchical outline (chapters, sections) from
// the extracted blocks. If the AI call fails permanently it falls back to
// a size/position heuristic instead of failing the job; this is the one
// stage-local degradation path in the pipeline.
type Structure struct{}

// Stage identifies the executor.
func (s *Structure) Stage() types.Stage {
	return types.StageStructuring
}

// Run derives the outline.
func (s *Structure) Run(ctx context.Context, jc *Context, prior *types.StageOutputs) (*types.StageOutputs, *quality.Contribution, error) {
	if prior == nil || prior.Extraction == nil {
		return nil, nil, fmt.Errorf("structure stage requires extraction output")
	}
	blocks := prior.Extraction.Blocks

	contribution := &quality.Contribution{Stage: types.StageStructuring}
	output := &types.StructureOutput{Version: outputVersion}

	outline, err := s.deriveOutline(ctx, jc, blocks)
	switch {
	case err == nil:
		output.Outline = outline
	case errors.Is(err, context.Canceled):
		return nil, nil, err
	case types.KindOf(err) == types.KindFatalProvider || types.KindOf(err) == types.KindInternal:
		jc.Log.WithError(err).Warn("outline derivation failed permanently, using heuristic")
		output.Outline = heuristicOutline(blocks)
		output.Heuristic = true
		contribution.Warnings = append(contribution.Warnings,
			"document outline derived heuristically after AI structure analysis failed")
	default:
		// Transient errors propagate so the orchestrator can retry the
		// stage.
		return nil, nil, err
	}

	for _, node := range output.Outline {
		contribution.Signals = append(contribution.Signals, quality.ElementSignal{
			Kind:       types.ElementHeading,
			UnitRef:    fmt.Sprintf("block:%d", node.StartBlock),
			Confidence: headingConfidence(output.Heuristic),
		})
	}

	return &types.StageOutputs{Structure: output}, contribution, nil
}

func headingConfidence(heuristic bool) float64 {
	if heuristic {
		return 60
	}
	return 90
}

func (s *Structure) deriveOutline(ctx context.Context, jc *Context, blocks []types.ContentBlock) ([]types.OutlineNode, error) {
	var sb strings.Builder
	for _, b := range blocks {
		fmt.Fprintf(&sb, "%d: [%s] %s\n", b.Order, b.Kind, truncate(b.Text, 120))
	}

	prompt := prompts.Format(prompts.MustGet("structure.json", "derive_outline"), map[string]string{
		"Blocks": sb.String(),
	})
	raw, _, err := jc.Session.CompleteJSON(ctx, "outline", prompt)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Outline []types.OutlineNode `json:"outline"`
	}
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, &types.FatalProviderError{Message: fmt.Sprintf("malformed outline response: %v", err)}
	}
	return normalizeOutline(decoded.Outline, len(blocks)), nil
}

// normalizeOutline clamps block indexes, orders nodes, and guarantees at
// least one root entry.
func normalizeOutline(outline []types.OutlineNode, blockCount int) []types.OutlineNode {
	valid := outline[:0]
	for _, node := range outline {
		if node.StartBlock < 0 || node.StartBlock >= blockCount {
			continue
		}
		if node.Level < 1 {
			node.Level = 1
		}
		valid = append(valid, node)
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].StartBlock < valid[j].StartBlock })
	if len(valid) == 0 {
		return []types.OutlineNode{{Title: "Document", Level: 1, StartBlock: 0}}
	}
	return valid
}

// heuristicOutline builds an outline from block prominence: heading
// blocks become entries, with levels cut by relative font size.
func heuristicOutline(blocks []types.ContentBlock) []types.OutlineNode {
	var outline []types.OutlineNode
	for _, b := range blocks {
		if b.Kind != types.ElementHeading {
			continue
		}
		level := 3
		switch {
		case b.FontSize >= 0.8:
			level = 1
		case b.FontSize >= 0.5:
			level = 2
		}
		outline = append(outline, types.OutlineNode{
			Title:      truncate(strings.TrimSpace(b.Text), 200),
			Level:      level,
			StartBlock: b.Order,
		})
	}
	if len(outline) == 0 {
		title := "Document"
		for _, b := range blocks {
			if t := strings.TrimSpace(b.Text); t != "" {
				title = truncate(t, 80)
				break
			}
		}
		return []types.OutlineNode{{Title: title, Level: 1, StartBlock: 0}}
	}
	// Promote the first entry so every document has a level-1 root.
	if outline[0].Level > 1 {
		outline[0].Level = 1
	}
	return outline
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
