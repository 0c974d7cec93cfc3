package stages

import (
	"bytes"
	"context"
	"fmt"

	"github.com/xuan1250/transfer2read/internal/quality"
	"github.com/xuan1250/transfer2read/internal/types"
)

// Generate serializes the structured document into the output container
// and writes it to the object store. The write is addressed by job id and
// overwritable, so a retried Generate overwrites its own output instead
// of duplicating it. Generate contributes no quality signal: failures
// here are infrastructure errors, not fidelity errors.
type Generate struct{}

// Stage identifies the executor.
func (g *Generate) Stage() types.Stage {
	return types.StageGenerating
}

// OutputRef returns the object-store location of a job's output.
func OutputRef(job *types.ConversionJob) string {
	return fmt.Sprintf("jobs/%s/output.epub", job.ID)
}

// Run builds the output package and uploads it.
func (g *Generate) Run(ctx context.Context, jc *Context, prior *types.StageOutputs) (*types.StageOutputs, *quality.Contribution, error) {
	if prior == nil || prior.Extraction == nil || prior.Structure == nil {
		return nil, nil, fmt.Errorf("generate stage requires extraction and structure output")
	}

	book := assembleBook(jc.Job.ID.String(), prior.Extraction.Blocks, prior.Structure.Outline)
	data, err := writeEPUB(book)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to serialize output: %w", err)
	}

	ref := OutputRef(jc.Job)
	if err := jc.Store.Put(ctx, ref, bytes.NewReader(data)); err != nil {
		return nil, nil, err
	}

	out := &types.StageOutputs{
		Generation: &types.GenerationOutput{
			Version:   outputVersion,
			OutputRef: ref,
			Chapters:  len(book.Chapters),
			Bytes:     int64(len(data)),
		},
	}
	return out, &quality.Contribution{Stage: types.StageGenerating}, nil
}

// assembleBook slices the block sequence into chapters at the level-1
// outline boundaries.
func assembleBook(id string, blocks []types.ContentBlock, outline []types.OutlineNode) *book {
	b := &book{ID: id, Title: "Converted Document"}

	var starts []types.OutlineNode
	for _, node := range outline {
		if node.Level == 1 {
			starts = append(starts, node)
		}
	}
	if len(starts) == 0 {
		starts = []types.OutlineNode{{Title: "Document", Level: 1, StartBlock: 0}}
	}
	b.Title = starts[0].Title

	for i, node := range starts {
		end := len(blocks)
		if i+1 < len(starts) {
			end = starts[i+1].StartBlock
		}
		start := node.StartBlock
		if start > end {
			start = end
		}
		b.Chapters = append(b.Chapters, chapter{
			Title:  node.Title,
			Blocks: blocks[start:end],
		})
	}
	return b
}
