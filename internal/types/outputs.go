package types

// Stage outputs form a closed, versioned variant type: each stage produces
// exactly one of the concrete output structs below, and consumers receive
// a StageOutputs with the fields for completed stages populated. The
// Version field on each variant allows the stored shape to evolve without
// breaking older persisted artifacts.

// ElementKind classifies a structural element detected on a page.
type ElementKind string

// Detected element kinds.
const (
	ElementText        ElementKind = "text"
	ElementHeading     ElementKind = "heading"
	ElementTable       ElementKind = "table"
	ElementImage       ElementKind = "image"
	ElementEquation    ElementKind = "equation"
	ElementMultiColumn ElementKind = "multi_column"
)

// Region is a normalized bounding box on a page, all values in [0, 1].
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"w"`
	Height float64 `json:"h"`
}

// Element is a single structural element detected by the Analyze stage.
type Element struct {
	Kind       ElementKind `json:"kind"`
	Region     Region      `json:"region"`
	Confidence float64     `json:"confidence"` // 0-100
}

// PageAnalysis holds the Analyze result for one page, including which
// provider produced it (mixed-provider jobs are expected).
type PageAnalysis struct {
	Page       int       `json:"page"`
	Provider   string    `json:"provider"`
	Confidence float64   `json:"confidence"` // 0-100
	Elements   []Element `json:"elements"`
}

// AnalysisOutput is the Analyze stage output.
type AnalysisOutput struct {
	Version int            `json:"version"`
	Pages   []PageAnalysis `json:"pages"`
}

// ContentBlock is one unit of normalized content produced by Extract.
type ContentBlock struct {
	Order      int         `json:"order"`
	Page       int         `json:"page"`
	Kind       ElementKind `json:"kind"`
	Text       string      `json:"text"`
	FontSize   float64     `json:"font_size,omitempty"` // relative 0-1, used by the structure heuristic
	Confidence float64     `json:"confidence"`          // 0-100
}

// ExtractionOutput is the Extract stage output.
type ExtractionOutput struct {
	Version int            `json:"version"`
	Blocks  []ContentBlock `json:"blocks"`
}

// OutlineNode is one entry of the hierarchical document outline.
type OutlineNode struct {
	Title      string `json:"title"`
	Level      int    `json:"level"` // 1 = chapter
	StartBlock int    `json:"start_block"`
}

// StructureOutput is the Structure stage output. Heuristic is set when the
// outline was derived from the position/size fallback rather than the AI.
type StructureOutput struct {
	Version   int           `json:"version"`
	Outline   []OutlineNode `json:"outline"`
	Heuristic bool          `json:"heuristic"`
}

// GenerationOutput is the Generate stage output.
type GenerationOutput struct {
	Version   int    `json:"version"`
	OutputRef string `json:"output_ref"`
	Chapters  int    `json:"chapters"`
	Bytes     int64  `json:"bytes"`
}

// StageOutputs aggregates the outputs of completed stages. Exactly the
// fields for stages that have run are non-nil.
type StageOutputs struct {
	Analysis   *AnalysisOutput   `json:"analysis,omitempty"`
	Extraction *ExtractionOutput `json:"extraction,omitempty"`
	Structure  *StructureOutput  `json:"structure,omitempty"`
	Generation *GenerationOutput `json:"generation,omitempty"`
}

// Has reports whether the output for the given stage is present.
func (o *StageOutputs) Has(s Stage) bool {
	if o == nil {
		return false
	}
	switch s {
	case StageAnalyzing:
		return o.Analysis != nil
	case StageExtracting:
		return o.Extraction != nil
	case StageStructuring:
		return o.Structure != nil
	case StageGenerating:
		return o.Generation != nil
	}
	return false
}

// Merge copies the non-nil variants of delta into o.
func (o *StageOutputs) Merge(delta *StageOutputs) {
	if delta == nil {
		return
	}
	if delta.Analysis != nil {
		o.Analysis = delta.Analysis
	}
	if delta.Extraction != nil {
		o.Extraction = delta.Extraction
	}
	if delta.Structure != nil {
		o.Structure = delta.Structure
	}
	if delta.Generation != nil {
		o.Generation = delta.Generation
	}
}

// KindStats is the per-element-kind breakdown of a quality report.
type KindStats struct {
	Count         int     `json:"count"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// QualityReport is the aggregated confidence/warning summary for a job.
type QualityReport struct {
	OverallConfidence float64                   `json:"overall_confidence"` // 0-100
	Breakdown         map[ElementKind]KindStats `json:"breakdown"`
	Warnings          []string                  `json:"warnings"`
}
