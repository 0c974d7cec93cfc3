// Package quality aggregates per-stage confidence signals into the final
// quality report. The aggregator is a pure function of its inputs: no
// I/O, deterministic, trivially testable.
package quality

import (
	"fmt"
	"sort"

	"github.com/xuan1250/transfer2read/internal/types"
)

// ElementSignal is one confidence measurement contributed by a stage,
// tagged with the unit (page, block) it refers to.
type ElementSignal struct {
	Kind       types.ElementKind `json:"kind"`
	UnitRef    string            `json:"unit_ref"` // e.g. "page:3", "block:12"
	Provider   string            `json:"provider,omitempty"`
	Confidence float64           `json:"confidence"` // 0-100
}

// Contribution is the quality signal a single stage reports. Stages may
// contribute zero signals (Generate always does).
type Contribution struct {
	Stage    types.Stage     `json:"stage"`
	Signals  []ElementSignal `json:"signals"`
	Warnings []string        `json:"warnings"`
}

// Config holds the aggregation parameters.
type Config struct {
	// LowConfidence is the threshold below which a signal produces a
	// warning tagged with its unit reference.
	LowConfidence float64
	// Weights maps element kinds to complexity weights for the overall
	// score. Kinds absent from the map weigh 1.
	Weights map[types.ElementKind]float64
}

// DefaultWeights weighs structurally complex elements more heavily:
// a mangled table hurts fidelity more than a mangled paragraph.
func DefaultWeights() map[types.ElementKind]float64 {
	return map[types.ElementKind]float64{
		types.ElementTable:       3,
		types.ElementEquation:    3,
		types.ElementMultiColumn: 2,
		types.ElementImage:       1.5,
		types.ElementHeading:     1,
		types.ElementText:        1,
	}
}

// DefaultConfig returns the default aggregation parameters.
func DefaultConfig() Config {
	return Config{LowConfidence: 80, Weights: DefaultWeights()}
}

// Aggregate combines the per-stage contributions into one quality report.
// A job with zero signals yields a valid report with full confidence and
// only the contributed warnings.
func Aggregate(contributions []Contribution, cfg Config) types.QualityReport {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}

	report := types.QualityReport{
		Breakdown: make(map[types.ElementKind]types.KindStats),
	}

	var weightedSum, weightTotal float64
	sums := make(map[types.ElementKind]float64)

	for _, c := range contributions {
		report.Warnings = append(report.Warnings, c.Warnings...)
		for _, sig := range c.Signals {
			w := cfg.Weights[sig.Kind]
			if w == 0 {
				w = 1
			}
			conf := clamp(sig.Confidence, 0, 100)
			weightedSum += conf * w
			weightTotal += w

			stats := report.Breakdown[sig.Kind]
			stats.Count++
			sums[sig.Kind] += conf
			report.Breakdown[sig.Kind] = stats

			if conf < cfg.LowConfidence {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("low confidence (%.0f) for %s at %s", conf, sig.Kind, sig.UnitRef))
			}
		}
	}

	for kind, stats := range report.Breakdown {
		stats.AvgConfidence = sums[kind] / float64(stats.Count)
		report.Breakdown[kind] = stats
	}

	if weightTotal == 0 {
		// Nothing measured: an empty document converts perfectly.
		report.OverallConfidence = 100
	} else {
		report.OverallConfidence = clamp(weightedSum/weightTotal, 0, 100)
	}

	sort.Strings(report.Warnings)
	return report
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
