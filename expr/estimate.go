package expr

import (
	"strings"
)

// Strategy is the recommended execution strategy for a scored expression.
// Advisory only: executors can run any strategy on caller override.
type Strategy string

const (
	// StrategyDirect issues the compiled expression straight as the
	// layer's live filter.
	StrategyDirect Strategy = "direct"

	// StrategyMaterialized caches the result set server-side and filters
	// by membership against it.
	StrategyMaterialized Strategy = "materialized"

	// StrategyTwoPhase narrows candidates with an index-backed
	// bounding-box pre-filter before the full predicate.
	StrategyTwoPhase Strategy = "two_phase"

	// StrategyProgressive streams primary-key batches through a
	// server-side cursor instead of materializing the whole result.
	StrategyProgressive Strategy = "progressive"
)

// Weights are the fixed per-operator costs summed by Estimate. All values
// are clamped to be non-negative so scores stay monotonic in dataset size
// and in the presence of expensive operators.
type Weights struct {
	// Comparison is the cost of a simple attribute comparison.
	Comparison int

	// SpatialPredicate is the cost of one topological predicate with a
	// usable spatial index.
	SpatialPredicate int

	// Buffer is the cost of buffering the reference geometry.
	Buffer int

	// Reprojection is the cost of the CRS transform round-trip.
	Reprojection int

	// Subquery is the cost of an EXISTS/IN-subquery in the combined
	// expression.
	Subquery int

	// Negation is the cost of AND NOT combination.
	Negation int

	// SizeDivisor converts the dataset size hint into an additive score
	// term (size / SizeDivisor), so identical expressions score higher
	// against larger datasets.
	SizeDivisor int
}

// DefaultWeights returns the stock cost model.
func DefaultWeights() Weights {
	return Weights{
		Comparison:       1,
		SpatialPredicate: 5,
		Buffer:           35,
		Reprojection:     10,
		Subquery:         18,
		Negation:         8,
		SizeDivisor:      20000,
	}
}

// Thresholds map a score to a strategy. Values are upper bounds:
// score < Direct → Direct, < Materialized → Materialized,
// < TwoPhase → TwoPhase, else Progressive.
type Thresholds struct {
	Direct       int
	Materialized int
	TwoPhase     int
}

// DefaultThresholds returns the stock strategy thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Direct: 50, Materialized: 150, TwoPhase: 500}
}

// StrategyFor maps a score to the recommended strategy.
func (t Thresholds) StrategyFor(score int) Strategy {
	switch {
	case score < t.Direct:
		return StrategyDirect
	case score < t.Materialized:
		return StrategyMaterialized
	case score < t.TwoPhase:
		return StrategyTwoPhase
	}
	return StrategyProgressive
}

// Score is a complexity estimate with its recommended strategy.
type Score struct {
	Value    int
	Strategy Strategy
}

// Estimate scores a compiled expression against a dataset size hint and
// recommends an execution strategy. Heuristic, not optimizer-grade; the
// recommendation is the default but never binding.
func Estimate(e *Expression, datasetSize int64, w Weights, t Thresholds) Score {
	if e == nil || e.ZeroMatches {
		return Score{Value: 0, Strategy: StrategyDirect}
	}

	score := 0
	for range e.Set.Predicates {
		score += nonneg(w.SpatialPredicate)
	}
	if e.Ref != nil {
		if e.Ref.Buffer != 0 {
			score += nonneg(w.Buffer)
		}
		if e.Ref.Reprojected {
			score += nonneg(w.Reprojection)
		}
	}
	if e.Combine == CombineAndNot {
		score += nonneg(w.Negation)
	}
	upper := strings.ToUpper(e.Existing)
	if strings.Contains(upper, "IN (SELECT") || strings.Contains(upper, "EXISTS (") {
		score += nonneg(w.Subquery)
	}
	// Attribute comparisons carried by the pre-existing filter cost a
	// Comparison each. Membership subqueries are already charged above.
	if comps := countComparisons(upper); comps > 0 {
		score += comps * nonneg(w.Comparison)
	}

	if w.SizeDivisor > 0 && datasetSize > 0 {
		score += int(datasetSize / int64(w.SizeDivisor))
	}

	return Score{Value: score, Strategy: t.StrategyFor(score)}
}

// countComparisons approximates the attribute-comparison count of a
// rendered filter: relational operators plus IN-lists, excluding
// IN-subqueries.
func countComparisons(upper string) int {
	n := strings.Count(upper, "=") +
		strings.Count(upper, "<") +
		strings.Count(upper, ">")
	n -= strings.Count(upper, "<=") + strings.Count(upper, ">=") + strings.Count(upper, "<>")
	n += strings.Count(upper, " IN (") - strings.Count(upper, " IN (SELECT")
	if n < 0 {
		return 0
	}
	return n
}

func nonneg(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
