// Package expr compiles predicate sets and reference geometries into
// backend-specific filter expressions, and scores them to recommend an
// execution strategy.
package expr

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/hugr-lab/geofilter/errs"
)

// Predicate is a topological relationship test between a feature geometry
// and the reference geometry, evaluated as predicate(feature, reference).
type Predicate string

const (
	PredIntersects Predicate = "intersects"
	PredContains   Predicate = "contains"
	PredWithin     Predicate = "within"
	PredOverlaps   Predicate = "overlaps"
	PredCrosses    Predicate = "crosses"
	PredTouches    Predicate = "touches"
	PredDisjoint   Predicate = "disjoint"
	PredEquals     Predicate = "equals"
)

// selectivityRank orders predicates cheapest / most-eliminating first.
// Reordering by this rank is a performance-only transform; conjunction and
// disjunction are commutative, so result sets never change.
var selectivityRank = map[Predicate]int{
	PredDisjoint:   0,
	PredIntersects: 1,
	PredTouches:    2,
	PredCrosses:    3,
	PredWithin:     4,
	PredContains:   5,
	PredOverlaps:   6,
	PredEquals:     7,
}

// Valid reports whether p names a supported predicate.
func (p Predicate) Valid() bool {
	_, ok := selectivityRank[p]
	return ok
}

// CombineOp merges a new filter with a layer's pre-existing filter, and
// joins predicates within a set.
type CombineOp string

const (
	CombineAnd    CombineOp = "AND"
	CombineOr     CombineOp = "OR"
	CombineAndNot CombineOp = "AND NOT"
)

// DefaultCombine is applied when the caller declares no operator, so that
// successive filter operations intersect rather than replace prior work.
const DefaultCombine = CombineAnd

// Valid reports whether op is a supported combine operator.
func (op CombineOp) Valid() bool {
	switch op {
	case CombineAnd, CombineOr, CombineAndNot:
		return true
	}
	return false
}

// orDefault resolves the empty operator to the AND default.
func (op CombineOp) orDefault() CombineOp {
	if op == "" {
		return DefaultCombine
	}
	return op
}

// PredicateSet is an ordered collection of predicates with the operator
// joining them. An empty Operator means AND.
type PredicateSet struct {
	Predicates []Predicate
	Operator   CombineOp
}

// Validate rejects empty sets, unknown predicates, and unknown operators.
func (s PredicateSet) Validate() error {
	if len(s.Predicates) == 0 {
		return fmt.Errorf("%w: predicate set is empty", errs.ErrValidation)
	}
	for _, p := range s.Predicates {
		if !p.Valid() {
			return fmt.Errorf("%w: unknown predicate %q", errs.ErrValidation, p)
		}
	}
	if s.Operator != "" && !s.Operator.Valid() {
		return fmt.Errorf("%w: unknown combine operator %q", errs.ErrValidation, s.Operator)
	}
	return nil
}

// Normalized returns a copy with duplicates removed and predicates ordered
// by selectivity. Under AND NOT the first predicate is the positive side
// and must stay first; only the negated tail is reordered.
func (s PredicateSet) Normalized() PredicateSet {
	seen := make(map[Predicate]bool, len(s.Predicates))
	out := PredicateSet{Operator: s.Operator.orDefault()}
	for _, p := range s.Predicates {
		if !seen[p] {
			seen[p] = true
			out.Predicates = append(out.Predicates, p)
		}
	}
	sortable := out.Predicates
	if out.Operator == CombineAndNot && len(sortable) > 0 {
		sortable = sortable[1:]
	}
	sort.SliceStable(sortable, func(i, j int) bool {
		return selectivityRank[sortable[i]] < selectivityRank[sortable[j]]
	})
	return out
}

// Contains reports whether the set includes p.
func (s PredicateSet) Contains(p Predicate) bool {
	for _, q := range s.Predicates {
		if q == p {
			return true
		}
	}
	return false
}

// Fingerprint returns a content hash of the normalized set.
func (s PredicateSet) Fingerprint() uint64 {
	n := s.Normalized()
	h := xxhash.New()
	_, _ = h.WriteString(string(n.Operator))
	for _, p := range n.Predicates {
		_, _ = h.WriteString("|")
		_, _ = h.WriteString(string(p))
	}
	return h.Sum64()
}
