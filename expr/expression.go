package expr

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

// Expression is a compiled, backend-specific filter expression together
// with the predicate set and reference geometry it was derived from.
// Expressions are cache-key material and are never mutated after Build.
type Expression struct {
	// Backend is the provider kind the expression was compiled for.
	Backend layer.ProviderKind

	// SQL is the compiled expression text: a WHERE-clause body for
	// relational backends, the canonical grammar rendering for the
	// in-memory and file backends.
	SQL string

	// Tree is the predicate tree for backends that evaluate in process.
	// Nil for relational backends.
	Tree *Node

	// Set is the normalized predicate set.
	Set PredicateSet

	// Ref is the prepared reference geometry.
	Ref *geometry.Reference

	// Existing is the layer's pre-existing filter, Combine the operator
	// that merged it into SQL.
	Existing string
	Combine  CombineOp

	// ZeroMatches is set when the expression statically matches nothing
	// (empty reference under AND semantics). Executors short-circuit it.
	ZeroMatches bool

	// GeometryColumn is the quoted geometry column the expression tests.
	GeometryColumn string

	// RepresentPoints is set when feature geometries are reduced to a
	// representative interior point before the predicate test.
	RepresentPoints bool

	fp uint64
}

// Fingerprint returns a content hash of the expression, used as query
// cache key material and for materialized view reuse.
func (e *Expression) Fingerprint() uint64 {
	if e.fp != 0 {
		return e.fp
	}
	h := xxhash.New()
	_, _ = h.WriteString(string(e.Backend))
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(e.SQL)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(e.Existing)
	_, _ = h.WriteString("|")
	_, _ = h.WriteString(string(e.Combine))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], e.Set.Fingerprint())
	_, _ = h.Write(buf[:])
	if e.Ref != nil {
		binary.LittleEndian.PutUint64(buf[:], e.Ref.Fingerprint())
		_, _ = h.Write(buf[:])
	}
	e.fp = h.Sum64()
	if e.fp == 0 {
		e.fp = 1
	}
	return e.fp
}

// Builder compiles a predicate set against a reference geometry into one
// backend's native expression form. One implementation per backend.
type Builder interface {
	// Backend returns the provider kind this builder compiles for.
	Backend() layer.ProviderKind

	// Build compiles the predicate set. If the layer already carries a
	// filter, the result is combined with it using the given operator
	// (AND when empty), so successive operations intersect prior work.
	Build(set PredicateSet, ref *geometry.Reference, lyr *layer.Layer, existing string, combine CombineOp) (*Expression, error)
}

// ForBackend returns the builder for a provider kind.
func ForBackend(kind layer.ProviderKind) (Builder, error) {
	switch kind {
	case layer.ProviderPostgres:
		return NewPostGISBuilder(), nil
	case layer.ProviderDuckDB:
		return NewDuckDBBuilder(), nil
	case layer.ProviderFile, layer.ProviderMemory:
		return NewTreeBuilder(kind), nil
	}
	return nil, fmt.Errorf("%w: no expression builder for backend %q", errs.ErrValidation, kind)
}

// Combine merges a compiled expression body with a pre-existing filter
// using op (AND when empty). Exposed for callers that assemble membership
// filters outside a Builder.
func Combine(existing, compiled string, op CombineOp) string {
	return combineWith(existing, compiled, op)
}

// combineWith merges a compiled expression body with a pre-existing
// filter. Identifier quoting inside both operands is preserved verbatim.
func combineWith(existing, compiled string, op CombineOp) string {
	if existing == "" {
		return compiled
	}
	switch op.orDefault() {
	case CombineOr:
		return "(" + existing + ") OR (" + compiled + ")"
	case CombineAndNot:
		return "(" + existing + ") AND NOT (" + compiled + ")"
	default:
		return "(" + existing + ") AND (" + compiled + ")"
	}
}

// joinParts joins compiled predicate parts with the in-set operator.
func joinParts(parts []string, op CombineOp) string {
	if len(parts) == 1 {
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		switch op.orDefault() {
		case CombineOr:
			out = "(" + out + ") OR (" + p + ")"
		case CombineAndNot:
			out = "(" + out + ") AND NOT (" + p + ")"
		default:
			out = "(" + out + ") AND (" + p + ")"
		}
	}
	return out
}
