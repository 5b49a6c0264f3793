// Package backend implements the four executor variants behind the common
// BackendPort contract, the materialized view manager, and the
// circuit-breaker connection pool used by the networked-relational
// executor.
//
// Executors never mutate layer state: they compute a FilterResult and the
// engine applies it on success, which is what makes every apply attempt
// revert-safe. Executors receive locators, not live handles, and
// reconstruct working connections inside their own execution context.
package backend

import (
	"context"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/layer"
)

// FilterResult is the outcome of a successful apply: the expression that
// becomes the layer's live filter, its match count, and bookkeeping.
type FilterResult struct {
	LayerID      string
	Expression   string
	FeatureCount int64
	Strategy     expr.Strategy

	// View names the materialized view backing the filter, when one was
	// created or reused.
	View string

	// IDs is the matched id set, populated by in-process executors and
	// the progressive strategy.
	IDs []string

	Duration time.Duration
}

// ExportResult is a filtered feature stream rendered as Arrow records.
// The format writers that consume it are external collaborators; callers
// must Release() each record.
type ExportResult struct {
	LayerID string
	Schema  *arrow.Schema
	Records []arrow.Record
	Count   int64
}

// Release releases all records in the result.
func (r *ExportResult) Release() {
	for _, rec := range r.Records {
		rec.Release()
	}
	r.Records = nil
}

// Port is the common backend contract. Implementations MUST be
// goroutine-safe unless documented otherwise (the generic-file executor
// serializes itself internally).
type Port interface {
	// Kind returns the provider kind this executor serves.
	Kind() layer.ProviderKind

	// ApplyFilter executes the expression with the given strategy and
	// returns the new filter state. It never mutates the layer: on any
	// error the previously-active filter remains unchanged.
	ApplyFilter(ctx context.Context, lyr *layer.Layer, e *expr.Expression, strategy expr.Strategy) (*FilterResult, error)

	// FeatureCount returns the layer's current (filtered) feature count.
	FeatureCount(ctx context.Context, lyr *layer.Layer) (int64, error)

	// ExportSubset streams the filtered features as Arrow records with
	// the selected fields plus the geometry column.
	ExportSubset(ctx context.Context, lyr *layer.Layer, fields []string) (*ExportResult, error)

	// Cleanup releases per-layer resources (views, temp tables, cached
	// id sets) on filter reset or layer removal.
	Cleanup(ctx context.Context, lyr *layer.Layer) error
}

// MembershipFilter renders an id-set membership test against the layer's
// primary key. An empty id set compiles to FALSE.
func MembershipFilter(pk *layer.PrimaryKey, ids []string) string {
	if len(ids) == 0 {
		return "FALSE"
	}
	col := expr.QuoteIdent(pk.Name)
	var b strings.Builder
	b.WriteString(col)
	b.WriteString(" IN (")
	for i, id := range ids {
		if i > 0 {
			b.WriteString(", ")
		}
		if pk.Numeric {
			b.WriteString(id)
		} else {
			b.WriteString(quoteLiteral(id))
		}
	}
	b.WriteString(")")
	return b.String()
}

// quoteLiteral renders a single-quoted SQL string literal.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CombineIDs merges a newly matched id set with the previous one under
// the combine operator, preserving the new matching order.
func CombineIDs(prev, next []string, op expr.CombineOp) []string {
	if prev == nil {
		return next
	}
	prevSet := make(map[string]bool, len(prev))
	for _, id := range prev {
		prevSet[id] = true
	}
	switch op {
	case expr.CombineOr:
		out := append([]string(nil), prev...)
		for _, id := range next {
			if !prevSet[id] {
				out = append(out, id)
			}
		}
		return out
	case expr.CombineAndNot:
		nextSet := make(map[string]bool, len(next))
		for _, id := range next {
			nextSet[id] = true
		}
		var out []string
		for _, id := range prev {
			if !nextSet[id] {
				out = append(out, id)
			}
		}
		return out
	default:
		var out []string
		for _, id := range next {
			if prevSet[id] {
				out = append(out, id)
			}
		}
		return out
	}
}
