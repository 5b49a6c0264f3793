package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

// sqlDialect abstracts the small syntax differences between the PostGIS
// and DuckDB spatial function sets.
type sqlDialect interface {
	geomFromText(wkt string, srid int) string
	transform(expr string, from, to int) string
	buffer(expr string, distance float64, cap geometry.CapStyle) string
	makeValid(expr string) string
	isEmpty(expr string) string
	predicate(p Predicate, column, geom string) string
	falseLiteral() string
}

// SQLBuilder compiles predicate sets to a SQL WHERE-clause body for one
// relational dialect.
type SQLBuilder struct {
	kind    layer.ProviderKind
	dialect sqlDialect

	// RepresentativePoints reduces each feature geometry to its interior
	// representative point before the predicate test. Cheaper for dense
	// polygon layers, with point-in-reference semantics.
	RepresentativePoints bool
}

// NewPostGISBuilder returns the builder for the networked-relational
// backend.
func NewPostGISBuilder() *SQLBuilder {
	return &SQLBuilder{kind: layer.ProviderPostgres, dialect: postgisDialect{}}
}

// NewDuckDBBuilder returns the builder for the embedded-relational
// backend.
func NewDuckDBBuilder() *SQLBuilder {
	return &SQLBuilder{kind: layer.ProviderDuckDB, dialect: duckdbDialect{}}
}

// Backend returns the provider kind this builder compiles for.
func (b *SQLBuilder) Backend() layer.ProviderKind { return b.kind }

// Build compiles the predicate set into a WHERE-clause body.
//
// The reference geometry is always wrapped in a validity repair function,
// and "empty after repair" compiles to a zero-match condition instead of
// a backend error. An empty reference short-circuits the same way.
func (b *SQLBuilder) Build(set PredicateSet, ref *geometry.Reference, lyr *layer.Layer, existing string, combine CombineOp) (*Expression, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, fmt.Errorf("%w: reference geometry is required", errs.ErrValidation)
	}
	norm := set.Normalized()
	combine = combine.orDefault()
	col := QuoteIdent(geometryColumn(lyr))

	if ref.Empty {
		compiled := b.dialect.falseLiteral()
		return &Expression{
			Backend:         b.kind,
			SQL:             combineWith(existing, compiled, combine),
			Set:             norm,
			Ref:             ref,
			Existing:        existing,
			Combine:         combine,
			ZeroMatches:     existing == "" || combine != CombineOr,
			GeometryColumn:  col,
			RepresentPoints: b.RepresentativePoints,
		}, nil
	}

	geomSQL, err := b.referenceSQL(ref)
	if err != nil {
		return nil, err
	}

	testCol := col
	if b.RepresentativePoints {
		testCol = "ST_PointOnSurface(" + col + ")"
	}
	parts := make([]string, 0, len(norm.Predicates))
	for _, p := range norm.Predicates {
		parts = append(parts, b.dialect.predicate(p, testCol, geomSQL))
	}
	compiled := joinParts(parts, norm.Operator)

	// Empty-after-repair yields zero matches, not an error.
	compiled = "(NOT " + b.dialect.isEmpty(geomSQL) + ") AND (" + compiled + ")"

	return &Expression{
		Backend:         b.kind,
		SQL:             combineWith(existing, compiled, combine),
		Set:             norm,
		Ref:             ref,
		Existing:        existing,
		Combine:         combine,
		GeometryColumn:  col,
		RepresentPoints: b.RepresentativePoints,
	}, nil
}

// referenceSQL renders the reference geometry literal, applying any
// pending erosion (and the transform round-trip the preparer would have
// used) natively in the dialect.
func (b *SQLBuilder) referenceSQL(ref *geometry.Reference) (string, error) {
	if ref.PendingErosion() {
		text, err := ref.SourceWKT()
		if err != nil {
			return "", err
		}
		g := b.dialect.geomFromText(text, ref.SRID)
		if ref.Reprojected {
			g = b.dialect.transform(g, ref.SRID, ref.WorkingSRID)
			g = b.dialect.buffer(g, ref.Buffer, ref.CapStyle)
			g = b.dialect.transform(g, ref.WorkingSRID, ref.SRID)
		} else {
			g = b.dialect.buffer(g, ref.Buffer, ref.CapStyle)
		}
		return b.dialect.makeValid(g), nil
	}

	text, err := ref.WKT()
	if err != nil {
		return "", err
	}
	return b.dialect.makeValid(b.dialect.geomFromText(text, ref.SRID)), nil
}

// QuoteIdent quotes a field identifier, preserving already-quoted
// case-sensitive or reserved identifiers verbatim. Stripping quotes is a
// correctness bug, not a style issue.
func QuoteIdent(name string) string {
	if len(name) >= 2 && strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func geometryColumn(lyr *layer.Layer) string {
	if lyr != nil && lyr.GeometryColumn != "" {
		return lyr.GeometryColumn
	}
	return "geom"
}

var predicateFuncs = map[Predicate]string{
	PredIntersects: "ST_Intersects",
	PredContains:   "ST_Contains",
	PredWithin:     "ST_Within",
	PredOverlaps:   "ST_Overlaps",
	PredCrosses:    "ST_Crosses",
	PredTouches:    "ST_Touches",
	PredDisjoint:   "ST_Disjoint",
	PredEquals:     "ST_Equals",
}

type postgisDialect struct{}

func (postgisDialect) geomFromText(wkt string, srid int) string {
	return fmt.Sprintf("ST_GeomFromText('%s', %d)", wkt, srid)
}

func (postgisDialect) transform(expr string, _, to int) string {
	return fmt.Sprintf("ST_Transform(%s, %d)", expr, to)
}

func (postgisDialect) buffer(expr string, distance float64, cap geometry.CapStyle) string {
	d := strconv.FormatFloat(distance, 'f', -1, 64)
	if cap != "" && cap != geometry.CapRound {
		return fmt.Sprintf("ST_Buffer(%s, %s, 'endcap=%s')", expr, d, cap)
	}
	return fmt.Sprintf("ST_Buffer(%s, %s)", expr, d)
}

func (postgisDialect) makeValid(expr string) string {
	return "ST_MakeValid(" + expr + ")"
}

func (postgisDialect) isEmpty(expr string) string {
	return "ST_IsEmpty(" + expr + ")"
}

func (postgisDialect) predicate(p Predicate, column, geom string) string {
	return fmt.Sprintf("%s(%s, %s)", predicateFuncs[p], column, geom)
}

func (postgisDialect) falseLiteral() string { return "FALSE" }

type duckdbDialect struct{}

func (duckdbDialect) geomFromText(wkt string, _ int) string {
	// DuckDB spatial geometries carry no SRID; coordinates are taken
	// as-is in the layer's CRS.
	return fmt.Sprintf("ST_GeomFromText('%s')", wkt)
}

func (duckdbDialect) transform(expr string, from, to int) string {
	return fmt.Sprintf("ST_Transform(%s, 'EPSG:%d', 'EPSG:%d')", expr, from, to)
}

func (duckdbDialect) buffer(expr string, distance float64, _ geometry.CapStyle) string {
	return fmt.Sprintf("ST_Buffer(%s, %s)", expr, strconv.FormatFloat(distance, 'f', -1, 64))
}

func (duckdbDialect) makeValid(expr string) string {
	return "ST_MakeValid(" + expr + ")"
}

func (duckdbDialect) isEmpty(expr string) string {
	return "ST_IsEmpty(" + expr + ")"
}

func (duckdbDialect) predicate(p Predicate, column, geom string) string {
	return fmt.Sprintf("%s(%s, %s)", predicateFuncs[p], column, geom)
}

func (duckdbDialect) falseLiteral() string { return "FALSE" }
