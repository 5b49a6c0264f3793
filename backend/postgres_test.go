package backend

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

func sqlExpression(t *testing.T, b *expr.SQLBuilder, preds ...expr.Predicate) *expr.Expression {
	t.Helper()
	poly := orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}
	ref, err := geometry.Prepare(context.Background(), []orb.Geometry{poly}, 3857, geometry.Options{})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	lyr := &layer.Layer{ID: "parcels", SRID: 3857, GeometryColumn: "geom"}
	e, err := b.Build(expr.PredicateSet{Predicates: preds}, ref, lyr, "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return e
}

func TestTwoPhaseSQL(t *testing.T) {
	e := sqlExpression(t, expr.NewPostGISBuilder(), expr.PredIntersects)

	sql := twoPhaseSQL(e)
	if !strings.HasPrefix(sql, `("geom" && ST_MakeEnvelope(0, 0, 10, 10, 3857)) AND (`) {
		t.Errorf("expected envelope prefilter, got %q", sql)
	}
	if !strings.Contains(sql, e.SQL) {
		t.Error("expected the full predicate to follow the prefilter")
	}
}

func TestTwoPhaseSQLSkippedForDisjoint(t *testing.T) {
	// Rows outside the envelope are exactly what a disjoint test
	// matches; the prefilter would discard true matches.
	e := sqlExpression(t, expr.NewPostGISBuilder(), expr.PredDisjoint)
	if got := twoPhaseSQL(e); got != e.SQL {
		t.Errorf("expected no prefilter for disjoint, got %q", got)
	}

	mixed := sqlExpression(t, expr.NewPostGISBuilder(), expr.PredIntersects, expr.PredDisjoint)
	if got := twoPhaseSQL(mixed); got != mixed.SQL {
		t.Error("expected no prefilter when the set contains disjoint")
	}
}

func TestDuckTwoPhaseSQL(t *testing.T) {
	e := sqlExpression(t, expr.NewDuckDBBuilder(), expr.PredIntersects)

	sql := duckTwoPhaseSQL(e)
	if !strings.Contains(sql, "POLYGON ((0 0, 10 0, 10 10, 0 10, 0 0))") {
		t.Errorf("expected WKT envelope, got %q", sql)
	}
	if !strings.HasPrefix(sql, `ST_Intersects("geom", `) {
		t.Errorf("expected envelope intersects prefilter, got %q", sql)
	}

	disjoint := sqlExpression(t, expr.NewDuckDBBuilder(), expr.PredDisjoint)
	if got := duckTwoPhaseSQL(disjoint); got != disjoint.SQL {
		t.Error("expected no prefilter for disjoint")
	}
}

func TestViewName(t *testing.T) {
	session := uuid.MustParse("12345678-9abc-def0-1234-56789abcdef0")
	m := NewViewManager(nil, session, ViewConfig{})

	name := m.viewName(3, 0xdeadbeef)
	if name != "gf_mv_12345678_3_00000000deadbeef" {
		t.Errorf("unexpected view name %q", name)
	}
	if !strings.HasPrefix(name, viewPrefix) {
		t.Errorf("view name must carry the reclaim prefix, got %q", name)
	}
	// Names must be valid unquoted identifiers.
	if strings.ContainsAny(name, `-" `) {
		t.Errorf("view name contains invalid identifier characters: %q", name)
	}
}

func TestTableRef(t *testing.T) {
	p := &PostgresPort{}

	plain := &layer.Layer{Locator: layer.Locator{Table: "parcels"}}
	if got := p.tableRef(plain); got != `"parcels"` {
		t.Errorf("expected quoted table, got %q", got)
	}
	qualified := &layer.Layer{Locator: layer.Locator{Schema: "gis", Table: "parcels"}}
	if got := p.tableRef(qualified); got != `"gis"."parcels"` {
		t.Errorf("expected schema-qualified table, got %q", got)
	}
}
