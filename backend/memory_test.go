package backend

import (
	"context"
	"testing"

	"github.com/paulmach/orb"

	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

func memoryFixture(t *testing.T) (*MemoryPort, *layer.MapRegistry, *layer.Layer) {
	t.Helper()
	reg := layer.NewMapRegistry()
	lyr := &layer.Layer{
		ID:             "points",
		Provider:       layer.ProviderMemory,
		SRID:           3857,
		GeometryColumn: "geom",
		PK:             &layer.PrimaryKey{Name: "id", Numeric: true},
		FeatureCount:   4,
	}
	reg.Add(lyr, []layer.Feature{
		{ID: "1", Geometry: orb.Point{1, 1}},
		{ID: "2", Geometry: orb.Point{5, 5}},
		{ID: "3", Geometry: orb.Point{20, 20}},
		{ID: "4", Geometry: orb.Point{50, 50}},
	})
	return NewMemoryPort(reg), reg, lyr
}

func memoryExpression(t *testing.T, poly orb.Polygon, existing string, op expr.CombineOp) *expr.Expression {
	t.Helper()
	ref, err := geometry.Prepare(context.Background(), []orb.Geometry{poly}, 3857, geometry.Options{})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	b := expr.NewTreeBuilder(layer.ProviderMemory)
	e, err := b.Build(expr.PredicateSet{Predicates: []expr.Predicate{expr.PredIntersects}}, ref, nil, existing, op)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return e
}

func TestMemoryApplyFilter(t *testing.T) {
	port, _, lyr := memoryFixture(t)
	e := memoryExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")

	res, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	if res.FeatureCount != 2 {
		t.Fatalf("expected 2 matches, got %d", res.FeatureCount)
	}
	if len(res.IDs) != 2 || res.IDs[0] != "1" || res.IDs[1] != "2" {
		t.Errorf("expected ids [1 2], got %v", res.IDs)
	}
}

func TestMemorySuccessiveFiltersIntersect(t *testing.T) {
	port, reg, lyr := memoryFixture(t)

	first := memoryExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")
	res, err := port.ApplyFilter(context.Background(), lyr, first, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)
	if err := reg.SetFilter(lyr.ID, res.Expression, res.FeatureCount); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}

	// Second filter matches {2, 3}; combined with the first {1, 2}
	// under the default AND, only feature 2 survives.
	second := memoryExpression(t, orb.Polygon{{{4, 4}, {25, 4}, {25, 25}, {4, 25}, {4, 4}}}, res.Expression, "")
	res2, err := port.ApplyFilter(context.Background(), lyr, second, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if res2.FeatureCount != 1 || res2.IDs[0] != "2" {
		t.Fatalf("expected intersection [2], got %v", res2.IDs)
	}
}

func TestMemoryCombineOr(t *testing.T) {
	port, _, lyr := memoryFixture(t)

	first := memoryExpression(t, orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}, "", "")
	res, err := port.ApplyFilter(context.Background(), lyr, first, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)

	second := memoryExpression(t, orb.Polygon{{{19, 19}, {21, 19}, {21, 21}, {19, 21}, {19, 19}}}, res.Expression, expr.CombineOr)
	res2, err := port.ApplyFilter(context.Background(), lyr, second, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if res2.FeatureCount != 2 {
		t.Fatalf("expected union of 2, got %v", res2.IDs)
	}
}

func TestMemoryZeroMatches(t *testing.T) {
	port, _, lyr := memoryFixture(t)
	b := expr.NewTreeBuilder(layer.ProviderMemory)
	empty := &geometry.Reference{SRID: 3857, Empty: true}
	e, err := b.Build(expr.PredicateSet{Predicates: []expr.Predicate{expr.PredIntersects}}, empty, nil, "", "")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	res, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	if res.FeatureCount != 0 || len(res.IDs) != 0 {
		t.Errorf("expected zero matches, got %v", res.IDs)
	}
}

func TestMemoryApplyDoesNotMutate(t *testing.T) {
	port, reg, lyr := memoryFixture(t)
	e := memoryExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")

	if _, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect); err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	// No Commit: the port holds no state and the registry is untouched.
	got, err := reg.Layer(lyr.ID)
	if err != nil {
		t.Fatalf("Layer failed: %v", err)
	}
	if got.Filter != "" {
		t.Errorf("expected layer filter unchanged, got %q", got.Filter)
	}
	if n, _ := port.FeatureCount(context.Background(), got); n != 4 {
		t.Errorf("expected unfiltered count 4, got %d", n)
	}
}

func TestMemoryCancellation(t *testing.T) {
	port, _, lyr := memoryFixture(t)
	e := memoryExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := port.ApplyFilter(ctx, lyr, e, expr.StrategyDirect); err == nil {
		t.Error("expected an error from a cancelled context")
	}
}

func TestMemoryExportSubset(t *testing.T) {
	port, reg, lyr := memoryFixture(t)
	e := memoryExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")

	res, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)
	if err := reg.SetFilter(lyr.ID, res.Expression, res.FeatureCount); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}
	filtered, err := reg.Layer(lyr.ID)
	if err != nil {
		t.Fatalf("Layer failed: %v", err)
	}

	out, err := port.ExportSubset(context.Background(), filtered, nil)
	if err != nil {
		t.Fatalf("ExportSubset failed: %v", err)
	}
	defer out.Release()
	if out.Count != 2 {
		t.Fatalf("expected 2 exported rows, got %d", out.Count)
	}
	if out.Schema == nil || out.Schema.NumFields() != 2 {
		t.Fatalf("expected pk + geometry schema, got %v", out.Schema)
	}
	geomField := out.Schema.Field(out.Schema.NumFields() - 1)
	if ext, ok := geomField.Metadata.GetValue("ARROW:extension:name"); !ok || ext != "geoarrow.wkb" {
		t.Errorf("expected geoarrow.wkb extension metadata, got %q", ext)
	}
}

func TestMemoryEmptyReferenceCombineOr(t *testing.T) {
	port, reg, lyr := memoryFixture(t)

	first := memoryExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")
	res, err := port.ApplyFilter(context.Background(), lyr, first, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)
	if err := reg.SetFilter(lyr.ID, res.Expression, res.FeatureCount); err != nil {
		t.Fatalf("SetFilter failed: %v", err)
	}

	// A fully eroded reference matches nothing on its own, but an OR
	// over the prior filter keeps the prior matches.
	ref, err := geometry.Prepare(context.Background(),
		[]orb.Geometry{orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}},
		3857, geometry.Options{Buffer: -6})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !ref.Empty {
		t.Fatal("expected an empty reference")
	}
	b := expr.NewTreeBuilder(layer.ProviderMemory)
	e, err := b.Build(expr.PredicateSet{Predicates: []expr.Predicate{expr.PredIntersects}}, ref, nil, res.Expression, expr.CombineOr)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if e.ZeroMatches {
		t.Fatal("OR over an existing filter must not be a zero-match expression")
	}

	res2, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	if res2.FeatureCount != 2 || len(res2.IDs) != 2 {
		t.Errorf("expected the prior 2 matches to survive, got %d (%v)", res2.FeatureCount, res2.IDs)
	}
}

func TestMemoryExportSubsetWithoutKey(t *testing.T) {
	port, _, lyr := memoryFixture(t)
	lyr.PK = nil

	out, err := port.ExportSubset(context.Background(), lyr, nil)
	if err != nil {
		t.Fatalf("ExportSubset failed: %v", err)
	}
	defer out.Release()
	if out.Count != 4 {
		t.Fatalf("expected 4 exported rows, got %d", out.Count)
	}
	idField := out.Schema.Field(0)
	if idField.Name != "fid" {
		t.Errorf("expected a synthesized fid column, got %q", idField.Name)
	}
}
