package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

func writeGeoJSON(t *testing.T) string {
	t.Helper()
	fc := geojson.NewFeatureCollection()
	add := func(id float64, x, y float64) {
		f := geojson.NewFeature(orb.Point{x, y})
		f.Properties["fid"] = id
		f.Properties["name"] = "feature"
		fc.Append(f)
	}
	add(1, 1, 1)
	add(2, 5, 5)
	add(3, 20, 20)

	data, err := fc.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal collection: %v", err)
	}
	path := filepath.Join(t.TempDir(), "features.geojson")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func fileFixture(t *testing.T, streamThreshold int64) (*FilePort, *layer.Layer) {
	t.Helper()
	port := NewFilePort(streamThreshold)
	lyr := &layer.Layer{
		ID:             "features",
		Provider:       layer.ProviderFile,
		SRID:           3857,
		GeometryColumn: "geom",
		PK:             &layer.PrimaryKey{Name: "fid", Numeric: true},
		Locator:        layer.Locator{Path: writeGeoJSON(t)},
	}
	return port, lyr
}

func fileExpression(t *testing.T, poly orb.Polygon, existing string, op expr.CombineOp) *expr.Expression {
	t.Helper()
	ref, err := geometry.Prepare(context.Background(), []orb.Geometry{poly}, 3857, geometry.Options{})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	b := expr.NewTreeBuilder(layer.ProviderFile)
	e, err := b.Build(expr.PredicateSet{Predicates: []expr.Predicate{expr.PredIntersects}}, ref, nil, existing, op)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return e
}

func TestFileApplyFilterWholeDecode(t *testing.T) {
	port, lyr := fileFixture(t, 0)
	e := fileExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")

	res, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	if res.FeatureCount != 2 {
		t.Fatalf("expected 2 matches, got %d", res.FeatureCount)
	}
	if res.IDs[0] != "1" || res.IDs[1] != "2" {
		t.Errorf("expected ids [1 2], got %v", res.IDs)
	}
}

func TestFileApplyFilterStreaming(t *testing.T) {
	// A threshold of one byte forces the token-streaming decode path.
	port, lyr := fileFixture(t, 1)
	e := fileExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")

	res, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	if res.FeatureCount != 2 {
		t.Fatalf("expected 2 matches from the streaming path, got %d", res.FeatureCount)
	}
}

func TestFileSuccessiveFiltersIntersect(t *testing.T) {
	port, lyr := fileFixture(t, 0)

	first := fileExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")
	res, err := port.ApplyFilter(context.Background(), lyr, first, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)

	second := fileExpression(t, orb.Polygon{{{4, 4}, {25, 4}, {25, 25}, {4, 25}, {4, 4}}}, res.Expression, "")
	res2, err := port.ApplyFilter(context.Background(), lyr, second, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if res2.FeatureCount != 1 || res2.IDs[0] != "2" {
		t.Fatalf("expected intersection [2], got %v", res2.IDs)
	}
}

func TestFileFeatureIDResolution(t *testing.T) {
	f := geojson.NewFeature(orb.Point{0, 0})
	f.Properties["fid"] = float64(7)
	pk := &layer.PrimaryKey{Name: "fid", Numeric: true}

	if got := featureID(f, pk, 3); got != "7" {
		t.Errorf("expected pk property, got %q", got)
	}

	f2 := geojson.NewFeature(orb.Point{0, 0})
	f2.ID = "doc-9"
	if got := featureID(f2, pk, 3); got != "doc-9" {
		t.Errorf("expected document id, got %q", got)
	}
	if got := featureID(f2, &layer.PrimaryKey{Name: "rowid", Synthetic: true}, 3); got != "doc-9" {
		t.Errorf("synthetic key must fall through to document id, got %q", got)
	}

	f3 := geojson.NewFeature(orb.Point{0, 0})
	if got := featureID(f3, nil, 3); got != "3" {
		t.Errorf("expected positional fallback, got %q", got)
	}
}

func TestFileFeatureCount(t *testing.T) {
	port, lyr := fileFixture(t, 0)

	n, err := port.FeatureCount(context.Background(), lyr)
	if err != nil {
		t.Fatalf("FeatureCount failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 unfiltered features, got %d", n)
	}

	e := fileExpression(t, orb.Polygon{{{0, 0}, {2, 0}, {2, 2}, {0, 2}, {0, 0}}}, "", "")
	res, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)
	lyr.Filter = res.Expression

	n, err = port.FeatureCount(context.Background(), lyr)
	if err != nil {
		t.Fatalf("FeatureCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected filtered count 1, got %d", n)
	}

	if err := port.Cleanup(context.Background(), lyr); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n, _ := port.FeatureCount(context.Background(), lyr); n != 0 {
		t.Errorf("expected cleared membership state, got %d", n)
	}
}

func TestFileExportSubset(t *testing.T) {
	port, lyr := fileFixture(t, 0)
	e := fileExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")

	res, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)
	lyr.Filter = res.Expression

	out, err := port.ExportSubset(context.Background(), lyr, []string{"name"})
	if err != nil {
		t.Fatalf("ExportSubset failed: %v", err)
	}
	defer out.Release()
	if out.Count != 2 {
		t.Fatalf("expected 2 exported rows, got %d", out.Count)
	}
	if out.Schema.NumFields() != 3 {
		t.Fatalf("expected pk + name + geometry, got %d fields", out.Schema.NumFields())
	}
	if out.Schema.Field(0).Name != "fid" {
		t.Errorf("expected pk field first, got %q", out.Schema.Field(0).Name)
	}
}

func TestFileEmptyReferenceCombineOr(t *testing.T) {
	port, lyr := fileFixture(t, 0)

	first := fileExpression(t, orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}, "", "")
	res, err := port.ApplyFilter(context.Background(), lyr, first, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("first apply failed: %v", err)
	}
	port.Commit(lyr.ID, res.IDs)

	ref, err := geometry.Prepare(context.Background(),
		[]orb.Geometry{orb.Polygon{{{0, 0}, {10, 0}, {10, 10}, {0, 10}, {0, 0}}}},
		3857, geometry.Options{Buffer: -6})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !ref.Empty {
		t.Fatal("expected an empty reference")
	}
	b := expr.NewTreeBuilder(layer.ProviderFile)
	e, err := b.Build(expr.PredicateSet{Predicates: []expr.Predicate{expr.PredIntersects}}, ref, nil, res.Expression, expr.CombineOr)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	res2, err := port.ApplyFilter(context.Background(), lyr, e, expr.StrategyDirect)
	if err != nil {
		t.Fatalf("ApplyFilter failed: %v", err)
	}
	if res2.FeatureCount != int64(len(res.IDs)) {
		t.Errorf("expected the prior %d matches to survive, got %d", len(res.IDs), res2.FeatureCount)
	}
}
