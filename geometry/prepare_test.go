package geometry

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"

	"github.com/hugr-lab/geofilter/errs"
)

func square(size float64) orb.Polygon {
	return orb.Polygon{{{0, 0}, {size, 0}, {size, size}, {0, size}, {0, 0}}}
}

func TestPreparePointBuffer(t *testing.T) {
	ref, err := Prepare(context.Background(), []orb.Geometry{orb.Point{0, 0}}, 3857, Options{Buffer: 10})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if ref.Empty {
		t.Fatal("expected non-empty reference")
	}
	if ref.Reprojected {
		t.Error("projected source must not be reprojected")
	}
	if !Intersects(orb.Point{5, 0}, ref.Geom) {
		t.Error("expected point inside buffer disc to intersect")
	}
	if Intersects(orb.Point{25, 0}, ref.Geom) {
		t.Error("expected point outside buffer disc not to intersect")
	}
}

func TestPrepareErosionToNothing(t *testing.T) {
	ref, err := Prepare(context.Background(), []orb.Geometry{square(10)}, 3857, Options{Buffer: -6})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !ref.Empty {
		t.Error("expected a 10x10 square eroded by 6 to be empty")
	}
	if ref.PendingErosion() {
		t.Error("empty reference must not report pending erosion")
	}
}

func TestPreparePendingErosion(t *testing.T) {
	ref, err := Prepare(context.Background(), []orb.Geometry{square(10)}, 3857, Options{Buffer: -2})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if ref.Empty {
		t.Fatal("expected non-empty reference for partial erosion")
	}
	if !ref.PendingErosion() {
		t.Error("expected pending erosion for buffer -2")
	}
	if got := ref.Erosion(); got != 2 {
		t.Errorf("expected erosion magnitude 2, got %v", got)
	}
	// The source geometry is carried unchanged for the backend to erode.
	if ref.Geom == nil || ref.Geom.Bound() != square(10).Bound() {
		t.Error("expected source bounds preserved under pending erosion")
	}
}

func TestPrepareGeographicReprojection(t *testing.T) {
	poly := orb.Polygon{{{10, 50}, {10.01, 50}, {10.01, 50.01}, {10, 50.01}, {10, 50}}}
	ref, err := Prepare(context.Background(), []orb.Geometry{poly}, 4326, Options{Buffer: 100})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !ref.Reprojected {
		t.Error("expected reprojection for geographic source with buffer")
	}
	if ref.WorkingSRID != WebMercatorSRID {
		t.Errorf("expected working SRID %d, got %d", WebMercatorSRID, ref.WorkingSRID)
	}
	// The result is transformed back to the source CRS: a 100 m buffer
	// around a degree-scale polygon stays within a fraction of a degree.
	b := ref.Geom.Bound()
	if b.Min.Lon() < 9.9 || b.Max.Lon() > 10.2 {
		t.Errorf("expected buffered bounds near the source, got %v", b)
	}

	// No buffer, no reprojection.
	ref, err = Prepare(context.Background(), []orb.Geometry{poly}, 4326, Options{})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if ref.Reprojected {
		t.Error("unbuffered geographic source must not be reprojected")
	}
}

func TestPrepareValidation(t *testing.T) {
	if _, err := Prepare(context.Background(), nil, 3857, Options{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for empty input, got %v", err)
	}
	if _, err := Prepare(context.Background(), []orb.Geometry{nil}, 3857, Options{}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for nil feature, got %v", err)
	}
	if _, err := Prepare(context.Background(), []orb.Geometry{square(1)}, 3857, Options{Buffer: math.NaN()}); !errors.Is(err, errs.ErrValidation) {
		t.Errorf("expected validation error for NaN buffer, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Prepare(ctx, []orb.Geometry{square(1)}, 3857, Options{}); !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("expected cancellation error, got %v", err)
	}
}

func TestPrepareSourceNotMutated(t *testing.T) {
	src := square(10)
	orig := orb.Clone(src).(orb.Polygon)

	if _, err := Prepare(context.Background(), []orb.Geometry{src}, 4326, Options{Buffer: 500}); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	for i, p := range src[0] {
		if p != orig[0][i] {
			t.Fatalf("source vertex %d mutated: %v != %v", i, p, orig[0][i])
		}
	}
}

func TestMerge(t *testing.T) {
	single := Merge([]orb.Geometry{square(2)})
	if _, ok := single.(orb.Polygon); !ok {
		t.Errorf("expected single polygon to stay a polygon, got %T", single)
	}

	multi := Merge([]orb.Geometry{square(2), square(4)})
	mp, ok := multi.(orb.MultiPolygon)
	if !ok {
		t.Fatalf("expected homogeneous polygons to merge into MultiPolygon, got %T", multi)
	}
	if len(mp) != 2 {
		t.Errorf("expected 2 polygons, got %d", len(mp))
	}

	mixed := Merge([]orb.Geometry{orb.Point{1, 1}, square(2)})
	if _, ok := mixed.(orb.Collection); !ok {
		t.Errorf("expected mixed types to merge into Collection, got %T", mixed)
	}
}

func TestDilatePath(t *testing.T) {
	line := orb.LineString{{0, 0}, {10, 0}}
	g := Dilate(line, 2, CapRound, 0)
	mp, ok := g.(orb.MultiPolygon)
	if !ok {
		t.Fatalf("expected MultiPolygon dilation, got %T", g)
	}
	if len(mp) == 0 {
		t.Fatal("expected non-empty dilation")
	}
	if !Intersects(orb.Point{5, 1}, g) {
		t.Error("expected point within capsule to intersect")
	}
	if Intersects(orb.Point{5, 5}, g) {
		t.Error("expected point outside capsule not to intersect")
	}
}

func TestDilatePolygonKeepsBody(t *testing.T) {
	g := Dilate(square(10), 2, CapRound, 8)
	mp, ok := g.(orb.MultiPolygon)
	if !ok {
		t.Fatalf("expected MultiPolygon dilation, got %T", g)
	}
	if len(mp) < 2 {
		t.Fatalf("expected the polygon body plus boundary capsules, got %d parts", len(mp))
	}
	// Deep interior is covered by the body, not by any boundary capsule.
	if !Intersects(orb.Point{5, 5}, g) {
		t.Error("expected deep interior point inside the dilation")
	}
	if !Intersects(orb.Point{-1, 5}, g) {
		t.Error("expected outward band point inside the dilation")
	}
	if Intersects(orb.Point{-5, 5}, g) {
		t.Error("expected far point outside the dilation")
	}
}

func TestHashGeometriesStable(t *testing.T) {
	a := HashGeometries([]orb.Geometry{square(3)})
	b := HashGeometries([]orb.Geometry{square(3)})
	if a != b {
		t.Error("identical geometry sets must hash equally")
	}
	c := HashGeometries([]orb.Geometry{square(4)})
	if a == c {
		t.Error("distinct geometry sets must hash differently")
	}
}
