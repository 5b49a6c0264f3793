package geometry

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// uShape is a concave polygon whose centroid falls inside the notch,
// outside the polygon itself.
func uShape() orb.Polygon {
	return orb.Polygon{{
		{0, 0}, {10, 0}, {10, 10}, {8, 10}, {8, 2}, {2, 2}, {2, 10}, {0, 10}, {0, 0},
	}}
}

func TestInteriorPointConcave(t *testing.T) {
	poly := uShape()
	p := InteriorPoint(poly, 0.1)
	if !planar.PolygonContains(poly, p) {
		t.Errorf("interior point %v falls outside the polygon", p)
	}
}

func TestPoleOfInaccessibility(t *testing.T) {
	poly := square(10)
	p, dist := PoleOfInaccessibility(poly, 0.1)

	// For a square the pole is the center, half the side from any edge.
	if planar.Distance(p, orb.Point{5, 5}) > 0.5 {
		t.Errorf("expected pole near (5,5), got %v", p)
	}
	if dist < 4.5 || dist > 5.5 {
		t.Errorf("expected clearance near 5, got %v", dist)
	}
}

func TestInteriorPointNonPolygon(t *testing.T) {
	p := InteriorPoint(orb.Point{3, 4}, 0)
	if p != (orb.Point{3, 4}) {
		t.Errorf("expected point identity, got %v", p)
	}

	line := orb.LineString{{0, 0}, {10, 0}}
	lp := InteriorPoint(line, 0)
	if lp.Lat() != 0 || lp.Lon() < 0 || lp.Lon() > 10 {
		t.Errorf("expected a point on the line, got %v", lp)
	}
}

func TestErodesToNothing(t *testing.T) {
	if !ErodesToNothing(square(10), 6, 0) {
		t.Error("expected full erosion at distance 6")
	}
	if ErodesToNothing(square(10), 2, 0) {
		t.Error("expected survival at distance 2")
	}
	// Lines and points have no interior to erode.
	if !ErodesToNothing(orb.LineString{{0, 0}, {5, 5}}, 0.1, 0) {
		t.Error("expected lines to erode to nothing")
	}
}
