package geometry

import (
	"container/heap"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// PoleOfInaccessibility finds the interior point of a polygon farthest
// from its boundary ("always-interior" representative point) together
// with that clearance distance. Unlike a geometric centroid it is
// guaranteed to lie inside the shape, even for concave polygons.
//
// Quadtree refinement: cells are split best-first until the possible
// improvement drops below precision.
func PoleOfInaccessibility(poly orb.Polygon, precision float64) (orb.Point, float64) {
	if len(poly) == 0 || len(poly[0]) == 0 {
		return orb.Point{}, 0
	}

	bound := poly.Bound()
	w := bound.Max[0] - bound.Min[0]
	h := bound.Max[1] - bound.Min[1]
	size := math.Min(w, h)
	if size == 0 {
		return bound.Min, 0
	}
	if precision <= 0 {
		precision = size / 1000
	}

	cells := &cellQueue{}
	heap.Init(cells)

	half := size / 2
	for x := bound.Min[0]; x < bound.Max[0]; x += size {
		for y := bound.Min[1]; y < bound.Max[1]; y += size {
			heap.Push(cells, newCell(orb.Point{x + half, y + half}, half, poly))
		}
	}

	best := newCell(centroidCell(poly), 0, poly)
	if bc := newCell(orb.Point{bound.Min[0] + w/2, bound.Min[1] + h/2}, 0, poly); bc.d > best.d {
		best = bc
	}

	for cells.Len() > 0 {
		c := heap.Pop(cells).(*cell)
		if c.d > best.d {
			best = c
		}
		if c.max-best.d <= precision {
			continue
		}
		half := c.h / 2
		heap.Push(cells, newCell(orb.Point{c.p[0] - half, c.p[1] - half}, half, poly))
		heap.Push(cells, newCell(orb.Point{c.p[0] + half, c.p[1] - half}, half, poly))
		heap.Push(cells, newCell(orb.Point{c.p[0] - half, c.p[1] + half}, half, poly))
		heap.Push(cells, newCell(orb.Point{c.p[0] + half, c.p[1] + half}, half, poly))
	}

	return best.p, best.d
}

// InteriorPoint returns a representative point guaranteed to lie on the
// geometry. For polygons it is the pole of inaccessibility; for
// multi-polygons, the pole of the largest member.
func InteriorPoint(g orb.Geometry, precision float64) orb.Point {
	switch t := g.(type) {
	case orb.Point:
		return t
	case orb.MultiPoint:
		if len(t) > 0 {
			return t[0]
		}
	case orb.LineString:
		if len(t) > 0 {
			return t[len(t)/2]
		}
	case orb.MultiLineString:
		if len(t) > 0 {
			return InteriorPoint(t[0], precision)
		}
	case orb.Polygon:
		p, _ := PoleOfInaccessibility(t, precision)
		return p
	case orb.MultiPolygon:
		var largest orb.Polygon
		area := -1.0
		for _, p := range t {
			if a := math.Abs(planar.Area(p)); a > area {
				area = a
				largest = p
			}
		}
		if largest != nil {
			return InteriorPoint(largest, precision)
		}
	case orb.Collection:
		// Prefer an areal member.
		for _, c := range t {
			switch c.(type) {
			case orb.Polygon, orb.MultiPolygon:
				return InteriorPoint(c, precision)
			}
		}
		if len(t) > 0 {
			return InteriorPoint(t[0], precision)
		}
	case orb.Bound:
		return t.Center()
	}
	return orb.Point{}
}

type cell struct {
	p   orb.Point // center
	h   float64   // half size
	d   float64   // signed distance from center to polygon boundary
	max float64   // max distance to boundary within the cell
}

func newCell(p orb.Point, h float64, poly orb.Polygon) *cell {
	d := signedPolygonDistance(poly, p)
	return &cell{p: p, h: h, d: d, max: d + h*math.Sqrt2}
}

// signedPolygonDistance is positive inside the polygon, negative outside.
func signedPolygonDistance(poly orb.Polygon, p orb.Point) float64 {
	d := DistanceToBoundary(poly, p)
	if !planar.PolygonContains(poly, p) {
		return -d
	}
	return d
}

func centroidCell(poly orb.Polygon) orb.Point {
	c, _ := planar.CentroidArea(poly)
	return c
}

// cellQueue is a max-heap ordered by potential clearance, so the most
// promising cells are refined first.
type cellQueue []*cell

func (q cellQueue) Len() int            { return len(q) }
func (q cellQueue) Less(i, j int) bool  { return q[i].max > q[j].max }
func (q cellQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *cellQueue) Push(x interface{}) { *q = append(*q, x.(*cell)) }
func (q *cellQueue) Pop() interface{} {
	old := *q
	n := len(old)
	c := old[n-1]
	*q = old[:n-1]
	return c
}
