package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Planar topological predicates used by the in-memory evaluator. SQL
// backends evaluate predicates natively; these implementations mirror the
// standard semantics over planar coordinates.

const predicateEps = 1e-9

// parts is a geometry decomposed into primitive components.
type parts struct {
	points []orb.Point
	lines  []orb.LineString
	polys  []orb.Polygon
}

func decompose(g orb.Geometry) parts {
	var pr parts
	appendParts(&pr, g)
	return pr
}

func appendParts(pr *parts, g orb.Geometry) {
	switch t := g.(type) {
	case orb.Point:
		pr.points = append(pr.points, t)
	case orb.MultiPoint:
		pr.points = append(pr.points, t...)
	case orb.LineString:
		pr.lines = append(pr.lines, t)
	case orb.MultiLineString:
		pr.lines = append(pr.lines, t...)
	case orb.Ring:
		pr.polys = append(pr.polys, orb.Polygon{t})
	case orb.Polygon:
		pr.polys = append(pr.polys, t)
	case orb.MultiPolygon:
		pr.polys = append(pr.polys, t...)
	case orb.Collection:
		for _, c := range t {
			appendParts(pr, c)
		}
	case orb.Bound:
		pr.polys = append(pr.polys, t.ToPolygon())
	}
}

func (p parts) dimension() int {
	switch {
	case len(p.polys) > 0:
		return 2
	case len(p.lines) > 0:
		return 1
	case len(p.points) > 0:
		return 0
	}
	return -1
}

// Intersects reports whether a and b share at least one point.
func Intersects(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	if !boundsOverlap(a.Bound(), b.Bound()) {
		return false
	}
	pa, pb := decompose(a), decompose(b)

	for _, p := range pa.points {
		if pointTouchesParts(p, pb) {
			return true
		}
	}
	for _, p := range pb.points {
		if pointTouchesParts(p, pa) {
			return true
		}
	}
	for _, la := range pa.lines {
		for _, lb := range pb.lines {
			if linesIntersect(la, lb) {
				return true
			}
		}
		for _, poly := range pb.polys {
			if lineIntersectsPolygon(la, poly) {
				return true
			}
		}
	}
	for _, lb := range pb.lines {
		for _, poly := range pa.polys {
			if lineIntersectsPolygon(lb, poly) {
				return true
			}
		}
	}
	for _, qa := range pa.polys {
		for _, qb := range pb.polys {
			if polygonsIntersect(qa, qb) {
				return true
			}
		}
	}
	return false
}

// Disjoint is the negation of Intersects.
func Disjoint(a, b orb.Geometry) bool { return !Intersects(a, b) }

// Contains reports whether every point of b lies in a.
func Contains(a, b orb.Geometry) bool {
	if a == nil || b == nil {
		return false
	}
	ab, bb := a.Bound(), b.Bound()
	if !boundCovers(ab, bb) {
		return false
	}
	pa := decompose(a)
	for _, p := range samplePoints(b) {
		if !pointOnOrInParts(p, pa) {
			return false
		}
	}
	// Sampled containment can miss a boundary excursion; a proper edge
	// crossing between b and a's boundary disproves containment.
	for _, lb := range allEdges(b) {
		for _, poly := range pa.polys {
			for _, ring := range poly {
				if properCrossingWithRing(lb, ring) {
					return false
				}
			}
		}
	}
	return true
}

// Within reports whether every point of a lies in b.
func Within(a, b orb.Geometry) bool { return Contains(b, a) }

// Equals reports whether a and b cover the same point set.
func Equals(a, b orb.Geometry) bool {
	return Contains(a, b) && Contains(b, a)
}

// Touches reports whether the geometries intersect only on boundaries.
func Touches(a, b orb.Geometry) bool {
	return Intersects(a, b) && !interiorsIntersect(a, b)
}

// Crosses reports whether the geometries cross: their interiors intersect
// but neither is contained in the other, with the intersection of lower
// dimension than the inputs.
func Crosses(a, b orb.Geometry) bool {
	pa, pb := decompose(a), decompose(b)
	da, db := pa.dimension(), pb.dimension()

	switch {
	case da == 1 && db == 1:
		return properLineCrossing(pa, pb) && !Equals(a, b)
	case da == 1 && db == 2:
		return lineCrossesArea(pa, pb)
	case da == 2 && db == 1:
		return lineCrossesArea(pb, pa)
	case da == 0 && db > 0:
		return pointsSplitBy(pa, b)
	case db == 0 && da > 0:
		return pointsSplitBy(pb, a)
	}
	return false
}

// Overlaps reports whether the geometries share some but not all interior,
// at equal dimension.
func Overlaps(a, b orb.Geometry) bool {
	pa, pb := decompose(a), decompose(b)
	if pa.dimension() != pb.dimension() {
		return false
	}
	if !interiorsIntersect(a, b) {
		return false
	}
	return !Contains(a, b) && !Contains(b, a)
}

// ErodedIntersects reports whether g reaches the erosion of src by d.
// Evaluated by sampling g's vertices, edge midpoints, and interior points
// against the eroded region.
func ErodedIntersects(src orb.Geometry, d float64, g orb.Geometry) bool {
	for _, p := range samplePoints(g) {
		if ErodedContainsPoint(src, d, p) {
			return true
		}
	}
	// g may fully cover the eroded region without a sample landing in it.
	pr := decompose(src)
	for _, poly := range pr.polys {
		pole, clearance := PoleOfInaccessibility(poly, 0)
		if clearance >= d && containsPoint(g, pole) {
			return true
		}
	}
	return false
}

// ErodedContains reports whether g lies entirely within the erosion of
// src by d.
func ErodedContains(src orb.Geometry, d float64, g orb.Geometry) bool {
	pts := samplePoints(g)
	if len(pts) == 0 {
		return false
	}
	for _, p := range pts {
		if !ErodedContainsPoint(src, d, p) {
			return false
		}
	}
	return true
}

// --- primitive helpers ---

func boundsOverlap(a, b orb.Bound) bool {
	return a.Min[0] <= b.Max[0]+predicateEps && b.Min[0] <= a.Max[0]+predicateEps &&
		a.Min[1] <= b.Max[1]+predicateEps && b.Min[1] <= a.Max[1]+predicateEps
}

func boundCovers(outer, inner orb.Bound) bool {
	return outer.Min[0] <= inner.Min[0]+predicateEps && outer.Min[1] <= inner.Min[1]+predicateEps &&
		outer.Max[0]+predicateEps >= inner.Max[0] && outer.Max[1]+predicateEps >= inner.Max[1]
}

func pointsEqual(a, b orb.Point) bool {
	return math.Abs(a[0]-b[0]) <= predicateEps && math.Abs(a[1]-b[1]) <= predicateEps
}

func containsPoint(g orb.Geometry, p orb.Point) bool {
	switch t := g.(type) {
	case orb.Ring:
		return planar.RingContains(t, p)
	case orb.Polygon:
		return planar.PolygonContains(t, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(t, p)
	case orb.Collection:
		for _, c := range t {
			if containsPoint(c, p) {
				return true
			}
		}
	case orb.Bound:
		return t.Contains(p)
	}
	return false
}

func pointOnLine(ls orb.LineString, p orb.Point) bool {
	for i := 0; i < len(ls)-1; i++ {
		if pointSegmentDistance(p, ls[i], ls[i+1]) <= predicateEps {
			return true
		}
	}
	return false
}

func pointTouchesParts(p orb.Point, pr parts) bool {
	for _, q := range pr.points {
		if pointsEqual(p, q) {
			return true
		}
	}
	for _, ls := range pr.lines {
		if pointOnLine(ls, p) {
			return true
		}
	}
	for _, poly := range pr.polys {
		if planar.PolygonContains(poly, p) || polygonBoundaryTouches(poly, p) {
			return true
		}
	}
	return false
}

func pointOnOrInParts(p orb.Point, pr parts) bool {
	return pointTouchesParts(p, pr)
}

func polygonBoundaryTouches(poly orb.Polygon, p orb.Point) bool {
	for _, ring := range poly {
		if pointOnLine(orb.LineString(ring), p) {
			return true
		}
	}
	return false
}

type segment struct{ a, b orb.Point }

func allEdges(g orb.Geometry) []segment {
	var segs []segment
	eachSegment(g, func(a, b orb.Point) {
		segs = append(segs, segment{a, b})
	})
	return segs
}

// segmentsIntersect reports intersection including endpoints and
// collinear overlap; proper is set for an interior-to-interior crossing.
func segmentsIntersect(p1, p2, q1, q2 orb.Point) (hit, proper bool) {
	d1 := cross(q1, q2, p1)
	d2 := cross(q1, q2, p2)
	d3 := cross(p1, p2, q1)
	d4 := cross(p1, p2, q2)

	if ((d1 > predicateEps && d2 < -predicateEps) || (d1 < -predicateEps && d2 > predicateEps)) &&
		((d3 > predicateEps && d4 < -predicateEps) || (d3 < -predicateEps && d4 > predicateEps)) {
		return true, true
	}
	if math.Abs(d1) <= predicateEps && onSegment(q1, q2, p1) {
		return true, false
	}
	if math.Abs(d2) <= predicateEps && onSegment(q1, q2, p2) {
		return true, false
	}
	if math.Abs(d3) <= predicateEps && onSegment(p1, p2, q1) {
		return true, false
	}
	if math.Abs(d4) <= predicateEps && onSegment(p1, p2, q2) {
		return true, false
	}
	return false, false
}

func cross(a, b, c orb.Point) float64 {
	return (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
}

func onSegment(a, b, p orb.Point) bool {
	return math.Min(a[0], b[0])-predicateEps <= p[0] && p[0] <= math.Max(a[0], b[0])+predicateEps &&
		math.Min(a[1], b[1])-predicateEps <= p[1] && p[1] <= math.Max(a[1], b[1])+predicateEps
}

func linesIntersect(a, b orb.LineString) bool {
	for i := 0; i < len(a)-1; i++ {
		for j := 0; j < len(b)-1; j++ {
			if hit, _ := segmentsIntersect(a[i], a[i+1], b[j], b[j+1]); hit {
				return true
			}
		}
	}
	return false
}

func lineIntersectsPolygon(ls orb.LineString, poly orb.Polygon) bool {
	for _, p := range ls {
		if planar.PolygonContains(poly, p) {
			return true
		}
	}
	for _, ring := range poly {
		if linesIntersect(ls, orb.LineString(ring)) {
			return true
		}
	}
	return false
}

func polygonsIntersect(a, b orb.Polygon) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, p := range a[0] {
		if planar.PolygonContains(b, p) {
			return true
		}
	}
	for _, p := range b[0] {
		if planar.PolygonContains(a, p) {
			return true
		}
	}
	for _, ra := range a {
		for _, rb := range b {
			if linesIntersect(orb.LineString(ra), orb.LineString(rb)) {
				return true
			}
		}
	}
	return false
}

func properCrossingWithRing(s segment, ring orb.Ring) bool {
	for i := 0; i < len(ring)-1; i++ {
		if _, proper := segmentsIntersect(s.a, s.b, ring[i], ring[i+1]); proper {
			return true
		}
	}
	return false
}

// samplePoints returns vertices, edge midpoints, and polygon interior
// points of g, the sample basis for containment and erosion tests.
func samplePoints(g orb.Geometry) []orb.Point {
	var pts []orb.Point
	pr := decompose(g)
	pts = append(pts, pr.points...)
	for _, ls := range pr.lines {
		pts = append(pts, ls...)
		for i := 0; i < len(ls)-1; i++ {
			pts = append(pts, midpoint(ls[i], ls[i+1]))
		}
	}
	for _, poly := range pr.polys {
		for _, ring := range poly {
			pts = append(pts, ring...)
			for i := 0; i < len(ring)-1; i++ {
				pts = append(pts, midpoint(ring[i], ring[i+1]))
			}
		}
		pole, _ := PoleOfInaccessibility(poly, 0)
		pts = append(pts, pole)
	}
	return pts
}

func midpoint(a, b orb.Point) orb.Point {
	return orb.Point{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2}
}

func strictlyInside(g orb.Geometry, p orb.Point) bool {
	return containsPoint(g, p) && DistanceToBoundary(g, p) > predicateEps
}

func interiorsIntersect(a, b orb.Geometry) bool {
	pa, pb := decompose(a), decompose(b)

	// A sample point of one strictly inside the other.
	if len(pb.polys) > 0 {
		for _, p := range samplePoints(a) {
			if strictlyInside(orb.MultiPolygon(pb.polys), p) {
				return true
			}
		}
	}
	if len(pa.polys) > 0 {
		for _, p := range samplePoints(b) {
			if strictlyInside(orb.MultiPolygon(pa.polys), p) {
				return true
			}
		}
	}

	// Proper edge crossings put interior points of both on each side.
	for _, sa := range allEdges(a) {
		for _, sb := range allEdges(b) {
			if _, proper := segmentsIntersect(sa.a, sa.b, sb.a, sb.b); proper {
				return true
			}
		}
	}

	// Collinear line overlap: midpoints of one lying on the other.
	for _, la := range pa.lines {
		for i := 0; i < len(la)-1; i++ {
			m := midpoint(la[i], la[i+1])
			for _, lb := range pb.lines {
				if pointOnLine(lb, m) {
					return true
				}
			}
		}
	}
	return false
}

func properLineCrossing(pa, pb parts) bool {
	for _, la := range pa.lines {
		for _, lb := range pb.lines {
			for i := 0; i < len(la)-1; i++ {
				for j := 0; j < len(lb)-1; j++ {
					if _, proper := segmentsIntersect(la[i], la[i+1], lb[j], lb[j+1]); proper {
						return true
					}
				}
			}
		}
	}
	return false
}

// lineCrossesArea reports whether any line of lines has points both
// strictly inside and strictly outside the areal parts of area.
func lineCrossesArea(lines, area parts) bool {
	if len(area.polys) == 0 {
		return false
	}
	mp := orb.MultiPolygon(area.polys)
	for _, ls := range lines.lines {
		inside, outside := false, false
		for _, p := range samplePoints(ls) {
			if strictlyInside(mp, p) {
				inside = true
			} else if !containsPoint(mp, p) && DistanceToBoundary(mp, p) > predicateEps {
				outside = true
			}
			if inside && outside {
				return true
			}
		}
	}
	return false
}

// pointsSplitBy reports whether some points fall on g and some off it.
func pointsSplitBy(points parts, g orb.Geometry) bool {
	on, off := false, false
	pg := decompose(g)
	for _, p := range points.points {
		if pointTouchesParts(p, pg) {
			on = true
		} else {
			off = true
		}
		if on && off {
			return true
		}
	}
	return false
}
