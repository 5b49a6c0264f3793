package geometry

import (
	"math"

	"github.com/paulmach/orb"
)

// Dilate grows a geometry outward by distance d using a Minkowski-sum
// decomposition: the original areal parts plus one capsule per edge and,
// for round caps, one disc per vertex. The parts are returned as an
// un-unioned MultiPolygon; for topological predicate evaluation a union
// of parts is equivalent, so no polygon clipping is needed.
func Dilate(g orb.Geometry, d float64, cap CapStyle, segments int) orb.Geometry {
	if d <= 0 {
		return orb.Clone(g)
	}
	var parts orb.MultiPolygon
	parts = appendDilation(parts, g, d, cap, segments)
	return parts
}

func appendDilation(parts orb.MultiPolygon, g orb.Geometry, d float64, cap CapStyle, segments int) orb.MultiPolygon {
	switch t := g.(type) {
	case orb.Point:
		return append(parts, disc(t, d, segments))
	case orb.MultiPoint:
		for _, p := range t {
			parts = append(parts, disc(p, d, segments))
		}
		return parts
	case orb.LineString:
		return appendPathDilation(parts, []orb.Point(t), false, d, cap, segments)
	case orb.MultiLineString:
		for _, ls := range t {
			parts = appendPathDilation(parts, []orb.Point(ls), false, d, cap, segments)
		}
		return parts
	case orb.Ring:
		return appendPathDilation(parts, []orb.Point(t), true, d, cap, segments)
	case orb.Polygon:
		parts = append(parts, orb.Clone(t).(orb.Polygon))
		// The polygon body covers its interior; the ring capsules cover
		// the d-band around every boundary, holes included.
		for _, ring := range t {
			parts = appendPathDilation(parts, []orb.Point(ring), true, d, CapRound, segments)
		}
		return parts
	case orb.MultiPolygon:
		for _, p := range t {
			parts = appendDilation(parts, p, d, cap, segments)
		}
		return parts
	case orb.Collection:
		for _, c := range t {
			parts = appendDilation(parts, c, d, cap, segments)
		}
		return parts
	case orb.Bound:
		return appendDilation(parts, t.ToPolygon(), d, cap, segments)
	}
	return parts
}

func appendPathDilation(parts orb.MultiPolygon, pts []orb.Point, closed bool, d float64, cap CapStyle, segments int) orb.MultiPolygon {
	if len(pts) == 0 {
		return parts
	}
	if len(pts) == 1 {
		return append(parts, disc(pts[0], d, segments))
	}
	for i := 0; i < len(pts)-1; i++ {
		a, b := pts[i], pts[i+1]
		if a == b {
			continue
		}
		ext := cap == CapSquare && !closed && (i == 0 || i == len(pts)-2)
		parts = append(parts, segmentBox(a, b, d, ext && i == 0, ext && i == len(pts)-2))
	}
	// Joints and (for round caps) line ends are covered by vertex discs.
	last := len(pts)
	if !closed && cap != CapRound {
		// Flat and square caps leave the endpoints without discs.
		for i := 1; i < last-1; i++ {
			parts = append(parts, disc(pts[i], d, segments))
		}
		return parts
	}
	for i := 0; i < last; i++ {
		if closed && i == last-1 && pts[i] == pts[0] {
			break
		}
		parts = append(parts, disc(pts[i], d, segments))
	}
	return parts
}

// disc approximates a circle of radius r as a 4*segments-gon.
func disc(c orb.Point, r float64, segments int) orb.Polygon {
	n := 4 * segments
	ring := make(orb.Ring, 0, n+1)
	for i := 0; i < n; i++ {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring = append(ring, orb.Point{c[0] + r*math.Cos(a), c[1] + r*math.Sin(a)})
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// segmentBox returns the rectangle of half-width d around segment a-b,
// optionally extended by d beyond either end (square caps).
func segmentBox(a, b orb.Point, d float64, extendA, extendB bool) orb.Polygon {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l := math.Hypot(dx, dy)
	ux, uy := dx/l, dy/l
	nx, ny := -uy*d, ux*d
	if extendA {
		a = orb.Point{a[0] - ux*d, a[1] - uy*d}
	}
	if extendB {
		b = orb.Point{b[0] + ux*d, b[1] + uy*d}
	}
	ring := orb.Ring{
		{a[0] + nx, a[1] + ny},
		{b[0] + nx, b[1] + ny},
		{b[0] - nx, b[1] - ny},
		{a[0] - nx, a[1] - ny},
	}
	ring = append(ring, ring[0])
	return orb.Polygon{ring}
}

// ErodesToNothing reports whether shrinking g inward by d removes all
// interior. Only areal parts can survive erosion; a polygon survives when
// its pole-of-inaccessibility clearance exceeds d.
func ErodesToNothing(g orb.Geometry, d float64, precision float64) bool {
	if d <= 0 {
		return false
	}
	switch t := g.(type) {
	case orb.Polygon:
		_, clearance := PoleOfInaccessibility(t, precision)
		return clearance <= d
	case orb.MultiPolygon:
		for _, p := range t {
			if !ErodesToNothing(p, d, precision) {
				return false
			}
		}
		return true
	case orb.Collection:
		for _, c := range t {
			if !ErodesToNothing(c, d, precision) {
				return false
			}
		}
		return true
	case orb.Bound:
		return ErodesToNothing(t.ToPolygon(), d, precision)
	}
	// Points and lines have no interior to erode.
	return true
}

// ErodedContainsPoint reports whether p lies in the erosion of src by d:
// inside the source and at least d away from its boundary.
func ErodedContainsPoint(src orb.Geometry, d float64, p orb.Point) bool {
	if !containsPoint(src, p) {
		return false
	}
	return DistanceToBoundary(src, p) >= d
}

// DistanceToBoundary returns the planar distance from p to the nearest
// boundary segment of g (0 for geometries without segments).
func DistanceToBoundary(g orb.Geometry, p orb.Point) float64 {
	min := math.Inf(1)
	eachSegment(g, func(a, b orb.Point) {
		if d := pointSegmentDistance(p, a, b); d < min {
			min = d
		}
	})
	if math.IsInf(min, 1) {
		return 0
	}
	return min
}

func pointSegmentDistance(p, a, b orb.Point) float64 {
	dx, dy := b[0]-a[0], b[1]-a[1]
	if dx == 0 && dy == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / (dx*dx + dy*dy)
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}

func eachSegment(g orb.Geometry, fn func(a, b orb.Point)) {
	switch t := g.(type) {
	case orb.LineString:
		for i := 0; i < len(t)-1; i++ {
			fn(t[i], t[i+1])
		}
	case orb.MultiLineString:
		for _, ls := range t {
			eachSegment(ls, fn)
		}
	case orb.Ring:
		eachSegment(orb.LineString(t), fn)
	case orb.Polygon:
		for _, r := range t {
			eachSegment(orb.LineString(r), fn)
		}
	case orb.MultiPolygon:
		for _, p := range t {
			eachSegment(p, fn)
		}
	case orb.Collection:
		for _, c := range t {
			eachSegment(c, fn)
		}
	case orb.Bound:
		eachSegment(t.ToPolygon(), fn)
	}
}
