// Package geometry builds the working reference geometry that drives
// spatial predicates: it merges source features, reprojects angular
// coordinate systems to a metric working CRS before buffering, applies
// adaptive simplification, and represents fully-eroded results as an
// explicit empty marker so downstream consumers can short-circuit to
// "zero matches".
package geometry

import (
	"context"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/simplify"

	"github.com/hugr-lab/geofilter/errs"
)

// CapStyle selects the buffer end-cap shape.
type CapStyle string

const (
	CapRound  CapStyle = "round"
	CapFlat   CapStyle = "flat"
	CapSquare CapStyle = "square"
)

// Options configure reference geometry preparation.
type Options struct {
	// Buffer is the signed buffer distance. Negative values erode.
	// Units are meters for geographic source CRSs (buffering happens in
	// the working CRS), source units otherwise.
	Buffer float64

	// CapStyle is the buffer end-cap style. Defaults to CapRound.
	CapStyle CapStyle

	// WorkingSRID is the metric CRS used to buffer geographic sources.
	// Defaults to WebMercatorSRID. Only web-mercator reprojection is
	// performed natively; other declared SRIDs fall back to it.
	WorkingSRID int

	// Segments is the number of points per quarter circle when
	// approximating round caps and point buffers. Defaults to 8.
	Segments int

	// SimplifyVertexThreshold triggers adaptive simplification before
	// buffering once the merged geometry exceeds this many vertices.
	// Defaults to 500. Zero or negative disables simplification.
	SimplifyVertexThreshold int

	// SimplifyMinTolerance / SimplifyMaxTolerance bound the adaptive
	// simplification tolerance derived from the buffer magnitude.
	SimplifyMinTolerance float64
	SimplifyMaxTolerance float64

	// InteriorPrecision is the pole-of-inaccessibility precision used by
	// erosion checks and representative points. Zero derives it from the
	// geometry extent.
	InteriorPrecision float64
}

func (o *Options) withDefaults() {
	if o.CapStyle == "" {
		o.CapStyle = CapRound
	}
	if o.WorkingSRID == 0 {
		o.WorkingSRID = WebMercatorSRID
	}
	if o.Segments <= 0 {
		o.Segments = 8
	}
	if o.SimplifyVertexThreshold == 0 {
		o.SimplifyVertexThreshold = 500
	}
	if o.SimplifyMaxTolerance == 0 {
		o.SimplifyMaxTolerance = 100
	}
}

// Reference is the immutable prepared reference geometry. Every transform
// produces a new value; callers never mutate one in place.
type Reference struct {
	// Source is the merged (and possibly simplified) geometry in the
	// source CRS, before any buffering.
	Source orb.Geometry

	// Geom is the working geometry predicates evaluate against: the
	// dilated geometry for positive buffers, Source otherwise. Nil when
	// Empty is set.
	Geom orb.Geometry

	// SRID is the source CRS identifier.
	SRID int

	// Buffer is the signed buffer distance that was requested.
	Buffer float64

	// CapStyle is the end-cap style that was applied.
	CapStyle CapStyle

	// SimplifyTolerance is the tolerance actually used, 0 when no
	// simplification was applied.
	SimplifyTolerance float64

	// Reprojected is set when buffering went through the metric working
	// CRS. SQL builders must emit the equivalent transform for pending
	// erosion.
	Reprojected bool

	// WorkingSRID is the metric CRS used when Reprojected is set.
	WorkingSRID int

	// Metric holds the working-CRS geometry when a pending erosion was
	// prepared through reprojection. The erosion distance is in metric
	// units, so in-process evaluators must compare in this CRS, not in
	// the degree-based Geom.
	Metric orb.Geometry

	// Empty marks a reference that eroded to nothing (or repaired to an
	// empty geometry). Consumers short-circuit to zero matches.
	Empty bool

	fp uint64
}

// PendingErosion reports whether the negative buffer still has to be
// applied by the executing backend (erosion is not representable as a
// standalone planar geometry; SQL backends apply it natively and the
// in-memory evaluator applies distance semantics).
func (r *Reference) PendingErosion() bool {
	return !r.Empty && r.Buffer < 0
}

// Erosion returns the erosion magnitude in working-CRS units (0 when the
// buffer is not negative).
func (r *Reference) Erosion() float64 {
	if r.Buffer >= 0 {
		return 0
	}
	return -r.Buffer
}

// Prepare builds a reference geometry from source feature geometries.
//
// The caller's geometries are never mutated: all transforms operate on
// copies. An all-eroding negative buffer yields Empty=true, not an error.
func Prepare(ctx context.Context, features []orb.Geometry, srid int, opts Options) (*Reference, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Canonical(err)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("%w: no source features", errs.ErrValidation)
	}
	for i, f := range features {
		if f == nil {
			return nil, fmt.Errorf("%w: source feature %d is nil", errs.ErrValidation, i)
		}
	}
	if math.IsNaN(opts.Buffer) || math.IsInf(opts.Buffer, 0) {
		return nil, fmt.Errorf("%w: buffer distance must be finite", errs.ErrValidation)
	}
	opts.withDefaults()

	merged := Merge(features)

	ref := &Reference{
		SRID:        srid,
		Buffer:      opts.Buffer,
		CapStyle:    opts.CapStyle,
		WorkingSRID: opts.WorkingSRID,
	}

	working := orb.Clone(merged)
	geographic := IsGeographic(srid)
	if opts.Buffer != 0 && geographic {
		working = ToMetric(working)
		ref.Reprojected = true
	}

	// Adaptive simplification: tolerance tracks the buffer magnitude so
	// detail below the buffer resolution is dropped before the expensive
	// dilation. Performance-only; must not change final matches within
	// the predicate tolerance.
	if opts.Buffer != 0 && opts.SimplifyVertexThreshold > 0 && VertexCount(working) > opts.SimplifyVertexThreshold {
		tol := clamp(math.Abs(opts.Buffer)/20, opts.SimplifyMinTolerance, opts.SimplifyMaxTolerance)
		working = simplify.DouglasPeucker(tol).Simplify(working)
		ref.SimplifyTolerance = tol
	}

	switch {
	case opts.Buffer > 0:
		dilated := Dilate(working, opts.Buffer, opts.CapStyle, opts.Segments)
		if ref.Reprojected {
			ref.Source = orb.Clone(merged)
			ref.Geom = toGeographic(dilated)
		} else {
			ref.Source = working
			ref.Geom = dilated
		}

	case opts.Buffer < 0:
		if ErodesToNothing(working, -opts.Buffer, opts.InteriorPrecision) {
			ref.Empty = true
			return ref, nil
		}
		if ref.Reprojected {
			ref.Source = orb.Clone(merged)
			ref.Metric = working
			ref.Geom = toGeographic(working)
		} else {
			ref.Source = working
			ref.Geom = working
		}

	default:
		ref.Source = working
		ref.Geom = working
	}

	repaired, ok := Repair(ref.Geom)
	if !ok {
		ref.Empty = true
		ref.Geom = nil
		ref.Metric = nil
		return ref, nil
	}
	ref.Geom = repaired
	if ref.Metric != nil {
		if m, ok := Repair(ref.Metric); ok {
			ref.Metric = m
		}
	}

	return ref, nil
}

// Merge combines feature geometries into one. Homogeneous inputs collapse
// into the matching multi-geometry; mixed inputs become a collection.
func Merge(features []orb.Geometry) orb.Geometry {
	if len(features) == 1 {
		return orb.Clone(features[0])
	}

	var (
		points orb.MultiPoint
		lines  orb.MultiLineString
		polys  orb.MultiPolygon
		others orb.Collection
	)
	for _, f := range features {
		switch g := orb.Clone(f).(type) {
		case orb.Point:
			points = append(points, g)
		case orb.MultiPoint:
			points = append(points, g...)
		case orb.LineString:
			lines = append(lines, g)
		case orb.MultiLineString:
			lines = append(lines, g...)
		case orb.Polygon:
			polys = append(polys, g)
		case orb.MultiPolygon:
			polys = append(polys, g...)
		default:
			others = append(others, g)
		}
	}

	var parts orb.Collection
	if len(points) > 0 {
		parts = append(parts, points)
	}
	if len(lines) > 0 {
		parts = append(parts, lines)
	}
	if len(polys) > 0 {
		parts = append(parts, polys)
	}
	parts = append(parts, others...)

	if len(parts) == 1 {
		return parts[0]
	}
	return parts
}

// VertexCount returns the number of coordinates in a geometry.
func VertexCount(g orb.Geometry) int {
	switch t := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(t)
	case orb.LineString:
		return len(t)
	case orb.MultiLineString:
		n := 0
		for _, ls := range t {
			n += len(ls)
		}
		return n
	case orb.Ring:
		return len(t)
	case orb.Polygon:
		n := 0
		for _, r := range t {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range t {
			n += VertexCount(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, c := range t {
			n += VertexCount(c)
		}
		return n
	case orb.Bound:
		return 2
	}
	return 0
}

// Repair drops degenerate parts (unclosed or sub-minimal rings, zero-length
// lines) and reports whether anything usable remains. The second return is
// false when the geometry repaired to empty.
func Repair(g orb.Geometry) (orb.Geometry, bool) {
	switch t := g.(type) {
	case orb.Point, orb.MultiPoint:
		return g, VertexCount(g) > 0
	case orb.LineString:
		if len(t) < 2 {
			return nil, false
		}
		return t, true
	case orb.MultiLineString:
		var out orb.MultiLineString
		for _, ls := range t {
			if len(ls) >= 2 {
				out = append(out, ls)
			}
		}
		return out, len(out) > 0
	case orb.Ring:
		return repairRing(t)
	case orb.Polygon:
		return repairPolygon(t)
	case orb.MultiPolygon:
		var out orb.MultiPolygon
		for _, p := range t {
			if rp, ok := repairPolygon(p); ok {
				out = append(out, rp.(orb.Polygon))
			}
		}
		return out, len(out) > 0
	case orb.Collection:
		var out orb.Collection
		for _, c := range t {
			if rc, ok := Repair(c); ok {
				out = append(out, rc)
			}
		}
		return out, len(out) > 0
	case orb.Bound:
		return t.ToPolygon(), !t.IsEmpty()
	}
	return nil, false
}

func repairRing(r orb.Ring) (orb.Geometry, bool) {
	if len(r) < 3 {
		return nil, false
	}
	if !r.Closed() {
		r = append(r, r[0])
	}
	if len(r) < 4 {
		return nil, false
	}
	return r, true
}

func repairPolygon(p orb.Polygon) (orb.Geometry, bool) {
	if len(p) == 0 {
		return nil, false
	}
	outer, ok := repairRing(p[0])
	if !ok {
		return nil, false
	}
	out := orb.Polygon{outer.(orb.Ring)}
	for _, hole := range p[1:] {
		if h, ok := repairRing(hole); ok {
			out = append(out, h.(orb.Ring))
		}
	}
	return out, true
}

func clamp(v, min, max float64) float64 {
	if min > 0 && v < min {
		return min
	}
	if max > 0 && v > max {
		return max
	}
	return v
}
