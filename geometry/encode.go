package geometry

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/hugr-lab/geofilter/errs"
)

// WKT returns the well-known text of the working geometry for SQL
// literals. Returns an error for empty references; builders are expected
// to short-circuit those to a zero-match expression first.
func (r *Reference) WKT() (string, error) {
	if r.Empty || r.Geom == nil {
		return "", fmt.Errorf("%w: reference geometry is empty", errs.ErrGeometry)
	}
	return wkt.MarshalString(r.Geom), nil
}

// SourceWKT returns the well-known text of the pre-buffer source
// geometry, used when the backend applies the buffer natively (pending
// erosion).
func (r *Reference) SourceWKT() (string, error) {
	if r.Source == nil {
		return "", fmt.Errorf("%w: reference has no source geometry", errs.ErrGeometry)
	}
	return wkt.MarshalString(r.Source), nil
}

// WKB returns the well-known binary of the working geometry.
func (r *Reference) WKB() ([]byte, error) {
	if r.Empty || r.Geom == nil {
		return nil, fmt.Errorf("%w: reference geometry is empty", errs.ErrGeometry)
	}
	return wkb.Marshal(r.Geom)
}

// Fingerprint returns a content hash of the reference: geometry, CRS,
// buffer, cap style, and simplification tolerance. References with equal
// fingerprints compile to identical expressions.
func (r *Reference) Fingerprint() uint64 {
	if r.fp != 0 {
		return r.fp
	}
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.SRID))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(r.Buffer))
	_, _ = h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(r.SimplifyTolerance))
	_, _ = h.Write(buf[:])
	_, _ = h.WriteString(string(r.CapStyle))
	if r.Empty {
		_, _ = h.WriteString("empty")
	} else if data, err := wkb.Marshal(r.Geom); err == nil {
		_, _ = h.Write(data)
	}
	r.fp = h.Sum64()
	if r.fp == 0 {
		r.fp = 1
	}
	return r.fp
}

// HashGeometries returns a content hash over a set of source geometries,
// used as geometry-cache key material when no stable feature ids exist.
func HashGeometries(gs []orb.Geometry) uint64 {
	h := xxhash.New()
	for _, g := range gs {
		if g == nil {
			continue
		}
		if data, err := wkb.Marshal(g); err == nil {
			_, _ = h.Write(data)
		}
	}
	return h.Sum64()
}
