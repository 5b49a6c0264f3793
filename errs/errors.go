// Package errs provides the shared error taxonomy for the filtering engine.
package errs

import (
	"context"
	"errors"
)

var (
	// ErrValidation indicates a malformed predicate, buffer, or request.
	// Rejected before any backend call is made.
	ErrValidation = errors.New("geofilter: invalid request")

	// ErrGeometry indicates a geometry that is still invalid after repair.
	// Consumers treat it as "zero matches", not as a hard failure.
	ErrGeometry = errors.New("geofilter: invalid geometry")

	// ErrBackendTimeout indicates the backend cancelled a long-running
	// statement. Triggers an automatic backend downgrade.
	ErrBackendTimeout = errors.New("geofilter: backend timeout")

	// ErrBackendUnavailable indicates a connection or lock failure.
	// Follows the same downgrade path as ErrBackendTimeout.
	ErrBackendUnavailable = errors.New("geofilter: backend unavailable")

	// ErrCapabilityMismatch indicates the layer lacks a capability the
	// requested operation needs (e.g. no usable primary key). Degrades
	// functionality with a warning instead of failing outright.
	ErrCapabilityMismatch = errors.New("geofilter: capability mismatch")

	// ErrCancelled indicates cooperative cancellation. The layer's prior
	// filter state is always left intact.
	ErrCancelled = errors.New("geofilter: cancelled")
)

// Downgradable reports whether the error should trigger an automatic
// backend downgrade and a single retry against a lower-capability backend.
func Downgradable(err error) bool {
	return errors.Is(err, ErrBackendTimeout) || errors.Is(err, ErrBackendUnavailable)
}

// Canonical maps context cancellation to ErrCancelled so callers can
// classify with a single errors.Is check. Other errors pass through.
func Canonical(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrCancelled, err)
	}
	return err
}
