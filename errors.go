package geofilter

import (
	"github.com/hugr-lab/geofilter/errs"
)

// Standard errors returned by the engine. Aliased from the errs package
// so callers can match with errors.Is without importing it.
var (
	// ErrValidation indicates malformed predicate or buffer input,
	// rejected before any backend call.
	ErrValidation = errs.ErrValidation

	// ErrGeometry indicates an invalid or empty geometry after repair.
	// Filters over such geometry compile to zero matches, not a failure.
	ErrGeometry = errs.ErrGeometry

	// ErrBackendTimeout indicates the server cancelled a long-running
	// query. Triggers one automatic backend downgrade and retry.
	ErrBackendTimeout = errs.ErrBackendTimeout

	// ErrBackendUnavailable indicates a connection or lock failure.
	// Same downgrade path as ErrBackendTimeout.
	ErrBackendUnavailable = errs.ErrBackendUnavailable

	// ErrCapabilityMismatch indicates a backend can't run the requested
	// strategy (e.g. no usable primary key). Degrades functionality with
	// a warning rather than failing outright.
	ErrCapabilityMismatch = errs.ErrCapabilityMismatch

	// ErrCancelled indicates cooperative cancellation. Prior filter
	// state is always left intact.
	ErrCancelled = errs.ErrCancelled
)
