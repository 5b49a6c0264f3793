// Package layer defines the feature-set model the filtering engine
// operates on: provider kinds, locators, primary keys, and the registry
// contract the host application implements.
package layer

import (
	"github.com/paulmach/orb"
)

// ProviderKind identifies the storage engine backing a layer.
type ProviderKind string

const (
	// ProviderPostgres is the networked relational spatial backend (PostGIS).
	ProviderPostgres ProviderKind = "postgres"

	// ProviderDuckDB is the embedded file-based relational backend.
	ProviderDuckDB ProviderKind = "duckdb"

	// ProviderFile is the generic vector-file backend (GeoJSON and friends).
	// Its underlying driver is not safe for concurrent access; executors
	// against it are serialized by the engine.
	ProviderFile ProviderKind = "file"

	// ProviderMemory evaluates predicates over resident features.
	ProviderMemory ProviderKind = "memory"
)

// Valid reports whether k names one of the four supported backends.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderPostgres, ProviderDuckDB, ProviderFile, ProviderMemory:
		return true
	}
	return false
}

// Downgrade returns the next lower-capability backend to retry against
// after a timeout or availability failure, or "" when none remains.
func (k ProviderKind) Downgrade() ProviderKind {
	switch k {
	case ProviderPostgres:
		return ProviderDuckDB
	case ProviderDuckDB:
		return ProviderFile
	}
	return ""
}

// PrimaryKey describes a layer's declared unique row identifier.
type PrimaryKey struct {
	// Name is the column name, preserved verbatim (may require quoting).
	Name string

	// Ordinal is the 0-based column position.
	Ordinal int

	// Type is the backend-native column type.
	Type string

	// Numeric reports whether values are numeric (affects membership
	// filter literals).
	Numeric bool

	// Synthetic is set when the key was degraded to a row-identity
	// column (ctid/rowid) because no declared key was usable.
	Synthetic bool
}

// Locator identifies a layer's data source without holding a live handle.
// Background executors receive a Locator and reconstruct a working handle
// inside their own execution context; live handles never cross an
// execution-context boundary.
type Locator struct {
	// DSN is the connection string for networked backends.
	DSN string

	// Path is the database or vector file path for file-backed backends.
	Path string

	// Schema is the relational schema, if any.
	Schema string

	// Table is the relational table or file collection name.
	Table string
}

// Layer is a named, ordered set of features with a geometry column.
// The engine mutates only Filter and FilterCount (through the Registry);
// everything else is owned by the host.
type Layer struct {
	ID             string
	Name           string
	Provider       ProviderKind
	SRID           int
	GeometryColumn string
	PK             *PrimaryKey
	Locator        Locator

	// FeatureCount is the unfiltered dataset size hint used by the
	// complexity estimator. Zero means unknown.
	FeatureCount int64

	// Filter is the current live filter expression (empty when unfiltered).
	Filter string

	// FilterCount is the match count of the current filter, -1 when unknown.
	FilterCount int64
}

// Feature is a single resident feature, used by the in-memory backend and
// the small-dataset fast path.
type Feature struct {
	ID       string
	Geometry orb.Geometry
	Fields   map[string]any
}
