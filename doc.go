// Package geofilter provides an adaptive multi-backend spatial filtering
// engine: it compiles topological predicate sets against a buffered,
// reprojected reference geometry and applies them to layers stored in
// PostGIS, embedded DuckDB files, vector files, or memory.
//
// The engine abstracts the four storage backends behind one executor
// contract, estimates the cost of each candidate expression to pick an
// execution strategy (direct, materialized view, two-phase bounding-box
// narrowing, or progressive cursor streaming), caches prepared geometry
// and query outcomes, and keeps a bounded undo/redo history of applied
// filters with well-defined combination semantics.
//
// # Quick Start
//
//	package main
//
//	import (
//	    "context"
//	    "log"
//
//	    "github.com/paulmach/orb"
//
//	    "github.com/hugr-lab/geofilter"
//	    "github.com/hugr-lab/geofilter/expr"
//	    "github.com/hugr-lab/geofilter/layer"
//	)
//
//	func main() {
//	    ctx := context.Background()
//
//	    reg := layer.NewMapRegistry()
//	    reg.Add(&layer.Layer{
//	        ID:             "parcels",
//	        Provider:       layer.ProviderPostgres,
//	        SRID:           4326,
//	        GeometryColumn: "geom",
//	        PK:             &layer.PrimaryKey{Name: "gid", Numeric: true},
//	        Locator:        layer.Locator{Table: "parcels"},
//	        FeatureCount:   10000,
//	    }, nil)
//
//	    eng, err := geofilter.New(ctx, geofilter.Config{
//	        Registry:    reg,
//	        PostgresDSN: "postgres://localhost/gis",
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer eng.Close(ctx)
//
//	    results, err := eng.ApplyFilter(ctx, &geofilter.Request{
//	        Layers:     []string{"parcels"},
//	        Source:     []orb.Geometry{orb.Point{30.5, 50.4}},
//	        SourceSRID: 4326,
//	        Buffer:     50,
//	        Predicates: expr.PredicateSet{Predicates: []expr.Predicate{expr.PredIntersects}},
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Printf("%s: %d features match via %s",
//	        results[0].LayerID, results[0].FeatureCount, results[0].Strategy)
//	}
//
// Every apply attempt is revert-safe: executors compute results without
// mutating layer state, and the engine writes them back only on success.
// Backend timeouts and unavailability downgrade automatically
// (postgres → duckdb → file) with one retry before surfacing.
package geofilter
