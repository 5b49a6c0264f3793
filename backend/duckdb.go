package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/layer"
)

// embeddedRetryMax bounds the exponential-backoff retry loop around
// file-lock conflicts on the embedded database.
const embeddedRetryMax = 5

// DuckDBPort executes filters against embedded columnar database files.
// One *sql.DB is kept per database path; the driver serializes writer
// access itself, and transient lock conflicts are retried with backoff.
type DuckDBPort struct {
	dbs *xsync.MapOf[string, *sql.DB]
	seq atomic.Uint64
	tag string
	log *slog.Logger
}

// NewDuckDBPort creates the embedded executor. tag distinguishes this
// session's materialized tables from other processes sharing the file.
func NewDuckDBPort(tag string, logger *slog.Logger) *DuckDBPort {
	if logger == nil {
		logger = slog.Default()
	}
	return &DuckDBPort{
		dbs: xsync.NewMapOf[string, *sql.DB](),
		tag: tag,
		log: logger,
	}
}

func (p *DuckDBPort) Kind() layer.ProviderKind { return layer.ProviderDuckDB }

// db returns the shared handle for a database file, opening and loading
// the spatial extension on first use.
func (p *DuckDBPort) db(path string) (*sql.DB, error) {
	if db, ok := p.dbs.Load(path); ok {
		return db, nil
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", errs.ErrBackendUnavailable, path, err)
	}
	if _, err := db.Exec("INSTALL spatial; LOAD spatial;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: load spatial extension: %v", errs.ErrBackendUnavailable, err)
	}
	actual, loaded := p.dbs.LoadOrStore(path, db)
	if loaded {
		db.Close()
	}
	return actual, nil
}

// withRetry runs fn, retrying on file-lock conflicts with exponential
// backoff and checking the context between attempts.
func (p *DuckDBPort) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < embeddedRetryMax; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return errs.Canonical(cerr)
		}
		if err = fn(); err == nil {
			return nil
		}
		if !isLockError(err) {
			return err
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 50 * time.Millisecond
		p.log.Debug("embedded database locked, retrying", "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return errs.Canonical(ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("%w: embedded database still locked after %d attempts: %v",
		errs.ErrBackendTimeout, embeddedRetryMax, err)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") || strings.Contains(msg, "conflicting")
}

func (p *DuckDBPort) tableRef(lyr *layer.Layer) string {
	return expr.QuoteIdent(lyr.Locator.Table)
}

func (p *DuckDBPort) ApplyFilter(ctx context.Context, lyr *layer.Layer, e *expr.Expression, strategy expr.Strategy) (*FilterResult, error) {
	db, err := p.db(lyr.Locator.Path)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	var res *FilterResult
	switch strategy {
	case expr.StrategyMaterialized:
		res, err = p.applyMaterialized(ctx, db, lyr, e)
	case expr.StrategyTwoPhase:
		res, err = p.applyDirect(ctx, db, lyr, duckTwoPhaseSQL(e))
	case expr.StrategyProgressive:
		res, err = p.applyProgressive(ctx, db, lyr, e)
	default:
		res, err = p.applyDirect(ctx, db, lyr, e.SQL)
		strategy = expr.StrategyDirect
	}
	if err != nil {
		return nil, err
	}
	res.Strategy = strategy
	res.Duration = time.Since(start)
	return res, nil
}

func (p *DuckDBPort) applyDirect(ctx context.Context, db *sql.DB, lyr *layer.Layer, sqlExpr string) (*FilterResult, error) {
	var count int64
	err := p.withRetry(ctx, func() error {
		return db.QueryRowContext(ctx, fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE %s", p.tableRef(lyr), sqlExpr,
		)).Scan(&count)
	})
	if err != nil {
		return nil, err
	}
	return &FilterResult{LayerID: lyr.ID, Expression: sqlExpr, FeatureCount: count}, nil
}

// applyMaterialized snapshots the matched rows into a session-tagged
// table with a spatial index and installs a membership subquery.
func (p *DuckDBPort) applyMaterialized(ctx context.Context, db *sql.DB, lyr *layer.Layer, e *expr.Expression) (*FilterResult, error) {
	if lyr.PK == nil || lyr.PK.Synthetic {
		return nil, fmt.Errorf("%w: layer %q has no usable primary key for a materialized table", errs.ErrCapabilityMismatch, lyr.ID)
	}
	pk := expr.QuoteIdent(lyr.PK.Name)
	name := fmt.Sprintf("%s%s_%d_%016x", viewPrefix, p.tag, p.seq.Add(1), e.Fingerprint())

	err := p.withRetry(ctx, func() error {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(
			"CREATE TABLE %s AS SELECT %s, %s FROM %s WHERE %s",
			name, pk, e.GeometryColumn, p.tableRef(lyr), e.SQL,
		)); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, fmt.Sprintf(
			"CREATE INDEX %s_rt ON %s USING RTREE (%s)", name, name, e.GeometryColumn,
		))
		return err
	})
	if err != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+name)
		return nil, err
	}

	var count int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+name).Scan(&count); err != nil {
		return nil, err
	}
	return &FilterResult{
		LayerID:      lyr.ID,
		Expression:   fmt.Sprintf("%s IN (SELECT %s FROM %s)", pk, pk, name),
		FeatureCount: count,
		View:         name,
	}, nil
}

// applyProgressive streams matched keys in batches through a plain
// result set, polling the context between batches.
func (p *DuckDBPort) applyProgressive(ctx context.Context, db *sql.DB, lyr *layer.Layer, e *expr.Expression) (*FilterResult, error) {
	if lyr.PK == nil || lyr.PK.Synthetic {
		return nil, fmt.Errorf("%w: layer %q has no usable primary key for a progressive scan", errs.ErrCapabilityMismatch, lyr.ID)
	}
	pk := expr.QuoteIdent(lyr.PK.Name)
	var ids []string
	err := p.withRetry(ctx, func() error {
		rows, err := db.QueryContext(ctx, fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s", pk, p.tableRef(lyr), e.SQL,
		))
		if err != nil {
			return err
		}
		defer rows.Close()

		ids = ids[:0]
		n := 0
		for rows.Next() {
			if n++; n%progressiveBatch == 0 {
				if cerr := ctx.Err(); cerr != nil {
					return errs.Canonical(cerr)
				}
			}
			if lyr.PK.Numeric {
				var id int64
				if err := rows.Scan(&id); err != nil {
					return err
				}
				ids = append(ids, strconv.FormatInt(id, 10))
				continue
			}
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return &FilterResult{
		LayerID:      lyr.ID,
		Expression:   MembershipFilter(lyr.PK, ids),
		FeatureCount: int64(len(ids)),
		IDs:          ids,
	}, nil
}

// duckTwoPhaseSQL combines an envelope prefilter with the full predicate.
// The envelope is passed as WKT since the dialect has no SRID-typed
// envelope constructor. Skipped for disjoint sets, where candidates
// outside the box are true matches.
func duckTwoPhaseSQL(e *expr.Expression) string {
	if e.ZeroMatches || e.Ref == nil || e.Set.Contains(expr.PredDisjoint) {
		return e.SQL
	}
	b := e.Ref.Geom.Bound()
	box := fmt.Sprintf(
		"ST_GeomFromText('POLYGON ((%[1]g %[2]g, %[3]g %[2]g, %[3]g %[4]g, %[1]g %[4]g, %[1]g %[2]g))')",
		b.Min[0], b.Min[1], b.Max[0], b.Max[1],
	)
	return fmt.Sprintf("ST_Intersects(%s, %s) AND (%s)", e.GeometryColumn, box, e.SQL)
}

func (p *DuckDBPort) FeatureCount(ctx context.Context, lyr *layer.Layer) (int64, error) {
	db, err := p.db(lyr.Locator.Path)
	if err != nil {
		return 0, err
	}
	q := "SELECT count(*) FROM " + p.tableRef(lyr)
	if lyr.Filter != "" {
		q += " WHERE " + lyr.Filter
	}
	var count int64
	err = p.withRetry(ctx, func() error {
		return db.QueryRowContext(ctx, q).Scan(&count)
	})
	return count, err
}

func (p *DuckDBPort) ExportSubset(ctx context.Context, lyr *layer.Layer, fields []string) (*ExportResult, error) {
	if lyr.PK == nil {
		return nil, fmt.Errorf("%w: layer %q has no key column to export", errs.ErrCapabilityMismatch, lyr.ID)
	}
	db, err := p.db(lyr.Locator.Path)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s, ST_AsWKB(%s) FROM %s",
		exportColumns(lyr, fields), expr.QuoteIdent(lyr.GeometryColumn), p.tableRef(lyr))
	if lyr.Filter != "" {
		q += " WHERE " + lyr.Filter
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	return buildExport(lyr, fields, func() ([]any, bool, error) {
		if !rows.Next() {
			return nil, false, rows.Err()
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, false, err
		}
		return vals, true, nil
	})
}

// Cleanup drops this session's materialized tables in the layer's
// database file.
func (p *DuckDBPort) Cleanup(ctx context.Context, lyr *layer.Layer) error {
	db, ok := p.dbs.Load(lyr.Locator.Path)
	if !ok {
		return nil
	}
	rows, err := db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_name LIKE ?",
		viewPrefix+p.tag+"%")
	if err != nil {
		return err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return err
		}
		names = append(names, n)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, n := range names {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+n); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all open database handles.
func (p *DuckDBPort) Close() error {
	var firstErr error
	p.dbs.Range(func(path string, db *sql.DB) bool {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.dbs.Delete(path)
		return true
	})
	return firstErr
}
