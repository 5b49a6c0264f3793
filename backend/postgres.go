package backend

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/layer"
)

// progressiveBatch is the cursor fetch size for the progressive strategy.
const progressiveBatch = 5000

// PostgresPort executes filters against a networked relational store with
// native spatial types. It supports all four strategies.
type PostgresPort struct {
	pool  *Pool
	views *ViewManager
}

// NewPostgresPort wires the executor to a pool and its view manager.
func NewPostgresPort(pool *Pool, views *ViewManager) *PostgresPort {
	return &PostgresPort{pool: pool, views: views}
}

func (p *PostgresPort) Kind() layer.ProviderKind { return layer.ProviderPostgres }

// Views exposes the view manager for lifecycle operations.
func (p *PostgresPort) Views() *ViewManager { return p.views }

func (p *PostgresPort) tableRef(lyr *layer.Layer) string {
	if lyr.Locator.Schema != "" {
		return expr.QuoteIdent(lyr.Locator.Schema) + "." + expr.QuoteIdent(lyr.Locator.Table)
	}
	return expr.QuoteIdent(lyr.Locator.Table)
}

func (p *PostgresPort) ApplyFilter(ctx context.Context, lyr *layer.Layer, e *expr.Expression, strategy expr.Strategy) (*FilterResult, error) {
	start := time.Now()

	var (
		res *FilterResult
		err error
	)
	switch strategy {
	case expr.StrategyMaterialized:
		res, err = p.applyMaterialized(ctx, lyr, e)
	case expr.StrategyTwoPhase:
		res, err = p.applyDirect(ctx, lyr, twoPhaseSQL(e), e)
	case expr.StrategyProgressive:
		res, err = p.applyProgressive(ctx, lyr, e)
	default:
		res, err = p.applyDirect(ctx, lyr, e.SQL, e)
		strategy = expr.StrategyDirect
	}
	if err != nil {
		return nil, Classify(err)
	}
	res.Strategy = strategy
	res.Duration = time.Since(start)
	return res, nil
}

// applyDirect counts the matches of the full expression and installs it
// as the layer filter verbatim.
func (p *PostgresPort) applyDirect(ctx context.Context, lyr *layer.Layer, sql string, e *expr.Expression) (*FilterResult, error) {
	count, err := p.pool.QueryCount(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE %s", p.tableRef(lyr), sql,
	))
	if err != nil {
		return nil, err
	}
	return &FilterResult{
		LayerID:      lyr.ID,
		Expression:   sql,
		FeatureCount: count,
		View:         viewFor(e, p.views),
	}, nil
}

// applyMaterialized creates (or reuses) a view of the matched rows and
// installs a membership subquery against it.
func (p *PostgresPort) applyMaterialized(ctx context.Context, lyr *layer.Layer, e *expr.Expression) (*FilterResult, error) {
	v, err := p.views.CreateOrReuse(ctx, e, lyr, p.tableRef(lyr))
	if err != nil {
		return nil, err
	}
	pk := expr.QuoteIdent(lyr.PK.Name)
	return &FilterResult{
		LayerID:      lyr.ID,
		Expression:   fmt.Sprintf("%s IN (SELECT %s FROM %s)", pk, pk, v.Name),
		FeatureCount: v.Rows,
		View:         v.Name,
	}, nil
}

// applyProgressive streams matches through a server-side cursor in
// batches, checking for cancellation between fetches, and installs a
// membership filter over the collected ids.
func (p *PostgresPort) applyProgressive(ctx context.Context, lyr *layer.Layer, e *expr.Expression) (*FilterResult, error) {
	if lyr.PK == nil || lyr.PK.Synthetic {
		return nil, fmt.Errorf("%w: layer %q has no usable primary key for a progressive scan", errs.ErrCapabilityMismatch, lyr.ID)
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	pk := expr.QuoteIdent(lyr.PK.Name)
	cursor := "gf_cur_" + strconv.FormatInt(time.Now().UnixNano(), 36)
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		"DECLARE %s NO SCROLL CURSOR FOR SELECT %s FROM %s WHERE %s",
		cursor, pk, p.tableRef(lyr), e.SQL,
	)); err != nil {
		return nil, err
	}

	var ids []string
	fetch := fmt.Sprintf("FETCH %d FROM %s", progressiveBatch, cursor)
	for {
		if err := ctx.Err(); err != nil {
			return nil, errs.Canonical(err)
		}
		got, err := fetchIDs(ctx, tx, fetch, lyr.PK.Numeric)
		if err != nil {
			return nil, err
		}
		ids = append(ids, got...)
		if len(got) < progressiveBatch {
			break
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &FilterResult{
		LayerID:      lyr.ID,
		Expression:   MembershipFilter(lyr.PK, ids),
		FeatureCount: int64(len(ids)),
		IDs:          ids,
	}, nil
}

func fetchIDs(ctx context.Context, tx pgx.Tx, fetch string, numeric bool) ([]string, error) {
	rows, err := tx.Query(ctx, fetch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		if numeric {
			var id int64
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, strconv.FormatInt(id, 10))
			continue
		}
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// twoPhaseSQL prepends a bounding-box prefilter to the full predicate in
// one combined expression, letting the planner use the spatial index for
// the cheap phase before the exact tests run. The prefilter is skipped
// when the set contains a disjoint test: candidates outside the box are
// exactly the rows such a test matches.
func twoPhaseSQL(e *expr.Expression) string {
	if e.ZeroMatches || e.Ref == nil || e.Set.Contains(expr.PredDisjoint) {
		return e.SQL
	}
	b := e.Ref.Geom.Bound()
	box := fmt.Sprintf("ST_MakeEnvelope(%g, %g, %g, %g, %d)",
		b.Min[0], b.Min[1], b.Max[0], b.Max[1], e.Ref.SRID)
	return fmt.Sprintf("(%s && %s) AND (%s)", e.GeometryColumn, box, e.SQL)
}

// viewFor reports the already-materialized view reused by an expression,
// if any. Direct applies ride an existing view's fingerprint match but
// never create one.
func viewFor(e *expr.Expression, views *ViewManager) string {
	if views == nil {
		return ""
	}
	if v, ok := views.views.Load(e.Fingerprint()); ok {
		return v.Name
	}
	return ""
}

func (p *PostgresPort) FeatureCount(ctx context.Context, lyr *layer.Layer) (int64, error) {
	q := "SELECT count(*) FROM " + p.tableRef(lyr)
	if lyr.Filter != "" {
		q += " WHERE " + lyr.Filter
	}
	n, err := p.pool.QueryCount(ctx, q)
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

func (p *PostgresPort) ExportSubset(ctx context.Context, lyr *layer.Layer, fields []string) (*ExportResult, error) {
	if lyr.PK == nil {
		return nil, fmt.Errorf("%w: layer %q has no key column to export", errs.ErrCapabilityMismatch, lyr.ID)
	}
	cols := exportColumns(lyr, fields)
	q := fmt.Sprintf("SELECT %s, ST_AsBinary(%s) FROM %s",
		cols, expr.QuoteIdent(lyr.GeometryColumn), p.tableRef(lyr))
	if lyr.Filter != "" {
		q += " WHERE " + lyr.Filter
	}
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, Classify(err)
	}
	defer rows.Close()

	res, err := buildExport(lyr, fields, func() ([]any, bool, error) {
		if !rows.Next() {
			return nil, false, rows.Err()
		}
		vals, err := rows.Values()
		return vals, true, err
	})
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

func (p *PostgresPort) Cleanup(ctx context.Context, lyr *layer.Layer) error {
	if p.views == nil {
		return nil
	}
	return p.views.CleanupLayer(ctx, lyr.ID)
}
