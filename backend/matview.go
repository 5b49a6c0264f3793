package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/internal/recovery"
	"github.com/hugr-lab/geofilter/layer"
)

const (
	viewPrefix    = "gf_mv_"
	sessionsTable = "gf_sessions"
)

// View is a named, indexed, server-side cached result set. Its name is
// reproducible from the owning session and the backing expression's
// fingerprint, so cleanup can target one session's views, orphans, or all
// views independently.
type View struct {
	Name        string
	Expression  string
	Fingerprint uint64
	LayerID     string
	Rows        int64
	SessionID   uuid.UUID
	CreatedAt   time.Time
	RefreshedAt time.Time

	// Large is set when the view got the bbox column and covering index.
	Large bool

	table string // source table reference
	pk    string // quoted primary key column
	geom  string // quoted geometry column
}

// ViewConfig tunes the materialized view lifecycle.
type ViewConfig struct {
	// LargeRows is the row count above which views get a precomputed
	// bounding-box column with its own index and a covering primary-key
	// index. Default: 100000.
	LargeRows int64

	// ClusterMinRows / ClusterMaxRows bound the medium-size band that is
	// physically reordered in the background. Above the ceiling the
	// reordering cost exceeds its benefit and is skipped. Defaults:
	// 50000 / 2000000.
	ClusterMinRows int64
	ClusterMaxRows int64

	// OrphanTTL is how stale a session heartbeat must be before its
	// views are considered orphaned. Default: 1h.
	OrphanTTL time.Duration

	// Logger for lifecycle events. OPTIONAL: slog.Default() when nil.
	Logger *slog.Logger
}

func (c *ViewConfig) withDefaults() {
	if c.LargeRows <= 0 {
		c.LargeRows = 100000
	}
	if c.ClusterMinRows <= 0 {
		c.ClusterMinRows = 50000
	}
	if c.ClusterMaxRows <= 0 {
		c.ClusterMaxRows = 2000000
	}
	if c.OrphanTTL <= 0 {
		c.OrphanTTL = time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ViewManager creates, indexes, refreshes, and garbage-collects
// materialized result tables for the networked-relational backend.
type ViewManager struct {
	pool    *Pool
	session uuid.UUID
	seq     atomic.Uint64
	views   *xsync.MapOf[uint64, *View]
	cfg     ViewConfig
	log     *slog.Logger
}

// NewViewManager creates a manager owning views for one session.
func NewViewManager(pool *Pool, session uuid.UUID, cfg ViewConfig) *ViewManager {
	cfg.withDefaults()
	return &ViewManager{
		pool:    pool,
		session: session,
		views:   xsync.NewMapOf[uint64, *View](),
		cfg:     cfg,
		log:     cfg.Logger,
	}
}

// Session returns the owning session id.
func (m *ViewManager) Session() uuid.UUID { return m.session }

// sessionTag is the 8-hex-char session prefix embedded in view names.
func sessionTag(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}

// viewName derives the deterministic name: session tag, monotonic
// counter, expression fingerprint. The fingerprint segment makes the name
// reproducible from the backing expression.
func (m *ViewManager) viewName(seq uint64, fp uint64) string {
	return fmt.Sprintf("%s%s_%d_%016x", viewPrefix, sessionTag(m.session), seq, fp)
}

// EnsureSession creates the session registry table if needed and records
// this session as live.
func (m *ViewManager) EnsureSession(ctx context.Context) error {
	if err := m.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+sessionsTable+` (
		id uuid PRIMARY KEY,
		started_at timestamptz NOT NULL DEFAULT now(),
		heartbeat_at timestamptz NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("ensure session table: %w", err)
	}
	return m.Heartbeat(ctx)
}

// Heartbeat marks the session live. Call periodically; orphan sweeps use
// the heartbeat age.
func (m *ViewManager) Heartbeat(ctx context.Context) error {
	return m.pool.Exec(ctx, `INSERT INTO `+sessionsTable+` (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET heartbeat_at = now()`, m.session)
}

// CreateOrReuse returns the view backing the expression, creating and
// indexing it when this session hasn't materialized it yet.
func (m *ViewManager) CreateOrReuse(ctx context.Context, e *expr.Expression, lyr *layer.Layer, table string) (*View, error) {
	if lyr.PK == nil || lyr.PK.Synthetic {
		return nil, fmt.Errorf("%w: layer %q has no usable primary key for a materialized view", errs.ErrCapabilityMismatch, lyr.ID)
	}

	fp := e.Fingerprint()
	if v, ok := m.views.Load(fp); ok {
		return v, nil
	}

	v := &View{
		Name:        m.viewName(m.seq.Add(1), fp),
		Expression:  e.SQL,
		Fingerprint: fp,
		LayerID:     lyr.ID,
		SessionID:   m.session,
		CreatedAt:   time.Now(),
		table:       table,
		pk:          expr.QuoteIdent(lyr.PK.Name),
		geom:        e.GeometryColumn,
	}

	if err := m.materialize(ctx, v); err != nil {
		// Best-effort drop of a partially built view; the original
		// filter state is untouched either way.
		_ = m.pool.Exec(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+v.Name)
		return nil, err
	}

	m.views.Store(fp, v)
	return v, nil
}

func (m *ViewManager) materialize(ctx context.Context, v *View) error {
	create := fmt.Sprintf(
		"CREATE UNLOGGED TABLE %s AS SELECT %s, %s FROM %s WHERE %s",
		v.Name, v.pk, v.geom, v.table, v.Expression,
	)
	if err := m.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("materialize view %s: %w", v.Name, err)
	}

	geomIdx := v.Name + "_geom_idx"
	if err := m.pool.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX %s ON %s USING GIST (%s)", geomIdx, v.Name, v.geom,
	)); err != nil {
		return fmt.Errorf("index view %s: %w", v.Name, err)
	}

	rows, err := m.pool.QueryCount(ctx, "SELECT count(*) FROM "+v.Name)
	if err != nil {
		return fmt.Errorf("count view %s: %w", v.Name, err)
	}
	v.Rows = rows
	v.RefreshedAt = time.Now()

	if rows >= m.cfg.LargeRows {
		if err := m.addLargeViewIndexes(ctx, v); err != nil {
			return err
		}
		v.Large = true
	}

	if rows >= m.cfg.ClusterMinRows && rows < m.cfg.ClusterMaxRows {
		// Physical reordering pays off for the medium band only; it runs
		// in the background so the apply path doesn't wait on it.
		bg := context.WithoutCancel(ctx)
		go recovery.Recover(m.log, "cluster view "+v.Name, func() {
			if err := m.pool.Exec(bg, fmt.Sprintf("CLUSTER %s USING %s", v.Name, geomIdx)); err != nil {
				m.log.Warn("view clustering failed", "view", v.Name, "error", err)
			}
		})
	}

	m.log.Info("materialized view created", "view", v.Name, "rows", rows, "layer", v.LayerID)
	return nil
}

// addLargeViewIndexes adds the precomputed bbox column with its index and
// a covering index so membership lookups avoid a second heap fetch.
func (m *ViewManager) addLargeViewIndexes(ctx context.Context, v *View) error {
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN bbox geometry", v.Name),
		fmt.Sprintf("UPDATE %s SET bbox = ST_Envelope(%s)", v.Name, v.geom),
		fmt.Sprintf("CREATE INDEX %s_bbox_idx ON %s USING GIST (bbox)", v.Name, v.Name),
		fmt.Sprintf("CREATE INDEX %s_pk_idx ON %s (%s) INCLUDE (bbox)", v.Name, v.Name, v.pk),
	}
	for _, s := range stmts {
		if err := m.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("large-view indexes for %s: %w", v.Name, err)
		}
	}
	return nil
}

// Refresh re-evaluates the view's backing expression in place.
func (m *ViewManager) Refresh(ctx context.Context, v *View) error {
	if err := m.pool.Exec(ctx, "TRUNCATE "+v.Name); err != nil {
		return fmt.Errorf("refresh view %s: %w", v.Name, err)
	}
	insert := fmt.Sprintf(
		"INSERT INTO %s SELECT %s, %s FROM %s WHERE %s",
		v.Name, v.pk, v.geom, v.table, v.Expression,
	)
	if err := m.pool.Exec(ctx, insert); err != nil {
		return fmt.Errorf("refresh view %s: %w", v.Name, err)
	}
	if v.Large {
		if err := m.pool.Exec(ctx, fmt.Sprintf("UPDATE %s SET bbox = ST_Envelope(%s)", v.Name, v.geom)); err != nil {
			return fmt.Errorf("refresh view %s: %w", v.Name, err)
		}
	}
	rows, err := m.pool.QueryCount(ctx, "SELECT count(*) FROM "+v.Name)
	if err != nil {
		return err
	}
	v.Rows = rows
	v.RefreshedAt = time.Now()
	return nil
}

// CleanupLayer drops this session's views backing a specific layer.
func (m *ViewManager) CleanupLayer(ctx context.Context, layerID string) error {
	var firstErr error
	m.views.Range(func(fp uint64, v *View) bool {
		if v.LayerID != layerID {
			return true
		}
		if err := m.pool.Exec(ctx, "DROP TABLE IF EXISTS "+v.Name); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return true
		}
		m.views.Delete(fp)
		return true
	})
	return firstErr
}

// CleanupSession drops all of this session's views and unregisters the
// session.
func (m *ViewManager) CleanupSession(ctx context.Context) error {
	var firstErr error
	m.views.Range(func(fp uint64, v *View) bool {
		if err := m.pool.Exec(ctx, "DROP TABLE IF EXISTS "+v.Name); err != nil && firstErr == nil {
			firstErr = err
		}
		m.views.Delete(fp)
		return true
	})
	if err := m.pool.Exec(ctx, "DELETE FROM "+sessionsTable+" WHERE id = $1", m.session); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// CleanupOrphans drops views whose owning session's heartbeat is stale.
// inUse guards views still referenced by a live layer filter: those are
// never dropped, regardless of session liveness.
func (m *ViewManager) CleanupOrphans(ctx context.Context, inUse func(viewName string) bool) (int, error) {
	live, err := m.liveSessionTags(ctx)
	if err != nil {
		return 0, err
	}
	names, err := m.listViewTables(ctx)
	if err != nil {
		return 0, err
	}

	dropped := 0
	for _, name := range names {
		tag := strings.TrimPrefix(name, viewPrefix)
		if i := strings.IndexByte(tag, '_'); i > 0 {
			tag = tag[:i]
		}
		if live[tag] {
			continue
		}
		if inUse != nil && inUse(name) {
			continue
		}
		if err := m.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return dropped, fmt.Errorf("drop orphan view %s: %w", name, err)
		}
		dropped++
	}
	if dropped > 0 {
		m.log.Info("orphaned views reclaimed", "count", dropped)
	}
	// Expire dead session rows too.
	_ = m.pool.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE heartbeat_at < now() - interval '%d seconds'",
		sessionsTable, int(m.cfg.OrphanTTL.Seconds()),
	))
	return dropped, nil
}

// CleanupAll drops every view regardless of session, except those still
// referenced by a live layer filter.
func (m *ViewManager) CleanupAll(ctx context.Context, inUse func(viewName string) bool) (int, error) {
	names, err := m.listViewTables(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, name := range names {
		if inUse != nil && inUse(name) {
			continue
		}
		if err := m.pool.Exec(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			return dropped, fmt.Errorf("drop view %s: %w", name, err)
		}
		dropped++
	}
	m.views.Range(func(fp uint64, v *View) bool {
		if inUse == nil || !inUse(v.Name) {
			m.views.Delete(fp)
		}
		return true
	})
	return dropped, nil
}

func (m *ViewManager) liveSessionTags(ctx context.Context) (map[string]bool, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(
		"SELECT id FROM %s WHERE heartbeat_at >= now() - interval '%d seconds'",
		sessionsTable, int(m.cfg.OrphanTTL.Seconds()),
	))
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	defer rows.Close()

	live := make(map[string]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		live[sessionTag(id)] = true
	}
	return live, rows.Err()
}

func (m *ViewManager) listViewTables(ctx context.Context) ([]string, error) {
	rows, err := m.pool.Query(ctx,
		"SELECT tablename FROM pg_tables WHERE tablename LIKE $1", viewPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
