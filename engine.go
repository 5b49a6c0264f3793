package geofilter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/hugr-lab/geofilter/backend"
	"github.com/hugr-lab/geofilter/cache"
	"github.com/hugr-lab/geofilter/errs"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/history"
	"github.com/hugr-lab/geofilter/internal/recovery"
	"github.com/hugr-lab/geofilter/layer"
)

// State names a stage of the per-layer apply pipeline.
type State string

const (
	StateIdle            State = "idle"
	StatePreparing       State = "preparing"
	StateBackendSelected State = "backend_selected"
	StateEstimating      State = "estimating"
	StateExecuting       State = "executing"
	StateApplied         State = "applied"
	StateFailed          State = "failed"
)

// Scope selects which history family undo/redo operates on.
type Scope string

const (
	ScopeLayer  Scope = "layer"
	ScopeGlobal Scope = "global"
)

// CleanupScope selects which materialized views a cleanup reclaims.
type CleanupScope string

const (
	CleanupSession CleanupScope = "session"
	CleanupOrphans CleanupScope = "orphans"
	CleanupAll     CleanupScope = "all"
)

// Request is one filter operation against one or more target layers.
type Request struct {
	// Layers are the target layer ids. More than one puts the operation
	// in global-history mode: the filters apply and undo atomically.
	Layers []string

	// Source are the reference geometries, SourceSRID their CRS.
	Source     []orb.Geometry
	SourceSRID int

	// SourceIDs, when the selection is stable, identify the source for
	// geometry-cache keying; geometry content is hashed otherwise.
	SourceIDs []string

	// Predicates is the topological predicate set to apply.
	Predicates expr.PredicateSet

	// Buffer is the signed buffer distance in working-CRS units;
	// CapStyle shapes positive dilation ends.
	Buffer   float64
	CapStyle geometry.CapStyle

	// Combine merges the result with a layer's pre-existing filter.
	// Empty means AND, so successive operations intersect prior work.
	Combine expr.CombineOp

	// Backend forces a specific executor, skipping automatic selection.
	Backend layer.ProviderKind

	// Strategy overrides the estimator's recommendation.
	Strategy expr.Strategy

	// RepresentativePoints reduces each feature to its interior
	// representative point before the predicate test.
	RepresentativePoints bool
}

// Result is the per-layer outcome of a successful apply.
type Result struct {
	LayerID      string
	Expression   string
	FeatureCount int64
	Backend      layer.ProviderKind
	Strategy     expr.Strategy
	Score        int

	// View names the materialized view backing the filter, if any.
	View string

	// Downgraded is set when the primary backend failed and a
	// lower-capability one produced the result.
	Downgraded bool

	// FromCache is set when the query cache served the outcome.
	FromCache bool

	State    State
	Duration time.Duration
}

// committer is implemented by executors that keep per-layer membership
// state; the engine commits it only after an apply succeeds end to end.
type committer interface {
	Commit(layerID string, ids []string)
}

// layerLister is optionally implemented by registries that can enumerate
// layers; cleanup uses it to protect views still referenced by a live
// filter.
type layerLister interface {
	Layers() []*layer.Layer
}

// Engine is the filter orchestrator: it prepares reference geometry,
// selects a backend and strategy, executes through the backend ports,
// and maintains filter history and the two caches.
type Engine struct {
	cfg      Config
	log      *slog.Logger
	registry layer.Registry
	session  uuid.UUID

	ports map[layer.ProviderKind]backend.Port
	pool  *backend.Pool
	views *backend.ViewManager

	geoms   *cache.GeometryCache
	queries *cache.QueryCache
	hist    *history.Manager

	locks  *xsync.MapOf[string, *sync.Mutex]
	lastFP *xsync.MapOf[string, uint64]
	epochs *xsync.MapOf[string, uint64]

	mu     sync.Mutex
	closed bool
}

// New creates an Engine. The context bounds startup work (pool ping,
// session registration).
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: registry is required", errs.ErrValidation)
	}
	cfg.withDefaults()

	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: cfg.Registry,
		session:  uuid.New(),
		ports:    make(map[layer.ProviderKind]backend.Port),
		geoms:    cache.NewGeometryCache(cfg.GeometryCacheSize, cfg.CacheTTL),
		hist:     history.NewManager(cfg.HistoryDepth),
		locks:    xsync.NewMapOf[string, *sync.Mutex](),
		lastFP:   xsync.NewMapOf[string, uint64](),
		epochs:   xsync.NewMapOf[string, uint64](),
	}

	codec, err := cache.NewCodec(cfg.CacheCompressMin)
	if err != nil {
		return nil, err
	}
	e.queries, err = cache.NewQueryCache(cfg.QueryCacheSize, cfg.CacheTTL, codec)
	if err != nil {
		return nil, err
	}

	tag := strings.ReplaceAll(e.session.String(), "-", "")[:8]
	e.ports[layer.ProviderMemory] = backend.NewMemoryPort(cfg.Registry)
	e.ports[layer.ProviderFile] = backend.NewFilePort(cfg.FileStreamThreshold)
	e.ports[layer.ProviderDuckDB] = backend.NewDuckDBPort(tag, e.log)

	if cfg.PostgresDSN != "" {
		pcfg := cfg.Pool
		pcfg.DSN = cfg.PostgresDSN
		if pcfg.Logger == nil {
			pcfg.Logger = e.log
		}
		e.pool, err = backend.NewPool(ctx, pcfg)
		if err != nil {
			return nil, err
		}
		vcfg := cfg.View
		if vcfg.Logger == nil {
			vcfg.Logger = e.log
		}
		e.views = backend.NewViewManager(e.pool, e.session, vcfg)
		e.ports[layer.ProviderPostgres] = backend.NewPostgresPort(e.pool, e.views)

		if err := e.views.EnsureSession(ctx); err != nil {
			e.log.Warn("session registration failed", "error", err)
		}
		// Reclaim views left behind by dead sessions.
		bg := context.WithoutCancel(ctx)
		go recovery.Recover(e.log, "startup orphan sweep", func() {
			if n, err := e.views.CleanupOrphans(bg, e.viewInUse); err != nil {
				e.log.Warn("orphan sweep failed", "error", err)
			} else if n > 0 {
				ViewsReclaimed.Add(float64(n))
			}
		})
	}

	for kind, port := range cfg.Ports {
		e.ports[kind] = port
	}

	if cfg.Metrics != nil {
		if err := RegisterMetrics(cfg.Metrics); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Session returns the engine's session id; materialized view names embed
// it.
func (e *Engine) Session() uuid.UUID { return e.session }

// History exposes the history manager for depth inspection.
func (e *Engine) History() *history.Manager { return e.hist }

func (e *Engine) lockFor(layerID string) *sync.Mutex {
	mu, _ := e.locks.LoadOrStore(layerID, &sync.Mutex{})
	return mu
}

func (e *Engine) epoch(layerID string) uint64 {
	v, _ := e.epochs.Load(layerID)
	return v
}

// InvalidateLayer must be called when a layer's underlying data changes;
// it excludes the layer's stale cache entries from future hits.
func (e *Engine) InvalidateLayer(layerID string) {
	v, _ := e.epochs.Load(layerID)
	e.epochs.Store(layerID, v+1)
}

func (e *Engine) warn(layerID, msg string) {
	if e.cfg.Feedback != nil {
		e.cfg.Feedback.Warn(layerID, msg)
	}
	e.log.Warn(msg, "layer", layerID)
}

// viewInUse reports whether any registered layer's live filter still
// references the view. Registries that can't enumerate layers protect
// nothing beyond session liveness.
func (e *Engine) viewInUse(name string) bool {
	lister, ok := e.registry.(layerLister)
	if !ok {
		return false
	}
	for _, l := range lister.Layers() {
		if l.Filter != "" && strings.Contains(l.Filter, name) {
			return true
		}
	}
	return false
}

// ApplyFilter runs one filter operation. With a single target layer the
// outcome lands on that layer's history stack; with several, all layers
// apply or none do, and the combined state lands on the global stack.
func (e *Engine) ApplyFilter(ctx context.Context, req *Request) ([]Result, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if len(req.Layers) == 0 {
		return nil, fmt.Errorf("%w: no target layers", errs.ErrValidation)
	}
	if err := req.Predicates.Validate(); err != nil {
		return nil, err
	}

	ref, err := e.prepareReference(ctx, req)
	if err != nil {
		return nil, err
	}

	// One operation per layer at a time; lock in sorted order so
	// overlapping multi-layer requests can't deadlock.
	ids := dedupeSorted(req.Layers)
	for _, id := range ids {
		mu := e.lockFor(id)
		mu.Lock()
		defer mu.Unlock()
	}

	outcomes := make([]*layerOutcome, len(req.Layers))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range req.Layers {
		g.Go(func() error {
			out, err := e.computeLayer(gctx, id, ref, req)
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Nothing was committed: every layer's prior filter is intact.
		return nil, err
	}

	// Commit phase. All executions succeeded, so write-back is local
	// and cannot fail halfway through a backend.
	now := time.Now()
	results := make([]Result, 0, len(outcomes))
	states := make([]history.FilterState, 0, len(outcomes))
	for _, out := range outcomes {
		if !out.noop {
			if err := e.commitLayer(out, now); err != nil {
				return nil, err
			}
		}
		states = append(states, out.state(now))
		results = append(results, out.result())
	}

	if len(req.Layers) > 1 {
		e.hist.PushGlobal(history.GlobalFilterState{
			Source:     states[0],
			Dependents: states[1:],
			Timestamp:  now,
		})
	} else if !outcomes[0].noop {
		e.hist.Push(states[0].LayerID, states[0])
	}
	return results, nil
}

// layerOutcome is the computed-but-uncommitted result for one layer.
type layerOutcome struct {
	lyr        *layer.Layer
	res        *backend.FilterResult
	expr       *expr.Expression
	kind       layer.ProviderKind
	strategy   expr.Strategy
	score      int
	downgraded bool
	fromCache  bool
	fastPath   bool
	noop       bool
	qkey       cache.QueryKey
	reqFP      uint64
	duration   time.Duration
}

func (o *layerOutcome) state(now time.Time) history.FilterState {
	return history.FilterState{
		LayerID:      o.lyr.ID,
		Expression:   o.res.Expression,
		FeatureCount: o.res.FeatureCount,
		IDs:          o.res.IDs,
		Timestamp:    now,
	}
}

func (o *layerOutcome) result() Result {
	return Result{
		LayerID:      o.lyr.ID,
		Expression:   o.res.Expression,
		FeatureCount: o.res.FeatureCount,
		Backend:      o.kind,
		Strategy:     o.strategy,
		Score:        o.score,
		View:         o.res.View,
		Downgraded:   o.downgraded,
		FromCache:    o.fromCache,
		State:        StateApplied,
		Duration:     o.duration,
	}
}

// prepareReference resolves the reference geometry through the geometry
// cache.
func (e *Engine) prepareReference(ctx context.Context, req *Request) (*geometry.Reference, error) {
	var srcHash uint64
	if len(req.SourceIDs) > 0 {
		h := xxhash.New()
		for _, id := range req.SourceIDs {
			_, _ = h.WriteString(id)
			_, _ = h.WriteString("|")
		}
		srcHash = h.Sum64()
	} else {
		srcHash = geometry.HashGeometries(req.Source)
	}
	key := cache.GeometryKey{
		SourceHash: srcHash,
		Buffer:     req.Buffer,
		SRID:       req.SourceSRID,
		CapStyle:   req.CapStyle,
	}
	if ref, ok := e.geoms.Get(key); ok {
		CacheLookups.WithLabelValues("geometry", "hit").Inc()
		return ref, nil
	}
	CacheLookups.WithLabelValues("geometry", "miss").Inc()

	opts := e.cfg.Geometry
	opts.Buffer = req.Buffer
	opts.CapStyle = req.CapStyle
	ref, err := geometry.Prepare(ctx, req.Source, req.SourceSRID, opts)
	if err != nil {
		return nil, err
	}
	e.geoms.Put(key, ref)
	return ref, nil
}

// computeLayer runs the per-layer pipeline up to (but not including)
// write-back: select backend, build, estimate, execute.
func (e *Engine) computeLayer(ctx context.Context, layerID string, ref *geometry.Reference, req *Request) (*layerOutcome, error) {
	start := time.Now()
	lyr, err := e.registry.Layer(layerID)
	if err != nil {
		return nil, err
	}
	e.transition(layerID, StateIdle, StatePreparing)

	kind, fastPath, err := e.selectBackend(ctx, req, lyr)
	if err != nil {
		return nil, err
	}
	e.transition(layerID, StatePreparing, StateBackendSelected)

	ex, err := e.buildExpression(kind, fastPath, ref, lyr, req)
	if err != nil {
		return nil, err
	}

	// Re-applying the identical request to an unchanged filter is a
	// no-op: same expression, same count, no new history entry.
	reqFP := requestFingerprint(req, ref, kind)
	if last, ok := e.lastFP.Load(layerID); ok && last == reqFP && lyr.Filter != "" {
		return &layerOutcome{
			lyr:      lyr,
			res:      &backend.FilterResult{LayerID: layerID, Expression: lyr.Filter, FeatureCount: lyr.FilterCount},
			expr:     ex,
			kind:     kind,
			strategy: expr.StrategyDirect,
			noop:     true,
			reqFP:    reqFP,
			duration: time.Since(start),
		}, nil
	}

	e.transition(layerID, StateBackendSelected, StateEstimating)
	score := expr.Estimate(ex, lyr.FeatureCount, e.cfg.Weights, e.cfg.Thresholds)
	strategy := score.Strategy
	if req.Strategy != "" {
		strategy = req.Strategy
	}
	if fastPath || kind == layer.ProviderMemory || kind == layer.ProviderFile {
		// In-process evaluation has no server-side strategies.
		strategy = expr.StrategyDirect
	}

	qkey := cache.QueryKey{
		LayerID:      layerID,
		SetHash:      req.Predicates.Fingerprint(),
		Buffer:       req.Buffer,
		GeometryHash: ref.Fingerprint(),
		Backend:      kind,
		Combine:      string(req.Combine),
		Existing:     lyr.Filter,
		RepresentPts: req.RepresentativePoints,
		DatasetEpoch: e.epoch(layerID),
	}
	if v, ok := e.queries.Get(qkey); ok && v.Expression != "" {
		CacheLookups.WithLabelValues("query", "hit").Inc()
		return &layerOutcome{
			lyr:       lyr,
			res:       &backend.FilterResult{LayerID: layerID, Expression: v.Expression, FeatureCount: v.Count, IDs: v.IDs},
			expr:      ex,
			kind:      kind,
			strategy:  strategy,
			score:     score.Value,
			fromCache: true,
			fastPath:  fastPath,
			qkey:      qkey,
			reqFP:     reqFP,
			duration:  time.Since(start),
		}, nil
	}
	CacheLookups.WithLabelValues("query", "miss").Inc()

	e.transition(layerID, StateEstimating, StateExecuting)
	res, kind, downgraded, err := e.execute(ctx, lyr, ex, kind, strategy, fastPath, req)
	if err != nil {
		e.transition(layerID, StateExecuting, StateFailed)
		FilterApplies.WithLabelValues(string(kind), string(strategy), "failed").Inc()
		return nil, err
	}
	e.transition(layerID, StateExecuting, StateApplied)

	// The cached expression is rendered in the executing backend's
	// dialect; a downgraded result must not replay under the primary's
	// key once the primary recovers.
	qkey.Backend = kind

	return &layerOutcome{
		lyr:        lyr,
		res:        res,
		expr:       ex,
		kind:       kind,
		strategy:   res.Strategy,
		score:      score.Value,
		downgraded: downgraded,
		fastPath:   fastPath,
		qkey:       qkey,
		reqFP:      reqFP,
		duration:   time.Since(start),
	}, nil
}

// selectBackend picks the executor: forced override first, then the
// layer's provider, with the small-dataset fast path routing other
// providers' layers through in-memory evaluation.
func (e *Engine) selectBackend(ctx context.Context, req *Request, lyr *layer.Layer) (layer.ProviderKind, bool, error) {
	if req.Backend != "" {
		if !req.Backend.Valid() {
			return "", false, fmt.Errorf("%w: unknown backend %q", errs.ErrValidation, req.Backend)
		}
		if _, ok := e.ports[req.Backend]; !ok {
			return "", false, fmt.Errorf("%w: backend %q is not configured", errs.ErrBackendUnavailable, req.Backend)
		}
		return req.Backend, false, nil
	}

	kind := lyr.Provider
	if !kind.Valid() {
		return "", false, fmt.Errorf("%w: layer %q has unknown provider %q", errs.ErrValidation, lyr.ID, kind)
	}
	if kind != layer.ProviderMemory &&
		e.cfg.MemoryFastPathRows > 0 &&
		lyr.FeatureCount > 0 && lyr.FeatureCount <= e.cfg.MemoryFastPathRows {
		if _, err := e.registry.Features(ctx, lyr.ID); err == nil {
			return kind, true, nil
		}
	}
	if _, ok := e.ports[kind]; !ok {
		// Provider not configured (e.g. no postgres DSN); start the
		// downgrade chain immediately.
		for next := kind.Downgrade(); next != ""; next = next.Downgrade() {
			if _, ok := e.ports[next]; ok {
				e.warn(lyr.ID, fmt.Sprintf("backend %s is not configured, using %s", kind, next))
				return next, false, nil
			}
		}
		return "", false, fmt.Errorf("%w: no executor for provider %q", errs.ErrBackendUnavailable, kind)
	}
	return kind, false, nil
}

// buildExpression compiles the request for the chosen backend. The fast
// path compiles a predicate tree with no embedded pre-existing filter;
// the membership push-back combines with it afterwards.
func (e *Engine) buildExpression(kind layer.ProviderKind, fastPath bool, ref *geometry.Reference, lyr *layer.Layer, req *Request) (*expr.Expression, error) {
	buildKind := kind
	existing := lyr.Filter
	if fastPath {
		buildKind = layer.ProviderMemory
		existing = ""
	}
	b, err := expr.ForBackend(buildKind)
	if err != nil {
		return nil, err
	}
	switch bb := b.(type) {
	case *expr.SQLBuilder:
		bb.RepresentativePoints = req.RepresentativePoints
	case *expr.TreeBuilder:
		bb.RepresentativePoints = req.RepresentativePoints
	}
	return b.Build(req.Predicates, ref, lyr, existing, req.Combine)
}

// execute invokes the executor, degrading gracefully: a capability
// mismatch retries cheaper strategies on the same backend, a timeout or
// unavailability downgrades the backend once and retries.
func (e *Engine) execute(ctx context.Context, lyr *layer.Layer, ex *expr.Expression, kind layer.ProviderKind, strategy expr.Strategy, fastPath bool, req *Request) (*backend.FilterResult, layer.ProviderKind, bool, error) {
	if fastPath {
		res, err := e.executeFastPath(ctx, lyr, ex, req)
		return res, kind, false, err
	}

	port := e.ports[kind]
	res, err := port.ApplyFilter(ctx, lyr, ex, strategy)
	if err == nil {
		e.observe(kind, res.Strategy, res.Duration)
		if res.View != "" {
			ViewsCreated.Inc()
		}
		return res, kind, false, nil
	}

	if errors.Is(err, errs.ErrCapabilityMismatch) && strategy != expr.StrategyDirect {
		e.warn(lyr.ID, fmt.Sprintf("layer %s: %v, falling back to direct execution", lyr.ID, err))
		res, err = port.ApplyFilter(ctx, lyr, ex, expr.StrategyDirect)
		if err == nil {
			e.observe(kind, res.Strategy, res.Duration)
			return res, kind, false, nil
		}
	}

	if !errs.Downgradable(err) {
		return nil, kind, false, err
	}

	// Downgrade and retry once; the prior filter is untouched either
	// way because executors never mutate layer state.
	for next := kind.Downgrade(); next != ""; next = next.Downgrade() {
		nextPort, ok := e.ports[next]
		if !ok {
			continue
		}
		e.warn(lyr.ID, fmt.Sprintf("backend %s failed (%v), retrying on %s", kind, err, next))
		BackendDowngrades.WithLabelValues(string(kind), string(next)).Inc()

		nex, berr := e.buildExpression(next, false, ex.Ref, lyr, req)
		if berr != nil {
			return nil, next, true, berr
		}
		res, rerr := nextPort.ApplyFilter(ctx, lyr, nex, expr.StrategyDirect)
		if rerr != nil {
			return nil, next, true, rerr
		}
		e.observe(next, res.Strategy, res.Duration)
		return res, next, true, nil
	}
	return nil, kind, false, err
}

// executeFastPath filters resident features in memory and pushes the id
// set back as a membership filter on the original layer. The predicate
// tree is compiled without the prior filter, so its matches cover the
// whole resident set and must be folded into the committed set here.
func (e *Engine) executeFastPath(ctx context.Context, lyr *layer.Layer, ex *expr.Expression, req *Request) (*backend.FilterResult, error) {
	port := e.ports[layer.ProviderMemory]
	res, err := port.ApplyFilter(ctx, lyr, ex, expr.StrategyDirect)
	if err != nil {
		return nil, err
	}
	if lyr.PK == nil {
		return nil, fmt.Errorf("%w: layer %q has no primary key for membership push-back", errs.ErrCapabilityMismatch, lyr.ID)
	}
	membership := backend.MembershipFilter(lyr.PK, res.IDs)
	if lyr.Filter != "" {
		mp, ok := port.(*backend.MemoryPort)
		if !ok {
			return nil, fmt.Errorf("%w: fast path needs the in-memory executor", errs.ErrCapabilityMismatch)
		}
		res.IDs = backend.CombineIDs(mp.Matched(lyr.ID), res.IDs, req.Combine)
		res.FeatureCount = int64(len(res.IDs))
	}
	res.Expression = expr.Combine(lyr.Filter, membership, req.Combine)
	e.observe(layer.ProviderMemory, res.Strategy, res.Duration)
	return res, nil
}

func (e *Engine) observe(kind layer.ProviderKind, strategy expr.Strategy, d time.Duration) {
	FilterApplies.WithLabelValues(string(kind), string(strategy), "applied").Inc()
	FilterApplyDuration.WithLabelValues(string(kind), string(strategy)).Observe(d.Seconds())
}

// commitLayer writes a computed outcome back: registry filter state,
// executor membership state, caches, idempotence note.
func (e *Engine) commitLayer(out *layerOutcome, _ time.Time) error {
	if err := e.registry.SetFilter(out.lyr.ID, out.res.Expression, out.res.FeatureCount); err != nil {
		return err
	}
	if c, ok := e.ports[out.kind].(committer); ok {
		c.Commit(out.lyr.ID, out.res.IDs)
	}
	// Fast-path layers keep their membership set on the in-memory
	// executor so the next fast-path apply can combine against it.
	if out.fastPath && out.kind != layer.ProviderMemory {
		if c, ok := e.ports[layer.ProviderMemory].(committer); ok {
			c.Commit(out.lyr.ID, out.res.IDs)
		}
	}
	if !out.fromCache {
		e.queries.Put(out.qkey, &cache.QueryValue{
			Count:      out.res.FeatureCount,
			IDs:        out.res.IDs,
			Expression: out.res.Expression,
		})
	}
	e.lastFP.Store(out.lyr.ID, out.reqFP)
	return nil
}

// requestFingerprint identifies a request's effect on one layer for the
// idempotence short-circuit.
func requestFingerprint(req *Request, ref *geometry.Reference, kind layer.ProviderKind) uint64 {
	h := xxhash.New()
	var buf [8]byte
	put := func(v uint64) {
		for i := range buf {
			buf[i] = byte(v >> (8 * i))
		}
		_, _ = h.Write(buf[:])
	}
	put(req.Predicates.Fingerprint())
	put(ref.Fingerprint())
	_, _ = h.WriteString(string(req.Combine))
	_, _ = h.WriteString(string(kind))
	if req.RepresentativePoints {
		_, _ = h.WriteString("rep")
	}
	fp := h.Sum64()
	if fp == 0 {
		fp = 1
	}
	return fp
}

// Undo reverts the most recent filter operation in the given scope.
// The returned states are what the layers were restored to; an empty
// slice means there was nothing to undo.
func (e *Engine) Undo(ctx context.Context, scope Scope, layerID string) ([]history.FilterState, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if scope == ScopeGlobal {
		top, _ := e.hist.GlobalTop()
		if _, _, moved := e.hist.UndoGlobal(); !moved {
			return nil, nil
		}
		// Every layer the undone operation touched reverts to its
		// nearest remaining recorded state, or to unfiltered. The entry
		// beneath alone is not enough: it may cover different layers.
		undone := append([]history.FilterState{top.Source}, top.Dependents...)
		states := make([]history.FilterState, 0, len(undone))
		for _, s := range undone {
			st, ok := e.hist.GlobalStateFor(s.LayerID)
			if !ok {
				st = history.FilterState{LayerID: s.LayerID, FeatureCount: -1}
			}
			if err := e.restoreLayer(st); err != nil {
				return nil, err
			}
			states = append(states, st)
		}
		return states, nil
	}

	mu := e.lockFor(layerID)
	mu.Lock()
	defer mu.Unlock()

	st, ok, moved := e.hist.Undo(layerID)
	if !moved {
		return nil, nil
	}
	if !ok {
		st = history.FilterState{LayerID: layerID, FeatureCount: -1}
	}
	if err := e.restoreLayer(st); err != nil {
		return nil, err
	}
	return []history.FilterState{st}, nil
}

// Redo re-applies the most recently undone operation in the given scope.
func (e *Engine) Redo(ctx context.Context, scope Scope, layerID string) ([]history.FilterState, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if scope == ScopeGlobal {
		st, ok := e.hist.RedoGlobal()
		if !ok {
			return nil, nil
		}
		return e.restoreGlobal(st)
	}

	mu := e.lockFor(layerID)
	mu.Lock()
	defer mu.Unlock()

	st, ok := e.hist.Redo(layerID)
	if !ok {
		return nil, nil
	}
	if err := e.restoreLayer(st); err != nil {
		return nil, err
	}
	return []history.FilterState{st}, nil
}

func (e *Engine) restoreLayer(st history.FilterState) error {
	if err := e.registry.SetFilter(st.LayerID, st.Expression, st.FeatureCount); err != nil {
		return err
	}
	lyr, err := e.registry.Layer(st.LayerID)
	if err != nil {
		return err
	}
	if c, ok := e.ports[lyr.Provider].(committer); ok {
		c.Commit(st.LayerID, st.IDs)
	}
	if lyr.Provider != layer.ProviderMemory {
		// Keep the fast-path membership set in step with the restore.
		if c, ok := e.ports[layer.ProviderMemory].(committer); ok {
			c.Commit(st.LayerID, st.IDs)
		}
	}
	// The restored filter differs from the last applied request.
	e.lastFP.Delete(st.LayerID)
	return nil
}

func (e *Engine) restoreGlobal(st history.GlobalFilterState) ([]history.FilterState, error) {
	states := append([]history.FilterState{st.Source}, st.Dependents...)
	for _, s := range states {
		if err := e.restoreLayer(s); err != nil {
			return nil, err
		}
	}
	return states, nil
}

// Reset clears a layer's filter, drops its history, and releases its
// executor resources (views, temp tables, membership state).
func (e *Engine) Reset(ctx context.Context, layerID string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	mu := e.lockFor(layerID)
	mu.Lock()
	defer mu.Unlock()

	lyr, err := e.registry.Layer(layerID)
	if err != nil {
		return err
	}
	if err := e.registry.SetFilter(layerID, "", -1); err != nil {
		return err
	}
	e.hist.Drop(layerID)
	e.lastFP.Delete(layerID)
	if port, ok := e.ports[lyr.Provider]; ok {
		if err := port.Cleanup(ctx, lyr); err != nil {
			return err
		}
	}
	if lyr.Provider != layer.ProviderMemory {
		if port, ok := e.ports[layer.ProviderMemory]; ok {
			if err := port.Cleanup(ctx, lyr); err != nil {
				return err
			}
		}
	}
	return nil
}

// FeatureCount returns a layer's current (filtered) feature count.
func (e *Engine) FeatureCount(ctx context.Context, layerID string) (int64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	lyr, err := e.registry.Layer(layerID)
	if err != nil {
		return 0, err
	}
	port, ok := e.ports[lyr.Provider]
	if !ok {
		return 0, fmt.Errorf("%w: no executor for provider %q", errs.ErrBackendUnavailable, lyr.Provider)
	}
	return port.FeatureCount(ctx, lyr)
}

// ExportSubset streams a layer's filtered features as Arrow records with
// the selected fields plus geometry. Format writers consume the result;
// the engine only produces the stream.
func (e *Engine) ExportSubset(ctx context.Context, layerID string, fields []string) (*backend.ExportResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	lyr, err := e.registry.Layer(layerID)
	if err != nil {
		return nil, err
	}
	port, ok := e.ports[lyr.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: no executor for provider %q", errs.ErrBackendUnavailable, lyr.Provider)
	}
	return port.ExportSubset(ctx, lyr, fields)
}

// CleanupMaterializedViews reclaims views in the given scope. Views still
// referenced by a live layer filter are never dropped.
func (e *Engine) CleanupMaterializedViews(ctx context.Context, scope CleanupScope) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	if e.views == nil {
		return 0, nil
	}
	switch scope {
	case CleanupOrphans:
		n, err := e.views.CleanupOrphans(ctx, e.viewInUse)
		ViewsReclaimed.Add(float64(n))
		return n, err
	case CleanupAll:
		n, err := e.views.CleanupAll(ctx, e.viewInUse)
		ViewsReclaimed.Add(float64(n))
		return n, err
	default:
		return 0, e.views.CleanupSession(ctx)
	}
}

// Heartbeat marks the engine's session live so its views survive orphan
// sweeps by other sessions. Call periodically from the host.
func (e *Engine) Heartbeat(ctx context.Context) error {
	if e.views == nil {
		return nil
	}
	return e.views.Heartbeat(ctx)
}

// Close releases the engine's resources: session views, database
// handles, the connection pool, and the query cache codec.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var firstErr error
	if e.views != nil {
		if err := e.views.CleanupSession(ctx); err != nil {
			firstErr = err
		}
	}
	if d, ok := e.ports[layer.ProviderDuckDB].(*backend.DuckDBPort); ok {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if err := e.queries.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: engine is closed", errs.ErrBackendUnavailable)
	}
	return nil
}

func (e *Engine) transition(layerID string, from, to State) {
	e.log.Debug("filter state", "layer", layerID, "from", string(from), "to", string(to))
}

func dedupeSorted(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	j := 0
	for i, id := range out {
		if i == 0 || id != out[j-1] {
			out[j] = id
			j++
		}
	}
	return out[:j]
}
