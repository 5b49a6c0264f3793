package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hugr-lab/geofilter/errs"
)

// Breaker is a circuit breaker: after a configured run of consecutive
// failures it stops allowing attempts until a cooldown elapses, then
// half-opens (one attempt allowed; success closes it again).
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	failures  int
	openUntil time.Time
	now       func() time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and recovers after cooldown.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether an attempt may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if b.now().After(b.openUntil) {
		// Half-open: permit one probe. A failure re-arms the cooldown.
		b.openUntil = b.now().Add(b.cooldown)
		return true
	}
	return false
}

// Success records a successful attempt and closes the breaker.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// Failure records a failed attempt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures == b.threshold {
		b.openUntil = b.now().Add(b.cooldown)
	}
}

// PoolConfig configures the networked-relational connection pool.
type PoolConfig struct {
	// DSN is the connection string. REQUIRED.
	DSN string

	// MinConns / MaxConns bound the pool. Defaults: 1 / 5.
	MinConns int32
	MaxConns int32

	// StatementTimeout is set server-side on every connection at
	// creation; a query exceeding it is cancelled by the server and
	// classified as ErrBackendTimeout. Default: 30s.
	StatementTimeout time.Duration

	// BreakerFailures / BreakerCooldown configure the circuit breaker.
	// Defaults: 5 consecutive failures / 30s cooldown.
	BreakerFailures int
	BreakerCooldown time.Duration

	// Logger for pool events. OPTIONAL: slog.Default() when nil.
	Logger *slog.Logger
}

// Pool wraps pgxpool with a circuit breaker and a per-connection
// server-side statement timeout.
type Pool struct {
	px      *pgxpool.Pool
	breaker *Breaker
	log     *slog.Logger
}

// NewPool creates and pings the pool.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: pool DSN is required", errs.ErrValidation)
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 1
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 5
	}
	if cfg.StatementTimeout <= 0 {
		cfg.StatementTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}
	pc.MinConns = cfg.MinConns
	pc.MaxConns = cfg.MaxConns
	pc.MaxConnLifetime = time.Hour
	pc.MaxConnIdleTime = 30 * time.Minute
	pc.HealthCheckPeriod = time.Minute

	timeoutMS := cfg.StatementTimeout.Milliseconds()
	pc.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", timeoutMS))
		return err
	}

	px, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := px.Ping(ctx); err != nil {
		px.Close()
		return nil, fmt.Errorf("%w: ping database: %v", errs.ErrBackendUnavailable, err)
	}

	return &Pool{
		px:      px,
		breaker: NewBreaker(cfg.BreakerFailures, cfg.BreakerCooldown),
		log:     cfg.Logger,
	}, nil
}

// Close closes the pool.
func (p *Pool) Close() {
	if p.px != nil {
		p.px.Close()
	}
}

// Exec runs a statement through the breaker.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) error {
	if !p.breaker.Allow() {
		return fmt.Errorf("%w: circuit breaker open", errs.ErrBackendUnavailable)
	}
	_, err := p.px.Exec(ctx, sql, args...)
	p.record(err)
	return Classify(err)
}

// Query runs a query through the breaker. Callers must close the rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if !p.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open", errs.ErrBackendUnavailable)
	}
	rows, err := p.px.Query(ctx, sql, args...)
	p.record(err)
	return rows, Classify(err)
}

// QueryCount runs a single-value count query.
func (p *Pool) QueryCount(ctx context.Context, sql string, args ...any) (int64, error) {
	if !p.breaker.Allow() {
		return 0, fmt.Errorf("%w: circuit breaker open", errs.ErrBackendUnavailable)
	}
	var n int64
	err := p.px.QueryRow(ctx, sql, args...).Scan(&n)
	p.record(err)
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// Acquire hands out a dedicated connection (used by the progressive
// strategy's cursor). Callers must Release it.
func (p *Pool) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if !p.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit breaker open", errs.ErrBackendUnavailable)
	}
	conn, err := p.px.Acquire(ctx)
	p.record(err)
	if err != nil {
		return nil, Classify(err)
	}
	return conn, nil
}

func (p *Pool) record(err error) {
	if err == nil {
		p.breaker.Success()
		return
	}
	// Statement timeouts and SQL-level errors are not connectivity
	// failures; only connection-class errors trip the breaker.
	if isConnectionError(err) {
		p.breaker.Failure()
		p.log.Warn("connection failure recorded", "error", err)
		return
	}
	p.breaker.Success()
}

// Classify maps driver errors onto the engine's error taxonomy. SQLSTATE
// 57014 (query_canceled, the server-side statement timeout) becomes
// ErrBackendTimeout so the orchestrator can downgrade instead of failing.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errs.Canonical(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			return fmt.Errorf("%w: %v", errs.ErrBackendTimeout, err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exceptions
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57P01",               // admin shutdown
			pgErr.Code == "57P02",
			pgErr.Code == "57P03":
			return fmt.Errorf("%w: %v", errs.ErrBackendUnavailable, err)
		}
		return err
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %v", errs.ErrBackendUnavailable, err)
	}
	return err
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08")
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "failed to connect")
}
