package geofilter

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/hugr-lab/geofilter/backend"
	"github.com/hugr-lab/geofilter/expr"
	"github.com/hugr-lab/geofilter/geometry"
	"github.com/hugr-lab/geofilter/layer"
)

// FeedbackSink receives user-facing warnings the engine produces while
// degrading gracefully (e.g. a layer with no usable primary key).
type FeedbackSink interface {
	Warn(layerID, message string)
}

// Config configures an Engine.
type Config struct {
	// Registry resolves layers and receives filter-state writes.
	// REQUIRED: MUST NOT be nil.
	Registry layer.Registry

	// PostgresDSN enables the networked-relational backend. OPTIONAL:
	// if empty, postgres layers fail over to the downgrade chain.
	PostgresDSN string

	// Pool tunes the networked backend's connection pool and circuit
	// breaker. DSN is taken from PostgresDSN.
	Pool backend.PoolConfig

	// View tunes the materialized view lifecycle.
	View backend.ViewConfig

	// Geometry are the reference-preparation defaults (working CRS,
	// arc segments, simplification bounds).
	Geometry geometry.Options

	// Weights is the estimator cost model. Zero value means defaults.
	Weights expr.Weights

	// Thresholds map scores to strategies. Zero value means defaults.
	Thresholds expr.Thresholds

	// HistoryDepth bounds the per-layer and global undo stacks.
	// OPTIONAL: 100 if 0.
	HistoryDepth int

	// GeometryCacheSize / QueryCacheSize bound the two caches.
	// OPTIONAL: 64 / 512 if 0.
	GeometryCacheSize int
	QueryCacheSize    int

	// CacheTTL expires cache entries. OPTIONAL: no expiry if 0.
	CacheTTL time.Duration

	// CacheCompressMin is the encoded-size threshold above which cached
	// query values are compressed. OPTIONAL: 4 KiB if 0.
	CacheCompressMin int

	// MemoryFastPathRows is the feature count below which layers from
	// other providers are filtered in memory and the id set pushed back
	// as a membership filter. OPTIONAL: 0 disables the fast path.
	MemoryFastPathRows int64

	// FileStreamThreshold is the file size in bytes above which the
	// generic-file executor streams instead of decoding whole files.
	// OPTIONAL: 8 MiB if 0.
	FileStreamThreshold int64

	// Feedback receives degradation warnings. OPTIONAL.
	Feedback FeedbackSink

	// Logger for internal logging.
	// OPTIONAL: Uses slog.Default() if nil.
	Logger *slog.Logger

	// LogLevel sets the logging level when Logger is nil.
	// OPTIONAL: If nil, uses Info level.
	LogLevel *slog.Level

	// Metrics registers the engine collectors when non-nil.
	// OPTIONAL.
	Metrics prometheus.Registerer

	// Ports overrides the built-in executors, keyed by provider kind.
	// OPTIONAL: intended for embedding hosts with custom storage and
	// for tests.
	Ports map[layer.ProviderKind]backend.Port
}

func (c *Config) withDefaults() {
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = 100
	}
	if c.GeometryCacheSize <= 0 {
		c.GeometryCacheSize = 64
	}
	if c.QueryCacheSize <= 0 {
		c.QueryCacheSize = 512
	}
	if c.Weights == (expr.Weights{}) {
		c.Weights = expr.DefaultWeights()
	}
	if c.Thresholds == (expr.Thresholds{}) {
		c.Thresholds = expr.DefaultThresholds()
	}
	if c.FileStreamThreshold <= 0 {
		c.FileStreamThreshold = 8 << 20
	}
	if c.Logger == nil {
		level := slog.LevelInfo
		if c.LogLevel != nil {
			level = *c.LogLevel
		}
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
}

// LoadConfig reads the numeric tunables from a YAML file into a Config.
// Missing file is fine; every value has a default. The host still has to
// set Registry (and usually PostgresDSN) on the returned Config.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("geofilter")
		v.AddConfigPath(".")
	}

	v.SetDefault("estimator.comparison", 1)
	v.SetDefault("estimator.spatial_predicate", 5)
	v.SetDefault("estimator.buffer", 35)
	v.SetDefault("estimator.reprojection", 10)
	v.SetDefault("estimator.subquery", 18)
	v.SetDefault("estimator.negation", 8)
	v.SetDefault("estimator.size_divisor", 20000)
	v.SetDefault("thresholds.direct", 50)
	v.SetDefault("thresholds.materialized", 150)
	v.SetDefault("thresholds.two_phase", 500)
	v.SetDefault("history.depth", 100)
	v.SetDefault("cache.geometry_size", 64)
	v.SetDefault("cache.query_size", 512)
	v.SetDefault("cache.ttl_seconds", 0)
	v.SetDefault("cache.compress_min", 4096)
	v.SetDefault("pool.min_conns", 2)
	v.SetDefault("pool.max_conns", 10)
	v.SetDefault("pool.statement_timeout_ms", 30000)
	v.SetDefault("pool.breaker_failures", 5)
	v.SetDefault("pool.breaker_cooldown_ms", 10000)
	v.SetDefault("views.large_rows", 100000)
	v.SetDefault("views.cluster_min_rows", 50000)
	v.SetDefault("views.cluster_max_rows", 2000000)
	v.SetDefault("views.orphan_ttl_seconds", 3600)
	v.SetDefault("fastpath.memory_rows", 0)
	v.SetDefault("file.stream_threshold", 8<<20)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		Weights: expr.Weights{
			Comparison:       v.GetInt("estimator.comparison"),
			SpatialPredicate: v.GetInt("estimator.spatial_predicate"),
			Buffer:           v.GetInt("estimator.buffer"),
			Reprojection:     v.GetInt("estimator.reprojection"),
			Subquery:         v.GetInt("estimator.subquery"),
			Negation:         v.GetInt("estimator.negation"),
			SizeDivisor:      v.GetInt("estimator.size_divisor"),
		},
		Thresholds: expr.Thresholds{
			Direct:       v.GetInt("thresholds.direct"),
			Materialized: v.GetInt("thresholds.materialized"),
			TwoPhase:     v.GetInt("thresholds.two_phase"),
		},
		HistoryDepth:      v.GetInt("history.depth"),
		GeometryCacheSize: v.GetInt("cache.geometry_size"),
		QueryCacheSize:    v.GetInt("cache.query_size"),
		CacheTTL:          time.Duration(v.GetInt("cache.ttl_seconds")) * time.Second,
		CacheCompressMin:  v.GetInt("cache.compress_min"),
		Pool: backend.PoolConfig{
			MinConns:         int32(v.GetInt("pool.min_conns")),
			MaxConns:         int32(v.GetInt("pool.max_conns")),
			StatementTimeout: time.Duration(v.GetInt("pool.statement_timeout_ms")) * time.Millisecond,
			BreakerFailures:  v.GetInt("pool.breaker_failures"),
			BreakerCooldown:  time.Duration(v.GetInt("pool.breaker_cooldown_ms")) * time.Millisecond,
		},
		View: backend.ViewConfig{
			LargeRows:      v.GetInt64("views.large_rows"),
			ClusterMinRows: v.GetInt64("views.cluster_min_rows"),
			ClusterMaxRows: v.GetInt64("views.cluster_max_rows"),
			OrphanTTL:      time.Duration(v.GetInt("views.orphan_ttl_seconds")) * time.Second,
		},
		MemoryFastPathRows:  v.GetInt64("fastpath.memory_rows"),
		FileStreamThreshold: v.GetInt64("file.stream_threshold"),
	}
	return cfg, nil
}
