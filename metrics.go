package geofilter

import (
	"github.com/prometheus/client_golang/prometheus"
)

var FilterApplies = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geofilter",
	Subsystem: "engine",
	Name:      "filter_applies",
}, []string{"backend", "strategy", "outcome"})

var FilterApplyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "geofilter",
	Subsystem: "engine",
	Name:      "filter_apply_duration_seconds",
	Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 60},
}, []string{"backend", "strategy"})

var BackendDowngrades = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geofilter",
	Subsystem: "engine",
	Name:      "backend_downgrades",
}, []string{"from", "to"})

var CacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "geofilter",
	Subsystem: "cache",
	Name:      "lookups",
}, []string{"cache", "result"})

var ViewsCreated = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "geofilter",
	Subsystem: "views",
	Name:      "created",
})

var ViewsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "geofilter",
	Subsystem: "views",
	Name:      "reclaimed",
})

// RegisterMetrics registers all engine collectors with reg. Call once;
// duplicate registration returns an error from the registry.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		FilterApplies,
		FilterApplyDuration,
		BackendDowngrades,
		CacheLookups,
		ViewsCreated,
		ViewsReclaimed,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
