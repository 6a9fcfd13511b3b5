package kcache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts cache traffic. All methods are nil-safe so the cache can run
// unmetered.
type Metrics struct {
	Hits     prometheus.Counter
	Misses   prometheus.Counter
	Compiled prometheus.Counter
	Failures prometheus.Counter
}

// NewMetrics registers the cache counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "cubit_cache_hits_total",
			Help: "Compilation cache lookups served by an existing entry",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "cubit_cache_misses_total",
			Help: "Compilation cache lookups that scheduled a compile",
		}),
		Compiled: factory.NewCounter(prometheus.CounterOpts{
			Name: "cubit_compiles_total",
			Help: "Device compilations completed successfully",
		}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cubit_compile_failures_total",
			Help: "Device compilations rejected by the compiler",
		}),
	}
}

func (m *Metrics) hit() {
	if m != nil {
		m.Hits.Inc()
	}
}

func (m *Metrics) miss() {
	if m != nil {
		m.Misses.Inc()
	}
}

func (m *Metrics) compiled() {
	if m != nil {
		m.Compiled.Inc()
	}
}

func (m *Metrics) failure() {
	if m != nil {
		m.Failures.Inc()
	}
}
