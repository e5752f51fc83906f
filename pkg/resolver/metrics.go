package resolver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for resolution and import.
type Metrics struct {
	// Component fetch latencies by component
	FetchLatency *prometheus.HistogramVec

	// Fetch failures by component
	FetchFailures *prometheus.CounterVec

	// Resolution outcomes: accepted or rejected, by version
	Resolutions *prometheus.CounterVec

	// Import outcomes: created, reused or rejected
	Imports *prometheus.CounterVec
}

// NewMetrics registers the resolver metrics with reg. A nil reg uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		FetchLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "badgehub_resolver_fetch_duration_seconds",
			Help:    "Duration of remote component fetches by component",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"component"}),

		FetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badgehub_resolver_fetch_failures_total",
			Help: "Total failed remote component fetches by component",
		}, []string{"component"}),

		Resolutions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badgehub_resolver_resolutions_total",
			Help: "Total resolutions by outcome and OBI version",
		}, []string{"outcome", "version"}),

		Imports: f.NewCounterVec(prometheus.CounterOpts{
			Name: "badgehub_importer_imports_total",
			Help: "Total import submissions by outcome",
		}, []string{"outcome"}),
	}
}

// ObserveFetch records one component fetch.
func (m *Metrics) ObserveFetch(component string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.FetchLatency.WithLabelValues(component).Observe(d.Seconds())
	if err != nil {
		m.FetchFailures.WithLabelValues(component).Inc()
	}
}

// IncrementResolution records a resolution outcome.
func (m *Metrics) IncrementResolution(accepted bool, version string) {
	if m == nil {
		return
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	m.Resolutions.WithLabelValues(outcome, version).Inc()
}

// IncrementImport records an import outcome.
func (m *Metrics) IncrementImport(outcome string) {
	if m != nil {
		m.Imports.WithLabelValues(outcome).Inc()
	}
}
