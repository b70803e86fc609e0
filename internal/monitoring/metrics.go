package monitoring

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects counters for a single tune process. Each instance owns a
// private registry so independent tunes never share state; results are
// exported with WriteTextfile for the node_exporter textfile collector.
//
// All methods are safe to call on a nil *Metrics and then do nothing.
type Metrics struct {
	registry *prometheus.Registry

	gofEvaluations  prometheus.Counter
	minimizations   *prometheus.CounterVec
	validations     *prometheus.CounterVec
	ipolFits        *prometheus.CounterVec
	minimizeSeconds prometheus.Histogram
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gofEvaluations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mctune_gof_evaluations_total",
			Help: "Number of goodness-of-fit evaluations.",
		}),
		minimizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mctune_minimizations_total",
			Help: "Minimizer invocations by outcome.",
		}, []string{"outcome"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mctune_validations_total",
			Help: "Post-fit validations by outcome.",
		}, []string{"outcome"}),
		ipolFits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mctune_ipol_fits_total",
			Help: "Bin interpolation fits by outcome.",
		}, []string{"outcome"}),
		minimizeSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mctune_minimization_seconds",
			Help:    "Wall time of single minimizer runs.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
	m.registry.MustRegister(m.gofEvaluations, m.minimizations, m.validations, m.ipolFits, m.minimizeSeconds)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// AddGoFEvaluations adds n to the evaluation counter.
func (m *Metrics) AddGoFEvaluations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.gofEvaluations.Add(float64(n))
}

// ObserveMinimization records one minimizer run.
func (m *Metrics) ObserveMinimization(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.minimizations.WithLabelValues(outcome).Inc()
	m.minimizeSeconds.Observe(d.Seconds())
}

// ObserveValidation records one validation outcome.
func (m *Metrics) ObserveValidation(outcome string) {
	if m == nil {
		return
	}
	m.validations.WithLabelValues(outcome).Inc()
}

// ObserveFit records one bin fit outcome ("ok", "invalid", "failed").
func (m *Metrics) ObserveFit(outcome string) {
	if m == nil {
		return
	}
	m.ipolFits.WithLabelValues(outcome).Inc()
}

// WriteTextfile writes all metrics in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
