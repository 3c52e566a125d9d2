// Package telemetry records experiment measurements as Prometheus metrics and
// exports them in the node_exporter textfile format.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespaceConstant           = "expkit"
	scopeDurationMetricNameConstant    = "scope_duration_seconds"
	scopeDurationMetricHelpConstant    = "Wall-clock duration of the most recent timed scope per label"
	scopeCompletionsMetricNameConstant = "scope_completions_total"
	scopeCompletionsMetricHelpConstant = "Number of timed scopes finished per label"
	memoryDeltaMetricNameConstant      = "memory_guard_delta_gibibytes"
	memoryDeltaMetricHelpConstant      = "Memory growth measured by the most recent guarded call"
	memoryViolationsMetricNameConstant = "memory_guard_violations_total"
	memoryViolationsMetricHelpConstant = "Number of guarded calls that exceeded the memory limit"
	labelNameConstant                  = "label"
	metricsRegistrationErrorTemplate   = "unable to register metrics: %w"
	metricsTextfileWriteErrorTemplate  = "unable to write metrics textfile %q: %w"
)

// Metrics holds the collectors fed by timers and memory guards.
type Metrics struct {
	registry         *prometheus.Registry
	scopeDuration    *prometheus.GaugeVec
	scopeCompletions *prometheus.CounterVec
	memoryDelta      prometheus.Gauge
	memoryViolations prometheus.Counter
}

// NewMetrics registers the collectors on a fresh registry.
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry registers the collectors on the provided registry.
func NewMetricsWithRegistry(registry *prometheus.Registry) (*Metrics, error) {
	metrics := &Metrics{
		registry: registry,
		scopeDuration: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespaceConstant,
				Name:      scopeDurationMetricNameConstant,
				Help:      scopeDurationMetricHelpConstant,
			},
			[]string{labelNameConstant},
		),
		scopeCompletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespaceConstant,
				Name:      scopeCompletionsMetricNameConstant,
				Help:      scopeCompletionsMetricHelpConstant,
			},
			[]string{labelNameConstant},
		),
		memoryDelta: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespaceConstant,
				Name:      memoryDeltaMetricNameConstant,
				Help:      memoryDeltaMetricHelpConstant,
			},
		),
		memoryViolations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespaceConstant,
				Name:      memoryViolationsMetricNameConstant,
				Help:      memoryViolationsMetricHelpConstant,
			},
		),
	}

	collectors := []prometheus.Collector{
		metrics.scopeDuration,
		metrics.scopeCompletions,
		metrics.memoryDelta,
		metrics.memoryViolations,
	}
	for _, collector := range collectors {
		if registrationError := registry.Register(collector); registrationError != nil {
			return nil, fmt.Errorf(metricsRegistrationErrorTemplate, registrationError)
		}
	}

	return metrics, nil
}

// Registry exposes the registry backing the metrics.
func (metrics *Metrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// ObserveDuration records a finished timed scope.
func (metrics *Metrics) ObserveDuration(label string, elapsed time.Duration) {
	metrics.scopeDuration.WithLabelValues(label).Set(elapsed.Seconds())
	metrics.scopeCompletions.WithLabelValues(label).Inc()
}

// ObserveMemoryDelta records the growth measured by a guarded call.
func (metrics *Metrics) ObserveMemoryDelta(deltaGiB float64) {
	metrics.memoryDelta.Set(deltaGiB)
}

// RecordViolation counts a guarded call that exceeded its limit.
func (metrics *Metrics) RecordViolation() {
	metrics.memoryViolations.Inc()
}

// WriteTextfile writes every metric to path in the text exposition format.
func (metrics *Metrics) WriteTextfile(path string) error {
	if writeError := prometheus.WriteToTextfile(path, metrics.registry); writeError != nil {
		return fmt.Errorf(metricsTextfileWriteErrorTemplate, path, writeError)
	}
	return nil
}
