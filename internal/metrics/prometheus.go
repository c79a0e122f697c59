// Package metrics provides Prometheus metrics for bootstrap runs.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dbbootstrap"

// Stage outcome labels.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// PrometheusMetrics holds the collectors updated during a run.
type PrometheusMetrics struct {
	StageTotal          *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	RestoreStepDuration *prometheus.HistogramVec
	ReadinessAttempts   prometheus.Gauge
	LastRunTimestamp    *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewPrometheusMetrics creates the collectors and registers them with reg.
func NewPrometheusMetrics(reg *prometheus.Registry) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		StageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_total",
			Help:      "Pipeline stages run, by stage and outcome.",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
		}, []string{"stage"}),
		RestoreStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "restore_step_duration_seconds",
			Help:      "Time spent reaching each restore state.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"state"}),
		ReadinessAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "readiness_attempts",
			Help:      "Probes issued by the last readiness wait.",
		}),
		LastRunTimestamp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished, by outcome.",
		}, []string{"status"}),
		gatherer: reg,
	}

	for _, c := range []prometheus.Collector{
		m.StageTotal,
		m.StageDuration,
		m.RestoreStepDuration,
		m.ReadinessAttempts,
		m.LastRunTimestamp,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return m, nil
}

// RecordStage counts one stage run and observes its duration.
func (m *PrometheusMetrics) RecordStage(stage string, d time.Duration, err error) {
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}
	m.StageTotal.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordRestoreStep observes the time taken to reach a restore state.
func (m *PrometheusMetrics) RecordRestoreStep(state string, d time.Duration) {
	m.RestoreStepDuration.WithLabelValues(state).Observe(d.Seconds())
}

// RecordReadiness records how many probes the last wait issued.
func (m *PrometheusMetrics) RecordReadiness(attempts int) {
	m.ReadinessAttempts.Set(float64(attempts))
}

// RecordRunFinished stamps the completion time of a run.
func (m *PrometheusMetrics) RecordRunFinished(at time.Time, err error) {
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}
	m.LastRunTimestamp.WithLabelValues(status).Set(float64(at.Unix()))
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, suitable for the node_exporter textfile collector.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
