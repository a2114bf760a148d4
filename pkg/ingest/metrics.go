package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/3leaps/deviceingest/pkg/jobspec"
)

// Metrics collects per-run Prometheus metrics on a private registry.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	fetches  *prometheus.CounterVec
	records  *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates and registers the ingest collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deviceingest_fetches_total",
			Help: "Source fetches by source and outcome",
		}, []string{"source", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deviceingest_records_total",
			Help: "Records accepted by the merger, by source",
		}, []string{"source"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deviceingest_records_skipped_total",
			Help: "Records dropped by adapter validation, by source",
		}, []string{"source"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deviceingest_runs_total",
			Help: "Ingest runs by status and error kind",
		}, []string{"status", "kind"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "deviceingest_run_duration_seconds",
			Help:    "Ingest run duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.fetches, m.records, m.skipped, m.runs, m.duration)
	return m
}

// Registry returns the registry holding the ingest collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) observeFetch(source jobspec.SourceKey, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.fetches.WithLabelValues(string(source), status).Inc()
}

func (m *Metrics) observeRecord(source jobspec.SourceKey) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(string(source)).Inc()
}

// ObserveSkipped counts a record a source adapter dropped during validation.
func (m *Metrics) ObserveSkipped(source jobspec.SourceKey) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(string(source)).Inc()
}

func (m *Metrics) observeRun(err error, d time.Duration) {
	if m == nil {
		return
	}
	status, kind := "success", ""
	if err != nil {
		status, kind = "failure", string(KindOf(err))
		if kind == "" {
			kind = "internal"
		}
	}
	m.runs.WithLabelValues(status, kind).Inc()
	m.duration.Observe(d.Seconds())
}

// Push sends the collected metrics to a Prometheus Pushgateway, grouped by
// the run's group id.
func (m *Metrics) Push(ctx context.Context, gatewayURL, jobName, groupID string) error {
	if m == nil || gatewayURL == "" {
		return nil
	}
	p := push.New(gatewayURL, jobName).Gatherer(m.registry)
	if groupID != "" {
		p = p.Grouping("group", groupID)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
