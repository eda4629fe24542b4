// Package telemetry instruments scrape runs with Prometheus collectors.
// All methods are safe on a nil *Telemetry so callers can leave it unset.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stratus"

// Run outcomes recorded by ObserveRun.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeFailure = "failure"
)

// Telemetry holds the scraper's own collectors.
type Telemetry struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	inFlight      prometheus.Gauge
	lastSuccess   prometheus.Gauge
	records       *prometheus.CounterVec
	regionErrors  *prometheus.CounterVec
	sinkWrites    *prometheus.CounterVec
	metricQueries prometheus.Counter
}

// New creates the collectors and registers them on a private registry.
func New() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_runs_total",
			Help:      "Scrape runs by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scrape_run_duration_seconds",
			Help:      "Wall time of scrape runs, including the sink write.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scrape_runs_in_flight",
			Help:      "Scrape runs currently executing.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scrape_last_success_timestamp_seconds",
			Help:      "Unix time of the last run that completed without error.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_records_total",
			Help:      "Datapoints collected, by region.",
		}, []string{"region"}),
		regionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scrape_region_failures_total",
			Help:      "Region collections that returned an error.",
		}, []string{"region"}),
		sinkWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Sink writes by target and outcome.",
		}, []string{"target", "outcome"}),
		metricQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metric_data_requests_total",
			Help:      "Batched metric data requests sent to the monitoring API.",
		}),
	}
	t.registry.MustRegister(
		t.runs, t.runDuration, t.inFlight, t.lastSuccess,
		t.records, t.regionErrors, t.sinkWrites, t.metricQueries,
	)
	return t
}

// Registry exposes the private registry for the /metrics handler.
func (t *Telemetry) Registry() *prometheus.Registry {
	if t == nil {
		return nil
	}
	return t.registry
}

// RunStarted marks a run as in flight and returns the func that ends it.
func (t *Telemetry) RunStarted() func(outcome string) {
	if t == nil {
		return func(string) {}
	}
	start := time.Now()
	t.inFlight.Inc()
	return func(outcome string) {
		t.inFlight.Dec()
		t.runDuration.Observe(time.Since(start).Seconds())
		t.runs.WithLabelValues(outcome).Inc()
		if outcome != OutcomeFailure {
			t.lastSuccess.SetToCurrentTime()
		}
	}
}

// AddRecords counts datapoints collected for region.
func (t *Telemetry) AddRecords(region string, n int) {
	if t == nil || n <= 0 {
		return
	}
	t.records.WithLabelValues(region).Add(float64(n))
}

// RegionFailed counts one failed region collection.
func (t *Telemetry) RegionFailed(region string) {
	if t == nil {
		return
	}
	t.regionErrors.WithLabelValues(region).Inc()
}

// DataRequest counts one batched request to the monitoring API.
func (t *Telemetry) DataRequest() {
	if t == nil {
		return
	}
	t.metricQueries.Inc()
}

// SinkWrite counts one sink write attempt.
func (t *Telemetry) SinkWrite(target string, err error) {
	if t == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	t.sinkWrites.WithLabelValues(target, outcome).Inc()
}
