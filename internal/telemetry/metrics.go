// Package telemetry exports sync measurements to Prometheus and traces to an
// OTLP collector.
package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"diagramsync/internal/dsync"
)

const metricsNamespace = "dsync"

// PushJob is the job label used when pushing to a Pushgateway.
const PushJob = "dsync"

// Metrics implements dsync.Metrics with Prometheus collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	providerRequests *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerRetries  *prometheus.CounterVec
	retryDelay       *prometheus.HistogramVec
	items            *prometheus.CounterVec
	passes           *prometheus.CounterVec
	passDuration     *prometheus.HistogramVec
	remaining        prometheus.Gauge
}

var _ dsync.Metrics = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them on reg. A nil reg
// gets a fresh registry, so a process can hold several Metrics.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Total number of provider calls.",
		}, []string{"provider", "op", "status_class"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Provider call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		providerRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "retries_total",
			Help:      "Total number of rate-limited provider calls that were retried.",
		}, []string{"provider"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "provider",
			Name:      "retry_delay_seconds",
			Help:      "Backoff waited before a provider retry.",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		}, []string{"provider"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Total number of queue items processed, by outcome.",
		}, []string{"kind", "op", "outcome"}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Total number of project sync passes, by outcome.",
		}, []string{"outcome"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Project sync pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		remaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "sync",
			Name:      "remaining_items",
			Help:      "Queue items left after the most recent pass.",
		}),
	}
	reg.MustRegister(
		m.providerRequests, m.providerDuration, m.providerRetries, m.retryDelay,
		m.items, m.passes, m.passDuration, m.remaining,
	)
	return m
}

func (m *Metrics) ProviderRequest(provider, op string, status int, elapsed time.Duration) {
	m.providerRequests.WithLabelValues(provider, op, statusClass(status)).Inc()
	m.providerDuration.WithLabelValues(provider, op).Observe(elapsed.Seconds())
}

func (m *Metrics) ProviderRetry(provider string, delay time.Duration) {
	m.providerRetries.WithLabelValues(provider).Inc()
	m.retryDelay.WithLabelValues(provider).Observe(delay.Seconds())
}

func (m *Metrics) ItemProcessed(kind, op, outcome string) {
	m.items.WithLabelValues(kind, op, outcome).Inc()
}

func (m *Metrics) PassCompleted(outcome string, elapsed time.Duration, remaining int) {
	m.passes.WithLabelValues(outcome).Inc()
	m.passDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	m.remaining.Set(float64(remaining))
}

// Gatherer exposes the registry the collectors live on.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Push sends the current values to the Pushgateway at url, replacing what
// the gateway holds for the job.
func (m *Metrics) Push(ctx context.Context, url string) error {
	if err := push.New(url, PushJob).Gatherer(m.gatherer).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing metrics to %s: %w", url, err)
	}
	return nil
}

func statusClass(code int) string {
	switch {
	case code == 0:
		return "none"
	case code >= 500:
		return "5xx"
	case code >= 400:
		return strconv.Itoa(code)
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
