// Package metrics exposes Prometheus counters for ingestion, enrichment and
// notification. Every recorder is a no-op until Init runs, so packages can be
// exercised in tests without registering collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "presence_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultInvalid = "invalid"
	ResultDropped = "dropped"
)

var (
	registerOnce sync.Once
	registry     *prometheus.Registry

	eventsTotal        *prometheus.CounterVec
	devicesCreated     prometheus.Counter
	lookupsTotal       *prometheus.CounterVec
	lookupLatency      *prometheus.HistogramVec
	queueDepth         prometheus.Gauge
	sweepRequeued      prometheus.Counter
	notificationsTotal *prometheus.CounterVec
)

// Init registers the presence collectors on a private registry.
func Init() {
	registerOnce.Do(func() {
		registry = prometheus.NewRegistry()

		eventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_total",
				Help: "Total DHCP events handled by action and result",
			},
			[]string{"action", "result"},
		)
		devicesCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "devices_created_total",
				Help: "Total devices seen for the first time",
			},
		)
		lookupsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "lookups_total",
				Help: "Total manufacturer lookups by result",
			},
			[]string{"result"},
		)
		lookupLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "lookup_latency_seconds",
				Help:    "Manufacturer lookup latency in seconds, rate limiter wait excluded",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		)
		queueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "enrichment_queue_depth",
				Help: "MACs waiting for a manufacturer lookup",
			},
		)
		sweepRequeued = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "sweep_requeued_total",
				Help: "Total MACs re-enqueued by the retry sweep",
			},
		)
		notificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "notifications_total",
				Help: "Total notification sends by transport and result",
			},
			[]string{"transport", "result"},
		)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			eventsTotal,
			devicesCreated,
			lookupsTotal,
			lookupLatency,
			queueDepth,
			sweepRequeued,
			notificationsTotal,
		)
	})
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncEvent counts a handled event.
func IncEvent(action, result string) {
	if action == "" {
		action = "unknown"
	}
	if eventsTotal != nil {
		eventsTotal.WithLabelValues(action, result).Inc()
	}
}

// IncDeviceCreated counts a first sighting.
func IncDeviceCreated() {
	if devicesCreated != nil {
		devicesCreated.Inc()
	}
}

// ObserveLookup records one provider call.
func ObserveLookup(provider, result string, duration time.Duration) {
	if lookupsTotal != nil {
		lookupsTotal.WithLabelValues(result).Inc()
	}
	if lookupLatency != nil {
		lookupLatency.WithLabelValues(provider).Observe(duration.Seconds())
	}
}

// SetQueueDepth publishes the enrichment backlog.
func SetQueueDepth(n int) {
	if queueDepth != nil {
		queueDepth.Set(float64(n))
	}
}

// AddSweepRequeued counts MACs re-enqueued by one sweep pass.
func AddSweepRequeued(n int) {
	if n <= 0 {
		return
	}
	if sweepRequeued != nil {
		sweepRequeued.Add(float64(n))
	}
}

// IncNotification counts a transport send.
func IncNotification(transport, result string) {
	if notificationsTotal != nil {
		notificationsTotal.WithLabelValues(transport, result).Inc()
	}
}
