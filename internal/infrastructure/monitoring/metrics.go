package monitoring

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelgate/modelgate/internal/infrastructure/eventbus"
)

// Metrics holds the gateway's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	BlockedTotal    *prometheus.CounterVec
	RejectedTotal   *prometheus.CounterVec
	UpstreamErrors  prometheus.Counter
	ScanDuration    *prometheus.HistogramVec
	ScanCacheHits   prometheus.Counter
	ScanCacheMisses prometheus.Counter
	RequestDuration *prometheus.HistogramVec
	QueueWaitMs     prometheus.Histogram
}

// NewMetrics builds and registers all instruments on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Requests handled, by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_blocked_total",
			Help: "Requests blocked by a scan, by stage.",
		}, []string{"stage"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_rejected_total",
			Help: "Requests rejected at admission, by model.",
		}, []string{"model"}),
		UpstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_upstream_errors_total",
			Help: "Failed backend calls.",
		}),
		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelgate_scan_duration_seconds",
			Help:    "Scan pipeline latency, by stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		ScanCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_scan_cache_hits_total",
			Help: "Scan cache hits.",
		}),
		ScanCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_scan_cache_misses_total",
			Help: "Scan cache misses.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelgate_request_duration_seconds",
			Help:    "End-to-end request latency, by endpoint.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint"}),
		QueueWaitMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelgate_queue_wait_milliseconds",
			Help:    "Time spent queued before a slot was granted.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.BlockedTotal, m.RejectedTotal, m.UpstreamErrors,
		m.ScanDuration, m.ScanCacheHits, m.ScanCacheMisses,
		m.RequestDuration, m.QueueWaitMs,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SubscribeTo wires the metrics as an event bus observer, so components emit
// events once and both the log sink and the metrics sink see them.
func (m *Metrics) SubscribeTo(bus eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeRequestRejected, func(_ context.Context, e eventbus.Event) {
		if p, ok := e.Payload().(eventbus.AdmissionPayload); ok {
			m.RejectedTotal.WithLabelValues(p.Model).Inc()
		}
	})
	bus.Subscribe(eventbus.EventTypeRequestAdmitted, func(_ context.Context, e eventbus.Event) {
		if p, ok := e.Payload().(eventbus.AdmissionPayload); ok {
			m.QueueWaitMs.Observe(float64(p.WaitMs))
		}
	})
	bus.Subscribe(eventbus.EventTypePromptBlocked, func(_ context.Context, e eventbus.Event) {
		m.BlockedTotal.WithLabelValues("input").Inc()
	})
	bus.Subscribe(eventbus.EventTypeResponseBlocked, func(_ context.Context, e eventbus.Event) {
		m.BlockedTotal.WithLabelValues("output").Inc()
	})
	bus.Subscribe(eventbus.EventTypeUpstreamError, func(_ context.Context, e eventbus.Event) {
		m.UpstreamErrors.Inc()
	})
	bus.Subscribe(eventbus.EventTypeScanCompleted, func(_ context.Context, e eventbus.Event) {
		p, ok := e.Payload().(eventbus.ScanPayload)
		if !ok {
			return
		}
		m.ScanDuration.WithLabelValues(p.Stage).Observe(p.Duration.Seconds())
		if p.CacheHit {
			m.ScanCacheHits.Inc()
		} else {
			m.ScanCacheMisses.Inc()
		}
	})
	bus.Subscribe(eventbus.EventTypeRequestCompleted, func(_ context.Context, e eventbus.Event) {
		p, ok := e.Payload().(eventbus.CompletionPayload)
		if !ok {
			return
		}
		m.RequestsTotal.WithLabelValues(p.Endpoint, outcome(p.Status)).Inc()
		m.RequestDuration.WithLabelValues(p.Endpoint).Observe(p.Duration.Seconds())
	})
}

func outcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status >= 400 && status < 500:
		return "client_error"
	default:
		return "server_error"
	}
}
