package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the engine
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// WebhookEvents counts inbound webhook events by provider and outcome
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_events_total", Help: "Inbound webhook events by provider and outcome."},
		[]string{"provider", "outcome"},
	)
	// ProcessingDuration tracks time from receipt to settled ledger entry
	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "event_processing_duration_seconds", Help: "Event processing duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"provider"},
	)

	// OutboundCalls counts outbound call attempts by provider, kind, and status
	OutboundCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outbound_calls_total", Help: "Outbound provider calls by kind and status."},
		[]string{"provider", "kind", "status"},
	)
	// OutboundLatency tracks outbound call latencies in milliseconds
	OutboundLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "outbound_call_latency_ms", Help: "Outbound call latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"provider", "kind"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(WebhookEvents)
		Registry.MustRegister(ProcessingDuration)
		Registry.MustRegister(OutboundCalls)
		Registry.MustRegister(OutboundLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
