package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the relay
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

	// SubscribersActive is the number of live subscriber connections
	SubscribersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "relay_subscribers_active", Help: "Live subscriber connections."},
	)
	// AdmissionRejections counts rejected subscribe attempts by reason
	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_admission_rejections_total", Help: "Rejected subscribe attempts by reason."},
		[]string{"reason"},
	)
	// BroadcastDeliveries counts per-subscriber deliveries by result (sent, skipped, dropped)
	BroadcastDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_broadcast_deliveries_total", Help: "Broadcast deliveries by result."},
		[]string{"result"},
	)
	// BroadcastTickDuration tracks how long one fan-out pass takes
	BroadcastTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "relay_broadcast_tick_seconds", Help: "Duration of a broadcast tick.", Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1}},
	)

	// UpstreamState mirrors the upstream session state (0 disconnected .. 3 streaming)
	UpstreamState = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "relay_upstream_state", Help: "Upstream session state: 0 disconnected, 1 authenticating, 2 session established, 3 streaming."},
	)
	// UpstreamReconnects counts failed or closed upstream attempts by stage
	UpstreamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "relay_upstream_reconnects_total", Help: "Upstream reconnects by the stage that failed."},
		[]string{"stage"},
	)
	// LocationUpdates counts position records ingested from upstream
	LocationUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_location_updates_total", Help: "Position records ingested from upstream."},
	)
	// MirrorDropped counts location writes not mirrored because the queue was full
	MirrorDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_mirror_dropped_total", Help: "Location writes dropped before reaching the mirror."},
	)
	// KnownDevices is the number of devices with a known location
	KnownDevices = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "relay_known_devices", Help: "Devices with a known location."},
	)
)

// RegisterDefault registers collectors to the relay registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(SubscribersActive)
		Registry.MustRegister(AdmissionRejections)
		Registry.MustRegister(BroadcastDeliveries)
		Registry.MustRegister(BroadcastTickDuration)
		Registry.MustRegister(UpstreamState)
		Registry.MustRegister(UpstreamReconnects)
		Registry.MustRegister(LocationUpdates)
		Registry.MustRegister(KnownDevices)
		Registry.MustRegister(MirrorDropped)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler exposes the relay registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
