package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus instruments on a private
// registry, exposed by the status portal.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	RoutedFrames      *prometheus.CounterVec
	DroppedFrames     prometheus.Counter
	RateLimitDenials  *prometheus.CounterVec
	ErrorFrames       *prometheus.CounterVec
}

// NewMetrics creates the instrument set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return &Metrics{
		Registry: reg,
		ConnectionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "justirc_connections_total",
			Help: "Total accepted TCP connections",
		}),
		ActiveConnections: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "justirc_active_connections",
			Help: "Currently open connections",
		}),
		RoutedFrames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "justirc_routed_frames_total",
			Help: "Frames routed to recipients by type",
		}, []string{"type"}),
		DroppedFrames: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "justirc_dropped_frames_total",
			Help: "Outbound frames dropped by writer backpressure",
		}),
		RateLimitDenials: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "justirc_rate_limit_denials_total",
			Help: "Rate limit denials by bucket kind",
		}, []string{"kind"}),
		ErrorFrames: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "justirc_error_frames_total",
			Help: "Error frames sent to clients by kind",
		}, []string{"kind"}),
	}
}
