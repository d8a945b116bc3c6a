package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	FanOutBytes        *prometheus.CounterVec
	QueueDroppedBytes  prometheus.Counter
	UpstreamReconnects prometheus.Counter
	UpstreamEvents     *prometheus.CounterVec
	AlarmFirings       *prometheus.CounterVec
	SFUErrors          *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live session instances.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and role.",
		}, []string{"direction", "role"}),
		FanOutBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_bytes_total",
			Help:      "Bytes fanned out to clients by role.",
		}, []string{"role"}),
		QueueDroppedBytes: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_queue_dropped_bytes_total",
			Help:      "Audio bytes dropped by send-queue overflow.",
		}),
		UpstreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Scheduled upstream reconnect attempts.",
		}),
		UpstreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_events_total",
			Help:      "Upstream link events by type.",
		}, []string{"event"}),
		AlarmFirings: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alarm_firings_total",
			Help:      "Alarm reducer firings by expired deadline.",
		}, []string{"deadline"}),
		SFUErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sfu_errors_total",
			Help:      "SFU REST failures by operation.",
		}, []string{"operation"}),
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
