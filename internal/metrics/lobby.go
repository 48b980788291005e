package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	startTime = time.Now()

	Uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "lobbylink_uptime_seconds",
			Help: "Lobby server uptime in seconds",
		}, func() float64 {
			return time.Since(startTime).Seconds()
		})

	ConnectionErrs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbylink_websocket_connection_errors",
			Help: "Number of connection errors",
		})

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lobbylink_active_sessions",
			Help: "Current number of connected users",
		},
	)

	TotalSessions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbylink_total_sessions",
			Help: "Total number of sessions ever created",
		},
	)

	ActiveLobbies = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lobbylink_active_lobbies",
			Help: "Current number of lobbies",
		},
	)

	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_requests_total",
			Help: "Total number of lobby requests by type and result",
		},
		[]string{"type", "result"},
	)

	PacketsRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_relay_packets_total",
			Help: "Total number of network messages relayed between members",
		},
		[]string{"channel"},
	)

	BytesRelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbylink_relay_bytes_total",
			Help: "Total bytes relayed between members",
		},
	)

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_relay_packets_dropped_total",
			Help: "Total number of network messages dropped by reason",
		},
		[]string{"reason"},
	)

	FailedMessageSends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_failed_message_sends_total",
			Help: "Total number of failed websocket writes by reason",
		},
		[]string{"reason"},
	)

	InvalidPayloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lobbylink_invalid_payloads_total",
			Help: "Total number of invalid payloads received",
		},
	)

	WebSocketDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lobbylink_websocket_disconnects_total",
			Help: "Total number of websocket disconnects by reason",
		},
		[]string{"reason"},
	)

	SessionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lobbylink_session_duration_seconds",
			Help:    "Duration of user sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 8),
		},
	)
)

var registerOnce sync.Once

// InitLobby registers the lobby server collectors on the default registry.
// It is safe to call more than once.
func InitLobby() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Uptime,
			ConnectionErrs,
			ActiveSessions,
			TotalSessions,
			ActiveLobbies,
			Requests,
			PacketsRelayed,
			BytesRelayed,
			PacketsDropped,
			FailedMessageSends,
			InvalidPayloads,
			WebSocketDisconnects,
			SessionDuration,
		)
	})
}
