package icbgw

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	relayedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icbgw_relayed_messages_total",
			Help: "Messages written to the opposite side",
		},
		[]string{"direction"},
	)

	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icbgw_dropped_messages_total",
			Help: "Messages dropped because the opposite side could not take them",
		},
		[]string{"direction"},
	)

	truncatedFrames = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icbgw_truncated_frames_total",
			Help: "Outbound ICB frames cut to the frame size limit",
		},
	)

	reconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icbgw_reconnects_total",
			Help: "Reconnect attempts per side",
		},
		[]string{"side"},
	)

	keepalives = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "icbgw_keepalives_total",
			Help: "Keepalive pings sent per side",
		},
		[]string{"side"},
	)

	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "icbgw_session_state",
			Help: "Current session state (0 disconnected, 1 connecting, 2 handshake, 3 ready, 4 failed)",
		},
		[]string{"side"},
	)
)

// RegisterMetrics registers the gateway collectors with r.
func RegisterMetrics(r prometheus.Registerer) {
	r.MustRegister(relayedMessages, droppedMessages, truncatedFrames, reconnects, keepalives, sessionState)
}

func recordRelayed(direction string) {
	relayedMessages.WithLabelValues(direction).Inc()
}

func recordDropped(direction string) {
	droppedMessages.WithLabelValues(direction).Inc()
}

func recordTruncated() {
	truncatedFrames.Inc()
}

func recordReconnect(side string) {
	reconnects.WithLabelValues(side).Inc()
}

func recordKeepalive(side string) {
	keepalives.WithLabelValues(side).Inc()
}

func setSessionState(side string, st State) {
	sessionState.WithLabelValues(side).Set(float64(st))
}
