// Package metrics exposes Prometheus collectors for the broker, session
// store, and playback scheduler. All collectors register against the default
// registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Broker
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulselink_connections_active",
		Help: "Current number of registered broker endpoints, synthetic controllers included",
	})

	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulselink_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulselink_messages_received_total",
		Help: "Inbound broker messages by envelope type",
	}, []string{"type"})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulselink_messages_sent_total",
		Help: "Outbound broker messages, heartbeats included",
	})

	ForwardFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pulselink_forward_failures_total",
		Help: "Messages that could not be delivered to the paired peer",
	})

	PairsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulselink_pairs_active",
		Help: "Current number of controller-app pairing relations",
	})

	// Session store
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulselink_sessions_active",
		Help: "Current number of device sessions in the store",
	})

	SessionsExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pulselink_sessions_expired_total",
		Help: "Sessions removed by lifecycle timers, by timer kind",
	}, []string{"kind"})

	// Playback scheduler
	PlaybackActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pulselink_playback_active",
		Help: "Current number of active continuous playback states",
	})

	PlaybackSendSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulselink_playback_send_seconds",
		Help:    "Observed latency of one waveform batch send",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		ConnectionsTotal,
		MessagesReceived,
		MessagesSent,
		ForwardFailures,
		PairsActive,
		SessionsActive,
		SessionsExpired,
		PlaybackActive,
		PlaybackSendSeconds,
	)
}
