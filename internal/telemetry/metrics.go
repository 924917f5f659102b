// Package telemetry defines the process-wide Prometheus metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StreamReconnectAttemptsTotal counts reconnect attempts per stream URL.
	StreamReconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adamp_stream_reconnect_attempts_total",
		Help: "Number of stream reconnect attempts.",
	}, []string{"url"})

	// StreamConnectionState reports the current connection state (0=disconnected,
	// 1=connecting, 2=connected, 3=reconnecting, 4=failed).
	StreamConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "adamp_stream_connection_state",
		Help: "Current stream connection state.",
	}, []string{"url"})

	// SpectrumFramesDroppedTotal counts analysis windows dropped because the
	// FFT worker fell behind the render callback.
	SpectrumFramesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adamp_spectrum_frames_dropped_total",
		Help: "Number of spectrum analysis windows dropped under backpressure.",
	})

	// SpectrumFramesTotal counts emitted spectrum frames.
	SpectrumFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adamp_spectrum_frames_total",
		Help: "Number of spectrum frames emitted.",
	})

	// ScrobblesTotal counts scrobble reporting outcomes.
	ScrobblesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adamp_scrobbles_total",
		Help: "Number of scrobble reports by outcome.",
	}, []string{"kind", "outcome"})

	// DecodeErrorsTotal counts tracks skipped due to decode failures.
	DecodeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adamp_decode_errors_total",
		Help: "Number of decode failures by source kind.",
	}, []string{"source"})

	// ActiveGraph reports which graph kind currently holds session audio
	// (0=none, 1=local, 2=streaming).
	ActiveGraph = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adamp_active_graph",
		Help: "Graph kind backing the current session.",
	})

	// WebSocketConnections tracks live UI event-feed connections.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "adamp_websocket_connections",
		Help: "Number of active websocket event subscribers.",
	})

	// ScrobbleOpsDroppedTotal counts telemetry deliveries dropped because
	// the reporting worker was backed up.
	ScrobbleOpsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adamp_scrobble_ops_dropped_total",
		Help: "Number of telemetry operations dropped under backpressure.",
	})

	// CrossfadesTotal counts completed track transitions by type.
	CrossfadesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adamp_transitions_total",
		Help: "Number of completed track transitions.",
	}, []string{"type"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
