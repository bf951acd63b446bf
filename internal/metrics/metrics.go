// Package metrics exposes prometheus instrumentation for the tunnel
// source data path and connection lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChunksPosted counts audio chunks handed to the routing graph.
	ChunksPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_source_chunks_posted_total",
		Help: "Number of audio chunks posted into the local routing graph",
	})

	// BytesPosted counts audio bytes handed to the routing graph.
	BytesPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_source_bytes_posted_total",
		Help: "Number of audio bytes posted into the local routing graph",
	})

	// TransportErrors counts fatal transport or protocol failures.
	TransportErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_source_transport_errors_total",
		Help: "Number of fatal transport errors observed by the I/O loop",
	})

	// UncorkRequests counts stream resume requests sent upstream.
	UncorkRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tunnel_source_uncork_requests_total",
		Help: "Number of uncork requests sent to the remote server",
	})

	// SessionState publishes the numeric session state.
	SessionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_source_session_state",
		Help: "Current remote session state (0=unconnected through 6=terminated)",
	})

	// StreamState publishes the numeric stream state.
	StreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_source_stream_state",
		Help: "Current remote stream state (0=creating through 3=terminated)",
	})

	// RemoteLatency publishes the last remote-measured latency.
	RemoteLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tunnel_source_remote_latency_microseconds",
		Help: "Last latency reported by the remote server in microseconds",
	})
)
