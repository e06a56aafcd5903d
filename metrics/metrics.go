// Package metrics defines prometheus metric types and provides
// convenience methods to add accounting to various parts of the
// endpoint.
//
// When defining new operations or metrics, these are helpful values to
// track:
//   - things coming into or out of the system: packets, datagrams,
//     connections, handshakes.
//   - the success or error status of any of the above.
//   - the distribution of sizes and latencies.
package metrics

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsReceived counts decrypted and processed packets per
	// packet-number space.
	PacketsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_packets_received_total",
			Help: "Number of packets received and processed.",
		}, []string{"space"})

	// PacketsSent counts transmitted packets per packet-number space.
	PacketsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_packets_sent_total",
			Help: "Number of packets sent.",
		}, []string{"space"})

	// PacketsDropped counts packets dropped before frame processing.
	// Example usage:
	//   metrics.PacketsDropped.WithLabelValues("aead").Inc()
	PacketsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_packets_dropped_total",
			Help: "Number of packets dropped, by reason.",
		}, []string{"reason"})

	// Retransmits counts packets retransmitted after loss.
	Retransmits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quant_retransmits_total",
			Help: "Number of packets retransmitted.",
		})

	// Handshakes counts completed handshakes by role.
	Handshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_handshakes_total",
			Help: "Number of completed handshakes.",
		}, []string{"role"})

	// Connections tracks the number of live connections.
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quant_connections",
			Help: "Number of live connections.",
		})

	// ErrorCount measures the number of connection errors.
	// Example usage:
	//   metrics.ErrorCount.WithLabelValues("0x7").Inc()
	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quant_error_total",
			Help: "The total number of connection close errors.",
		}, []string{"code"})

	// DatagramSizeHistogram tracks transmitted UDP datagram sizes,
	// including coalesced datagrams.
	DatagramSizeHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "quant_datagram_size_histogram",
			Help: "transmitted datagram size distribution (bytes)",
			Buckets: []float64{
				32, 64, 128, 256, 512, 1024, 1200, 1252,
			},
		})

	// AckBlockHistogram tracks how many ranges inbound ACK frames
	// carry, a proxy for peer-visible reordering and loss.
	AckBlockHistogram = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quant_ack_block_histogram",
			Help:    "inbound ACK block count distribution",
			Buckets: prometheus.LinearBuckets(1, 1, 16),
		})

	// StreamBytesDelivered counts in-order bytes handed to the
	// application.
	StreamBytesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quant_stream_bytes_delivered_total",
			Help: "Number of in-order stream bytes delivered.",
		})
)

// init() prints a log message to let the user know that the package has
// been loaded and the metrics registered. The metrics are
// auto-registered, which means they are registered as soon as this
// package is loaded, and the exact time this occurs (and whether this
// occurs at all in a given context) can be opaque.
func init() {
	log.Println("Prometheus metrics in quant.metrics are registered.")
}
