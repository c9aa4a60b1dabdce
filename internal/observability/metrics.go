package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	connectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ft601",
			Subsystem: "gateway",
			Name:      "connections_total",
			Help:      "TCP client connections accepted.",
		},
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ft601",
			Subsystem: "gateway",
			Name:      "connections_active",
			Help:      "Currently connected TCP clients.",
		},
	)
	packetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ft601",
			Subsystem: "gateway",
			Name:      "packets_total",
			Help:      "Etherbone packets received from TCP clients.",
		},
		[]string{"kind"},
	)
	decodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ft601",
			Subsystem: "gateway",
			Name:      "decode_errors_total",
			Help:      "Client chunks that failed Etherbone decode.",
		},
	)
	registerReadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ft601",
			Subsystem: "device",
			Name:      "register_reads_total",
			Help:      "Per-address device read transactions.",
		},
		[]string{"result"},
	)
	readDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ft601",
			Subsystem: "device",
			Name:      "read_duration_seconds",
			Help:      "Device read transaction duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)
	writeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ft601",
			Subsystem: "device",
			Name:      "write_errors_total",
			Help:      "Fire-and-forget writes that failed at the transport.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			connectionsTotal,
			connectionsActive,
			packetsTotal,
			decodeErrorsTotal,
			registerReadsTotal,
			readDuration,
			writeErrorsTotal,
		)
	})
}

func RecordConnectionOpened() {
	RegisterMetrics()
	connectionsTotal.Inc()
	connectionsActive.Inc()
}

func RecordConnectionClosed() {
	RegisterMetrics()
	connectionsActive.Dec()
}

// RecordPacket counts one inbound client packet; kind is probe, write or
// read.
func RecordPacket(kind string) {
	RegisterMetrics()
	packetsTotal.WithLabelValues(kind).Inc()
}

func RecordDecodeError() {
	RegisterMetrics()
	decodeErrorsTotal.Inc()
}

// RecordRead observes one per-address device transaction; result is ok,
// timeout or protocol.
func RecordRead(result string, duration time.Duration) {
	RegisterMetrics()
	registerReadsTotal.WithLabelValues(result).Inc()
	readDuration.Observe(duration.Seconds())
}

func RecordWriteError() {
	RegisterMetrics()
	writeErrorsTotal.Inc()
}
