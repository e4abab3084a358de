package rtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "mediacore"
	metricsSubsystem = "rtp"
)

var (
	// packetsTotal пакеты по направлению ("tx", "rx")
	packetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "packets_total",
			Help:      "Total number of RTP packets",
		},
		[]string{"direction"},
	)

	octetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "octets_total",
			Help:      "Total number of RTP payload octets",
		},
		[]string{"direction"},
	)

	// droppedTotal отброшенные входящие пакеты по причине
	droppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dropped_packets_total",
			Help:      "Inbound packets dropped before reaching the application",
		},
		[]string{"reason"},
	)

	dtmfEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dtmf_events_total",
			Help:      "DTMF digits sent and received",
		},
		[]string{"direction"},
	)

	dtmfDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "dtmf_dropped_total",
			Help:      "Inbound DTMF digits discarded because the previous digit was not consumed",
		},
	)

	transportErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transport_errors_total",
			Help:      "Transport send errors",
		},
		[]string{"suppressed"},
	)

	natLearnedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "nat_learned_total",
			Help:      "Remote addresses learned from inbound traffic",
		},
	)

	// reportMetrics значения из RTCP отчетов, обновляются PrometheusSink
	reportJitterSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "jitter_seconds",
			Help:      "Interarrival jitter reported by the remote side",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)

	reportRTTSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "rtt_seconds",
			Help:      "Round trip time computed from receiver reports",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
	)

	reportFractionLost = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "fraction_lost_ratio",
			Help:      "Fraction of packets lost reported by the remote side",
			Buckets:   []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		},
	)

	reportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "reports_total",
			Help:      "Control packets by type and direction",
		},
		[]string{"type", "direction"},
	)
)
