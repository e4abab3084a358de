package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// attemptsTotal попытки моста по режиму и результату
	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediacore",
			Subsystem: "bridge",
			Name:      "attempts_total",
			Help:      "Bridge attempts by mode and result",
		},
		[]string{"mode", "result"},
	)

	activeBridges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mediacore",
			Subsystem: "bridge",
			Name:      "active",
			Help:      "Bridges currently established",
		},
		[]string{"mode"},
	)

	durationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediacore",
			Subsystem: "bridge",
			Name:      "duration_seconds",
			Help:      "Time spent in an established bridge",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 8),
		},
		[]string{"mode"},
	)
)
