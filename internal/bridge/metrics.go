package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_scheduler_phase_duration_seconds",
		Help:    "Wall time of a scheduler forward or backward call",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	activePartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "strata_scheduler_active_partitions",
		Help: "Partitions run by the last scheduler call",
	})

	aggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_scheduler_aggregation_seconds",
		Help:    "Time spent summing partition gradients and applying updates",
		Buckets: prometheus.DefBuckets,
	})
)
