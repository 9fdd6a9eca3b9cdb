package lowering

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// loweringDuration tracks time spent in Lower and Unlower
	loweringDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_lowering_duration_seconds",
		Help:    "Time spent lowering and unlowering cubes",
		Buckets: []float64{0.00001, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}, []string{"direction"})
)
