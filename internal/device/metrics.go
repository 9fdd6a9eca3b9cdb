package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_device_pool_hits_total",
		Help: "Total number of allocations served from the buffer pool",
	}, []string{"device"})

	allocBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_device_alloc_bytes_total",
		Help: "Total bytes freshly allocated by a device driver",
	}, []string{"device"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_device_transfer_bytes_total",
		Help: "Total bytes moved between host and device",
	}, []string{"device", "direction"})
)
