package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gemmCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_device_gemm_total",
		Help: "Total number of GEMM kernels dispatched",
	}, []string{"backend"})

	gemmFlops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_device_gemm_flops_total",
		Help: "Total floating point operations issued through GEMM",
	}, []string{"backend"})

	poolHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_device_pool_hits_total",
		Help: "Total number of successful scratch buffer pool retrievals",
	})

	poolMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_device_pool_misses_total",
		Help: "Total number of scratch buffer pool misses (allocations)",
	})
)
