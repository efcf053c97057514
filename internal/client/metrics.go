package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kge_client_circuit_state",
		Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
	})

	breakerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_client_circuit_rejections_total",
		Help: "Total number of requests rejected by an open circuit",
	})

	remoteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kge_client_request_duration_seconds",
		Help:    "Latency of remote scoring requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})

	remoteErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_client_request_errors_total",
		Help: "Total number of failed remote scoring requests",
	}, []string{"transport"})
)
