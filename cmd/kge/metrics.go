package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_requests_total",
		Help: "Total number of scoring requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kge_request_duration_seconds",
		Help:    "Time spent processing scoring requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})

	admittedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kge_admitted_bytes",
		Help: "Estimated bytes held by requests currently being scored",
	})

	upstreamForwards = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_upstream_forwards_total",
		Help: "Total number of requests forwarded to the upstream scorer",
	})
)
