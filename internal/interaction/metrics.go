package interaction

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scoreCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_interaction_calls_total",
		Help: "Total number of interaction function evaluations",
	}, []string{"interaction"})

	scoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_interaction_errors_total",
		Help: "Total number of failed interaction function evaluations",
	}, []string{"interaction"})

	scoreDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kge_interaction_duration_seconds",
		Help:    "Time spent evaluating interaction functions",
		Buckets: prometheus.DefBuckets,
	}, []string{"interaction"})

	scoresProduced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_interaction_scores_total",
		Help: "Total number of scores produced",
	}, []string{"interaction"})

	driverFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kge_interaction_driver_faults_total",
		Help: "Total number of known driver faults relabelled with batch size guidance",
	}, []string{"op"})
)
