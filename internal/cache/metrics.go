package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_score_cache_hits_total",
		Help: "Total number of score cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_score_cache_misses_total",
		Help: "Total number of score cache misses",
	})

	cacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_score_cache_evictions_total",
		Help: "Total number of score cache evictions",
	})

	cacheCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kge_score_cache_collisions_total",
		Help: "Total number of lookups whose hash matched an entry for different inputs",
	})

	cacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kge_score_cache_entries",
		Help: "Current number of cached score tensors",
	})
)
