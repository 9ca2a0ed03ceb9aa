package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks store hits by backend
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_cache_hits_total",
			Help: "Total number of cache store hits",
		},
		[]string{"backend"},
	)

	// CacheMisses tracks store misses by backend
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_cache_misses_total",
			Help: "Total number of cache store misses",
		},
		[]string{"backend"},
	)

	// CacheWrites tracks entries written by backend
	CacheWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_cache_writes_total",
			Help: "Total number of cache entries written",
		},
		[]string{"backend"},
	)

	// CacheErrors tracks backend operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"backend", "operation"}, // "open", "match", "put", "delete", "keys", "names", "drop"
	)

	// StoresDropped tracks whole stores deleted (generation purge)
	StoresDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "academy_cache_stores_dropped_total",
			Help: "Total number of cache stores deleted",
		},
		[]string{"backend"},
	)
)
