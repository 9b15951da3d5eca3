// Package monitoring exposes the proxy's Prometheus collectors.
//
// Counters are package-level and registered once via promauto, so any
// component can bump them without plumbing a collector handle through its
// constructor. The /metrics endpoint serves the default registry.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts lookups answered from a Ready or Pending entry.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rpcproxy",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache lookups served without a new upstream call.",
	})

	// CacheMisses counts lookups that started a new production.
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rpcproxy",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache lookups that required an upstream call.",
	})

	// CacheEvictions counts entries dropped by size pressure or expiry
	// during eviction.
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rpcproxy",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Cache entries evicted.",
	})

	// UpstreamRequests counts attempts per backend URL, by outcome.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rpcproxy",
		Subsystem: "upstream",
		Name:      "requests_total",
		Help:      "Upstream attempts by backend and outcome.",
	}, []string{"backend", "outcome"})

	// UpstreamLatency observes per-attempt latency per backend URL.
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "rpcproxy",
		Subsystem: "upstream",
		Name:      "latency_seconds",
		Help:      "Upstream attempt latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"backend"})

	// BackendState reports the current state per backend URL
	// (0 healthy, 1 degraded, 2 down).
	BackendState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "rpcproxy",
		Subsystem: "backend",
		Name:      "state",
		Help:      "Backend state: 0 healthy, 1 degraded, 2 down.",
	}, []string{"backend"})
)

// Outcome labels for UpstreamRequests.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)
