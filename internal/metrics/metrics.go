// Package metrics exposes Prometheus instrumentation for the sync service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRequests counts protocol messages handled by type and outcome.
	SyncRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_requests_total",
		Help: "Protocol messages handled, by message type and outcome.",
	}, []string{"type", "status"})

	// SyncDuration observes end-to-end sync request handling time.
	SyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_request_duration_seconds",
		Help:    "Sync request handling duration.",
		Buckets: prometheus.DefBuckets,
	})

	// MergedUpdateBytes counts incremental update bytes merged into
	// canonical replicas.
	MergedUpdateBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_merged_update_bytes_total",
		Help: "Incremental update bytes merged into canonical replicas.",
	})

	// ThrottledRequests counts requests rejected by the per-user rate limiter.
	ThrottledRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sync_throttled_requests_total",
		Help: "Requests rejected with 429 by the per-user rate limiter.",
	})

	// ReplicaCacheEvictions counts idle replicas evicted from memory.
	ReplicaCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_cache_evictions_total",
		Help: "Idle in-memory replicas evicted after persisting.",
	})

	// ReplicasInMemory tracks the current in-memory replica count.
	ReplicasInMemory = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replicas_in_memory",
		Help: "Replicas currently held in memory.",
	})

	// SnapshotCompactions counts update-log compactions into fresh snapshots.
	SnapshotCompactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_snapshot_compactions_total",
		Help: "Update logs folded into fresh snapshots.",
	})
)
