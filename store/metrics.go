package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// prometheusCounter is the minimal surface HashLockSet needs; defined as
// an interface (rather than a direct *prometheus.Counter field) so tests
// can swap in a no-op without touching the global registry.
type prometheusCounter interface {
	Add(float64)
}

// Metrics covers this store's domain: quota usage, reservations, pin
// activity, eviction counts, lock contention, and self-check repairs.
var (
	metricCurrentBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cas_store_current_bytes",
		Help: "Bytes currently committed to the content directory.",
	})
	metricReservedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cas_store_reserved_bytes",
		Help: "Bytes reserved for in-flight puts, not yet committed.",
	})
	metricPinnedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cas_store_pinned_bytes",
		Help: "Peak pinned bytes observed by the last disposed pin batch.",
	})
	metricEvictedBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_store_evicted_bytes_total",
		Help: "Total bytes freed by the eviction engine.",
	})
	metricEvictedFilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_store_evicted_files_total",
		Help: "Total replica files removed by the eviction engine.",
	})
	metricReplicaExpansionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_store_replica_expansions_total",
		Help: "Total number of times a new replica was created due to a hardlink-count limit.",
	})
	metricLockWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_store_hash_lock_wait_seconds_total",
		Help: "Cumulative time spent waiting to acquire a per-hash lock.",
	})
	metricSelfCheckMismatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_store_self_check_mismatches_total",
		Help: "Total blobs found mismatched (and repaired or removed) by self-check.",
	})
	metricQuotaExceededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cas_store_quota_exceeded_total",
		Help: "Total reservation attempts that failed with QuotaExceeded.",
	})
)
