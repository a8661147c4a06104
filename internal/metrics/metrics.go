// Package metrics declares the counters and timers emitted at the core's
// probe points. Export of the registry stays outside the core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the probe-point set. Construct with New and inject; a nil
// registerer yields unregistered (but functional) collectors, which tests
// use.
type Metrics struct {
	FilesUploaded   prometheus.Counter
	FilesDownloaded prometheus.Counter
	ChunksStored    prometheus.Counter
	ChunksRepaired  prometheus.Counter

	CacheHits   *prometheus.CounterVec // label: namespace
	CacheMisses *prometheus.CounterVec // label: namespace

	TaskRetries *prometheus.CounterVec // label: task

	NodesHealthy prometheus.Gauge

	ReplicationDuration prometheus.Histogram
}

// New builds the metric set, registering it with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FilesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_files_uploaded_total",
			Help: "Files whose upload reached completed.",
		}),
		FilesDownloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_files_downloaded_total",
			Help: "Files served in full to a caller.",
		}),
		ChunksStored: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_chunks_stored_total",
			Help: "Chunks that reached quorum and were committed.",
		}),
		ChunksRepaired: f.NewCounter(prometheus.CounterOpts{
			Name: "chunkvault_chunks_repaired_total",
			Help: "Chunks re-replicated back to the target factor.",
		}),
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkvault_cache_hits_total",
			Help: "Cache hits by namespace.",
		}, []string{"namespace"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkvault_cache_misses_total",
			Help: "Cache misses by namespace.",
		}, []string{"namespace"}),
		TaskRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkvault_task_retries_total",
			Help: "Transient task failures that were retried.",
		}, []string{"task"}),
		NodesHealthy: f.NewGauge(prometheus.GaugeOpts{
			Name: "chunkvault_storage_nodes_healthy",
			Help: "Storage nodes that answered the last health probe.",
		}),
		ReplicationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "chunkvault_replication_duration_seconds",
			Help:    "Wall time of replicate tasks.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
}
