// Package ustats instruments the UG core with the same
// prometheus/client_golang counters the teacher's weed/stats package
// uses for the volume server (VolumeServerDiskSizeGauge and friends).
package ustats

import "github.com/prometheus/client_golang/prometheus"

var (
	// FreshnessMisses counts manifest/path refreshes triggered because
	// an inode's read or write freshness deadline had passed.
	FreshnessMisses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syndicate_ug",
		Name:      "freshness_misses_total",
		Help:      "Refreshes triggered by a stale read/write freshness deadline.",
	}, []string{"kind"}) // kind = "read" | "write" | "path"

	// DownloadLoopRetries counts per-block gateway-rotation retries in
	// the read path's bounded download loop.
	DownloadLoopRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "syndicate_ug",
		Name:      "download_loop_retries_total",
		Help:      "Block fetches retried against the next gateway in rotation.",
	})

	// ReplicationPhaseDuration observes the wall-clock time each of the
	// four replication phases takes.
	ReplicationPhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syndicate_ug",
		Name:      "replication_phase_seconds",
		Help:      "Duration of each replication state-machine phase.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase"})

	// VacuumQueueDepth reports the number of vacuum contexts currently
	// enqueued and not yet processed.
	VacuumQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syndicate_ug",
		Name:      "vacuum_queue_depth",
		Help:      "Vacuum contexts enqueued but not yet processed.",
	})

	// SyncQueueWaiters reports fsync callers currently parked behind
	// the inode's FIFO sync queue.
	SyncQueueWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "syndicate_ug",
		Name:      "sync_queue_waiters",
		Help:      "Fsync callers waiting in an inode's FIFO sync queue.",
	})
)

func init() {
	prometheus.MustRegister(
		FreshnessMisses,
		DownloadLoopRetries,
		ReplicationPhaseDuration,
		VacuumQueueDepth,
		SyncQueueWaiters,
	)
}
