// Package metrics declares the Prometheus instrumentation surface for the
// WAL engine, expanding the teacher's metrics.go with segment, registry
// and checkpoint instrumentation in addition to the write/read counters
// it already had.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every counter/gauge/histogram the engine emits. New
// always returns a non-nil *Metrics with every field set; New(nil)
// registers them against a private registry.
type Metrics struct {
	reg prometheus.Registerer

	FramesWritten         prometheus.Counter
	BytesWritten          prometheus.Counter
	Commits               prometheus.Counter
	FramesRead            prometheus.Counter
	PagesReadFromBase     prometheus.Counter
	SegmentRotations      prometheus.Counter
	SegmentsSealed        prometheus.Counter
	SegmentsCheckpointed  prometheus.Counter
	CheckpointDuration    prometheus.Histogram
	CheckpointPages       prometheus.Counter
	LockWaitDuration      prometheus.Histogram
	BusySnapshotRestarts  prometheus.Counter
	LastSegmentAgeSeconds prometheus.Gauge
	OpenSegments          prometheus.Gauge
	SealedQueueLength     prometheus.Gauge
}

// New builds a Metrics instance, registering every collector against reg.
// If reg is nil, the returned Metrics remains safe to call into (all
// fields are initialized against a private registry that no one
// scrapes).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		FramesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_frames_written_total",
			Help: "Number of frames appended to the current segment across all namespaces.",
		}),
		BytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_bytes_written_total",
			Help: "Bytes of frame payload (header+page+trailer) written to segment files.",
		}),
		Commits: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_commits_total",
			Help: "Number of write transactions that committed successfully.",
		}),
		FramesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_frames_read_total",
			Help: "Number of pages served from a segment's frame data (current or sealed).",
		}),
		PagesReadFromBase: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_pages_read_from_base_total",
			Help: "Number of page reads that fell through to the base database file.",
		}),
		SegmentRotations: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_segment_rotations_total",
			Help: "Number of times the current segment was sealed and replaced.",
		}),
		SegmentsSealed: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_segments_sealed_total",
			Help: "Number of segments transitioned from live to sealed.",
		}),
		SegmentsCheckpointed: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_segments_checkpointed_total",
			Help: "Number of sealed segments folded into the base database file and removed.",
		}),
		CheckpointDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wal_checkpoint_duration_seconds",
			Help:    "Wall-clock duration of each checkpoint pass.",
			Buckets: prometheus.DefBuckets,
		}),
		CheckpointPages: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_checkpoint_pages_written_total",
			Help: "Number of distinct pages written to the base database file by checkpoints.",
		}),
		LockWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wal_lock_wait_duration_seconds",
			Help:    "Time a connection spent parked waiting for the writer lock in Upgrade.",
			Buckets: prometheus.DefBuckets,
		}),
		BusySnapshotRestarts: f.NewCounter(prometheus.CounterOpts{
			Name: "wal_busy_snapshot_restarts_total",
			Help: "Number of Upgrade calls that failed because the read snapshot went stale.",
		}),
		LastSegmentAgeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name: "wal_last_segment_age_seconds",
			Help: "Seconds between creation and sealing of the most recently sealed segment.",
		}),
		OpenSegments: f.NewGauge(prometheus.GaugeOpts{
			Name: "wal_open_segments",
			Help: "Number of segment files currently open (current + sealed queue) across namespaces.",
		}),
		SealedQueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "wal_sealed_queue_length",
			Help: "Number of sealed segments awaiting checkpoint, summed across namespaces.",
		}),
	}
}
