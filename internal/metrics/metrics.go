// Package metrics exposes the prometheus instrumentation for sdsync.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StateTransitions counts upload-cycle state transitions.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "cycle_transitions_total",
		Help:      "Upload cycle state transitions.",
	}, []string{"from", "to"})

	// BusAcquisitions counts bus acquisition attempts by result.
	BusAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "bus_acquisitions_total",
		Help:      "Bus acquisition attempts.",
	}, []string{"result"})

	// BusHoldSeconds observes how long the bus was held per session.
	BusHoldSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sdsync",
		Name:      "bus_hold_seconds",
		Help:      "Duration the storage bus was held per session.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	// FilesUploaded counts files transferred, by backend.
	FilesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "files_uploaded_total",
		Help:      "Files successfully transferred.",
	}, []string{"backend"})

	// BytesUploaded counts bytes transferred, by backend.
	BytesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "bytes_uploaded_total",
		Help:      "Bytes successfully transferred.",
	}, []string{"backend"})

	// FilesSkipped counts files skipped with an unchanged checksum.
	FilesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "files_skipped_total",
		Help:      "Files skipped because content was already uploaded.",
	})

	// FilesDeferred counts files deferred by budget admission control.
	FilesDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "files_deferred_total",
		Help:      "Files deferred because they would not fit the remaining budget.",
	})

	// FolderRetries counts folder retry attempts.
	FolderRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "folder_retries_total",
		Help:      "Folder upload retry attempts.",
	})

	// FoldersInvalidated counts completed folders regressed by
	// verification.
	FoldersInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "folders_invalidated_total",
		Help:      "Completed folders invalidated by verification.",
	})

	// PassOutcomes counts worker pass results.
	PassOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sdsync",
		Name:      "pass_outcomes_total",
		Help:      "Upload pass outcomes.",
	}, []string{"outcome"})

	// CycleState is a one-hot gauge of the current controller state.
	CycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sdsync",
		Name:      "cycle_state",
		Help:      "Current upload cycle state (one-hot).",
	}, []string{"state"})
)
