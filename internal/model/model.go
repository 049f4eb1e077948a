// Package model defines the core domain types for sdsync: the upload
// cycle states, bus ownership, folder bookkeeping records and pass
// outcomes shared by the catalog, engine and CLI.
package model

import (
	"time"
)

// BusOwner identifies which of the two bus masters currently drives the
// shared storage interface. Exactly one owner exists at any instant;
// transitions happen only inside the bus arbiter.
type BusOwner string

const (
	OwnerTherapyDevice BusOwner = "therapy_device"
	OwnerController    BusOwner = "controller"
)

// CycleState is the state of the upload cycle controller. The cycle has
// no terminal state; it repeats for the lifetime of the process.
type CycleState string

const (
	StateIdle       CycleState = "idle"
	StateListening  CycleState = "listening"
	StateAcquiring  CycleState = "acquiring"
	StateUploading  CycleState = "uploading"
	StateReleasing  CycleState = "releasing"
	StateCooldown   CycleState = "cooldown"
	StateComplete   CycleState = "complete"
	StateMonitoring CycleState = "monitoring"
)

// UploadMode selects between the two scheduling behaviors.
type UploadMode string

const (
	// ModeScheduled uploads once per calendar day inside a configured
	// hour window.
	ModeScheduled UploadMode = "scheduled"
	// ModeSmart uploads continuously, gated only by bus silence and the
	// cooldown period.
	ModeSmart UploadMode = "smart"
)

// DataFilter selects which age categories an upload pass may send.
type DataFilter string

const (
	FilterFreshOnly DataFilter = "fresh"
	FilterOldOnly   DataFilter = "old"
	FilterAllData   DataFilter = "all"
)

// PassOutcome is the typed result a worker pass hands back to the
// controller over its one-shot result channel.
type PassOutcome string

const (
	PassComplete PassOutcome = "complete"
	PassTimeout  PassOutcome = "timeout"
	PassError    PassOutcome = "error"
)

// PassResult carries the worker outcome plus counters for logging and
// the diagnostic surface.
type PassResult struct {
	Outcome       PassOutcome   `json:"outcome"`
	Err           error         `json:"-"`
	FilesUploaded int           `json:"files_uploaded"`
	FilesSkipped  int           `json:"files_skipped"`
	BytesUploaded int64         `json:"bytes_uploaded"`
	Elapsed       time.Duration `json:"elapsed"`
}

// FolderStatus is the catalog state of one dated data folder.
type FolderStatus string

const (
	// FolderIncomplete means the folder has files that have not all
	// been confirmed uploaded.
	FolderIncomplete FolderStatus = "incomplete"
	// FolderPending means the folder was discovered empty and is being
	// watched until it either gains content or times out.
	FolderPending FolderStatus = "pending"
	// FolderCompleted is terminal unless a verification pass
	// invalidates it.
	FolderCompleted FolderStatus = "completed"
)

// FileRecord holds the content checksum recorded after a confirmed,
// size-locked upload of one file.
type FileRecord struct {
	Path     string    `json:"path"`
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	Uploaded time.Time `json:"uploaded"`
}

// CatalogStats summarizes catalog state for the status surface.
type CatalogStats struct {
	CompletedFolders int       `json:"completed_folders"`
	PendingFolders   int       `json:"pending_folders"`
	TrackedFiles     int       `json:"tracked_files"`
	CurrentRetry     string    `json:"current_retry_folder,omitempty"`
	RetryCount       int       `json:"current_retry_count"`
	LastUpload       time.Time `json:"last_upload,omitempty"`
}

// CycleStatus is the controller state snapshot exposed on the
// diagnostic surface.
type CycleStatus struct {
	State          CycleState    `json:"state"`
	StateEnteredAt time.Time     `json:"state_entered_at"`
	HadTimeout     bool          `json:"had_timeout_this_cycle"`
	BusOwner       BusOwner      `json:"bus_owner"`
	IdleFor        time.Duration `json:"bus_idle_for"`
	LastResult     *PassResult   `json:"last_result,omitempty"`
}
