// Package backutil holds the data model and wire protocol shared by every
// daemon component: job state, snapshot/backup results, and the
// line-delimited JSON request/response types spoken over the IPC socket.
package backutil

import "time"

// JobState is the current state of a backup set's state machine.
type JobState struct {
	Kind          JobStateKind `json:"kind"`
	RemainingSecs uint64       `json:"remaining_secs,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// JobStateKind is the tag of JobState.
type JobStateKind string

const (
	JobIdle       JobStateKind = "idle"
	JobDebouncing JobStateKind = "debouncing"
	JobRunning    JobStateKind = "running"
	JobError      JobStateKind = "error"
)

// BackupResult holds the outcome of a single backup operation.
type BackupResult struct {
	SnapshotID string        `json:"snapshot_id"`
	Timestamp  time.Time     `json:"timestamp"`
	AddedBytes uint64        `json:"added_bytes"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Error      string        `json:"error,omitempty"`
}

// RepoSummary is the cached repository-wide metrics for a set, refreshed
// after every successful backup or prune and cleared (not left stale) on
// refresh failure.
type RepoSummary struct {
	SnapshotCount int
	TotalBytes    uint64
}

// SnapshotInfo describes a single restic snapshot.
type SnapshotInfo struct {
	ID        string    `json:"id"`
	ShortID   string    `json:"short_id"`
	Timestamp time.Time `json:"timestamp"`
	Paths     []string  `json:"paths"`
	Tags      []string  `json:"tags"`
}

// SetStatus is the status of a single backup set, as reported to IPC clients.
type SetStatus struct {
	Name          string        `json:"name"`
	State         JobState      `json:"state"`
	LastBackup    *BackupResult `json:"last_backup,omitempty"`
	SourcePaths   []string      `json:"source_paths"`
	Target        string        `json:"target"`
	IsMounted     bool          `json:"is_mounted"`
	SnapshotCount *int          `json:"snapshot_count,omitempty"`
	TotalBytes    *uint64       `json:"total_bytes,omitempty"`
}
