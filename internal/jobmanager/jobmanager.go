// Package jobmanager implements the per-set backup state machine: the
// change→debounce→execute pipeline, at-most-one-build-per-set discipline,
// retention auto-prune, repository-sharing refresh across sibling sets, and
// mount lifecycle tracking. It is the daemon's single owner of runtime job
// state, guarded by one mutex that is never held across subprocess execution
// or other blocking I/O.
package jobmanager

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/backutil/backutil/internal/config"
	"github.com/backutil/backutil/internal/paths"
	"github.com/backutil/backutil/internal/wake"
	"github.com/rs/zerolog"
)

// Engine is the subset of the restic adapter the job manager drives. Any
// type satisfying this interface can stand in for *engine.Adapter in tests.
type Engine interface {
	Backup(ctx context.Context, target string, sources, excludes []string) (backutil.BackupResult, error)
	Prune(ctx context.Context, target string, retention config.RetentionPolicy) (uint64, error)
	Snapshots(ctx context.Context, target string, limit int) ([]backutil.SnapshotInfo, error)
	Stats(ctx context.Context, target string) (backutil.RepoSummary, error)
	Mount(ctx context.Context, target, mountpoint, snapshotID string) (*os.Process, error)
}

// Waker wakes a sleeping backup target before a run.
type Waker interface {
	Wake(ctx context.Context, cfg config.WakeConfig) (wake.Result, error)
}

// Shutter powers a remote host down after a successful backup.
type Shutter interface {
	Shutdown(ctx context.Context, cfg config.ShutdownConfig) error
}

// Notifier mirrors lifecycle events to an external sink, best-effort.
type Notifier interface {
	BackupComplete(ctx context.Context, cfg config.NotifyConfig, set string, ev backutil.BackupCompleteEvent)
	BackupFailed(ctx context.Context, cfg config.NotifyConfig, set string, ev backutil.BackupFailedEvent)
}

// MountChecker reports whether a path is currently mounted, consulting the
// host's mount table rather than daemon-owned process state.
type MountChecker interface {
	IsMounted(mountpoint string) (bool, error)
}

// job is one backup set's full runtime state. Every field is read or
// written only while the Manager's mutex is held.
type job struct {
	set              config.BackupSet
	state            backutil.JobState
	deadline         time.Time
	timer            *time.Timer
	lastBackup       *backutil.BackupResult
	summary          *backutil.RepoSummary
	mountProc        *os.Process
	isMounted        bool
	workerActive     bool
	pendingChange    bool
	pendingImmediate bool
	cancel           context.CancelFunc // non-nil while a worker is running; cancels its ctx
}

// Manager owns every configured set's Job under a single mutex. No method
// here blocks on a subprocess, file I/O against a repository, or a network
// call — those are captured as inputs, run after the lock is released, and
// written back under a fresh lock acquisition.
type Manager struct {
	mu     sync.Mutex
	jobs   map[string]*job
	cfg    *config.Config
	logger zerolog.Logger

	engine       Engine
	broadcaster  *backutil.Broadcaster
	waker        Waker
	shutter      Shutter
	notifier     Notifier
	mountChecker MountChecker

	passwordPath string
	mountBase    func(setName string) string
}

// Option customizes a Manager at construction, primarily for tests that
// need to swap collaborators or filesystem locations.
type Option func(*Manager)

// WithMountBase overrides the mount-point directory function.
func WithMountBase(f func(setName string) string) Option {
	return func(m *Manager) { m.mountBase = f }
}

// New creates a Manager for every backup set in cfg. It does not perform
// startup reconciliation; call Reconcile once the daemon is ready to talk
// to the engine.
func New(logger zerolog.Logger, cfg *config.Config, eng Engine, broadcaster *backutil.Broadcaster,
	waker Waker, shutter Shutter, notifier Notifier, mountChecker MountChecker, passwordPath string, opts ...Option,
) *Manager {
	m := &Manager{
		jobs:         make(map[string]*job, len(cfg.BackupSets)),
		cfg:          cfg,
		logger:       logger,
		engine:       eng,
		broadcaster:  broadcaster,
		waker:        waker,
		shutter:      shutter,
		notifier:     notifier,
		mountChecker: mountChecker,
		passwordPath: passwordPath,
		mountBase:    paths.MountPath,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, set := range cfg.BackupSets {
		m.jobs[set.Name] = &job{set: set, state: backutil.JobState{Kind: backutil.JobIdle}}
	}
	return m
}

// Subscribe registers a new broadcast subscriber for the lifetime of an IPC
// connection.
func (m *Manager) Subscribe() *backutil.Subscription {
	return m.broadcaster.Subscribe()
}

// Reconcile populates every job's last-backup and repository-summary fields
// from the engine, and marks jobs mounted if an orphaned FUSE mount from a
// prior crash is found under their mount point. Errors for an individual
// set are logged, not returned, so one unreachable repository never blocks
// startup for the rest.
func (m *Manager) Reconcile(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.jobs))
	targets := make(map[string]string, len(m.jobs))
	for name, j := range m.jobs {
		names = append(names, name)
		targets[name] = j.set.Target
	}
	m.mu.Unlock()

	for _, name := range names {
		m.reconcileOne(ctx, name, targets[name])
	}
}

func (m *Manager) reconcileOne(ctx context.Context, name, target string) {
	var lastBackup *backutil.BackupResult
	if snaps, err := m.engine.Snapshots(ctx, target, 1); err != nil {
		m.logger.Warn().Err(err).Str("set", name).Msg("could not list snapshots during startup reconciliation")
	} else if len(snaps) > 0 {
		latest := snaps[len(snaps)-1]
		lastBackup = &backutil.BackupResult{SnapshotID: latest.ID, Timestamp: latest.Timestamp, Success: true}
	}

	var summary *backutil.RepoSummary
	if s, err := m.engine.Stats(ctx, target); err != nil {
		m.logger.Warn().Err(err).Str("set", name).Msg("could not read repository stats during startup reconciliation")
	} else {
		summary = &s
	}

	mountpoint := m.mountBase(name)
	mounted := false
	if m.mountChecker != nil {
		if ok, err := m.mountChecker.IsMounted(mountpoint); err != nil {
			m.logger.Warn().Err(err).Str("set", name).Msg("could not inspect mount table during startup reconciliation")
		} else {
			mounted = ok
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[name]
	if !ok {
		return
	}
	if lastBackup != nil {
		j.lastBackup = lastBackup
	}
	j.summary = summary
	if mounted {
		j.isMounted = true
	}
}

// Status returns a point-in-time snapshot of every configured set.
func (m *Manager) Status() []backutil.SetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]backutil.SetStatus, 0, len(m.jobs))
	for name, j := range m.jobs {
		out = append(out, m.statusOf(name, j))
	}
	return out
}

func (m *Manager) statusOf(name string, j *job) backutil.SetStatus {
	state := j.state
	if state.Kind == backutil.JobDebouncing {
		remaining := time.Until(j.deadline)
		if remaining < 0 {
			remaining = 0
		}
		state.RemainingSecs = uint64(remaining.Round(time.Second) / time.Second)
	}

	status := backutil.SetStatus{
		Name:        name,
		State:       state,
		LastBackup:  j.lastBackup,
		SourcePaths: j.set.SourcePaths(),
		Target:      j.set.Target,
		IsMounted:   j.isMounted,
	}
	if j.summary != nil {
		count := j.summary.SnapshotCount
		bytes := j.summary.TotalBytes
		status.SnapshotCount = &count
		status.TotalBytes = &bytes
	}
	return status
}

// ErrUnknownSet is returned by any operation naming a set not present in
// the current configuration.
var ErrUnknownSet = fmt.Errorf("unknown backup set")
