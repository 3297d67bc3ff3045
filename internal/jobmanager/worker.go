package jobmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/backutil/backutil/internal/config"
)

// backupInput is everything a worker needs to run a backup, captured under
// the lock and used after it is released.
type backupInput struct {
	target    string
	sources   []string
	excludes  []string
	wake      *config.WakeConfig
	retention config.RetentionPolicy
	shutdown  *config.ShutdownConfig
	notify    *config.NotifyConfig
}

// OnChange advances setName's state machine on a single coalesced
// filesystem-change token from the watcher. Unknown sets are ignored: a
// race between a config reload dropping a set and an in-flight watcher
// event is expected, not an error.
func (m *Manager) OnChange(setName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[setName]
	if !ok {
		return
	}
	m.arm(setName, j, false)
}

// TriggerBackup starts (or immediately collapses the debounce of) a manual
// backup request for setName.
func (m *Manager) TriggerBackup(setName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[setName]
	if !ok {
		return ErrUnknownSet
	}
	m.arm(setName, j, true)
	return nil
}

// TriggerAllBackups triggers every configured set, returning the sets that
// started and the sets that failed to start (there is currently no reason
// a trigger on a known set fails, but the shape matches the IPC protocol's
// all-sets reply).
func (m *Manager) TriggerAllBackups() (started []string, failed []backutil.FailedSet) {
	m.mu.Lock()
	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		if err := m.TriggerBackup(name); err != nil {
			failed = append(failed, backutil.FailedSet{SetName: name, Error: err.Error()})
			continue
		}
		started = append(started, name)
	}
	return started, failed
}

// arm transitions j into (or resets) Debouncing, or records that a change
// happened during Running so a fresh cycle starts on completion. Must be
// called with the Manager's mutex held.
func (m *Manager) arm(setName string, j *job, immediate bool) {
	debounce := m.cfg.EffectiveDebounce(j.set)
	now := time.Now()
	deadline := now.Add(debounce)
	if immediate {
		deadline = now
	}

	switch j.state.Kind {
	case backutil.JobIdle, backutil.JobError:
		j.deadline = deadline
		j.state = backutil.JobState{Kind: backutil.JobDebouncing, RemainingSecs: uint64(deadline.Sub(now) / time.Second)}
		m.resetTimer(setName, j, deadline.Sub(now))
	case backutil.JobDebouncing:
		j.deadline = deadline
		remaining := deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		j.state.RemainingSecs = uint64(remaining / time.Second)
		m.resetTimer(setName, j, remaining)
	case backutil.JobRunning:
		j.pendingChange = true
		if immediate {
			j.pendingImmediate = true
		}
	}
}

// resetTimer stops any existing debounce timer for j and arms a new one
// that fires onDeadline after d. Must be called with the mutex held.
func (m *Manager) resetTimer(setName string, j *job, d time.Duration) {
	if j.timer != nil {
		j.timer.Stop()
	}
	if d < 0 {
		d = 0
	}
	j.timer = time.AfterFunc(d, func() { m.onDeadline(setName) })
}

// onDeadline fires when a set's debounce timer expires. It spawns a worker
// iff no worker is already active for the set, enforcing the at-most-one-
// build-per-set invariant.
func (m *Manager) onDeadline(setName string) {
	m.mu.Lock()
	j, ok := m.jobs[setName]
	if !ok || j.state.Kind != backutil.JobDebouncing {
		m.mu.Unlock()
		return
	}
	if remaining := time.Until(j.deadline); remaining > 0 {
		// The timer fired early relative to a deadline extended by a
		// change that arrived between scheduling and firing.
		m.resetTimer(setName, j, remaining)
		m.mu.Unlock()
		return
	}
	if j.workerActive {
		m.mu.Unlock()
		return
	}

	j.workerActive = true
	j.state = backutil.JobState{Kind: backutil.JobRunning}
	input := backupInput{
		target:    j.set.Target,
		sources:   j.set.SourcePaths(),
		excludes:  j.set.Exclude,
		wake:      j.set.Wake,
		retention: m.cfg.EffectiveRetention(j.set),
		shutdown:  j.set.ShutdownAfter,
		notify:    m.cfg.Global.Notify,
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	m.mu.Unlock()

	m.broadcaster.Publish(backutil.Event{Kind: backutil.EventBackupStarted, Data: backutil.BackupStartedEvent{Set: setName}})
	go m.runBackup(ctx, setName, input)
}

// runBackup executes one backup for setName end to end: optional wake,
// the engine invocation, result bookkeeping, sibling-set refresh, and the
// optional post-backup auto-prune/notify/shutdown actions. It never holds
// the Manager's mutex across the engine call or any network operation.
func (m *Manager) runBackup(ctx context.Context, setName string, input backupInput) {
	if input.wake != nil {
		if _, err := m.waker.Wake(ctx, *input.wake); err != nil {
			errMsg := fmt.Sprintf("wake: %s", err)
			m.finishBackup(setName, backutil.BackupResult{Success: false, Error: errMsg})
			if input.notify != nil {
				m.notifier.BackupFailed(context.Background(), *input.notify, setName,
					backutil.BackupFailedEvent{Set: setName, Error: errMsg})
			}
			return
		}
	}

	result, err := m.engine.Backup(ctx, input.target, input.sources, input.excludes)
	if err != nil {
		result = backutil.BackupResult{Success: false, Error: err.Error()}
	}
	result.Timestamp = time.Now().UTC()

	m.finishBackup(setName, result)

	if !result.Success {
		if input.notify != nil {
			m.notifier.BackupFailed(context.Background(), *input.notify, setName,
				backutil.BackupFailedEvent{Set: setName, Error: result.Error})
		}
		return
	}

	m.refreshRepoSummaries(context.Background(), input.target)

	if input.notify != nil {
		m.notifier.BackupComplete(context.Background(), *input.notify, setName, backutil.BackupCompleteEvent{
			Set: setName, SnapshotID: result.SnapshotID, AddedBytes: result.AddedBytes,
			DurationS: result.Duration.Seconds(),
		})
	}

	if !input.retention.IsZero() {
		go m.runAutoPrune(context.Background(), setName, input.target, input.retention, input.shutdown)
	} else if input.shutdown != nil {
		go m.runShutdown(context.Background(), setName, *input.shutdown)
	}
}

// finishBackup records the outcome under the lock, broadcasts the terminal
// event, and re-arms a fresh debounce cycle if a change arrived while
// Running.
func (m *Manager) finishBackup(setName string, result backutil.BackupResult) {
	m.mu.Lock()
	j, ok := m.jobs[setName]
	if !ok {
		m.mu.Unlock()
		return
	}

	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
	j.workerActive = false
	j.lastBackup = &result
	if result.Success {
		j.state = backutil.JobState{Kind: backutil.JobIdle}
	} else {
		j.state = backutil.JobState{Kind: backutil.JobError, Error: result.Error}
	}

	pending := j.pendingChange
	immediate := j.pendingImmediate
	j.pendingChange = false
	j.pendingImmediate = false
	if pending {
		m.arm(setName, j, immediate)
	}
	m.mu.Unlock()

	if result.Success {
		m.broadcaster.Publish(backutil.Event{Kind: backutil.EventBackupComplete, Data: backutil.BackupCompleteEvent{
			Set: setName, SnapshotID: result.SnapshotID, AddedBytes: result.AddedBytes, DurationS: result.Duration.Seconds(),
		}})
	} else {
		m.broadcaster.Publish(backutil.Event{Kind: backutil.EventBackupFailed, Data: backutil.BackupFailedEvent{
			Set: setName, Error: result.Error,
		}})
	}
}

// runAutoPrune runs the configured retention policy after a successful
// backup. Failures are logged, never broadcast as a failure and never
// change job state, matching spec's "do not fail the backup" contract.
// Runs as its own task, separate from the backup worker, so a slow prune
// never holds worker_active true and blocks the next debounce cycle.
func (m *Manager) runAutoPrune(ctx context.Context, setName, target string, retention config.RetentionPolicy, shutdown *config.ShutdownConfig) {
	reclaimed, err := m.engine.Prune(ctx, target, retention)
	if err != nil {
		m.logger.Error().Err(err).Str("set", setName).Msg("auto-prune failed")
	} else {
		m.broadcaster.Publish(backutil.Event{Kind: backutil.EventPruneComplete, Data: backutil.PruneCompleteEvent{
			Set: setName, ReclaimedBytes: reclaimed,
		}})
		m.refreshRepoSummaries(ctx, target)
	}

	if shutdown != nil {
		m.runShutdown(ctx, setName, *shutdown)
	}
}

// runShutdown powers the configured host down over SSH. Failure is logged
// and never retried, matching the "stateless per-invocation action" design
// of the shutdown-after extension.
func (m *Manager) runShutdown(ctx context.Context, setName string, cfg config.ShutdownConfig) {
	if err := m.shutter.Shutdown(ctx, cfg); err != nil {
		m.logger.Error().Err(err).Str("set", setName).Str("host", cfg.Host).Msg("post-backup remote shutdown failed")
	}
}

// refreshRepoSummaries re-reads repository stats once and writes the
// result into every job sharing target, including setName itself. A
// failed refresh clears the cached metrics to nil rather than leaving
// stale values, per the repository-access-failure contract.
func (m *Manager) refreshRepoSummaries(ctx context.Context, target string) {
	m.mu.Lock()
	var siblings []string
	for name, j := range m.jobs {
		if j.set.Target == target {
			siblings = append(siblings, name)
		}
	}
	m.mu.Unlock()
	if len(siblings) == 0 {
		return
	}

	summary, err := m.engine.Stats(ctx, target)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range siblings {
		j, ok := m.jobs[name]
		if !ok {
			continue
		}
		if err != nil {
			j.summary = nil
			continue
		}
		s := summary
		j.summary = &s
	}
}
