package jobmanager

import (
	"context"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/backutil/backutil/internal/config"
)

// Snapshots lists the most recent snapshots in setName's repository, most
// recent last, matching the engine adapter's own ordering.
func (m *Manager) Snapshots(ctx context.Context, setName string, limit int) ([]backutil.SnapshotInfo, error) {
	m.mu.Lock()
	j, ok := m.jobs[setName]
	if !ok {
		m.mu.Unlock()
		return nil, ErrUnknownSet
	}
	target := j.set.Target
	m.mu.Unlock()

	return m.engine.Snapshots(ctx, target, limit)
}

// Prune runs restic forget+prune against setName's repository synchronously
// and returns the bytes reclaimed. Unlike Backup, Prune does not go through
// the debounce pipeline: the caller is already explicitly asking for it now.
func (m *Manager) Prune(ctx context.Context, setName string) (uint64, error) {
	m.mu.Lock()
	j, ok := m.jobs[setName]
	if !ok {
		m.mu.Unlock()
		return 0, ErrUnknownSet
	}
	target := j.set.Target
	retention := m.cfg.EffectiveRetention(j.set)
	m.mu.Unlock()

	reclaimed, err := m.engine.Prune(ctx, target, retention)
	if err != nil {
		return 0, err
	}

	m.broadcaster.Publish(backutil.Event{Kind: backutil.EventPruneComplete, Data: backutil.PruneCompleteEvent{
		Set: setName, ReclaimedBytes: reclaimed,
	}})
	m.refreshRepoSummaries(ctx, target)
	return reclaimed, nil
}

// PruneAll prunes every configured set synchronously, returning the sets
// that succeeded (with bytes reclaimed) and the sets that failed.
func (m *Manager) PruneAll(ctx context.Context) (succeeded []backutil.PrunedSet, failed []backutil.FailedSet) {
	m.mu.Lock()
	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		reclaimed, err := m.Prune(ctx, name)
		if err != nil {
			failed = append(failed, backutil.FailedSet{SetName: name, Error: err.Error()})
			continue
		}
		succeeded = append(succeeded, backutil.PrunedSet{SetName: name, ReclaimedBytes: reclaimed})
	}
	return succeeded, failed
}

// ReloadConfig replaces the manager's configuration, adding jobs for newly
// configured sets, unmounting and dropping sets that were removed, and
// updating in place the config of sets that still exist. A debounce timer
// that is already running is not re-armed; the set's next arm() uses the
// new configuration.
func (m *Manager) ReloadConfig(ctx context.Context, newCfg *config.Config) error {
	m.mu.Lock()
	var removed []string
	keep := make(map[string]config.BackupSet, len(newCfg.BackupSets))
	for _, set := range newCfg.BackupSets {
		keep[set.Name] = set
	}
	for name := range m.jobs {
		if _, ok := keep[name]; !ok {
			removed = append(removed, name)
		}
	}
	m.mu.Unlock()

	for _, name := range removed {
		_ = m.unmountOne(ctx, name)
	}

	m.mu.Lock()
	var added []config.BackupSet
	for _, name := range removed {
		if j, ok := m.jobs[name]; ok && j.timer != nil {
			j.timer.Stop()
		}
		delete(m.jobs, name)
	}
	for _, set := range newCfg.BackupSets {
		if j, ok := m.jobs[set.Name]; ok {
			j.set = set
			continue
		}
		m.jobs[set.Name] = &job{set: set, state: backutil.JobState{Kind: backutil.JobIdle}}
		added = append(added, set)
	}
	m.cfg = newCfg
	m.mu.Unlock()

	for _, set := range added {
		m.reconcileOne(ctx, set.Name, set.Target)
	}
	return nil
}

// Shutdown stops every debounce timer, cancels any worker currently running
// an engine call (so the restic subprocess it holds receives SIGTERM via
// the executor's own cancel handling), and unmounts every mounted set,
// bounded by ctx. Called once, during daemon termination.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for _, j := range m.jobs {
		if j.timer != nil {
			j.timer.Stop()
		}
		if j.cancel != nil {
			j.cancel()
		}
	}
	m.mu.Unlock()

	if err := m.Unmount(ctx, nil); err != nil {
		m.logger.Warn().Err(err).Msg("error unmounting sets during shutdown")
	}
}
