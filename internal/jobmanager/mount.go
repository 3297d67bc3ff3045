package jobmanager

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// unmountGrace bounds how long a mount subprocess is given to exit on its
// own after SIGTERM before the manager escalates to SIGKILL.
const unmountGrace = 5 * time.Second

// GopsutilMountChecker consults the host's mount table via gopsutil rather
// than parsing /proc/mounts by hand, so an orphaned FUSE mount left behind
// by a crashed daemon is detected on the next startup.
type GopsutilMountChecker struct{}

// IsMounted implements MountChecker.
func (GopsutilMountChecker) IsMounted(mountpoint string) (bool, error) {
	partitions, err := disk.PartitionsWithContext(context.Background(), true)
	if err != nil {
		return false, fmt.Errorf("listing mounted partitions: %w", err)
	}
	for _, p := range partitions {
		if p.Mountpoint == mountpoint {
			return true, nil
		}
	}
	return false, nil
}

// Mount spawns (or returns the existing path of) the FUSE mount for a set.
// The whole repository is mounted, and the returned path is the mount
// point itself: snapshotID is handed to the engine but is not joined onto
// the returned path, so a snapshot is reached under ids/<id> or
// snapshots/latest below it, following restic's own mount layout.
func (m *Manager) Mount(ctx context.Context, setName, snapshotID string) (string, error) {
	m.mu.Lock()
	j, ok := m.jobs[setName]
	if !ok {
		m.mu.Unlock()
		return "", ErrUnknownSet
	}
	if j.isMounted {
		mountpoint := m.mountBase(setName)
		m.mu.Unlock()
		return mountpoint, nil
	}
	target := j.set.Target
	m.mu.Unlock()

	mountpoint := m.mountBase(setName)
	if err := os.MkdirAll(mountpoint, 0o700); err != nil {
		return "", fmt.Errorf("creating mount point: %w", err)
	}

	proc, err := m.engine.Mount(ctx, target, mountpoint, snapshotID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if j, ok := m.jobs[setName]; ok {
		j.mountProc = proc
		j.isMounted = true
	}
	m.mu.Unlock()

	return mountpoint, nil
}

// Unmount terminates the mount subprocess for setName, or for every
// currently mounted set when setName is nil. Unmounting a set whose backup
// is Running is allowed but logged, since it may cause the in-flight
// backup to fail if the repository is locked by the mount.
func (m *Manager) Unmount(ctx context.Context, setName *string) error {
	names := m.mountedSetNames(setName)
	var firstErr error
	for _, name := range names {
		if err := m.unmountOne(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) mountedSetNames(setName *string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if setName != nil {
		// An unknown name is passed through so unmountOne reports
		// ErrUnknownSet for it.
		return []string{*setName}
	}
	var names []string
	for name, j := range m.jobs {
		if j.isMounted {
			names = append(names, name)
		}
	}
	return names
}

func (m *Manager) unmountOne(ctx context.Context, setName string) error {
	m.mu.Lock()
	j, ok := m.jobs[setName]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownSet
	}
	if !j.isMounted {
		m.mu.Unlock()
		return nil
	}
	if j.state.Kind == backutil.JobRunning {
		m.logger.Warn().Str("set", setName).Msg("unmounting while a backup is running; the backup may fail if the repository is locked")
	}
	proc := j.mountProc
	j.mountProc = nil
	j.isMounted = false
	m.mu.Unlock()

	mountpoint := m.mountBase(setName)

	if proc != nil {
		return terminateMountProcess(proc)
	}

	// No owned handle: an orphaned mount from a prior crash. Ask the
	// platform to unmount it directly.
	if err := unix.Unmount(mountpoint, 0); err != nil {
		return fmt.Errorf("unmounting %s: %w", mountpoint, err)
	}
	return nil
}

func terminateMountProcess(proc *os.Process) error {
	_ = proc.Signal(syscall.SIGTERM)
	done := make(chan error, 1)
	go func() { _, err := proc.Wait(); done <- err }()

	select {
	case err := <-done:
		return err
	case <-time.After(unmountGrace):
		_ = proc.Kill()
		<-done
		return nil
	}
}
