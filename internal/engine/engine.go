package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/backutil/backutil/internal/config"
	"github.com/rs/zerolog"
)

// ErrAlreadyInitialized is returned by Init when the target repository
// already has a config file.
var ErrAlreadyInitialized = errors.New("repository already initialized")

// ErrInvalidRetention is returned by Prune when no keep rule is set, to
// guard against `forget --prune` with no flags deleting every snapshot.
var ErrInvalidRetention = errors.New("retention policy has no keep rules; refusing to prune")

// Adapter is a purely functional wrapper around the restic binary: every
// method takes its inputs explicitly and returns a structured result,
// with no hidden reliance on process-wide globals.
type Adapter struct {
	executor     CommandExecutor
	logger       zerolog.Logger
	passwordPath string
}

// New creates an Adapter that shells out to the real restic binary.
func New(logger zerolog.Logger, passwordPath string) *Adapter {
	return &Adapter{executor: &DefaultExecutor{}, logger: logger, passwordPath: passwordPath}
}

// NewWithExecutor creates an Adapter over a custom CommandExecutor, for tests.
func NewWithExecutor(logger zerolog.Logger, passwordPath string, executor CommandExecutor) *Adapter {
	return &Adapter{executor: executor, logger: logger, passwordPath: passwordPath}
}

func (a *Adapter) baseArgs(target string) []string {
	return []string{"--repo", target, "--password-file", a.passwordPath}
}

func (a *Adapter) run(ctx context.Context, args ...string) ([]byte, []byte, error) {
	a.logger.Debug().Strs("args", args).Msg("running restic")
	return a.executor.Run(ctx, nil, "restic", args...)
}

// Init creates a new repository at target. Fails with ErrAlreadyInitialized
// when restic reports a config file already exists there.
func (a *Adapter) Init(ctx context.Context, target string) error {
	args := append([]string{"init"}, a.baseArgs(target)...)
	stdout, stderr, err := a.run(ctx, args...)
	if err == nil {
		return nil
	}
	combined := strings.ToLower(string(stdout) + string(stderr))
	if strings.Contains(combined, "already initialized") || strings.Contains(combined, "config file already exists") {
		return ErrAlreadyInitialized
	}
	return fmt.Errorf("restic init: %w: %s", err, string(stderr))
}

// Backup runs a backup of sources into target, applying excludes one per
// flag. On success it parses the trailing JSON summary for the snapshot
// id, added bytes, and duration; on a non-fatal restic error it still
// returns a BackupResult with Success=false rather than an error, so the
// caller can broadcast BackupFailed with the engine's message.
func (a *Adapter) Backup(ctx context.Context, target string, sources, excludes []string) (backutil.BackupResult, error) {
	args := append([]string{"backup"}, a.baseArgs(target)...)
	args = append(args, "--json")
	for _, ex := range excludes {
		args = append(args, "--exclude", ex)
	}
	args = append(args, sources...)

	stdout, stderr, err := a.run(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return backutil.BackupResult{}, ctx.Err()
		}
		return backutil.BackupResult{Success: false, Error: engineErrorMessage(err, stderr)}, nil
	}

	snapshotID, added, dur, parseErr := parseBackupSummary(stdout)
	if parseErr != nil {
		return backutil.BackupResult{Success: false, Error: parseErr.Error()}, nil
	}
	return backutil.BackupResult{
		SnapshotID: snapshotID,
		AddedBytes: added,
		Duration:   dur,
		Success:    true,
	}, nil
}

// Prune runs `forget --prune` with the retention flags. Refuses to run
// with ErrInvalidRetention when retention carries no keep rule at all,
// since an unqualified forget --prune deletes every snapshot.
func (a *Adapter) Prune(ctx context.Context, target string, retention config.RetentionPolicy) (uint64, error) {
	if retention.IsZero() {
		return 0, ErrInvalidRetention
	}

	args := append([]string{"forget"}, a.baseArgs(target)...)
	args = append(args, "--prune")
	if retention.KeepLast > 0 {
		args = append(args, "--keep-last", strconv.Itoa(retention.KeepLast))
	}
	if retention.KeepDaily > 0 {
		args = append(args, "--keep-daily", strconv.Itoa(retention.KeepDaily))
	}
	if retention.KeepWeekly > 0 {
		args = append(args, "--keep-weekly", strconv.Itoa(retention.KeepWeekly))
	}
	if retention.KeepMonthly > 0 {
		args = append(args, "--keep-monthly", strconv.Itoa(retention.KeepMonthly))
	}

	stdout, stderr, err := a.run(ctx, args...)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("restic forget --prune: %w: %s", err, string(stderr))
	}
	return parseReclaimedBytes(stdout), nil
}

// Snapshots lists snapshots in target, most-recent-limit applied via
// --latest when limit > 0.
func (a *Adapter) Snapshots(ctx context.Context, target string, limit int) ([]backutil.SnapshotInfo, error) {
	args := append([]string{"snapshots"}, a.baseArgs(target)...)
	args = append(args, "--json")
	if limit > 0 {
		args = append(args, "--latest", strconv.Itoa(limit))
	}

	stdout, stderr, err := a.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("restic snapshots: %w: %s", err, string(stderr))
	}

	var raw []resticSnapshotJSON
	if jsonErr := json.Unmarshal(stdout, &raw); jsonErr != nil {
		return nil, fmt.Errorf("parsing restic snapshots JSON: %w", jsonErr)
	}

	out := make([]backutil.SnapshotInfo, len(raw))
	for i, s := range raw {
		shortID := s.ShortID
		if shortID == "" && len(s.ID) >= 8 {
			shortID = s.ID[:8]
		}
		out[i] = backutil.SnapshotInfo{
			ID:        s.ID,
			ShortID:   shortID,
			Timestamp: s.Time,
			Paths:     s.Paths,
			Tags:      s.Tags,
		}
	}
	return out, nil
}

// Stats reports the snapshot count and total repository size.
func (a *Adapter) Stats(ctx context.Context, target string) (backutil.RepoSummary, error) {
	args := append([]string{"stats"}, a.baseArgs(target)...)
	args = append(args, "--json")

	stdout, stderr, err := a.run(ctx, args...)
	if err != nil {
		return backutil.RepoSummary{}, fmt.Errorf("restic stats: %w: %s", err, string(stderr))
	}

	var raw resticStatsJSON
	if jsonErr := json.Unmarshal(stdout, &raw); jsonErr != nil {
		return backutil.RepoSummary{}, fmt.Errorf("parsing restic stats JSON: %w", jsonErr)
	}
	return backutil.RepoSummary{SnapshotCount: raw.SnapshotsCount, TotalBytes: raw.TotalSize}, nil
}

// Mount spawns a long-lived `restic mount` process and returns the raw
// *os.Process handle. It never waits on the process: ownership of the
// child transfers to the caller (the Job), which is responsible for
// terminating it on unmount or shutdown. The whole repository is always
// mounted; snapshotID is not passed to restic, since a snapshot is selected
// by its subpath (ids/<id>, snapshots/latest) under mountpoint, matching
// restic's own mount layout.
func (a *Adapter) Mount(ctx context.Context, target, mountpoint string, snapshotID string) (*os.Process, error) {
	args := append([]string{"mount"}, a.baseArgs(target)...)
	args = append(args, mountpoint)

	proc, err := a.executor.Start(ctx, nil, "restic", args...)
	if err != nil {
		return nil, fmt.Errorf("starting restic mount: %w", err)
	}
	return proc, nil
}

func engineErrorMessage(err error, stderr []byte) string {
	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		return err.Error()
	}
	return msg
}
