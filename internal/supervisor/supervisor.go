// Package supervisor wires the daemon's long-lived components together:
// pidfile acquisition, daily log rotation, the file watcher, job manager,
// and IPC server, plus signal-driven and IPC-driven graceful shutdown and
// configuration reload.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/backutil/backutil/internal/backutil"
	"github.com/backutil/backutil/internal/config"
	"github.com/backutil/backutil/internal/engine"
	"github.com/backutil/backutil/internal/ipc"
	"github.com/backutil/backutil/internal/jobmanager"
	"github.com/backutil/backutil/internal/notify"
	"github.com/backutil/backutil/internal/paths"
	"github.com/backutil/backutil/internal/sshpower"
	"github.com/backutil/backutil/internal/wake"
	"github.com/backutil/backutil/internal/watcher"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// reloadRetryAttempts and reloadRetryDelay bound how hard Reload
// tries to absorb a config-file write that is still in progress (an
// editor's atomic save-and-rename can briefly present a missing or
// truncated file to the watcher).
const (
	reloadRetryAttempts = 3
	reloadRetryDelay    = 2 * time.Second
)

// Daemon owns every long-lived component of the backutil process.
type Daemon struct {
	logger zerolog.Logger

	configPath string
	socketPath string
	pidPath    string

	pidFile *PIDFile
	manager *jobmanager.Manager
	watcher *watcher.Watcher
	server  *ipc.Server
	cfgFsw  *fsnotify.Watcher

	cancel context.CancelFunc
}

// NewLogger builds the daemon's file-only, daily-rotated zerolog logger.
// The CLI's own stdout/stderr must stay free of structured log lines, so
// the daemon never also writes to them (spec's supervisor contract).
func NewLogger(logLevel zerolog.Level) zerolog.Logger {
	rotator := &lumberjack.Logger{
		Filename: paths.LogPath(),
		MaxAge:   14,
		Compress: true,
	}
	go func() {
		for {
			now := time.Now()
			midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
			time.Sleep(time.Until(midnight))
			_ = rotator.Rotate()
		}
	}()
	return zerolog.New(rotator).Level(logLevel).With().Timestamp().Logger()
}

// New constructs a Daemon from a loaded configuration. It does not acquire
// the pidfile or start any component; call Run for that.
func New(logger zerolog.Logger, cfg *config.Config, configPath string) (*Daemon, error) {
	passwordPath := paths.PasswordPath()
	eng := engine.New(logger, passwordPath)

	d := &Daemon{
		logger:     logger,
		configPath: configPath,
		socketPath: paths.SocketPath(),
		pidPath:    paths.PidPath(),
	}

	d.manager = jobmanager.New(logger, cfg, eng, backutil.NewBroadcaster(), wake.New(logger), sshpower.New(logger),
		notify.New(logger), jobmanager.GopsutilMountChecker{}, passwordPath)

	w, err := watcher.New(logger, cfg, d.manager.OnChange)
	if err != nil {
		return nil, fmt.Errorf("starting file watcher: %w", err)
	}
	d.watcher = w

	d.server = ipc.New(logger, d.socketPath, d.manager, d, func() {
		if d.cancel != nil {
			d.cancel()
		}
	})
	return d, nil
}

// Run acquires the pidfile, starts every component, and blocks until ctx is
// cancelled or a termination signal arrives, then shuts down the job
// manager, the file watcher, the IPC server and the config-file watcher, in
// that order.
func (d *Daemon) Run(ctx context.Context) error {
	pidFile, err := AcquirePIDFile(d.pidPath)
	if err != nil {
		return err
	}
	d.pidFile = pidFile
	defer d.pidFile.Release()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			d.logger.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := d.watchConfigFile(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("could not watch configuration file for live reload")
	}

	d.manager.Reconcile(ctx)

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.server.Serve(ctx) }()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	d.manager.Shutdown(shutdownCtx)

	_ = d.watcher.Close()
	_ = d.server.Close()
	if d.cfgFsw != nil {
		_ = d.cfgFsw.Close()
	}

	return <-serveErr
}

// watchConfigFile installs an fsnotify watch on the configuration file's
// parent directory (not the file itself, since editors typically replace
// it via rename rather than in-place write) and triggers Reload on any
// non-access event naming the config path.
func (d *Daemon) watchConfigFile(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.cfgFsw = fsw

	dir := filepath.Dir(d.configPath)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Name != d.configPath {
					continue
				}
				if event.Op&fsnotify.Chmod == fsnotify.Chmod {
					continue
				}
				d.logger.Info().Msg("configuration file changed, reloading")
				if err := d.Reload(ctx); err != nil {
					d.logger.Error().Err(err).Msg("configuration reload failed")
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				d.logger.Error().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}

// Reload implements ipc.ConfigReloader: it re-reads the configuration file
// with bounded retry to absorb an atomic save-and-rename in progress, then
// applies the result to the job manager and rebuilds the file watcher.
func (d *Daemon) Reload(ctx context.Context) error {
	var cfg *config.Config
	var err error
	parser := config.NewParser()
	for attempt := 1; attempt <= reloadRetryAttempts; attempt++ {
		cfg, err = parser.LoadFile(d.configPath)
		if err == nil {
			break
		}
		if attempt < reloadRetryAttempts {
			time.Sleep(reloadRetryDelay)
		}
	}
	if err != nil {
		return fmt.Errorf("reloading configuration after %d attempts: %w", reloadRetryAttempts, err)
	}

	if err := d.manager.ReloadConfig(ctx, cfg); err != nil {
		return fmt.Errorf("applying reloaded configuration: %w", err)
	}

	newWatcher, err := watcher.New(d.logger, cfg, d.manager.OnChange)
	if err != nil {
		return fmt.Errorf("restarting file watcher: %w", err)
	}
	old := d.watcher
	d.watcher = newWatcher
	if old != nil {
		_ = old.Close()
	}

	d.logger.Info().Msg("configuration reloaded")
	return nil
}

