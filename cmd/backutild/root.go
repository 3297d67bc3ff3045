package main

import (
	"context"
	"fmt"

	"github.com/backutil/backutil/internal/config"
	"github.com/backutil/backutil/internal/paths"
	"github.com/backutil/backutil/internal/supervisor"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	configFile string
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "backutild",
	Short: "backutil's daemon: watches configured directories and drives restic backups",
	Long: `backutild watches configured source directories for filesystem activity,
debounces bursts of changes, and drives restic to produce versioned, encrypted
snapshots. It exposes its state and controls over a Unix domain socket for the
backutil CLI and TUI to speak to.

All structured logging goes to a daily-rotated file under backutil's data
directory; stdout/stderr carry only the error that stops the daemon, if any.`,
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: "+paths.ConfigPath()+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet logging (errors only)")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfgPath := configFile
	if cfgPath == "" {
		cfgPath = paths.ConfigPath()
	}

	logger := supervisor.NewLogger(logLevel())

	parser := config.NewParser()
	cfg, err := parser.LoadFile(cfgPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to load config %s: %v\n", cfgPath, err)
		return err
	}

	daemon, err := supervisor.New(logger, cfg, cfgPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "failed to initialize daemon: %v\n", err)
		return err
	}

	logger.Info().Str("config", cfgPath).Int("sets", len(cfg.BackupSets)).Msg("backutild starting")

	if err := daemon.Run(context.Background()); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "daemon exited with error: %v\n", err)
		return err
	}
	return nil
}

func logLevel() zerolog.Level {
	switch {
	case quiet:
		return zerolog.ErrorLevel
	case verbose:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
