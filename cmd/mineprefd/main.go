// Package main provides mineprefd, the mining preference controller daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/minepref/config"
	"github.com/jamesainslie/minepref/pkg/minepref/logging"
)

// Build-time variables set by go build -ldflags.
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mineprefd",
	Short: "Mining preference controller daemon",
	Long: `mineprefd samples per-slice profitability from a node, computes a
preference over the slices and pushes it to the node when it moved by more
than the configured threshold.

It runs until interrupted (SIGINT or SIGTERM).`,
	Version:       version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/minepref/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mineprefd: %v\n", err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logCfg, err := cfg.Logging.ToLogging()
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logging.Close() }()

	log := logging.Get("main")
	log.Info("mineprefd starting", "version", version, "config", cfg.File)

	d, err := daemon.New(cfg)
	if err != nil {
		// A second instance must not clobber the running one's status file.
		if !errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
			_ = daemon.WriteStatusError(cfg.Daemon.StatusPath, err)
		}
		log.Error("startup failed", "error", err)
		return err
	}
	defer func() {
		if err := d.Close(); err != nil {
			log.Warn("error during shutdown", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}
