package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/minepref/pkg/client"
	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/minepref/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the controller in the foreground",
	Long: `Run the control loop in this process until interrupted.

This is what mineprefd does; it is useful under a service manager that
expects the main process to stay in the foreground.`,
	Args: cobra.NoArgs,
	RunE: runForeground,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start mineprefd in the background",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop mineprefd",
	Long:  `Send SIGTERM to mineprefd and wait for it to exit.`,
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart mineprefd",
	Args:  cobra.NoArgs,
	RunE:  runRestart,
}

var daemonBinary string

func init() {
	for _, c := range []*cobra.Command{startCmd, restartCmd} {
		c.Flags().StringVar(&daemonBinary, "binary", "", "path to mineprefd (default: next to minepref, then $PATH)")
	}
	rootCmd.AddCommand(runCmd, startCmd, stopCmd, restartCmd)
}

func runForeground(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg, err := cfg.Logging.ToLogging()
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if getVerbose() {
		logCfg.ConsoleLevel = "debug"
	}
	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer func() { _ = logging.Close() }()

	d, err := daemon.New(cfg)
	if err != nil {
		if !errors.Is(err, daemon.ErrDaemonAlreadyRunning) {
			_ = daemon.WriteStatusError(cfg.Daemon.StatusPath, err)
		}
		return err
	}
	defer func() { _ = d.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return d.Run(ctx)
}

func runStart(_ *cobra.Command, _ []string) error {
	paths := daemonPaths()
	paths.Binary = daemonBinary

	if client.IsDaemonRunning(pidPath(paths)) {
		printInfo("Daemon already running")
		return nil
	}

	printVerbose("starting daemon...")
	if err := client.StartDaemon(paths); err != nil {
		return err
	}
	printInfo("Daemon started")
	return nil
}

func runStop(_ *cobra.Command, _ []string) error {
	paths := daemonPaths()

	if !client.IsDaemonRunning(pidPath(paths)) {
		return errors.New("daemon is not running")
	}

	printVerbose("sending SIGTERM...")
	if err := client.StopDaemon(paths); err != nil {
		return fmt.Errorf("failed to stop daemon: %w", err)
	}
	printInfo("Daemon stopped")
	return nil
}

func runRestart(_ *cobra.Command, _ []string) error {
	paths := daemonPaths()
	paths.Binary = daemonBinary

	if err := client.RestartDaemon(paths); err != nil {
		return err
	}
	printInfo("Daemon restarted")
	return nil
}
