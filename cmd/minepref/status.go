package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/minepref/cmd/minepref/tui"
	"github.com/jamesainslie/minepref/pkg/client"
	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/minepref/config"
	"github.com/jamesainslie/minepref/pkg/minepref/output"
)

const healthTimeout = 3 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and the applied preference",
	Long: `Show whether mineprefd is running, its last cycle and the preference
it last pushed to the node.

With --watch the status is printed again every time the daemon updates it.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the controller health endpoint",
	Long: `Query the gRPC health service on the daemon socket. Exits non-zero
unless the controller is SERVING.`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

var (
	statusJSON  bool
	statusWatch bool
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "shorthand for -o json")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "print again whenever the status changes")
	rootCmd.AddCommand(statusCmd, healthCmd)
}

func pidPath(paths client.DaemonPaths) string {
	if paths.PID != "" {
		return paths.PID
	}
	return config.DefaultPIDPath()
}

func statusPath(paths client.DaemonPaths) string {
	if paths.Status != "" {
		return paths.Status
	}
	return config.DefaultStatusPath()
}

func socketPath(paths client.DaemonPaths) string {
	if paths.Socket != "" {
		return paths.Socket
	}
	return config.DefaultSocketPath()
}

// checkHealth returns the serving status of the controller, or an error when
// the socket does not answer.
func checkHealth(ctx context.Context, socket string) (string, error) {
	c, err := client.Connect(socket)
	if err != nil {
		return "", err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	status, err := c.Health(ctx, daemon.HealthService)
	if err != nil {
		return "", err
	}
	return status.String(), nil
}

// collectStatus builds a Result from the status file, PID file and health service.
func collectStatus(ctx context.Context, paths client.DaemonPaths, status *daemon.StatusFile) *output.Result {
	r := &output.Result{
		Status:  status,
		Running: client.IsDaemonRunning(pidPath(paths)),
	}
	if r.Running {
		health, err := checkHealth(ctx, socketPath(paths))
		if err != nil {
			r.Warnings = append(r.Warnings, fmt.Sprintf("health check failed: %v", err))
		} else {
			r.Health = health
		}
	}
	return r
}

func runStatus(_ *cobra.Command, _ []string) error {
	if statusJSON {
		viper.Set("output", "json")
	}
	paths := daemonPaths()

	if !statusWatch {
		status, err := client.ReadStatus(statusPath(paths))
		if err != nil && !errors.Is(err, client.ErrNotRunning) {
			return err
		}
		return render(collectStatus(context.Background(), paths, status))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if viper.GetString("output") == "pretty" && isatty.IsTerminal(os.Stdout.Fd()) {
		return tui.Run(ctx, tui.Options{
			StatusPath: statusPath(paths),
			Collect: func(ctx context.Context, status *daemon.StatusFile) *output.Result {
				return collectStatus(ctx, paths, status)
			},
		})
	}

	var renderErr error
	err := client.WatchStatus(ctx, statusPath(paths), func(status *daemon.StatusFile) {
		if err := render(collectStatus(ctx, paths, status)); err != nil {
			renderErr = err
			stop()
		}
	})
	if err != nil {
		return err
	}
	return renderErr
}

func runHealth(_ *cobra.Command, _ []string) error {
	paths := daemonPaths()

	health, err := checkHealth(context.Background(), socketPath(paths))
	if err != nil {
		return err
	}
	printInfo("%s", health)
	if health != "SERVING" {
		return fmt.Errorf("controller is %s", health)
	}
	return nil
}
