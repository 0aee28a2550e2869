package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/minepref/pkg/client"
	"github.com/jamesainslie/minepref/pkg/daemon/store"
	"github.com/jamesainslie/minepref/pkg/minepref/output"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset the persisted applied preference",
	Long: `The applied preference is what the controller last told the node. It is
compared against every new candidate and survives restarts.`,
}

var stateShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the persisted applied preference",
	Args:  cobra.NoArgs,
	RunE:  runStateShow,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget the applied preference",
	Long: `Forget the applied preference so the next cycle is treated as a first
run and always pushes its candidate. The daemon must be stopped.`,
	Args: cobra.NoArgs,
	RunE: runStateReset,
}

var journalLimit int

func init() {
	stateShowCmd.Flags().IntVarP(&journalLimit, "journal", "j", 0, "also list up to N earlier states (badger backend)")
	stateCmd.AddCommand(stateShowCmd, stateResetCmd)
	rootCmd.AddCommand(stateCmd)
}

// journaler is implemented by stores that keep every applied state.
type journaler interface {
	Journal(limit int) ([]*preference.AppliedState, error)
}

func runStateShow(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	paths := client.PathsFromConfig(cfg)
	result := &output.Result{Running: client.IsDaemonRunning(pidPath(paths))}

	// The running daemon holds the badger directory lock; fall back to the
	// copy it publishes in the status file.
	if result.Running && cfg.State.Backend == store.BackendBadger {
		status, err := client.ReadStatus(statusPath(paths))
		if err != nil {
			return err
		}
		result.Applied = status.Applied
		result.Warnings = append(result.Warnings, "daemon is running, showing the state from its status file")
		return render(result)
	}

	s, err := store.Open(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	if result.Applied, err = s.Load(); err != nil {
		return err
	}
	if journalLimit > 0 {
		j, ok := s.(journaler)
		if !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("the %s backend keeps no journal", cfg.State.Backend))
		} else if result.Journal, err = j.Journal(journalLimit); err != nil {
			return err
		}
	}
	if result.Applied == nil {
		printInfo("Nothing has been applied yet.")
		if len(result.Journal) == 0 {
			return nil
		}
	}
	return render(result)
}

func runStateReset(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if client.IsDaemonRunning(pidPath(client.PathsFromConfig(cfg))) {
		return errors.New("daemon is running, stop it first (minepref stop)")
	}

	s, err := store.Open(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	r, ok := s.(store.Resetter)
	if !ok {
		return fmt.Errorf("the %s backend cannot be reset", cfg.State.Backend)
	}
	if err := r.Reset(); err != nil {
		return err
	}
	printInfo("Applied state cleared; the next cycle will apply unconditionally.")
	return nil
}
