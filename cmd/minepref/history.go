package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/minepref/pkg/minepref/config"
	"github.com/jamesainslie/minepref/pkg/minepref/history"
	"github.com/jamesainslie/minepref/pkg/minepref/output"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List preference changes pushed to the node",
	Long: `List the preference changes the controller made, newest first.

Every successful apply is recorded with the preference sent, the previous
one, the size of the change and the exact RPC parameters.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show details of a specific change",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

var historyCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove entries older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runHistoryClean,
}

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum number of entries to show")

	historyCmd.AddCommand(historyShowCmd, historyCleanCmd)
	rootCmd.AddCommand(historyCmd)
}

// openHistory opens the configured history directory, or the default one
// when the configuration cannot be loaded.
func openHistory() (*history.History, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		printVerbose("%v, using the default history directory", err)
		h, err := history.New(config.DefaultHistoryDir())
		return h, nil, err
	}
	h, err := history.New(cfg.History.Path)
	return h, cfg, err
}

func runHistory(_ *cobra.Command, _ []string) error {
	h, _, err := openHistory()
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	entries, err := h.List(historyLimit)
	if err != nil {
		return fmt.Errorf("failed to list history: %w", err)
	}

	if len(entries) == 0 {
		printInfo("No history entries found.")
		return nil
	}
	return render(&output.Result{History: entries})
}

func runHistoryShow(_ *cobra.Command, args []string) error {
	h, _, err := openHistory()
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	entry, err := h.Get(args[0])
	if err != nil {
		return err
	}

	if viper.GetString("output") != "pretty" {
		return render(&output.Result{History: []history.Entry{*entry}})
	}

	params, err := json.Marshal(entry.Params)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(output.TitleStyle.Render("Change " + entry.ID))
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Timestamp:  %s\n", entry.Timestamp.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Kind:       %s\n", entry.Kind)
	if entry.CycleID != "" {
		fmt.Printf("Cycle:      %s\n", entry.CycleID)
	}
	if entry.Reason != "" {
		fmt.Printf("Reason:     %s\n", entry.Reason)
	}
	fmt.Printf("Change:     %.2f%%\n", float64(entry.Magnitude)/1e4)
	fmt.Printf("Preference: %s\n", entry.Preference)
	if len(entry.Previous) > 0 {
		fmt.Printf("Previous:   %s\n", entry.Previous)
	}
	fmt.Printf("Call:       %s %s\n", entry.Method, params)
	return nil
}

func runHistoryClean(_ *cobra.Command, _ []string) error {
	h, cfg, err := openHistory()
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	retentionDays := config.DefaultRetentionDays
	if cfg != nil && cfg.History.RetentionDays > 0 {
		retentionDays = cfg.History.RetentionDays
	}

	printInfo("Cleaning history entries older than %d days...", retentionDays)

	removed, err := h.Cleanup(retentionDays)
	if err != nil {
		return fmt.Errorf("failed to clean history: %w", err)
	}

	printInfo("Removed %d entries.", removed)
	return nil
}
