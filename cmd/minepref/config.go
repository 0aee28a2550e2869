package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/minepref/pkg/minepref/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `Manage minepref configuration settings.

Configuration is loaded from --config, or else from:
  1. $XDG_CONFIG_HOME/minepref/config.yaml (if set)
  2. ~/.config/minepref/config.yaml

Environment variables override file settings using the MINEPREF_ prefix:
  MINEPREF_NODE_HTTP=http://10.0.0.5:9001
  MINEPREF_PREFERENCE_THRESHOLD_PERCENT=2.5
  MINEPREF_STATE_BACKEND=badger`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the effective configuration and whether it is valid.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create default configuration file",
	Long:  `Create a default configuration file if one doesn't exist.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd, configInitCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.File != "" {
		fmt.Printf("Config file: %s\n\n", cfg.File)
	} else {
		fmt.Println("Config file: (using defaults, no file found)")
		fmt.Println()
	}

	fmt.Println("Current Configuration:")
	fmt.Println("----------------------")
	for _, kv := range settings(cfg) {
		fmt.Printf("%-30s %s\n", kv[0]+":", kv[1])
	}

	fmt.Println("\nValidation:")
	fmt.Println("-----------")
	if err := cfg.Validate(); err != nil {
		fmt.Println(err)
	} else {
		fmt.Println("ok")
	}

	fmt.Println("\nEnvironment Overrides:")
	fmt.Println("----------------------")
	overrides := envOverrides(os.Environ())
	if len(overrides) == 0 {
		fmt.Println("(none)")
	}
	for _, ev := range overrides {
		fmt.Println(ev)
	}
	return nil
}

// settings lists the configuration as key/value pairs in file order.
func settings(cfg *config.Config) [][2]string {
	s := [][2]string{
		{"node.http", cfg.Node.HTTP},
		{"node.ws", cfg.Node.WS},
		{"node.timeout", cfg.Node.Timeout.String()},
		{"node.max_retries", fmt.Sprint(cfg.Node.MaxRetries)},
		{"node.startup_retries", fmt.Sprint(cfg.Node.StartupRetries)},
		{"subscription.enabled", fmt.Sprint(cfg.Subscription.Enabled)},
		{"telemetry.mode", cfg.Telemetry.Mode},
		{"telemetry.endpoint", cfg.TelemetryEndpoint()},
		{"telemetry.method", cfg.Telemetry.Method},
		{"telemetry.window", fmt.Sprint(cfg.Telemetry.Window)},
		{"telemetry.slices", strings.Join(cfg.SliceIDs(), ", ")},
		{"preference.policy", cfg.Preference.Policy},
		{"preference.threshold_percent", fmt.Sprintf("%.2f", cfg.Preference.ThresholdPercent)},
		{"apply.method", cfg.Apply.Method},
		{"apply.encoding", cfg.Apply.Encoding},
		{"apply.min_interval", cfg.Apply.MinInterval.String()},
		{"loop.interval", cfg.Loop.Interval.String()},
		{"loop.trigger", cfg.Loop.Trigger},
		{"state.backend", cfg.State.Backend},
		{"state.path", cfg.State.Path},
		{"history.enabled", fmt.Sprint(cfg.History.Enabled)},
		{"history.path", cfg.History.Path},
		{"history.retention_days", fmt.Sprint(cfg.History.RetentionDays)},
		{"logging.level", cfg.Logging.Level},
		{"logging.path", cfg.Logging.Path},
		{"metrics.listen", cfg.Metrics.Listen},
		{"daemon.socket_path", cfg.Daemon.SocketPath},
		{"daemon.pid_path", cfg.Daemon.PIDPath},
		{"daemon.status_path", cfg.Daemon.StatusPath},
	}
	if cfg.Coinbase.Quai != "" {
		s = append(s, [2]string{"coinbase.quai", cfg.Coinbase.Quai})
	}
	if cfg.Coinbase.Qi != "" {
		s = append(s, [2]string{"coinbase.qi", cfg.Coinbase.Qi})
	}
	return s
}

// envOverrides returns the MINEPREF_ variables in environ, sorted.
func envOverrides(environ []string) []string {
	var out []string
	for _, ev := range environ {
		if strings.HasPrefix(ev, "MINEPREF_") {
			out = append(out, ev)
		}
	}
	sort.Strings(out)
	return out
}

func runConfigInit(_ *cobra.Command, _ []string) error {
	configPath, err := config.ConfigPath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(configPath); err == nil {
		printInfo("Config file already exists: %s", configPath)
		return nil
	}

	if _, err := config.WriteDefault(); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	printInfo("Created default config file: %s", configPath)
	return nil
}

func runConfigPath(_ *cobra.Command, _ []string) error {
	configPath := cfgFile
	if configPath == "" {
		var err error
		if configPath, err = config.ConfigPath(); err != nil {
			return err
		}
	}

	fmt.Println(configPath)

	if _, err := os.Stat(configPath); err == nil {
		printVerbose("File exists")
	} else if os.IsNotExist(err) {
		printVerbose("File does not exist (will use defaults)")
	}
	return nil
}
