package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/minepref/pkg/client"
	"github.com/jamesainslie/minepref/pkg/minepref/config"
	"github.com/jamesainslie/minepref/pkg/minepref/output"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "minepref",
		Short: "Operate the mining preference controller",
		Long: `minepref inspects and manages mineprefd, the daemon that steers a node's
mining preference between slices.

Examples:
  minepref start               # Start mineprefd in the background
  minepref status              # Show daemon status and the applied preference
  minepref status --watch      # Follow status changes
  minepref health              # Exit non-zero unless the controller is serving
  minepref state show          # Show the persisted applied preference
  minepref history             # List preference changes pushed to the node
  minepref config init         # Write a default configuration file`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/minepref/config.yaml)")
	rootCmd.PersistentFlags().StringP("output", "o", "pretty", fmt.Sprintf("output format %v", output.Available()))
	rootCmd.PersistentFlags().String("template", "", "Go template for -o template")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output")

	_ = viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	_ = viper.BindPFlag("template", rootCmd.PersistentFlags().Lookup("template"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initViper lets MINEPREF_OUTPUT and friends set the CLI flags. The daemon
// configuration is loaded separately by config.Load.
func initViper() {
	viper.SetEnvPrefix("MINEPREF")
	viper.AutomaticEnv()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig loads the configuration named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	printVerbose("config file: %s", cfg.File)
	return cfg, nil
}

// daemonPaths returns the daemon's process files, falling back to defaults
// when the configuration cannot be loaded.
func daemonPaths() client.DaemonPaths {
	cfg, err := loadConfig()
	if err != nil {
		printVerbose("%v, using default paths", err)
		return client.DaemonPaths{Config: cfgFile}
	}
	return client.PathsFromConfig(cfg)
}

// formatter returns the formatter selected by -o.
func formatter() (output.Formatter, error) {
	name := viper.GetString("output")
	if name == "" {
		name = "pretty"
	}
	if name == "template" {
		tmpl := viper.GetString("template")
		if tmpl == "" {
			return nil, fmt.Errorf("--template is required when using -o template")
		}
		return output.NewTemplateFormatter(tmpl), nil
	}
	f, err := output.Get(name)
	if err != nil {
		return nil, fmt.Errorf("unknown output format %q: available formats are %v", name, output.Available())
	}
	return f, nil
}

// render formats r with the selected formatter and writes it to stdout.
func render(r *output.Result) error {
	f, err := formatter()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := f.Format(&buf, r); err != nil {
		return err
	}
	_, err = os.Stdout.Write(buf.Bytes())
	return err
}

func getVerbose() bool {
	return viper.GetBool("verbose")
}

func getQuiet() bool {
	return viper.GetBool("quiet")
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if getVerbose() && !getQuiet() {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !getQuiet() {
		fmt.Printf(format+"\n", args...)
	}
}

// printError prints an error message to stderr.
func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}
