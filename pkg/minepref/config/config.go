package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/jamesainslie/minepref/pkg/minepref/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSize    string `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Daily      bool   `mapstructure:"daily"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	Level      string            `mapstructure:"level"`
	Path       string            `mapstructure:"path"`
	Rotation   RotationConfig    `mapstructure:"rotation"`
	Components map[string]string `mapstructure:"components"`
	Console    string            `mapstructure:"console"` // stderr level, empty disables
	JSON       bool              `mapstructure:"json"`
}

// NodeConfig describes how to reach the node.
type NodeConfig struct {
	HTTP           string        `mapstructure:"http"`
	WS             string        `mapstructure:"ws"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryInitial   time.Duration `mapstructure:"retry_initial"`
	RetryMax       time.Duration `mapstructure:"retry_max"`
	Namespaces     []string      `mapstructure:"namespaces"`
	ProbeMethod    string        `mapstructure:"probe_method"`
	StartupRetries int           `mapstructure:"startup_retries"`
}

// SubscriptionConfig configures the head subscription.
type SubscriptionConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Method         string        `mapstructure:"method"`
	Topic          string        `mapstructure:"topic"`
	Slice          string        `mapstructure:"slice"` // probe the heads are folded into
	Buffer         int           `mapstructure:"buffer"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// SliceEndpoint binds a slice to the endpoint that reports on it.
type SliceEndpoint struct {
	ID       string `mapstructure:"id"`
	Endpoint string `mapstructure:"endpoint"`
}

// TokenConfig names the lanes of token mode.
type TokenConfig struct {
	QiSlice   string `mapstructure:"qi_slice"`
	QuaiSlice string `mapstructure:"quai_slice"`
	QiDivisor string `mapstructure:"qi_divisor"` // decimal integer
}

// TelemetryConfig configures the sampler.
type TelemetryConfig struct {
	Mode     string          `mapstructure:"mode"`
	Endpoint string          `mapstructure:"endpoint"` // token mode probe
	Method   string          `mapstructure:"method"`
	Params   []any           `mapstructure:"params"`
	Window   int             `mapstructure:"window"`
	Token    TokenConfig     `mapstructure:"token"`
	Slices   []SliceEndpoint `mapstructure:"slices"` // zone mode probes
}

// PreferenceConfig selects the policy and the hysteresis threshold.
type PreferenceConfig struct {
	Policy           string  `mapstructure:"policy"`
	ThresholdPercent float64 `mapstructure:"threshold_percent"`
}

// ApplyConfig describes the node call that sets the preference.
type ApplyConfig struct {
	Method      string        `mapstructure:"method"`
	Encoding    string        `mapstructure:"encoding"`
	Target      string        `mapstructure:"target"`
	ReadMethod  string        `mapstructure:"read_method"`
	MinInterval time.Duration `mapstructure:"min_interval"`
}

// LoopConfig configures cycle triggering.
type LoopConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Trigger  string        `mapstructure:"trigger"`
}

// StateConfig selects where the applied preference is persisted.
type StateConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// HistoryConfig configures the apply history.
type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// DaemonConfig configures the daemon's process files.
type DaemonConfig struct {
	SocketPath string `mapstructure:"socket_path"`
	PIDPath    string `mapstructure:"pid_path"`
	LockPath   string `mapstructure:"lock_path"`
	StatusPath string `mapstructure:"status_path"`
}

// CoinbaseConfig holds the configured payout addresses. They are reported, never used to sign.
type CoinbaseConfig struct {
	Quai string `mapstructure:"quai"`
	Qi   string `mapstructure:"qi"`
}

// Config represents the application configuration.
type Config struct {
	Node         NodeConfig         `mapstructure:"node"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Preference   PreferenceConfig   `mapstructure:"preference"`
	Apply        ApplyConfig        `mapstructure:"apply"`
	Loop         LoopConfig         `mapstructure:"loop"`
	State        StateConfig        `mapstructure:"state"`
	History      HistoryConfig      `mapstructure:"history"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Daemon       DaemonConfig       `mapstructure:"daemon"`
	Coinbase     CoinbaseConfig     `mapstructure:"coinbase"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

// Load loads configuration from file and environment variables.
// When configFile is empty the file is searched for in:
//   - $XDG_CONFIG_HOME/minepref/config.yaml
//   - $HOME/.config/minepref/config.yaml
//
// Environment variables are prefixed with MINEPREF_ (e.g., MINEPREF_NODE_HTTP).
func Load(configFile string) (*Config, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")

		dir, err := ConfigDir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
	}

	v.SetEnvPrefix("MINEPREF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.http", DefaultNodeHTTP)
	v.SetDefault("node.ws", DefaultNodeWS)
	v.SetDefault("node.timeout", DefaultTimeout)
	v.SetDefault("node.max_retries", DefaultMaxRetries)
	v.SetDefault("node.retry_initial", DefaultRetryInitial)
	v.SetDefault("node.retry_max", DefaultRetryMax)
	v.SetDefault("node.namespaces", DefaultNamespaces)
	v.SetDefault("node.probe_method", DefaultProbeMethod)
	v.SetDefault("node.startup_retries", DefaultStartupRetries)

	v.SetDefault("subscription.enabled", true)
	v.SetDefault("subscription.method", DefaultSubscribeMethod)
	v.SetDefault("subscription.topic", DefaultSubscribeTopic)
	v.SetDefault("subscription.slice", "")
	v.SetDefault("subscription.buffer", DefaultEventBuffer)
	v.SetDefault("subscription.initial_backoff", DefaultInitialBackoff)
	v.SetDefault("subscription.max_backoff", DefaultMaxBackoff)

	v.SetDefault("telemetry.mode", DefaultTelemetryMode)
	v.SetDefault("telemetry.endpoint", DefaultTelemetryEndpoint)
	v.SetDefault("telemetry.method", DefaultTelemetryMethod)
	v.SetDefault("telemetry.params", DefaultTelemetryParams)
	v.SetDefault("telemetry.window", 1)
	v.SetDefault("telemetry.token.qi_slice", DefaultQiSlice)
	v.SetDefault("telemetry.token.quai_slice", DefaultQuaiSlice)
	v.SetDefault("telemetry.token.qi_divisor", DefaultQiDivisor)

	v.SetDefault("preference.policy", DefaultPolicy)
	v.SetDefault("preference.threshold_percent", DefaultThresholdPercent)

	v.SetDefault("apply.method", DefaultApplyMethod)
	v.SetDefault("apply.encoding", DefaultApplyEncoding)
	v.SetDefault("apply.target", DefaultQiSlice)
	v.SetDefault("apply.read_method", "")
	v.SetDefault("apply.min_interval", time.Duration(0))

	v.SetDefault("loop.interval", DefaultInterval)
	v.SetDefault("loop.trigger", DefaultTrigger)

	v.SetDefault("state.backend", DefaultStateBackend)
	v.SetDefault("state.path", "") // Empty means a file under DataDir

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "")
	v.SetDefault("history.retention_days", DefaultRetentionDays)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", "") // Empty means use DefaultLogPath
	v.SetDefault("logging.rotation.max_size", "10MB")
	v.SetDefault("logging.rotation.max_age", 30)
	v.SetDefault("logging.rotation.max_backups", 5)
	v.SetDefault("logging.rotation.daily", true)
	v.SetDefault("logging.components", map[string]string{
		"rpc":        "info",
		"controller": "info",
		"sampler":    "info",
		"applier":    "info",
	})
	v.SetDefault("logging.console", "")
	v.SetDefault("logging.json", false)

	v.SetDefault("metrics.listen", DefaultMetricsListen)

	v.SetDefault("daemon.socket_path", "")
	v.SetDefault("daemon.pid_path", "")
	v.SetDefault("daemon.lock_path", "")
	v.SetDefault("daemon.status_path", "")

	v.SetDefault("coinbase.quai", "")
	v.SetDefault("coinbase.qi", "")
}

// resolvePaths fills empty paths with XDG defaults and expands ~.
func (c *Config) resolvePaths() error {
	if c.State.Path == "" {
		c.State.Path = DefaultStatePath(c.State.Backend)
	}
	if c.History.Path == "" {
		c.History.Path = DefaultHistoryDir()
	}
	if c.Daemon.SocketPath == "" {
		c.Daemon.SocketPath = DefaultSocketPath()
	}
	if c.Daemon.PIDPath == "" {
		c.Daemon.PIDPath = DefaultPIDPath()
	}
	if c.Daemon.LockPath == "" {
		c.Daemon.LockPath = DefaultLockPath()
	}
	if c.Daemon.StatusPath == "" {
		c.Daemon.StatusPath = DefaultStatusPath()
	}

	for _, p := range []*string{
		&c.State.Path, &c.History.Path, &c.Logging.Path,
		&c.Daemon.SocketPath, &c.Daemon.PIDPath, &c.Daemon.LockPath, &c.Daemon.StatusPath,
	} {
		expanded, err := ExpandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

// Validate reports every problem that would make the daemon unable to start.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if err := checkURL(c.Node.HTTP, "http", "https"); err != nil {
		add("node.http: %v", err)
	}
	if c.Node.Timeout <= 0 {
		add("node.timeout must be positive")
	}
	if c.Node.MaxRetries < 0 {
		add("node.max_retries must not be negative")
	}
	if c.Node.StartupRetries < 1 {
		add("node.startup_retries must be at least 1")
	}

	if c.Subscription.Enabled {
		if err := checkURL(c.Node.WS, "ws", "wss"); err != nil {
			add("node.ws: %v", err)
		}
		if c.Subscription.Buffer < 1 {
			add("subscription.buffer must be at least 1")
		}
	}

	switch c.Telemetry.Mode {
	case "token":
		if c.Telemetry.Endpoint != "" {
			if err := checkURL(c.Telemetry.Endpoint, "http", "https"); err != nil {
				add("telemetry.endpoint: %v", err)
			}
		}
		if c.Telemetry.Token.QiSlice == c.Telemetry.Token.QuaiSlice {
			add("telemetry.token: qi_slice and quai_slice must differ")
		}
		if _, err := c.QiDivisor(); err != nil {
			add("telemetry.token.qi_divisor: %v", err)
		}
	case "zone":
		if len(c.Telemetry.Slices) == 0 {
			add("telemetry.slices: zone mode needs at least one slice")
		}
		seen := make(map[string]bool)
		for i, s := range c.Telemetry.Slices {
			if s.ID == "" {
				add("telemetry.slices[%d]: id is required", i)
			}
			if seen[s.ID] {
				add("telemetry.slices[%d]: duplicate id %q", i, s.ID)
			}
			seen[s.ID] = true
			if err := checkURL(s.Endpoint, "http", "https"); err != nil {
				add("telemetry.slices[%d].endpoint: %v", i, err)
			}
		}
		if sl := c.Subscription.Slice; c.Subscription.Enabled && sl != "" && !seen[sl] {
			add("subscription.slice: %q is not one of telemetry.slices", sl)
		}
	default:
		add("telemetry.mode: unknown mode %q", c.Telemetry.Mode)
	}
	if c.Telemetry.Window < 0 {
		add("telemetry.window must not be negative")
	}

	if t := c.Preference.ThresholdPercent; t < 0 || t > 200 {
		add("preference.threshold_percent must be within [0, 200], got %v", t)
	}

	switch c.Apply.Encoding {
	case "weight":
		if c.Apply.Target == "" {
			add("apply.target is required with the weight encoding")
		} else if ids := c.SliceIDs(); len(ids) > 0 && !slices.Contains(ids, c.Apply.Target) {
			add("apply.target %q is not one of %v", c.Apply.Target, ids)
		}
	case "weights", "dominant":
		if c.Apply.ReadMethod != "" {
			add("apply.read_method is only supported with the weight encoding")
		}
	default:
		add("apply.encoding: unknown encoding %q", c.Apply.Encoding)
	}
	if c.Apply.Method == "" {
		add("apply.method is required")
	}
	if c.Apply.MinInterval < 0 {
		add("apply.min_interval must not be negative")
	}

	switch c.Loop.Trigger {
	case "interval", "both":
		if c.Loop.Interval <= 0 {
			add("loop.interval must be positive")
		}
	case "events":
	default:
		add("loop.trigger: unknown trigger %q", c.Loop.Trigger)
	}
	if c.Loop.Trigger != "interval" && !c.Subscription.Enabled {
		add("loop.trigger %q needs subscription.enabled", c.Loop.Trigger)
	}

	switch c.State.Backend {
	case "file", "badger", "memory":
	default:
		add("state.backend: unknown backend %q", c.State.Backend)
	}

	if _, err := c.Logging.ToLogging(); err != nil {
		add("logging: %v", err)
	}

	for name, addr := range map[string]string{"coinbase.quai": c.Coinbase.Quai, "coinbase.qi": c.Coinbase.Qi} {
		if addr != "" && !common.IsHexAddress(addr) {
			add("%s: %q is not a hex address", name, addr)
		}
	}

	if errs != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, errs)
	}
	return nil
}

// QiDivisor parses telemetry.token.qi_divisor.
func (c *Config) QiDivisor() (*big.Int, error) {
	d, ok := new(big.Int).SetString(c.Telemetry.Token.QiDivisor, 10)
	if !ok || d.Sign() <= 0 {
		return nil, fmt.Errorf("%q is not a positive integer", c.Telemetry.Token.QiDivisor)
	}
	return d, nil
}

// SliceIDs lists the slices the configured telemetry can report.
func (c *Config) SliceIDs() []string {
	if c.Telemetry.Mode == "token" {
		return []string{c.Telemetry.Token.QiSlice, c.Telemetry.Token.QuaiSlice}
	}
	ids := make([]string, 0, len(c.Telemetry.Slices))
	for _, s := range c.Telemetry.Slices {
		ids = append(ids, s.ID)
	}
	return ids
}

// TelemetryEndpoint returns the token mode probe endpoint, falling back to node.http.
func (c *Config) TelemetryEndpoint() string {
	if c.Telemetry.Endpoint != "" {
		return c.Telemetry.Endpoint
	}
	return c.Node.HTTP
}

// ToLogging converts the file representation into a logging.Config.
func (l LoggingConfig) ToLogging() (logging.Config, error) {
	out := logging.DefaultConfig()
	out.Level = l.Level
	out.Components = l.Components
	out.ConsoleLevel = l.Console
	out.JSON = l.JSON
	if l.Path != "" {
		out.Path = l.Path
	}

	if _, err := logging.ParseLevel(l.Level); err != nil {
		return out, err
	}
	for component, level := range l.Components {
		if _, err := logging.ParseLevel(level); err != nil {
			return out, fmt.Errorf("component %s: %w", component, err)
		}
	}
	if l.Console != "" {
		if _, err := logging.ParseLevel(l.Console); err != nil {
			return out, fmt.Errorf("console: %w", err)
		}
	}

	if l.Rotation.MaxSize != "" {
		size, err := humanize.ParseBytes(l.Rotation.MaxSize)
		if err != nil {
			return out, fmt.Errorf("rotation.max_size: %w", err)
		}
		out.Rotation.MaxSize = int64(size)
	}
	out.Rotation.MaxAge = l.Rotation.MaxAge
	out.Rotation.MaxBackups = l.Rotation.MaxBackups
	out.Rotation.Daily = l.Rotation.Daily
	return out, nil
}

func checkURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be a %s URL", raw, strings.Join(schemes, " or "))
}

// ConfigDir returns the configuration directory path.
func ConfigDir() (string, error) {
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return filepath.Join(xdgConfigHome, "minepref"), nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", "minepref"), nil
}

// ConfigPath returns the default config file location.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// WriteDefault writes a default config file if none exists and returns its path.
// An existing file is left untouched.
func WriteDefault() (string, error) {
	configPath, err := ConfigPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		return configPath, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check config file: %w", err)
	}

	defaultConfig := fmt.Sprintf(`# minepref controller configuration

node:
  # Endpoint that receives the preference update
  http: %s
  # Endpoint for the newHeads subscription
  ws: %s
  timeout: %s
  max_retries: %d
  retry_initial: %s
  retry_max: %s
  # Probes made before giving up at startup
  startup_retries: %d

subscription:
  enabled: true
  method: %s
  topic: %s
  buffer: %d
  initial_backoff: %s
  max_backoff: %s

telemetry:
  # token: one zone probe split into qi and quai lanes
  # zone: one reading per entry in slices
  mode: %s
  endpoint: %s
  method: %s
  # Average over the last N readings (1 disables smoothing)
  window: 1
  token:
    qi_slice: %s
    quai_slice: %s
    qi_divisor: "%s"
  slices: []
  #  - id: "0-0"
  #    endpoint: http://127.0.0.1:9200

preference:
  # proportional, inverse-difficulty or dominant
  policy: %s
  # Minimum L1 change, in percent, before the node is reconfigured
  threshold_percent: %v

apply:
  method: %s
  # weight: [w(target)]  weights: [{slice: w}]  dominant: ["slice"]
  encoding: %s
  target: %s
  # Optional getter used to skip redundant updates
  read_method: ""
  # Minimum time between two updates (0 disables)
  min_interval: 0s

loop:
  interval: %s
  # interval, events or both
  trigger: %s

state:
  # file, badger or memory
  backend: %s
  # Empty means $XDG_DATA_HOME/minepref/state.json (or state.db for badger)
  path: ""

history:
  enabled: true
  path: ""
  retention_days: %d

logging:
  level: info
  # Log file path (empty means use default: $XDG_STATE_HOME/minepref/minepref.log, "-" disables)
  path: ""
  rotation:
    max_size: 10MB
    max_age: 30       # days
    max_backups: 5
    daily: true
  # Level for stderr output, empty disables it
  console: ""
  components:
    rpc: info
    controller: info
    sampler: info
    applier: info

metrics:
  # Prometheus listen address, empty disables
  listen: %s

daemon:
  # Empty paths use $XDG_DATA_HOME/minepref and $XDG_STATE_HOME/minepref
  socket_path: ""
  pid_path: ""
  lock_path: ""
  status_path: ""

coinbase:
  quai: ""
  qi: ""
`,
		DefaultNodeHTTP, DefaultNodeWS, DefaultTimeout, DefaultMaxRetries, DefaultRetryInitial, DefaultRetryMax,
		DefaultStartupRetries,
		DefaultSubscribeMethod, DefaultSubscribeTopic, DefaultEventBuffer, DefaultInitialBackoff, DefaultMaxBackoff,
		DefaultTelemetryMode, DefaultTelemetryEndpoint, DefaultTelemetryMethod, DefaultQiSlice, DefaultQuaiSlice, DefaultQiDivisor,
		DefaultPolicy, DefaultThresholdPercent,
		DefaultApplyMethod, DefaultApplyEncoding, DefaultQiSlice,
		DefaultInterval, DefaultTrigger,
		DefaultStateBackend,
		DefaultRetentionDays,
		DefaultMetricsListen,
	)

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return "", fmt.Errorf("failed to write default config: %w", err)
	}

	return configPath, nil
}

// ExpandPath expands ~ in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, path[1:]), nil
}

// DataDir returns $XDG_DATA_HOME/minepref/ for state, socket, lock and pid files.
func DataDir() string {
	return filepath.Join(xdg.DataHome, "minepref")
}

// StateDir returns $XDG_STATE_HOME/minepref/ for logs and the status file.
func StateDir() string {
	return filepath.Join(xdg.StateHome, "minepref")
}

// DefaultSocketPath returns the default health socket path.
func DefaultSocketPath() string {
	return filepath.Join(DataDir(), "minepref.sock")
}

// DefaultPIDPath returns the default PID file path.
func DefaultPIDPath() string {
	return filepath.Join(DataDir(), "minepref.pid")
}

// DefaultLockPath returns the default single-instance lock path.
func DefaultLockPath() string {
	return filepath.Join(DataDir(), "minepref.lock")
}

// DefaultStatusPath returns the default status file path.
func DefaultStatusPath() string {
	return filepath.Join(StateDir(), "status.json")
}

// DefaultStatePath returns the default location for the given state backend.
func DefaultStatePath(backend string) string {
	if backend == "badger" {
		return filepath.Join(DataDir(), "state.db")
	}
	return filepath.Join(DataDir(), "state.json")
}

// DefaultHistoryDir returns the default apply history directory.
func DefaultHistoryDir() string {
	return filepath.Join(DataDir(), "history")
}

// DefaultLogPath returns the default log file path.
func DefaultLogPath() string {
	return logging.DefaultLogPath()
}
