// Package config provides configuration management for the minepref controller.
package config

import "time"

// Default configuration values for minepref.
const (
	// DefaultNodeHTTP is the node endpoint that accepts preference updates.
	DefaultNodeHTTP = "http://127.0.0.1:9001"

	// DefaultNodeWS is the node endpoint used for the newHeads subscription.
	DefaultNodeWS = "ws://127.0.0.1:8001"

	// DefaultTelemetryEndpoint is the zone endpoint read for exchange rate and discount.
	DefaultTelemetryEndpoint = "http://127.0.0.1:9200"

	// DefaultTimeout bounds a single RPC attempt.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxRetries is the number of retries after the first failed attempt.
	DefaultMaxRetries = 3

	DefaultRetryInitial = 250 * time.Millisecond
	DefaultRetryMax     = 5 * time.Second

	// DefaultStartupRetries is how many probes are made before giving up at startup.
	DefaultStartupRetries = 5

	DefaultProbeMethod = "net_version"

	DefaultSubscribeMethod = "eth_subscribe"
	DefaultSubscribeTopic  = "newHeads"
	DefaultEventBuffer     = 100
	DefaultInitialBackoff  = time.Second
	DefaultMaxBackoff      = 30 * time.Second

	DefaultTelemetryMode   = "token"
	DefaultTelemetryMethod = "quai_getBlockByNumber"
	DefaultQiSlice         = "qi"
	DefaultQuaiSlice       = "quai"
	DefaultQiDivisor       = "8000000000"

	DefaultPolicy = "proportional"

	// DefaultThresholdPercent is the L1 change, in percent, a candidate must exceed.
	DefaultThresholdPercent = 1.0

	DefaultApplyMethod   = "setMinerPreference"
	DefaultApplyEncoding = "weight"

	DefaultInterval = 30 * time.Second
	DefaultTrigger  = "both"

	DefaultStateBackend = "file"

	// DefaultRetentionDays is the default number of days to retain history entries.
	DefaultRetentionDays = 30

	DefaultMetricsListen = "127.0.0.1:9464"
)

// DefaultNamespaces lists the RPC namespaces the node is expected to expose.
var DefaultNamespaces = []string{"eth", "net", "web3", "quai", "miner"}

// DefaultTelemetryParams are the params of the default telemetry read.
var DefaultTelemetryParams = []any{"latest", false}
