// Package config loads the indexer's YAML configuration, following the
// teacher's setDefaults/applyEnvOverrides/validate pipeline generalized from
// one hardcoded chain to an arbitrary list of chains and sources.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Chains      ChainsConfig      `yaml:"chains"`
	Sync        SyncConfig        `yaml:"sync"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ChainsConfig holds the list of chains to index plus settings shared by
// every chain's RPC client.
type ChainsConfig struct {
	RateLimitPerSecond float64      `yaml:"rate_limit_per_second"`
	Entries            []ChainEntry `yaml:"entries"`
}

// ChainEntry configures one chain: its RPC/websocket endpoints, its
// finality assumption, and the sources to index on it.
type ChainEntry struct {
	Name          string         `yaml:"name"`
	ChainID       uint64         `yaml:"chain_id"`
	RPCURL        string         `yaml:"rpc_url"`
	WSURL         string         `yaml:"ws_url"`
	FinalityDepth uint64         `yaml:"finality_depth"`
	Sources       []SourceEntry  `yaml:"sources"`
}

// SourceEntry declares one filter to materialize events for, plus the ABI
// needed to decode any log events it matches. Exactly one of Address/
// Addresses/ChildAddress should be set; when BlockInterval is non-zero the
// source is a block-interval filter instead of a log filter.
type SourceEntry struct {
	Name         string             `yaml:"name"`
	ContractName string             `yaml:"contract_name"`
	FromBlock    uint64             `yaml:"from_block"`
	ToBlock      *uint64            `yaml:"to_block"`
	Address      string             `yaml:"address"`
	Addresses    []string           `yaml:"addresses"`
	ChildAddress *ChildAddressEntry `yaml:"child_address"`
	Topics       [4][]string        `yaml:"topics"`

	BlockInterval uint64 `yaml:"block_interval"`
	BlockOffset   uint64 `yaml:"block_offset"`

	Events []EventABIEntry `yaml:"events"`
}

// ChildAddressEntry configures a factory-derived address set: addresses are
// read out of logs matching EventSelector, at the given topic or data word.
type ChildAddressEntry struct {
	Address       string   `yaml:"address"`
	Addresses     []string `yaml:"addresses"`
	EventSelector string   `yaml:"event_selector"`
	Topic         int      `yaml:"topic"`
	Offset        int      `yaml:"offset"`
}

// EventABIEntry declares one event signature a source's logs may match.
type EventABIEntry struct {
	Name      string          `yaml:"name"`
	Signature string          `yaml:"signature"`
	Inputs    []ArgumentEntry `yaml:"inputs"`
}

// ArgumentEntry is one named, typed event argument.
type ArgumentEntry struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Indexed bool   `yaml:"indexed"`
}

// SyncConfig holds the historical/local sync pacing knobs (§4.6, §4.7).
type SyncConfig struct {
	BlocksPerEventHeuristic float64       `yaml:"blocks_per_event_heuristic"`
	PollInterval            time.Duration `yaml:"poll_interval"`
}

// PersistenceConfig holds sync store settings.
type PersistenceConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file and applies environment
// variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	cfg.setDefaults()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if len(data) > 0 {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options.
func (c *Config) setDefaults() {
	c.Chains = ChainsConfig{
		RateLimitPerSecond: 20,
	}
	c.Sync = SyncConfig{
		BlocksPerEventHeuristic: 0.25,
		PollInterval:            4 * time.Second,
	}
	c.Persistence = PersistenceConfig{
		SQLitePath: "./data/chainindex.db",
	}
	c.Metrics = MetricsConfig{
		Enabled: true,
		Port:    8080,
		Path:    "/metrics",
	}
	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

// applyEnvOverrides applies environment variable overrides to
// configuration. Per-chain RPC/WS URLs are overridden by
// CHAIN_<NAME>_RPC_URL / CHAIN_<NAME>_WS_URL, name upper-cased, matching
// the teacher's single BASE_RPC_URL/BASE_WS_URL convention generalized to
// many chains.
func (c *Config) applyEnvOverrides() {
	for i := range c.Chains.Entries {
		entry := &c.Chains.Entries[i]
		envName := strings.ToUpper(strings.ReplaceAll(entry.Name, "-", "_"))
		if v := os.Getenv(fmt.Sprintf("CHAIN_%s_RPC_URL", envName)); v != "" {
			entry.RPCURL = v
		}
		if v := os.Getenv(fmt.Sprintf("CHAIN_%s_WS_URL", envName)); v != "" {
			entry.WSURL = v
		}
	}

	if v := os.Getenv("METRICS_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil && port > 0 {
			c.Metrics.Port = port
		}
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Persistence.SQLitePath = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// validate checks that all required configuration values are present and valid.
func (c *Config) validate() error {
	if len(c.Chains.Entries) == 0 {
		return fmt.Errorf("chains.entries must declare at least one chain")
	}
	seenNames := map[string]bool{}
	for _, entry := range c.Chains.Entries {
		if entry.Name == "" {
			return fmt.Errorf("chain entry missing name")
		}
		if seenNames[entry.Name] {
			return fmt.Errorf("duplicate chain name %q", entry.Name)
		}
		seenNames[entry.Name] = true

		if entry.ChainID == 0 {
			return fmt.Errorf("chain %q: chain_id is required", entry.Name)
		}
		if entry.RPCURL == "" {
			return fmt.Errorf("chain %q: rpc_url is required (set CHAIN_%s_RPC_URL env var)", entry.Name, strings.ToUpper(strings.ReplaceAll(entry.Name, "-", "_")))
		}
		if len(entry.Sources) == 0 {
			return fmt.Errorf("chain %q: must declare at least one source", entry.Name)
		}
		for _, src := range entry.Sources {
			if src.Name == "" {
				return fmt.Errorf("chain %q: source missing name", entry.Name)
			}
			if src.BlockInterval == 0 && src.Address == "" && len(src.Addresses) == 0 && src.ChildAddress == nil {
				return fmt.Errorf("chain %q source %q: log filter must set address, addresses, or child_address", entry.Name, src.Name)
			}
		}
	}

	if c.Sync.BlocksPerEventHeuristic <= 0 {
		return fmt.Errorf("sync.blocks_per_event_heuristic must be positive")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be a valid port number")
	}
	return nil
}
