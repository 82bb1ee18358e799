// Package config loads the runtime configuration of diamondctl: where the
// diamond configuration and artifacts live, which networks to deploy to,
// how records are stored, and how cuts are retried and approved.
//
// Files are YAML or TOML, chosen by extension. Environment variables
// override file values; see ApplyEnv.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
)

// Backends for deployment records.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config is the runtime configuration.
type Config struct {
	// Diamond is the diamond name used in deployment keys.
	Diamond string `yaml:"diamond" toml:"diamond"`

	// DiamondConfig is the .cue, .json or directory holding the facet
	// configuration.
	DiamondConfig string `yaml:"diamond_config" toml:"diamond_config"`

	// Artifacts is the hardhat artifacts directory.
	Artifacts string `yaml:"artifacts" toml:"artifacts"`

	Deployments DeploymentsConfig  `yaml:"deployments" toml:"deployments"`
	Networks    map[string]Network `yaml:"networks" toml:"networks"`

	MaxRetries         int     `yaml:"max_retries" toml:"max_retries"`
	RetryDelayMS       int     `yaml:"retry_delay_ms" toml:"retry_delay_ms"`
	GasLimitMultiplier float64 `yaml:"gas_limit_multiplier" toml:"gas_limit_multiplier"`

	// Mode is "direct" or "relayed".
	Mode  string      `yaml:"mode" toml:"mode"`
	Relay RelayConfig `yaml:"relay" toml:"relay"`

	Logging LoggingConfig `yaml:"logging" toml:"logging"`

	envErrs []error
}

// DeploymentsConfig selects the record store.
type DeploymentsConfig struct {
	Backend string `yaml:"backend" toml:"backend"`

	// Path is the records directory for the file backend.
	Path string `yaml:"path" toml:"path"`

	// Database is the SQLite file for the sqlite backend.
	Database string `yaml:"database" toml:"database"`
}

// Network is one chain to deploy to.
type Network struct {
	RPCURL     string `yaml:"rpc_url" toml:"rpc_url"`
	ChainID    uint64 `yaml:"chain_id" toml:"chain_id"`
	PrivateKey string `yaml:"private_key" toml:"private_key"`

	// Simulated runs against an in-memory chain instead of RPCURL.
	Simulated bool `yaml:"simulated" toml:"simulated"`
}

// RelayConfig describes relayed cuts.
type RelayConfig struct {
	Outbox    string   `yaml:"outbox" toml:"outbox"`
	Safe      string   `yaml:"safe" toml:"safe"`
	Threshold int      `yaml:"threshold" toml:"threshold"`
	Approvers []string `yaml:"approvers" toml:"approvers"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Diamond:       "ProxyDiamond",
		DiamondConfig: "diamond.cue",
		Artifacts:     "artifacts",
		Deployments: DeploymentsConfig{
			Backend: BackendFile,
			Path:    "diamonds",
		},
		Networks:           map[string]Network{},
		MaxRetries:         3,
		RetryDelayMS:       2000,
		GasLimitMultiplier: 1.2,
		Mode:               string(engine.ModeDirect),
		Relay:              RelayConfig{Outbox: "proposals", Threshold: 1},
		Logging:            LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path loads only defaults and environment. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
		}
	default:
		return fmt.Errorf("config load failed (%s): unsupported extension %q (want .yaml, .yml or .toml)", path, filepath.Ext(path))
	}
	if cfg.Networks == nil {
		cfg.Networks = map[string]Network{}
	}
	return nil
}

// ApplyEnv overrides values from the environment:
//
//	DIAMOND_NAME, DIAMOND_CONFIG_PATH, CONTRACTS_PATH, DEPLOYMENTS_PATH,
//	MAX_RETRIES, RETRY_DELAY_MS, GAS_LIMIT_MULTIPLIER, LOG_LEVEL
//
// RPC_URL, PRIVATE_KEY and CHAIN_ID apply to the network named by
// NETWORK_NAME, or to the only configured network when NETWORK_NAME is
// unset. Unparseable numbers are reported by Validate.
func (c *Config) ApplyEnv(getenv func(string) string) {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		v := strings.TrimSpace(getenv(name))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("%s: %q is not an integer", name, v))
			return
		}
		*dst = n
	}

	setString("DIAMOND_NAME", &c.Diamond)
	setString("DIAMOND_CONFIG_PATH", &c.DiamondConfig)
	setString("CONTRACTS_PATH", &c.Artifacts)
	setString("DEPLOYMENTS_PATH", &c.Deployments.Path)
	setString("LOG_LEVEL", &c.Logging.Level)
	setInt("MAX_RETRIES", &c.MaxRetries)
	setInt("RETRY_DELAY_MS", &c.RetryDelayMS)
	if v := strings.TrimSpace(getenv("GAS_LIMIT_MULTIPLIER")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("GAS_LIMIT_MULTIPLIER: %q is not a number", v))
		} else {
			c.GasLimitMultiplier = f
		}
	}

	rpcURL := strings.TrimSpace(getenv("RPC_URL"))
	key := strings.TrimSpace(getenv("PRIVATE_KEY"))
	chainID := strings.TrimSpace(getenv("CHAIN_ID"))
	if rpcURL == "" && key == "" && chainID == "" {
		return
	}
	name := strings.TrimSpace(getenv("NETWORK_NAME"))
	if name == "" {
		if len(c.Networks) != 1 {
			c.envErrs = append(c.envErrs, fmt.Errorf("NETWORK_NAME is required when RPC_URL, PRIVATE_KEY or CHAIN_ID is set and %d networks are configured", len(c.Networks)))
			return
		}
		for n := range c.Networks {
			name = n
		}
	}
	if c.Networks == nil {
		c.Networks = map[string]Network{}
	}
	n := c.Networks[name]
	if rpcURL != "" {
		n.RPCURL = rpcURL
	}
	if key != "" {
		n.PrivateKey = key
	}
	if chainID != "" {
		id, err := strconv.ParseUint(chainID, 10, 64)
		if err != nil {
			c.envErrs = append(c.envErrs, fmt.Errorf("CHAIN_ID: %q is not a chain id", chainID))
		} else {
			n.ChainID = id
		}
	}
	c.Networks[name] = n
}

var privateKeyPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)

// Validate checks every setting and returns all problems combined with
// multierr, or nil.
func (c *Config) Validate() error {
	errs := append([]error(nil), c.envErrs...)
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Diamond) == "" {
		add("diamond name is required")
	}
	if strings.TrimSpace(c.DiamondConfig) == "" {
		add("diamond_config is required")
	}
	if len(c.Networks) == 0 {
		add("at least one network is required")
	}
	for _, name := range c.NetworkNames() {
		n := c.Networks[name]
		if n.ChainID == 0 {
			add("network %s: chain_id is required", name)
		}
		if n.Simulated {
			continue
		}
		if n.RPCURL == "" {
			add("network %s: rpc_url is required", name)
		}
		switch {
		case n.PrivateKey == "":
			add("network %s: private key is required", name)
		case !privateKeyPattern.MatchString(n.PrivateKey):
			add("network %s: private key must be 64 hex characters with 0x prefix", name)
		}
	}

	if c.GasLimitMultiplier < 1.0 || c.GasLimitMultiplier > 2.0 {
		add("gas limit multiplier must be between 1.0 and 2.0, got %g", c.GasLimitMultiplier)
	}
	if c.MaxRetries < 1 || c.MaxRetries > 10 {
		add("max retries must be between 1 and 10, got %d", c.MaxRetries)
	}
	if c.RetryDelayMS < 100 || c.RetryDelayMS > 30000 {
		add("retry delay must be between 100ms and 30000ms, got %d", c.RetryDelayMS)
	}

	switch c.Deployments.Backend {
	case BackendFile:
		if c.Deployments.Path == "" {
			add("deployments.path is required for the file backend")
		}
	case BackendSQLite:
		if c.Deployments.Database == "" {
			add("deployments.database is required for the sqlite backend")
		}
	default:
		add("deployments.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.Deployments.Backend)
	}

	switch engine.Mode(c.Mode) {
	case engine.ModeDirect:
	case engine.ModeRelayed:
		if c.Relay.Outbox == "" {
			add("relay.outbox is required in relayed mode")
		}
		if !isAddress(c.Relay.Safe) {
			add("relay.safe must be an address, got %q", c.Relay.Safe)
		}
		if c.Relay.Threshold < 1 {
			add("relay.threshold must be at least 1")
		}
		for _, a := range c.Relay.Approvers {
			if !isAddress(a) {
				add("relay.approvers: %q is not an address", a)
			}
		}
	default:
		add("mode must be %q or %q, got %q", engine.ModeDirect, engine.ModeRelayed, c.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return multierr.Combine(errs...)
}

func isAddress(s string) bool {
	a, err := ir.ParseAddress(s)
	return err == nil && !a.IsZero()
}

// NetworkNames returns configured network names in sorted order.
func (c *Config) NetworkNames() []string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key returns the deployment key of the configured diamond on network.
func (c *Config) Key(network string) (ir.DeploymentKey, error) {
	n, ok := c.Networks[network]
	if !ok {
		return ir.DeploymentKey{}, fmt.Errorf("network %q is not configured (have %s)", network, strings.Join(c.NetworkNames(), ", "))
	}
	return ir.DeploymentKey{Diamond: c.Diamond, Network: network, ChainID: n.ChainID}, nil
}

// RetryPolicy converts the retry settings. Delays double per attempt and
// are capped at 30s.
func (c *Config) RetryPolicy() engine.RetryPolicy {
	p := engine.DefaultRetryPolicy()
	p.MaxAttempts = c.MaxRetries
	p.BaseDelay = time.Duration(c.RetryDelayMS) * time.Millisecond
	p.Jitter = true
	return p
}

// ApprovalPolicy converts the relay settings.
func (c *Config) ApprovalPolicy() chain.ApprovalPolicy {
	p := chain.ApprovalPolicy{
		Safe:      ir.HexToAddress(c.Relay.Safe),
		Threshold: c.Relay.Threshold,
	}
	for _, a := range c.Relay.Approvers {
		p.Approvers = append(p.Approvers, ir.HexToAddress(a))
	}
	return p
}
