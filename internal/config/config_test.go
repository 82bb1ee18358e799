package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
)

const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

const yamlConfig = `
diamond: ExampleDiamond
diamond_config: diamonds/ExampleDiamond/example.config.json
artifacts: build/artifacts
deployments:
  backend: sqlite
  database: state/records.db
networks:
  sepolia:
    rpc_url: https://rpc.sepolia.example
    chain_id: 11155111
    private_key: ` + testKey + `
  local:
    chain_id: 31337
    simulated: true
max_retries: 5
retry_delay_ms: 500
gas_limit_multiplier: 1.5
logging:
  level: debug
  format: json
`

const tomlConfig = `
diamond = "ExampleDiamond"
diamond_config = "example.cue"
mode = "relayed"

[relay]
outbox = "out"
safe = "0x00000000000000000000000000000000000000aa"
threshold = 2

[networks.hardhat]
chain_id = 31337
simulated = true
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) string { return "" }

func envOf(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func load(t *testing.T, path string, env func(string) string) *Config {
	t.Helper()
	cfg := Default()
	require.NoError(t, decodeFile(path, cfg))
	cfg.ApplyEnv(env)
	return cfg
}

func TestLoadYAML(t *testing.T) {
	cfg := load(t, writeFile(t, "diamondctl.yaml", yamlConfig), noEnv)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "ExampleDiamond", cfg.Diamond)
	assert.Equal(t, "build/artifacts", cfg.Artifacts)
	assert.Equal(t, BackendSQLite, cfg.Deployments.Backend)
	assert.Equal(t, "diamonds", cfg.Deployments.Path, "unset values keep defaults")
	assert.Equal(t, []string{"local", "sepolia"}, cfg.NetworkNames())
	assert.Equal(t, uint64(11155111), cfg.Networks["sepolia"].ChainID)
	assert.True(t, cfg.Networks["local"].Simulated)
	assert.Equal(t, 1.5, cfg.GasLimitMultiplier)
	assert.Equal(t, "json", cfg.Logging.Format)

	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.True(t, p.Jitter)
}

func TestLoadTOML(t *testing.T) {
	cfg := load(t, writeFile(t, "diamondctl.toml", tomlConfig), noEnv)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, string(engine.ModeRelayed), cfg.Mode)
	policy := cfg.ApprovalPolicy()
	assert.Equal(t, ir.HexToAddress("0xaa"), policy.Safe)
	assert.Equal(t, 2, policy.Threshold)

	key, err := cfg.Key("hardhat")
	require.NoError(t, err)
	assert.Equal(t, ir.DeploymentKey{Diamond: "ExampleDiamond", Network: "hardhat", ChainID: 31337}, key)

	_, err = cfg.Key("mainnet")
	assert.ErrorContains(t, err, "hardhat")
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    string
	}{
		{"unknown extension", "config.ini", "x=1", "unsupported extension"},
		{"bad yaml", "config.yaml", "networks: [", "config parse failed"},
		{"unknown toml key", "config.toml", "diamnod = \"x\"", "unknown key diamnod"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeFile(writeFile(t, tt.file, tt.content), Default())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "config load failed")
}

func TestApplyEnv(t *testing.T) {
	cfg := load(t, writeFile(t, "c.toml", tomlConfig), envOf(map[string]string{
		"DIAMOND_NAME":         "ProxyDiamond",
		"DEPLOYMENTS_PATH":     "/var/diamonds",
		"MAX_RETRIES":          "7",
		"RETRY_DELAY_MS":       "250",
		"GAS_LIMIT_MULTIPLIER": "1.1",
		"RPC_URL":              "http://127.0.0.1:8545",
		"PRIVATE_KEY":          testKey,
	}))

	assert.Equal(t, "ProxyDiamond", cfg.Diamond)
	assert.Equal(t, "/var/diamonds", cfg.Deployments.Path)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 250, cfg.RetryDelayMS)
	assert.Equal(t, 1.1, cfg.GasLimitMultiplier)

	hardhat := cfg.Networks["hardhat"]
	assert.Equal(t, "http://127.0.0.1:8545", hardhat.RPCURL, "applies to the only network")
	assert.Equal(t, testKey, hardhat.PrivateKey)
	assert.Equal(t, uint64(31337), hardhat.ChainID)
}

func TestApplyEnvNamedNetwork(t *testing.T) {
	cfg := load(t, writeFile(t, "c.yaml", yamlConfig), envOf(map[string]string{
		"NETWORK_NAME": "polygon",
		"RPC_URL":      "https://polygon.example",
		"CHAIN_ID":     "137",
		"PRIVATE_KEY":  testKey,
	}))
	require.NoError(t, cfg.Validate())
	assert.Equal(t, []string{"local", "polygon", "sepolia"}, cfg.NetworkNames())
	assert.Equal(t, uint64(137), cfg.Networks["polygon"].ChainID)
}

func TestApplyEnvNeedsNetworkName(t *testing.T) {
	cfg := load(t, writeFile(t, "c.yaml", yamlConfig), envOf(map[string]string{"RPC_URL": "http://x"}))
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NETWORK_NAME is required")
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(envOf(map[string]string{"MAX_RETRIES": "lots"}))
	cfg.Diamond = ""
	cfg.Networks["sepolia"] = Network{RPCURL: "https://rpc", PrivateKey: "0x1234"}
	cfg.GasLimitMultiplier = 2.5
	cfg.RetryDelayMS = 50
	cfg.Deployments.Backend = "postgres"
	cfg.Mode = string(engine.ModeRelayed)
	cfg.Relay.Safe = "nobody"
	cfg.Logging.Level = "trace"

	err := cfg.Validate()
	require.Error(t, err)
	msgs := make([]string, 0)
	for _, e := range multierr.Errors(err) {
		msgs = append(msgs, e.Error())
	}
	assert.Equal(t, []string{
		`MAX_RETRIES: "lots" is not an integer`,
		"diamond name is required",
		"network sepolia: chain_id is required",
		"network sepolia: private key must be 64 hex characters with 0x prefix",
		"gas limit multiplier must be between 1.0 and 2.0, got 2.5",
		"retry delay must be between 100ms and 30000ms, got 50",
		`deployments.backend must be "file" or "sqlite", got "postgres"`,
		`relay.safe must be an address, got "nobody"`,
		`logging.level must be debug, info, warn or error, got "trace"`,
	}, msgs)
}

func TestValidateRanges(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Networks["local"] = Network{ChainID: 31337, Simulated: true}
		return cfg
	}
	require.NoError(t, base().Validate())

	tests := []struct {
		name  string
		apply func(*Config)
		ok    bool
	}{
		{"multiplier low bound", func(c *Config) { c.GasLimitMultiplier = 1.0 }, true},
		{"multiplier high bound", func(c *Config) { c.GasLimitMultiplier = 2.0 }, true},
		{"multiplier below", func(c *Config) { c.GasLimitMultiplier = 0.9 }, false},
		{"retries low bound", func(c *Config) { c.MaxRetries = 1 }, true},
		{"retries high bound", func(c *Config) { c.MaxRetries = 10 }, true},
		{"retries above", func(c *Config) { c.MaxRetries = 11 }, false},
		{"retries zero", func(c *Config) { c.MaxRetries = 0 }, false},
		{"delay low bound", func(c *Config) { c.RetryDelayMS = 100 }, true},
		{"delay high bound", func(c *Config) { c.RetryDelayMS = 30000 }, true},
		{"delay above", func(c *Config) { c.RetryDelayMS = 30001 }, false},
		{"no networks", func(c *Config) { c.Networks = nil }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.apply(cfg)
			if tt.ok {
				assert.NoError(t, cfg.Validate())
			} else {
				assert.Error(t, cfg.Validate())
			}
		})
	}
}
