package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/compiler"
	"github.com/roach88/diamondcut/internal/config"
	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/logging"
	"github.com/roach88/diamondcut/internal/store"
)

// DefaultConfigFiles are tried in order when --config is not given.
var DefaultConfigFiles = []string{"diamondctl.yaml", "diamondctl.yml", "diamondctl.toml"}

// Project is everything one invocation works with: settings, the diamond
// configuration, the record store and the logger. Relative paths in the
// settings file are resolved against the file's directory.
type Project struct {
	Config  *config.Config
	Diamond *ir.DiamondConfig
	Logger  *zap.Logger

	Records store.RecordStore

	// History is nil unless the sqlite backend is configured.
	History store.HistoryReader

	history   store.HistoryWriter
	artifacts chain.ArtifactSource
	callbacks *engine.CallbackRegistry
	base      string
	closers   []func() error
}

// projectError is a failure to assemble a Project, tagged with the error
// code the command reports.
type projectError struct {
	code string
	err  error
}

func (e *projectError) Error() string { return e.err.Error() }
func (e *projectError) Unwrap() error { return e.err }

// Errors lists combined settings problems one by one.
func (e *projectError) Errors() []error { return multierr.Errors(e.err) }

// projectErrorCode returns the error code of a LoadProject failure.
func projectErrorCode(err error) string {
	var pe *projectError
	if errors.As(err, &pe) {
		return pe.code
	}
	return ErrCodeGeneric
}

// LoadProject reads settings, validates them, compiles the diamond
// configuration and opens the record store. logOut receives log output.
func LoadProject(opts *RootOptions, logOut io.Writer) (*Project, error) {
	path, err := findConfigFile(opts.ConfigPath)
	if err != nil {
		return nil, &projectError{ErrCodeConfig, err}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &projectError{ErrCodeConfig, err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &projectError{ErrCodeConfig, err}
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Verbose: opts.Verbose,
		Output:  logOut,
	})
	if err != nil {
		return nil, &projectError{ErrCodeConfig, err}
	}

	p := &Project{
		Config:    cfg,
		Logger:    logger,
		callbacks: opts.Callbacks,
		base:      filepath.Dir(path),
	}
	if p.callbacks == nil {
		p.callbacks = engine.NewCallbackRegistry()
	}

	diamond, err := compiler.Load(p.Resolve(cfg.DiamondConfig))
	if err != nil {
		return nil, &projectError{ErrCodeDiamond, errors.New(compiler.DescribeError(err))}
	}
	if diamond.Name != cfg.Diamond {
		logger.Debug("diamond configuration name differs from settings, using settings",
			zap.String("configured", diamond.Name), zap.String("settings", cfg.Diamond))
		diamond.Name = cfg.Diamond
	}
	p.Diamond = diamond
	p.artifacts = chain.NewHardhatArtifacts(p.Resolve(cfg.Artifacts))

	if err := p.openStore(); err != nil {
		return nil, &projectError{ErrCodeStore, err}
	}
	return p, nil
}

// UseDiamond replaces the settings' diamond name for this invocation.
// Deployment keys and record paths follow the new name.
func (p *Project) UseDiamond(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("diamond name must not be empty")
	}
	if name != p.Config.Diamond {
		p.Logger.Debug("diamond name overridden on the command line",
			zap.String("settings", p.Config.Diamond), zap.String("diamond", name))
	}
	p.Config.Diamond = name
	p.Diamond.Name = name
	return nil
}

func findConfigFile(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	for _, name := range DefaultConfigFiles {
		if _, err := os.Stat(name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no settings file found (tried %v); pass --config", DefaultConfigFiles)
}

func (p *Project) openStore() error {
	d := p.Config.Deployments
	switch d.Backend {
	case config.BackendSQLite:
		path := p.Resolve(d.Database)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
		s, err := store.Open(path)
		if err != nil {
			return err
		}
		p.Records, p.History, p.history = s, s, s
		p.closers = append(p.closers, s.Close)
	default:
		p.Records = store.NewFileStore(p.Resolve(d.Path))
	}
	return nil
}

// Resolve makes a settings path absolute relative to the settings file.
func (p *Project) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.base, path)
}

// Close releases the record store and flushes the logger.
func (p *Project) Close() error {
	var err error
	for i := len(p.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, p.closers[i]())
	}
	_ = p.Logger.Sync()
	return err
}

// Networks returns the selected networks, or every configured network
// sorted by name when none are selected.
func (p *Project) Networks(selected []string) ([]string, error) {
	if len(selected) == 0 {
		return p.Config.NetworkNames(), nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, n := range selected {
		if _, err := p.Config.Key(n); err != nil {
			return nil, err
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Target is one network ready for passes.
type Target struct {
	Key    ir.DeploymentKey
	Client chain.Client
	Engine *engine.Engine

	close func()
}

// Close releases the network connection.
func (t *Target) Close() {
	if t.close != nil {
		t.close()
	}
}

// Target connects to network. Simulated networks are forked from the
// stored record so state carries across invocations.
func (p *Project) Target(ctx context.Context, network string) (*Target, error) {
	key, err := p.Config.Key(network)
	if err != nil {
		return nil, err
	}
	n := p.Config.Networks[network]

	t := &Target{Key: key}
	if n.Simulated {
		record, err := p.Records.Load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load record %s: %w", key, err)
		}
		t.Client = chain.ForkRecord(n.ChainID, record)
	} else {
		rpc, err := chain.DialRPC(ctx, chain.RPCConfig{URL: n.RPCURL, PrivateKey: n.PrivateKey, ChainID: n.ChainID}, p.Logger)
		if err != nil {
			return nil, err
		}
		t.Client = rpc
		t.close = rpc.Close
	}

	var execOpts []engine.ExecutorOption
	if p.history != nil {
		execOpts = append(execOpts, engine.WithHistory(p.history))
	}
	if engine.Mode(p.Config.Mode) == engine.ModeRelayed {
		outbox := filepath.Join(p.Resolve(p.Config.Relay.Outbox), key.String())
		execOpts = append(execOpts, engine.WithRelay(chain.NewOutbox(outbox, n.ChainID)))
	}
	t.Engine = p.newEngine(t.Client, p.Records,
		engine.WithMode(engine.Mode(p.Config.Mode), p.Config.ApprovalPolicy()),
		engine.WithExecutorOptions(execOpts...))
	return t, nil
}

// Preview builds a target that applies passes to a fork of the stored
// record and keeps every change in memory. Nothing is sent to a network.
func (p *Project) Preview(ctx context.Context, network string) (*Target, error) {
	key, err := p.Config.Key(network)
	if err != nil {
		return nil, err
	}
	record, err := p.Records.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", key, err)
	}
	mem := store.NewMemory()
	if err := mem.Save(ctx, key, record); err != nil {
		return nil, err
	}
	fork := chain.ForkRecord(key.ChainID, record)
	return &Target{Key: key, Client: fork, Engine: p.newEngine(fork, mem)}, nil
}

func (p *Project) newEngine(client chain.Client, records store.RecordStore, opts ...engine.EngineOption) *engine.Engine {
	base := []engine.EngineOption{
		engine.WithLogger(p.Logger),
		engine.WithCallbacks(p.callbacks),
		engine.WithEngineRetry(p.Config.RetryPolicy()),
		engine.WithGasLimitMultiplier(p.Config.GasLimitMultiplier),
	}
	if loupe, ok := client.(chain.Loupe); ok {
		base = append(base, engine.WithLoupe(loupe))
	}
	return engine.New(client, p.artifacts, records, append(base, opts...)...)
}
