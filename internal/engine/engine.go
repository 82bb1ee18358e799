package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/store"
)

// Action is what a pass is allowed to do with a missing diamond.
type Action string

const (
	// ActionDeploy bootstraps the diamond when the record has none.
	ActionDeploy Action = "deploy"

	// ActionUpgrade requires an existing diamond.
	ActionUpgrade Action = "upgrade"
)

// DiamondContractName is the artifact name of the diamond proxy.
const DiamondContractName = "Diamond"

// Request is one reconciliation pass for one key.
type Request struct {
	Key    ir.DeploymentKey
	Config *ir.DiamondConfig
	Action Action

	// DryRun stops after planning. Contracts the plan needs are still
	// deployed through the client, so previews should run on a fork.
	DryRun bool
}

// Result reports what a pass did.
type Result struct {
	Key ir.DeploymentKey

	// Seq is the pass number assigned by the Registry. Zero when the
	// engine was called directly.
	Seq int64

	// Shared is true when more than one caller received this pass.
	Shared bool

	Reconciliation *Reconciliation
	Execution      *ExecutionResult
	Hooks          *HookReport

	// Record is the record after the pass. For a dry run it is the record
	// the plan was computed against.
	Record *ir.DeploymentRecord

	Drift *DriftReport

	// Deployed lists contracts created during the pass, in order.
	Deployed []string
}

// Plan returns the cut plan of the pass, if planning ran.
func (r *Result) Plan() *ir.CutPlan {
	if r == nil || r.Reconciliation == nil {
		return nil
	}
	return r.Reconciliation.Plan
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the logger shared by every stage.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithLoupe enables resyncing the record from the live routing table
// before planning.
func WithLoupe(l chain.Loupe) EngineOption {
	return func(e *Engine) {
		e.loupe = l
	}
}

// WithCallbacks sets the registry post-upgrade callbacks are looked up in.
func WithCallbacks(c *CallbackRegistry) EngineOption {
	return func(e *Engine) {
		e.callbacks = c
	}
}

// WithCatalogs replaces the artifact-backed selector catalogs.
func WithCatalogs(c CatalogSource) EngineOption {
	return func(e *Engine) {
		e.catalogs = c
	}
}

// WithMode sets how cuts are applied. Relayed mode needs WithRelay.
func WithMode(m Mode, policy chain.ApprovalPolicy) EngineOption {
	return func(e *Engine) {
		e.mode = m
		e.policy = policy
	}
}

// WithEngineRetry sets the retry policy for deployments, cuts and
// initializer calls.
func WithEngineRetry(p RetryPolicy) EngineOption {
	return func(e *Engine) {
		e.retry.policy = p
	}
}

// WithEngineSleep replaces the backoff wait, for tests.
func WithEngineSleep(sleep func(context.Context, time.Duration) error) EngineOption {
	return func(e *Engine) {
		e.retry.sleep = sleep
	}
}

// WithGasLimitMultiplier scales cut and initializer gas limits.
func WithGasLimitMultiplier(m float64) EngineOption {
	return func(e *Engine) {
		e.gasMultiplier = m
	}
}

// WithExecutorOptions passes extra options to the cut executor.
func WithExecutorOptions(opts ...ExecutorOption) EngineOption {
	return func(e *Engine) {
		e.executorOpts = append(e.executorOpts, opts...)
	}
}

// WithReconcilerOptions passes extra options to the reconciler.
func WithReconcilerOptions(opts ...ReconcilerOption) EngineOption {
	return func(e *Engine) {
		e.reconcilerOpts = append(e.reconcilerOpts, opts...)
	}
}

// Engine runs reconciliation passes: load the record, deploy what the
// configuration needs, plan the cut, apply it and run post-cut hooks.
//
// Thread-safety: an Engine may run passes for different keys at once.
// Passes for the same key must be serialized by the caller; Registry
// does that.
type Engine struct {
	client    chain.Client
	artifacts chain.ArtifactSource
	records   store.RecordStore
	loupe     chain.Loupe
	callbacks *CallbackRegistry
	catalogs  CatalogSource

	mode          Mode
	policy        chain.ApprovalPolicy
	retry         retrier
	gasMultiplier float64

	executorOpts   []ExecutorOption
	reconcilerOpts []ReconcilerOption

	reconciler *Reconciler
	executor   *Executor
	hooks      *HookRunner
	logger     *zap.Logger
}

// New creates an Engine deploying through client, reading contracts from
// artifacts and persisting to records.
func New(client chain.Client, artifacts chain.ArtifactSource, records store.RecordStore, opts ...EngineOption) *Engine {
	e := &Engine{
		client:        client,
		artifacts:     artifacts,
		records:       records,
		mode:          ModeDirect,
		retry:         retrier{policy: DefaultRetryPolicy()},
		gasMultiplier: 1.2,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.callbacks == nil {
		e.callbacks = NewCallbackRegistry()
	}
	if e.catalogs == nil {
		e.catalogs = NewArtifactCatalogs(artifacts)
	}
	e.retry.logger = e.logger

	e.reconciler = NewReconciler(e.catalogs,
		append([]ReconcilerOption{WithReconcileLogger(e.logger)}, e.reconcilerOpts...)...)

	execOpts := []ExecutorOption{
		WithExecutorLogger(e.logger),
		WithRetryPolicy(e.retry.policy),
		WithGasMultiplier(e.gasMultiplier),
	}
	if e.retry.sleep != nil {
		execOpts = append(execOpts, WithSleep(e.retry.sleep))
	}
	e.executor = NewExecutor(client, records, append(execOpts, e.executorOpts...)...)

	hookOpts := []HookOption{
		WithHookLogger(e.logger),
		WithHookRetry(e.retry.policy),
		WithHookGasMultiplier(e.gasMultiplier),
	}
	if e.retry.sleep != nil {
		hookOpts = append(hookOpts, WithHookSleep(e.retry.sleep))
	}
	e.hooks = NewHookRunner(client, e.callbacks, hookOpts...)
	return e
}

// Callbacks returns the callback registry.
func (e *Engine) Callbacks() *CallbackRegistry {
	return e.callbacks
}

// Run executes one pass.
//
// Hook failures do not fail the pass; they are reported in Result.Hooks.
// Any other failure is a *PassError naming the stage. A reverted cut
// returns both the partial Result and the error.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	key := req.Key
	if req.Config == nil {
		return nil, passError(StagePlan, key, ir.ConfigurationError("", "no diamond configuration"))
	}
	facets := req.Config.SortedFacets()
	if err := e.callbacks.CheckCallbacks(facets); err != nil {
		return nil, passError(StagePlan, key, err)
	}
	logger := e.logger.With(zap.String("key", key.String()), zap.String("action", string(req.Action)))
	res := &Result{Key: key}

	record, err := e.records.Load(ctx, key)
	if err != nil {
		return nil, passError(StageLoad, key, err)
	}
	if record == nil {
		record = ir.NewDeploymentRecord()
	}
	if record.Facets == nil {
		record.Facets = make(map[string]ir.DeployedFacetInfo)
	}
	if record.ExternalLibraries == nil {
		record.ExternalLibraries = make(map[string]ir.Address)
	}
	if record.DiamondAddress.IsZero() && req.Action != ActionDeploy {
		return nil, passError(StageLoad, key, ErrNotDeployed)
	}

	if e.loupe != nil && !record.DiamondAddress.IsZero() {
		synced, drift, err := Resync(ctx, e.loupe, record)
		if err != nil {
			return nil, passError(StageResync, key, err)
		}
		res.Drift = drift
		if drift.Drifted() {
			logger.Warn("record drifted from chain, using chain routing",
				zap.Int("missing", len(drift.Missing)),
				zap.Int("moved", len(drift.Moved)),
				zap.Int("unattributed", len(drift.Unattributed)))
		}
		record = synced
	}

	if err := e.deployLibraries(ctx, key, req.Config, record, res); err != nil {
		return nil, passError(StageLibraries, key, err)
	}

	if record.DiamondAddress.IsZero() {
		if err := e.bootstrap(ctx, key, record, res); err != nil {
			return nil, passError(StageBootstrap, key, err)
		}
	}

	staged, err := e.deployFacets(ctx, facets, record, res)
	if err != nil {
		return nil, passError(StageDeploy, key, err)
	}

	rec, err := e.reconciler.Reconcile(ReconcileInput{
		Key:    key,
		Facets: facets,
		Record: record,
		Staged: staged,
	})
	if err != nil {
		return nil, passError(StagePlan, key, err)
	}
	res.Reconciliation = rec
	logger.Info("cut planned",
		zap.Int("operations", len(rec.Plan.Operations)),
		zap.Int("selectors", rec.Plan.SelectorCount()),
		zap.Int("warnings", len(rec.Warnings)))

	if req.DryRun {
		res.Record = record
		return res, nil
	}

	exec, err := e.executor.Execute(ctx, ExecuteRequest{
		Plan:            rec.Plan,
		Record:          record,
		Mode:            e.mode,
		ProtocolVersion: protocolVersion(req.Config, rec.Plan),
		Policy:          e.policy,
	})
	res.Execution = exec
	if err != nil {
		res.Record = record
		return res, passError(StageExecute, key, err)
	}
	res.Record = exec.Record

	if exec.Status == StatusPendingApproval {
		logger.Info("hooks deferred until the proposal is executed")
		return res, nil
	}

	res.Hooks = e.hooks.Run(ctx, HookRequest{
		Plan:      rec.Plan,
		Decisions: rec.Decisions,
		Record:    exec.Record,
	})
	if res.Hooks.Err != nil {
		logger.Warn("post-cut hooks failed",
			zap.Int("failed", res.Hooks.Failed()),
			zap.Error(res.Hooks.Err))
	}
	return res, nil
}

// deployLibraries deploys every configured library the record lacks and
// saves the record once they are on chain.
func (e *Engine) deployLibraries(ctx context.Context, key ir.DeploymentKey, cfg *ir.DiamondConfig, record *ir.DeploymentRecord, res *Result) error {
	deployed := false
	for _, name := range configuredLibraries(cfg) {
		if !record.ExternalLibraries[name].IsZero() {
			continue
		}
		dep, err := e.deploy(ctx, name, record.ExternalLibraries, nil)
		if err != nil {
			return err
		}
		record.ExternalLibraries[name] = dep.Address
		res.Deployed = append(res.Deployed, name)
		deployed = true
	}
	if !deployed {
		return nil
	}
	return e.records.Save(context.WithoutCancel(ctx), key, record)
}

// bootstrap deploys DiamondCutFacet and the diamond proxy, then saves the
// record with the cut facet registered at version 0.
func (e *Engine) bootstrap(ctx context.Context, key ir.DeploymentKey, record *ir.DeploymentRecord, res *Result) error {
	cutFacet, err := e.deploy(ctx, DiamondCutFacetName, record.ExternalLibraries, nil)
	if err != nil {
		return err
	}
	res.Deployed = append(res.Deployed, DiamondCutFacetName)

	signer := e.client.Signer()
	diamond, err := e.deploy(ctx, DiamondContractName, record.ExternalLibraries, func(r *chain.DeployRequest) {
		r.Diamond = true
		r.Args = []any{signer, cutFacet.Address}
	})
	if err != nil {
		return err
	}
	res.Deployed = append(res.Deployed, DiamondContractName)

	record.DiamondAddress = diamond.Address
	record.DeployerAddress = signer
	record.Facets[DiamondCutFacetName] = ir.DeployedFacetInfo{
		Address:   cutFacet.Address,
		TxHash:    cutFacet.TxHash,
		Version:   ir.Version(0).Ptr(),
		Selectors: []ir.Selector{chain.DiamondCutSelector},
	}
	e.logger.Info("diamond deployed",
		zap.String("key", key.String()),
		zap.Stringer("diamond", diamond.Address),
		zap.Stringer("cut_facet", cutFacet.Address))

	// The diamond exists on chain now; losing its address would orphan it.
	return e.records.Save(context.WithoutCancel(ctx), key, record)
}

// deployFacets deploys every facet whose version changes or that has no
// address yet. The new contracts are staged for the cut, not recorded.
func (e *Engine) deployFacets(ctx context.Context, facets []ir.FacetDescriptor, record *ir.DeploymentRecord, res *Result) (map[string]StagedFacet, error) {
	staged := make(map[string]StagedFacet)
	for _, f := range facets {
		var previous *ir.Version
		if v, ok := record.PreviousVersion(f.Name); ok {
			previous = &v
		}
		decision, err := ResolveVersion(f, previous)
		if err != nil {
			return nil, err
		}
		if !decision.Changed() && !record.Facets[f.Name].Address.IsZero() {
			continue
		}
		dep, err := e.deploy(ctx, f.Name, record.ExternalLibraries, nil)
		if err != nil {
			return nil, err
		}
		staged[f.Name] = StagedFacet{Address: dep.Address, TxHash: dep.TxHash}
		res.Deployed = append(res.Deployed, f.Name)
		e.logger.Debug("facet deployed",
			zap.String("facet", f.Name),
			zap.String("decision", string(decision.Kind)),
			zap.Stringer("address", dep.Address))
	}
	return staged, nil
}

func (e *Engine) deploy(ctx context.Context, name string, libs map[string]ir.Address, adjust func(*chain.DeployRequest)) (chain.Deployment, error) {
	art, err := e.artifacts.Load(name)
	if err != nil {
		return chain.Deployment{}, err
	}
	code, err := art.Link(libs)
	if err != nil {
		return chain.Deployment{}, err
	}
	req := chain.DeployRequest{Name: name, ABI: art.ABI, Bytecode: code}
	if adjust != nil {
		adjust(&req)
	}

	var dep chain.Deployment
	_, err = e.retry.do(ctx, "deploy "+name, func(int) error {
		d, err := e.client.Deploy(ctx, req)
		if err != nil {
			return err
		}
		dep = d
		return nil
	})
	if err != nil {
		return chain.Deployment{}, fmt.Errorf("deploy %s: %w", name, err)
	}
	return dep, nil
}

func configuredLibraries(cfg *ir.DiamondConfig) []string {
	set := make(map[string]bool)
	for _, f := range cfg.Facets {
		for _, lib := range f.Libraries {
			set[lib] = true
		}
	}
	out := make([]string, 0, len(set))
	for lib := range set {
		out = append(out, lib)
	}
	sort.Strings(out)
	return out
}

// protocolVersion is the configured protocol version, or the highest
// target version in the plan when none is configured.
func protocolVersion(cfg *ir.DiamondConfig, plan *ir.CutPlan) *ir.Version {
	if cfg.ProtocolVersion > 0 {
		return cfg.ProtocolVersion.Ptr()
	}
	var out *ir.Version
	for _, t := range plan.Targets {
		if out == nil || t.Version > *out {
			out = t.Version.Ptr()
		}
	}
	return out
}
