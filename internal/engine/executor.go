package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/store"
)

// Mode selects how a plan reaches the chain.
type Mode string

const (
	// ModeDirect submits diamondCut from the configured signer.
	ModeDirect Mode = "direct"

	// ModeRelayed hands the cut to a relay as a proposal for approval.
	ModeRelayed Mode = "relayed"
)

// ExecutionStatus is the outcome of Execute.
type ExecutionStatus string

const (
	StatusConfirmed       ExecutionStatus = "confirmed"
	StatusPendingApproval ExecutionStatus = "pending_approval"
	StatusNoOp            ExecutionStatus = "no_op"
)

// ExecuteRequest is one plan to apply.
type ExecuteRequest struct {
	Plan   *ir.CutPlan
	Record *ir.DeploymentRecord
	Mode   Mode

	// ProtocolVersion is written to the record after confirmation.
	ProtocolVersion *ir.Version

	// Policy is forwarded to the relay in ModeRelayed.
	Policy chain.ApprovalPolicy
}

// ExecutionResult reports what Execute did.
type ExecutionResult struct {
	Status ExecutionStatus
	PlanID string
	RunID  string

	// Record is the persisted record after confirmation, or the unchanged
	// input record when the cut is pending approval.
	Record *ir.DeploymentRecord

	Receipt    *chain.Receipt
	ProposalID string
	Attempts   int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithRetryPolicy sets the retry policy for transient failures.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		e.retry.policy = p
	}
}

// WithGasMultiplier scales the cut gas estimate.
func WithGasMultiplier(m float64) ExecutorOption {
	return func(e *Executor) {
		e.gasMultiplier = m
	}
}

// WithRelay sets the relay used in ModeRelayed.
func WithRelay(r chain.Relay) ExecutorOption {
	return func(e *Executor) {
		e.relay = r
	}
}

// WithHistory sets where cut attempts are appended. By default the record
// store is used when it implements store.HistoryWriter.
func WithHistory(h store.HistoryWriter) ExecutorOption {
	return func(e *Executor) {
		e.history = h
	}
}

// WithRunIDs sets the run ID generator.
func WithRunIDs(g RunIDGenerator) ExecutorOption {
	return func(e *Executor) {
		e.ids = g
	}
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) ExecutorOption {
	return func(e *Executor) {
		e.retry.sleep = sleep
	}
}

// WithNow replaces the wall clock used for history timestamps.
func WithNow(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		e.now = now
	}
}

// Executor applies cut plans and persists the resulting record.
type Executor struct {
	client        chain.Client
	records       store.RecordStore
	relay         chain.Relay
	history       store.HistoryWriter
	retry         retrier
	gasMultiplier float64
	ids           RunIDGenerator
	now           func() time.Time
	logger        *zap.Logger
}

// NewExecutor creates an Executor submitting through client and saving
// to records.
func NewExecutor(client chain.Client, records store.RecordStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:        client,
		records:       records,
		retry:         retrier{policy: DefaultRetryPolicy()},
		gasMultiplier: 1.2,
		ids:           UUIDv7Generator{},
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	if h, ok := records.(store.HistoryWriter); ok {
		e.history = h
	}
	for _, opt := range opts {
		opt(e)
	}
	e.retry.logger = e.logger
	return e
}

// Execute applies req.Plan.
//
// An empty plan sends nothing; the record is still saved if the targets
// change it (for example a version bump at the same address). In direct
// mode the record is saved only after the cut is confirmed, and a
// reverted cut returns ir.KindExecutionReverted without retrying. In
// relayed mode the proposal is created and the record is left untouched.
func (e *Executor) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	plan := req.Plan
	if plan == nil {
		return nil, errors.New("execute: nil plan")
	}
	planID, err := plan.ID()
	if err != nil {
		return nil, err
	}
	res := &ExecutionResult{PlanID: planID, RunID: e.ids.Generate()}
	logger := e.logger.With(
		zap.String("key", plan.Key.String()),
		zap.String("plan_id", planID),
		zap.String("run_id", res.RunID))

	if plan.IsEmpty() {
		next, err := e.persist(ctx, req)
		if err != nil {
			return nil, err
		}
		res.Status = StatusNoOp
		res.Record = next
		logger.Info("plan is empty, nothing to submit")
		return res, nil
	}
	if plan.Diamond.IsZero() {
		return nil, ir.ConfigurationError("", "plan has no diamond address")
	}

	switch req.Mode {
	case ModeRelayed:
		return e.propose(ctx, req, res, logger)
	case ModeDirect, "":
		return e.submit(ctx, req, res, logger)
	default:
		return nil, ir.ConfigurationError("", "unknown execution mode %q", req.Mode)
	}
}

func (e *Executor) submit(ctx context.Context, req ExecuteRequest, res *ExecutionResult, logger *zap.Logger) (*ExecutionResult, error) {
	plan := req.Plan
	gas := CutGasLimit(plan.SelectorCount(), e.gasMultiplier)
	logger.Info("submitting cut",
		zap.Int("operations", len(plan.Operations)),
		zap.Int("selectors", plan.SelectorCount()),
		zap.Uint64("gas_limit", gas))

	// Once the cut has a hash, later attempts only wait for that hash.
	var tx common.Hash
	attempts, err := e.retry.do(ctx, "diamondCut", func(attempt int) error {
		if tx == (common.Hash{}) {
			sent, err := e.client.SendCut(ctx, plan.Diamond, plan.Operations, plan.InitAddress, plan.InitCalldata, gas)
			if err != nil {
				e.appendRun(ctx, e.run(req, res, attempt, store.RunFailed, err))
				return err
			}
			tx = sent
			logger.Debug("cut sent", zap.Stringer("tx", tx))
		}
		receipt, err := e.client.WaitReceipt(ctx, tx)
		if err != nil {
			e.appendRun(ctx, e.run(req, res, attempt, store.RunFailed, fmt.Errorf("wait for %s: %w", tx, err)))
			return err
		}
		res.Receipt = receipt
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		return nil, err
	}

	receipt := res.Receipt
	if !receipt.Succeeded() {
		reason := receipt.RevertReason
		if reason == "" {
			reason = fmt.Sprintf("receipt status %d", receipt.Status)
		}
		cause := ir.ExecutionReverted(receipt.TxHash, errors.New(reason))
		e.appendRun(ctx, e.run(req, res, attempts, store.RunReverted, cause))
		logger.Error("cut reverted", zap.Stringer("tx", receipt.TxHash), zap.String("reason", reason))
		return res, cause
	}
	e.appendRun(ctx, e.run(req, res, attempts, store.RunConfirmed, nil))
	logger.Info("cut confirmed",
		zap.Stringer("tx", receipt.TxHash),
		zap.Uint64("block", receipt.BlockNumber),
		zap.Int("attempts", attempts))

	// The cut is on chain; persist even if the caller gave up waiting.
	next, err := e.persist(context.WithoutCancel(ctx), req)
	if err != nil {
		return nil, fmt.Errorf("cut %s confirmed but record not saved: %w", receipt.TxHash, err)
	}
	res.Status = StatusConfirmed
	res.Record = next
	return res, nil
}

func (e *Executor) propose(ctx context.Context, req ExecuteRequest, res *ExecutionResult, logger *zap.Logger) (*ExecutionResult, error) {
	if e.relay == nil {
		return nil, ir.ConfigurationError("", "relayed mode requires a relay")
	}
	plan := req.Plan
	calldata, err := chain.EncodeDiamondCut(plan.Operations, plan.InitAddress, plan.InitCalldata)
	if err != nil {
		return nil, fmt.Errorf("encode diamondCut: %w", err)
	}
	proposal := chain.Proposal{
		PlanID:       res.PlanID,
		Key:          plan.Key,
		Diamond:      plan.Diamond,
		Operations:   plan.Operations,
		InitAddress:  plan.InitAddress,
		InitCalldata: plan.InitCalldata,
		Calldata:     calldata,
		Policy:       req.Policy,
	}

	attempts, err := e.retry.do(ctx, "createProposal", func(attempt int) error {
		id, err := e.relay.CreateProposal(ctx, proposal)
		if err != nil {
			e.appendRun(ctx, e.run(req, res, attempt, store.RunFailed, err))
			return err
		}
		res.ProposalID = id
		return nil
	})
	res.Attempts = attempts
	if err != nil {
		return nil, err
	}

	e.appendRun(ctx, e.run(req, res, attempts, store.RunPendingApproval, nil))
	logger.Info("cut proposed, awaiting approval", zap.String("proposal_id", res.ProposalID))
	res.Status = StatusPendingApproval
	res.Record = req.Record.Clone()
	if res.Record == nil {
		res.Record = ir.NewDeploymentRecord()
	}
	return res, nil
}

// persist saves the record implied by the plan when it differs from the
// input record, and returns it.
func (e *Executor) persist(ctx context.Context, req ExecuteRequest) (*ir.DeploymentRecord, error) {
	next := ApplyPlan(req.Record, req.Plan, req.ProtocolVersion)
	before, err := ir.RecordHash(req.Record)
	if err != nil {
		return nil, err
	}
	after, err := ir.RecordHash(next)
	if err != nil {
		return nil, err
	}
	if before == after {
		return next, nil
	}
	if err := e.records.Save(ctx, req.Plan.Key, next); err != nil {
		return nil, fmt.Errorf("save record: %w", err)
	}
	return next, nil
}

func (e *Executor) run(req ExecuteRequest, res *ExecutionResult, attempt int, status store.RunStatus, err error) store.CutRun {
	mode := req.Mode
	if mode == "" {
		mode = ModeDirect
	}
	run := store.CutRun{
		ID:         fmt.Sprintf("%s.%d", res.RunID, attempt),
		Key:        req.Plan.Key,
		PlanID:     res.PlanID,
		Mode:       string(mode),
		Status:     status,
		Attempt:    attempt,
		ProposalID: res.ProposalID,
		Operations: len(req.Plan.Operations),
		Selectors:  req.Plan.SelectorCount(),
		CreatedAt:  e.now().UTC(),
	}
	if res.Receipt != nil && status != store.RunFailed {
		run.TxHash = res.Receipt.TxHash
	}
	if err != nil {
		run.Error = err.Error()
	}
	return run
}

func (e *Executor) appendRun(ctx context.Context, run store.CutRun) {
	if e.history == nil {
		return
	}
	if err := e.history.AppendRun(context.WithoutCancel(ctx), run); err != nil {
		e.logger.Warn("append cut run", zap.String("run_id", run.ID), zap.Error(err))
	}
}
