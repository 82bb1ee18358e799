package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/ir"
)

// GasLimitInitializer is the base gas limit for follow-up initializer calls.
const GasLimitInitializer = 300000

// HookRequest is the input of a post-cut hook run.
type HookRequest struct {
	Plan *ir.CutPlan

	// Decisions in priority order, as returned by Reconcile.
	Decisions []VersionDecision

	// Record is the record after the cut.
	Record *ir.DeploymentRecord
}

// HookOutcome is what happened for one changed facet.
type HookOutcome struct {
	Facet string `json:"facet"`

	Initializer    string      `json:"initializer,omitempty"`
	InitializerRan bool        `json:"initializerRan,omitempty"`
	Bundled        bool        `json:"bundled,omitempty"`
	InitTx         common.Hash `json:"initTx,omitzero"`

	Callback    string `json:"callback,omitempty"`
	CallbackRan bool   `json:"callbackRan,omitempty"`

	Err error `json:"-"`
}

// Attempted reports whether any hook had to run for the facet.
func (o HookOutcome) Attempted() bool {
	return (o.Initializer != "" && !o.Bundled) || o.Callback != ""
}

// HookReport collects per-facet outcomes. Err combines every failure and
// is nil when all hooks succeeded.
type HookReport struct {
	Outcomes []HookOutcome
	Err      error
}

// Failed returns the number of facets with a failed hook.
func (r *HookReport) Failed() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, o := range r.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// AllFailed reports whether hooks ran for at least one facet and failed
// for every such facet.
func (r *HookReport) AllFailed() bool {
	if r == nil {
		return false
	}
	attempted, failed := 0, 0
	for _, o := range r.Outcomes {
		if !o.Attempted() {
			continue
		}
		attempted++
		if o.Err != nil {
			failed++
		}
	}
	return attempted > 0 && failed == attempted
}

// HookRunner calls initializers and callbacks after a confirmed cut.
type HookRunner struct {
	client        chain.Client
	callbacks     *CallbackRegistry
	retry         retrier
	gasMultiplier float64
	logger        *zap.Logger
}

// HookOption configures a HookRunner.
type HookOption func(*HookRunner)

// WithHookLogger sets the logger.
func WithHookLogger(l *zap.Logger) HookOption {
	return func(h *HookRunner) {
		h.logger = l
	}
}

// WithHookRetry sets the retry policy for initializer calls.
func WithHookRetry(p RetryPolicy) HookOption {
	return func(h *HookRunner) {
		h.retry.policy = p
	}
}

// WithHookSleep replaces the backoff wait, for tests.
func WithHookSleep(sleep func(context.Context, time.Duration) error) HookOption {
	return func(h *HookRunner) {
		h.retry.sleep = sleep
	}
}

// WithHookGasMultiplier scales the initializer gas limit.
func WithHookGasMultiplier(m float64) HookOption {
	return func(h *HookRunner) {
		h.gasMultiplier = m
	}
}

// NewHookRunner creates a HookRunner. callbacks may be nil when no
// callbacks are configured.
func NewHookRunner(client chain.Client, callbacks *CallbackRegistry, opts ...HookOption) *HookRunner {
	h := &HookRunner{
		client:        client,
		callbacks:     callbacks,
		retry:         retrier{policy: DefaultRetryPolicy()},
		gasMultiplier: 1.2,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.retry.logger = h.logger
	return h
}

// Run processes every changed facet in priority order. A facet's
// initializer runs first unless it was bundled with the cut; its callback
// runs only if the initializer succeeded. Failures are collected as
// ir.KindHookFailure errors and never stop later facets.
func (h *HookRunner) Run(ctx context.Context, req HookRequest) *HookReport {
	report := &HookReport{}
	var errs []error

	var key ir.DeploymentKey
	if req.Plan != nil {
		key = req.Plan.Key
	}

	inits := make(map[string]ir.PlannedInitializer)
	if req.Plan != nil {
		for _, init := range req.Plan.Initializers {
			inits[init.Facet] = init
		}
	}

	for _, d := range req.Decisions {
		if !d.Changed() {
			continue
		}
		outcome := HookOutcome{Facet: d.Facet}
		if d.RunCallback {
			outcome.Callback = d.Callback
		}
		init, hasInit := inits[d.Facet]
		if hasInit {
			outcome.Initializer = init.Function
			outcome.Bundled = init.Bundled
		}
		if !outcome.Attempted() {
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		if err := ctx.Err(); err != nil {
			outcome.Err = ir.HookFailure(d.Facet, "post-cut hooks", err)
			errs = append(errs, outcome.Err)
			report.Outcomes = append(report.Outcomes, outcome)
			continue
		}

		logger := h.logger.With(zap.String("facet", d.Facet), zap.String("decision", string(d.Kind)))

		if hasInit && !init.Bundled {
			tx, err := h.callInitializer(ctx, req.Plan.Diamond, init)
			outcome.InitTx = tx
			if err != nil {
				outcome.Err = ir.HookFailure(d.Facet, "initializer "+init.Function, err)
				logger.Error("initializer failed", zap.String("initializer", init.Function), zap.Error(err))
				errs = append(errs, outcome.Err)
				report.Outcomes = append(report.Outcomes, outcome)
				continue
			}
			outcome.InitializerRan = true
			logger.Info("initializer called", zap.String("initializer", init.Function), zap.Stringer("tx", tx))
		}

		if d.RunCallback {
			if err := h.runCallback(ctx, key, d, req); err != nil {
				outcome.Err = ir.HookFailure(d.Facet, "callback "+d.Callback, err)
				logger.Error("callback failed", zap.String("callback", d.Callback), zap.Error(err))
				errs = append(errs, outcome.Err)
			} else {
				outcome.CallbackRan = true
				logger.Info("callback completed", zap.String("callback", d.Callback))
			}
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	report.Err = multierr.Combine(errs...)
	return report
}

func (h *HookRunner) callInitializer(ctx context.Context, diamond ir.Address, init ir.PlannedInitializer) (common.Hash, error) {
	gas := uint64(float64(GasLimitInitializer) * max(h.gasMultiplier, 1))
	var (
		tx      common.Hash
		receipt *chain.Receipt
	)
	_, err := h.retry.do(ctx, "initializer "+init.Function, func(int) error {
		if tx == (common.Hash{}) {
			sent, err := h.client.Send(ctx, diamond, init.Selector[:], gas)
			if err != nil {
				return err
			}
			tx = sent
		}
		r, err := h.client.WaitReceipt(ctx, tx)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	if !receipt.Succeeded() {
		reason := receipt.RevertReason
		if reason == "" {
			reason = fmt.Sprintf("receipt status %d", receipt.Status)
		}
		return receipt.TxHash, ir.ExecutionReverted(receipt.TxHash, errors.New(reason))
	}
	return receipt.TxHash, nil
}

func (h *HookRunner) runCallback(ctx context.Context, key ir.DeploymentKey, d VersionDecision, req HookRequest) (err error) {
	cb, ok := h.callbacks.Lookup(d.Callback)
	if !ok {
		return ir.ConfigurationError(d.Facet, "callback %q is not registered", d.Callback)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	var diamond ir.Address
	if req.Plan != nil {
		diamond = req.Plan.Diamond
	}
	return cb(ctx, CallbackArgs{
		Key:      key,
		Facet:    d.Facet,
		Decision: d,
		Diamond:  diamond,
		Record:   req.Record.Clone(),
		Client:   h.client,
		Logger:   h.logger.With(zap.String("callback", d.Callback)),
	})
}
