package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue/cuecontext"
	"go.uber.org/zap"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/compiler"
	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
	"github.com/roach88/diamondcut/internal/selector"
	"github.com/roach88/diamondcut/internal/store"
	"github.com/roach88/diamondcut/internal/testutil"
)

// Network is the network name of every scenario key.
const Network = "hardhat"

// Harness runs one scenario against a fresh simulated chain and an
// in-memory SQLite store.
type Harness struct {
	key    ir.DeploymentKey
	store  *store.Store
	chain  *chain.Simulated
	engine *engine.Engine
	logger *zap.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh in-memory database and simulated chain
// 2. Register contracts and callbacks
// 3. Run every step as a reconciliation pass, tracing its effects
// 4. Evaluate assertions against the trace, the store and the chain
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	var cfg *ir.DiamondConfig
	for i, step := range scenario.Steps {
		next, err := h.loadConfig(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if next != nil {
			cfg = next
		}
		if err := h.prepare(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}

		req := engine.Request{Key: h.key, Config: cfg, Action: engine.ActionDeploy}
		switch step.Action {
		case StepUpgrade:
			req.Action = engine.ActionUpgrade
		case StepPlan:
			req.DryRun = true
		}
		res, err := h.engine.Run(ctx, req)
		status := h.trace(i, res, err, result)
		checkExpect(i, step.Expect, res, err, status, result)

		h.logger.Debug("step completed",
			zap.Int("step", i),
			zap.String("action", step.Action),
			zap.String("status", status))
	}

	actx := &AssertionContext{Ctx: ctx, Store: st, Chain: h.chain, Key: h.key}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(scenario *Scenario, st *store.Store) (*Harness, error) {
	key := ir.DeploymentKey{Diamond: scenario.Diamond, Network: Network, ChainID: scenario.ChainID}
	if key.Diamond == "" {
		key.Diamond = testutil.Key.Diamond
	}
	if key.ChainID == 0 {
		key.ChainID = testutil.ChainID
	}

	callbacks := engine.NewCallbackRegistry()
	for _, name := range sortedKeys(scenario.Callbacks) {
		cb := func(context.Context, engine.CallbackArgs) error { return nil }
		if scenario.Callbacks[name] == "fail" {
			cb = func(_ context.Context, args engine.CallbackArgs) error {
				return fmt.Errorf("callback %s failed for %s", name, args.Facet)
			}
		}
		if err := callbacks.Register(name, cb); err != nil {
			return nil, err
		}
	}

	logger := zap.NewNop()
	sim := chain.NewSimulated(key.ChainID, testutil.Signer)
	noSleep := func(context.Context, time.Duration) error { return nil }
	eng := engine.New(sim, testutil.Artifacts(scenario.Contracts), st,
		engine.WithLogger(logger),
		engine.WithLoupe(sim),
		engine.WithCallbacks(callbacks),
		engine.WithEngineSleep(noSleep),
		engine.WithExecutorOptions(
			engine.WithHistory(st),
			engine.WithRunIDs(testutil.NewSequentialRunIDs(scenario.Name)),
			engine.WithNow(testutil.NewStepClock(time.Second).Now),
		))

	return &Harness{key: key, store: st, chain: sim, engine: eng, logger: logger}, nil
}

// loadConfig compiles the step's configuration, or returns nil when the
// step reuses the previous one.
func (h *Harness) loadConfig(step Step) (*ir.DiamondConfig, error) {
	var (
		cfg *ir.DiamondConfig
		err error
	)
	switch {
	case step.ConfigFile != "":
		cfg, err = compiler.Load(step.ConfigFile)
	case step.Config != "":
		cfg, err = compiler.LoadBytes(cuecontext.New(), "diamond.cue", []byte(step.Config))
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compile diamond configuration: %s", compiler.DescribeError(err))
	}
	cfg.Name = h.key.Diamond
	return cfg, nil
}

// prepare injects faults and tampers with routing before a pass.
func (h *Harness) prepare(ctx context.Context, step int, s Step, result *Result) error {
	if f := s.Fault; f != nil {
		if f.Transient > 0 {
			h.chain.FailNext(f.Transient)
			result.AddEvent(step, EventFault, "transient", fmt.Sprint(f.Transient))
		}
		if f.LostReceipts > 0 {
			h.chain.LoseReceipts(f.LostReceipts)
			result.AddEvent(step, EventFault, "lost_receipts", fmt.Sprint(f.LostReceipts))
		}
		if f.RevertCut != "" {
			h.chain.RevertNextSubmit(f.RevertCut)
			result.AddEvent(step, EventFault, "revert_cut", f.RevertCut)
		}
		for _, sig := range f.RevertOn {
			h.chain.RevertOn(selector.FromSignature(sig), "reverted by scenario")
			result.AddEvent(step, EventFault, "revert_on", selector.NormalizeSignature(sig))
		}
	}

	t := s.Tamper
	if t == nil {
		return nil
	}
	record, err := h.store.Load(ctx, h.key)
	if err != nil {
		return err
	}
	if record.DiamondAddress.IsZero() {
		return errors.New("tamper needs a deployed diamond")
	}

	routes := h.chain.Routes(record.DiamondAddress)
	for _, sig := range t.Unroute {
		delete(routes, selector.FromSignature(sig))
		result.AddEvent(step, EventTamper, "unroute", selector.NormalizeSignature(sig))
	}
	for _, sig := range sortedKeys(t.Route) {
		routes[selector.FromSignature(sig)] = ir.HexToAddress(t.Route[sig])
		result.AddEvent(step, EventTamper, "route", selector.NormalizeSignature(sig))
	}
	h.chain.SetRoutes(record.DiamondAddress, loupeFacets(routes))
	return nil
}

// loupeFacets groups a routing table by facet address, ordered so the
// simulated loupe reports it deterministically.
func loupeFacets(routes map[ir.Selector]ir.Address) []chain.LoupeFacet {
	byAddr := make(map[ir.Address][]ir.Selector)
	for sel, addr := range routes {
		byAddr[addr] = append(byAddr[addr], sel)
	}
	out := make([]chain.LoupeFacet, 0, len(byAddr))
	for addr, sels := range byAddr {
		sort.Slice(sels, func(i, j int) bool { return sels[i].String() < sels[j].String() })
		out = append(out, chain.LoupeFacet{Address: addr, Selectors: sels})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Hex() < out[j].Address.Hex() })
	return out
}

// trace records the effects of one pass and returns its status.
func (h *Harness) trace(step int, res *engine.Result, err error, result *Result) string {
	status := StatusFailed
	if res != nil {
		if res.Drift.Drifted() {
			d := res.Drift
			result.AddEvent(step, EventDrift, "routes",
				fmt.Sprintf("missing=%d moved=%d unattributed=%d", len(d.Missing), len(d.Moved), len(d.Unattributed)))
		}
		for _, name := range res.Deployed {
			result.AddEvent(step, EventDeploy, name, "")
		}
		if plan := res.Plan(); plan != nil {
			for _, op := range plan.Operations {
				result.AddEvent(step, EventCut, op.FacetName, fmt.Sprintf("%s %d", op.Action, len(op.Selectors)))
			}
			for _, init := range plan.Initializers {
				mode := "call"
				if init.Bundled {
					mode = "bundled"
				}
				result.AddEvent(step, EventInitializer, init.Facet, init.Function+" "+mode)
			}
		}
		if res.Reconciliation != nil {
			for _, w := range res.Reconciliation.Warnings {
				result.AddEvent(step, EventWarning, "reconcile", w)
			}
		}
		if err == nil {
			status = StatusPlanned
			if res.Execution != nil {
				status = string(res.Execution.Status)
			}
		}
	}
	result.AddEvent(step, EventStatus, status, "")

	if res != nil && res.Hooks != nil {
		for _, o := range res.Hooks.Outcomes {
			if o.CallbackRan {
				result.AddEvent(step, EventCallback, o.Facet, o.Callback)
			}
			if o.Err != nil {
				result.AddEvent(step, EventHookFailed, o.Facet, o.Err.Error())
			}
		}
	}
	if err != nil {
		stage, _ := engine.StageOf(err)
		result.AddEvent(step, EventError, errorKind(err), string(stage))
	}
	return status
}

// errorKind names the failure of a pass for traces and expect clauses.
func errorKind(err error) string {
	if errors.Is(err, engine.ErrNotDeployed) {
		return "NOT_DEPLOYED"
	}
	if kind, ok := ir.KindOf(err); ok {
		return string(kind)
	}
	return "UNKNOWN"
}

// checkExpect validates a pass against its expect clause.
func checkExpect(step int, expect *ExpectClause, res *engine.Result, err error, status string, result *Result) {
	if expect == nil {
		return
	}
	if status != expect.Status {
		msg := fmt.Sprintf("step %d: expected status %s, got %s", step, expect.Status, status)
		if err != nil {
			msg += ": " + err.Error()
		}
		result.AddError(msg)
	}
	if expect.Error != "" {
		if err == nil {
			result.AddError(fmt.Sprintf("step %d: expected error %s, pass succeeded", step, expect.Error))
		} else if kind := errorKind(err); kind != expect.Error {
			result.AddError(fmt.Sprintf("step %d: expected error %s, got %s: %v", step, expect.Error, kind, err))
		}
	}
	if expect.Stage != "" {
		if stage, _ := engine.StageOf(err); string(stage) != expect.Stage {
			result.AddError(fmt.Sprintf("step %d: expected failure in stage %s, got %q", step, expect.Stage, stage))
		}
	}
	if expect.Deployed != nil {
		var deployed []string
		if res != nil {
			deployed = res.Deployed
		}
		if strings.Join(deployed, ",") != strings.Join(expect.Deployed, ",") {
			result.AddError(fmt.Sprintf("step %d: expected deployed %v, got %v", step, expect.Deployed, deployed))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
