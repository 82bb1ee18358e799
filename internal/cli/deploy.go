package cli

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
)

// maxParallelNetworks bounds how many networks are worked on at once.
const maxParallelNetworks = 4

// NewDeployCommand creates the deploy command.
func NewDeployCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy [diamond]",
		Short: "Deploy the diamond, or bring an existing one up to date",
		Long: `Deploy the diamond on each selected network.

A network without a recorded diamond gets the cut facet and the diamond
proxy first. Every configured facet whose version changed is deployed and
routed with one diamondCut; facets no longer configured are removed.

The diamond name defaults to the one in the settings file.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPasses(cmd, rootOpts, passOptions{action: engine.ActionDeploy, diamond: diamondArg(args)})
		},
	}
}

// NewUpgradeCommand creates the upgrade command.
func NewUpgradeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [diamond]",
		Short: "Upgrade an existing diamond to the configured facet versions",
		Long: `Upgrade the diamond on each selected network.

Fails for networks that have no recorded diamond; use deploy for those.
The diamond name defaults to the one in the settings file.`,
		Args: usageArgs(cobra.MaximumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPasses(cmd, rootOpts, passOptions{action: engine.ActionUpgrade, diamond: diamondArg(args)})
		},
	}
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	var simulate bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the cut a deploy would apply, without sending anything",
		Long: `Compute the diamondCut for each selected network against a local fork
of its deployment record. Nothing is sent to the network and the record is
not changed.

With --simulate the cut and its initializers are also executed on the fork
and the resulting routing table is reported.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPasses(cmd, rootOpts, passOptions{
				action:  engine.ActionDeploy,
				preview: true,
				dryRun:  !simulate,
			})
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "execute the cut on the fork and report the resulting routes")
	return cmd
}

type passOptions struct {
	action  engine.Action
	preview bool
	dryRun  bool

	// diamond overrides the settings' diamond name when set.
	diamond string
}

func diamondArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// hookReport is one facet's post-cut hook outcome.
type hookReport struct {
	engine.HookOutcome
	Error string `json:"error,omitempty"`
}

// routeReport is one facet address of a routing table.
type routeReport struct {
	Address   ir.Address    `json:"address"`
	Selectors []ir.Selector `json:"selectors"`
}

// passReport is the outcome of one pass on one network.
type passReport struct {
	Key        string              `json:"key"`
	Network    string              `json:"network"`
	Status     string              `json:"status,omitempty"`
	Deployed   []string            `json:"deployed,omitempty"`
	Drift      *engine.DriftReport `json:"drift,omitempty"`
	Plan       *ir.CutPlan         `json:"plan,omitempty"`
	Warnings   []string            `json:"warnings,omitempty"`
	TxHash     string              `json:"txHash,omitempty"`
	ProposalID string              `json:"proposalId,omitempty"`
	Hooks      []hookReport        `json:"hooks,omitempty"`
	Routes     []routeReport       `json:"routes,omitempty"`
	Error      string              `json:"error,omitempty"`

	err            error
	errCode        string
	exit           int
	hooksAllFailed bool
}

func newPassReport(key ir.DeploymentKey, network string, res *engine.Result, err error) passReport {
	r := passReport{Key: key.String(), Network: network}
	if err != nil {
		r.err = err
		r.Error = err.Error()
		r.errCode, r.exit = passErrorCode(err)
	}
	if res == nil {
		return r
	}
	r.Deployed = res.Deployed
	r.Drift = res.Drift
	if rec := res.Reconciliation; rec != nil {
		r.Plan = rec.Plan
		r.Warnings = rec.Warnings
	}
	if exec := res.Execution; exec != nil {
		r.Status = string(exec.Status)
		r.ProposalID = exec.ProposalID
		if exec.Receipt != nil {
			r.TxHash = exec.Receipt.TxHash.Hex()
		}
	} else if err == nil && r.Plan != nil {
		r.Status = "planned"
	}
	if res.Hooks != nil {
		for _, o := range res.Hooks.Outcomes {
			h := hookReport{HookOutcome: o}
			if o.Err != nil {
				h.Error = o.Err.Error()
			}
			r.Hooks = append(r.Hooks, h)
		}
		r.hooksAllFailed = res.Hooks.AllFailed()
	}
	return r
}

// routedRunner sends each request to the engine of its key's network.
type routedRunner struct {
	mu      sync.Mutex
	engines map[ir.DeploymentKey]engine.Runner
}

func newRoutedRunner() *routedRunner {
	return &routedRunner{engines: make(map[ir.DeploymentKey]engine.Runner)}
}

func (r *routedRunner) add(key ir.DeploymentKey, runner engine.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[key] = runner
}

func (r *routedRunner) Run(ctx context.Context, req engine.Request) (*engine.Result, error) {
	r.mu.Lock()
	runner, ok := r.engines[req.Key]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no engine for %s", req.Key)
	}
	return runner.Run(ctx, req)
}

// runPasses runs one pass per selected network, concurrently, and reports
// every outcome. A failing network does not stop the others.
func runPasses(cmd *cobra.Command, opts *RootOptions, po passOptions) error {
	formatter := newFormatter(opts, cmd)
	p, err := loadProject(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer p.Close()

	if po.diamond != "" {
		if err := p.UseDiamond(po.diamond); err != nil {
			return formatter.fail(ExitCommandError, ErrCodeConfig, "invalid diamond name", err)
		}
	}

	networks, err := p.Networks(opts.Networks)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeNetwork, "unknown network", err)
	}

	routes := newRoutedRunner()
	registry := engine.NewRegistry(routes, engine.WithRegistryLogger(p.Logger))
	reports := make([]passReport, len(networks))

	ctx := cmd.Context()
	var g errgroup.Group
	g.SetLimit(maxParallelNetworks)
	for i, network := range networks {
		g.Go(func() error {
			reports[i] = runNetwork(ctx, p, registry, routes, network, po)
			return nil
		})
	}
	_ = g.Wait()

	return reportPasses(formatter, reports)
}

func runNetwork(ctx context.Context, p *Project, registry *engine.Registry, routes *routedRunner, network string, po passOptions) passReport {
	var (
		t   *Target
		err error
	)
	if po.preview {
		t, err = p.Preview(ctx, network)
	} else {
		t, err = p.Target(ctx, network)
	}
	if err != nil {
		key, _ := p.Config.Key(network)
		r := newPassReport(key, network, nil, err)
		r.errCode = ErrCodeNetwork
		return r
	}
	defer t.Close()
	routes.add(t.Key, t.Engine)

	res, err := registry.Run(ctx, engine.Request{
		Key:    t.Key,
		Config: p.Diamond,
		Action: po.action,
		DryRun: po.dryRun,
	})
	r := newPassReport(t.Key, network, res, err)
	if po.preview && !po.dryRun && err == nil && res.Record != nil {
		r.Routes = liveRoutes(ctx, t, res.Record.DiamondAddress)
	}
	return r
}

// liveRoutes reads the routing table of the diamond after a simulated cut.
func liveRoutes(ctx context.Context, t *Target, diamond ir.Address) []routeReport {
	loupe, ok := t.Client.(chain.Loupe)
	if !ok || diamond.IsZero() {
		return nil
	}
	facets, err := loupe.Facets(ctx, diamond)
	if err != nil {
		return nil
	}
	out := make([]routeReport, 0, len(facets))
	for _, f := range facets {
		out = append(out, routeReport{Address: f.Address, Selectors: f.Selectors})
	}
	return out
}

// reportPasses writes every pass report and derives the exit code: a
// failed pass or a pass whose hooks all failed exits 1. The reported code
// is the first pass error, or ErrCodeHooks when only hooks failed.
func reportPasses(formatter *OutputFormatter, reports []passReport) error {
	exit, code, hooksCode, failed := ExitSuccess, "", "", 0
	for _, r := range reports {
		switch {
		case r.err != nil:
			failed++
			if code == "" {
				code = r.errCode
			}
			exit = max(exit, r.exit)
		case r.hooksAllFailed:
			failed++
			hooksCode = ErrCodeHooks
			exit = max(exit, ExitFailure)
		}
	}
	if code == "" {
		code = hooksCode
	}

	if !formatter.JSON() {
		for _, r := range reports {
			renderPass(formatter.Writer, formatter.Styles, r)
		}
	}
	if exit == ExitSuccess {
		return formatter.Success(passData(formatter, reports))
	}

	message := fmt.Sprintf("%d of %d network(s) failed", failed, len(reports))
	if err := formatter.Partial(reports, code, message); err != nil {
		return err
	}
	return NewExitError(exit, fmt.Sprintf("%s: %s", code, message))
}

func passData(formatter *OutputFormatter, reports []passReport) any {
	if formatter.JSON() {
		return reports
	}
	return nil
}
