package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/diamondcut/internal/chain"
	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
)

// statusReport is the state of one deployment key.
type statusReport struct {
	Key             string                  `json:"key"`
	Network         string                  `json:"network"`
	Status          engine.DeploymentStatus `json:"status"`
	Diamond         ir.Address              `json:"diamond,omitzero"`
	ProtocolVersion *ir.Version             `json:"protocolVersion,omitempty"`
	Facets          []engine.FacetStatus    `json:"facets"`
	Drift           *engine.DriftReport     `json:"drift,omitempty"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Compare deployment records with the configured facet versions",
		Long: `Show, per network, whether the diamond is deployed and which facets
would change on the next deploy.

With --live the diamond's routing table is read from the network and
compared with the record.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts, live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "compare records with the on-chain routing table")
	return cmd
}

func runStatus(cmd *cobra.Command, opts *RootOptions, live bool) error {
	formatter := newFormatter(opts, cmd)
	p, err := loadProject(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer p.Close()

	networks, err := p.Networks(opts.Networks)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeNetwork, "unknown network", err)
	}

	ctx := cmd.Context()
	reports := make([]statusReport, 0, len(networks))
	for _, network := range networks {
		r, err := statusOf(ctx, p, network, live)
		if err != nil {
			return formatter.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("cannot read status of %s", network), err)
		}
		reports = append(reports, r)
	}

	if formatter.JSON() {
		return formatter.Success(reports)
	}
	for _, r := range reports {
		renderStatus(formatter.Writer, formatter.Styles, r)
		if r.Drift.Drifted() {
			fmt.Fprintf(formatter.Writer, "  %s %d missing, %d moved, %d unattributed selectors\n",
				formatter.Styles.Warn.Render("drift"), len(r.Drift.Missing), len(r.Drift.Moved), len(r.Drift.Unattributed))
		}
	}
	return nil
}

func statusOf(ctx context.Context, p *Project, network string, live bool) (statusReport, error) {
	key, err := p.Config.Key(network)
	if err != nil {
		return statusReport{}, err
	}
	record, err := p.Records.Load(ctx, key)
	if err != nil {
		return statusReport{}, err
	}

	r := statusReport{
		Key:             key.String(),
		Network:         network,
		Diamond:         record.DiamondAddress,
		ProtocolVersion: record.ProtocolVersion,
	}
	if live && !record.DiamondAddress.IsZero() {
		t, err := p.Target(ctx, network)
		if err != nil {
			return statusReport{}, err
		}
		defer t.Close()
		if loupe, ok := t.Client.(chain.Loupe); ok {
			synced, drift, err := engine.Resync(ctx, loupe, record)
			if err != nil {
				return statusReport{}, err
			}
			record, r.Drift = synced, drift
		}
	}
	r.Status, r.Facets = engine.StatusOf(record, p.Diamond)
	return r, nil
}
