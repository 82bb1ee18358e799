package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/diamondcut/internal/store"
)

// historyReport is the cut history of one deployment key.
type historyReport struct {
	Key     string         `json:"key"`
	Network string         `json:"network"`
	Runs    []store.CutRun `json:"runs"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded diamondCut attempts",
		Long: `List every recorded diamondCut attempt per network, oldest first:
confirmed and reverted cuts, failed submissions and relayed proposals.

Requires the sqlite deployments backend.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd, rootOpts, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "most recent attempts to show per network (0 for all)")
	return cmd
}

func runHistory(cmd *cobra.Command, opts *RootOptions, limit int) error {
	formatter := newFormatter(opts, cmd)
	if limit < 0 {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, "--limit must not be negative", nil)
	}
	p, err := loadProject(opts, cmd, formatter)
	if err != nil {
		return err
	}
	defer p.Close()

	if p.History == nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, "history requires the sqlite deployments backend",
			errors.New("deployments.backend is "+p.Config.Deployments.Backend))
	}
	networks, err := p.Networks(opts.Networks)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeNetwork, "unknown network", err)
	}

	ctx := cmd.Context()
	reports := make([]historyReport, 0, len(networks))
	for _, network := range networks {
		key, err := p.Config.Key(network)
		if err != nil {
			return formatter.fail(ExitCommandError, ErrCodeNetwork, "unknown network", err)
		}
		runs, err := p.History.Runs(ctx, key, limit)
		if err != nil {
			return formatter.fail(ExitFailure, ErrCodeStore, fmt.Sprintf("cannot read history of %s", network), err)
		}
		if runs == nil {
			runs = []store.CutRun{}
		}
		reports = append(reports, historyReport{Key: key.String(), Network: network, Runs: runs})
	}

	if formatter.JSON() {
		return formatter.Success(reports)
	}
	for _, r := range reports {
		renderHistory(formatter.Writer, formatter.Styles, r.Key, r.Runs)
	}
	return nil
}
