package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/diamondcut/internal/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string   // "json" | "text"
	ConfigPath string   // settings file; searched for when empty
	Networks   []string // networks to act on; all when empty

	// Callbacks are the post-upgrade callbacks facets may name.
	Callbacks *engine.CallbackRegistry
}

// RootOption customizes the root command for embedding programs.
type RootOption func(*RootOptions)

// WithCallbacks registers the callbacks facet versions may reference.
func WithCallbacks(r *engine.CallbackRegistry) RootOption {
	return func(o *RootOptions) {
		o.Callbacks = r
	}
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for diamondctl.
func NewRootCommand(options ...RootOption) *cobra.Command {
	opts := &RootOptions{}
	for _, o := range options {
		o(opts)
	}

	cmd := &cobra.Command{
		Use:   "diamondctl",
		Short: "diamondctl - EIP-2535 diamond deployments",
		Long: `Deploy and upgrade EIP-2535 diamonds from a declarative facet configuration.

Each pass compares the configured facet versions with the deployment record,
deploys what changed and applies a single diamondCut.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				msg := fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", msg)
				return NewExitError(ExitCommandError, msg)
			}
			return nil
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return usageError(c, err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "settings file (default diamondctl.yaml)")
	cmd.PersistentFlags().StringSliceVarP(&opts.Networks, "network", "n", nil, "network to act on, repeatable (default all)")

	cmd.AddCommand(NewDeployCommand(opts))
	cmd.AddCommand(NewUpgradeCommand(opts))
	cmd.AddCommand(NewPlanCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// usageError reports a command-line usage problem, which exits 2.
func usageError(cmd *cobra.Command, err error) error {
	fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
	return WrapExitError(ExitCommandError, "usage", err)
}

// usageArgs makes positional argument errors usage errors.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError(cmd, err)
		}
		return nil
	}
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
		Styles:    NewStyles(cmd.OutOrStdout()),
	}
}

// loadProject loads the project, reporting failures through formatter.
func loadProject(opts *RootOptions, cmd *cobra.Command, formatter *OutputFormatter) (*Project, error) {
	p, err := LoadProject(opts, cmd.ErrOrStderr())
	if err != nil {
		return nil, formatter.fail(ExitCommandError, projectErrorCode(err), "cannot load project", err)
	}
	return p, nil
}
