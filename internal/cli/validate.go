package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/roach88/diamondcut/internal/compiler"
	"github.com/roach88/diamondcut/internal/engine"
)

// Artifact validation error codes (E300-E399)
const (
	ErrCodeMissingArtifact = "E301" // no compiled artifact for a contract
	ErrCodeUnknownFunction = "E302" // deployInclude names no ABI function
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool                       `json:"valid"`
	Errors []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate settings, the diamond configuration and artifacts",
		Long: `Validate the settings file and the diamond configuration without touching
any network.

Checks facet names, version entries, initializer and callback references,
and that every facet, library and deployInclude entry resolves against the
compiled artifacts.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	p, err := LoadProject(opts, cmd.ErrOrStderr())
	if err != nil {
		code := projectErrorCode(err)
		switch code {
		case ErrCodeConfig, ErrCodeDiamond:
			var errs []compiler.ValidationError
			for _, e := range multierr.Errors(err) {
				errs = append(errs, compiler.ValidationError{Field: fieldOf(code), Message: e.Error(), Code: code})
			}
			return outputValidationErrors(formatter, errs)
		default:
			return formatter.fail(ExitCommandError, code, "cannot load project", err)
		}
	}
	defer p.Close()

	formatter.VerboseLog("Loaded %d facet(s) for %s", len(p.Diamond.Facets), p.Config.Diamond)

	errs := compiler.Validate(p.Diamond, p.callbacks.Has)
	errs = append(errs, validateArtifacts(p, formatter)...)
	if len(errs) > 0 {
		return outputValidationErrors(formatter, errs)
	}
	return outputValidateSuccess(formatter)
}

func fieldOf(code string) string {
	if code == ErrCodeDiamond {
		return "diamond_config"
	}
	return "settings"
}

// validateArtifacts checks that every contract a deploy needs has an
// artifact and that deployInclude entries name functions of their facet.
func validateArtifacts(p *Project, formatter *OutputFormatter) []compiler.ValidationError {
	var errs []compiler.ValidationError
	missing := func(field, name string, err error) {
		errs = append(errs, compiler.ValidationError{
			Field:   field,
			Message: fmt.Sprintf("artifact %s: %v", name, err),
			Code:    ErrCodeMissingArtifact,
		})
	}

	for _, name := range []string{engine.DiamondCutFacetName, engine.DiamondContractName} {
		if _, err := p.artifacts.Load(name); err != nil {
			missing("artifacts", name, err)
		}
	}
	for _, lib := range compiler.Libraries(p.Diamond) {
		if _, err := p.artifacts.Load(lib); err != nil {
			missing("libraries."+lib, lib, err)
		}
	}

	catalogs := engine.NewArtifactCatalogs(p.artifacts)
	for _, facet := range p.Diamond.SortedFacets() {
		formatter.VerboseLog("Checking artifact: %s", facet.Name)
		catalog, err := catalogs.Catalog(facet.Name)
		if err != nil {
			missing("facets."+facet.Name, facet.Name, err)
			continue
		}
		for _, ver := range facet.SortedVersions() {
			include := facet.Versions[ver].DeployInclude
			if len(include) == 0 {
				continue
			}
			if _, err := catalog.Selectors(include); err != nil {
				errs = append(errs, compiler.ValidationError{
					Field:   fmt.Sprintf("facets.%s.versions.%d.deployInclude", facet.Name, ver),
					Message: err.Error(),
					Code:    ErrCodeUnknownFunction,
				})
			}
		}
	}
	return errs
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter) error {
	if formatter.JSON() {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, formatter.Styles.OK.Render("✓ Configuration valid"))
	return nil
}

// outputValidationErrors outputs every validation error. Validation
// failures exit 1.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	message := fmt.Sprintf("validation failed with %d error(s)", len(errs))
	if formatter.JSON() {
		if err := formatter.encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error:  &CLIError{Code: errs[0].Code, Message: errs[0].Message},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, message)
	}

	fmt.Fprintln(formatter.Writer, formatter.Styles.Error.Render("✗ Validation failed"))
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s %s: %s\n\n", err.Code, err.Field, err.Message)
	}
	return NewExitError(ExitFailure, message)
}
