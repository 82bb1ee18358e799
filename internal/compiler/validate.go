package compiler

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/roach88/diamondcut/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrNoFacets            = "E201" // configuration declares no facets
	ErrNoVersions          = "E202" // facet declares no versions
	ErrInvalidFacetName    = "E203" // facet name is not a contract identifier
	ErrFutureFromVersion   = "E204" // fromVersions entry not below its version
	ErrUpgradeInitUnusable = "E205" // upgradeInit without fromVersions never runs
	ErrDuplicateEntry      = "E206" // duplicate library or deployInclude entry
	ErrEmptyEntry          = "E207" // empty library or deployInclude entry
	ErrUnknownCallback     = "E208" // callback not registered
)

var contractNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// CallbackLookup reports whether a callback name is registered.
type CallbackLookup func(name string) bool

// Validate checks a compiled configuration and returns every problem found
// (does not fail fast). Facets are checked in (priority, name) order so the
// output is stable. callbacks may be nil to skip callback checks.
func Validate(cfg *ir.DiamondConfig, callbacks CallbackLookup) []ValidationError {
	var errs []ValidationError

	if len(cfg.Facets) == 0 {
		errs = append(errs, ValidationError{
			Field:   "facets",
			Message: "at least one facet is required",
			Code:    ErrNoFacets,
		})
		return errs
	}

	for _, facet := range cfg.SortedFacets() {
		base := "facets." + facet.Name

		if !contractNamePattern.MatchString(facet.Name) {
			errs = append(errs, ValidationError{
				Field:   base,
				Message: fmt.Sprintf("%q is not a valid contract name", facet.Name),
				Code:    ErrInvalidFacetName,
			})
		}

		if len(facet.Versions) == 0 {
			errs = append(errs, ValidationError{
				Field:   base + ".versions",
				Message: "at least one version is required",
				Code:    ErrNoVersions,
			})
		}

		errs = append(errs, checkEntries(base+".libraries", facet.Libraries)...)

		for _, ver := range facet.SortedVersions() {
			spec := facet.Versions[ver]
			vbase := fmt.Sprintf("%s.versions.%d", base, ver)

			for _, from := range spec.FromVersions {
				if from >= ver {
					errs = append(errs, ValidationError{
						Field:   vbase + ".fromVersions",
						Message: fmt.Sprintf("cannot upgrade from version %d to %d", from, ver),
						Code:    ErrFutureFromVersion,
					})
				}
			}

			if spec.UpgradeInit != "" && len(spec.FromVersions) == 0 {
				errs = append(errs, ValidationError{
					Field:   vbase + ".upgradeInit",
					Message: "upgradeInit is never called without fromVersions",
					Code:    ErrUpgradeInitUnusable,
				})
			}

			errs = append(errs, checkEntries(vbase+".deployInclude", spec.DeployInclude)...)

			if spec.Callback != "" && callbacks != nil && !callbacks(spec.Callback) {
				errs = append(errs, ValidationError{
					Field:   vbase + ".callback",
					Message: fmt.Sprintf("callback %q is not registered", spec.Callback),
					Code:    ErrUnknownCallback,
				})
			}
		}
	}

	return errs
}

func checkEntries(field string, entries []string) []ValidationError {
	var errs []ValidationError
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		switch {
		case e == "":
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: "entry must not be empty",
				Code:    ErrEmptyEntry,
			})
		case seen[e]:
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: fmt.Sprintf("duplicate entry %q", e),
				Code:    ErrDuplicateEntry,
			})
		}
		seen[e] = true
	}
	return errs
}

// Libraries returns every library named by any facet, sorted.
func Libraries(cfg *ir.DiamondConfig) []string {
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
