package compiler

import (
	"fmt"

	"cuelang.org/go/cue"

	"github.com/roach88/diamondcut/internal/ir"
)

// CompileDiamond converts a validated CUE value into a DiamondConfig.
//
// The value must already be unified with the #Diamond schema (see Load).
// name is used when the configuration does not set a "diamond" field.
func CompileDiamond(v cue.Value, name string) (*ir.DiamondConfig, error) {
	if err := v.Err(); err != nil {
		return nil, configError("", asCompileError(formatCUEError(err)))
	}

	cfg := &ir.DiamondConfig{
		Name:   name,
		Facets: make(map[string]ir.FacetDescriptor),
	}

	if nameVal := v.LookupPath(cue.ParsePath("diamond")); nameVal.Exists() {
		s, err := nameVal.String()
		if err != nil {
			return nil, configError("", asCompileError(formatCUEError(err)))
		}
		cfg.Name = s
	}
	if cfg.Name == "" {
		return nil, configError("", &CompileError{
			Field:   "diamond",
			Message: "diamond name is required",
			Pos:     v.Pos(),
		})
	}

	if pv := v.LookupPath(cue.ParsePath("protocolVersion")); pv.Exists() {
		ver, err := readVersion(pv, "protocolVersion")
		if err != nil {
			return nil, configError("", err)
		}
		cfg.ProtocolVersion = ver
	}

	facetsVal := v.LookupPath(cue.ParsePath("facets"))
	if !facetsVal.Exists() {
		return nil, configError("", &CompileError{
			Field:   "facets",
			Message: "facets is required",
			Pos:     v.Pos(),
		})
	}
	iter, err := facetsVal.Fields()
	if err != nil {
		return nil, configError("", asCompileError(formatCUEError(err)))
	}
	for iter.Next() {
		facetName := iter.Label()
		desc, err := compileFacet(facetName, iter.Value())
		if err != nil {
			return nil, err
		}
		cfg.Facets[facetName] = desc
	}

	return cfg, nil
}

func compileFacet(name string, v cue.Value) (ir.FacetDescriptor, error) {
	desc := ir.FacetDescriptor{
		Name:     name,
		Versions: make(map[ir.Version]ir.VersionSpec),
	}

	prio, err := v.LookupPath(cue.ParsePath("priority")).Int64()
	if err != nil {
		return desc, configError(name, asCompileError(formatCUEError(err)))
	}
	desc.Priority = int(prio)

	if libs := v.LookupPath(cue.ParsePath("libraries")); libs.Exists() {
		desc.Libraries, err = readStrings(libs)
		if err != nil {
			return desc, configError(name, err)
		}
	}

	versionsVal := v.LookupPath(cue.ParsePath("versions"))
	if versionsVal.Exists() {
		iter, err := versionsVal.Fields()
		if err != nil {
			return desc, configError(name, asCompileError(formatCUEError(err)))
		}
		for iter.Next() {
			label := iter.Label()
			ver, err := ir.ParseVersion(label)
			if err != nil {
				return desc, configError(name, &CompileError{
					Field:   "versions." + label,
					Message: err.Error(),
					Pos:     iter.Value().Pos(),
				})
			}
			if _, dup := desc.Versions[ver]; dup {
				return desc, configError(name, &CompileError{
					Field:   "versions." + label,
					Message: fmt.Sprintf("version %d declared more than once", ver),
					Pos:     iter.Value().Pos(),
				})
			}
			spec, err := compileVersionSpec(iter.Value())
			if err != nil {
				return desc, configError(name, err)
			}
			desc.Versions[ver] = spec
		}
	}

	if len(desc.Versions) == 0 {
		return desc, ir.ConfigurationError(name, "facet %s declares no versions", name)
	}
	return desc, nil
}

func compileVersionSpec(v cue.Value) (ir.VersionSpec, error) {
	var spec ir.VersionSpec
	var err error

	if spec.DeployInit, err = optionalString(v, "deployInit"); err != nil {
		return spec, err
	}
	if spec.UpgradeInit, err = optionalString(v, "upgradeInit"); err != nil {
		return spec, err
	}
	if spec.Callback, err = optionalString(v, "callback"); err != nil {
		return spec, err
	}
	if inc := v.LookupPath(cue.ParsePath("deployInclude")); inc.Exists() {
		if spec.DeployInclude, err = readStrings(inc); err != nil {
			return spec, err
		}
	}
	if from := v.LookupPath(cue.ParsePath("fromVersions")); from.Exists() {
		list, err := from.List()
		if err != nil {
			return spec, asCompileError(formatCUEError(err))
		}
		for list.Next() {
			ver, err := readVersion(list.Value(), "fromVersions")
			if err != nil {
				return spec, err
			}
			spec.FromVersions = append(spec.FromVersions, ver)
		}
	}
	return spec, nil
}

func optionalString(v cue.Value, field string) (string, error) {
	f := v.LookupPath(cue.ParsePath(field))
	if !f.Exists() {
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", asCompileError(formatCUEError(err))
	}
	return s, nil
}

func readStrings(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, asCompileError(formatCUEError(err))
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, asCompileError(formatCUEError(err))
		}
		out = append(out, s)
	}
	return out, nil
}

// readVersion reads an integer version. Floats are accepted only when
// integral, so "2.0" from older JSON files reads as 2.
func readVersion(v cue.Value, field string) (ir.Version, *CompileError) {
	var ver ir.Version
	switch v.Kind() {
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return 0, asCompileError(formatCUEError(err))
		}
		ver = ir.Version(n)
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return 0, asCompileError(formatCUEError(err))
		}
		ver, err = ir.VersionFromFloat(f)
		if err != nil {
			return 0, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
		}
	default:
		return 0, &CompileError{Field: field, Message: "version must be a number", Pos: v.Pos()}
	}
	if ver < 0 {
		return 0, &CompileError{Field: field, Message: "version must not be negative", Pos: v.Pos()}
	}
	return ver, nil
}
