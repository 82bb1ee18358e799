package compiler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
	cuejson "cuelang.org/go/encoding/json"

	"github.com/roach88/diamondcut/internal/ir"
)

// Load reads a diamond configuration from a .cue file, a .json file or a
// directory of CUE files, validates it against the embedded schema and
// compiles it.
func Load(path string) (*ir.DiamondConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ir.ConfigurationError("", "reading diamond configuration: %v", err)
	}

	ctx := cuecontext.New()
	var value cue.Value

	if info.IsDir() {
		instances := load.Instances([]string{"."}, &load.Config{Dir: path})
		if len(instances) == 0 {
			return nil, ir.ConfigurationError("", "no CUE instances found in %s", path)
		}
		if err := instances[0].Err; err != nil {
			return nil, configError("", formatCUEError(err))
		}
		value = ctx.BuildInstance(instances[0])
		return compileValue(ctx, value, filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ir.ConfigurationError("", "reading diamond configuration: %v", err)
	}
	return LoadBytes(ctx, path, data)
}

// LoadBytes compiles configuration source. The file extension of filename
// selects JSON or CUE syntax.
func LoadBytes(ctx *cue.Context, filename string, data []byte) (*ir.DiamondConfig, error) {
	var value cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".json":
		expr, err := cuejson.Extract(filename, data)
		if err != nil {
			return nil, configError("", formatCUEError(err))
		}
		value = ctx.BuildExpr(expr, cue.Filename(filename))
	case ".cue":
		value = ctx.CompileBytes(data, cue.Filename(filename))
	default:
		return nil, ir.ConfigurationError("", "unsupported configuration format %q", filepath.Ext(filename))
	}
	return compileValue(ctx, value, DefaultName(filename))
}

func compileValue(ctx *cue.Context, value cue.Value, name string) (*ir.DiamondConfig, error) {
	if err := value.Err(); err != nil {
		return nil, configError("", formatCUEError(err))
	}
	schema, err := schemaFor(ctx)
	if err != nil {
		return nil, configError("", err)
	}
	unified := schema.Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, configError("", formatCUEError(err))
	}
	return CompileDiamond(unified, name)
}

// DefaultName derives a diamond name from a configuration path:
// "diamonds/ProxyDiamond/proxydiamond.config.json" yields "proxydiamond".
func DefaultName(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return strings.TrimSuffix(base, ".config")
}

// DescribeError renders a configuration error with its CUE position.
func DescribeError(err error) string {
	ce := asCompileError(err)
	if ce.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", ce.Pos.Filename(), ce.Pos.Line(), ce.Pos.Column(), ce.Message)
	}
	return err.Error()
}
