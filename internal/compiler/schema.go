package compiler

import (
	_ "embed"

	"cuelang.org/go/cue"
)

//go:embed schema.cue
var schemaSource string

// schemaFor compiles the embedded schema in ctx and returns #Diamond.
// Values from different contexts cannot be unified, so the schema is
// compiled once per context.
func schemaFor(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, formatCUEError(err)
	}
	return v.LookupPath(cue.ParsePath("#Diamond")), nil
}
