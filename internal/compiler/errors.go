package compiler

import (
	stderrors "errors"
	"fmt"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/diamondcut/internal/ir"
)

// CompileError is a configuration error with CUE position information.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// configError wraps a CompileError as an ir configuration error so callers
// can match it with ir.IsKind and still reach the position via errors.As.
func configError(facet string, err error) *ir.Error {
	return &ir.Error{
		Kind:    ir.KindConfiguration,
		Message: "invalid diamond configuration",
		Facet:   facet,
		Err:     asCompileError(err),
	}
}

func asCompileError(err error) *CompileError {
	var ce *CompileError
	if stderrors.As(err, &ce) {
		return ce
	}
	return &CompileError{Field: "cue", Message: err.Error()}
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return &CompileError{Field: "cue", Message: first.Error()}
}
