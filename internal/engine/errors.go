package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/diamondcut/internal/ir"
)

// Stage names a step of a reconciliation pass.
type Stage string

const (
	StageLoad      Stage = "load"
	StageResync    Stage = "resync"
	StageLibraries Stage = "libraries"
	StageBootstrap Stage = "bootstrap"
	StageDeploy    Stage = "deploy"
	StagePlan      Stage = "plan"
	StageExecute   Stage = "execute"
	StageHooks     Stage = "hooks"
)

// PassError reports which stage of a pass failed for which key.
// The underlying *ir.Error stays reachable through errors.As.
type PassError struct {
	Stage Stage
	Key   ir.DeploymentKey
	Err   error
}

// Error implements the error interface.
func (e *PassError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Key, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *PassError) Unwrap() error {
	return e.Err
}

// StageOf returns the failed stage of err, if err carries a PassError.
func StageOf(err error) (Stage, bool) {
	var pe *PassError
	if errors.As(err, &pe) {
		return pe.Stage, true
	}
	return "", false
}

func passError(stage Stage, key ir.DeploymentKey, err error) error {
	if err == nil {
		return nil
	}
	return &PassError{Stage: stage, Key: key, Err: err}
}

// AttemptsExhaustedError is returned when a transient failure persisted
// through every allowed attempt. It unwraps to the last transient error.
type AttemptsExhaustedError struct {
	Attempts int
	Last     error
}

// Error implements the error interface.
func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap returns the last transient error.
func (e *AttemptsExhaustedError) Unwrap() error {
	return e.Last
}

// IsAttemptsExhausted reports whether err carries an AttemptsExhaustedError.
func IsAttemptsExhausted(err error) bool {
	var ae *AttemptsExhaustedError
	return errors.As(err, &ae)
}

// ErrNotDeployed is returned by upgrade when the record has no diamond.
var ErrNotDeployed = errors.New("diamond is not deployed; run deploy first")
