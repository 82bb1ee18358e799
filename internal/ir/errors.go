package ir

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorKind categorizes failures raised while planning or applying a cut.
type ErrorKind string

const (
	// KindConfiguration covers invalid facet configuration, missing version
	// entries and unknown initializer or callback names. Always raised before
	// any network call.
	KindConfiguration ErrorKind = "CONFIGURATION_ERROR"

	// KindUnknownSelectorName is a configuration error raised when a
	// deployInclude entry names no function in the facet ABI.
	KindUnknownSelectorName ErrorKind = "UNKNOWN_SELECTOR_NAME"

	// KindSelectorCollision indicates two facets claim the same selector.
	KindSelectorCollision ErrorKind = "SELECTOR_COLLISION"

	// KindExecutionReverted indicates the submitted transaction failed on-chain.
	KindExecutionReverted ErrorKind = "EXECUTION_REVERTED"

	// KindTransientNetwork indicates a provider or network error that may
	// succeed when retried.
	KindTransientNetwork ErrorKind = "TRANSIENT_NETWORK_ERROR"

	// KindHookFailure indicates a post-cut initializer or callback failed.
	KindHookFailure ErrorKind = "HOOK_FAILURE"
)

// IsConfiguration reports whether k belongs to the configuration family.
func (k ErrorKind) IsConfiguration() bool {
	return k == KindConfiguration || k == KindUnknownSelectorName
}

// Fatal reports whether errors of this kind stop the pipeline.
func (k ErrorKind) Fatal() bool {
	return k != KindHookFailure
}

// Error is the structured error used across planning and execution.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Message is a human-readable description.
	Message string

	// Facet names the facet involved, if any.
	Facet string

	// Other names the second facet in a collision.
	Other string

	// Selector is set for selector-level failures.
	Selector *Selector

	// TxHash is set when a transaction was submitted.
	TxHash common.Hash

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Facet != "" {
		msg += fmt.Sprintf(" (facet=%s)", e.Facet)
	}
	if e.TxHash != (common.Hash{}) {
		msg += fmt.Sprintf(" (tx=%s)", e.TxHash.Hex())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
// ok is false when err carries no *Error.
func KindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// IsKind reports whether err carries an *Error of kind k.
// KindConfiguration also matches KindUnknownSelectorName.
func IsKind(err error, k ErrorKind) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	if k == KindConfiguration {
		return kind.IsConfiguration()
	}
	return kind == k
}

// IsTransient reports whether err may succeed if retried.
func IsTransient(err error) bool {
	return IsKind(err, KindTransientNetwork)
}

// ConfigurationError creates an error of kind KindConfiguration.
func ConfigurationError(facet, format string, args ...any) *Error {
	return &Error{
		Kind:    KindConfiguration,
		Message: fmt.Sprintf(format, args...),
		Facet:   facet,
	}
}

// UnknownSelectorName creates an error for a deployInclude entry that
// matches nothing in the facet ABI.
func UnknownSelectorName(facet, name string) *Error {
	return &Error{
		Kind:    KindUnknownSelectorName,
		Message: fmt.Sprintf("deployInclude entry %q matches no function", name),
		Facet:   facet,
	}
}

// SelectorCollision creates an error for a selector claimed by two facets.
func SelectorCollision(sel Selector, facet, other string) *Error {
	return &Error{
		Kind:     KindSelectorCollision,
		Message:  fmt.Sprintf("selector %s claimed by both %s and %s", sel, facet, other),
		Facet:    facet,
		Other:    other,
		Selector: &sel,
	}
}

// ExecutionReverted creates an error for a failed on-chain transaction.
func ExecutionReverted(tx common.Hash, cause error) *Error {
	return &Error{
		Kind:    KindExecutionReverted,
		Message: "transaction reverted",
		TxHash:  tx,
		Err:     cause,
	}
}

// TransientNetworkError wraps a retryable provider error.
func TransientNetworkError(cause error) *Error {
	return &Error{
		Kind:    KindTransientNetwork,
		Message: "network request failed",
		Err:     cause,
	}
}

// HookFailure wraps a failed initializer or callback for one facet.
func HookFailure(facet, stage string, cause error) *Error {
	return &Error{
		Kind:    KindHookFailure,
		Message: stage + " failed",
		Facet:   facet,
		Err:     cause,
	}
}
