package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/roach88/diamondcut/internal/engine"
	"github.com/roach88/diamondcut/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Every pass succeeded
	ExitFailure      = 1 // A pass failed, or every post-cut hook failed
	ExitCommandError = 2 // Usage or configuration error
)

// Error codes reported in CLIError.Code.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeConfig      = "E002" // Settings file missing or invalid
	ErrCodeDiamond     = "E003" // Diamond configuration invalid
	ErrCodeNetwork     = "E004" // Unknown network or connection failure
	ErrCodeNotDeployed = "E005" // Upgrade without a deployed diamond
	ErrCodeExecution   = "E006" // Deployment or cut failed
	ErrCodeHooks       = "E007" // Every post-cut hook failed
	ErrCodeStore       = "E008" // Record store unavailable
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int    // ExitFailure or ExitCommandError
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// passErrorCode classifies a failed pass into an error code and exit code.
// Every error raised by a pass is fatal to that pass and exits 1, including
// configuration problems found while planning.
func passErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, engine.ErrNotDeployed):
		return ErrCodeNotDeployed, ExitFailure
	case ir.IsKind(err, ir.KindConfiguration), ir.IsKind(err, ir.KindUnknownSelectorName):
		return ErrCodeDiamond, ExitFailure
	default:
		return ErrCodeExecution, ExitFailure
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
	Styles    Styles
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E002", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// JSON reports whether output is machine readable.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success outputs a successful result. Text output prints data as is;
// commands render their own text before calling it with nil.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	if data != nil {
		fmt.Fprintln(f.Writer, data)
	}
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintln(f.Writer, f.Styles.Error.Render(fmt.Sprintf("Error [%s]: %s", code, message)))
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Partial outputs a response that carries both results and an error, used
// when some networks succeeded and others failed.
func (f *OutputFormatter) Partial(data any, code, message string) error {
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Data:   data,
			Error:  &CLIError{Code: code, Message: message},
		})
	}
	fmt.Fprintln(f.Writer, f.Styles.Error.Render(fmt.Sprintf("Error [%s]: %s", code, message)))
	return nil
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// fail writes an error response and returns the matching ExitError.
func (f *OutputFormatter) fail(exit int, code, message string, err error) error {
	details := any(nil)
	if err != nil {
		details = err.Error()
	}
	_ = f.Error(code, message, details)
	return WrapExitError(exit, fmt.Sprintf("%s: %s", code, message), err)
}
