package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/fieldsync"
	"github.com/roach88/fieldsync/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation refused (duplicate, conflict, storage full, etc.)
	ExitCommandError = 2 // Command error (bad input, config, database not found, etc.)
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric          = "E001"
	ErrCodeConfig           = "E002"
	ErrCodeValidation       = "E100"
	ErrCodeNotFound         = "E101"
	ErrCodeAlreadyCollected = "E102"
	ErrCodeStorage          = "E103"
	ErrCodeState            = "E104"
	ErrCodeRemote           = "E105"
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
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
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// newFormatter builds the formatter for cmd's output streams.
func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // "E001", "E100", etc.
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	fmt.Fprintln(f.Writer, data)
	return nil
}

// Result writes data as JSON, or calls text to render it for humans.
func (f *OutputFormatter) Result(data any, text func(w io.Writer)) error {
	if f.Format == "json" {
		return f.Success(data)
	}
	text(f.Writer)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns it as an ExitError carrying the matching
// exit code.
func (f *OutputFormatter) Fail(message string, err error) error {
	code, exit := classify(err)
	var details any
	var verr *model.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		details = map[string]string{"field": verr.Field}
	}
	_ = f.Error(code, fmt.Sprintf("%s: %v", message, err), details)
	return WrapExitError(exit, message, err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// classify maps an error to its JSON code and exit code.
func classify(err error) (string, int) {
	var exitErr *ExitError
	switch {
	case errors.Is(err, model.ErrValidation):
		return ErrCodeValidation, ExitCommandError
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrRecordNotFound):
		return ErrCodeNotFound, ExitCommandError
	case errors.Is(err, model.ErrAlreadyCollected):
		return ErrCodeAlreadyCollected, ExitFailure
	case errors.Is(err, model.ErrStorageExhausted):
		return ErrCodeStorage, ExitFailure
	case errors.Is(err, model.ErrInvalidTransition):
		return ErrCodeState, ExitFailure
	case errors.Is(err, model.ErrNetwork), errors.Is(err, fieldsync.ErrNoRemote):
		return ErrCodeRemote, ExitFailure
	case errors.As(err, &exitErr):
		return ErrCodeGeneric, exitErr.Code
	}
	return ErrCodeGeneric, ExitFailure
}
