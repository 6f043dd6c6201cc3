// Package errors provides the coded error taxonomy for the recording exporter.
// Codes separate fatal conditions, which abort a run, from per-recording
// failures, which are collected and reported once the batch completes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a standardized error code for the exporter.
type ErrorCode string

const (
	// Fatal conditions
	CCREC_CONFIG_INVALID    ErrorCode = "CCREC_CONFIG_INVALID"    // Missing or malformed configuration
	CCREC_AUTH_FAILURE      ErrorCode = "CCREC_AUTH_FAILURE"      // Token exchange rejected or unreachable
	CCREC_LISTING_FAILURE   ErrorCode = "CCREC_LISTING_FAILURE"   // List endpoint error at any page
	CCREC_DIRECTORY_FAILURE ErrorCode = "CCREC_DIRECTORY_FAILURE" // Target directory cannot be created or accessed
	CCREC_RUN_INTERRUPTED   ErrorCode = "CCREC_RUN_INTERRUPTED"   // Run cancelled by a signal before every recording was handled

	// Recoverable per-item conditions
	CCREC_DOWNLOAD_FAILURE ErrorCode = "CCREC_DOWNLOAD_FAILURE" // Single recording could not be saved
)

// Error represents a coded exporter error.
type Error struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Err     error       `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new Error with the specified code and message around a cause.
func Wrap(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, details interface{}) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the error must abort the whole run.
func (e *Error) IsFatal() bool {
	return e.Code != CCREC_DOWNLOAD_FAILURE
}

// ExitCode maps the error code to the process exit status.
func (e *Error) ExitCode() int {
	return exitCodeForCode(e.Code)
}

// CodeOf returns the code of the first *Error in err's chain, or "" when none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsFatal reports whether err should abort the run. Errors that carry no
// code are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.IsFatal()
	}
	return true
}

// ExitCode returns the exit status for err; 0 for nil and 1 for uncoded errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.ExitCode()
	}
	return 1
}

// exitCodeForCode maps error codes to process exit statuses.
func exitCodeForCode(code ErrorCode) int {
	switch code {
	case CCREC_AUTH_FAILURE:
		return 2
	case CCREC_LISTING_FAILURE:
		return 3
	case CCREC_DIRECTORY_FAILURE:
		return 4
	case CCREC_DOWNLOAD_FAILURE:
		return 5
	case CCREC_RUN_INTERRUPTED:
		return 130
	default:
		return 1
	}
}
