package errors

import (
	stderrors "errors"
	"fmt"
)

// AppError represents a structured pipeline error
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New creates a new AppError
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message
func Newf(code, format string, args ...interface{}) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with additional context, keeping the code of the
// innermost AppError.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Cause:   err,
		}
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with formatted additional context
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WithCode adds an error code to an existing error
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Code:    code,
			Message: appErr.Message,
			Cause:   appErr.Cause,
		}
	}
	return &AppError{
		Code:    code,
		Message: err.Error(),
		Cause:   err,
	}
}

// IsAppError checks if an error is or wraps an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetCode returns the code of the outermost AppError in the chain, otherwise "UNKNOWN"
func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

// HasCode reports whether err carries the given code
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// Is and As re-export the standard helpers so callers need a single errors import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// Error codes. NUMERIC_DEGENERACY is only used for log fields: zero-variance
// features are recovered locally and never surface as errors.
const (
	CodeConfigInvalid        = "CONFIG_INVALID"
	CodeInputContract        = "INPUT_CONTRACT"
	CodeNumericDegeneracy    = "NUMERIC_DEGENERACY"
	CodeTrainingUnstable     = "TRAINING_UNSTABLE"
	CodeVerificationMismatch = "VERIFICATION_MISMATCH"
	CodeMissingPrerequisite  = "MISSING_PREREQUISITE"
	CodeStorageError         = "STORAGE_ERROR"
	CodeInternalError        = "INTERNAL_ERROR"
)

// Common error constructors
func ConfigInvalid(message string) *AppError {
	return New(CodeConfigInvalid, message)
}

func InputContract(message string) *AppError {
	return New(CodeInputContract, message)
}

func TrainingUnstable(message string) *AppError {
	return New(CodeTrainingUnstable, message)
}

func VerificationMismatch(message string) *AppError {
	return New(CodeVerificationMismatch, message)
}

// MissingPrerequisite names the artifact a stage needed but could not find.
func MissingPrerequisite(artifact string, cause error) *AppError {
	return &AppError{
		Code:    CodeMissingPrerequisite,
		Message: fmt.Sprintf("missing prerequisite artifact %q", artifact),
		Cause:   cause,
	}
}

func StorageError(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeStorageError,
		Message: message,
		Cause:   cause,
	}
}

func InternalError(message string) *AppError {
	return New(CodeInternalError, message)
}
