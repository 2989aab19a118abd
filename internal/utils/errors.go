// Package contextutils provides error handling utilities and standardized error types
// shared by every lingocore component.
package contextutils

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Database error codes

	// ErrorCodeDatabaseConnection indicates a database connection error
	ErrorCodeDatabaseConnection ErrorCode = "DATABASE_CONNECTION_ERROR"
	// ErrorCodeDatabaseQuery indicates a database query error
	ErrorCodeDatabaseQuery ErrorCode = "DATABASE_QUERY_ERROR"
	// ErrorCodeRecordNotFound indicates that a requested record was not found
	ErrorCodeRecordNotFound ErrorCode = "RECORD_NOT_FOUND"

	// ErrorCodeInvalidInput indicates that the provided input is invalid
	ErrorCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrorCodeInvalidConfig indicates a missing or malformed configuration value
	ErrorCodeInvalidConfig ErrorCode = "INVALID_CONFIG"

	// ErrorCodeConflict indicates a lost compare-and-swap on an entity's status
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeInvalidTransition indicates a status transition outside the allowed table
	ErrorCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"

	// ErrorCodeTimeout indicates that an external call has timed out
	ErrorCodeTimeout ErrorCode = "REQUEST_TIMEOUT"
	// ErrorCodeServiceUnavailable indicates that a collaborator is temporarily unavailable
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrorCodeJudgeUnavailable indicates that the LLM judge or generator could not be reached
	ErrorCodeJudgeUnavailable ErrorCode = "JUDGE_UNAVAILABLE"
	// ErrorCodeJudgeResponseInvalid indicates that the LLM answered with an unusable payload
	ErrorCodeJudgeResponseInvalid ErrorCode = "JUDGE_RESPONSE_INVALID"
	// ErrorCodeQueueUnavailable indicates that the task broker rejected an enqueue
	ErrorCodeQueueUnavailable ErrorCode = "QUEUE_UNAVAILABLE"
	// ErrorCodeInternalError indicates an internal error
	ErrorCodeInternalError ErrorCode = "INTERNAL_SERVER_ERROR"
)

// SeverityLevel represents the severity of an error for logging and monitoring
type SeverityLevel string

const (
	// SeverityInfo indicates informational errors
	SeverityInfo SeverityLevel = "info"
	// SeverityWarn indicates warning-level errors
	SeverityWarn SeverityLevel = "warn"
	// SeverityError indicates error-level issues
	SeverityError SeverityLevel = "error"
	// SeverityFatal indicates fatal errors that require immediate attention
	SeverityFatal SeverityLevel = "fatal"
)

// AppError represents a structured error with code, severity, and context
type AppError struct {
	Code     ErrorCode
	Severity SeverityLevel
	Message  string
	Details  string
	Cause    error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison for errors.Is
func (e *AppError) Is(target error) bool {
	if appErr, ok := target.(*AppError); ok {
		return e.Code == appErr.Code
	}
	return false
}

// Sentinel errors, compared by code through errors.Is
var (
	ErrDatabaseConnection = &AppError{
		Code:     ErrorCodeDatabaseConnection,
		Severity: SeverityError,
		Message:  "Database connection failed",
	}

	ErrDatabaseQuery = &AppError{
		Code:     ErrorCodeDatabaseQuery,
		Severity: SeverityError,
		Message:  "Database query failed",
	}

	ErrRecordNotFound = &AppError{
		Code:     ErrorCodeRecordNotFound,
		Severity: SeverityInfo,
		Message:  "Record not found",
	}

	ErrInvalidInput = &AppError{
		Code:     ErrorCodeInvalidInput,
		Severity: SeverityWarn,
		Message:  "Invalid input",
	}

	ErrInvalidConfig = &AppError{
		Code:     ErrorCodeInvalidConfig,
		Severity: SeverityFatal,
		Message:  "Invalid configuration",
	}

	ErrConflict = &AppError{
		Code:     ErrorCodeConflict,
		Severity: SeverityInfo,
		Message:  "Status changed concurrently",
	}

	ErrInvalidTransition = &AppError{
		Code:     ErrorCodeInvalidTransition,
		Severity: SeverityError,
		Message:  "Status transition not allowed",
	}

	ErrTimeout = &AppError{
		Code:     ErrorCodeTimeout,
		Severity: SeverityWarn,
		Message:  "Request timed out",
	}

	ErrServiceUnavailable = &AppError{
		Code:     ErrorCodeServiceUnavailable,
		Severity: SeverityWarn,
		Message:  "Service temporarily unavailable",
	}

	ErrJudgeUnavailable = &AppError{
		Code:     ErrorCodeJudgeUnavailable,
		Severity: SeverityWarn,
		Message:  "External judge unavailable",
	}

	ErrJudgeResponseInvalid = &AppError{
		Code:     ErrorCodeJudgeResponseInvalid,
		Severity: SeverityWarn,
		Message:  "External judge returned an invalid response",
	}

	ErrQueueUnavailable = &AppError{
		Code:     ErrorCodeQueueUnavailable,
		Severity: SeverityError,
		Message:  "Task queue unavailable",
	}

	ErrInternalError = &AppError{
		Code:     ErrorCodeInternalError,
		Severity: SeverityError,
		Message:  "Internal error",
	}
)

// NewAppError creates a new AppError with the specified code, severity, message and details
func NewAppError(code ErrorCode, severity SeverityLevel, message, details string) *AppError {
	return &AppError{
		Code:     code,
		Severity: severity,
		Message:  message,
		Details:  details,
	}
}

// WrapError wraps an error with additional context, preserving AppError structure if possible
func WrapError(err error, context string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:     appErr.Code,
			Severity: appErr.Severity,
			Message:  context,
			Details:  err.Error(),
			Cause:    err,
		}
	}

	return &AppError{
		Code:     ErrorCodeInternalError,
		Severity: SeverityError,
		Message:  context,
		Details:  err.Error(),
		Cause:    err,
	}
}

// WrapErrorf wraps an error with formatted context, preserving AppError structure if possible.
// A %w verb in format is honoured.
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	var cause error = err
	var message string
	if strings.Contains(format, "%w") {
		wrapped := fmt.Errorf(format, args...)
		message = wrapped.Error()
		cause = wrapped
	} else {
		message = fmt.Sprintf(format, args...)
	}

	code := ErrorCodeInternalError
	severity := SeverityError
	var appErr *AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		severity = appErr.Severity
	}

	return &AppError{
		Code:     code,
		Severity: severity,
		Message:  message,
		Details:  err.Error(),
		Cause:    joinCause(cause, err),
	}
}

// joinCause keeps err reachable through errors.Is when the formatted wrapper
// did not include it via %w.
func joinCause(cause, err error) error {
	if cause == err || errors.Is(cause, err) {
		return cause
	}
	return errors.Join(cause, err)
}

// ErrorWithContextf creates a new error with formatted context
func ErrorWithContextf(format string, args ...interface{}) error {
	return &AppError{
		Code:     ErrorCodeInternalError,
		Severity: SeverityError,
		Message:  fmt.Sprintf(format, args...),
	}
}

// GetErrorCode returns the error code from an error if it's an AppError, otherwise returns a default code
func GetErrorCode(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrorCodeInternalError
}

// GetErrorSeverity returns the severity level from an error if it's an AppError, otherwise returns error
func GetErrorSeverity(err error) SeverityLevel {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Severity
	}
	return SeverityError
}

// IsRetryable reports whether err is transient: a timed out or unavailable collaborator.
// Transient failures are never persisted as results.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case ErrorCodeTimeout, ErrorCodeServiceUnavailable, ErrorCodeDatabaseConnection,
			ErrorCodeJudgeUnavailable, ErrorCodeJudgeResponseInvalid, ErrorCodeQueueUnavailable:
			return appErr.Severity != SeverityFatal
		}
	}
	return false
}

// IsConflict reports whether err is a lost compare-and-swap
func IsConflict(err error) bool {
	return GetErrorCode(err) == ErrorCodeConflict
}

// IsNotFound reports whether err means a referenced record is missing
func IsNotFound(err error) bool {
	return GetErrorCode(err) == ErrorCodeRecordNotFound
}

// ToJSON converts an AppError to a JSON-serializable structure for API responses
func (e *AppError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     string(e.Code),
		"message":  e.Message,
		"severity": string(e.Severity),
	}
	if e.Details != "" {
		result["details"] = e.Details
	}
	return result
}
