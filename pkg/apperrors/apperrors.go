// Package apperrors defines the error taxonomy shared by every hot tub
// controller component: a validation failure, an external-collaborator
// failure, and an internal failure are always distinguishable by code
// and carry the HTTP status the httpapi layer should answer with.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a classified application error.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error codes, one per row of spec §7's taxonomy.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeWebhookFailure       = "WEBHOOK_FAILURE"
	CodeTaskTableRead        = "TASK_TABLE_READ_FAILURE"
	CodeSensorUnavailable    = "SENSOR_UNAVAILABLE"
	CodeCharacteristicsMiss  = "CHARACTERISTICS_MISSING"
	CodeHealthCheckFailure   = "HEALTH_CHECK_FAILURE"
	CodeConflict             = "CONFLICT"
	CodeNotFound             = "NOT_FOUND"
	CodeInternal             = "INTERNAL_ERROR"
)

// New creates an AppError with no wrapped cause.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates an AppError carrying an underlying cause.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation reports a bad action, bad time, or out-of-range temperature.
// Propagation: surfaced to the caller as 400, no side effects (spec §7).
func Validation(message string) *AppError {
	return New(CodeValidation, message, http.StatusBadRequest)
}

// WebhookFailure reports a failed trigger of the smart-outlet webhook.
// Propagation: surfaced on start (5xx); swallowed on stop after cleanup.
func WebhookFailure(err error) *AppError {
	return Wrap(err, CodeWebhookFailure, "webhook trigger failed", http.StatusBadGateway)
}

// TaskTableRead reports the task table read failing twice in a row.
// Propagation: abort the mutating call rather than risk a silent wipe.
func TaskTableRead(err error) *AppError {
	return Wrap(err, CodeTaskTableRead, "task table read failed after retry", http.StatusServiceUnavailable)
}

// SensorUnavailable reports an empty or missing sensor reading.
// Propagation: fatal at start-time scheduling; tolerated elsewhere by callers.
func SensorUnavailable(message string) *AppError {
	return New(CodeSensorUnavailable, message, http.StatusServiceUnavailable)
}

// CharacteristicsMissing reports that the deadline planner has no fitted
// velocity to plan against.
func CharacteristicsMissing(message string) *AppError {
	return New(CodeCharacteristicsMiss, message, http.StatusUnprocessableEntity)
}

// Conflict reports a duplicate or already-scheduled resource.
func Conflict(message string) *AppError {
	return New(CodeConflict, message, http.StatusConflict)
}

// NotFound reports a missing job record or marker.
func NotFound(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

// Internal wraps an unexpected failure.
func Internal(err error) *AppError {
	return Wrap(err, CodeInternal, "internal error", http.StatusInternalServerError)
}

// As is a convenience wrapper around errors.As for *AppError.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
