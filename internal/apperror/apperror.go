// Package apperror defines the domain error taxonomy shared by services and
// handlers.
//
// Services return these errors (usually wrapped with fmt.Errorf("...: %w")),
// and handler.WriteError turns them into HTTP status codes. Nothing in this
// package knows about HTTP.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrConflict            = errors.New("conflict")
	ErrForbidden           = errors.New("forbidden")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrTransactionFailed   = errors.New("transaction failed")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrRateLimited         = errors.New("rate limited")
)

type AppError struct {
	Err     error  // sentinel, matched with errors.Is
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
	Details string // Optional: upstream detail safe to show the caller
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause, so
// errors.Is(err, ErrGenerationFailed) and errors.Is(err, context.DeadlineExceeded)
// can both match.
func (e *AppError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Err, e.cause}
	}
	return []error{e.Err}
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized means there is no valid session (401).
func Unauthorized(message string) *AppError {
	if message == "" {
		message = "Unauthorized"
	}
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

// InsufficientCredits is returned when the ledger refuses a debit (402).
func InsufficientCredits() *AppError {
	return &AppError{
		Err:     ErrInsufficientCredits,
		Message: "Insufficient credits",
	}
}

// TransactionFailed wraps a ledger-level error. The cause is kept for logs but
// never rendered to the client.
func TransactionFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrTransactionFailed,
		Message: "Transaction failed",
		cause:   cause,
	}
}

// GenerationFailed wraps a provider error. refunded reports whether the debit
// taken for this attempt was reversed.
func GenerationFailed(cause error, refunded bool) *AppError {
	msg := "Generation failed. Please contact support for refund."
	if refunded {
		msg = "Generation failed. Your credit has been refunded."
	}
	details := ""
	if cause != nil {
		details = cause.Error()
	}
	return &AppError{
		Err:     ErrGenerationFailed,
		Message: msg,
		Details: details,
		cause:   cause,
	}
}

// RateLimited is returned when a caller exceeds its request budget (429).
func RateLimited() *AppError {
	return &AppError{
		Err:     ErrRateLimited,
		Message: "Too many requests, slow down",
	}
}
