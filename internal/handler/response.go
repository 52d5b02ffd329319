package handler

// RESPONSE HELPERS:
// Every JSON endpoint answers through writeJSON, and every failure through
// WriteError, so clients always see the same error shape:
//
//	{"error": "Insufficient credits", "code": "insufficient_credits"}
//
// "error" is the human-readable message the dashboard shows as is; "code" is
// stable and meant for programs. GenerationFailed adds "details" with the
// provider's message, validation errors add "field".

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/clickmodel/internal/apperror"
	"github.com/sakif/clickmodel/internal/repository"
)

// maxJSONBody caps request bodies on JSON endpoints.
const maxJSONBody = 1 << 20

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details,omitempty"`
	Field   string `json:"field,omitempty"`
}

// writeJSON sends data with the given status. Headers must be set before
// WriteHeader; anything set afterwards is silently dropped.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorMapping pairs each sentinel with its status and code.
var errorMapping = []struct {
	target error
	status int
	code   string
}{
	{apperror.ErrValidation, http.StatusBadRequest, "validation_error"},
	{apperror.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
	{apperror.ErrInsufficientCredits, http.StatusPaymentRequired, "insufficient_credits"},
	{apperror.ErrForbidden, http.StatusForbidden, "forbidden"},
	{apperror.ErrNotFound, http.StatusNotFound, "not_found"},
	{apperror.ErrConflict, http.StatusConflict, "conflict"},
	{apperror.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{apperror.ErrTransactionFailed, http.StatusInternalServerError, "transaction_failed"},
	{apperror.ErrGenerationFailed, http.StatusInternalServerError, "generation_failed"},
}

// WriteError maps a domain error to its HTTP status. The service layer never
// sees status codes; this is the only place they are chosen. The outermost
// *AppError decides, so a provider cause inside GenerationFailed cannot turn
// the response into something else.
//
// Errors that are not *apperror.AppError become a generic 500. Their text may
// carry SQL or file paths, so it is logged, never sent.
//
// Middleware built outside this package (the rate limiter) is handed
// WriteError so its rejections use the same shape.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		for _, m := range errorMapping {
			if errors.Is(appErr.Err, m.target) {
				writeJSON(w, m.status, ErrorResponse{
					Error:   appErr.Message,
					Code:    m.code,
					Details: appErr.Details,
					Field:   appErr.Field,
				})
				return
			}
		}
	}

	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error: "Internal Server Error",
		Code:  "internal_error",
	})
}

// decodeJSON reads a single JSON object from the body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.ValidationFailed("body", "Request body too large")
		}
		return apperror.ValidationFailed("body", "Invalid JSON body")
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperror.ValidationFailed("body", "Request body must contain a single JSON object")
	}
	return nil
}

// listOptions reads ?limit= and ?offset=. Missing or bad values stay zero;
// each repository list decides what zero means and clamps the rest.
func listOptions(r *http.Request) repository.ListOptions {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	return repository.ListOptions{Limit: limit, Offset: offset}
}
