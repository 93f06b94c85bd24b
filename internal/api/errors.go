// Package api provides HTTP API utilities including standardized error handling.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/onnwee/paybalance/internal/middleware"
	"github.com/onnwee/paybalance/internal/payment"
)

// Common error codes used throughout the API.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeGateway indicates the payment provider failed or timed out.
	ErrCodeGateway = "gateway_error"

	// ErrCodeInvalidSignature indicates a webhook failed authentication.
	ErrCodeInvalidSignature = "invalid_signature"

	// ErrCodeStorage indicates the ledger could not be read or written.
	ErrCodeStorage = "storage_error"

	// ErrCodeRateLimited indicates rate limit exceeded.
	ErrCodeRateLimited = "rate_limit_exceeded"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeMethodNotAllowed indicates the route does not accept the method.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeIdempotencyKeyTooLong indicates the Idempotency-Key header exceeds its limit.
	ErrCodeIdempotencyKeyTooLong = "idempotency_key_too_long"

	// ErrCodeIdempotencyKeyMismatch indicates a key was reused for a different route or body.
	ErrCodeIdempotencyKeyMismatch = "idempotency_key_mismatch"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a standardized JSON error response.
//
// Format: {"error": {"code": "error_code", "message": "Error description"}}
//
// The error_code is logged by the logging middleware for 4xx and 5xx
// responses when the caller sets it on the context first:
//
//	ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
//	api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "User not found")
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.UpdateResponseContext(w, ctx)

	errResp := ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	}

	data, err := json.Marshal(errResp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal error response", "error", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write error response", "error", err)
	}
}

// StatusCodeMapping returns the recommended HTTP status code for common error codes.
func StatusCodeMapping(code string) int {
	switch code {
	case ErrCodeValidation, ErrCodeBadRequest, ErrCodeInvalidSignature, ErrCodeIdempotencyKeyTooLong:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ErrCodeIdempotencyKeyMismatch:
		return http.StatusUnprocessableEntity
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeGateway:
		return http.StatusBadGateway
	case ErrCodeStorage, ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeForKind maps a payment failure kind to its API error code.
// KindConflict is folded into a reconcile outcome before a response is
// written; anything else unclassified maps to internal_error.
func ErrorCodeForKind(kind payment.Kind) string {
	switch kind {
	case payment.KindValidation:
		return ErrCodeValidation
	case payment.KindNotFound:
		return ErrCodeNotFound
	case payment.KindGateway:
		return ErrCodeGateway
	case payment.KindSignatureVerification:
		return ErrCodeInvalidSignature
	case payment.KindStorage:
		return ErrCodeStorage
	default:
		return ErrCodeInternal
	}
}

// writePaymentError classifies err and writes the matching error response.
// Messages for server-side failures stay generic; the detail goes to the log.
func writePaymentError(w http.ResponseWriter, ctx context.Context, err error) {
	code := ErrorCodeForKind(payment.KindOf(err))
	status := StatusCodeMapping(code)

	message := err.Error()
	var perr *payment.Error
	if errors.As(err, &perr) && perr.Err != nil {
		message = perr.Err.Error()
	}
	switch code {
	case ErrCodeGateway:
		message = "Payment provider unavailable"
	case ErrCodeStorage:
		message = "Failed to persist payment state"
	case ErrCodeInternal:
		message = "Internal server error"
	case ErrCodeInvalidSignature:
		message = "Invalid webhook signature"
	}

	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "payment request failed", "error_code", code, "error", err)
	} else {
		slog.WarnContext(ctx, "payment request rejected", "error_code", code, "error", err)
	}

	ctx = middleware.SetErrorCode(ctx, code)
	WriteError(w, ctx, status, code, message)
}
