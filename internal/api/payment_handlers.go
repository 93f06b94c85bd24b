// Package api provides HTTP handlers for the paybalance API.
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

// MaxInitiateBodyBytes caps the initiation request body.
const MaxInitiateBodyBytes = 4 << 10

// Initiator starts a checkout for a user. *payment.Initiator implements it.
type Initiator interface {
	Initiate(ctx context.Context, userID int64, amount int64) (*payment.Payment, error)
}

// PaymentHandlers holds dependencies for payment-related HTTP handlers.
type PaymentHandlers struct {
	initiator Initiator
}

// NewPaymentHandlers creates a new PaymentHandlers instance.
func NewPaymentHandlers(initiator Initiator) *PaymentHandlers {
	return &PaymentHandlers{
		initiator: initiator,
	}
}

// InitiatePaymentRequest is the body of POST /payments/initiate.
// Amount accepts a JSON integer or a string of base-10 digits, in minor units.
type InitiatePaymentRequest struct {
	UserID int64          `json:"user_id"`
	Amount payment.Amount `json:"amount"`
}

// InitiatePaymentResponse carries the hosted checkout page for the client to open.
type InitiatePaymentResponse struct {
	SessionID  string `json:"session_id"`
	SessionURL string `json:"session_url"`
}

// InitiatePayment creates a Stripe Checkout Session and a pending payment.
// POST /payments/initiate
func (h *PaymentHandlers) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeMethodNotAllowed)
		w.Header().Set("Allow", http.MethodPost)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxInitiateBodyBytes)

	var req InitiatePaymentRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		message := "invalid request body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			message = "request body too large"
		}
		slog.DebugContext(ctx, "rejected initiate request body", "error", err)
		ctx = middleware.SetErrorCode(ctx, ErrCodeValidation)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeValidation, message)
		return
	}

	p, err := h.initiator.Initiate(ctx, req.UserID, int64(req.Amount))
	if err != nil {
		writePaymentError(w, ctx, err)
		return
	}

	response := InitiatePaymentResponse{
		SessionID:  p.ExternalSessionID,
		SessionURL: p.SessionURL,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.ErrorContext(ctx, "failed to encode initiate response", "error", err)
	}
}
