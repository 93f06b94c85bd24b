package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/paybalance/internal/middleware"
	"github.com/onnwee/paybalance/internal/payment"
)

// MaxWebhookBodyBytes caps webhook payloads. Stripe documents 64KiB as
// the upper bound of an event body; the limit leaves headroom.
const MaxWebhookBodyBytes = 256 << 10

// StripeSignatureHeader carries the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"

// WebhookVerifier authenticates a delivery. *payment.Verifier implements it.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (*payment.Event, error)
}

// WebhookReconciler applies a verified event. *payment.Reconciler implements it.
type WebhookReconciler interface {
	Reconcile(ctx context.Context, evt *payment.Event) (payment.Outcome, error)
}

// WebhookHandlers holds dependencies for webhook-related HTTP handlers.
type WebhookHandlers struct {
	verifier   WebhookVerifier
	reconciler WebhookReconciler
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(verifier WebhookVerifier, reconciler WebhookReconciler) *WebhookHandlers {
	return &WebhookHandlers{
		verifier:   verifier,
		reconciler: reconciler,
	}
}

// WebhookResponse acknowledges an authenticated delivery.
type WebhookResponse struct {
	Received bool `json:"received"`
}

// HandleStripeWebhook verifies and reconciles a Stripe event.
// POST /webhooks/stripe
//
// Every authenticated delivery is acknowledged with 200 unless reconciling it
// hit a storage failure, in which case nothing was committed and the 500 makes
// Stripe redeliver.
func (h *WebhookHandlers) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method != http.MethodPost {
		ctx = middleware.SetErrorCode(ctx, ErrCodeMethodNotAllowed)
		w.Header().Set("Allow", http.MethodPost)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	// The signature covers the exact bytes received, so the body is read raw.
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxWebhookBodyBytes))
	if err != nil {
		message := "failed to read request body"
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			message = "request body too large"
		}
		ctx = middleware.SetErrorCode(ctx, ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusBadRequest, ErrCodeBadRequest, message)
		return
	}

	event, err := h.verifier.Verify(body, r.Header.Get(StripeSignatureHeader))
	if err != nil {
		writePaymentError(w, ctx, err)
		return
	}

	slog.InfoContext(ctx, "webhook event received", "event_type", event.RawType, "event_id", event.ID)

	// A verified event is applied even if the sender hangs up mid-request.
	outcome, err := h.reconciler.Reconcile(context.WithoutCancel(ctx), event)
	if err != nil {
		writePaymentError(w, ctx, err)
		return
	}

	slog.InfoContext(ctx, "webhook event reconciled",
		"event_id", event.ID,
		"session_id", event.SessionID,
		"outcome", string(outcome))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(WebhookResponse{Received: true}); err != nil {
		slog.ErrorContext(ctx, "failed to encode webhook response", "error", err)
	}
}
