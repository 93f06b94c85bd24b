package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// DefaultWebhookTolerance is the maximum age of a signed webhook timestamp.
const DefaultWebhookTolerance = webhook.DefaultTolerance

// EventType enumerates the webhook events the service distinguishes.
type EventType string

const (
	// EventCheckoutSessionCompleted is Stripe's checkout.session.completed.
	EventCheckoutSessionCompleted EventType = EventType(stripe.EventTypeCheckoutSessionCompleted)

	// EventOther covers every event type the service acknowledges without acting on.
	EventOther EventType = "other"
)

// Event is a verified, decoded webhook notification.
type Event struct {
	ID        string
	Type      EventType
	RawType   string // Stripe event type as delivered
	SessionID string // Set for EventCheckoutSessionCompleted
	Created   time.Time
}

// Verifier authenticates Stripe webhook deliveries against the endpoint secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A non-positive tolerance uses DefaultWebhookTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &Verifier{
		secret:    secret,
		tolerance: tolerance,
	}
}

// Verify checks the Stripe-Signature header against the raw request body and
// decodes the event. The HMAC is computed over payload exactly as received
// and compared in constant time; timestamps older than the tolerance are
// rejected as replays.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	const op = "verify webhook"

	if signatureHeader == "" {
		return nil, newError(KindSignatureVerification, op, ErrMissingSignature)
	}

	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, newError(KindSignatureVerification, op, err)
		}
		return nil, newError(KindValidation, op, err)
	}

	if evt.ID == "" || evt.Type == "" {
		return nil, newError(KindValidation, op, errors.New("event id and type are required"))
	}

	out := &Event{
		ID:      evt.ID,
		Type:    EventOther,
		RawType: string(evt.Type),
		Created: time.Unix(evt.Created, 0).UTC(),
	}

	if evt.Type == stripe.EventTypeCheckoutSessionCompleted {
		if evt.Data == nil || len(evt.Data.Raw) == 0 {
			return nil, newError(KindValidation, op, errors.New("checkout session event has no data object"))
		}
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
			return nil, newError(KindValidation, op, fmt.Errorf("failed to parse checkout session: %w", err))
		}
		if sess.ID == "" {
			return nil, newError(KindValidation, op, errors.New("checkout session event has no session id"))
		}
		out.Type = EventCheckoutSessionCompleted
		out.SessionID = sess.ID
	}

	return out, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
