package payment

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/paybalance/internal/tracing"
)

// Outcome describes what reconciling one event did.
type Outcome string

const (
	// OutcomeCredited means the payment moved to completed and the balance was credited.
	OutcomeCredited Outcome = "credited"
	// OutcomeAlreadyCompleted means the payment was no longer pending; nothing changed.
	OutcomeAlreadyCompleted Outcome = "already_completed"
	// OutcomeNotFound means no payment exists for the session; nothing changed.
	OutcomeNotFound Outcome = "not_found"
	// OutcomeDuplicate means the event ID was already processed; nothing changed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored means the event type is not acted on.
	OutcomeIgnored Outcome = "ignored"
)

// Reconciler applies verified checkout completion events to the ledger.
type Reconciler struct {
	store   Store
	events  WebhookRepository
	metrics *Metrics
	logger  *slog.Logger
}

// NewReconciler creates a Reconciler. events may be nil, in which case every
// delivery goes straight to the conditional transition.
func NewReconciler(store Store, events WebhookRepository, metrics *Metrics, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:   store,
		events:  events,
		metrics: metrics,
		logger:  logger,
	}
}

// Reconcile processes one verified event. Only storage failures are returned
// as errors; every other outcome is a successful acknowledgment.
func (r *Reconciler) Reconcile(ctx context.Context, evt *Event) (_ Outcome, err error) {
	const op = "reconcile webhook"

	if evt == nil {
		return "", newError(KindValidation, op, errors.New("event is required"))
	}

	ctx, endSpan := tracing.StartSpan(ctx, "payment.reconcile")
	defer func() { endSpan(err) }()
	tracing.SetAttributes(ctx,
		attribute.String("stripe.event_id", evt.ID),
		attribute.String("stripe.event_type", evt.RawType))

	outcome, err := r.reconcile(ctx, evt)
	if err != nil {
		r.metrics.IncWebhookEvents(evt.RawType, "error")
		return "", newError(KindStorage, op, err)
	}

	r.metrics.IncWebhookEvents(evt.RawType, string(outcome))
	tracing.AddEvent(ctx, "reconciled", attribute.String("outcome", string(outcome)))
	return outcome, nil
}

func (r *Reconciler) reconcile(ctx context.Context, evt *Event) (Outcome, error) {
	if evt.Type != EventCheckoutSessionCompleted {
		r.logger.InfoContext(ctx, "ignoring unhandled webhook event type",
			"event_type", evt.RawType,
			"event_id", evt.ID)
		r.recordEvent(ctx, evt)
		return OutcomeIgnored, nil
	}

	if r.events != nil {
		processed, err := r.events.HasProcessed(ctx, evt.ID)
		if err != nil {
			// The conditional transition still protects the balance.
			r.logger.WarnContext(ctx, "failed to check webhook event log, continuing",
				"event_id", evt.ID,
				"error", err)
		} else if processed {
			r.logger.InfoContext(ctx, "webhook event already processed, ignoring",
				"event_id", evt.ID,
				"session_id", evt.SessionID)
			return OutcomeDuplicate, nil
		}
	}

	p, err := r.store.CompleteAndCredit(ctx, evt.SessionID)
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		// Not recorded, so a redelivery after the payment row exists still credits.
		r.logger.WarnContext(ctx, "no payment for completed checkout session",
			"session_id", evt.SessionID,
			"event_id", evt.ID)
		return OutcomeNotFound, nil
	case IsKind(err, KindConflict):
		r.logger.InfoContext(ctx, "payment already completed, skipping credit",
			"session_id", evt.SessionID,
			"event_id", evt.ID)
		r.recordEvent(ctx, evt)
		return OutcomeAlreadyCompleted, nil
	case err != nil:
		r.logger.ErrorContext(ctx, "failed to complete payment",
			"session_id", evt.SessionID,
			"event_id", evt.ID,
			"error", err)
		return "", err
	}

	r.metrics.AddBalanceCredited(p.Amount)
	r.logger.InfoContext(ctx, "payment marked as completed",
		"payment_id", p.ID,
		"session_id", evt.SessionID,
		"user_id", p.UserID,
		"amount", p.Amount,
		"event_id", evt.ID)
	r.recordEvent(ctx, evt)
	return OutcomeCredited, nil
}

// recordEvent adds the event to the log. Failures are logged only: a missing
// entry just means a redelivery reaches the conditional transition again.
func (r *Reconciler) recordEvent(ctx context.Context, evt *Event) {
	if r.events == nil {
		return
	}
	err := r.events.RecordEvent(ctx, evt.ID, evt.RawType)
	if err != nil && !errors.Is(err, ErrEventAlreadyProcessed) {
		r.logger.WarnContext(ctx, "failed to record webhook event",
			"event_id", evt.ID,
			"error", err)
	}
}
