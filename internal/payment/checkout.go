package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/paybalance/internal/tracing"
)

// DefaultProductName labels the single line item shown on the Stripe checkout page.
const DefaultProductName = "Account balance top-up"

// Checkout initiation results recorded in metrics.
const (
	resultCreated    = "created"
	resultValidation = "validation_error"
	resultNotFound   = "not_found"
	resultGateway    = "gateway_error"
	resultStorage    = "storage_error"
)

// InitiatorConfig configures checkout session creation.
type InitiatorConfig struct {
	Currency       string
	ProductName    string
	SuccessURL     string
	CancelURL      string
	GatewayTimeout time.Duration
}

// Initiator creates a Stripe Checkout Session for a user and records the
// pending payment tied to it.
type Initiator struct {
	store   Store
	gateway Gateway
	cfg     InitiatorConfig
	metrics *Metrics
	logger  *slog.Logger
}

// NewInitiator creates a new Initiator. Empty config fields take defaults.
func NewInitiator(store Store, gateway Gateway, cfg InitiatorConfig, metrics *Metrics, logger *slog.Logger) *Initiator {
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.ProductName == "" {
		cfg.ProductName = DefaultProductName
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = DefaultGatewayTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Initiate validates the request, creates the external checkout session and
// persists a pending payment. Input problems are reported before the gateway
// is contacted; a gateway failure aborts before anything is written.
func (i *Initiator) Initiate(ctx context.Context, userID int64, amount int64) (_ *Payment, err error) {
	const op = "initiate payment"

	ctx, endSpan := tracing.StartSpan(ctx, "payment.initiate")
	defer func() { endSpan(err) }()

	if userID <= 0 {
		i.metrics.IncCheckoutSessions(resultValidation)
		return nil, newError(KindValidation, op, fmt.Errorf("user_id must be positive, got %d", userID))
	}
	if err := ValidateAmount(amount); err != nil {
		i.metrics.IncCheckoutSessions(resultValidation)
		return nil, newError(KindValidation, op, err)
	}

	if _, err := i.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, ErrUserNotFound) {
			i.metrics.IncCheckoutSessions(resultNotFound)
			return nil, newError(KindNotFound, op, err)
		}
		i.metrics.IncCheckoutSessions(resultStorage)
		return nil, newError(KindStorage, op, err)
	}

	sess, err := i.createSession(ctx, userID, amount)
	if err != nil {
		i.metrics.IncCheckoutSessions(resultGateway)
		i.logger.ErrorContext(ctx, "failed to create checkout session",
			"user_id", userID,
			"amount", amount,
			"error", err)
		return nil, newError(KindGateway, op, err)
	}

	p := &Payment{
		UserID:            userID,
		Amount:            amount,
		Currency:          i.cfg.Currency,
		ExternalSessionID: sess.id,
	}
	if err := i.store.CreatePending(ctx, p); err != nil {
		i.metrics.IncCheckoutSessions(resultStorage)
		i.metrics.IncOrphanedSessions()
		// The gateway session now has no local row; a later completion event
		// for it reconciles as not found.
		i.logger.ErrorContext(ctx, "failed to record pending payment, checkout session orphaned",
			"session_id", sess.id,
			"user_id", userID,
			"amount", amount,
			"error", err)
		if errors.Is(err, ErrUserNotFound) {
			return nil, newError(KindNotFound, op, err)
		}
		return nil, newError(KindStorage, op, err)
	}
	p.SessionURL = sess.url

	i.metrics.IncCheckoutSessions(resultCreated)
	i.logger.InfoContext(ctx, "checkout session created",
		"payment_id", p.ID,
		"session_id", p.ExternalSessionID,
		"user_id", userID,
		"amount", amount,
		"currency", p.Currency)

	return p, nil
}

type createdSession struct {
	id  string
	url string
}

// createSession calls the gateway under the configured timeout.
func (i *Initiator) createSession(ctx context.Context, userID, amount int64) (_ *createdSession, err error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.GatewayTimeout)
	defer cancel()

	ctx, endSpan := tracing.StartSpan(ctx, "stripe.checkout.session.create")
	defer func() { endSpan(err) }()

	start := time.Now()
	sess, err := i.gateway.CreateCheckoutSession(ctx, &CheckoutSessionParams{
		UserID:      userID,
		Amount:      amount,
		Currency:    i.cfg.Currency,
		ProductName: i.cfg.ProductName,
		SuccessURL:  i.cfg.SuccessURL,
		CancelURL:   i.cfg.CancelURL,
	})
	i.metrics.ObserveGatewayDuration(time.Since(start).Seconds())

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("checkout session creation: %w: %v", ctxErr, err)
		}
		return nil, err
	}
	if sess == nil || sess.ID == "" {
		return nil, errors.New("gateway returned a checkout session without an id")
	}
	return &createdSession{id: sess.ID, url: sess.URL}, nil
}
