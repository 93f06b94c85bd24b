package payment

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/balance"
	"github.com/stripe/stripe-go/v81/checkout/session"
)

// DefaultGatewayTimeout bounds a single call to Stripe.
const DefaultGatewayTimeout = 10 * time.Second

// CheckoutSessionParams represents parameters for creating a Checkout Session.
type CheckoutSessionParams struct {
	UserID      int64
	Amount      int64 // Minor units
	Currency    string
	ProductName string
	SuccessURL  string
	CancelURL   string
}

// Gateway is the subset of Stripe operations the service uses, so tests can mock it.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params *CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGateway implements Gateway using the Stripe SDK.
type StripeGateway struct{}

// NewStripeGateway configures the Stripe SDK with the API key and an HTTP
// client whose timeout matches the gateway timeout.
func NewStripeGateway(apiKey string, timeout time.Duration) *StripeGateway {
	if timeout <= 0 {
		timeout = DefaultGatewayTimeout
	}
	stripe.Key = apiKey
	stripe.SetHTTPClient(&http.Client{Timeout: timeout})
	return &StripeGateway{}
}

// CreateCheckoutSession creates a one-time payment Checkout Session with a
// single inline-priced line item.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, params *CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	userID := strconv.FormatInt(params.UserID, 10)

	sessionParams := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(params.Currency),
					UnitAmount: stripe.Int64(params.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(params.ProductName),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(userID),
		Metadata: map[string]string{
			"user_id": userID,
		},
	}
	sessionParams.Context = ctx

	return session.New(sessionParams)
}

// HealthCheck verifies the API key can reach Stripe by reading the account balance.
func (g *StripeGateway) HealthCheck(ctx context.Context) error {
	params := &stripe.BalanceParams{}
	params.Context = ctx
	_, err := balance.Get(params)
	return err
}
