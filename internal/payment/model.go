// Package payment provides the checkout session lifecycle and webhook
// reconciliation for crediting user balances through Stripe Checkout.
package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payment status values. A payment only ever moves from pending to completed.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
)

// MaxAmount is the largest single charge accepted, in minor units.
// Stripe rejects unit amounts above eight digits.
const MaxAmount int64 = 99999999

// DefaultCurrency is used when no currency is configured.
const DefaultCurrency = "usd"

// User is the ledger account credited by completed payments.
type User struct {
	ID      int64 `json:"id"`
	Balance int64 `json:"balance"` // Minor units, never negative
}

// Payment is a local record of one checkout session.
type Payment struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	Amount            int64      `json:"amount"` // Minor units
	Currency          string     `json:"currency"`
	Status            string     `json:"status"`
	ExternalSessionID string     `json:"external_session_id"` // Stripe Checkout Session ID
	SessionURL        string     `json:"session_url,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// IsCompleted reports whether the payment has already been credited.
func (p *Payment) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// Amount is a minor-unit amount decoded from either a JSON number or a JSON
// string of base-10 digits. Decimal and exponent forms are rejected so that no
// floating point conversion ever touches money.
type Amount int64

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return fmt.Errorf("amount is required")
	}

	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		raw = s
	}

	v, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = Amount(v)
	return nil
}

// ParseAmount parses a base-10 integer amount in minor units.
// It does not check the amount range; see ValidateAmount.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("amount is empty")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q is not an integer number of minor units", s)
	}
	return v, nil
}

// ValidateAmount checks that an amount is positive and chargeable.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("amount must be positive, got %d", amount)
	}
	if amount > MaxAmount {
		return fmt.Errorf("amount must not exceed %d, got %d", MaxAmount, amount)
	}
	return nil
}
