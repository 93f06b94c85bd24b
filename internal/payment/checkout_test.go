package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v81"
)

// mockGateway is a hand-written Gateway for tests.
type mockGateway struct {
	mu         sync.Mutex
	session    *stripe.CheckoutSession
	err        error
	waitForCtx bool
	calls      int
	lastParams *CheckoutSessionParams
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, params *CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	m.mu.Lock()
	m.calls++
	copied := *params
	m.lastParams = &copied
	m.mu.Unlock()

	if m.waitForCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.session, nil
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// failingStore wraps InMemoryStore and fails selected operations.
type failingStore struct {
	*InMemoryStore
	getUserErr       error
	createPendingErr error
	completeErr      error
}

func (s *failingStore) GetUser(ctx context.Context, id int64) (*User, error) {
	if s.getUserErr != nil {
		return nil, s.getUserErr
	}
	return s.InMemoryStore.GetUser(ctx, id)
}

func (s *failingStore) CreatePending(ctx context.Context, p *Payment) error {
	if s.createPendingErr != nil {
		return s.createPendingErr
	}
	return s.InMemoryStore.CreatePending(ctx, p)
}

func (s *failingStore) CompleteAndCredit(ctx context.Context, sessionID string) (*Payment, error) {
	if s.completeErr != nil {
		return nil, s.completeErr
	}
	return s.InMemoryStore.CompleteAndCredit(ctx, sessionID)
}

func newTestInitiator(store Store, gw Gateway, metrics *Metrics) *Initiator {
	return NewInitiator(store, gw, InitiatorConfig{
		SuccessURL: "https://example.com/success",
		CancelURL:  "https://example.com/cancel",
	}, metrics, nil)
}

func TestInitiate_Success(t *testing.T) {
	store, u := newStoreWithUser(t, 0)
	gw := &mockGateway{session: &stripe.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}}
	metrics := NewMetrics()
	initiator := newTestInitiator(store, gw, metrics)

	p, err := initiator.Initiate(context.Background(), u.ID, 500)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}

	if p.ExternalSessionID != "cs_test_1" {
		t.Errorf("ExternalSessionID = %q, want %q", p.ExternalSessionID, "cs_test_1")
	}
	if p.SessionURL != "https://checkout.stripe.com/c/pay/cs_test_1" {
		t.Errorf("SessionURL = %q", p.SessionURL)
	}
	if p.Status != StatusPending {
		t.Errorf("Status = %q, want %q", p.Status, StatusPending)
	}

	stored, err := store.GetBySessionID(context.Background(), "cs_test_1")
	if err != nil {
		t.Fatalf("GetBySessionID() error = %v", err)
	}
	if stored.UserID != u.ID || stored.Amount != 500 || stored.Status != StatusPending {
		t.Errorf("stored payment = %+v, want pending 500 for user %d", stored, u.ID)
	}
	if stored.Currency != DefaultCurrency {
		t.Errorf("Currency = %q, want %q", stored.Currency, DefaultCurrency)
	}

	// Balance is untouched until the completion event arrives.
	user, _ := store.GetUser(context.Background(), u.ID)
	if user.Balance != 0 {
		t.Errorf("Balance = %d, want 0", user.Balance)
	}

	if gw.lastParams.Amount != 500 || gw.lastParams.UserID != u.ID {
		t.Errorf("gateway params = %+v", gw.lastParams)
	}
	if gw.lastParams.ProductName != DefaultProductName {
		t.Errorf("ProductName = %q, want %q", gw.lastParams.ProductName, DefaultProductName)
	}
	if gw.lastParams.SuccessURL != "https://example.com/success" {
		t.Errorf("SuccessURL = %q", gw.lastParams.SuccessURL)
	}

	if got := getCounterVecValue(metrics.checkoutSessions, resultCreated); got != 1 {
		t.Errorf("created counter = %v, want 1", got)
	}
	if got := getHistogramSampleCount(metrics.gatewayDuration); got != 1 {
		t.Errorf("gateway duration samples = %d, want 1", got)
	}
}

func TestInitiate_ValidationBeforeGateway(t *testing.T) {
	tests := []struct {
		name   string
		userID int64
		amount int64
	}{
		{"zero amount", 1, 0},
		{"negative amount", 1, -100},
		{"amount over maximum", 1, MaxAmount + 1},
		{"zero user", 0, 500},
		{"negative user", -3, 500},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, _ := newStoreWithUser(t, 0)
			gw := &mockGateway{session: &stripe.CheckoutSession{ID: "cs_unused"}}
			metrics := NewMetrics()

			_, err := newTestInitiator(store, gw, metrics).Initiate(context.Background(), tt.userID, tt.amount)
			if !IsKind(err, KindValidation) {
				t.Fatalf("Initiate() error = %v, want validation error", err)
			}
			if gw.callCount() != 0 {
				t.Errorf("gateway called %d times, want 0", gw.callCount())
			}
			if got := getCounterVecValue(metrics.checkoutSessions, resultValidation); got != 1 {
				t.Errorf("validation counter = %v, want 1", got)
			}
		})
	}
}

func TestInitiate_UnknownUser(t *testing.T) {
	store := NewInMemoryStore()
	gw := &mockGateway{session: &stripe.CheckoutSession{ID: "cs_unused"}}

	_, err := newTestInitiator(store, gw, nil).Initiate(context.Background(), 99, 500)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("Initiate() error = %v, want not found", err)
	}
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("expected error chain to contain ErrUserNotFound, got %v", err)
	}
	if gw.callCount() != 0 {
		t.Errorf("gateway called %d times, want 0", gw.callCount())
	}
}

func TestInitiate_GatewayError(t *testing.T) {
	tests := []struct {
		name string
		gw   *mockGateway
	}{
		{"gateway returns error", &mockGateway{err: errors.New("card network unavailable")}},
		{"gateway returns nil session", &mockGateway{}},
		{"gateway returns session without id", &mockGateway{session: &stripe.CheckoutSession{URL: "https://x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, u := newStoreWithUser(t, 0)
			metrics := NewMetrics()

			_, err := newTestInitiator(store, tt.gw, metrics).Initiate(context.Background(), u.ID, 500)
			if !IsKind(err, KindGateway) {
				t.Fatalf("Initiate() error = %v, want gateway error", err)
			}
			if got := getCounterVecValue(metrics.checkoutSessions, resultGateway); got != 1 {
				t.Errorf("gateway counter = %v, want 1", got)
			}
			if len(store.payments) != 0 {
				t.Errorf("expected no payments to be stored, got %d", len(store.payments))
			}
		})
	}
}

func TestInitiate_GatewayTimeout(t *testing.T) {
	store, u := newStoreWithUser(t, 0)
	gw := &mockGateway{waitForCtx: true}
	initiator := NewInitiator(store, gw, InitiatorConfig{GatewayTimeout: 20 * time.Millisecond}, nil, nil)

	start := time.Now()
	_, err := initiator.Initiate(context.Background(), u.ID, 500)
	if !IsKind(err, KindGateway) {
		t.Fatalf("Initiate() error = %v, want gateway error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded in chain, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Initiate() took %v, timeout not applied", elapsed)
	}
	if len(store.payments) != 0 {
		t.Errorf("expected no payments to be stored, got %d", len(store.payments))
	}
}

func TestInitiate_StorageFailures(t *testing.T) {
	t.Run("user lookup fails", func(t *testing.T) {
		inner, u := newStoreWithUser(t, 0)
		store := &failingStore{InMemoryStore: inner, getUserErr: errors.New("connection refused")}
		gw := &mockGateway{session: &stripe.CheckoutSession{ID: "cs_unused"}}

		_, err := newTestInitiator(store, gw, nil).Initiate(context.Background(), u.ID, 500)
		if !IsKind(err, KindStorage) {
			t.Fatalf("Initiate() error = %v, want storage error", err)
		}
		if gw.callCount() != 0 {
			t.Errorf("gateway called %d times, want 0", gw.callCount())
		}
	})

	t.Run("pending insert fails after session created", func(t *testing.T) {
		inner, u := newStoreWithUser(t, 0)
		store := &failingStore{InMemoryStore: inner, createPendingErr: errors.New("disk full")}
		gw := &mockGateway{session: &stripe.CheckoutSession{ID: "cs_orphan"}}
		metrics := NewMetrics()

		_, err := newTestInitiator(store, gw, metrics).Initiate(context.Background(), u.ID, 500)
		if !IsKind(err, KindStorage) {
			t.Fatalf("Initiate() error = %v, want storage error", err)
		}
		if got := getCounterValue(metrics.orphanedSessions); got != 1 {
			t.Errorf("orphaned counter = %v, want 1", got)
		}
	})

	t.Run("user deleted between lookup and insert", func(t *testing.T) {
		inner, u := newStoreWithUser(t, 0)
		store := &failingStore{InMemoryStore: inner, createPendingErr: ErrUserNotFound}
		gw := &mockGateway{session: &stripe.CheckoutSession{ID: "cs_orphan"}}

		_, err := newTestInitiator(store, gw, nil).Initiate(context.Background(), u.ID, 500)
		if !IsKind(err, KindNotFound) {
			t.Fatalf("Initiate() error = %v, want not found", err)
		}
	})
}

func TestInitiate_ConfiguredCurrency(t *testing.T) {
	store, u := newStoreWithUser(t, 0)
	gw := &mockGateway{session: &stripe.CheckoutSession{ID: "cs_eur"}}
	initiator := NewInitiator(store, gw, InitiatorConfig{Currency: "eur", ProductName: "Credits"}, nil, nil)

	p, err := initiator.Initiate(context.Background(), u.ID, 1200)
	if err != nil {
		t.Fatalf("Initiate() error = %v", err)
	}
	if p.Currency != "eur" {
		t.Errorf("Currency = %q, want eur", p.Currency)
	}
	if gw.lastParams.Currency != "eur" || gw.lastParams.ProductName != "Credits" {
		t.Errorf("gateway params = %+v", gw.lastParams)
	}
}
