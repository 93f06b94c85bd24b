package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/paybalance/internal/tracing"
)

// ErrEventAlreadyProcessed is returned when attempting to record a duplicate webhook event.
var ErrEventAlreadyProcessed = errors.New("webhook event already processed")

// WebhookEvent is a processed webhook event kept for duplicate detection.
type WebhookEvent struct {
	EventID     string // Stripe event ID
	EventType   string // Stripe event type
	ProcessedAt time.Time
}

// WebhookRepository tracks processed webhook event IDs. It lets repeated
// deliveries skip reconciliation early; it is not the exactly-once guard,
// which stays with Store.CompleteAndCredit.
type WebhookRepository interface {
	// RecordEvent records a webhook event as processed.
	// Returns ErrEventAlreadyProcessed if the event was already recorded.
	RecordEvent(ctx context.Context, eventID, eventType string) error

	// HasProcessed checks if an event has already been processed.
	HasProcessed(ctx context.Context, eventID string) (bool, error)
}

// InMemoryWebhookRepository implements WebhookRepository with in-memory storage.
type InMemoryWebhookRepository struct {
	mu     sync.RWMutex
	events map[string]*WebhookEvent
}

// NewInMemoryWebhookRepository creates a new in-memory webhook repository.
func NewInMemoryWebhookRepository() *InMemoryWebhookRepository {
	return &InMemoryWebhookRepository{
		events: make(map[string]*WebhookEvent),
	}
}

// RecordEvent records a webhook event as processed.
func (r *InMemoryWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.events[eventID]; exists {
		return ErrEventAlreadyProcessed
	}

	r.events[eventID] = &WebhookEvent{
		EventID:     eventID,
		EventType:   eventType,
		ProcessedAt: time.Now(),
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *InMemoryWebhookRepository) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.events[eventID]
	return exists, nil
}

// PostgresWebhookRepository implements WebhookRepository on the stripe_webhook_events table.
type PostgresWebhookRepository struct {
	db *sql.DB
}

// NewPostgresWebhookRepository creates a new PostgresWebhookRepository.
func NewPostgresWebhookRepository(db *sql.DB) *PostgresWebhookRepository {
	return &PostgresWebhookRepository{db: db}
}

// RecordEvent inserts the event ID; the primary key rejects duplicates.
func (r *PostgresWebhookRepository) RecordEvent(ctx context.Context, eventID, eventType string) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "stripe_webhook_events", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO stripe_webhook_events (event_id, event_type, processed_at) VALUES ($1, $2, NOW())`,
		eventID, eventType,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrEventAlreadyProcessed
		}
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

// HasProcessed checks if an event has already been processed.
func (r *PostgresWebhookRepository) HasProcessed(ctx context.Context, eventID string) (_ bool, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "stripe_webhook_events", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var exists bool
	err = r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stripe_webhook_events WHERE event_id = $1)`, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}
