package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/onnwee/paybalance/internal/tracing"
)

const pqUniqueViolation = "23505"

// PostgresRepository implements Repository on the idempotency_keys table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Get retrieves an idempotency key by its key value.
func (r *PostgresRepository) Get(ctx context.Context, key string) (_ *IdempotencyKey, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var rec IdempotencyKey
	err = r.db.QueryRowContext(ctx, `
		SELECT key, method, route, created_at, request_hash, status, response_body, status_code
		FROM idempotency_keys
		WHERE key = $1
	`, key).Scan(
		&rec.Key,
		&rec.Method,
		&rec.Route,
		&rec.CreatedAt,
		&rec.RequestHash,
		&rec.Status,
		&rec.ResponseBody,
		&rec.ResponseStatusCode,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &rec, nil
}

// Store inserts a new idempotency key; the primary key rejects duplicates.
func (r *PostgresRepository) Store(ctx context.Context, record *IdempotencyKey) (err error) {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, method, route, created_at, request_hash, status, response_body, status_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		record.Key,
		record.Method,
		record.Route,
		record.CreatedAt,
		record.RequestHash,
		record.Status,
		record.ResponseBody,
		record.ResponseStatusCode,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return ErrKeyExists
		}
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	return nil
}

// DeleteOlderThan removes idempotency keys created before now minus duration.
func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (_ int64, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "idempotency_keys", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < $1`,
		time.Now().Add(-duration),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
