package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/onnwee/paybalance/internal/tracing"
)

// Postgres error codes the store translates into sentinel errors.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// PostgresStore implements Store on PostgreSQL. The pending to completed
// transition is a conditional UPDATE, so concurrent deliveries for the same
// session serialize on the payment row and only one of them credits.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{
		db:     db,
		logger: logger,
	}
}

// GetUser returns the user with the given ID.
func (s *PostgresStore) GetUser(ctx context.Context, id int64) (_ *User, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "users", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	var u User
	err = s.db.QueryRowContext(ctx,
		`SELECT id, balance FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &u, nil
}

// CreatePending inserts a pending payment row.
func (s *PostgresStore) CreatePending(ctx context.Context, p *Payment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	query := `
		INSERT INTO payments (user_id, amount, currency, status, external_session_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, created_at
	`
	err = s.db.QueryRowContext(ctx, query,
		p.UserID, p.Amount, p.Currency, StatusPending, p.ExternalSessionID,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			switch pqErr.Code {
			case pqUniqueViolation:
				return newError(KindConflict, opCreatePending, ErrDuplicateSessionID)
			case pqForeignKeyViolation:
				return ErrUserNotFound
			}
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}

	p.Status = StatusPending
	p.CompletedAt = nil
	return nil
}

// GetBySessionID returns the payment recorded for a checkout session.
func (s *PostgresStore) GetBySessionID(ctx context.Context, sessionID string) (_ *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	query := `
		SELECT id, user_id, amount, currency, status, external_session_id, created_at, completed_at
		FROM payments
		WHERE external_session_id = $1
	`
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// CompleteAndCredit transitions the payment and credits the balance in one transaction.
func (s *PostgresStore) CompleteAndCredit(ctx context.Context, sessionID string) (_ *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadCommitted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	// No-op after a successful commit
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to rollback transaction",
				slog.String("session_id", sessionID),
				slog.String("error", rbErr.Error()))
		}
	}()

	transition := `
		UPDATE payments
		SET status = $2, completed_at = NOW()
		WHERE external_session_id = $1 AND status = $3
		RETURNING id, user_id, amount, currency, status, external_session_id, created_at, completed_at
	`
	p, err := scanPayment(tx.QueryRowContext(ctx, transition, sessionID, StatusCompleted, StatusPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.classifyMissedTransition(ctx, tx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition payment: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE users SET balance = balance + $1 WHERE id = $2`,
		p.Amount, p.UserID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to credit user %d: %w", p.UserID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read credited rows: %w", err)
	}
	if n != 1 {
		return nil, fmt.Errorf("failed to credit user %d: %w", p.UserID, ErrUserNotFound)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Info("payment completed and balance credited",
		slog.Int64("payment_id", p.ID),
		slog.Int64("user_id", p.UserID),
		slog.Int64("amount", p.Amount),
		slog.String("session_id", sessionID))

	return p, nil
}

// classifyMissedTransition tells a missing payment apart from one that is no
// longer pending after the conditional update matched zero rows.
func (s *PostgresStore) classifyMissedTransition(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM payments WHERE external_session_id = $1`, sessionID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrPaymentNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read payment status: %w", err)
	}
	return newError(KindConflict, opCompleteAndCredit, ErrAlreadyCompleted)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p           Payment
		completedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.ExternalSessionID,
		&p.CreatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		p.CompletedAt = &t
	}
	return &p, nil
}
