package health

import (
	"context"
	"database/sql"
	"fmt"
)

// requiredTables are read by the payment flow. A database that answers
// pings but was never migrated is reported unhealthy.
var requiredTables = []string{"users", "payments"}

// DBChecker implements health checking for SQL databases.
type DBChecker struct {
	db *sql.DB
}

// NewDBChecker creates a new database health checker.
func NewDBChecker(db *sql.DB) *DBChecker {
	return &DBChecker{
		db: db,
	}
}

// HealthCheck pings the database, then selects zero rows from each table the
// service depends on.
func (d *DBChecker) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return err
	}
	for _, table := range requiredTables {
		rows, err := d.db.QueryContext(ctx, "SELECT 1 FROM "+table+" LIMIT 0")
		if err != nil {
			return fmt.Errorf("table %s unavailable: %w", table, err)
		}
		if err := rows.Close(); err != nil {
			return fmt.Errorf("table %s unavailable: %w", table, err)
		}
	}
	return nil
}
