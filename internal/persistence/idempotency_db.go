package persistence

import (
	"context"
	"database/sql"
	"time"
)

// PostgresIdempotencyChecker implements the DB tier of command
// deduplication by probing the event log for the request ID.
type PostgresIdempotencyChecker struct {
	db         *sql.DB
	instanceID string
}

func NewPostgresIdempotencyChecker(db *sql.DB, instanceID string) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:         db,
		instanceID: instanceID,
	}
}

// IsDuplicate reports whether any persisted event carries the request
// ID. Derived events suffix the ID (e.g. "<id>:regular-fees"), so the
// probe matches both the exact key and the suffixed forms.
func (pic *PostgresIdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
        SELECT 1
        FROM event_log.events
        WHERE instance_id = $1
          AND (idempotency_key = $2 OR idempotency_key LIKE $2 || ':%')
        LIMIT 1
    `

	var exists int
	err := pic.db.QueryRowContext(ctx, query, pic.instanceID, idempotencyKey).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
