package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"TickBook/internal/event"
)

// PostgresIdempotencyChecker is the tier-2 swap dedup lookup. It also
// records replayed swaps, so the lookup survives restarts.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks whether the swap was already replayed.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.swaps
		WHERE event_type = $1 AND swap_id = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecordSwap stores a replayed swap.
func (pic *PostgresIdempotencyChecker) RecordSwap(evt *event.SwapObserved) error {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = pic.db.ExecContext(ctx, `
		INSERT INTO event_log.swaps (event_type, swap_id, pool_id, sequence, target_tick, payload, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_type, swap_id) DO NOTHING
	`, evt.EventType().String(), evt.SwapID, evt.Pool.String(), evt.Sequence, evt.TargetTick, payload, evt.Timestamp.UTC())
	return err
}
