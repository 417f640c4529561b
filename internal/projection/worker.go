package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"

	"TickBook/internal/core"
	"TickBook/internal/event"
	"TickBook/internal/persistence"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WorkerID names this worker's row in projections.watermark.
const WorkerID = "orders"

// Order statuses as stored in projections.orders.
const (
	StatusOpen     = "open"
	StatusExecuted = "executed"
	StatusCanceled = "canceled"
	StatusClaimed  = "claimed"
)

// ProjectionWorker maintains projections.orders and projections.balances
// from engine outputs. It is fed by a dropping channel; a gap is repaired
// with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   atomic.Int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput) *ProjectionWorker {
	pw := &ProjectionWorker{db: db, inputChan: inputChan}
	pw.lastSeq.Store(-1)
	return pw
}

// LastSequence is the last output applied, -1 before the first.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq.Load() }

// Run applies outputs until ctx is cancelled or the input closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			row, journals := persistence.RowsFromOutput(output)
			if err := pw.processOutput(ctx, row, journals); err != nil {
				// Projections are eventually consistent and rebuildable.
				log.Printf("WARN: projection update failed at seq=%d: %v", row.Sequence, err)
				continue
			}
			pw.lastSeq.Store(row.Sequence)
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, row persistence.EventRow, journals []persistence.JournalRow) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := applyOrderEvent(ctx, tx, row); err != nil {
		return fmt.Errorf("order projection: %w", err)
	}
	for _, j := range journals {
		if err := applyJournal(ctx, tx, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}
	if err := setWatermark(ctx, tx, row.Sequence); err != nil {
		return err
	}
	return tx.Commit()
}

// applyOrderEvent folds one logged output into projections.orders. Output
// types that do not change a record are ignored.
func applyOrderEvent(ctx context.Context, tx *sql.Tx, row persistence.EventRow) error {
	switch event.ParseEventType(row.EventType) {
	case event.EventTypeOrderCreated:
		var e event.OrderCreated
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.orders
				(pool_id, position_key, user_address, side, bottom_tick, top_tick, nonce, status,
				 liquidity, deposited0, deposited1, created_seq, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11::numeric, $12, $12, NOW())
			ON CONFLICT (pool_id, position_key, user_address) DO UPDATE SET
				liquidity     = projections.orders.liquidity + EXCLUDED.liquidity,
				deposited0    = projections.orders.deposited0 + EXCLUDED.deposited0,
				deposited1    = projections.orders.deposited1 + EXCLUDED.deposited1,
				last_sequence = EXCLUDED.last_sequence,
				updated_at    = NOW()
		`, e.Pool.String(), e.Key.String(), e.User.Hex(), e.Position.Side.String(),
			e.Position.BottomTick, e.Position.TopTick, int64(e.Position.Nonce), StatusOpen,
			e.Liquidity, e.Amount0, e.Amount1, row.Sequence)
		return err

	case event.EventTypeOrderExecuted:
		var e event.OrderExecuted
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.orders
			SET status = $3, last_sequence = $4, updated_at = NOW()
			WHERE pool_id = $1 AND position_key = $2 AND status = 'open'
		`, e.Pool.String(), e.Key.String(), StatusExecuted, row.Sequence)
		return err

	// Principal is recorded when it is delivered; a cancel is always followed
	// by the claim of what it withdrew.
	case event.EventTypeOrderCanceled:
		var e event.OrderCanceled
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.orders
			SET status = $4, liquidity = 0, last_sequence = $5, updated_at = NOW()
			WHERE pool_id = $1 AND position_key = $2 AND user_address = $3
		`, e.Pool.String(), e.Key.String(), e.User.Hex(), StatusCanceled, row.Sequence)
		return err

	case event.EventTypeOrderClaimed:
		var e event.OrderClaimed
		if err := json.Unmarshal(row.Payload, &e); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE projections.orders
			SET status = $4, liquidity = 0,
			    principal0 = principal0 + $5::numeric, principal1 = principal1 + $6::numeric,
			    fees0 = fees0 + $7::numeric, fees1 = fees1 + $8::numeric,
			    last_sequence = $9, updated_at = NOW()
			WHERE pool_id = $1 AND position_key = $2 AND user_address = $3
		`, e.Pool.String(), e.Key.String(), e.User.Hex(), StatusClaimed,
			e.Principal0, e.Principal1, e.Fees0, e.Fees1, row.Sequence)
		return err
	}
	return nil
}

// applyJournal credits the debit account and debits the credit account.
func applyJournal(ctx context.Context, tx *sql.Tx, j persistence.JournalRow) error {
	for _, leg := range []struct {
		account string
		sign    string
	}{
		{j.DebitAccount, "+"},
		{j.CreditAccount, "-"},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, currency, balance, last_sequence)
			VALUES ($1, $2, `+leg.sign+`$3::numeric, $4)
			ON CONFLICT (account_path, currency)
			DO UPDATE SET balance = projections.balances.balance `+leg.sign+` $3::numeric, last_sequence = $4
		`, leg.account, j.Currency, j.Amount, j.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func setWatermark(ctx context.Context, tx *sql.Tx, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections rebuilds both projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	for _, stmt := range []string{
		`TRUNCATE projections.orders`,
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + WorkerID + `'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, currency, balance, last_sequence)
		SELECT account_path, currency, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, currency, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, currency, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, currency
	`)
	if err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	snaps := persistence.NewSnapshotManager(db)
	const page = 1000
	last := int64(-1)
	for next := int64(0); ; {
		rows, err := snaps.LoadEventsFrom(ctx, next, page)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := applyOrderEvent(ctx, tx, row); err != nil {
				tx.Rollback()
				return fmt.Errorf("replay seq=%d: %w", row.Sequence, err)
			}
			last = row.Sequence
		}
		if err := setWatermark(ctx, tx, last); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		next = last + 1
		if len(rows) < page {
			break
		}
	}

	log.Printf("INFO: projection rebuild complete (last_sequence=%d)", last)
	return nil
}
