package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"TickBook/internal/projection"

	"github.com/ethereum/go-ethereum/common"
)

// QueryService provides read-only access to the projection tables and the
// journal. Every response carries as_of_sequence, the projection
// watermark it was read at.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// OrderFilter narrows GetOrderHistory.
type OrderFilter struct {
	PoolID *string
	Status *string
	// BeforeSequence pages backwards by created_seq.
	BeforeSequence *int64
	Limit          int
}

// GetOrderHistory returns a user's order records, newest first, including
// records the engine has already forgotten after a claim.
func (qs *QueryService) GetOrderHistory(ctx context.Context, user common.Address, f OrderFilter) ([]OrderRecord, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT pool_id, position_key, user_address, side, bottom_tick, top_tick, nonce, status,
		       liquidity, deposited0, deposited1, principal0, principal1, fees0, fees1,
		       created_seq, last_sequence, updated_at
		FROM projections.orders
		WHERE user_address = $1
	`
	args := []any{user.Hex()}
	if f.PoolID != nil {
		args = append(args, *f.PoolID)
		query += fmt.Sprintf(" AND pool_id = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, *f.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.BeforeSequence != nil {
		args = append(args, *f.BeforeSequence)
		query += fmt.Sprintf(" AND created_seq < $%d", len(args))
	}
	args = append(args, clampLimit(f.Limit))
	query += fmt.Sprintf(" ORDER BY created_seq DESC LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var r OrderRecord
		var nonce int64
		if err := rows.Scan(
			&r.PoolID, &r.PositionKey, &r.User, &r.Side, &r.BottomTick, &r.TopTick, &nonce, &r.Status,
			&r.Liquidity, &r.Deposited0, &r.Deposited1, &r.Principal0, &r.Principal1, &r.Fees0, &r.Fees1,
			&r.CreatedSeq, &r.LastSequence, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		r.Nonce = uint64(nonce)
		r.AsOfSequence = asOfSeq
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetBalances returns projected balances of every account whose path
// starts with prefix, e.g. "user:0xabc" or "system:treasury".
func (qs *QueryService) GetBalances(ctx context.Context, prefix string) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, currency, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path, currency
	`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		if err := rows.Scan(&b.AccountPath, &b.Currency, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		b.AsOfSequence = asOfSeq
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries touching a user's wallet,
// newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, user common.Address, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, currency, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{likePrefix("user:" + user.Hex() + ":")}
	if beforeSequence != nil {
		args = append(args, *beforeSequence)
		query += fmt.Sprintf(" AND sequence < $%d", len(args))
	}
	args = append(args, clampLimit(limit))
	query += fmt.Sprintf(" ORDER BY sequence DESC, journal_id LIMIT $%d", len(args))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Currency, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity, per-currency conservation
// and non-negative engine-held accounts.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT currency, SUM(balance)
		FROM projections.balances
		GROUP BY currency
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var u UnbalancedCurrency
		if err := balanceRows.Scan(&u.Currency, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedCurrency = append(report.UnbalancedCurrency, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	negRows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, currency, balance, last_sequence
		FROM projections.balances
		WHERE balance < 0 AND (account_path LIKE 'position:%' OR account_path LIKE 'system:%')
		ORDER BY account_path
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer negRows.Close()
	for negRows.Next() {
		var b BalanceResponse
		if err := negRows.Scan(&b.AccountPath, &b.Currency, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		report.NegativeAccounts = append(report.NegativeAccounts, b)
	}
	if err := negRows.Err(); err != nil {
		return nil, err
	}

	if report.ProjectionWatermark, err = qs.getWatermark(ctx); err != nil {
		return nil, err
	}
	var latest sql.NullInt64
	if err := qs.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&latest); err != nil {
		return nil, err
	}
	report.LatestSequence = -1
	if latest.Valid {
		report.LatestSequence = latest.Int64
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedCurrency) == 0 &&
		len(report.NegativeAccounts) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, projection.WorkerID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

// likePrefix escapes LIKE metacharacters in prefix and appends a wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
