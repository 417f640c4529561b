package query

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is one user's share of a position, as projected from the
// event log. Amounts are raw token units.
type OrderRecord struct {
	PoolID       string          `json:"pool_id"`
	PositionKey  string          `json:"position_key"`
	User         string          `json:"user"`
	Side         string          `json:"side"`
	BottomTick   int32           `json:"bottom_tick"`
	TopTick      int32           `json:"top_tick"`
	Nonce        uint64          `json:"nonce"`
	Status       string          `json:"status"`
	Liquidity    decimal.Decimal `json:"liquidity"`
	Deposited0   decimal.Decimal `json:"deposited0"`
	Deposited1   decimal.Decimal `json:"deposited1"`
	Principal0   decimal.Decimal `json:"principal0"`
	Principal1   decimal.Decimal `json:"principal1"`
	Fees0        decimal.Decimal `json:"fees0"`
	Fees1        decimal.Decimal `json:"fees1"`
	CreatedSeq   int64           `json:"created_seq"`
	LastSequence int64           `json:"last_sequence"`
	UpdatedAt    time.Time       `json:"updated_at"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// BalanceResponse is the projected custody balance of one account.
type BalanceResponse struct {
	AccountPath  string          `json:"account_path"`
	Currency     string          `json:"currency"`
	Balance      decimal.Decimal `json:"balance"`
	LastSequence int64           `json:"last_sequence"`
	AsOfSequence int64           `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Currency      string          `json:"currency"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy           bool                 `json:"is_healthy"`
	HashChainBreaks     []int64              `json:"hash_chain_breaks,omitempty"`
	UnbalancedCurrency  []UnbalancedCurrency `json:"unbalanced_currencies,omitempty"`
	NegativeAccounts    []BalanceResponse    `json:"negative_accounts,omitempty"`
	ProjectionWatermark int64                `json:"projection_watermark"`
	LatestSequence      int64                `json:"latest_sequence"`
}

// UnbalancedCurrency is a currency whose balances do not sum to zero.
type UnbalancedCurrency struct {
	Currency  string          `json:"currency"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
