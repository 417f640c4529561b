package ledger

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains signed custody balances. Amounts are uint256 on
// the wire but balances go negative (the AMM and users are net givers), so
// they are held as big.Int.
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{balances: make(map[AccountKey]*big.Int)}
}

func (bt *BalanceTracker) add(key AccountKey, v *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		cur = new(big.Int)
		bt.balances[key] = cur
	}
	cur.Add(cur, v)
	if cur.Sign() == 0 {
		delete(bt.balances, key)
	}
}

func (bt *BalanceTracker) ApplyJournal(j Journal) {
	amount := j.Amount.ToBig()
	bt.add(j.DebitAccount, amount)
	bt.add(j.CreditAccount, new(big.Int).Neg(amount))
}

func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}
	return nil
}

// GetBalance returns a copy of the balance of key.
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if v, ok := bt.balances[key]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// ComputeGlobalBalance sums all balances per currency; zero for a balanced ledger.
func (bt *BalanceTracker) ComputeGlobalBalance() map[common.Address]*big.Int {
	totals := make(map[common.Address]*big.Int)
	for key, balance := range bt.balances {
		cur, ok := totals[key.Currency]
		if !ok {
			cur = new(big.Int)
			totals[key.Currency] = cur
		}
		cur.Add(cur, balance)
	}
	return totals
}

func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if balance := bt.GetBalance(key); balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// AccountBalance is one entry of a deterministic balance listing.
type AccountBalance struct {
	Key     AccountKey
	Balance *big.Int
}

// Snapshot lists every nonzero balance ordered by account path.
func (bt *BalanceTracker) Snapshot() []AccountBalance {
	out := make([]AccountBalance, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, AccountBalance{Key: k, Balance: new(big.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.AccountPath() < out[j].Key.AccountPath() })
	return out
}

// Restore replaces all balances.
func (bt *BalanceTracker) Restore(entries []AccountBalance) {
	bt.balances = make(map[AccountKey]*big.Int, len(entries))
	for _, e := range entries {
		bt.add(e.Key, e.Balance)
	}
}
