package ledger

import (
	"fmt"
)

// InvariantValidator checks custody invariants after each batch.
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{tracker: tracker}
}

func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per currency.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for currency, total := range v.tracker.ComputeGlobalBalance() {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", currency.Hex(), total)
		}
	}
	return nil
}

// ValidateBatchAccounts checks that no position or system account touched
// by batch went negative: nothing is ever paid out that was not received.
func (v *InvariantValidator) ValidateBatchAccounts(batch *Batch) error {
	for _, j := range batch.Journals {
		if j.CreditAccount.Scope == AccountScopePosition || j.CreditAccount.Scope == AccountScopeSystem {
			if err := v.tracker.ValidateNonNegative(j.CreditAccount); err != nil {
				return err
			}
		}
	}
	return nil
}
