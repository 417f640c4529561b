package ledger

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// JournalType is the purpose of a journal entry.
type JournalType int32

const (
	JournalTypeOrderDeposit JournalType = iota
	JournalTypeFeeCollect
	JournalTypeExecutionBurn
	JournalTypeCancelBurn
	JournalTypeClaimPrincipal
	JournalTypeClaimFees
	JournalTypeTreasuryFee
	JournalTypeRedirect
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeOrderDeposit:
		return "order_deposit"
	case JournalTypeFeeCollect:
		return "fee_collect"
	case JournalTypeExecutionBurn:
		return "execution_burn"
	case JournalTypeCancelBurn:
		return "cancel_burn"
	case JournalTypeClaimPrincipal:
		return "claim_principal"
	case JournalTypeClaimFees:
		return "claim_fees"
	case JournalTypeTreasuryFee:
		return "treasury_fee"
	case JournalTypeRedirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// journalNamespace seeds deterministic journal and batch ids so a replay
// produces identical rows.
var journalNamespace = uuid.MustParse("6f1d3c52-8b0e-4f5a-9a55-2c7b1d0e4a11")

// Journal is one double-entry transfer: the debit account receives Amount,
// the credit account gives it.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Currency      common.Address
	Amount        *uint256.Int // always positive
	JournalType   JournalType
	Timestamp     int64
}

// Batch is the set of journals produced by one engine call.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

func NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(eventRef)),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
	}
}

// Transfer appends a journal moving amount from credit to debit. Zero
// amounts are skipped.
func (b *Batch) Transfer(typ JournalType, debit, credit AccountKey, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	idx := strconv.Itoa(len(b.Journals))
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(b.BatchID, []byte(idx)),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Currency:      debit.Currency,
		Amount:        new(uint256.Int).Set(amount),
		JournalType:   typ,
		Timestamp:     b.Timestamp,
	})
}

// Validate checks that every entry is a well-formed transfer. Each entry
// balances by construction, so a valid batch sums to zero per currency.
func (b *Batch) Validate() error {
	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.IsZero() {
			return fmt.Errorf("journal %s has zero amount", j.JournalID)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Currency != j.CreditAccount.Currency || j.Currency != j.DebitAccount.Currency {
			return fmt.Errorf("journal %s mixes currencies", j.JournalID)
		}
	}
	return nil
}
