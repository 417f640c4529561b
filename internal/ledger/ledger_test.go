package ledger_test

import (
	"testing"

	"TickBook/internal/ledger"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	usdc  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	weth  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func positionKey() order.PositionKey {
	return order.PositionID{BaseID: order.BaseID{BottomTick: 120, TopTick: 180, Side: order.SideToken0}}.Key()
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	user := ledger.NewUserAccountKey(alice, usdc)
	if got, want := user.AccountPath(), "user:"+alice.Hex()+":"+usdc.Hex(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	treasury := ledger.NewSystemAccountKey(ledger.SystemTreasury, usdc)
	if got, want := treasury.AccountPath(), "system:treasury:"+usdc.Hex(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	amm := ledger.NewAMMAccountKey(weth)
	if got, want := amm.AccountPath(), "external:amm:"+weth.Hex(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	pos := ledger.NewPositionAccountKey(positionKey(), usdc)
	if got, want := pos.AccountPath(), "position:"+positionKey().String()+":"+usdc.Hex(); got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_TransferSkipsZeroAndIsDeterministic(t *testing.T) {
	a := ledger.NewBatch("evt-1", 7, 100)
	a.Transfer(ledger.JournalTypeOrderDeposit, ledger.NewAMMAccountKey(usdc), ledger.NewUserAccountKey(alice, usdc), uint256.NewInt(50))
	a.Transfer(ledger.JournalTypeOrderDeposit, ledger.NewAMMAccountKey(weth), ledger.NewUserAccountKey(alice, weth), uint256.NewInt(0))

	if len(a.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(a.Journals))
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	b := ledger.NewBatch("evt-1", 7, 100)
	b.Transfer(ledger.JournalTypeOrderDeposit, ledger.NewAMMAccountKey(usdc), ledger.NewUserAccountKey(alice, usdc), uint256.NewInt(50))
	if a.BatchID != b.BatchID || a.Journals[0].JournalID != b.Journals[0].JournalID {
		t.Fatal("ids must be derived from the event reference")
	}
}

func TestBatch_RejectsSelfTransferAndMixedCurrency(t *testing.T) {
	b := ledger.NewBatch("evt-2", 1, 1)
	key := ledger.NewUserAccountKey(alice, usdc)
	b.Transfer(ledger.JournalTypeRedirect, key, key, uint256.NewInt(1))
	if err := b.Validate(); err == nil {
		t.Fatal("self transfer must be rejected")
	}

	b = ledger.NewBatch("evt-3", 1, 1)
	b.Transfer(ledger.JournalTypeRedirect, ledger.NewUserAccountKey(alice, usdc), ledger.NewAMMAccountKey(weth), uint256.NewInt(1))
	if err := b.Validate(); err == nil {
		t.Fatal("mixed currency must be rejected")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_OrderLifecycleConserves(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	pos := positionKey()

	create := ledger.NewBatch("create", 0, 0)
	create.Transfer(ledger.JournalTypeOrderDeposit, ledger.NewAMMAccountKey(usdc), ledger.NewUserAccountKey(alice, usdc), uint256.NewInt(1_000))

	execute := ledger.NewBatch("execute", 1, 1)
	execute.Transfer(ledger.JournalTypeExecutionBurn, ledger.NewPositionAccountKey(pos, weth), ledger.NewAMMAccountKey(weth), uint256.NewInt(990))
	execute.Transfer(ledger.JournalTypeFeeCollect, ledger.NewPositionAccountKey(pos, weth), ledger.NewAMMAccountKey(weth), uint256.NewInt(10))

	claim := ledger.NewBatch("claim", 2, 2)
	claim.Transfer(ledger.JournalTypeClaimPrincipal, ledger.NewUserAccountKey(alice, weth), ledger.NewPositionAccountKey(pos, weth), uint256.NewInt(990))
	claim.Transfer(ledger.JournalTypeClaimFees, ledger.NewUserAccountKey(alice, weth), ledger.NewPositionAccountKey(pos, weth), uint256.NewInt(9))
	claim.Transfer(ledger.JournalTypeTreasuryFee, ledger.NewSystemAccountKey(ledger.SystemTreasury, weth), ledger.NewPositionAccountKey(pos, weth), uint256.NewInt(1))

	for _, b := range []*ledger.Batch{create, execute, claim} {
		if err := bt.ApplyBatch(b); err != nil {
			t.Fatalf("apply %s: %v", b.EventRef, err)
		}
		if err := v.ValidateBatchAccounts(b); err != nil {
			t.Fatalf("accounts after %s: %v", b.EventRef, err)
		}
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Fatalf("ledger must be zero-sum: %v", err)
	}
	if got := bt.GetBalance(ledger.NewPositionAccountKey(pos, weth)); got.Sign() != 0 {
		t.Errorf("position must be drained, has %s", got)
	}
	if got := bt.GetBalance(ledger.NewUserAccountKey(alice, weth)).Int64(); got != 999 {
		t.Errorf("user weth: got %d, want 999", got)
	}
}

func TestValidator_DetectsOverdraftOfPosition(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	pos := positionKey()

	b := ledger.NewBatch("overdraft", 0, 0)
	b.Transfer(ledger.JournalTypeClaimPrincipal, ledger.NewUserAccountKey(alice, usdc), ledger.NewPositionAccountKey(pos, usdc), uint256.NewInt(1))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := v.ValidateBatchAccounts(b); err == nil {
		t.Fatal("paying out of an empty position must be flagged")
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	b := ledger.NewBatch("x", 0, 0)
	b.Transfer(ledger.JournalTypeOrderDeposit, ledger.NewAMMAccountKey(usdc), ledger.NewUserAccountKey(alice, usdc), uint256.NewInt(42))
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if got := restored.GetBalance(ledger.NewUserAccountKey(alice, usdc)).Int64(); got != -42 {
		t.Errorf("got %d, want -42", got)
	}
	if len(restored.Snapshot()) != 2 {
		t.Errorf("expected 2 accounts, got %d", len(restored.Snapshot()))
	}
}
