package state_test

import (
	"testing"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"
	"TickBook/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func base0() order.BaseID {
	return order.BaseID{BottomTick: 120, TopTick: 180, Side: order.SideToken0}
}

func liq(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ============================================================================
// Test: registry lifecycle
// ============================================================================

func TestRegistry_OpenRegistersTick(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	require.Equal(t, uint64(0), id.Nonce)

	p, u, err := r.OpenOrIncrease(id, alice, liq(1000))
	require.NoError(t, err)
	require.True(t, p.Active)
	require.Equal(t, uint64(1000), p.TotalLiquidity.Uint64())
	require.Equal(t, uint64(1000), u.Liquidity.Uint64())

	mapped, ok := r.Index().Lookup(order.SideToken0, 180)
	require.True(t, ok)
	require.Equal(t, id, mapped)
}

func TestRegistry_RejectsZeroLiquidity(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(id, alice, liq(0))
	require.ErrorIs(t, err, state.ErrZeroLiquidity)
	require.Equal(t, 0, r.Len())
}

func TestRegistry_RemoveUnknownIsNothingToAct(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	require.ErrorIs(t, r.RemoveContribution(id, alice), state.ErrNothingToAct)
}

func TestRegistry_CloseBumpsNonce(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(id, alice, liq(1000))
	require.NoError(t, err)

	require.NoError(t, r.Close(id, fpmath.PairOf(0, 500)))
	p, _ := r.Position(id)
	require.False(t, p.Active)
	require.True(t, p.Executed)
	_, ok := r.Index().Lookup(order.SideToken0, 180)
	require.False(t, ok)

	next := r.DerivePositionID(base0())
	require.Equal(t, uint64(1), next.Nonce)
	require.NotEqual(t, id.Key(), next.Key())

	// stale identity can no longer receive liquidity
	_, _, err = r.OpenOrIncrease(id, bob, liq(10))
	require.Error(t, err)
}

// ============================================================================
// Test: nonce isolation
// ============================================================================

func TestRegistry_NonceIsolation(t *testing.T) {
	r := state.NewRegistry(60)
	first := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(first, alice, liq(1000))
	require.NoError(t, err)
	r.Accrue(first, fpmath.PairOf(1_000, 0))
	require.NoError(t, r.Close(first, fpmath.PairOf(0, 900)))

	second := r.DerivePositionID(base0())
	p, u, err := r.OpenOrIncrease(second, alice, liq(1000))
	require.NoError(t, err)
	require.True(t, p.FeePerLiquidity.IsZero())
	require.True(t, u.Fees.IsZero())
	require.True(t, u.ClaimablePrincipal.IsZero())

	// predecessor's unclaimed state is untouched
	old, ok := r.Position(first)
	require.True(t, ok)
	require.Equal(t, uint64(900), old.Principal.Get(1).Uint64())
	oldUser, ok := r.User(first, alice)
	require.True(t, ok)
	require.Equal(t, uint64(1_000), state.PendingFees(old, oldUser).Get(0).Uint64())
}

// ============================================================================
// Test: fee fairness
// ============================================================================

func TestFeeFairness_IndependentOfTouchOrder(t *testing.T) {
	for _, touches := range [][]common.Address{{alice, bob}, {bob, alice}} {
		r := state.NewRegistry(60)
		id := r.DerivePositionID(base0())
		_, _, err := r.OpenOrIncrease(id, alice, liq(3_000))
		require.NoError(t, err)
		_, _, err = r.OpenOrIncrease(id, bob, liq(1_000))
		require.NoError(t, err)

		r.Accrue(id, fpmath.PairOf(4_000, 8_000))

		p, _ := r.Position(id)
		got := map[common.Address]fpmath.Pair{}
		for _, who := range touches {
			u, _ := r.User(id, who)
			state.Realize(p, u)
			got[who] = u.Fees
		}
		require.Equal(t, uint64(3_000), got[alice].Get(0).Uint64())
		require.Equal(t, uint64(6_000), got[alice].Get(1).Uint64())
		require.Equal(t, uint64(1_000), got[bob].Get(0).Uint64())
		require.Equal(t, uint64(2_000), got[bob].Get(1).Uint64())
	}
}

func TestFeeFairness_LateJoinerEarnsOnlyAfterJoining(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(id, alice, liq(1_000))
	require.NoError(t, err)
	r.Accrue(id, fpmath.PairOf(500, 0))

	_, _, err = r.OpenOrIncrease(id, bob, liq(1_000))
	require.NoError(t, err)
	r.Accrue(id, fpmath.PairOf(500, 0))

	p, _ := r.Position(id)
	a, _ := r.User(id, alice)
	b, _ := r.User(id, bob)
	state.Realize(p, a)
	state.Realize(p, b)
	require.Equal(t, uint64(750), a.Fees.Get(0).Uint64())
	require.Equal(t, uint64(250), b.Fees.Get(0).Uint64())
}

func TestRealize_Idempotent(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	_, u, err := r.OpenOrIncrease(id, alice, liq(7))
	require.NoError(t, err)
	r.Accrue(id, fpmath.PairOf(10, 0))

	p, _ := r.Position(id)
	first := state.Realize(p, u)
	second := state.Realize(p, u)
	// floor rounding leaves dust behind
	require.LessOrEqual(t, first.Get(0).Uint64(), uint64(10))
	require.GreaterOrEqual(t, first.Get(0).Uint64(), uint64(9))
	require.True(t, second.IsZero())
}

func TestAccrue_DroppedWithoutLiquidity(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	r.Accrue(id, fpmath.PairOf(10, 10)) // unknown position: no-op
	require.Equal(t, 0, r.Len())
}

// ============================================================================
// Test: principal split
// ============================================================================

func TestSettleShare_LastClaimerTakesRemainder(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(id, alice, liq(1))
	require.NoError(t, err)
	_, _, err = r.OpenOrIncrease(id, bob, liq(2))
	require.NoError(t, err)
	require.NoError(t, r.Close(id, fpmath.PairOf(0, 100)))

	require.NoError(t, r.SettleShare(id, alice))
	require.NoError(t, r.SettleShare(id, bob))

	a, _ := r.User(id, alice)
	b, _ := r.User(id, bob)
	require.Equal(t, uint64(33), a.ClaimablePrincipal.Get(1).Uint64())
	require.Equal(t, uint64(67), b.ClaimablePrincipal.Get(1).Uint64())

	p, _ := r.Position(id)
	require.True(t, p.Principal.IsZero())
	require.True(t, p.TotalLiquidity.IsZero())
}

func TestWithdraw_LastContributorDeactivates(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(id, alice, liq(10))
	require.NoError(t, err)
	_, _, err = r.OpenOrIncrease(id, bob, liq(10))
	require.NoError(t, err)

	removed, err := r.Withdraw(id, alice, fpmath.PairOf(5, 0))
	require.NoError(t, err)
	require.Equal(t, uint64(10), removed.Uint64())
	p, _ := r.Position(id)
	require.True(t, p.Active)

	_, err = r.Withdraw(id, alice, fpmath.PairOf(5, 0))
	require.ErrorIs(t, err, state.ErrNothingToAct)

	_, err = r.Withdraw(id, bob, fpmath.PairOf(5, 0))
	require.NoError(t, err)
	require.False(t, p.Active)
	require.Equal(t, uint64(1), r.DerivePositionID(base0()).Nonce)

	require.NoError(t, r.RemoveContribution(id, alice))
	require.NoError(t, r.RemoveContribution(id, bob))
	require.Equal(t, 0, r.Len())
}

// ============================================================================
// Test: snapshot
// ============================================================================

func TestRegistrySnapshot_RoundTripRebuildsIndex(t *testing.T) {
	r := state.NewRegistry(60)
	open := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(open, alice, liq(1_000))
	require.NoError(t, err)
	r.Accrue(open, fpmath.PairOf(77, 3))

	closedBase := order.BaseID{BottomTick: -120, TopTick: -60, Side: order.SideToken1}
	closed := r.DerivePositionID(closedBase)
	_, _, err = r.OpenOrIncrease(closed, bob, liq(500))
	require.NoError(t, err)
	require.NoError(t, r.Close(closed, fpmath.PairOf(42, 0)))

	restored, err := state.RestoreRegistry(r.Export())
	require.NoError(t, err)
	require.Equal(t, r.Export(), restored.Export())

	mapped, ok := restored.Index().Lookup(order.SideToken0, 180)
	require.True(t, ok)
	require.Equal(t, open, mapped)
	_, ok = restored.Index().Lookup(order.SideToken1, -120)
	require.False(t, ok)
	require.Equal(t, uint64(1), restored.Nonce(closedBase))
}

// ============================================================================
// Test: transaction rollback
// ============================================================================

func TestRegistry_RollbackRestoresTouchedState(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())
	_, _, err := r.OpenOrIncrease(id, alice, liq(1_000))
	require.NoError(t, err)
	before := r.Export()

	r.Begin()
	r.Accrue(id, fpmath.PairOf(500, 0))
	_, _, err = r.OpenOrIncrease(id, bob, liq(1_000))
	require.NoError(t, err)
	require.NoError(t, r.Close(id, fpmath.PairOf(0, 900)))

	other := r.DerivePositionID(order.BaseID{BottomTick: -120, TopTick: -60, Side: order.SideToken1})
	_, _, err = r.OpenOrIncrease(other, bob, liq(10))
	require.NoError(t, err)
	r.Rollback()

	require.Equal(t, before, r.Export())
	mapped, ok := r.Index().Lookup(order.SideToken0, 180)
	require.True(t, ok)
	require.Equal(t, id, mapped)
	_, ok = r.Index().Lookup(order.SideToken1, -120)
	require.False(t, ok)
	require.Equal(t, uint64(0), r.DerivePositionID(base0()).Nonce)
}

func TestRegistry_CommitKeepsChanges(t *testing.T) {
	r := state.NewRegistry(60)
	id := r.DerivePositionID(base0())

	r.Begin()
	_, _, err := r.OpenOrIncrease(id, alice, liq(1_000))
	require.NoError(t, err)
	r.Commit()
	r.Rollback() // no open transaction: no-op

	require.Equal(t, 1, r.Len())
	_, ok := r.Index().Lookup(order.SideToken0, 180)
	require.True(t, ok)
}
