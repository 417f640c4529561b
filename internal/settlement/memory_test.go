package settlement_test

import (
	"errors"
	"math/big"
	"testing"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"
	"TickBook/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	token0 = common.HexToAddress("0x1000")
	token1 = common.HexToAddress("0x2000")
	engine = common.HexToAddress("0xe0")
	user   = common.HexToAddress("0xa11ce")
	trader = common.HexToAddress("0x7")
)

func newPool(t *testing.T, tick int32, opts ...settlement.MemoryOption) (*settlement.MemoryCore, order.PoolKey) {
	t.Helper()
	c := settlement.NewMemoryCore(opts...)
	key := order.PoolKey{Currency0: token0, Currency1: token1, Fee: 3000, TickSpacing: 60, Hooks: common.HexToAddress("0x40")}
	require.NoError(t, c.Initialize(key, tick))
	return c, key
}

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

// mint adds liquidity for token0 in [120,180] paid by user.
func mint(t *testing.T, c *settlement.MemoryCore, key order.PoolKey, liquidity uint64) *uint256.Int {
	t.Helper()
	var paid *uint256.Int
	err := c.Unlock(engine, func(w settlement.Window) error {
		callerDelta, _, err := w.ModifyLiquidity(key, settlement.ModifyLiquidityParams{
			TickLower: 120, TickUpper: 180, LiquidityDelta: new(big.Int).SetUint64(liquidity),
		})
		if err != nil {
			return err
		}
		paid = callerDelta.Negative().Get(0)
		return w.Settle(token0, user, paid)
	})
	require.NoError(t, err)
	return paid
}

// ============================================================================
// Test: window atomicity
// ============================================================================

func TestUnlock_ErrorRollsBackEverything(t *testing.T) {
	c, key := newPool(t, 0)
	c.Fund(user, token0, u(1_000_000))

	boom := errors.New("boom")
	err := c.Unlock(engine, func(w settlement.Window) error {
		if _, _, err := w.ModifyLiquidity(key, settlement.ModifyLiquidityParams{
			TickLower: 120, TickUpper: 180, LiquidityDelta: big.NewInt(1_000_000),
		}); err != nil {
			return err
		}
		if err := w.Settle(token0, user, u(500)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, uint64(1_000_000), c.Balance(user, token0).Uint64())
	require.True(t, c.Reserves(token0).IsZero())
	require.True(t, c.PositionLiquidity(key.ID(), engine, 120, 180, [32]byte{}).IsZero())
}

func TestUnlock_UnsettledDeltasFail(t *testing.T) {
	c, key := newPool(t, 0)
	err := c.Unlock(engine, func(w settlement.Window) error {
		_, _, err := w.ModifyLiquidity(key, settlement.ModifyLiquidityParams{
			TickLower: 120, TickUpper: 180, LiquidityDelta: big.NewInt(1_000),
		})
		return err
	})
	require.ErrorIs(t, err, settlement.ErrUnsettledDeltas)
	require.True(t, c.PositionLiquidity(key.ID(), engine, 120, 180, [32]byte{}).IsZero())
}

func TestUnlock_WindowUnusableAfterClose(t *testing.T) {
	c, _ := newPool(t, 0)
	var leaked settlement.Window
	require.NoError(t, c.Unlock(engine, func(w settlement.Window) error {
		leaked = w
		return nil
	}))
	require.ErrorIs(t, leaked.MintClaims(token0, u(1)), settlement.ErrWindowClosed)
	_, err := leaked.Tick(order.PoolID{})
	require.ErrorIs(t, err, settlement.ErrWindowClosed)
}

func TestWindow_TickMatchesPool(t *testing.T) {
	c, key := newPool(t, -90)
	require.NoError(t, c.Unlock(engine, func(w settlement.Window) error {
		tick, err := w.Tick(key.ID())
		require.NoError(t, err)
		require.Equal(t, int32(-90), tick)
		_, err = w.Tick(order.PoolID{1})
		require.ErrorIs(t, err, settlement.ErrPoolNotFound)
		return nil
	}))
}

func TestModifyLiquidity_RejectsBadRanges(t *testing.T) {
	c, key := newPool(t, 0)
	err := c.Unlock(engine, func(w settlement.Window) error {
		_, _, err := w.ModifyLiquidity(key, settlement.ModifyLiquidityParams{
			TickLower: 100, TickUpper: 180, LiquidityDelta: big.NewInt(1),
		})
		return err
	})
	require.ErrorIs(t, err, settlement.ErrInvalidTickRange)

	err = c.Unlock(engine, func(w settlement.Window) error {
		_, _, err := w.ModifyLiquidity(key, settlement.ModifyLiquidityParams{
			TickLower: 120, TickUpper: 180, LiquidityDelta: big.NewInt(-1),
		})
		return err
	})
	require.ErrorIs(t, err, settlement.ErrInsufficientLiquidity)
}

// ============================================================================
// Test: mint, burn, claims
// ============================================================================

func TestMintBurn_PoolNeverPaysMoreThanReceived(t *testing.T) {
	c, key := newPool(t, 0)
	c.Fund(user, token0, u(10_000_000))
	paid := mint(t, c, key, 1_000_000)
	require.False(t, paid.IsZero())

	var returned *uint256.Int
	err := c.Unlock(engine, func(w settlement.Window) error {
		callerDelta, feeDelta, err := w.ModifyLiquidity(key, settlement.ModifyLiquidityParams{
			TickLower: 120, TickUpper: 180, LiquidityDelta: big.NewInt(-1_000_000),
		})
		if err != nil {
			return err
		}
		require.True(t, feeDelta.IsZero())
		returned = callerDelta.Positive().Get(0)
		return w.Take(token0, user, returned)
	})
	require.NoError(t, err)
	require.True(t, returned.Cmp(paid) <= 0)
	require.True(t, new(uint256.Int).Sub(paid, returned).Uint64() <= 1)
}

func TestClaims_MintAndBurn(t *testing.T) {
	c, _ := newPool(t, 0)
	c.Fund(user, token1, u(100))

	require.NoError(t, c.Unlock(engine, func(w settlement.Window) error {
		if err := w.Settle(token1, user, u(100)); err != nil {
			return err
		}
		return w.MintClaims(token1, u(100))
	}))
	require.Equal(t, uint64(100), c.Claims(engine, token1).Uint64())

	err := c.Unlock(engine, func(w settlement.Window) error {
		if err := w.BurnClaims(token1, u(101)); err != nil {
			return err
		}
		return w.Take(token1, user, u(101))
	})
	require.ErrorIs(t, err, settlement.ErrInsufficientClaims)

	require.NoError(t, c.Unlock(engine, func(w settlement.Window) error {
		if err := w.BurnClaims(token1, u(60)); err != nil {
			return err
		}
		return w.Take(token1, user, u(60))
	}))
	require.Equal(t, uint64(40), c.Claims(engine, token1).Uint64())
	require.Equal(t, uint64(60), c.Balance(user, token1).Uint64())
}

func TestTake_BlockedRecipientCanBeRedirected(t *testing.T) {
	c, _ := newPool(t, 0)
	treasury := common.HexToAddress("0x7ea")
	c.Fund(user, token0, u(50))
	c.BlockRecipient(user, true)

	require.NoError(t, c.Unlock(engine, func(w settlement.Window) error {
		if err := w.Settle(token0, user, u(50)); err != nil {
			return err
		}
		err := w.Take(token0, user, u(50))
		require.ErrorIs(t, err, settlement.ErrDeliveryFailed)
		return w.Take(token0, treasury, u(50))
	}))
	require.Equal(t, uint64(50), c.Balance(treasury, token0).Uint64())
	require.True(t, c.Balance(user, token0).IsZero())
}

// ============================================================================
// Test: swaps
// ============================================================================

type recordingHook struct {
	before, after []int32
	err           error
}

func (h *recordingHook) BeforeSwap(_ order.PoolKey, tick int32) { h.before = append(h.before, tick) }

func (h *recordingHook) AfterSwap(_ order.PoolKey, tick int32) error {
	h.after = append(h.after, tick)
	return h.err
}

func TestSwap_CrossesPositionAndPaysFees(t *testing.T) {
	c, key := newPool(t, 0, settlement.WithSwapFunding())
	c.Fund(user, token0, u(10_000_000))
	mint(t, c, key, 1_000_000)

	hook := &recordingHook{err: errors.New("hook failed")}
	c.SetHook(key.ID(), hook)

	res, err := c.Swap(settlement.SwapParams{
		Pool: key.ID(), Trader: trader, TargetTick: 240, Fee0: u(0), Fee1: u(30),
	})
	require.NoError(t, err)
	require.Equal(t, int32(0), res.TickBefore)
	require.Equal(t, int32(240), res.TickAfter)
	require.Equal(t, []int32{0}, hook.before)
	require.Equal(t, []int32{240}, hook.after)
	require.Error(t, res.HookErr)

	tick, err := c.CurrentTick(key.ID())
	require.NoError(t, err)
	require.Equal(t, int32(240), tick, "hook failure must not undo the swap")

	expected, err := fpmath.AmountsForLiquidity(240, 120, 180, u(1_000_000), false)
	require.NoError(t, err)

	require.NoError(t, c.Unlock(engine, func(w settlement.Window) error {
		callerDelta, feeDelta, err := w.ModifyLiquidity(key, settlement.ModifyLiquidityParams{
			TickLower: 120, TickUpper: 180, LiquidityDelta: big.NewInt(-1_000_000),
		})
		if err != nil {
			return err
		}
		require.Equal(t, uint64(30), feeDelta.Positive().Get(1).Uint64())
		got := callerDelta.Positive()
		require.True(t, got.Get(0).IsZero())
		require.Equal(t, new(uint256.Int).Add(expected.Get(1), u(30)), got.Get(1))
		return w.MintClaims(token1, got.Get(1))
	}))
}

func TestSwap_NoFeesWithoutTouchedLiquidity(t *testing.T) {
	c, key := newPool(t, 0, settlement.WithSwapFunding())
	res, err := c.Swap(settlement.SwapParams{Pool: key.ID(), Trader: trader, TargetTick: -600, Fee0: u(10)})
	require.NoError(t, err)
	require.True(t, res.FeesCharged.IsZero())
	require.True(t, res.TraderDelta.IsZero())
}

func TestSwap_UnfundedTraderFails(t *testing.T) {
	c, key := newPool(t, 0)
	c.Fund(user, token0, u(10_000_000))
	mint(t, c, key, 1_000_000)

	_, err := c.Swap(settlement.SwapParams{Pool: key.ID(), Trader: trader, TargetTick: 240})
	require.ErrorIs(t, err, settlement.ErrInsufficientFunds)
	tick, _ := c.CurrentTick(key.ID())
	require.Equal(t, int32(0), tick)
}

// ============================================================================
// Test: snapshot
// ============================================================================

func TestMemorySnapshot_RoundTrip(t *testing.T) {
	c, key := newPool(t, 0, settlement.WithSwapFunding())
	c.Fund(user, token0, u(10_000_000))
	mint(t, c, key, 1_000_000)
	_, err := c.Swap(settlement.SwapParams{Pool: key.ID(), Trader: trader, TargetTick: 150, Fee0: u(7), Fee1: u(9)})
	require.NoError(t, err)

	snap := c.Export()
	restored := settlement.NewMemoryCore()
	require.NoError(t, restored.Restore(snap))
	require.Equal(t, snap, restored.Export())

	tick, err := restored.CurrentTick(key.ID())
	require.NoError(t, err)
	require.Equal(t, int32(150), tick)
	require.Equal(t, c.PositionLiquidity(key.ID(), engine, 120, 180, [32]byte{}),
		restored.PositionLiquidity(key.ID(), engine, 120, 180, [32]byte{}))
}
