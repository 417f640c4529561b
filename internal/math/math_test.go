package math_test

import (
	fpmath "TickBook/internal/math"
	"testing"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: tick math reference values
// ============================================================================

func TestSqrtRatioAtTick_ReferenceValues(t *testing.T) {
	cases := []struct {
		tick int32
		want string
	}{
		{0, "79228162514264337593543950336"},
		{fpmath.MinTick, "4295128739"},
		{fpmath.MaxTick, "1461446703485210103287273052203988822378723970342"},
	}
	for _, tc := range cases {
		got, err := fpmath.SqrtRatioAtTick(tc.tick)
		require.NoError(t, err)
		require.Equal(t, tc.want, got.Dec(), "tick %d", tc.tick)
	}

	_, err := fpmath.SqrtRatioAtTick(fpmath.MaxTick + 1)
	require.ErrorIs(t, err, fpmath.ErrTickOutOfBounds)
}

func TestSqrtRatioAtTick_Monotonic(t *testing.T) {
	prev, err := fpmath.SqrtRatioAtTick(-600)
	require.NoError(t, err)
	for tick := int32(-540); tick <= 600; tick += 60 {
		cur, err := fpmath.SqrtRatioAtTick(tick)
		require.NoError(t, err)
		if !cur.Gt(prev) {
			t.Fatalf("sqrt ratio not increasing at tick %d", tick)
		}
		prev = cur
	}
}

func TestLiquidityRoundTrip_Token0(t *testing.T) {
	amount := uint256.NewInt(1_000_000_000_000)
	l, err := fpmath.LiquidityForAmount0(120, 180, amount)
	require.NoError(t, err)
	require.False(t, l.IsZero())

	// Minting L below the range must not cost more than the deposit.
	owed, err := fpmath.AmountsForLiquidity(0, 120, 180, l, true)
	require.NoError(t, err)
	require.True(t, owed.Amount1.IsZero())
	require.False(t, owed.Amount0.Gt(amount), "owed %s > deposit %s", owed.Amount0.Dec(), amount.Dec())
}

func TestLiquidityRoundTrip_Token1(t *testing.T) {
	amount := uint256.NewInt(5_000_000_000)
	l, err := fpmath.LiquidityForAmount1(-180, -120, amount)
	require.NoError(t, err)

	owed, err := fpmath.AmountsForLiquidity(0, -180, -120, l, true)
	require.NoError(t, err)
	require.True(t, owed.Amount0.IsZero())
	require.False(t, owed.Amount1.Gt(amount))
}

func TestAmountsForLiquidity_AboveRangeIsToken1(t *testing.T) {
	l := uint256.NewInt(1_000_000_000)
	out, err := fpmath.AmountsForLiquidity(240, 120, 180, l, false)
	require.NoError(t, err)
	require.True(t, out.Amount0.IsZero())
	require.False(t, out.Amount1.IsZero())
}

func TestSpacingAlignment(t *testing.T) {
	require.Equal(t, int32(120), fpmath.FloorToSpacing(179, 60))
	require.Equal(t, int32(180), fpmath.CeilToSpacing(179, 60))
	require.Equal(t, int32(180), fpmath.CeilToSpacing(180, 60))
	require.Equal(t, int32(-60), fpmath.FloorToSpacing(-1, 60))
	require.Equal(t, int32(0), fpmath.CeilToSpacing(-1, 60))
	require.Equal(t, int32(-887220), fpmath.MinUsableTick(60))
	require.Equal(t, int32(887220), fpmath.MaxUsableTick(60))
}

// ============================================================================
// Test: fixed point helpers
// ============================================================================

func TestMulDivRounding(t *testing.T) {
	down, err := fpmath.MulDiv(uint256.NewInt(10), uint256.NewInt(10), uint256.NewInt(3), fpmath.RoundDown)
	require.NoError(t, err)
	require.Equal(t, uint64(33), down.Uint64())

	up, err := fpmath.MulDiv(uint256.NewInt(10), uint256.NewInt(10), uint256.NewInt(3), fpmath.RoundUp)
	require.NoError(t, err)
	require.Equal(t, uint64(34), up.Uint64())

	_, err = fpmath.MulDiv(uint256.NewInt(1), uint256.NewInt(1), new(uint256.Int), fpmath.RoundDown)
	require.ErrorIs(t, err, fpmath.ErrDivideByZero)
}

func TestBpsOf(t *testing.T) {
	require.Equal(t, uint64(250), fpmath.BpsOf(uint256.NewInt(10_000), 250).Uint64())
	require.Equal(t, uint64(0), fpmath.BpsOf(uint256.NewInt(39), 250).Uint64())
	require.True(t, fpmath.BpsOf(uint256.NewInt(1000), 0).IsZero())
}

// ============================================================================
// Test: scale order distribution
// ============================================================================

func TestDistributeSkewed(t *testing.T) {
	cases := []struct {
		name  string
		total uint64
		count int
		skew  string
		mode  fpmath.SkewMode
		want  []uint64
	}{
		{"flat", 90, 3, "1", fpmath.SkewGeometric, []uint64{30, 30, 30}},
		{"geometric", 100, 3, "4", fpmath.SkewGeometric, []uint64{14, 28, 58}},
		{"linear", 100, 3, "2", fpmath.SkewLinear, []uint64{22, 33, 45}},
		{"single", 7, 1, "3", fpmath.SkewLinear, []uint64{7}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sizes, err := fpmath.DistributeSkewed(uint256.NewInt(tc.total), tc.count, decimal.RequireFromString(tc.skew), tc.mode)
			require.NoError(t, err)
			require.Len(t, sizes, len(tc.want))
			sum := uint64(0)
			for i, s := range sizes {
				require.Equal(t, tc.want[i], s.Uint64(), "size %d", i)
				sum += s.Uint64()
			}
			require.Equal(t, tc.total, sum)
		})
	}
}

func TestDistributeSkewed_RejectsBadInput(t *testing.T) {
	_, err := fpmath.DistributeSkewed(uint256.NewInt(10), 3, decimal.Zero, fpmath.SkewLinear)
	require.ErrorIs(t, err, fpmath.ErrBadSkew)

	_, err = fpmath.DistributeSkewed(uint256.NewInt(10), 0, decimal.NewFromInt(1), fpmath.SkewLinear)
	require.Error(t, err)
}

func TestTickForPrice(t *testing.T) {
	tick, err := fpmath.TickForPrice(decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, int32(0), tick)

	tick, err = fpmath.TickForPrice(fpmath.PriceAtTick(6931).Add(decimal.RequireFromString("0.0000001")))
	require.NoError(t, err)
	require.Equal(t, int32(6931), tick)
}
