package math

import (
	"errors"
	gomath "math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	MinTick int32 = -887272
	MaxTick int32 = 887272
)

var (
	ErrTickOutOfBounds = errors.New("tick out of bounds")
	ErrBadRange        = errors.New("bottom tick must be below top tick")
	ErrLiquidityBounds = errors.New("liquidity exceeds uint128")
)

// sqrt(1.0001^(2^i)) in Q128.128 for i in 0..19, then the rounding mask.
var ratioConstants = [22]*uint256.Int{
	uint256.MustFromHex("0xfffcb933bd6fad37aa2d162d1a594001"),
	uint256.MustFromHex("0x100000000000000000000000000000000"),
	uint256.MustFromHex("0xfff97272373d413259a46990580e213a"),
	uint256.MustFromHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
	uint256.MustFromHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
	uint256.MustFromHex("0xffcb9843d60f6159c9db58835c926644"),
	uint256.MustFromHex("0xff973b41fa98c081472e6896dfb254c0"),
	uint256.MustFromHex("0xff2ea16466c96a3843ec78b326b52861"),
	uint256.MustFromHex("0xfe5dee046a99a2a811c461f1969c3053"),
	uint256.MustFromHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
	uint256.MustFromHex("0xf987a7253ac413176f2b074cf7815e54"),
	uint256.MustFromHex("0xf3392b0822b70005940c7a398e4b70f3"),
	uint256.MustFromHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
	uint256.MustFromHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
	uint256.MustFromHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
	uint256.MustFromHex("0x70d869a156d2a1b890bb3df62baf32f7"),
	uint256.MustFromHex("0x31be135f97d08fd981231505542fcfa6"),
	uint256.MustFromHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
	uint256.MustFromHex("0x5d6af8dedb81196699c329225ee604"),
	uint256.MustFromHex("0x2216e584f5fa1ea926041bedfe98"),
	uint256.MustFromHex("0x48a170391f7dc42444e8fa2"),
	uint256.MustFromHex("0xffffffff"),
}

var maxUint128 = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// SqrtRatioAtTick returns sqrt(1.0001^tick) * 2^96.
func SqrtRatioAtTick(tick int32) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrTickOutOfBounds
	}

	absTick := int64(tick)
	if absTick < 0 {
		absTick = -absTick
	}

	ratio := new(uint256.Int)
	if absTick&0x1 != 0 {
		ratio.Set(ratioConstants[0])
	} else {
		ratio.Set(ratioConstants[1])
	}
	for i := 2; i < 21; i++ {
		if absTick&(1<<(i-1)) != 0 {
			ratio.Mul(ratio, ratioConstants[i]).Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(maxUint256, ratio)
	}

	// Q128.128 -> Q64.96, rounding up
	rem := new(uint256.Int).And(ratio, ratioConstants[21])
	ratio.Rsh(ratio, 32)
	if !rem.IsZero() {
		ratio.AddUint64(ratio, 1)
	}
	return ratio, nil
}

// Amount0Delta is liquidity * (sqrtB - sqrtA) / (sqrtA * sqrtB) in token0 units.
func Amount0Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	if sqrtA.IsZero() {
		return nil, ErrDivideByZero
	}
	numerator1 := new(uint256.Int).Lsh(liquidity, 96)
	numerator2 := new(uint256.Int).Sub(sqrtB, sqrtA)

	mode := RoundDown
	if roundUp {
		mode = RoundUp
	}
	z, err := MulDiv(numerator1, numerator2, sqrtB, mode)
	if err != nil {
		return nil, err
	}
	if !roundUp {
		return z.Div(z, sqrtA), nil
	}
	q, r := new(uint256.Int).DivMod(z, sqrtA, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q, nil
}

// Amount1Delta is liquidity * (sqrtB - sqrtA) in token1 units.
func Amount1Delta(sqrtA, sqrtB, liquidity *uint256.Int, roundUp bool) (*uint256.Int, error) {
	if sqrtA.Gt(sqrtB) {
		sqrtA, sqrtB = sqrtB, sqrtA
	}
	mode := RoundDown
	if roundUp {
		mode = RoundUp
	}
	return MulDiv(liquidity, new(uint256.Int).Sub(sqrtB, sqrtA), Q96, mode)
}

// LiquidityForAmount0 is the liquidity a token0-only deposit buys in [bottom, top].
func LiquidityForAmount0(bottom, top int32, amount0 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB, err := rangeRatios(bottom, top)
	if err != nil {
		return nil, err
	}
	intermediate, err := MulDiv(sqrtA, sqrtB, Q96, RoundDown)
	if err != nil {
		return nil, err
	}
	l, err := MulDiv(amount0, intermediate, new(uint256.Int).Sub(sqrtB, sqrtA), RoundDown)
	if err != nil {
		return nil, err
	}
	if l.Gt(maxUint128) {
		return nil, ErrLiquidityBounds
	}
	return l, nil
}

// LiquidityForAmount1 is the liquidity a token1-only deposit buys in [bottom, top].
func LiquidityForAmount1(bottom, top int32, amount1 *uint256.Int) (*uint256.Int, error) {
	sqrtA, sqrtB, err := rangeRatios(bottom, top)
	if err != nil {
		return nil, err
	}
	l, err := MulDiv(amount1, Q96, new(uint256.Int).Sub(sqrtB, sqrtA), RoundDown)
	if err != nil {
		return nil, err
	}
	if l.Gt(maxUint128) {
		return nil, ErrLiquidityBounds
	}
	return l, nil
}

// AmountsForLiquidity returns the token amounts backing liquidity in
// [bottom, top] when the pool sits at currentTick.
func AmountsForLiquidity(currentTick, bottom, top int32, liquidity *uint256.Int, roundUp bool) (Pair, error) {
	sqrtA, sqrtB, err := rangeRatios(bottom, top)
	if err != nil {
		return Pair{}, err
	}
	out := NewPair()
	switch {
	case currentTick < bottom:
		out.Amount0, err = Amount0Delta(sqrtA, sqrtB, liquidity, roundUp)
	case currentTick < top:
		sqrtP, perr := SqrtRatioAtTick(currentTick)
		if perr != nil {
			return Pair{}, perr
		}
		if out.Amount0, err = Amount0Delta(sqrtP, sqrtB, liquidity, roundUp); err != nil {
			return Pair{}, err
		}
		out.Amount1, err = Amount1Delta(sqrtA, sqrtP, liquidity, roundUp)
	default:
		out.Amount1, err = Amount1Delta(sqrtA, sqrtB, liquidity, roundUp)
	}
	if err != nil {
		return Pair{}, err
	}
	return out, nil
}

func rangeRatios(bottom, top int32) (*uint256.Int, *uint256.Int, error) {
	if bottom >= top {
		return nil, nil, ErrBadRange
	}
	sqrtA, err := SqrtRatioAtTick(bottom)
	if err != nil {
		return nil, nil, err
	}
	sqrtB, err := SqrtRatioAtTick(top)
	if err != nil {
		return nil, nil, err
	}
	return sqrtA, sqrtB, nil
}

// FloorToSpacing rounds tick toward negative infinity onto the spacing grid.
func FloorToSpacing(tick, spacing int32) int32 {
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	return q * spacing
}

// CeilToSpacing rounds tick toward positive infinity onto the spacing grid.
func CeilToSpacing(tick, spacing int32) int32 {
	f := FloorToSpacing(tick, spacing)
	if f == tick {
		return f
	}
	return f + spacing
}

// MinUsableTick and MaxUsableTick bound aligned ticks for a spacing.
func MinUsableTick(spacing int32) int32 { return CeilToSpacing(MinTick, spacing) }
func MaxUsableTick(spacing int32) int32 { return FloorToSpacing(MaxTick, spacing) }

// PriceAtTick returns token1-per-token0 price 1.0001^tick.
func PriceAtTick(tick int32) decimal.Decimal {
	return decimal.NewFromFloat(gomath.Pow(1.0001, float64(tick)))
}

// TickForPrice returns the largest tick whose price does not exceed price.
func TickForPrice(price decimal.Decimal) (int32, error) {
	if !price.IsPositive() {
		return 0, ErrTickOutOfBounds
	}
	t := gomath.Floor(gomath.Log(price.InexactFloat64()) / gomath.Log(1.0001))
	if t < float64(MinTick) || t > float64(MaxTick) {
		return 0, ErrTickOutOfBounds
	}
	return int32(t), nil
}
