package math

import (
	"errors"
	gomath "math"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// SkewMode selects how scale order sizes grow from the lower to the upper order.
type SkewMode int32

const (
	SkewGeometric SkewMode = iota
	SkewLinear
)

var ErrBadSkew = errors.New("skew must be positive")

// weightPrecision is the number of decimal places kept in scale weights.
const weightPrecision = 18

// DistributeSkewed splits total into count sizes so that the ratio between
// the last and the first size is skew. A skew of 1 gives equal sizes. Sizes
// are rounded down and the last one absorbs the remainder, so the sizes
// always sum to total.
func DistributeSkewed(total *uint256.Int, count int, skew decimal.Decimal, mode SkewMode) ([]*uint256.Int, error) {
	if count <= 0 {
		return nil, errors.New("count must be positive")
	}
	if !skew.IsPositive() {
		return nil, ErrBadSkew
	}
	if count == 1 {
		return []*uint256.Int{new(uint256.Int).Set(total)}, nil
	}

	weights := make([]decimal.Decimal, count)
	switch mode {
	case SkewLinear:
		step := skew.Sub(decimal.NewFromInt(1)).Div(decimal.NewFromInt(int64(count - 1)))
		for i := range weights {
			weights[i] = decimal.NewFromInt(1).Add(step.Mul(decimal.NewFromInt(int64(i))))
		}
	default:
		ratio := decimal.NewFromFloat(gomath.Pow(skew.InexactFloat64(), 1/float64(count-1)))
		w := decimal.NewFromInt(1)
		for i := range weights {
			weights[i] = w
			w = w.Mul(ratio).Round(weightPrecision)
		}
	}

	sum := decimal.Zero
	for _, w := range weights {
		sum = sum.Add(w)
	}

	totalDec := decimal.NewFromBigInt(total.ToBig(), 0)
	sizes := make([]*uint256.Int, count)
	allocated := new(uint256.Int)
	for i := 0; i < count-1; i++ {
		share := totalDec.Mul(weights[i]).DivRound(sum, weightPrecision).Floor()
		size, overflow := uint256.FromBig(share.BigInt())
		if overflow {
			return nil, ErrOverflow
		}
		sizes[i] = size
		allocated.Add(allocated, size)
	}
	if allocated.Gt(total) {
		return nil, ErrOverflow
	}
	sizes[count-1] = new(uint256.Int).Sub(total, allocated)
	return sizes, nil
}
