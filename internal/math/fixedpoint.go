package math

import (
	"errors"

	"github.com/holiman/uint256"
)

// Q128 is the fixed-point scale of fee-per-liquidity accumulators (2^128),
// the same granularity the pool uses for its own fee growth.
var Q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)

// Q96 is the scale of sqrt prices.
var Q96 = new(uint256.Int).Lsh(uint256.NewInt(1), 96)

// BpsDenominator expresses percentages in basis points.
const BpsDenominator = 10_000

var (
	ErrOverflow     = errors.New("fixed point overflow")
	ErrDivideByZero = errors.New("divide by zero")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
)

// MulDiv computes a*b/d with a 512-bit intermediate.
func MulDiv(a, b, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivideByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, ErrOverflow
	}
	if mode == RoundUp && !new(uint256.Int).MulMod(a, b, d).IsZero() {
		if z.Eq(maxUint256) {
			return nil, ErrOverflow
		}
		z.AddUint64(z, 1)
	}
	return z, nil
}

// MustMulDiv panics on overflow. Only for call sites where the operands are
// bounded by construction (shares of an existing amount).
func MustMulDiv(a, b, d *uint256.Int, mode RoundingMode) *uint256.Int {
	z, err := MulDiv(a, b, d, mode)
	if err != nil {
		panic("FATAL: " + err.Error())
	}
	return z
}

// BpsOf returns amount*bps/10_000 rounded down.
func BpsOf(amount *uint256.Int, bps uint16) *uint256.Int {
	if bps == 0 || amount.IsZero() {
		return new(uint256.Int)
	}
	return MustMulDiv(amount, uint256.NewInt(uint64(bps)), uint256.NewInt(BpsDenominator), RoundDown)
}

// Pair is a (token0, token1) amount tuple.
type Pair struct {
	Amount0 *uint256.Int
	Amount1 *uint256.Int
}

func NewPair() Pair {
	return Pair{Amount0: new(uint256.Int), Amount1: new(uint256.Int)}
}

func PairOf(a0, a1 uint64) Pair {
	return Pair{Amount0: uint256.NewInt(a0), Amount1: uint256.NewInt(a1)}
}

func (p Pair) Clone() Pair {
	return Pair{Amount0: cloneOrZero(p.Amount0), Amount1: cloneOrZero(p.Amount1)}
}

func (p Pair) IsZero() bool {
	return (p.Amount0 == nil || p.Amount0.IsZero()) && (p.Amount1 == nil || p.Amount1.IsZero())
}

// Add returns p+q. Overflow wraps are treated as fatal.
func (p Pair) Add(q Pair) Pair {
	a0, o0 := new(uint256.Int).AddOverflow(cloneOrZero(p.Amount0), cloneOrZero(q.Amount0))
	a1, o1 := new(uint256.Int).AddOverflow(cloneOrZero(p.Amount1), cloneOrZero(q.Amount1))
	if o0 || o1 {
		panic("FATAL: pair add overflow")
	}
	return Pair{Amount0: a0, Amount1: a1}
}

// Sub returns p-q and panics on underflow.
func (p Pair) Sub(q Pair) Pair {
	a0, u0 := new(uint256.Int).SubOverflow(cloneOrZero(p.Amount0), cloneOrZero(q.Amount0))
	a1, u1 := new(uint256.Int).SubOverflow(cloneOrZero(p.Amount1), cloneOrZero(q.Amount1))
	if u0 || u1 {
		panic("FATAL: pair sub underflow")
	}
	return Pair{Amount0: a0, Amount1: a1}
}

// Get returns the amount of token index 0 or 1.
func (p Pair) Get(i int) *uint256.Int {
	if i == 0 {
		return cloneOrZero(p.Amount0)
	}
	return cloneOrZero(p.Amount1)
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

var maxUint256 = new(uint256.Int).SetAllOne()
