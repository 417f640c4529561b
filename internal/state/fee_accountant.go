package state

import (
	fpmath "TickBook/internal/math"

	"github.com/holiman/uint256"
)

// Accrue folds a fee realization from the pool into the position's
// fee-per-liquidity accumulator. With no liquidity there is nobody to credit
// and the delta is dropped.
func Accrue(p *PositionState, feeDelta fpmath.Pair) {
	if p.TotalLiquidity.IsZero() || feeDelta.IsZero() {
		return
	}
	growth := fpmath.Pair{
		Amount0: growthOf(feeDelta.Amount0, p.TotalLiquidity),
		Amount1: growthOf(feeDelta.Amount1, p.TotalLiquidity),
	}
	p.FeePerLiquidity = p.FeePerLiquidity.Add(growth)
}

// Realize credits the user with fees earned since their last touch and
// moves their snapshot to the current accumulator. Idempotent.
func Realize(p *PositionState, u *UserPosition) fpmath.Pair {
	pending := p.FeePerLiquidity.Sub(u.LastFeePerLiquidity)
	earned := fpmath.NewPair()
	if !u.Liquidity.IsZero() && !pending.IsZero() {
		earned = fpmath.Pair{
			Amount0: fpmath.MustMulDiv(pending.Amount0, u.Liquidity, fpmath.Q128, fpmath.RoundDown),
			Amount1: fpmath.MustMulDiv(pending.Amount1, u.Liquidity, fpmath.Q128, fpmath.RoundDown),
		}
		u.Fees = u.Fees.Add(earned)
	}
	u.LastFeePerLiquidity = p.FeePerLiquidity.Clone()
	return earned
}

// PendingFees is what Realize would credit, without mutating anything.
func PendingFees(p *PositionState, u *UserPosition) fpmath.Pair {
	pending := p.FeePerLiquidity.Sub(u.LastFeePerLiquidity)
	if u.Liquidity.IsZero() || pending.IsZero() {
		return fpmath.NewPair()
	}
	return fpmath.Pair{
		Amount0: fpmath.MustMulDiv(pending.Amount0, u.Liquidity, fpmath.Q128, fpmath.RoundDown),
		Amount1: fpmath.MustMulDiv(pending.Amount1, u.Liquidity, fpmath.Q128, fpmath.RoundDown),
	}
}

func growthOf(fee, liquidity *uint256.Int) *uint256.Int {
	if fee == nil || fee.IsZero() {
		return new(uint256.Int)
	}
	return fpmath.MustMulDiv(fee, fpmath.Q128, liquidity, fpmath.RoundDown)
}
