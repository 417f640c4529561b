package settlement

import (
	"errors"
	"math/big"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrPoolNotFound          = errors.New("pool not initialized")
	ErrPoolExists            = errors.New("pool already initialized")
	ErrInvalidTickRange      = errors.New("invalid tick range")
	ErrInsufficientLiquidity = errors.New("insufficient position liquidity")
	ErrInsufficientFunds     = errors.New("insufficient balance")
	ErrInsufficientClaims    = errors.New("insufficient claim balance")
	ErrDeliveryFailed        = errors.New("recipient rejected delivery")
	ErrUnsettledDeltas       = errors.New("window closed with unsettled deltas")
	ErrWindowClosed          = errors.New("window already closed")
)

// BalanceDelta is a signed (token0, token1) change seen from the window's
// caller: positive means the pool owes the caller.
type BalanceDelta struct {
	Amount0 *big.Int
	Amount1 *big.Int
}

func ZeroBalanceDelta() BalanceDelta {
	return BalanceDelta{Amount0: big.NewInt(0), Amount1: big.NewInt(0)}
}

func (bd BalanceDelta) Add(other BalanceDelta) BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Add(bd.Amount0, other.Amount0),
		Amount1: new(big.Int).Add(bd.Amount1, other.Amount1),
	}
}

func (bd BalanceDelta) Sub(other BalanceDelta) BalanceDelta {
	return BalanceDelta{
		Amount0: new(big.Int).Sub(bd.Amount0, other.Amount0),
		Amount1: new(big.Int).Sub(bd.Amount1, other.Amount1),
	}
}

func (bd BalanceDelta) IsZero() bool {
	return bd.Amount0.Sign() == 0 && bd.Amount1.Sign() == 0
}

// Positive returns the non-negative parts of the delta as unsigned amounts.
func (bd BalanceDelta) Positive() fpmath.Pair {
	return fpmath.Pair{Amount0: positivePart(bd.Amount0), Amount1: positivePart(bd.Amount1)}
}

// Negative returns the magnitudes of the negative parts.
func (bd BalanceDelta) Negative() fpmath.Pair {
	return fpmath.Pair{
		Amount0: positivePart(new(big.Int).Neg(bd.Amount0)),
		Amount1: positivePart(new(big.Int).Neg(bd.Amount1)),
	}
}

// DeltaOf converts an unsigned pair into a positive delta.
func DeltaOf(p fpmath.Pair) BalanceDelta {
	return BalanceDelta{Amount0: p.Get(0).ToBig(), Amount1: p.Get(1).ToBig()}
}

func positivePart(v *big.Int) *uint256.Int {
	if v == nil || v.Sign() <= 0 {
		return new(uint256.Int)
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		panic("FATAL: delta exceeds 256 bits")
	}
	return out
}

// ModifyLiquidityParams mints (positive delta) or burns liquidity in
// [TickLower, TickUpper). Salt separates positions sharing a range.
type ModifyLiquidityParams struct {
	TickLower      int32
	TickUpper      int32
	LiquidityDelta *big.Int
	Salt           [32]byte
}

// Window is one open settlement window. Every method must be called from
// inside the callback passed to Unlock; per-currency deltas must net to zero
// by the time the callback returns.
type Window interface {
	// Tick is the pool's current tick as this window sees it.
	Tick(pool order.PoolID) (int32, error)
	// ModifyLiquidity returns the caller delta (principal plus collected
	// fees) and the fee part on its own.
	ModifyLiquidity(key order.PoolKey, params ModifyLiquidityParams) (callerDelta, feeDelta BalanceDelta, err error)
	// Settle pays amount of currency into the pool out of payer's wallet.
	Settle(currency, payer common.Address, amount *uint256.Int) error
	// Take delivers amount of currency from the pool to recipient.
	Take(currency, recipient common.Address, amount *uint256.Int) error
	// MintClaims converts an owed amount into claim tokens held by the caller.
	MintClaims(currency common.Address, amount *uint256.Int) error
	// BurnClaims spends the caller's claim tokens against the window.
	BurnClaims(currency common.Address, amount *uint256.Int) error
}

// Core is the AMM collaborator. Unlock applies everything done in cb
// atomically, or nothing if cb errors or leaves deltas unsettled.
type Core interface {
	PoolKey(id order.PoolID) (order.PoolKey, bool)
	CurrentTick(id order.PoolID) (int32, error)
	Unlock(locker common.Address, cb func(Window) error) error
}

// Hook is the pool's swap extension point.
type Hook interface {
	// BeforeSwap sees the tick before the trade moves it.
	BeforeSwap(key order.PoolKey, tick int32)
	// AfterSwap runs once the trade is committed. Its error is reported
	// but never undoes the trade.
	AfterSwap(key order.PoolKey, tick int32) error
}
