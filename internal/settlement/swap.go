package settlement

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SwapParams moves a pool to TargetTick. Fee0/Fee1 are charged on top of the
// principal flow and shared among the positions the move passes through.
type SwapParams struct {
	Pool       order.PoolID
	Trader     common.Address
	TargetTick int32
	Fee0       *uint256.Int
	Fee1       *uint256.Int
}

type SwapResult struct {
	TickBefore int32
	TickAfter  int32
	// Trader's balance change, positive when the trader received tokens.
	TraderDelta BalanceDelta
	FeesCharged fpmath.Pair
	// HookErr is whatever AfterSwap returned. The swap stands regardless.
	HookErr error
}

// Swap moves the pool price and settles the trader against every position
// whose range the move touches. The pool's hook sees the tick before the
// swap and is called again once the new state is committed.
func (c *MemoryCore) Swap(params SwapParams) (SwapResult, error) {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	key, ok := c.PoolKey(params.Pool)
	if !ok {
		return SwapResult{}, ErrPoolNotFound
	}
	before, err := c.CurrentTick(params.Pool)
	if err != nil {
		return SwapResult{}, err
	}
	hook := c.hooks[params.Pool]
	if hook != nil {
		hook.BeforeSwap(key, before)
	}

	c.mu.Lock()
	res, err := c.applySwap(params, before)
	c.mu.Unlock()
	if err != nil {
		return SwapResult{}, err
	}

	if hook != nil {
		res.HookErr = hook.AfterSwap(key, res.TickAfter)
	}
	return res, nil
}

func (c *MemoryCore) applySwap(params SwapParams, before int32) (SwapResult, error) {
	if params.TargetTick < fpmath.MinTick || params.TargetTick > fpmath.MaxTick {
		return SwapResult{}, ErrInvalidTickRange
	}
	st := c.st.clone()
	p := st.pools[params.Pool]
	after := params.TargetTick
	lo, hi := before, after
	if lo > hi {
		lo, hi = hi, lo
	}

	flow := [2]*big.Int{new(big.Int), new(big.Int)}
	var touched []*ammPosition
	totalLiquidity := new(uint256.Int)
	for _, pos := range sortedPositions(p) {
		if pos.Liquidity.IsZero() || pos.Lower > hi || pos.Upper <= lo {
			continue
		}
		was, err := fpmath.AmountsForLiquidity(before, pos.Lower, pos.Upper, pos.Liquidity, false)
		if err != nil {
			return SwapResult{}, err
		}
		now, err := fpmath.AmountsForLiquidity(after, pos.Lower, pos.Upper, pos.Liquidity, false)
		if err != nil {
			return SwapResult{}, err
		}
		for i := 0; i < 2; i++ {
			flow[i].Add(flow[i], now.Get(i).ToBig())
			flow[i].Sub(flow[i], was.Get(i).ToBig())
		}
		touched = append(touched, pos)
		totalLiquidity.Add(totalLiquidity, pos.Liquidity)
	}

	fees := fpmath.NewPair()
	if len(touched) > 0 && before != after {
		fees = fpmath.Pair{Amount0: orZero(params.Fee0), Amount1: orZero(params.Fee1)}
		distributeFees(touched, totalLiquidity, fees)
	}

	currencies := [2]common.Address{p.Key.Currency0, p.Key.Currency1}
	traderDelta := ZeroBalanceDelta()
	for i, currency := range currencies {
		pay := new(uint256.Int).Add(positivePart(flow[i]), fees.Get(i))
		receive := positivePart(new(big.Int).Neg(flow[i]))

		if !pay.IsZero() {
			if c.fundSwaps {
				if have := balanceOf(st.wallets, params.Trader, currency); have.Lt(pay) {
					credit(st.wallets, params.Trader, currency, new(uint256.Int).Sub(pay, have))
				}
			}
			if !debit(st.wallets, params.Trader, currency, pay) {
				return SwapResult{}, fmt.Errorf("%w: trader %s of %s", ErrInsufficientFunds, params.Trader.Hex(), currency.Hex())
			}
			reserve, ok := st.reserves[currency]
			if !ok {
				reserve = new(uint256.Int)
				st.reserves[currency] = reserve
			}
			reserve.Add(reserve, pay)
		}
		if !receive.IsZero() {
			reserve, ok := st.reserves[currency]
			if !ok || reserve.Lt(receive) {
				return SwapResult{}, fmt.Errorf("%w: pool reserves of %s", ErrInsufficientFunds, currency.Hex())
			}
			reserve.Sub(reserve, receive)
			credit(st.wallets, params.Trader, currency, receive)
		}

		net := new(big.Int).Sub(receive.ToBig(), pay.ToBig())
		if i == 0 {
			traderDelta.Amount0 = net
		} else {
			traderDelta.Amount1 = net
		}
	}

	p.Tick = after
	c.st = st
	return SwapResult{TickBefore: before, TickAfter: after, TraderDelta: traderDelta, FeesCharged: fees}, nil
}

// distributeFees splits fees pro rata by liquidity; the last position takes
// the rounding remainder.
func distributeFees(positions []*ammPosition, total *uint256.Int, fees fpmath.Pair) {
	for i := 0; i < 2; i++ {
		amount := fees.Get(i)
		if amount.IsZero() {
			continue
		}
		left := new(uint256.Int).Set(amount)
		for j, pos := range positions {
			share := left
			if j < len(positions)-1 {
				share = fpmath.MustMulDiv(amount, pos.Liquidity, total, fpmath.RoundDown)
			}
			add := fpmath.NewPair()
			if i == 0 {
				add.Amount0 = new(uint256.Int).Set(share)
			} else {
				add.Amount1 = new(uint256.Int).Set(share)
			}
			pos.Fees = pos.Fees.Add(add)
			left = new(uint256.Int).Sub(left, share)
		}
	}
}

func sortedPositions(p *memPool) []*ammPosition {
	keys := make([][32]byte, 0, len(p.Positions))
	for k := range p.Positions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
	out := make([]*ammPosition, len(keys))
	for i, k := range keys {
		out[i] = p.Positions[k]
	}
	return out
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
