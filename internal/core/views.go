package core

import (
	"fmt"
	"sort"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"
	"TickBook/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// OrderView is one of a user's records as shown to clients.
type OrderView struct {
	Pool      order.PoolID
	ID        order.PositionID
	Key       order.PositionKey
	Status    state.Status
	Liquidity *uint256.Int
	// Fees are realized plus pending, before the treasury cut.
	Fees fpmath.Pair
	// ClaimablePrincipal is what a claim would deliver now; zero while open.
	ClaimablePrincipal fpmath.Pair
}

// BookLevel is the aggregated resting liquidity at one trigger tick.
type BookLevel struct {
	Tick      int32
	Side      order.Side
	Key       order.PositionKey
	Liquidity *uint256.Int
	// Amount is the input token the level sells when it fills.
	Amount *uint256.Int
}

type BookView struct {
	Pool   order.PoolID
	Tick   int32
	Levels []BookLevel
}

// TickRange is an inclusive interval of target ticks.
type TickRange struct {
	Min int32
	Max int32
}

// CountRange is an inclusive interval of scale order counts.
type CountRange struct {
	Min int
	Max int
}

// PoolView summarizes one pool the engine serves.
type PoolView struct {
	Key     order.PoolKey
	ID      order.PoolID
	Allowed bool
	Active0 int
	Active1 int
	Pending int
}

// GetOrders lists every record user holds across pools, pools in id order.
func (e *Engine) GetOrders(user common.Address) []OrderView {
	var out []OrderView
	for _, id := range e.poolIDs() {
		b := e.pools[id]
		for _, entry := range b.registry.UserPositions(user) {
			p, u := entry.Position, entry.User
			view := OrderView{
				Pool:               id,
				ID:                 p.ID,
				Key:                p.ID.Key(),
				Status:             p.Status(u),
				Liquidity:          new(uint256.Int).Set(u.Liquidity),
				Fees:               u.Fees.Add(state.PendingFees(p, u)),
				ClaimablePrincipal: u.ClaimablePrincipal.Clone(),
			}
			if p.Executed && !u.Liquidity.IsZero() {
				view.ClaimablePrincipal = view.ClaimablePrincipal.Add(principalShare(p, u))
			}
			out = append(out, view)
		}
	}
	return out
}

// principalShare mirrors the pro-rata split of Registry.SettleShare.
func principalShare(p *state.PositionState, u *state.UserPosition) fpmath.Pair {
	if u.Liquidity.Eq(p.TotalLiquidity) {
		return p.Principal.Clone()
	}
	return fpmath.Pair{
		Amount0: fpmath.MustMulDiv(p.Principal.Get(0), u.Liquidity, p.TotalLiquidity, fpmath.RoundDown),
		Amount1: fpmath.MustMulDiv(p.Principal.Get(1), u.Liquidity, p.TotalLiquidity, fpmath.RoundDown),
	}
}

// GetBook returns active levels on both sides with a trigger tick within
// window ticks of the current tick, ascending.
func (e *Engine) GetBook(pool order.PoolID, window int32) (BookView, error) {
	if window < 0 {
		return BookView{}, fmt.Errorf("%w: window %d", ErrInvalidRange, window)
	}
	return e.bookAround(pool, func(tick int32) (int32, int32) {
		return clampTick(int64(tick) - int64(window)), clampTick(int64(tick) + int64(window))
	})
}

// GetBookWithin is GetBook with the window given as a fraction of the pool
// price: 0.1 keeps levels priced within 10% either side of it.
func (e *Engine) GetBookWithin(pool order.PoolID, fraction decimal.Decimal) (BookView, error) {
	if fraction.IsNegative() {
		return BookView{}, fmt.Errorf("%w: price window %s", ErrInvalidRange, fraction)
	}
	one := decimal.NewFromInt(1)
	return e.bookAround(pool, func(tick int32) (int32, int32) {
		price := fpmath.PriceAtTick(tick)
		lo, err := fpmath.TickForPrice(price.Mul(one.Sub(fraction)))
		if err != nil {
			lo = fpmath.MinTick
		}
		hi, err := fpmath.TickForPrice(price.Mul(one.Add(fraction)))
		if err != nil {
			hi = fpmath.MaxTick
		}
		// Price rounding must not shrink the band below the current tick.
		return min(lo, tick), max(hi, tick)
	})
}

func (e *Engine) bookAround(pool order.PoolID, bounds func(tick int32) (lo, hi int32)) (BookView, error) {
	b, err := e.book(pool)
	if err != nil {
		return BookView{}, err
	}
	tick, err := e.amm.CurrentTick(pool)
	if err != nil {
		return BookView{}, err
	}
	lo, hi := bounds(tick)

	view := BookView{Pool: pool, Tick: tick}
	for _, side := range []order.Side{order.SideToken0, order.SideToken1} {
		for _, id := range b.registry.Index().Active(side, lo, hi) {
			p, ok := b.registry.Position(id)
			if !ok {
				continue
			}
			amounts, err := fpmath.AmountsForLiquidity(tick, id.BottomTick, id.TopTick, p.TotalLiquidity, false)
			if err != nil {
				return BookView{}, err
			}
			view.Levels = append(view.Levels, BookLevel{
				Tick:      id.TriggerTick(),
				Side:      side,
				Key:       id.Key(),
				Liquidity: new(uint256.Int).Set(p.TotalLiquidity),
				Amount:    amounts.Get(int(side)),
			})
		}
	}
	sort.SliceStable(view.Levels, func(i, j int) bool { return view.Levels[i].Tick < view.Levels[j].Tick })
	return view, nil
}

// ExtremeTicks returns the target ticks CreateOrder accepts for side at the
// current price.
func (e *Engine) ExtremeTicks(pool order.PoolID, side order.Side) (TickRange, error) {
	b, err := e.book(pool)
	if err != nil {
		return TickRange{}, err
	}
	tick, err := e.amm.CurrentTick(pool)
	if err != nil {
		return TickRange{}, err
	}
	spacing := b.key.TickSpacing
	floor := fpmath.FloorToSpacing(tick, spacing)

	var r TickRange
	switch side {
	case order.SideToken0:
		// Smallest bottom strictly above tick is floor+spacing; any target
		// above it ceils to the top of that range.
		r = TickRange{Min: floor + spacing + 1, Max: fpmath.MaxUsableTick(spacing)}
	case order.SideToken1:
		// Largest top at or below tick is floor; its range starts one
		// spacing lower.
		r = TickRange{Min: fpmath.MinUsableTick(spacing), Max: floor - 1}
	default:
		return TickRange{}, fmt.Errorf("%w: side %d", ErrInvalidRange, side)
	}
	if r.Min > r.Max {
		return TickRange{}, fmt.Errorf("%w: no valid target for %s at tick %d", ErrInvalidRange, side, tick)
	}
	return r, nil
}

// ExtremeCounts returns the counts CreateScaleOrders accepts over
// [lower, upper].
func (e *Engine) ExtremeCounts(pool order.PoolID, lower, upper int32) (CountRange, error) {
	b, err := e.book(pool)
	if err != nil {
		return CountRange{}, err
	}
	spacing := b.key.TickSpacing
	first := fpmath.CeilToSpacing(lower, spacing)
	last := fpmath.FloorToSpacing(upper, spacing)
	if lower > upper || first > last {
		return CountRange{}, fmt.Errorf("%w: no aligned tick in [%d, %d]", ErrInvalidRange, lower, upper)
	}
	slots := int((last-first)/spacing) + 1
	if slots > e.cfg.MaxScaleOrders {
		slots = e.cfg.MaxScaleOrders
	}
	return CountRange{Min: 1, Max: slots}, nil
}

// ResolveKey maps an external order id back to its position.
func (e *Engine) ResolveKey(pool order.PoolID, key order.PositionKey) (order.PositionID, error) {
	b, err := e.book(pool)
	if err != nil {
		return order.PositionID{}, err
	}
	p, ok := b.registry.PositionByKey(key)
	if !ok {
		return order.PositionID{}, ErrNothingToAct
	}
	return p.ID, nil
}

// Pools lists every pool the engine has a book for, in id order.
func (e *Engine) Pools() []PoolView {
	out := make([]PoolView, 0, len(e.pools))
	for _, id := range e.poolIDs() {
		b := e.pools[id]
		out = append(out, PoolView{
			Key:     b.key,
			ID:      id,
			Allowed: b.allowed,
			Active0: b.registry.Index().Len(order.SideToken0),
			Active1: b.registry.Index().Len(order.SideToken1),
			Pending: b.queue.Len(),
		})
	}
	return out
}

func (e *Engine) poolIDs() []order.PoolID {
	ids := make([]order.PoolID, 0, len(e.pools))
	for id := range e.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i][:]) < string(ids[j][:]) })
	return ids
}

func clampTick(t int64) int32 {
	if t < int64(fpmath.MinTick) {
		return fpmath.MinTick
	}
	if t > int64(fpmath.MaxTick) {
		return fpmath.MaxTick
	}
	return int32(t)
}
