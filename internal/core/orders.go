package core

import (
	"errors"
	"fmt"
	"sort"

	"TickBook/internal/event"
	"TickBook/internal/ledger"
	fpmath "TickBook/internal/math"
	"TickBook/internal/order"
	"TickBook/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// OrderReceipt describes one order placed by a create call.
type OrderReceipt struct {
	ID        order.PositionID
	Key       order.PositionKey
	Liquidity *uint256.Int
	// Amount is the input token actually pulled for this order.
	Amount *uint256.Int
	// FeeDelta is what the AMM position had earned before this mint; it is
	// credited to the position's earlier contributors.
	FeeDelta fpmath.Pair
}

// ClaimReceipt describes one claim delivery.
type ClaimReceipt struct {
	ID        order.PositionID
	Key       order.PositionKey
	User      common.Address
	Principal fpmath.Pair
	// Fees is what the user received after the treasury cut.
	Fees       fpmath.Pair
	Treasury   fpmath.Pair
	Redirected bool
}

// CancelReceipt describes one cancellation. Liquidity is zero when the
// position had already closed and the cancel degenerated to a claim.
type CancelReceipt struct {
	ID        order.PositionID
	Key       order.PositionKey
	Liquidity *uint256.Int
	Principal fpmath.Pair
	Claim     ClaimReceipt
}

// ScaleParams describes a ladder of orders across [LowerTick, UpperTick].
// Skew is size(upper)/size(lower).
type ScaleParams struct {
	Side      order.Side
	LowerTick int32
	UpperTick int32
	Count     int
	Total     *uint256.Int
	Skew      decimal.Decimal
	Mode      fpmath.SkewMode
}

type leg struct {
	id        order.PositionID
	amount    *uint256.Int
	liquidity *uint256.Int
}

// ============================================================================
// Create
// ============================================================================

// CreateOrder places a single-range order sized by amount of the side's
// input token. token0 orders snap up to the nearest aligned top tick,
// token1 orders snap down to the nearest aligned bottom tick.
func (e *Engine) CreateOrder(user common.Address, pool order.PoolID, side order.Side, targetTick int32, amount *uint256.Int) (OrderReceipt, error) {
	b, ok := e.pools[pool]
	if !ok {
		return OrderReceipt{}, ErrPoolNotAllowed
	}
	var receipt OrderReceipt
	err := e.run("create_order", b, func(c *call) error {
		if err := e.checkCreate(b, side); err != nil {
			return err
		}
		if amount == nil || amount.IsZero() {
			return ErrZeroAmount
		}
		current, err := e.amm.CurrentTick(pool)
		if err != nil {
			return err
		}
		base, err := snapRange(side, targetTick, b.key.TickSpacing, current)
		if err != nil {
			return err
		}
		l, err := e.planLeg(b, base, amount)
		if err != nil {
			return err
		}
		receipts, err := e.placeLegs(c, b, user, []leg{l})
		if err != nil {
			return err
		}
		receipt = receipts[0]
		return nil
	})
	return receipt, err
}

// CreateScaleOrders places Count orders on distinct, evenly spaced ranges
// and sizes them by the skew. The input token is pulled once.
func (e *Engine) CreateScaleOrders(user common.Address, pool order.PoolID, params ScaleParams) ([]OrderReceipt, error) {
	b, ok := e.pools[pool]
	if !ok {
		return nil, ErrPoolNotAllowed
	}
	var receipts []OrderReceipt
	err := e.run("create_scale_orders", b, func(c *call) error {
		if err := e.checkCreate(b, params.Side); err != nil {
			return err
		}
		if params.Total == nil || params.Total.IsZero() || params.Count < 1 {
			return ErrZeroAmount
		}
		if params.Count > e.cfg.MaxScaleOrders {
			return fmt.Errorf("%w: %d orders, maximum %d", ErrTooManyOrders, params.Count, e.cfg.MaxScaleOrders)
		}
		triggers, err := scaleTriggers(params.LowerTick, params.UpperTick, b.key.TickSpacing, params.Count)
		if err != nil {
			return err
		}
		sizes, err := fpmath.DistributeSkewed(params.Total, params.Count, params.Skew, params.Mode)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		current, err := e.amm.CurrentTick(pool)
		if err != nil {
			return err
		}

		legs := make([]leg, 0, len(triggers))
		for i, trigger := range triggers {
			base, err := snapRange(params.Side, trigger, b.key.TickSpacing, current)
			if err != nil {
				return err
			}
			l, err := e.planLeg(b, base, sizes[i])
			if err != nil {
				return err
			}
			legs = append(legs, l)
		}
		receipts, err = e.placeLegs(c, b, user, legs)
		return err
	})
	return receipts, err
}

func (e *Engine) checkCreate(b *poolBook, side order.Side) error {
	if err := e.guard(); err != nil {
		return err
	}
	if !b.allowed {
		return ErrPoolNotAllowed
	}
	if !side.Valid() {
		return fmt.Errorf("%w: side %d", ErrInvalidRange, side)
	}
	return nil
}

// planLeg checks the minimum size and converts the amount to liquidity.
func (e *Engine) planLeg(b *poolBook, base order.BaseID, amount *uint256.Int) (leg, error) {
	if amount.IsZero() {
		return leg{}, ErrBelowMinimum
	}
	if minimum, ok := e.minOrderSize[b.key.Currency(base.Side)]; ok && amount.Lt(minimum) {
		return leg{}, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount.Dec(), minimum.Dec())
	}

	var liquidity *uint256.Int
	var err error
	if base.Side == order.SideToken0 {
		liquidity, err = fpmath.LiquidityForAmount0(base.BottomTick, base.TopTick, amount)
	} else {
		liquidity, err = fpmath.LiquidityForAmount1(base.BottomTick, base.TopTick, amount)
	}
	if err != nil {
		return leg{}, fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	if liquidity.IsZero() {
		return leg{}, fmt.Errorf("%w: %s yields no liquidity", ErrBelowMinimum, amount.Dec())
	}
	return leg{
		id:        b.registry.DerivePositionID(base),
		amount:    amount,
		liquidity: liquidity,
	}, nil
}

// placeLegs mints every leg in one window, pulling the input once per
// currency and parking fees collected from existing AMM positions as claims.
func (e *Engine) placeLegs(c *call, b *poolBook, user common.Address, legs []leg) ([]OrderReceipt, error) {
	receipts := make([]OrderReceipt, len(legs))
	paid, fees := tally{}, tally{}

	err := e.amm.Unlock(e.cfg.Self, func(w settlement.Window) error {
		tick, err := w.Tick(b.id)
		if err != nil {
			return err
		}
		for _, l := range legs {
			if !onOrderSide(l.id.BaseID, tick) {
				return fmt.Errorf("%w: [%d, %d] at tick %d", ErrWrongSide, l.id.BottomTick, l.id.TopTick, tick)
			}
		}
		for i, l := range legs {
			callerDelta, feeDelta, err := e.modify(w, b, l.id, l.liquidity, false)
			if err != nil {
				return err
			}
			principal := feeDelta.Sub(callerDelta).Positive()
			fee := feeDelta.Positive()

			// Fees belong to whoever held liquidity before this mint.
			b.registry.Accrue(l.id, fee)
			if _, _, err := b.registry.OpenOrIncrease(l.id, user, l.liquidity); err != nil {
				return err
			}

			paid.addPair(b.key, principal)
			fees.addPair(b.key, fee)
			c.journal(ledger.JournalTypeOrderDeposit, b.key, principal, ledger.NewAMMAccountKey, userAccount(user))
			c.journal(ledger.JournalTypeFeeCollect, b.key, fee, positionAccount(l.id), ledger.NewAMMAccountKey)

			receipts[i] = OrderReceipt{
				ID:        l.id,
				Key:       l.id.Key(),
				Liquidity: l.liquidity,
				Amount:    principal.Get(int(l.id.Side)),
				FeeDelta:  fee,
			}
		}
		if err := paid.each(func(currency common.Address, amount *uint256.Int) error {
			return w.Settle(currency, user, amount)
		}); err != nil {
			return err
		}
		return fees.each(w.MintClaims)
	})
	if err != nil {
		return nil, err
	}

	for i, r := range receipts {
		principal := fpmath.NewPair()
		if r.ID.Side == order.SideToken0 {
			principal.Amount0 = r.Amount
		} else {
			principal.Amount1 = r.Amount
		}
		c.emit(&event.OrderCreated{
			Pool:      b.id,
			Position:  r.ID,
			Key:       r.Key,
			User:      user,
			Liquidity: event.Amount(legs[i].liquidity),
			Amount0:   event.Amount(principal.Amount0),
			Amount1:   event.Amount(principal.Amount1),
			FeeDelta0: event.Amount(r.FeeDelta.Amount0),
			FeeDelta1: event.Amount(r.FeeDelta.Amount1),
		})
		if e.metrics != nil {
			e.metrics.OrdersCreated.WithLabelValues(r.ID.Side.String()).Inc()
		}
	}
	return receipts, nil
}

// snapRange turns a target tick into the single-spacing range an order on
// side occupies, and checks it sits entirely on the correct side of current.
func snapRange(side order.Side, target, spacing, current int32) (order.BaseID, error) {
	var base order.BaseID
	switch side {
	case order.SideToken0:
		top := fpmath.CeilToSpacing(target, spacing)
		base = order.BaseID{BottomTick: top - spacing, TopTick: top, Side: side}
	case order.SideToken1:
		bottom := fpmath.FloorToSpacing(target, spacing)
		base = order.BaseID{BottomTick: bottom, TopTick: bottom + spacing, Side: side}
	default:
		return base, fmt.Errorf("%w: side %d", ErrInvalidRange, side)
	}
	if base.BottomTick < fpmath.MinUsableTick(spacing) || base.TopTick > fpmath.MaxUsableTick(spacing) {
		return base, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, base.BottomTick, base.TopTick)
	}
	if !onOrderSide(base, current) {
		return base, fmt.Errorf("%w: [%d, %d] at tick %d", ErrWrongSide, base.BottomTick, base.TopTick, current)
	}
	return base, nil
}

// onOrderSide reports whether the range is still entirely unfilled at tick.
func onOrderSide(base order.BaseID, tick int32) bool {
	if base.Side == order.SideToken0 {
		return base.BottomTick > tick
	}
	return base.TopTick <= tick
}

// scaleTriggers picks count distinct aligned trigger ticks evenly spread
// over [lower, upper].
func scaleTriggers(lower, upper, spacing int32, count int) ([]int32, error) {
	first := fpmath.CeilToSpacing(lower, spacing)
	last := fpmath.FloorToSpacing(upper, spacing)
	if lower > upper || first > last {
		return nil, fmt.Errorf("%w: no aligned tick in [%d, %d]", ErrInvalidRange, lower, upper)
	}
	slots := int((last-first)/spacing) + 1
	if count > slots {
		return nil, fmt.Errorf("%w: %d orders, only %d distinct ranges", ErrTooManyOrders, count, slots)
	}

	out := make([]int32, count)
	if count == 1 {
		out[0] = first
		return out, nil
	}
	for i := range out {
		out[i] = first + int32(i*(slots-1)/(count-1))*spacing
	}
	return out, nil
}

// ============================================================================
// Cancel
// ============================================================================

// CancelOrder withdraws the caller's share of id and claims everything owed
// in the same window.
func (e *Engine) CancelOrder(caller common.Address, pool order.PoolID, id order.PositionID) (CancelReceipt, error) {
	return e.cancelSingle("cancel_order", caller, caller, pool, id, false)
}

// CancelOrderFor is the keeper's emergency path: same effect as the user
// canceling, proceeds delivered to user.
func (e *Engine) CancelOrderFor(k, user common.Address, pool order.PoolID, id order.PositionID) (CancelReceipt, error) {
	return e.cancelSingle("cancel_order_for", k, user, pool, id, true)
}

func (e *Engine) cancelSingle(op string, by, user common.Address, pool order.PoolID, id order.PositionID, asKeeper bool) (CancelReceipt, error) {
	b, err := e.book(pool)
	if err != nil {
		return CancelReceipt{}, err
	}
	var receipt CancelReceipt
	err = e.run(op, b, func(c *call) error {
		if err := e.guard(); err != nil {
			return err
		}
		if asKeeper {
			if err := e.requireKeeper(by); err != nil {
				return err
			}
		}
		if err := id.Validate(b.key.TickSpacing); err != nil {
			return fmt.Errorf("%w: %v", ErrUnaligned, err)
		}
		return e.amm.Unlock(e.cfg.Self, func(w settlement.Window) error {
			var err error
			receipt, err = e.cancelOne(c, w, b, user, by, id)
			return err
		})
	})
	return receipt, err
}

// CancelOrders cancels every record the caller holds in pool.
func (e *Engine) CancelOrders(caller common.Address, pool order.PoolID) ([]CancelReceipt, error) {
	b, err := e.book(pool)
	if err != nil {
		return nil, err
	}
	var receipts []CancelReceipt
	err = e.run("cancel_orders", b, func(c *call) error {
		if err := e.guard(); err != nil {
			return err
		}
		ids := e.userPositionIDs(b, caller, func(active, fixed bool) bool { return true })
		if len(ids) == 0 {
			return ErrNothingToAct
		}
		return e.amm.Unlock(e.cfg.Self, func(w settlement.Window) error {
			for _, id := range ids {
				r, err := e.cancelOne(c, w, b, caller, caller, id)
				if err != nil {
					return fmt.Errorf("cancel %s: %w", id, err)
				}
				receipts = append(receipts, r)
			}
			return nil
		})
	})
	return receipts, err
}

// cancelOne burns user's share of a still-open position, fixes its
// principal and claims. On a closed position it is just a claim.
func (e *Engine) cancelOne(c *call, w settlement.Window, b *poolBook, user, by common.Address, id order.PositionID) (CancelReceipt, error) {
	p, ok := b.registry.Position(id)
	if !ok {
		return CancelReceipt{}, ErrNothingToAct
	}
	u, ok := b.registry.User(id, user)
	if !ok {
		return CancelReceipt{}, ErrNothingToAct
	}

	receipt := CancelReceipt{ID: id, Key: id.Key(), Liquidity: new(uint256.Int), Principal: fpmath.NewPair()}
	if p.Active && !u.Liquidity.IsZero() {
		liquidity := new(uint256.Int).Set(u.Liquidity)
		callerDelta, feeDelta, err := e.modify(w, b, id, liquidity, true)
		if err != nil {
			return receipt, err
		}
		principal := callerDelta.Sub(feeDelta).Positive()
		fee := feeDelta.Positive()

		// Accrue at the pre-withdrawal total so every contributor shares the
		// fees collected by this burn.
		b.registry.Accrue(id, fee)
		if _, err := b.registry.Realize(id, user); err != nil {
			return receipt, err
		}
		if _, err := b.registry.Withdraw(id, user, principal); err != nil {
			return receipt, err
		}
		if err := mintPair(w, b.key, principal.Add(fee)); err != nil {
			return receipt, err
		}
		c.journal(ledger.JournalTypeCancelBurn, b.key, principal, positionAccount(id), ledger.NewAMMAccountKey)
		c.journal(ledger.JournalTypeFeeCollect, b.key, fee, positionAccount(id), ledger.NewAMMAccountKey)

		receipt.Liquidity = liquidity
		receipt.Principal = principal
		c.emit(&event.OrderCanceled{
			Pool:       b.id,
			Position:   id,
			Key:        id.Key(),
			User:       user,
			By:         by,
			Liquidity:  event.Amount(liquidity),
			Principal0: event.Amount(principal.Amount0),
			Principal1: event.Amount(principal.Amount1),
		})
		if e.metrics != nil {
			e.metrics.OrdersCanceled.Inc()
		}
	}

	claim, err := e.claimOne(c, w, b, user, id)
	if err != nil {
		return receipt, err
	}
	receipt.Claim = claim
	return receipt, nil
}

// ============================================================================
// Claim
// ============================================================================

// ClaimOrder delivers the caller's principal and fees from a closed
// position, or from a position the caller already canceled out of.
func (e *Engine) ClaimOrder(caller common.Address, pool order.PoolID, id order.PositionID) (ClaimReceipt, error) {
	b, err := e.book(pool)
	if err != nil {
		return ClaimReceipt{}, err
	}
	var receipt ClaimReceipt
	err = e.run("claim_order", b, func(c *call) error {
		if err := e.guard(); err != nil {
			return err
		}
		if err := id.Validate(b.key.TickSpacing); err != nil {
			return fmt.Errorf("%w: %v", ErrUnaligned, err)
		}
		return e.amm.Unlock(e.cfg.Self, func(w settlement.Window) error {
			var err error
			receipt, err = e.claimOne(c, w, b, caller, id)
			return err
		})
	})
	return receipt, err
}

// ClaimOrders claims every claimable record of the caller in pool and
// skips the ones still open.
func (e *Engine) ClaimOrders(caller common.Address, pool order.PoolID) ([]ClaimReceipt, error) {
	b, err := e.book(pool)
	if err != nil {
		return nil, err
	}
	var receipts []ClaimReceipt
	err = e.run("claim_orders", b, func(c *call) error {
		if err := e.guard(); err != nil {
			return err
		}
		ids := e.userPositionIDs(b, caller, func(active, fixed bool) bool { return !active || fixed })
		if len(ids) == 0 {
			return ErrNothingToAct
		}
		return e.amm.Unlock(e.cfg.Self, func(w settlement.Window) error {
			for _, id := range ids {
				r, err := e.claimOne(c, w, b, caller, id)
				if err != nil {
					return fmt.Errorf("claim %s: %w", id, err)
				}
				receipts = append(receipts, r)
			}
			return nil
		})
	})
	return receipts, err
}

func (e *Engine) claimOne(c *call, w settlement.Window, b *poolBook, user common.Address, id order.PositionID) (ClaimReceipt, error) {
	p, ok := b.registry.Position(id)
	if !ok {
		return ClaimReceipt{}, ErrNothingToAct
	}
	u, ok := b.registry.User(id, user)
	if !ok {
		return ClaimReceipt{}, ErrNothingToAct
	}
	if p.Active && !u.PrincipalFixed {
		return ClaimReceipt{}, ErrPositionOpen
	}

	if _, err := b.registry.Realize(id, user); err != nil {
		return ClaimReceipt{}, err
	}
	if p.Executed {
		if err := b.registry.SettleShare(id, user); err != nil {
			return ClaimReceipt{}, err
		}
	}

	principal := u.ClaimablePrincipal.Clone()
	fees := u.Fees.Clone()
	cut := fpmath.NewPair()
	if e.cfg.Treasury != (common.Address{}) {
		cut = fpmath.Pair{
			Amount0: fpmath.BpsOf(fees.Get(0), e.cfg.TreasuryFeeBps),
			Amount1: fpmath.BpsOf(fees.Get(1), e.cfg.TreasuryFeeBps),
		}
	}
	net := fees.Sub(cut)
	receipt := ClaimReceipt{
		ID:        id,
		Key:       id.Key(),
		User:      user,
		Principal: principal,
		Fees:      net,
		Treasury:  cut,
	}

	if err := burnPair(w, b.key, principal.Add(fees)); err != nil {
		return receipt, err
	}

	pos := positionAccount(id)
	treasury := treasuryAccount()
	toUser := principal.Add(net)
	for i, currency := range currencies(b.key) {
		amount := toUser.Get(i)
		if amount.IsZero() {
			continue
		}
		err := w.Take(currency, user, amount)
		switch {
		case err == nil:
			c.batch.Transfer(ledger.JournalTypeClaimPrincipal, userAccount(user)(currency), pos(currency), principal.Get(i))
			c.batch.Transfer(ledger.JournalTypeClaimFees, userAccount(user)(currency), pos(currency), net.Get(i))
		case errors.Is(err, settlement.ErrDeliveryFailed) && e.cfg.Treasury != (common.Address{}):
			if err := w.Take(currency, e.cfg.Treasury, amount); err != nil {
				return receipt, fmt.Errorf("redirect to treasury: %w", err)
			}
			c.batch.Transfer(ledger.JournalTypeRedirect, treasury(currency), pos(currency), amount)
			receipt.Redirected = true
			c.emit(&event.DeliveryRedirected{
				Pool:     b.id,
				Key:      id.Key(),
				User:     user,
				Treasury: e.cfg.Treasury,
				Currency: currency,
				Amount:   event.Amount(amount),
				Reason:   err.Error(),
			})
			if e.metrics != nil {
				e.metrics.DeliveryRedirected.Inc()
			}
		default:
			return receipt, err
		}
	}
	for i, currency := range currencies(b.key) {
		amount := cut.Get(i)
		if amount.IsZero() {
			continue
		}
		if err := w.Take(currency, e.cfg.Treasury, amount); err != nil {
			return receipt, fmt.Errorf("treasury fee: %w", err)
		}
		c.batch.Transfer(ledger.JournalTypeTreasuryFee, treasury(currency), pos(currency), amount)
	}

	if err := b.registry.RemoveContribution(id, user); err != nil {
		return receipt, err
	}
	if !p.Active {
		c.onCommit(func() { b.queue.Remove(id) })
	}

	c.emit(&event.OrderClaimed{
		Pool:       b.id,
		Position:   id,
		Key:        id.Key(),
		User:       user,
		Principal0: event.Amount(principal.Amount0),
		Principal1: event.Amount(principal.Amount1),
		Fees0:      event.Amount(net.Amount0),
		Fees1:      event.Amount(net.Amount1),
		Treasury0:  event.Amount(cut.Amount0),
		Treasury1:  event.Amount(cut.Amount1),
	})
	if e.metrics != nil {
		e.metrics.OrdersClaimed.Inc()
	}
	return receipt, nil
}

// userPositionIDs lists user's records in b accepted by keep, in trigger
// tick order.
func (e *Engine) userPositionIDs(b *poolBook, user common.Address, keep func(active, fixed bool) bool) []order.PositionID {
	var ids []order.PositionID
	for _, entry := range b.registry.UserPositions(user) {
		if keep(entry.Position.Active, entry.User.PrincipalFixed) {
			ids = append(ids, entry.Position.ID)
		}
	}
	return ids
}

// ============================================================================
// Window helpers
// ============================================================================

// modify mints (burn=false) or burns liquidity on the AMM position backing id.
func (e *Engine) modify(w settlement.Window, b *poolBook, id order.PositionID, liquidity *uint256.Int, burn bool) (settlement.BalanceDelta, settlement.BalanceDelta, error) {
	delta := liquidity.ToBig()
	if burn {
		delta.Neg(delta)
	}
	return w.ModifyLiquidity(b.key, settlement.ModifyLiquidityParams{
		TickLower:      id.BottomTick,
		TickUpper:      id.TopTick,
		LiquidityDelta: delta,
		Salt:           [32]byte(id.Key()),
	})
}

func mintPair(w settlement.Window, key order.PoolKey, amounts fpmath.Pair) error {
	for i, currency := range currencies(key) {
		if err := w.MintClaims(currency, amounts.Get(i)); err != nil {
			return err
		}
	}
	return nil
}

func burnPair(w settlement.Window, key order.PoolKey, amounts fpmath.Pair) error {
	for i, currency := range currencies(key) {
		if err := w.BurnClaims(currency, amounts.Get(i)); err != nil {
			return err
		}
	}
	return nil
}

func currencies(key order.PoolKey) [2]common.Address {
	return [2]common.Address{key.Currency0, key.Currency1}
}

// tally sums amounts per currency within one window.
type tally map[common.Address]*uint256.Int

func (t tally) addPair(key order.PoolKey, p fpmath.Pair) {
	for i, currency := range currencies(key) {
		v := p.Get(i)
		if v.IsZero() {
			continue
		}
		cur, ok := t[currency]
		if !ok {
			cur = new(uint256.Int)
			t[currency] = cur
		}
		cur.Add(cur, v)
	}
}

// each visits currencies in address order.
func (t tally) each(fn func(currency common.Address, amount *uint256.Int) error) error {
	keys := make([]common.Address, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Cmp(keys[j]) < 0 })
	for _, k := range keys {
		if err := fn(k, t[k]); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Custody accounts
// ============================================================================

type accountFn func(currency common.Address) ledger.AccountKey

func userAccount(user common.Address) accountFn {
	return func(currency common.Address) ledger.AccountKey { return ledger.NewUserAccountKey(user, currency) }
}

func positionAccount(id order.PositionID) accountFn {
	key := id.Key()
	return func(currency common.Address) ledger.AccountKey { return ledger.NewPositionAccountKey(key, currency) }
}

func treasuryAccount() accountFn {
	return func(currency common.Address) ledger.AccountKey {
		return ledger.NewSystemAccountKey(ledger.SystemTreasury, currency)
	}
}

// journal records a per-currency transfer of amounts from credit to debit.
func (c *call) journal(typ ledger.JournalType, key order.PoolKey, amounts fpmath.Pair, debit, credit accountFn) {
	for i, currency := range currencies(key) {
		c.batch.Transfer(typ, debit(currency), credit(currency), amounts.Get(i))
	}
}
