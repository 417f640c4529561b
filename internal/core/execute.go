package core

import (
	"context"
	"sort"

	"TickBook/internal/event"
	"TickBook/internal/ledger"
	"TickBook/internal/order"
	"TickBook/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
)

const (
	pathTrade  = "trade"
	pathKeeper = "keeper"
)

// TradeResult reports what one trade notification did.
type TradeResult struct {
	Pool       order.PoolID
	TickBefore int32
	TickAfter  int32
	Executed   []order.PositionID
	Pending    []order.PositionID
}

// KeeperResult reports what one keeper batch did.
type KeeperResult struct {
	Pool      order.PoolID
	Tick      int32
	Executed  []order.PositionID
	Discarded []order.PositionID
}

// OnTrade executes the orders a price move from before to after crossed,
// nearest first, up to the per-trade budget. The rest are flagged for the
// keeper. Only the pool's hook may call it.
func (e *Engine) OnTrade(caller common.Address, pool order.PoolID, before, after int32) (TradeResult, error) {
	res := TradeResult{Pool: pool, TickBefore: before, TickAfter: after}
	b, err := e.book(pool)
	if err != nil {
		return res, err
	}
	err = e.run("on_trade", b, func(c *call) error {
		if err := e.guard(); err != nil {
			return err
		}
		if caller != b.key.Hooks {
			return ErrNotHook
		}
		budget := e.cfg.MaxExecutionsPerTrade
		if before == after || budget <= 0 {
			return nil
		}
		crossed := b.registry.Index().Crossed(before, after)
		if len(crossed) == 0 {
			return nil
		}

		// Orders the price has since left again are handed to the keeper,
		// which re-checks them.
		var now, rest []order.PositionID
		if err := e.amm.Unlock(e.cfg.Self, func(w settlement.Window) error {
			tick, err := w.Tick(pool)
			if err != nil {
				return err
			}
			for _, id := range crossed {
				if len(now) < budget && id.Triggered(tick) {
					now = append(now, id)
				} else {
					rest = append(rest, id)
				}
			}
			return e.executeAll(c, w, b, now, pathTrade)
		}); err != nil {
			return err
		}
		res.Executed = now

		if len(rest) > 0 {
			pending := append([]order.PositionID(nil), rest...)
			for _, id := range pending {
				b.registry.SetWaiting(id, true)
			}
			c.onCommit(func() { b.queue.Push(pending...) })
			c.emit(&event.KeeperPending{Pool: b.id, TickAfter: after, Positions: pending})
			if e.metrics != nil {
				e.metrics.TradeLeftovers.Add(float64(len(pending)))
			}
			res.Pending = pending
		}
		return nil
	})
	if err != nil {
		return TradeResult{Pool: pool, TickBefore: before, TickAfter: after}, err
	}
	return res, nil
}

// HandleTrade adapts OnTrade for TradeHook.
func (e *Engine) HandleTrade(_ context.Context, caller common.Address, pool order.PoolID, before, after int32) error {
	_, err := e.OnTrade(caller, pool, before, after)
	return err
}

// KeeperExecute re-validates candidates against the tick seen inside the
// settlement window and executes the ones still triggered there.
// Candidates that no longer qualify lose their waiting flag and stay open.
func (e *Engine) KeeperExecute(caller common.Address, pool order.PoolID, candidates []order.PositionID) (KeeperResult, error) {
	res := KeeperResult{Pool: pool}
	b, err := e.book(pool)
	if err != nil {
		return res, err
	}
	err = e.run("keeper_execute", b, func(c *call) error {
		if err := e.guard(); err != nil {
			return err
		}
		if err := e.requireKeeper(caller); err != nil {
			return err
		}
		if len(candidates) == 0 {
			return ErrNothingToAct
		}

		var valid, invalid []order.PositionID
		if err := e.amm.Unlock(e.cfg.Self, func(w settlement.Window) error {
			tick, err := w.Tick(pool)
			if err != nil {
				return err
			}
			res.Tick = tick
			seen := make(map[order.PositionKey]bool, len(candidates))
			for _, id := range candidates {
				if seen[id.Key()] {
					continue
				}
				seen[id.Key()] = true
				p, ok := b.registry.Position(id)
				switch {
				case ok && p.Active && p.WaitingKeeper && !p.TotalLiquidity.IsZero() && id.Triggered(tick):
					valid = append(valid, id)
				default:
					if ok && p.WaitingKeeper {
						b.registry.SetWaiting(id, false)
					}
					invalid = append(invalid, id)
				}
			}
			return e.executeAll(c, w, b, valid, pathKeeper)
		}); err != nil {
			return err
		}
		if len(invalid) > 0 {
			c.emit(&event.KeeperDiscarded{Pool: b.id, Tick: res.Tick, Positions: invalid})
		}
		all := append(append([]order.PositionID(nil), valid...), invalid...)
		c.onCommit(func() { b.queue.Remove(all...) })
		res.Executed, res.Discarded = valid, invalid
		return nil
	})
	if err != nil {
		return KeeperResult{Pool: pool}, err
	}
	return res, nil
}

// ExecutePending drains up to max queued positions across pools, one
// keeper batch per pool, pools in id order. It satisfies keeper.Executor
// when driven through the Sequencer.
func (e *Engine) ExecutePending(k common.Address, max int) (executed, discarded int, err error) {
	ids := make([]order.PoolID, 0, len(e.pools))
	for id, b := range e.pools {
		if b.queue.Len() > 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return string(ids[i][:]) < string(ids[j][:]) })

	for _, id := range ids {
		n := 0 // whole queue
		if max > 0 {
			if n = max - executed - discarded; n <= 0 {
				break
			}
		}
		batch := e.pools[id].queue.Peek(n)
		res, err := e.KeeperExecute(k, id, batch)
		if err != nil {
			return executed, discarded, err
		}
		executed += len(res.Executed)
		discarded += len(res.Discarded)
	}
	return executed, discarded, nil
}

// PendingPositions lists the keeper queue of pool in FIFO order.
func (e *Engine) PendingPositions(pool order.PoolID) ([]order.PositionID, error) {
	b, err := e.book(pool)
	if err != nil {
		return nil, err
	}
	return b.queue.Peek(0), nil
}

// executeAll burns every position in ids inside w, fixes their principal
// and parks the proceeds as claims.
func (e *Engine) executeAll(c *call, w settlement.Window, b *poolBook, ids []order.PositionID, path string) error {
	for _, id := range ids {
		p, ok := b.registry.Position(id)
		if !ok || !p.Active {
			continue
		}
		liquidity := p.TotalLiquidity.Clone()
		callerDelta, feeDelta, err := e.modify(w, b, id, liquidity, true)
		if err != nil {
			return err
		}
		principal := callerDelta.Sub(feeDelta).Positive()
		fee := feeDelta.Positive()

		b.registry.Accrue(id, fee)
		if err := b.registry.Close(id, principal); err != nil {
			return err
		}
		if err := mintPair(w, b.key, principal.Add(fee)); err != nil {
			return err
		}
		c.journal(ledger.JournalTypeExecutionBurn, b.key, principal, positionAccount(id), ledger.NewAMMAccountKey)
		c.journal(ledger.JournalTypeFeeCollect, b.key, fee, positionAccount(id), ledger.NewAMMAccountKey)

		executed := id
		c.onCommit(func() { b.queue.Remove(executed) })
		c.emit(&event.OrderExecuted{
			Pool:       b.id,
			Position:   id,
			Key:        id.Key(),
			Path:       path,
			Liquidity:  event.Amount(liquidity),
			Principal0: event.Amount(principal.Amount0),
			Principal1: event.Amount(principal.Amount1),
			Fee0:       event.Amount(fee.Amount0),
			Fee1:       event.Amount(fee.Amount1),
		})
		if e.metrics != nil {
			e.metrics.OrdersExecuted.WithLabelValues(path).Inc()
		}
	}
	return nil
}
