package state

import (
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// txn records the pre-call value of everything a call touches so the call
// can be undone if its settlement window fails.
type txn struct {
	positions map[order.PositionKey]savedPosition
	nonces    map[order.BaseID]savedNonce
	ticks     map[tickRef]savedTick
}

type savedPosition struct {
	exists   bool
	position *PositionState
	users    map[common.Address]*UserPosition
}

type savedNonce struct {
	exists bool
	nonce  uint64
}

type tickRef struct {
	side order.Side
	tick int32
}

type savedTick struct {
	mapped bool
	id     order.PositionID
}

// Begin starts recording. Calls do not nest.
func (r *Registry) Begin() {
	if r.txn != nil {
		panic("FATAL: registry transaction already open")
	}
	r.txn = &txn{
		positions: make(map[order.PositionKey]savedPosition),
		nonces:    make(map[order.BaseID]savedNonce),
		ticks:     make(map[tickRef]savedTick),
	}
}

// Commit keeps every change made since Begin.
func (r *Registry) Commit() { r.txn = nil }

// Rollback restores everything touched since Begin.
func (r *Registry) Rollback() {
	t := r.txn
	if t == nil {
		return
	}
	r.txn = nil

	for key, saved := range t.positions {
		if !saved.exists {
			delete(r.positions, key)
			delete(r.users, key)
			continue
		}
		r.positions[key] = saved.position
		if saved.users == nil {
			delete(r.users, key)
		} else {
			r.users[key] = saved.users
		}
	}
	for base, saved := range t.nonces {
		if saved.exists {
			r.nonces[base] = saved.nonce
		} else {
			delete(r.nonces, base)
		}
	}
	for ref, saved := range t.ticks {
		r.index.Restore(ref.side, ref.tick, saved.id, saved.mapped)
	}
}

// touch saves the current state of id once per transaction.
func (r *Registry) touch(id order.PositionID) {
	t := r.txn
	if t == nil {
		return
	}
	key := id.Key()
	if _, ok := t.positions[key]; !ok {
		saved := savedPosition{}
		if p, ok := r.positions[key]; ok {
			saved.exists = true
			saved.position = clonePosition(p)
			if set, ok := r.users[key]; ok {
				saved.users = make(map[common.Address]*UserPosition, len(set))
				for addr, u := range set {
					saved.users[addr] = cloneUser(u)
				}
			}
		}
		t.positions[key] = saved
	}
	if _, ok := t.nonces[id.BaseID]; !ok {
		n, exists := r.nonces[id.BaseID]
		t.nonces[id.BaseID] = savedNonce{exists: exists, nonce: n}
	}
	ref := tickRef{side: id.Side, tick: id.TriggerTick()}
	if _, ok := t.ticks[ref]; !ok {
		mapped, ok := r.index.Lookup(id.Side, id.TriggerTick())
		t.ticks[ref] = savedTick{mapped: ok, id: mapped}
	}
}

func clonePosition(p *PositionState) *PositionState {
	dup := *p
	dup.TotalLiquidity = new(uint256.Int).Set(p.TotalLiquidity)
	dup.FeePerLiquidity = p.FeePerLiquidity.Clone()
	dup.Principal = p.Principal.Clone()
	return &dup
}

func cloneUser(u *UserPosition) *UserPosition {
	dup := *u
	dup.Liquidity = new(uint256.Int).Set(u.Liquidity)
	dup.Fees = u.Fees.Clone()
	dup.LastFeePerLiquidity = u.LastFeePerLiquidity.Clone()
	dup.ClaimablePrincipal = u.ClaimablePrincipal.Clone()
	return &dup
}
