package state

import (
	"errors"
	"fmt"
	"sort"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"
	"TickBook/internal/tickindex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroLiquidity = errors.New("liquidity must be positive")
	ErrNothingToAct  = errors.New("nothing to act on")
	ErrInactive      = errors.New("position is not active")
)

// Registry holds every position, contributor and nonce of one pool, along
// with the pool's tick index. It is the only writer of both.
// Not thread-safe.
type Registry struct {
	index     *tickindex.Index
	nonces    map[order.BaseID]uint64
	positions map[order.PositionKey]*PositionState
	users     map[order.PositionKey]map[common.Address]*UserPosition
	txn       *txn
}

func NewRegistry(tickSpacing int32) *Registry {
	return &Registry{
		index:     tickindex.NewIndex(tickSpacing),
		nonces:    make(map[order.BaseID]uint64),
		positions: make(map[order.PositionKey]*PositionState),
		users:     make(map[order.PositionKey]map[common.Address]*UserPosition),
	}
}

func (r *Registry) Index() *tickindex.Index { return r.index }

// DerivePositionID combines a range and side with the nonce currently in use.
func (r *Registry) DerivePositionID(base order.BaseID) order.PositionID {
	return order.PositionID{BaseID: base, Nonce: r.nonces[base]}
}

func (r *Registry) Position(id order.PositionID) (*PositionState, bool) {
	p, ok := r.positions[id.Key()]
	return p, ok
}

func (r *Registry) PositionByKey(key order.PositionKey) (*PositionState, bool) {
	p, ok := r.positions[key]
	return p, ok
}

func (r *Registry) User(id order.PositionID, user common.Address) (*UserPosition, bool) {
	u, ok := r.users[id.Key()][user]
	return u, ok
}

// Contributors returns the users holding a record on id, sorted.
func (r *Registry) Contributors(id order.PositionID) []common.Address {
	set := r.users[id.Key()]
	out := make([]common.Address, 0, len(set))
	for addr := range set {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	return out
}

// Accrue credits a fee realization to id's accumulator.
func (r *Registry) Accrue(id order.PositionID, feeDelta fpmath.Pair) {
	if p, ok := r.positions[id.Key()]; ok {
		r.touch(id)
		Accrue(p, feeDelta)
	}
}

// Realize credits user's pending fees on id. Returns what was credited.
func (r *Registry) Realize(id order.PositionID, user common.Address) (fpmath.Pair, error) {
	p, ok := r.positions[id.Key()]
	if !ok {
		return fpmath.Pair{}, ErrNothingToAct
	}
	u, ok := r.users[id.Key()][user]
	if !ok {
		return fpmath.Pair{}, ErrNothingToAct
	}
	r.touch(id)
	return Realize(p, u), nil
}

// OpenOrIncrease adds user liquidity to id. Existing contributors realize
// pending fees at their pre-update liquidity first. The first liquidity
// ever activates the position and registers its trigger tick.
func (r *Registry) OpenOrIncrease(id order.PositionID, user common.Address, liquidityDelta *uint256.Int) (*PositionState, *UserPosition, error) {
	if liquidityDelta == nil || liquidityDelta.IsZero() {
		return nil, nil, ErrZeroLiquidity
	}
	if cur := r.nonces[id.BaseID]; cur != id.Nonce {
		return nil, nil, fmt.Errorf("stale identity %s, current nonce %d", id, cur)
	}
	r.touch(id)

	key := id.Key()
	p, exists := r.positions[key]
	if !exists {
		p = newPositionState(id)
		r.positions[key] = p
		r.users[key] = make(map[common.Address]*UserPosition)
	}

	u, hasUser := r.users[key][user]
	if !hasUser {
		u = newUserPosition(p.FeePerLiquidity)
		r.users[key][user] = u
	} else {
		Realize(p, u)
	}

	u.Liquidity.Add(u.Liquidity, liquidityDelta)
	u.LastFeePerLiquidity = p.FeePerLiquidity.Clone()
	p.TotalLiquidity.Add(p.TotalLiquidity, liquidityDelta)

	if !p.Active {
		if err := r.index.Register(id); err != nil {
			return nil, nil, err
		}
		p.Active = true
	}
	return p, u, nil
}

// Close marks id executed with its burn proceeds, clears its tick and bumps
// the nonce so a later order at the same range starts fresh.
func (r *Registry) Close(id order.PositionID, principal fpmath.Pair) error {
	p, ok := r.positions[id.Key()]
	if !ok || !p.Active {
		return ErrInactive
	}
	r.touch(id)
	p.Principal = principal.Clone()
	p.Executed = true
	r.deactivate(p)
	return nil
}

// Withdraw removes user's whole liquidity from a still-active position,
// fixing principal as their claimable amount. Fees must already be realized.
// Returns the liquidity removed.
func (r *Registry) Withdraw(id order.PositionID, user common.Address, principal fpmath.Pair) (*uint256.Int, error) {
	p, ok := r.positions[id.Key()]
	if !ok || !p.Active {
		return nil, ErrInactive
	}
	u, ok := r.users[id.Key()][user]
	if !ok || u.Liquidity.IsZero() {
		return nil, ErrNothingToAct
	}
	r.touch(id)

	removed := new(uint256.Int).Set(u.Liquidity)
	p.TotalLiquidity.Sub(p.TotalLiquidity, removed)
	u.Liquidity.Clear()
	u.ClaimablePrincipal = u.ClaimablePrincipal.Add(principal)
	u.PrincipalFixed = true

	if p.TotalLiquidity.IsZero() {
		r.deactivate(p)
	}
	return removed, nil
}

// SettleShare fixes user's pro-rata part of an executed position's
// principal. The last contributor takes whatever remains, so no dust is
// stranded on the position.
func (r *Registry) SettleShare(id order.PositionID, user common.Address) error {
	p, ok := r.positions[id.Key()]
	if !ok || !p.Executed {
		return ErrInactive
	}
	u, ok := r.users[id.Key()][user]
	if !ok {
		return ErrNothingToAct
	}
	if u.Liquidity.IsZero() {
		return nil
	}
	r.touch(id)

	var share fpmath.Pair
	if u.Liquidity.Eq(p.TotalLiquidity) {
		share = p.Principal.Clone()
	} else {
		share = fpmath.Pair{
			Amount0: fpmath.MustMulDiv(p.Principal.Get(0), u.Liquidity, p.TotalLiquidity, fpmath.RoundDown),
			Amount1: fpmath.MustMulDiv(p.Principal.Get(1), u.Liquidity, p.TotalLiquidity, fpmath.RoundDown),
		}
	}
	p.Principal = p.Principal.Sub(share)
	p.TotalLiquidity.Sub(p.TotalLiquidity, u.Liquidity)
	u.Liquidity.Clear()
	u.ClaimablePrincipal = u.ClaimablePrincipal.Add(share)
	u.PrincipalFixed = true
	return nil
}

// RemoveContribution deletes user's record. When no contributor remains the
// position is deactivated if needed and forgotten.
func (r *Registry) RemoveContribution(id order.PositionID, user common.Address) error {
	key := id.Key()
	set, ok := r.users[key]
	if !ok {
		return ErrNothingToAct
	}
	if _, ok := set[user]; !ok {
		return ErrNothingToAct
	}
	r.touch(id)
	delete(set, user)
	if len(set) > 0 {
		return nil
	}

	delete(r.users, key)
	if p, ok := r.positions[key]; ok {
		if p.Active {
			r.deactivate(p)
		}
		delete(r.positions, key)
	}
	return nil
}

// SetWaiting flags an active position as triggered but deferred to a keeper.
func (r *Registry) SetWaiting(id order.PositionID, waiting bool) {
	p, ok := r.positions[id.Key()]
	if !ok {
		return
	}
	r.touch(id)
	p.WaitingKeeper = waiting && p.Active
}

// UserEntry is one of a user's records.
type UserEntry struct {
	Position *PositionState
	User     *UserPosition
}

// UserPositions lists every record of user, ordered by trigger tick.
func (r *Registry) UserPositions(user common.Address) []UserEntry {
	var out []UserEntry
	for key, set := range r.users {
		if u, ok := set[user]; ok {
			out = append(out, UserEntry{Position: r.positions[key], User: u})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Position.ID, out[j].Position.ID
		if a.TriggerTick() != b.TriggerTick() {
			return a.TriggerTick() < b.TriggerTick()
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return a.Nonce < b.Nonce
	})
	return out
}

// Nonce returns the nonce currently in use for base.
func (r *Registry) Nonce(base order.BaseID) uint64 { return r.nonces[base] }

// Len returns the number of tracked positions.
func (r *Registry) Len() int { return len(r.positions) }

func (r *Registry) deactivate(p *PositionState) {
	r.index.Unregister(p.ID)
	p.Active = false
	p.WaitingKeeper = false
	if r.nonces[p.ID.BaseID] == p.ID.Nonce {
		r.nonces[p.ID.BaseID] = p.ID.Nonce + 1
	}
}
