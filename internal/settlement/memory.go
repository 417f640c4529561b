package settlement

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"sync"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/zeebo/blake3"
)

// MemoryCore is an in-process concentrated-liquidity pool manager. Windows
// run against a copy of the state that replaces the live one only when the
// window settles cleanly. Swaps are serialized with their hooks.
type MemoryCore struct {
	swapMu sync.Mutex
	mu     sync.Mutex

	st        *memState
	hooks     map[order.PoolID]Hook
	blocked   map[common.Address]bool
	fundSwaps bool
}

type MemoryOption func(*MemoryCore)

// WithSwapFunding credits traders with whatever a swap needs. Used when
// swaps mirror trades settled on another venue.
func WithSwapFunding() MemoryOption {
	return func(c *MemoryCore) { c.fundSwaps = true }
}

func NewMemoryCore(opts ...MemoryOption) *MemoryCore {
	c := &MemoryCore{
		st:      newMemState(),
		hooks:   make(map[order.PoolID]Hook),
		blocked: make(map[common.Address]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type ammPosition struct {
	Owner     common.Address
	Lower     int32
	Upper     int32
	Salt      [32]byte
	Liquidity *uint256.Int
	Fees      fpmath.Pair
}

type memPool struct {
	Key       order.PoolKey
	Tick      int32
	Positions map[[32]byte]*ammPosition
}

type memState struct {
	pools    map[order.PoolID]*memPool
	wallets  map[common.Address]map[common.Address]*uint256.Int
	claims   map[common.Address]map[common.Address]*uint256.Int
	reserves map[common.Address]*uint256.Int
}

func newMemState() *memState {
	return &memState{
		pools:    make(map[order.PoolID]*memPool),
		wallets:  make(map[common.Address]map[common.Address]*uint256.Int),
		claims:   make(map[common.Address]map[common.Address]*uint256.Int),
		reserves: make(map[common.Address]*uint256.Int),
	}
}

func (s *memState) clone() *memState {
	out := newMemState()
	for id, p := range s.pools {
		cp := &memPool{Key: p.Key, Tick: p.Tick, Positions: make(map[[32]byte]*ammPosition, len(p.Positions))}
		for k, pos := range p.Positions {
			dup := *pos
			dup.Liquidity = new(uint256.Int).Set(pos.Liquidity)
			dup.Fees = pos.Fees.Clone()
			cp.Positions[k] = &dup
		}
		out.pools[id] = cp
	}
	out.wallets = cloneBalances(s.wallets)
	out.claims = cloneBalances(s.claims)
	for c, v := range s.reserves {
		out.reserves[c] = new(uint256.Int).Set(v)
	}
	return out
}

func cloneBalances(in map[common.Address]map[common.Address]*uint256.Int) map[common.Address]map[common.Address]*uint256.Int {
	out := make(map[common.Address]map[common.Address]*uint256.Int, len(in))
	for holder, byCurrency := range in {
		m := make(map[common.Address]*uint256.Int, len(byCurrency))
		for c, v := range byCurrency {
			m[c] = new(uint256.Int).Set(v)
		}
		out[holder] = m
	}
	return out
}

func balanceOf(m map[common.Address]map[common.Address]*uint256.Int, holder, currency common.Address) *uint256.Int {
	if v, ok := m[holder][currency]; ok {
		return v
	}
	return new(uint256.Int)
}

func credit(m map[common.Address]map[common.Address]*uint256.Int, holder, currency common.Address, amount *uint256.Int) {
	byCurrency, ok := m[holder]
	if !ok {
		byCurrency = make(map[common.Address]*uint256.Int)
		m[holder] = byCurrency
	}
	cur, ok := byCurrency[currency]
	if !ok {
		cur = new(uint256.Int)
		byCurrency[currency] = cur
	}
	cur.Add(cur, amount)
}

func debit(m map[common.Address]map[common.Address]*uint256.Int, holder, currency common.Address, amount *uint256.Int) bool {
	cur, ok := m[holder][currency]
	if !ok {
		return amount.IsZero()
	}
	if cur.Lt(amount) {
		return false
	}
	cur.Sub(cur, amount)
	return true
}

func ammPositionKey(owner common.Address, lower, upper int32, salt [32]byte) [32]byte {
	var buf [20 + 8 + 32]byte
	copy(buf[:20], owner.Bytes())
	binary.BigEndian.PutUint32(buf[20:24], uint32(lower))
	binary.BigEndian.PutUint32(buf[24:28], uint32(upper))
	copy(buf[28:], salt[:])
	return blake3.Sum256(buf[:])
}

// ============================================================================
// Administration
// ============================================================================

// Initialize creates a pool at tick.
func (c *MemoryCore) Initialize(key order.PoolKey, tick int32) error {
	if key.TickSpacing <= 0 || tick < fpmath.MinTick || tick > fpmath.MaxTick {
		return ErrInvalidTickRange
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := key.ID()
	if _, ok := c.st.pools[id]; ok {
		return ErrPoolExists
	}
	c.st.pools[id] = &memPool{Key: key, Tick: tick, Positions: make(map[[32]byte]*ammPosition)}
	return nil
}

func (c *MemoryCore) SetHook(id order.PoolID, h Hook) {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	c.hooks[id] = h
}

// Fund mints amount of currency into holder's wallet.
func (c *MemoryCore) Fund(holder, currency common.Address, amount *uint256.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	credit(c.st.wallets, holder, currency, amount)
}

// BlockRecipient makes every delivery to addr fail.
func (c *MemoryCore) BlockRecipient(addr common.Address, blocked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if blocked {
		c.blocked[addr] = true
	} else {
		delete(c.blocked, addr)
	}
}

func (c *MemoryCore) Balance(holder, currency common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(uint256.Int).Set(balanceOf(c.st.wallets, holder, currency))
}

func (c *MemoryCore) Claims(holder, currency common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(uint256.Int).Set(balanceOf(c.st.claims, holder, currency))
}

func (c *MemoryCore) Reserves(currency common.Address) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.st.reserves[currency]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// PositionLiquidity returns the liquidity of one AMM position, zero if absent.
func (c *MemoryCore) PositionLiquidity(id order.PoolID, owner common.Address, lower, upper int32, salt [32]byte) *uint256.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.st.pools[id]
	if !ok {
		return new(uint256.Int)
	}
	if pos, ok := p.Positions[ammPositionKey(owner, lower, upper, salt)]; ok {
		return new(uint256.Int).Set(pos.Liquidity)
	}
	return new(uint256.Int)
}

func (c *MemoryCore) PoolKey(id order.PoolID) (order.PoolKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.st.pools[id]
	if !ok {
		return order.PoolKey{}, false
	}
	return p.Key, true
}

// CurrentTick must not be called from inside an Unlock callback.
func (c *MemoryCore) CurrentTick(id order.PoolID) (int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.st.pools[id]
	if !ok {
		return 0, ErrPoolNotFound
	}
	return p.Tick, nil
}

// Pools lists initialized pools.
func (c *MemoryCore) Pools() []order.PoolKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]order.PoolKey, 0, len(c.st.pools))
	for _, p := range c.st.pools {
		out = append(out, p.Key)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID(), out[j].ID()
		return bytes.Compare(a[:], b[:]) < 0
	})
	return out
}

// ============================================================================
// Settlement window
// ============================================================================

// Unlock runs cb against a staged copy of the state and commits it only if
// cb succeeds and every currency delta is zero.
func (c *MemoryCore) Unlock(locker common.Address, cb func(Window) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &memWindow{
		st:      c.st.clone(),
		locker:  locker,
		blocked: c.blocked,
		deltas:  make(map[common.Address]*big.Int),
	}
	err := cb(w)
	w.closed = true
	if err != nil {
		return err
	}
	if err := w.verify(); err != nil {
		return err
	}
	c.st = w.st
	return nil
}

type memWindow struct {
	st      *memState
	locker  common.Address
	blocked map[common.Address]bool
	deltas  map[common.Address]*big.Int
	closed  bool
}

func (w *memWindow) add(currency common.Address, v *big.Int) {
	cur, ok := w.deltas[currency]
	if !ok {
		cur = new(big.Int)
		w.deltas[currency] = cur
	}
	cur.Add(cur, v)
}

func (w *memWindow) verify() error {
	currencies := make([]common.Address, 0, len(w.deltas))
	for c := range w.deltas {
		currencies = append(currencies, c)
	}
	sort.Slice(currencies, func(i, j int) bool { return currencies[i].Cmp(currencies[j]) < 0 })
	for _, c := range currencies {
		if d := w.deltas[c]; d.Sign() != 0 {
			return fmt.Errorf("%w: currency=%s delta=%s", ErrUnsettledDeltas, c.Hex(), d)
		}
	}
	return nil
}

func (w *memWindow) Tick(pool order.PoolID) (int32, error) {
	if w.closed {
		return 0, ErrWindowClosed
	}
	p, ok := w.st.pools[pool]
	if !ok {
		return 0, ErrPoolNotFound
	}
	return p.Tick, nil
}

func (w *memWindow) ModifyLiquidity(key order.PoolKey, params ModifyLiquidityParams) (BalanceDelta, BalanceDelta, error) {
	if w.closed {
		return ZeroBalanceDelta(), ZeroBalanceDelta(), ErrWindowClosed
	}
	p, ok := w.st.pools[key.ID()]
	if !ok {
		return ZeroBalanceDelta(), ZeroBalanceDelta(), ErrPoolNotFound
	}
	spacing := p.Key.TickSpacing
	if params.TickLower >= params.TickUpper ||
		params.TickLower < fpmath.MinTick || params.TickUpper > fpmath.MaxTick ||
		params.TickLower%spacing != 0 || params.TickUpper%spacing != 0 {
		return ZeroBalanceDelta(), ZeroBalanceDelta(), ErrInvalidTickRange
	}
	if params.LiquidityDelta == nil {
		params.LiquidityDelta = new(big.Int)
	}

	posKey := ammPositionKey(w.locker, params.TickLower, params.TickUpper, params.Salt)
	pos, exists := p.Positions[posKey]
	if !exists {
		pos = &ammPosition{
			Owner:     w.locker,
			Lower:     params.TickLower,
			Upper:     params.TickUpper,
			Salt:      params.Salt,
			Liquidity: new(uint256.Int),
			Fees:      fpmath.NewPair(),
		}
	}

	principal := ZeroBalanceDelta()
	magnitude, overflow := uint256.FromBig(new(big.Int).Abs(params.LiquidityDelta))
	if overflow {
		return ZeroBalanceDelta(), ZeroBalanceDelta(), ErrInsufficientLiquidity
	}
	switch params.LiquidityDelta.Sign() {
	case 1:
		amounts, err := fpmath.AmountsForLiquidity(p.Tick, params.TickLower, params.TickUpper, magnitude, true)
		if err != nil {
			return ZeroBalanceDelta(), ZeroBalanceDelta(), err
		}
		pos.Liquidity.Add(pos.Liquidity, magnitude)
		principal = ZeroBalanceDelta().Sub(DeltaOf(amounts))
	case -1:
		if pos.Liquidity.Lt(magnitude) {
			return ZeroBalanceDelta(), ZeroBalanceDelta(), ErrInsufficientLiquidity
		}
		amounts, err := fpmath.AmountsForLiquidity(p.Tick, params.TickLower, params.TickUpper, magnitude, false)
		if err != nil {
			return ZeroBalanceDelta(), ZeroBalanceDelta(), err
		}
		pos.Liquidity.Sub(pos.Liquidity, magnitude)
		principal = DeltaOf(amounts)
	}

	feeDelta := DeltaOf(pos.Fees)
	pos.Fees = fpmath.NewPair()
	callerDelta := principal.Add(feeDelta)

	if pos.Liquidity.IsZero() {
		delete(p.Positions, posKey)
	} else {
		p.Positions[posKey] = pos
	}

	w.add(p.Key.Currency0, callerDelta.Amount0)
	w.add(p.Key.Currency1, callerDelta.Amount1)
	return callerDelta, feeDelta, nil
}

func (w *memWindow) Settle(currency, payer common.Address, amount *uint256.Int) error {
	if w.closed {
		return ErrWindowClosed
	}
	if amount.IsZero() {
		return nil
	}
	if !debit(w.st.wallets, payer, currency, amount) {
		return fmt.Errorf("%w: %s holds %s of %s, needs %s", ErrInsufficientFunds,
			payer.Hex(), balanceOf(w.st.wallets, payer, currency).Dec(), currency.Hex(), amount.Dec())
	}
	w.addReserve(currency, amount)
	w.add(currency, amount.ToBig())
	return nil
}

func (w *memWindow) Take(currency, recipient common.Address, amount *uint256.Int) error {
	if w.closed {
		return ErrWindowClosed
	}
	if amount.IsZero() {
		return nil
	}
	if w.blocked[recipient] {
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, recipient.Hex())
	}
	if !w.subReserve(currency, amount) {
		return fmt.Errorf("%w: pool reserves of %s", ErrInsufficientFunds, currency.Hex())
	}
	credit(w.st.wallets, recipient, currency, amount)
	w.add(currency, new(big.Int).Neg(amount.ToBig()))
	return nil
}

func (w *memWindow) MintClaims(currency common.Address, amount *uint256.Int) error {
	if w.closed {
		return ErrWindowClosed
	}
	if amount.IsZero() {
		return nil
	}
	credit(w.st.claims, w.locker, currency, amount)
	w.add(currency, new(big.Int).Neg(amount.ToBig()))
	return nil
}

func (w *memWindow) BurnClaims(currency common.Address, amount *uint256.Int) error {
	if w.closed {
		return ErrWindowClosed
	}
	if amount.IsZero() {
		return nil
	}
	if !debit(w.st.claims, w.locker, currency, amount) {
		return fmt.Errorf("%w: %s of %s", ErrInsufficientClaims, amount.Dec(), currency.Hex())
	}
	w.add(currency, amount.ToBig())
	return nil
}

func (w *memWindow) addReserve(currency common.Address, amount *uint256.Int) {
	cur, ok := w.st.reserves[currency]
	if !ok {
		cur = new(uint256.Int)
		w.st.reserves[currency] = cur
	}
	cur.Add(cur, amount)
}

func (w *memWindow) subReserve(currency common.Address, amount *uint256.Int) bool {
	cur, ok := w.st.reserves[currency]
	if !ok || cur.Lt(amount) {
		return false
	}
	cur.Sub(cur, amount)
	return true
}
