package settlement

import (
	"fmt"
	"sort"

	fpmath "TickBook/internal/math"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type AMMPositionSnapshot struct {
	Owner     common.Address `json:"owner"`
	Lower     int32          `json:"lower"`
	Upper     int32          `json:"upper"`
	Salt      common.Hash    `json:"salt"`
	Liquidity string         `json:"liquidity"`
	Fee0      string         `json:"fee0"`
	Fee1      string         `json:"fee1"`
}

type PoolSnapshot struct {
	Key       order.PoolKey         `json:"key"`
	Tick      int32                 `json:"tick"`
	Positions []AMMPositionSnapshot `json:"positions"`
}

type BalanceEntry struct {
	Holder   common.Address `json:"holder,omitempty"`
	Currency common.Address `json:"currency"`
	Amount   string         `json:"amount"`
}

// MemorySnapshot is the persisted form of a MemoryCore. Hooks and blocked
// recipients are runtime wiring and are not part of it.
type MemorySnapshot struct {
	Pools    []PoolSnapshot `json:"pools"`
	Wallets  []BalanceEntry `json:"wallets"`
	Claims   []BalanceEntry `json:"claims"`
	Reserves []BalanceEntry `json:"reserves"`
}

func (c *MemoryCore) Export() MemorySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	var snap MemorySnapshot
	for _, p := range c.st.pools {
		ps := PoolSnapshot{Key: p.Key, Tick: p.Tick}
		for _, pos := range sortedPositions(p) {
			ps.Positions = append(ps.Positions, AMMPositionSnapshot{
				Owner:     pos.Owner,
				Lower:     pos.Lower,
				Upper:     pos.Upper,
				Salt:      common.Hash(pos.Salt),
				Liquidity: pos.Liquidity.Dec(),
				Fee0:      pos.Fees.Get(0).Dec(),
				Fee1:      pos.Fees.Get(1).Dec(),
			})
		}
		snap.Pools = append(snap.Pools, ps)
	}
	sort.Slice(snap.Pools, func(i, j int) bool {
		a, b := snap.Pools[i].Key.ID(), snap.Pools[j].Key.ID()
		return a.String() < b.String()
	})
	snap.Wallets = exportBalances(c.st.wallets)
	snap.Claims = exportBalances(c.st.claims)
	for currency, v := range c.st.reserves {
		snap.Reserves = append(snap.Reserves, BalanceEntry{Currency: currency, Amount: v.Dec()})
	}
	sortEntries(snap.Reserves)
	return snap
}

// Restore replaces the core's state with snap.
func (c *MemoryCore) Restore(snap MemorySnapshot) error {
	st := newMemState()
	for _, ps := range snap.Pools {
		p := &memPool{Key: ps.Key, Tick: ps.Tick, Positions: make(map[[32]byte]*ammPosition, len(ps.Positions))}
		for _, s := range ps.Positions {
			liquidity, err := uint256.FromDecimal(s.Liquidity)
			if err != nil {
				return fmt.Errorf("restore position liquidity: %w", err)
			}
			fee0, err := uint256.FromDecimal(s.Fee0)
			if err != nil {
				return fmt.Errorf("restore position fee0: %w", err)
			}
			fee1, err := uint256.FromDecimal(s.Fee1)
			if err != nil {
				return fmt.Errorf("restore position fee1: %w", err)
			}
			pos := &ammPosition{
				Owner:     s.Owner,
				Lower:     s.Lower,
				Upper:     s.Upper,
				Salt:      [32]byte(s.Salt),
				Liquidity: liquidity,
				Fees:      fpmath.Pair{Amount0: fee0, Amount1: fee1},
			}
			p.Positions[ammPositionKey(s.Owner, s.Lower, s.Upper, pos.Salt)] = pos
		}
		st.pools[ps.Key.ID()] = p
	}
	if err := restoreBalances(st.wallets, snap.Wallets); err != nil {
		return fmt.Errorf("restore wallets: %w", err)
	}
	if err := restoreBalances(st.claims, snap.Claims); err != nil {
		return fmt.Errorf("restore claims: %w", err)
	}
	for _, e := range snap.Reserves {
		v, err := uint256.FromDecimal(e.Amount)
		if err != nil {
			return fmt.Errorf("restore reserves: %w", err)
		}
		st.reserves[e.Currency] = v
	}

	c.mu.Lock()
	c.st = st
	c.mu.Unlock()
	return nil
}

func exportBalances(m map[common.Address]map[common.Address]*uint256.Int) []BalanceEntry {
	var out []BalanceEntry
	for holder, byCurrency := range m {
		for currency, v := range byCurrency {
			if v.IsZero() {
				continue
			}
			out = append(out, BalanceEntry{Holder: holder, Currency: currency, Amount: v.Dec()})
		}
	}
	sortEntries(out)
	return out
}

func restoreBalances(m map[common.Address]map[common.Address]*uint256.Int, entries []BalanceEntry) error {
	for _, e := range entries {
		v, err := uint256.FromDecimal(e.Amount)
		if err != nil {
			return err
		}
		credit(m, e.Holder, e.Currency, v)
	}
	return nil
}

func sortEntries(entries []BalanceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if c := entries[i].Holder.Cmp(entries[j].Holder); c != 0 {
			return c < 0
		}
		return entries[i].Currency.Cmp(entries[j].Currency) < 0
	})
}
