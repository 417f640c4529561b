package core

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"

	"TickBook/internal/keeper"
	"TickBook/internal/ledger"
	"TickBook/internal/order"
	"TickBook/internal/settlement"
	"TickBook/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SnapshotState is everything needed to resume the engine without
// replaying the log from genesis.
type SnapshotState struct {
	// NextSequence is the sequence the restored engine assigns next.
	NextSequence int64             `json:"next_sequence"`
	StateHash    string            `json:"state_hash"`
	Config       ConfigSnapshot    `json:"config"`
	Paused       bool              `json:"paused"`
	MinOrderSize []MinSizeSnapshot `json:"min_order_size"`
	Pools        []PoolSnapshot    `json:"pools"`
	Balances     []BalanceSnapshot `json:"balances"`

	// AMM is present when the engine runs against an in-process pool.
	AMM *settlement.MemorySnapshot `json:"amm,omitempty"`

	// Swap feed resume points, filled by FeedProcessor.Checkpoint.
	Feed            []SequenceState `json:"feed,omitempty"`
	IdempotencyKeys []string        `json:"idempotency_keys,omitempty"`
}

type ConfigSnapshot struct {
	Owner                 common.Address   `json:"owner"`
	Self                  common.Address   `json:"self"`
	Treasury              common.Address   `json:"treasury"`
	TreasuryFeeBps        uint16           `json:"treasury_fee_bps"`
	MaxExecutionsPerTrade int              `json:"max_executions_per_trade"`
	MaxScaleOrders        int              `json:"max_scale_orders"`
	Keepers               []common.Address `json:"keepers"`
}

type MinSizeSnapshot struct {
	Token  common.Address `json:"token"`
	Amount string         `json:"amount"`
}

type PoolSnapshot struct {
	Key      order.PoolKey          `json:"key"`
	Allowed  bool                   `json:"allowed"`
	Registry state.RegistrySnapshot `json:"registry"`
	Queue    []order.PositionID     `json:"queue"`
}

type BalanceSnapshot struct {
	Scope    ledger.AccountScope `json:"scope"`
	EntityID string              `json:"entity_id"`
	Currency common.Address      `json:"currency"`
	Balance  string              `json:"balance"`
}

type ammSnapshotter interface {
	Export() settlement.MemorySnapshot
	Restore(settlement.MemorySnapshot) error
}

// Snapshot captures the engine and, when it supports it, the AMM.
func (e *Engine) Snapshot() *SnapshotState {
	hash := e.chain.Tip()
	snap := &SnapshotState{
		NextSequence: e.sequence,
		StateHash:    hex.EncodeToString(hash[:]),
		Config: ConfigSnapshot{
			Owner:                 e.cfg.Owner,
			Self:                  e.cfg.Self,
			Treasury:              e.cfg.Treasury,
			TreasuryFeeBps:        e.cfg.TreasuryFeeBps,
			MaxExecutionsPerTrade: e.cfg.MaxExecutionsPerTrade,
			MaxScaleOrders:        e.cfg.MaxScaleOrders,
			Keepers:               e.Keepers(),
		},
		Paused: e.paused,
	}

	for token, amount := range e.minOrderSize {
		snap.MinOrderSize = append(snap.MinOrderSize, MinSizeSnapshot{Token: token, Amount: amount.Dec()})
	}
	sort.Slice(snap.MinOrderSize, func(i, j int) bool {
		return snap.MinOrderSize[i].Token.Cmp(snap.MinOrderSize[j].Token) < 0
	})

	for _, id := range e.poolIDs() {
		b := e.pools[id]
		snap.Pools = append(snap.Pools, PoolSnapshot{
			Key:      b.key,
			Allowed:  b.allowed,
			Registry: b.registry.Export(),
			Queue:    b.queue.Peek(0),
		})
	}

	for _, bal := range e.balances.Snapshot() {
		snap.Balances = append(snap.Balances, BalanceSnapshot{
			Scope:    bal.Key.Scope,
			EntityID: hex.EncodeToString(bal.Key.EntityID[:]),
			Currency: bal.Key.Currency,
			Balance:  bal.Balance.String(),
		})
	}

	if amm, ok := e.amm.(ammSnapshotter); ok {
		exported := amm.Export()
		snap.AMM = &exported
	}
	return snap
}

// Restore replaces the engine's state with snap. The engine must not have
// served any call yet.
func (e *Engine) Restore(snap *SnapshotState) error {
	if e.sequence != 0 || len(e.pools) != 0 {
		return fmt.Errorf("restore: engine already has state")
	}

	hash, err := hex.DecodeString(snap.StateHash)
	if err != nil || len(hash) != 32 {
		return fmt.Errorf("restore: bad state hash %q", snap.StateHash)
	}

	pools := make(map[order.PoolID]*poolBook, len(snap.Pools))
	for _, ps := range snap.Pools {
		reg, err := state.RestoreRegistry(ps.Registry)
		if err != nil {
			return fmt.Errorf("restore pool %s: %w", ps.Key.ID(), err)
		}
		q := keeper.NewQueue()
		q.Push(ps.Queue...)
		id := ps.Key.ID()
		pools[id] = &poolBook{key: ps.Key, id: id, allowed: ps.Allowed, registry: reg, queue: q}
	}

	minSizes := make(map[common.Address]*uint256.Int, len(snap.MinOrderSize))
	for _, m := range snap.MinOrderSize {
		v, err := uint256.FromDecimal(m.Amount)
		if err != nil {
			return fmt.Errorf("restore min order size %s: %w", m.Token.Hex(), err)
		}
		minSizes[m.Token] = v
	}

	balances := make([]ledger.AccountBalance, 0, len(snap.Balances))
	for _, b := range snap.Balances {
		entity, err := hex.DecodeString(b.EntityID)
		if err != nil || len(entity) != 32 {
			return fmt.Errorf("restore balance: bad entity %q", b.EntityID)
		}
		v, ok := new(big.Int).SetString(b.Balance, 10)
		if !ok {
			return fmt.Errorf("restore balance: bad amount %q", b.Balance)
		}
		key := ledger.AccountKey{Scope: b.Scope, Currency: b.Currency}
		copy(key.EntityID[:], entity)
		balances = append(balances, ledger.AccountBalance{Key: key, Balance: v})
	}

	if snap.AMM != nil {
		amm, ok := e.amm.(ammSnapshotter)
		if !ok {
			return fmt.Errorf("restore: snapshot carries AMM state but the AMM cannot restore it")
		}
		if err := amm.Restore(*snap.AMM); err != nil {
			return fmt.Errorf("restore amm: %w", err)
		}
	}

	e.cfg = Config{
		Owner:                 snap.Config.Owner,
		Self:                  snap.Config.Self,
		Treasury:              snap.Config.Treasury,
		TreasuryFeeBps:        snap.Config.TreasuryFeeBps,
		MaxExecutionsPerTrade: snap.Config.MaxExecutionsPerTrade,
		MaxScaleOrders:        snap.Config.MaxScaleOrders,
	}
	e.keepers = make(map[common.Address]bool, len(snap.Config.Keepers))
	for _, k := range snap.Config.Keepers {
		e.keepers[k] = true
	}
	e.paused = snap.Paused
	e.minOrderSize = minSizes
	e.pools = pools
	e.balances.Restore(balances)
	e.sequence = snap.NextSequence
	var tip [32]byte
	copy(tip[:], hash)
	e.chain.Resume(tip)
	return nil
}
