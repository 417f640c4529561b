package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"TickBook/internal/core"
	"TickBook/internal/event"
	"TickBook/internal/order"
	"TickBook/internal/settlement"
	"TickBook/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// service wires engine, sequencer, hook and feed the way the binary does.
type service struct {
	amm  *settlement.MemoryCore
	seq  *core.Sequencer
	feed *core.FeedProcessor
	key  order.PoolKey
	pool order.PoolID
}

func newService(t *testing.T) *service {
	t.Helper()
	amm := settlement.NewMemoryCore(settlement.WithSwapFunding())
	key := order.PoolKey{Currency0: token0, Currency1: token1, Fee: 3000, TickSpacing: 60, Hooks: hookAddr}
	require.NoError(t, amm.Initialize(key, 0))
	amm.Fund(alice, token0, u(startWallet))

	cfg := core.DefaultConfig()
	cfg.Owner, cfg.Self = owner, self
	cfg.Keepers = []common.Address{keeperAddr}
	eng := core.NewEngine(cfg, amm, nil, nil, nil)

	seq := core.NewSequencer(eng, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	amm.SetHook(key.ID(), core.NewTradeHook(eng, time.Second, zerolog.Nop()))
	dedup := core.NewIdempotencyChecker(128, nil, nil)
	feed := core.NewFeedProcessor(seq, amm, dedup, nil, nil, zerolog.Nop())

	require.NoError(t, seq.Do(context.Background(), func(e *core.Engine) error {
		return e.AllowPool(owner, key)
	}))
	return &service{amm: amm, seq: seq, feed: feed, key: key, pool: key.ID()}
}

func (s *service) create(t *testing.T, target int32) core.OrderReceipt {
	t.Helper()
	var r core.OrderReceipt
	require.NoError(t, s.seq.Do(context.Background(), func(e *core.Engine) error {
		var err error
		r, err = e.CreateOrder(alice, s.pool, order.SideToken0, target, u(oneToken))
		return err
	}))
	return r
}

func (s *service) status(t *testing.T) []state.Status {
	t.Helper()
	var out []state.Status
	require.NoError(t, s.seq.Do(context.Background(), func(e *core.Engine) error {
		for _, v := range e.GetOrders(alice) {
			out = append(out, v.Status)
		}
		return nil
	}))
	return out
}

func swapEvent(pool order.PoolID, id string, seq int64, tick int32) *event.SwapObserved {
	return &event.SwapObserved{
		SwapID:     id,
		Pool:       pool,
		Trader:     trader,
		TargetTick: tick,
		Fee0:       u(10),
		Fee1:       u(10),
		Sequence:   seq,
		Timestamp:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// ============================================================================
// Test: feed through sequencer and hook
// ============================================================================

func TestFeed_SwapExecutesThroughHook(t *testing.T) {
	s := newService(t)
	s.create(t, 180)

	res, applied, err := s.feed.Apply(context.Background(), swapEvent(s.pool, "swap-1", 1, 240), "test")
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, res.HookErr)
	require.Equal(t, int32(240), res.TickAfter)
	require.Equal(t, []state.Status{state.StatusExecuted}, s.status(t))
}

func TestFeed_DuplicateSwapIgnored(t *testing.T) {
	s := newService(t)

	_, applied, err := s.feed.Apply(context.Background(), swapEvent(s.pool, "swap-1", 1, 120), "test")
	require.NoError(t, err)
	require.True(t, applied)

	_, applied, err = s.feed.Apply(context.Background(), swapEvent(s.pool, "swap-1", 2, 240), "test")
	require.NoError(t, err)
	require.False(t, applied)

	tick, err := s.amm.CurrentTick(s.pool)
	require.NoError(t, err)
	require.Equal(t, int32(120), tick)
}

func TestFeed_StaleSequenceRejected(t *testing.T) {
	s := newService(t)

	_, _, err := s.feed.Apply(context.Background(), swapEvent(s.pool, "swap-5", 5, 60), "test")
	require.NoError(t, err)

	_, applied, err := s.feed.Apply(context.Background(), swapEvent(s.pool, "swap-3", 3, 120), "test")
	require.False(t, applied)
	var stale *core.ErrStaleSequence
	require.True(t, errors.As(err, &stale))
	require.Equal(t, int64(6), stale.Expected)
}

func TestSequencer_DoHonorsContext(t *testing.T) {
	eng := core.NewEngine(core.DefaultConfig(), settlement.NewMemoryCore(), nil, nil, nil)
	seq := core.NewSequencer(eng, 0, nil)

	// Nobody runs the sequencer, so the request cannot be taken.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := seq.Do(ctx, func(*core.Engine) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSequencer_KeeperExecutor(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.seq.Do(context.Background(), func(e *core.Engine) error {
		return e.SetMaxExecutionsPerTrade(owner, 1)
	}))
	s.create(t, 120)
	s.create(t, 180)

	_, _, err := s.feed.Apply(context.Background(), swapEvent(s.pool, "swap-1", 1, 240), "test")
	require.NoError(t, err)

	executed, discarded, err := s.seq.ExecutePending(context.Background(), keeperAddr, 10)
	require.NoError(t, err)
	require.Equal(t, 1, executed)
	require.Equal(t, 0, discarded)
	require.Equal(t, []state.Status{state.StatusExecuted, state.StatusExecuted}, s.status(t))
}

// newIdleService builds an engine with one order at [120, 180] and a
// sequencer nobody runs yet.
func newIdleService(t *testing.T) (*settlement.MemoryCore, *core.Engine, *core.Sequencer, order.PoolKey) {
	t.Helper()
	amm := settlement.NewMemoryCore(settlement.WithSwapFunding())
	key := order.PoolKey{Currency0: token0, Currency1: token1, Fee: 3000, TickSpacing: 60, Hooks: hookAddr}
	require.NoError(t, amm.Initialize(key, 0))
	amm.Fund(alice, token0, u(startWallet))

	cfg := core.DefaultConfig()
	cfg.Owner, cfg.Self = owner, self
	eng := core.NewEngine(cfg, amm, nil, nil, nil)
	require.NoError(t, eng.AllowPool(owner, key))
	_, err := eng.CreateOrder(alice, key.ID(), order.SideToken0, 180, u(oneToken))
	require.NoError(t, err)
	return amm, eng, core.NewSequencer(eng, 0, nil), key
}

func startSequencer(t *testing.T, seq *core.Sequencer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		seq.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSequencer_TradeOutlivesHookTimeout(t *testing.T) {
	amm, _, seq, key := newIdleService(t)
	amm.SetHook(key.ID(), core.NewTradeHook(seq, 50*time.Millisecond, zerolog.Nop()))

	res, err := amm.Swap(settlement.SwapParams{Pool: key.ID(), Trader: trader, TargetTick: 240, Fee0: u(10), Fee1: u(10)})
	require.NoError(t, err)
	require.ErrorIs(t, res.HookErr, context.DeadlineExceeded)

	startSequencer(t, seq)
	require.Eventually(t, func() bool {
		var st state.Status
		err := seq.Do(context.Background(), func(e *core.Engine) error {
			st = e.GetOrders(alice)[0].Status
			return nil
		})
		return err == nil && st == state.StatusExecuted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSequencer_HandleTradeAfterStop(t *testing.T) {
	_, _, seq, key := newIdleService(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	err := seq.HandleTrade(context.Background(), hookAddr, key.ID(), 0, 240)
	require.ErrorIs(t, err, core.ErrSequencerStopped)
	err = seq.Exec(context.Background(), func(*core.Engine) error { return nil })
	require.ErrorIs(t, err, core.ErrSequencerStopped)
}

func TestFeed_SwapWaitsForSequencer(t *testing.T) {
	amm, eng, seq, key := newIdleService(t)
	amm.SetHook(key.ID(), core.NewTradeHook(eng, time.Second, zerolog.Nop()))
	feed := core.NewFeedProcessor(seq, amm, core.NewIdempotencyChecker(128, nil, nil), nil, nil, zerolog.Nop())

	// The swap cannot run while another call owns the engine.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, applied, err := feed.Apply(ctx, swapEvent(key.ID(), "swap-1", 1, 240), "test")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, applied)
	tick, err := amm.CurrentTick(key.ID())
	require.NoError(t, err)
	require.Equal(t, int32(0), tick)

	// The same notification is accepted once the sequencer serves.
	startSequencer(t, seq)
	res, applied, err := feed.Apply(context.Background(), swapEvent(key.ID(), "swap-1", 1, 240), "test")
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, res.HookErr)
	require.Equal(t, int64(2), feed.ExpectedSequence(key.ID()))
	var st state.Status
	require.NoError(t, seq.Do(context.Background(), func(e *core.Engine) error {
		st = e.GetOrders(alice)[0].Status
		return nil
	}))
	require.Equal(t, state.StatusExecuted, st)
}

// ============================================================================
// Test: snapshot round trip
// ============================================================================

func TestSnapshot_RestoreResumesEngine(t *testing.T) {
	s := newService(t)
	require.NoError(t, s.seq.Do(context.Background(), func(e *core.Engine) error {
		if err := e.SetMaxExecutionsPerTrade(owner, 1); err != nil {
			return err
		}
		return e.SetTreasury(owner, treasury, 500)
	}))
	s.create(t, 120)
	pendingOrder := s.create(t, 180)
	_, _, err := s.feed.Apply(context.Background(), swapEvent(s.pool, "swap-1", 1, 240), "test")
	require.NoError(t, err)

	snap, err := s.feed.Checkpoint(context.Background(), s.seq)
	require.NoError(t, err)
	require.NotNil(t, snap.AMM)
	require.Len(t, snap.Feed, 1)
	require.NotEmpty(t, snap.IdempotencyKeys)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded core.SnapshotState
	require.NoError(t, json.Unmarshal(raw, &decoded))

	var (
		wantOrders  []core.OrderView
		wantHash    [32]byte
		wantSeq     int64
		wantPending []order.PositionID
	)
	require.NoError(t, s.seq.Do(context.Background(), func(e *core.Engine) error {
		wantOrders = e.GetOrders(alice)
		wantHash, wantSeq = e.StateHash(), e.Sequence()
		wantPending, err = e.PendingPositions(s.pool)
		return err
	}))
	require.Equal(t, []order.PositionID{pendingOrder.ID}, wantPending)

	amm := settlement.NewMemoryCore(settlement.WithSwapFunding())
	restored := core.NewEngine(core.Config{}, amm, nil, nil, nil)
	require.NoError(t, restored.Restore(&decoded))

	require.Equal(t, wantHash, restored.StateHash())
	require.Equal(t, wantSeq, restored.Sequence())
	require.Equal(t, wantOrders, restored.GetOrders(alice))
	pending, err := restored.PendingPositions(s.pool)
	require.NoError(t, err)
	require.Equal(t, wantPending, pending)
	require.Equal(t, uint16(500), restored.Config().TreasuryFeeBps)
	require.Equal(t, []common.Address{keeperAddr}, restored.Keepers())

	executed, _, err := restored.ExecutePending(keeperAddr, 0)
	require.NoError(t, err)
	require.Equal(t, 1, executed)

	feed := core.NewFeedProcessor(nil, amm, core.NewIdempotencyChecker(128, nil, nil), nil, nil, zerolog.Nop())
	feed.Restore(&decoded)
	_, applied, err := feed.Apply(context.Background(), swapEvent(s.pool, "swap-1", 1, 300), "test")
	require.NoError(t, err)
	require.False(t, applied)

	require.Error(t, restored.Restore(&decoded))
}
