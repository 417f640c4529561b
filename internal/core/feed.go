package core

import (
	"context"
	"fmt"
	"sync"

	"TickBook/internal/event"
	"TickBook/internal/observability"
	"TickBook/internal/order"
	"TickBook/internal/settlement"

	"github.com/rs/zerolog"
)

// Swapper replays a reported trade against the pool.
type Swapper interface {
	Swap(params settlement.SwapParams) (settlement.SwapResult, error)
}

// SwapLog records replayed swaps so tier-2 deduplication survives restarts.
type SwapLog interface {
	RecordSwap(evt *event.SwapObserved) error
}

// FeedProcessor turns SwapObserved notifications into pool trades. It is
// safe for concurrent sources. Each swap runs as one sequencer request, so
// the trade and the order execution it triggers never interleave with
// other engine calls. Pool hooks must therefore notify the Engine, not
// the Sequencer.
type FeedProcessor struct {
	seq       *Sequencer
	swapper   Swapper
	dedup     *IdempotencyChecker
	sequences *SequenceValidator
	swapLog   SwapLog
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewFeedProcessor builds a feed that swaps on seq. A nil seq swaps on the
// caller's goroutine, for callers that already own the engine.
func NewFeedProcessor(seq *Sequencer, swapper Swapper, dedup *IdempotencyChecker, swapLog SwapLog, metrics *observability.Metrics, logger zerolog.Logger) *FeedProcessor {
	return &FeedProcessor{
		seq:       seq,
		swapper:   swapper,
		dedup:     dedup,
		sequences: NewSequenceValidator(),
		swapLog:   swapLog,
		metrics:   metrics,
		logger:    logger,
	}
}

// Apply replays evt. applied is false for duplicates, which are not errors.
// Stale sequences are rejected with *ErrStaleSequence. ctx bounds only the
// wait for the sequencer; a queued swap is always seen through.
func (f *FeedProcessor) Apply(ctx context.Context, evt *event.SwapObserved, source string) (res settlement.SwapResult, applied bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	typ := evt.EventType().String()
	if f.dedup.IsDuplicate(typ, evt.SwapID) {
		return settlement.SwapResult{}, false, nil
	}
	partition := partitionFor(evt)
	if expected := f.sequences.GetExpectedSequence(partition); evt.Sequence < expected {
		if f.metrics != nil {
			f.metrics.CoreEventsRejected.WithLabelValues(typ, "stale_sequence").Inc()
		}
		return settlement.SwapResult{}, false, &ErrStaleSequence{Partition: partition, Expected: expected, Got: evt.Sequence}
	}

	swap := func(*Engine) error {
		var err error
		res, err = f.swapper.Swap(settlement.SwapParams{
			Pool:       evt.Pool,
			Trader:     evt.Trader,
			TargetTick: evt.TargetTick,
			Fee0:       evt.Fee0,
			Fee1:       evt.Fee1,
		})
		if err != nil {
			return fmt.Errorf("swap %s: %w", evt.SwapID, err)
		}
		// Only applied swaps move the resume point, so a failed one can be
		// redelivered.
		if err := f.sequences.ValidateSwapSequence(partition, evt.Sequence); err != nil {
			return err
		}
		f.dedup.MarkProcessed(typ, evt.SwapID)
		if f.swapLog != nil {
			if err := f.swapLog.RecordSwap(evt); err != nil {
				f.logger.Warn().Err(err).Str("swap_id", evt.SwapID).Msg("swap log write failed")
			}
		}
		return nil
	}
	if f.seq != nil {
		err = f.seq.Exec(ctx, swap)
	} else {
		err = swap(nil)
	}
	if err != nil {
		return settlement.SwapResult{}, false, err
	}

	if f.metrics != nil {
		f.metrics.SwapsIngested.WithLabelValues(source).Inc()
	}
	logger := observability.ForPool(f.logger, evt.Pool).With().Str("swap_id", evt.SwapID).Logger()
	if res.HookErr != nil {
		logger.Warn().Err(res.HookErr).Msg("swap applied but order execution failed")
	}
	logger.Debug().
		Int32("tick_before", res.TickBefore).
		Int32("tick_after", res.TickAfter).
		Msg("swap applied")
	return res, true, nil
}

// ExpectedSequence is the lowest sequence the feed accepts next for pool.
func (f *FeedProcessor) ExpectedSequence(pool order.PoolID) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sequences.GetExpectedSequence("pool:" + pool.String())
}

// Checkpoint snapshots the engine through seq with no swap in flight, so
// pool state and order state agree, and adds the feed's resume points.
func (f *FeedProcessor) Checkpoint(ctx context.Context, seq *Sequencer) (*SnapshotState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var snap *SnapshotState
	if err := seq.Do(ctx, func(e *Engine) error {
		snap = e.Snapshot()
		return nil
	}); err != nil {
		return nil, err
	}
	snap.Feed = f.sequences.Export()
	snap.IdempotencyKeys = f.dedup.Keys()
	return snap, nil
}

// Restore reloads the feed's resume points from snap.
func (f *FeedProcessor) Restore(snap *SnapshotState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sequences.Restore(snap.Feed)
	f.dedup.Warm(snap.IdempotencyKeys)
}

func partitionFor(evt *event.SwapObserved) string {
	return "pool:" + evt.Pool.String()
}
