package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"TickBook/internal/observability"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
)

var ErrSequencerStopped = errors.New("sequencer stopped")

type request struct {
	fn   func(*Engine) error
	done chan error
}

// Sequencer is the engine's single writer: every call, reads included,
// runs on its goroutine one at a time.
type Sequencer struct {
	engine  *Engine
	reqs    chan request
	metrics *observability.Metrics

	stopped  chan struct{}
	stopOnce sync.Once
}

func NewSequencer(engine *Engine, buffer int, metrics *observability.Metrics) *Sequencer {
	if buffer < 0 {
		buffer = 0
	}
	return &Sequencer{
		engine:  engine,
		reqs:    make(chan request, buffer),
		metrics: metrics,
		stopped: make(chan struct{}),
	}
}

// Run serves requests until ctx is canceled.
func (s *Sequencer) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-s.reqs:
			r.done <- r.fn(s.engine)
			s.metrics.SetChannelMetrics("sequencer", len(s.reqs), cap(s.reqs))
		}
	}
}

// Do runs fn on the engine goroutine and waits for it. If ctx ends first
// Do returns ctx.Err(), but a request already queued still runs.
func (s *Sequencer) Do(ctx context.Context, fn func(*Engine) error) error {
	r := request{fn: fn, done: make(chan error, 1)}
	select {
	case s.reqs <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Exec is Do for requests that must not be abandoned once queued: ctx only
// bounds the wait for the sequencer to take the request. It returns
// ErrSequencerStopped if the sequencer exits before running it.
func (s *Sequencer) Exec(ctx context.Context, fn func(*Engine) error) error {
	r := request{fn: fn, done: make(chan error, 1)}
	select {
	case s.reqs <- r:
	case <-s.stopped:
		return ErrSequencerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-s.stopped:
		select {
		case err := <-r.done:
			return err
		default:
			return ErrSequencerStopped
		}
	}
}

// ExecutePending implements keeper.Executor.
func (s *Sequencer) ExecutePending(ctx context.Context, k common.Address, max int) (executed, discarded int, err error) {
	err = s.Do(ctx, func(e *Engine) error {
		var runErr error
		executed, discarded, runErr = e.ExecutePending(k, max)
		return runErr
	})
	return executed, discarded, err
}

// HandleTrade implements TradeHandler for trades committed outside the
// sequencer. A trade is never dropped: if ctx ends before the sequencer
// takes it, it is handed over in the background and still runs, and
// HandleTrade reports the timeout. Trades replayed through a request
// running on the sequencer must notify the Engine directly instead.
func (s *Sequencer) HandleTrade(ctx context.Context, caller common.Address, pool order.PoolID, before, after int32) error {
	r := request{
		fn: func(e *Engine) error {
			return e.HandleTrade(context.Background(), caller, pool, before, after)
		},
		done: make(chan error, 1),
	}
	select {
	case s.reqs <- r:
	case <-s.stopped:
		return ErrSequencerStopped
	case <-ctx.Done():
		go func() {
			select {
			case s.reqs <- r:
			case <-s.stopped:
			}
		}()
		return fmt.Errorf("trade %d -> %d deferred: %w", before, after, ctx.Err())
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
