package core

import (
	"context"
	"sync"
	"time"

	"TickBook/internal/observability"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// TradeHandler receives the tick move of a committed trade.
type TradeHandler interface {
	HandleTrade(ctx context.Context, caller common.Address, pool order.PoolID, before, after int32) error
}

// TradeHook is the pool extension that drives order execution. It records
// the tick before each swap and, once the swap is committed, hands the
// move to the engine. Execution failures are reported, never raised into
// the trade.
type TradeHook struct {
	handler TradeHandler
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	before map[order.PoolID]int32
}

func NewTradeHook(handler TradeHandler, timeout time.Duration, logger zerolog.Logger) *TradeHook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TradeHook{
		handler: handler,
		timeout: timeout,
		logger:  logger,
		before:  make(map[order.PoolID]int32),
	}
}

func (h *TradeHook) BeforeSwap(key order.PoolKey, tick int32) {
	h.mu.Lock()
	h.before[key.ID()] = tick
	h.mu.Unlock()
}

func (h *TradeHook) AfterSwap(key order.PoolKey, tick int32) error {
	id := key.ID()
	h.mu.Lock()
	before, ok := h.before[id]
	delete(h.before, id)
	h.mu.Unlock()
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	if err := h.handler.HandleTrade(ctx, key.Hooks, id, before, tick); err != nil {
		poolLog := observability.ForPool(h.logger, id)
		poolLog.Warn().
			Err(err).
			Int32("tick_before", before).
			Int32("tick_after", tick).
			Msg("order execution after trade failed")
		return err
	}
	return nil
}
