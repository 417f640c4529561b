package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"TickBook/internal/event"
	"TickBook/internal/order"
	"TickBook/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// SwapFeed is the feed surface used for manual injection.
type SwapFeed interface {
	SwapApplier
	ExpectedSequence(pool order.PoolID) int64
}

// GRPCIngestService injects swaps by hand, for operators and tests. Bulk
// traffic belongs on the NATS feed.
type GRPCIngestService struct {
	feed SwapFeed
	now  func() time.Time
}

func NewGRPCIngestService(feed SwapFeed) *GRPCIngestService {
	return &GRPCIngestService{feed: feed, now: time.Now}
}

// InjectSwapRequest describes a trade to replay. An empty SwapID gets a
// fresh one; a zero Sequence takes the feed's next expected sequence.
type InjectSwapRequest struct {
	SwapID     string
	Pool       order.PoolID
	Trader     common.Address
	TargetTick int32
	Fee0       *uint256.Int
	Fee1       *uint256.Int
	Sequence   int64
}

// InjectSwap replays one swap and reports whether it was applied and how
// the tick moved.
func (s *GRPCIngestService) InjectSwap(ctx context.Context, req InjectSwapRequest) (settlement.SwapResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return settlement.SwapResult{}, false, err
	}
	if req.Sequence < 0 {
		return settlement.SwapResult{}, false, errors.New("sequence must not be negative")
	}

	evt := &event.SwapObserved{
		SwapID:     req.SwapID,
		Pool:       req.Pool,
		Trader:     req.Trader,
		TargetTick: req.TargetTick,
		Fee0:       orZero(req.Fee0),
		Fee1:       orZero(req.Fee1),
		Sequence:   req.Sequence,
		Timestamp:  s.now().UTC(),
	}
	if evt.SwapID == "" {
		evt.SwapID = "admin-" + uuid.NewString()
	}
	if evt.Sequence == 0 {
		evt.Sequence = s.feed.ExpectedSequence(req.Pool)
	}

	res, applied, err := s.feed.Apply(ctx, evt, "grpc")
	if err != nil {
		return settlement.SwapResult{}, false, fmt.Errorf("inject swap %s: %w", evt.SwapID, err)
	}
	return res, applied, nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
