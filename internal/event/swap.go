package event

import (
	"time"

	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// SwapObserved is a trade reported by the pool feed. The service replays it
// against the pool, which in turn drives order execution through the hook.
// Idempotency key: SwapID.
type SwapObserved struct {
	SwapID     string
	Pool       order.PoolID
	Trader     common.Address
	TargetTick int32
	Fee0       *uint256.Int
	Fee1       *uint256.Int
	Sequence   int64 // Monotonic per pool
	Timestamp  time.Time
}

func (s *SwapObserved) IdempotencyKey() string { return s.SwapID }

func (s *SwapObserved) EventType() EventType { return EventTypeSwapObserved }

func (s *SwapObserved) PoolRef() *order.PoolID {
	id := s.Pool
	return &id
}

func (s *SwapObserved) SourceSequence() int64 { return s.Sequence }
