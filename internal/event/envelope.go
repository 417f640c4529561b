package event

import (
	"time"

	"TickBook/internal/order"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeSwapObserved
	EventTypeOrderCreated
	EventTypeOrderExecuted
	EventTypeKeeperPending
	EventTypeKeeperDiscarded
	EventTypeOrderCanceled
	EventTypeOrderClaimed
	EventTypeDeliveryRedirected
	EventTypeConfigChanged
	EventTypePauseChanged
)

// EventEnvelope wraps every engine output in the log
type EventEnvelope struct {
	// Monotonic sequence assigned by the engine
	Sequence int64

	// Key of the call that produced this output
	IdempotencyKey string

	EventType EventType

	// Pool context (nil for global events)
	PoolID *order.PoolID

	Timestamp time.Time

	// Upstream sequence of the triggering swap, 0 for direct calls
	SourceSequence int64

	// JSON-encoded payload
	Payload []byte

	// SHA-256 chain over the engine state digest
	StateHash [32]byte
	PrevHash  [32]byte
}

// Event is an inbound notification processed by the engine.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// PoolRef returns the pool context (nil for global events)
	PoolRef() *order.PoolID

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

// Payload is an engine output body.
type Payload interface {
	EventType() EventType
	PoolRef() *order.PoolID
}

func (et EventType) String() string {
	switch et {
	case EventTypeSwapObserved:
		return "SwapObserved"
	case EventTypeOrderCreated:
		return "OrderCreated"
	case EventTypeOrderExecuted:
		return "OrderExecuted"
	case EventTypeKeeperPending:
		return "KeeperPending"
	case EventTypeKeeperDiscarded:
		return "KeeperDiscarded"
	case EventTypeOrderCanceled:
		return "OrderCanceled"
	case EventTypeOrderClaimed:
		return "OrderClaimed"
	case EventTypeDeliveryRedirected:
		return "DeliveryRedirected"
	case EventTypeConfigChanged:
		return "ConfigChanged"
	case EventTypePauseChanged:
		return "PauseChanged"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) EventType {
	for et := EventTypeSwapObserved; et <= EventTypePauseChanged; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
