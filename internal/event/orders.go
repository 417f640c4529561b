package event

import (
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Amounts are carried as decimal strings.
func Amount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

type OrderCreated struct {
	Pool      order.PoolID      `json:"pool"`
	Position  order.PositionID  `json:"position"`
	Key       order.PositionKey `json:"key"`
	User      common.Address    `json:"user"`
	Liquidity string            `json:"liquidity"`
	Amount0   string            `json:"amount0"`
	Amount1   string            `json:"amount1"`
	FeeDelta0 string            `json:"fee_delta0"`
	FeeDelta1 string            `json:"fee_delta1"`
}

type OrderExecuted struct {
	Pool       order.PoolID      `json:"pool"`
	Position   order.PositionID  `json:"position"`
	Key        order.PositionKey `json:"key"`
	Path       string            `json:"path"`
	Liquidity  string            `json:"liquidity"`
	Principal0 string            `json:"principal0"`
	Principal1 string            `json:"principal1"`
	Fee0       string            `json:"fee0"`
	Fee1       string            `json:"fee1"`
}

type KeeperPending struct {
	Pool      order.PoolID       `json:"pool"`
	TickAfter int32              `json:"tick_after"`
	Positions []order.PositionID `json:"positions"`
}

type KeeperDiscarded struct {
	Pool      order.PoolID       `json:"pool"`
	Tick      int32              `json:"tick"`
	Positions []order.PositionID `json:"positions"`
}

type OrderCanceled struct {
	Pool       order.PoolID      `json:"pool"`
	Position   order.PositionID  `json:"position"`
	Key        order.PositionKey `json:"key"`
	User       common.Address    `json:"user"`
	By         common.Address    `json:"by"`
	Liquidity  string            `json:"liquidity"`
	Principal0 string            `json:"principal0"`
	Principal1 string            `json:"principal1"`
}

type OrderClaimed struct {
	Pool       order.PoolID      `json:"pool"`
	Position   order.PositionID  `json:"position"`
	Key        order.PositionKey `json:"key"`
	User       common.Address    `json:"user"`
	Principal0 string            `json:"principal0"`
	Principal1 string            `json:"principal1"`
	Fees0      string            `json:"fees0"`
	Fees1      string            `json:"fees1"`
	Treasury0  string            `json:"treasury0"`
	Treasury1  string            `json:"treasury1"`
}

type DeliveryRedirected struct {
	Pool     order.PoolID      `json:"pool"`
	Key      order.PositionKey `json:"key"`
	User     common.Address    `json:"user"`
	Treasury common.Address    `json:"treasury"`
	Currency common.Address    `json:"currency"`
	Amount   string            `json:"amount"`
	Reason   string            `json:"reason"`
}

type ConfigChanged struct {
	Setting string         `json:"setting"`
	Value   string         `json:"value"`
	By      common.Address `json:"by"`
}

type PauseChanged struct {
	Paused bool           `json:"paused"`
	By     common.Address `json:"by"`
}

func (e *OrderCreated) EventType() EventType       { return EventTypeOrderCreated }
func (e *OrderExecuted) EventType() EventType      { return EventTypeOrderExecuted }
func (e *KeeperPending) EventType() EventType      { return EventTypeKeeperPending }
func (e *KeeperDiscarded) EventType() EventType    { return EventTypeKeeperDiscarded }
func (e *OrderCanceled) EventType() EventType      { return EventTypeOrderCanceled }
func (e *OrderClaimed) EventType() EventType       { return EventTypeOrderClaimed }
func (e *DeliveryRedirected) EventType() EventType { return EventTypeDeliveryRedirected }
func (e *ConfigChanged) EventType() EventType      { return EventTypeConfigChanged }
func (e *PauseChanged) EventType() EventType       { return EventTypePauseChanged }

func (e *OrderCreated) PoolRef() *order.PoolID       { return poolRef(e.Pool) }
func (e *OrderExecuted) PoolRef() *order.PoolID      { return poolRef(e.Pool) }
func (e *KeeperPending) PoolRef() *order.PoolID      { return poolRef(e.Pool) }
func (e *KeeperDiscarded) PoolRef() *order.PoolID    { return poolRef(e.Pool) }
func (e *OrderCanceled) PoolRef() *order.PoolID      { return poolRef(e.Pool) }
func (e *OrderClaimed) PoolRef() *order.PoolID       { return poolRef(e.Pool) }
func (e *DeliveryRedirected) PoolRef() *order.PoolID { return poolRef(e.Pool) }
func (e *ConfigChanged) PoolRef() *order.PoolID      { return nil }
func (e *PauseChanged) PoolRef() *order.PoolID       { return nil }

func poolRef(id order.PoolID) *order.PoolID { return &id }
