package server

import (
	"strings"

	"TickBook/internal/core"
	fpmath "TickBook/internal/math"
	"TickBook/internal/order"
	"TickBook/internal/query"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Wire types shared by the gRPC services and the HTTP routes. Token amounts
// are decimal strings; pool ids and order keys are 0x-prefixed hex.

type Pair struct {
	Amount0 string `json:"amount0"`
	Amount1 string `json:"amount1"`
}

func pairOf(p fpmath.Pair) Pair {
	return Pair{Amount0: p.Get(0).Dec(), Amount1: p.Get(1).Dec()}
}

type Position struct {
	Key        string `json:"key"`
	Side       string `json:"side"`
	BottomTick int32  `json:"bottom_tick"`
	TopTick    int32  `json:"top_tick"`
	Nonce      uint64 `json:"nonce"`
}

func positionOf(id order.PositionID) Position {
	return Position{
		Key:        id.Key().String(),
		Side:       id.Side.String(),
		BottomTick: id.BottomTick,
		TopTick:    id.TopTick,
		Nonce:      id.Nonce,
	}
}

// ============================================================================
// Orders
// ============================================================================

// CreateOrderRequest places one order. Exactly one of TargetTick and Price
// is set; Price is token1 per token0.
type CreateOrderRequest struct {
	Pool       string `json:"pool"`
	Side       string `json:"side"`
	TargetTick *int32 `json:"target_tick,omitempty"`
	Price      string `json:"price,omitempty"`
	Amount     string `json:"amount"`
}

type CreateScaleOrdersRequest struct {
	Pool       string `json:"pool"`
	Side       string `json:"side"`
	LowerTick  *int32 `json:"lower_tick,omitempty"`
	UpperTick  *int32 `json:"upper_tick,omitempty"`
	LowerPrice string `json:"lower_price,omitempty"`
	UpperPrice string `json:"upper_price,omitempty"`
	Count      int    `json:"count"`
	Total      string `json:"total"`
	// Skew is size(upper)/size(lower); empty means 1.
	Skew string `json:"skew,omitempty"`
	// Mode is "geometric" (default) or "linear".
	Mode string `json:"mode,omitempty"`
}

type OrderReceipt struct {
	Position  Position `json:"position"`
	Liquidity string   `json:"liquidity"`
	Amount    string   `json:"amount"`
	FeeDelta  Pair     `json:"fee_delta"`
}

type CreateOrdersResponse struct {
	Orders []OrderReceipt `json:"orders"`
}

// OrderRef names one order of the caller. User is only read by the keeper
// cancel path.
type OrderRef struct {
	Pool string `json:"pool"`
	Key  string `json:"key"`
	User string `json:"user,omitempty"`
}

type PoolRef struct {
	Pool string `json:"pool"`
}

type ClaimReceipt struct {
	Position   Position `json:"position"`
	User       string   `json:"user"`
	Principal  Pair     `json:"principal"`
	Fees       Pair     `json:"fees"`
	Treasury   Pair     `json:"treasury"`
	Redirected bool     `json:"redirected"`
}

type CancelReceipt struct {
	Position  Position     `json:"position"`
	Liquidity string       `json:"liquidity"`
	Principal Pair         `json:"principal"`
	Claim     ClaimReceipt `json:"claim"`
}

type CancelResponse struct {
	Cancels []CancelReceipt `json:"cancels"`
}

type ClaimResponse struct {
	Claims []ClaimReceipt `json:"claims"`
}

type KeeperExecuteRequest struct {
	Pool string   `json:"pool"`
	Keys []string `json:"keys"`
}

type KeeperExecuteResponse struct {
	Tick      int32      `json:"tick"`
	Executed  []Position `json:"executed"`
	Discarded []Position `json:"discarded"`
}

// ============================================================================
// Views
// ============================================================================

// GetOrdersRequest lists a user's live orders; an empty User means the caller.
type GetOrdersRequest struct {
	User string `json:"user,omitempty"`
}

type OrderView struct {
	Pool               string   `json:"pool"`
	Position           Position `json:"position"`
	Status             string   `json:"status"`
	Liquidity          string   `json:"liquidity"`
	Fees               Pair     `json:"fees"`
	ClaimablePrincipal Pair     `json:"claimable_principal"`
}

type GetOrdersResponse struct {
	Orders []OrderView `json:"orders"`
}

// GetBookRequest bounds levels by Window ticks, or by PriceWindow as a
// fraction of the pool price when set. Invert quotes token0 per token1.
type GetBookRequest struct {
	Pool        string `json:"pool"`
	Window      int32  `json:"window"`
	PriceWindow string `json:"price_window,omitempty"`
	Invert      bool   `json:"invert"`
}

type BookLevel struct {
	Tick      int32  `json:"tick"`
	Price     string `json:"price"`
	Side      string `json:"side"`
	Key       string `json:"key"`
	Liquidity string `json:"liquidity"`
	Amount    string `json:"amount"`
}

type GetBookResponse struct {
	Pool     string      `json:"pool"`
	Tick     int32       `json:"tick"`
	Price    string      `json:"price"`
	Inverted bool        `json:"inverted"`
	Levels   []BookLevel `json:"levels"`
}

type ExtremeTicksRequest struct {
	Pool string `json:"pool"`
	Side string `json:"side"`
}

type ExtremeTicksResponse struct {
	Min int32 `json:"min"`
	Max int32 `json:"max"`
}

type ExtremeCountsRequest struct {
	Pool      string `json:"pool"`
	LowerTick int32  `json:"lower_tick"`
	UpperTick int32  `json:"upper_tick"`
}

type ExtremeCountsResponse struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type Empty struct{}

type PoolView struct {
	ID      string        `json:"id"`
	Key     order.PoolKey `json:"key"`
	Allowed bool          `json:"allowed"`
	Active0 int           `json:"active0"`
	Active1 int           `json:"active1"`
	Pending int           `json:"pending"`
}

type ListPoolsResponse struct {
	Pools []PoolView `json:"pools"`
}

// ============================================================================
// Admin
// ============================================================================

type ConfigResponse struct {
	Owner                 string   `json:"owner"`
	Treasury              string   `json:"treasury"`
	TreasuryFeeBps        uint16   `json:"treasury_fee_bps"`
	MaxExecutionsPerTrade int      `json:"max_executions_per_trade"`
	MaxScaleOrders        int      `json:"max_scale_orders"`
	Keepers               []string `json:"keepers"`
	Paused                bool     `json:"paused"`
	Sequence              int64    `json:"sequence"`
}

type SetLimitRequest struct {
	Value int `json:"value"`
}

type SetMinOrderSizeRequest struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type SetTreasuryRequest struct {
	Treasury string `json:"treasury"`
	FeeBps   uint16 `json:"fee_bps"`
}

type AllowPoolRequest struct {
	Key order.PoolKey `json:"key"`
}

type KeeperRequest struct {
	Keeper string `json:"keeper"`
}

type InjectSwapRequest struct {
	SwapID     string `json:"swap_id,omitempty"`
	Pool       string `json:"pool"`
	Trader     string `json:"trader,omitempty"`
	TargetTick int32  `json:"target_tick"`
	Fee0       string `json:"fee0,omitempty"`
	Fee1       string `json:"fee1,omitempty"`
	Sequence   int64  `json:"sequence,omitempty"`
}

type InjectSwapResponse struct {
	Applied    bool   `json:"applied"`
	TickBefore int32  `json:"tick_before"`
	TickAfter  int32  `json:"tick_after"`
	HookError  string `json:"hook_error,omitempty"`
}

type SnapshotResponse struct {
	NextSequence int64  `json:"next_sequence"`
	StateHash    string `json:"state_hash"`
}

type EventLogInfoResponse struct {
	LastSequence   int64  `json:"last_sequence"`
	EngineSequence int64  `json:"engine_sequence"`
	StateHash      string `json:"state_hash"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

type VerifyChainResponse struct {
	Checked int `json:"checked"`
}

// ============================================================================
// Query
// ============================================================================

type OrderHistoryRequest struct {
	User           string `json:"user"`
	Pool           string `json:"pool,omitempty"`
	Status         string `json:"status,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

type BalancesRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

type JournalHistoryRequest struct {
	User           string `json:"user"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type OrderHistoryResponse struct {
	Orders []query.OrderRecord `json:"orders"`
}

type BalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type JournalHistoryResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

// ============================================================================
// Parsing
// ============================================================================

func parsePool(s string) (order.PoolID, error) {
	if s == "" {
		return order.PoolID{}, invalidf("pool is required")
	}
	id, err := order.ParsePoolID(s)
	if err != nil {
		return order.PoolID{}, invalidf("%v", err)
	}
	return id, nil
}

func parseKey(s string) (order.PositionKey, error) {
	var k order.PositionKey
	if err := k.UnmarshalText([]byte(s)); err != nil {
		return k, invalidf("%v", err)
	}
	return k, nil
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidf("%s: not an address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseSide(s string) (order.Side, error) {
	side, err := order.ParseSide(s)
	if err != nil {
		return 0, invalidf("%v", err)
	}
	return side, nil
}

// parseAmount reads a raw token amount. Empty means zero only when
// allowEmpty is set.
func parseAmount(field, s string, allowEmpty bool) (*uint256.Int, error) {
	if s == "" && allowEmpty {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, invalidf("%s: %v", field, err)
	}
	return v, nil
}

// resolveTick takes an explicit tick or converts a decimal price.
func resolveTick(field string, tick *int32, price string) (int32, error) {
	switch {
	case tick != nil && price != "":
		return 0, invalidf("%s: set a tick or a price, not both", field)
	case tick != nil:
		return *tick, nil
	case price != "":
		p, err := decimal.NewFromString(price)
		if err != nil {
			return 0, invalidf("%s price: %v", field, err)
		}
		t, err := fpmath.TickForPrice(p)
		if err != nil {
			return 0, invalidf("%s price %s: %v", field, price, err)
		}
		return t, nil
	}
	return 0, invalidf("%s is required", field)
}

func parseSkewMode(s string) (fpmath.SkewMode, error) {
	switch strings.ToLower(s) {
	case "", "geometric":
		return fpmath.SkewGeometric, nil
	case "linear":
		return fpmath.SkewLinear, nil
	}
	return 0, invalidf("unknown skew mode %q", s)
}

// ============================================================================
// Conversion
// ============================================================================

func orderReceipts(in []core.OrderReceipt) []OrderReceipt {
	out := make([]OrderReceipt, 0, len(in))
	for _, r := range in {
		out = append(out, OrderReceipt{
			Position:  positionOf(r.ID),
			Liquidity: r.Liquidity.Dec(),
			Amount:    r.Amount.Dec(),
			FeeDelta:  pairOf(r.FeeDelta),
		})
	}
	return out
}

func claimReceipt(r core.ClaimReceipt) ClaimReceipt {
	return ClaimReceipt{
		Position:   positionOf(r.ID),
		User:       r.User.Hex(),
		Principal:  pairOf(r.Principal),
		Fees:       pairOf(r.Fees),
		Treasury:   pairOf(r.Treasury),
		Redirected: r.Redirected,
	}
}

func cancelReceipt(r core.CancelReceipt) CancelReceipt {
	liq := "0"
	if r.Liquidity != nil {
		liq = r.Liquidity.Dec()
	}
	return CancelReceipt{
		Position:  positionOf(r.ID),
		Liquidity: liq,
		Principal: pairOf(r.Principal),
		Claim:     claimReceipt(r.Claim),
	}
}

func positions(ids []order.PositionID) []Position {
	out := make([]Position, 0, len(ids))
	for _, id := range ids {
		out = append(out, positionOf(id))
	}
	return out
}

func priceString(tick int32) string {
	return fpmath.PriceAtTick(tick).StringFixed(8)
}

func configResponse(cfg core.Config, keepers []common.Address, paused bool, seq int64) *ConfigResponse {
	resp := &ConfigResponse{
		Owner:                 cfg.Owner.Hex(),
		Treasury:              cfg.Treasury.Hex(),
		TreasuryFeeBps:        cfg.TreasuryFeeBps,
		MaxExecutionsPerTrade: cfg.MaxExecutionsPerTrade,
		MaxScaleOrders:        cfg.MaxScaleOrders,
		Paused:                paused,
		Sequence:              seq,
	}
	for _, k := range keepers {
		resp.Keepers = append(resp.Keepers, k.Hex())
	}
	return resp
}
