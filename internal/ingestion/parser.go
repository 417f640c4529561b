package ingestion

import (
	"errors"
	"fmt"
	"time"

	"TickBook/internal/event"
	"TickBook/internal/order"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/tidwall/gjson"
)

// ErrMalformed marks a notification that can never be applied; consumers
// acknowledge and drop it instead of redelivering.
var ErrMalformed = errors.New("malformed notification")

// ParseRawEvent converts a RawEvent into a typed event.Event.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case event.EventTypeSwapObserved.String():
		return ParseSwapObserved(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %s", ErrMalformed, eventType)
	}
}

// ParseSwapObserved decodes a swap notification:
//
//	{"swap_id":"...","pool":"0x<32 bytes>","trader":"0x...","target_tick":-120,
//	 "fee0":"1000","fee1":0,"sequence":7,"timestamp_us":1700000000000000}
//
// Fees may be JSON numbers or decimal strings, since token amounts overflow
// float64. A missing fee is zero.
func ParseSwapObserved(data []byte) (*event.SwapObserved, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	r := gjson.ParseBytes(data)

	swapID := r.Get("swap_id").String()
	if swapID == "" {
		return nil, fmt.Errorf("%w: missing swap_id", ErrMalformed)
	}

	pool, err := order.ParsePoolID(r.Get("pool").String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var trader common.Address
	if t := r.Get("trader"); t.Exists() {
		if !common.IsHexAddress(t.String()) {
			return nil, fmt.Errorf("%w: trader %q", ErrMalformed, t.String())
		}
		trader = common.HexToAddress(t.String())
	}

	tick := r.Get("target_tick")
	if tick.Type != gjson.Number {
		return nil, fmt.Errorf("%w: missing target_tick", ErrMalformed)
	}
	if tick.Int() < -(1<<31) || tick.Int() > (1<<31)-1 {
		return nil, fmt.Errorf("%w: target_tick %d out of range", ErrMalformed, tick.Int())
	}

	fee0, err := parseAmount(r.Get("fee0"))
	if err != nil {
		return nil, fmt.Errorf("%w: fee0: %v", ErrMalformed, err)
	}
	fee1, err := parseAmount(r.Get("fee1"))
	if err != nil {
		return nil, fmt.Errorf("%w: fee1: %v", ErrMalformed, err)
	}

	seq := r.Get("sequence")
	if seq.Type != gjson.Number || seq.Int() < 0 {
		return nil, fmt.Errorf("%w: missing or negative sequence", ErrMalformed)
	}

	ts := time.Now().UTC()
	if us := r.Get("timestamp_us"); us.Exists() {
		ts = time.UnixMicro(us.Int()).UTC()
	}

	return &event.SwapObserved{
		SwapID:     swapID,
		Pool:       pool,
		Trader:     trader,
		TargetTick: int32(tick.Int()),
		Fee0:       fee0,
		Fee1:       fee1,
		Sequence:   seq.Int(),
		Timestamp:  ts,
	}, nil
}

// parseAmount reads a non-negative integer from a JSON number or string.
func parseAmount(v gjson.Result) (*uint256.Int, error) {
	switch v.Type {
	case gjson.Null:
		return new(uint256.Int), nil
	case gjson.Number:
		// Raw keeps integers beyond float64 precision intact.
		return uint256.FromDecimal(v.Raw)
	case gjson.String:
		return uint256.FromDecimal(v.String())
	}
	return nil, fmt.Errorf("unexpected %s", v.Type)
}
