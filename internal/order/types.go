package order

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"
)

// Side is the asset a resting order sells.
type Side uint8

const (
	SideToken0 Side = iota
	SideToken1
)

func (s Side) String() string {
	switch s {
	case SideToken0:
		return "token0"
	case SideToken1:
		return "token1"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == SideToken0 || s == SideToken1 }

// ParseSide accepts "token0"/"token1" and the SDK's "sell"/"buy" aliases.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(s) {
	case "token0", "0", "sell":
		return SideToken0, nil
	case "token1", "1", "buy":
		return SideToken1, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

// PoolKey identifies a pool by its immutable parameters.
type PoolKey struct {
	Currency0   common.Address `json:"currency0"`
	Currency1   common.Address `json:"currency1"`
	Fee         uint32         `json:"fee"`
	TickSpacing int32          `json:"tick_spacing"`
	Hooks       common.Address `json:"hooks"`
}

// PoolID is the blake3 hash of a PoolKey.
type PoolID [32]byte

func (k PoolKey) ID() PoolID {
	h := blake3.New()
	h.Write(k.Currency0.Bytes())
	h.Write(k.Currency1.Bytes())
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[:4], k.Fee)
	binary.BigEndian.PutUint32(buf[4:], uint32(k.TickSpacing))
	h.Write(buf[:])
	h.Write(k.Hooks.Bytes())

	var id PoolID
	copy(id[:], h.Sum(nil))
	return id
}

// Currency returns the token address sold by side.
func (k PoolKey) Currency(side Side) common.Address {
	if side == SideToken0 {
		return k.Currency0
	}
	return k.Currency1
}

func (id PoolID) String() string { return "0x" + hex.EncodeToString(id[:]) }

func (id PoolID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *PoolID) UnmarshalText(b []byte) error {
	parsed, err := ParsePoolID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParsePoolID(s string) (PoolID, error) {
	var id PoolID
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("pool id: %w", err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("pool id: want %d bytes, got %d", len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// BaseID is a price range and side without the reuse counter.
type BaseID struct {
	BottomTick int32 `json:"bottom_tick"`
	TopTick    int32 `json:"top_tick"`
	Side       Side  `json:"side"`
}

// TriggerTick is the boundary at which the order executes.
func (b BaseID) TriggerTick() int32 {
	if b.Side == SideToken0 {
		return b.TopTick
	}
	return b.BottomTick
}

// Triggered reports whether a pool sitting at tick has fully crossed the range.
func (b BaseID) Triggered(tick int32) bool {
	if b.Side == SideToken0 {
		return tick >= b.TopTick
	}
	return tick <= b.BottomTick
}

func (b BaseID) Validate(spacing int32) error {
	if !b.Side.Valid() {
		return fmt.Errorf("invalid side %d", b.Side)
	}
	if b.BottomTick >= b.TopTick {
		return fmt.Errorf("bottom %d >= top %d", b.BottomTick, b.TopTick)
	}
	if b.BottomTick%spacing != 0 || b.TopTick%spacing != 0 {
		return fmt.Errorf("ticks (%d, %d) not aligned to spacing %d", b.BottomTick, b.TopTick, spacing)
	}
	return nil
}

// PositionID is one occupancy of a BaseID.
type PositionID struct {
	BaseID
	Nonce uint64 `json:"nonce"`
}

// PositionKey is the content hash of a PositionID, used as map key, AMM
// position salt and external order id.
type PositionKey [32]byte

func (p PositionID) Key() PositionKey {
	var buf [17]byte
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.BottomTick))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.TopTick))
	buf[8] = byte(p.Side)
	binary.BigEndian.PutUint64(buf[9:17], p.Nonce)
	return PositionKey(blake3.Sum256(buf[:]))
}

func (p PositionID) String() string {
	return fmt.Sprintf("%s[%d,%d]#%d", p.Side, p.BottomTick, p.TopTick, p.Nonce)
}

func (k PositionKey) String() string { return "0x" + hex.EncodeToString(k[:]) }

func (k PositionKey) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PositionKey) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(b), "0x"))
	if err != nil {
		return fmt.Errorf("position key: %w", err)
	}
	if len(raw) != len(k) {
		return fmt.Errorf("position key: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return nil
}
