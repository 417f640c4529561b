package tickindex

import (
	"TickBook/internal/order"
	"fmt"
)

// Index is the per-pool tick index: one bitmap per side plus the executable
// order at each active tick. A tick is mapped iff its bit is set.
// Not thread-safe.
type Index struct {
	bitmaps [2]*Bitmap
	entries [2]map[int32]order.PositionID
}

func NewIndex(spacing int32) *Index {
	return &Index{
		bitmaps: [2]*Bitmap{NewBitmap(spacing), NewBitmap(spacing)},
		entries: [2]map[int32]order.PositionID{
			make(map[int32]order.PositionID),
			make(map[int32]order.PositionID),
		},
	}
}

func (ix *Index) Spacing() int32 { return ix.bitmaps[0].Spacing() }

func (ix *Index) SetBit(side order.Side, tick int32) bool { return ix.bitmaps[side].Set(tick) }

func (ix *Index) ClearBit(side order.Side, tick int32) { ix.bitmaps[side].Clear(tick) }

func (ix *Index) NextActiveTick(side order.Side, from int32, dir Direction, bound int32) (int32, bool) {
	return ix.bitmaps[side].Next(from, dir, bound)
}

// Register maps the position's trigger tick to it and sets the bit.
func (ix *Index) Register(id order.PositionID) error {
	tick := id.TriggerTick()
	if existing, ok := ix.entries[id.Side][tick]; ok && existing != id {
		return fmt.Errorf("tick %d on %s already holds %s", tick, id.Side, existing)
	}
	if !ix.bitmaps[id.Side].Set(tick) {
		return fmt.Errorf("tick %d not aligned to spacing %d", tick, ix.Spacing())
	}
	ix.entries[id.Side][tick] = id
	return nil
}

// Unregister clears the trigger tick of id if it still points at id.
func (ix *Index) Unregister(id order.PositionID) {
	tick := id.TriggerTick()
	if existing, ok := ix.entries[id.Side][tick]; !ok || existing != id {
		return
	}
	delete(ix.entries[id.Side], tick)
	ix.bitmaps[id.Side].Clear(tick)
}

func (ix *Index) Lookup(side order.Side, tick int32) (order.PositionID, bool) {
	id, ok := ix.entries[side][tick]
	return id, ok
}

// Crossed collects the mapped positions a move from before to after
// triggers, in traversal order. Moving up walks the token0 side over
// (before, after]; moving down walks the token1 side over [after, before).
func (ix *Index) Crossed(before, after int32) []order.PositionID {
	if before == after {
		return nil
	}
	dir := DirectionOf(before, after)
	side := order.SideToken0
	if dir == Down {
		side = order.SideToken1
	}

	var out []order.PositionID
	from := before + int32(dir)
	for {
		tick, found := ix.NextActiveTick(side, from, dir, after)
		if !found {
			break
		}
		if id, ok := ix.entries[side][tick]; ok {
			out = append(out, id)
		}
		if tick == after {
			break
		}
		from = tick + int32(dir)
	}
	return out
}

// Active returns the mapped positions of side whose trigger lies in [lo, hi],
// ascending.
func (ix *Index) Active(side order.Side, lo, hi int32) []order.PositionID {
	var out []order.PositionID
	from := lo
	for from <= hi {
		tick, found := ix.NextActiveTick(side, from, Up, hi)
		if !found {
			break
		}
		if id, ok := ix.entries[side][tick]; ok {
			out = append(out, id)
		}
		if tick == hi {
			break
		}
		from = tick + 1
	}
	return out
}

// Len returns the number of mapped ticks on side.
func (ix *Index) Len(side order.Side) int { return len(ix.entries[side]) }

// Restore forces the mapping at id's trigger tick, overwriting whatever is
// there. Used to undo a partially applied call.
func (ix *Index) Restore(side order.Side, tick int32, id order.PositionID, mapped bool) {
	if !mapped {
		delete(ix.entries[side], tick)
		ix.bitmaps[side].Clear(tick)
		return
	}
	ix.entries[side][tick] = id
	ix.bitmaps[side].Set(tick)
}
