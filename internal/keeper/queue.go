package keeper

import (
	"TickBook/internal/order"
)

// Queue is the FIFO of one pool's triggered positions that did not fit in a
// trade's execution budget. A position is queued at most once.
// Not thread-safe; owned by the engine.
type Queue struct {
	items []order.PositionID
	index map[order.PositionKey]struct{}
}

func NewQueue() *Queue {
	return &Queue{index: make(map[order.PositionKey]struct{})}
}

// Push appends ids in order, skipping those already queued. Returns how many
// were added.
func (q *Queue) Push(ids ...order.PositionID) int {
	added := 0
	for _, id := range ids {
		key := id.Key()
		if _, ok := q.index[key]; ok {
			continue
		}
		q.index[key] = struct{}{}
		q.items = append(q.items, id)
		added++
	}
	return added
}

// Peek returns up to n ids from the head without removing them. n <= 0
// returns everything.
func (q *Queue) Peek(n int) []order.PositionID {
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	out := make([]order.PositionID, n)
	copy(out, q.items[:n])
	return out
}

// Remove drops ids from the queue wherever they sit.
func (q *Queue) Remove(ids ...order.PositionID) {
	drop := make(map[order.PositionKey]struct{}, len(ids))
	for _, id := range ids {
		key := id.Key()
		if _, ok := q.index[key]; ok {
			drop[key] = struct{}{}
			delete(q.index, key)
		}
	}
	if len(drop) == 0 {
		return
	}
	kept := make([]order.PositionID, 0, len(q.items)-len(drop))
	for _, id := range q.items {
		if _, ok := drop[id.Key()]; !ok {
			kept = append(kept, id)
		}
	}
	q.items = kept
}

func (q *Queue) Contains(id order.PositionID) bool {
	_, ok := q.index[id.Key()]
	return ok
}

func (q *Queue) Len() int { return len(q.items) }
