package core

import (
	"encoding/binary"

	"TickBook/internal/event"
	"TickBook/internal/order"

	"github.com/zeebo/blake3"
)

var genesisTip = blake3.Sum256([]byte("TickBook:outputs:v1"))

// Link is one engine output as the chain commits to it.
type Link struct {
	Sequence  int64
	EventType event.EventType
	// Pool is nil for engine-wide outputs such as config changes.
	Pool   *order.PoolID
	Digest []byte
}

// OutputChain hash-links engine outputs in sequence order:
//
//	tip[N] = blake3(tip[N-1] || seq || type || pool || digest)
//
// Editing, dropping or reordering a logged output changes every later tip.
// Not thread-safe.
type OutputChain struct {
	tip [32]byte
}

func NewOutputChain() *OutputChain {
	return &OutputChain{tip: genesisTip}
}

// Append links l onto the chain and returns the new tip.
func (c *OutputChain) Append(l Link) [32]byte {
	var hdr [13]byte
	binary.BigEndian.PutUint64(hdr[:8], uint64(l.Sequence))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(l.EventType))

	h := blake3.New()
	h.Write(c.tip[:])
	if l.Pool != nil {
		hdr[12] = 1
		h.Write(hdr[:])
		h.Write(l.Pool[:])
	} else {
		h.Write(hdr[:])
	}
	h.Write(l.Digest)
	copy(c.tip[:], h.Sum(nil))
	return c.tip
}

func (c *OutputChain) Tip() [32]byte { return c.tip }

// Resume continues the chain from a snapshot's tip.
func (c *OutputChain) Resume(tip [32]byte) { c.tip = tip }
