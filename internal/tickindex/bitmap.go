package tickindex

import (
	"math/bits"
)

// Direction of a walk over the tick space.
type Direction int8

const (
	Down Direction = -1
	Up   Direction = 1
)

// DirectionOf returns the direction of a move from before to after.
func DirectionOf(before, after int32) Direction {
	if after < before {
		return Down
	}
	return Up
}

// Bitmap marks active ticks of one pool side. Ticks are compressed by the
// tick spacing and packed 256 to a word, so a search costs one step per word
// crossed regardless of how many empty ticks the word spans.
// Not thread-safe.
type Bitmap struct {
	spacing int32
	words   map[int32][4]uint64
}

func NewBitmap(spacing int32) *Bitmap {
	if spacing <= 0 {
		panic("FATAL: tick spacing must be positive")
	}
	return &Bitmap{
		spacing: spacing,
		words:   make(map[int32][4]uint64),
	}
}

func (b *Bitmap) Spacing() int32 { return b.spacing }

// position splits a compressed tick into word index and bit index (0-255).
func position(compressed int32) (int32, uint) {
	return compressed >> 8, uint(compressed & 0xFF)
}

func (b *Bitmap) compress(tick int32) (int32, bool) {
	if tick%b.spacing != 0 {
		return 0, false
	}
	return tick / b.spacing, true
}

// Set marks tick active. Unaligned ticks are ignored and reported false.
func (b *Bitmap) Set(tick int32) bool {
	c, ok := b.compress(tick)
	if !ok {
		return false
	}
	wp, bp := position(c)
	word := b.words[wp]
	word[bp/64] |= 1 << (bp % 64)
	b.words[wp] = word
	return true
}

// Clear marks tick inactive and drops words that become empty.
func (b *Bitmap) Clear(tick int32) {
	c, ok := b.compress(tick)
	if !ok {
		return
	}
	wp, bp := position(c)
	word, exists := b.words[wp]
	if !exists {
		return
	}
	word[bp/64] &^= 1 << (bp % 64)
	if word == ([4]uint64{}) {
		delete(b.words, wp)
		return
	}
	b.words[wp] = word
}

func (b *Bitmap) IsSet(tick int32) bool {
	c, ok := b.compress(tick)
	if !ok {
		return false
	}
	wp, bp := position(c)
	word := b.words[wp]
	return word[bp/64]&(1<<(bp%64)) != 0
}

// Next finds the nearest active tick at or beyond from, moving in dir, that
// does not pass bound (bound inclusive). found is false if none exists; the
// caller clamps to bound.
func (b *Bitmap) Next(from int32, dir Direction, bound int32) (int32, bool) {
	if dir == Up {
		if bound < from {
			return bound, false
		}
		start := ceilDiv(from, b.spacing)
		end := floorDiv(bound, b.spacing)
		if start > end {
			return bound, false
		}
		startWord, startBit := position(start)
		endWord, endBit := position(end)
		for wp := startWord; wp <= endWord; wp++ {
			word, ok := b.words[wp]
			if !ok {
				continue
			}
			lo, hi := uint(0), uint(255)
			if wp == startWord {
				lo = startBit
			}
			if wp == endWord {
				hi = endBit
			}
			if bit, found := lowestSet(word, lo, hi); found {
				return (wp*256 + int32(bit)) * b.spacing, true
			}
		}
		return bound, false
	}

	if bound > from {
		return bound, false
	}
	start := floorDiv(from, b.spacing)
	end := ceilDiv(bound, b.spacing)
	if start < end {
		return bound, false
	}
	startWord, startBit := position(start)
	endWord, endBit := position(end)
	for wp := startWord; wp >= endWord; wp-- {
		word, ok := b.words[wp]
		if !ok {
			continue
		}
		lo, hi := uint(0), uint(255)
		if wp == startWord {
			hi = startBit
		}
		if wp == endWord {
			lo = endBit
		}
		if bit, found := highestSet(word, lo, hi); found {
			return (wp*256 + int32(bit)) * b.spacing, true
		}
	}
	return bound, false
}

// Words returns the number of non-empty words.
func (b *Bitmap) Words() int { return len(b.words) }

// lowestSet returns the lowest set bit of word within [lo, hi].
func lowestSet(word [4]uint64, lo, hi uint) (uint, bool) {
	for limb := lo / 64; limb <= hi/64; limb++ {
		w := word[limb] & limbMask(limb, lo, hi)
		if w != 0 {
			return limb*64 + uint(bits.TrailingZeros64(w)), true
		}
	}
	return 0, false
}

// highestSet returns the highest set bit of word within [lo, hi].
func highestSet(word [4]uint64, lo, hi uint) (uint, bool) {
	for limb := int(hi / 64); limb >= int(lo/64); limb-- {
		w := word[limb] & limbMask(uint(limb), lo, hi)
		if w != 0 {
			return uint(limb)*64 + uint(63-bits.LeadingZeros64(w)), true
		}
	}
	return 0, false
}

// limbMask keeps the bits of limb that fall inside [lo, hi].
func limbMask(limb, lo, hi uint) uint64 {
	mask := ^uint64(0)
	if limb == lo/64 {
		mask &= ^uint64(0) << (lo % 64)
	}
	if limb == hi/64 {
		mask &= ^uint64(0) >> (63 - hi%64)
	}
	return mask
}

func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func ceilDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) == (b < 0) {
		q++
	}
	return q
}
