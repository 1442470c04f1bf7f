// Package bitmap implements the free-slot tracker used by the swap
// allocator (and, optionally, by a block device's free-block map). It is
// the spec's "generic bitmap container" collaborator, backed by the
// actively-maintained bits-and-blooms/bitset library rather than a
// hand-rolled bit array -- the examples pack shows the same concern
// solved with go-bitmap (dargueta/disko) and bits-and-blooms/bitset
// (moby/moby); we standardize on the latter.
package bitmap

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// ErrNoSlot is the all-ones sentinel index returned when no bit is free,
// matching the spec's BITMAP_ERROR convention.
const ErrNoSlot = ^uint(0)

// Bitmap_t is a synchronized free-slot bitmap: a set bit means "in use".
type Bitmap_t struct {
	sync.Mutex
	bs   *bitset.BitSet
	size uint
}

// Mk allocates a bitmap tracking n slots, all initially free.
func Mk(n uint) *Bitmap_t {
	return &Bitmap_t{bs: bitset.New(n), size: n}
}

// Len returns the number of slots tracked.
func (b *Bitmap_t) Len() uint {
	return b.size
}

// ScanAndSet finds the lowest-indexed clear bit, sets it, and returns its
// index, or ErrNoSlot if every slot is in use. The scan and the set happen
// under the same lock so two concurrent callers never claim the same slot.
func (b *Bitmap_t) ScanAndSet() uint {
	b.Lock()
	defer b.Unlock()
	for i := uint(0); i < b.size; i++ {
		if !b.bs.Test(i) {
			b.bs.Set(i)
			return i
		}
	}
	return ErrNoSlot
}

// Set marks slot i as in-use. Panics if i is out of range.
func (b *Bitmap_t) Set(i uint) {
	b.Lock()
	defer b.Unlock()
	b.checkRange(i)
	b.bs.Set(i)
}

// Clear marks slot i as free.
func (b *Bitmap_t) Clear(i uint) {
	b.Lock()
	defer b.Unlock()
	b.checkRange(i)
	b.bs.Clear(i)
}

// Test reports whether slot i is in use.
func (b *Bitmap_t) Test(i uint) bool {
	b.Lock()
	defer b.Unlock()
	b.checkRange(i)
	return b.bs.Test(i)
}

// FreeCount returns the number of slots currently free.
func (b *Bitmap_t) FreeCount() uint {
	b.Lock()
	defer b.Unlock()
	return b.size - b.bs.Count()
}

func (b *Bitmap_t) checkRange(i uint) {
	if i >= b.size {
		panic("bitmap: index out of range")
	}
}
