// Package swap implements the swap-slot allocator of spec.md §4.6: a
// bitmap of free slots over a dedicated block device, one page per slot.
package swap

import (
	"github.com/gorbiscuit/pgstore/bdev"
	"github.com/gorbiscuit/pgstore/bitmap"
	"github.com/gorbiscuit/pgstore/defs"
)

// PageSize is the size of one page, in bytes.
const PageSize = 4096

// SectorsPerPage is how many device sectors back one swap slot.
const SectorsPerPage = PageSize / bdev.SectorSize

// ErrNoSlot is the all-ones sentinel returned when swap is full.
const ErrNoSlot = bitmap.ErrNoSlot

// Page_t is one page's worth of bytes, the unit stored in a single slot.
type Page_t [PageSize]byte

// Allocator_t is the swap allocator: a free-slot bitmap over a dedicated
// block device.
type Allocator_t struct {
	disk  bdev.Disk_i
	slots *bitmap.Bitmap_t
}

// New creates an allocator over disk, which must have at least
// nslots*SectorsPerPage sectors.
func New(disk bdev.Disk_i, nslots uint) *Allocator_t {
	need := uint64(nslots) * SectorsPerPage
	if uint64(disk.NumSectors()) < need {
		panic("swap: backing device too small for requested slot count")
	}
	return &Allocator_t{disk: disk, slots: bitmap.Mk(nslots)}
}

// Store finds a free slot, atomically (with respect to other Store/Free
// calls) flips it to in-use, writes page into it, and returns the slot
// index. Returns ErrNoSlot if swap is exhausted.
func (a *Allocator_t) Store(page *Page_t) uint {
	slot := a.slots.ScanAndSet()
	if slot == ErrNoSlot {
		return ErrNoSlot
	}
	a.writeSlot(slot, page)
	return slot
}

// Load reads slot's contents into page and frees the slot: a slot is
// single-use, so a page loaded back in must be re-Stored (possibly to a
// different slot) if it is evicted again.
func (a *Allocator_t) Load(slot uint, page *Page_t) defs.Err_t {
	if slot == ErrNoSlot || slot >= a.slots.Len() {
		return -defs.EINVAL
	}
	a.readSlot(slot, page)
	a.slots.Clear(slot)
	return 0
}

// Free releases slot without reading it back.
func (a *Allocator_t) Free(slot uint) {
	if slot == ErrNoSlot || slot >= a.slots.Len() {
		return
	}
	a.slots.Clear(slot)
}

// FreeCount reports the number of free slots remaining.
func (a *Allocator_t) FreeCount() uint {
	return a.slots.FreeCount()
}

func (a *Allocator_t) writeSlot(slot uint, page *Page_t) {
	base := uint32(slot) * SectorsPerPage
	for i := 0; i < SectorsPerPage; i++ {
		var sect bdev.Sector
		copy(sect[:], page[i*bdev.SectorSize:(i+1)*bdev.SectorSize])
		bdev.Write(a.disk, base+uint32(i), &sect)
	}
}

func (a *Allocator_t) readSlot(slot uint, page *Page_t) {
	base := uint32(slot) * SectorsPerPage
	for i := 0; i < SectorsPerPage; i++ {
		var sect bdev.Sector
		bdev.Read(a.disk, base+uint32(i), &sect)
		copy(page[i*bdev.SectorSize:(i+1)*bdev.SectorSize], sect[:])
	}
}
