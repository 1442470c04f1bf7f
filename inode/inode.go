// Package inode implements the on-disk inode engine of spec.md §4.2 and
// §6: a multi-level indexed file layout (direct, single-indirect,
// double-indirect) over the block cache, with interned open handles and
// whole-inode teardown. It is grounded in the teacher's fs/super.go for
// the little-endian fixed-field-layout style (fieldr/fieldw over a raw
// sector buffer) and in fs/blk.go for the sync.Mutex-embedding,
// refcounted handle shape (Bdev_block_t), generalized here from a single
// cached block to an interned on-disk inode.
package inode

import (
	"sync"

	"github.com/gorbiscuit/pgstore/bdev"
	"github.com/gorbiscuit/pgstore/bitmap"
	"github.com/gorbiscuit/pgstore/cache"
	"github.com/gorbiscuit/pgstore/defs"
)

// Sector-layout constants (spec.md §6): 14 u32 LE sector indices, then
// length, type, magic, all u32 LE, zero-padded to the sector.
const (
	NDirect   = 12
	idxSingle = 12
	idxDouble = 13
	NIndices  = 14

	// N is the number of sector indices packed into one index block.
	N = bdev.SectorSize / 4

	offLength = NIndices * 4
	offType   = offLength + 4
	offMagic  = offType + 4

	// Magic identifies a valid on-disk inode.
	Magic = 0x494E4F44

	TypeDir  = 0
	TypeFile = 1

	// MaxSectors is the largest file size, in sectors, addressable by the
	// direct + single-indirect + double-indirect layout.
	MaxSectors = NDirect + N + N*N
)

// RaState_t is one opener's readahead window state (spec.md §3), created
// zeroed with PrevPos = -1 by NewRaState.
type RaState_t struct {
	Start     int
	Size      int
	AsyncSize int
	Max       int
	PrevPos   int
}

// NewRaState creates a fresh readahead state with the default window cap.
func NewRaState() *RaState_t {
	return &RaState_t{Max: 32, PrevPos: -1}
}

// Handle_t is an in-memory, interned, refcounted handle onto an on-disk
// inode (spec.md §3).
type Handle_t struct {
	eng *Engine_t

	Sector uint32

	mu           sync.Mutex
	refcount     int
	removed      bool
	denyWriteCnt int
	length       int
	typ          uint32
	indices      [NIndices]uint32

	mmapRa *RaState_t
}

// ReadAt implements vm.FileReader_i / mmap.File_i for pager-driven reads.
func (h *Handle_t) ReadAt(buf []byte, off int) (int, defs.Err_t) {
	return h.eng.ReadAt(h, h.mmapRa, buf, len(buf), off)
}

// WriteAt implements vm.FileReader_i / mmap.File_i for pager-driven
// write-back.
func (h *Handle_t) WriteAt(buf []byte, off int) (int, defs.Err_t) {
	return h.eng.WriteAt(h, buf, len(buf), off)
}

// Length returns the file's current length in bytes.
func (h *Handle_t) Length() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.length
}

// Close releases one reference to h, as Engine_t.Close.
func (h *Handle_t) Close() defs.Err_t {
	return h.eng.Close(h)
}

// IsDir reports whether h refers to a directory inode.
func (h *Handle_t) IsDir() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.typ == TypeDir
}

// GetInumber returns h's sector number, the inode's unique identifier.
func (h *Handle_t) GetInumber() uint32 {
	return h.Sector
}

// Engine_t is the inode engine: a cache-backed allocator of inode and
// data sectors, with an interning table of open handles.
type Engine_t struct {
	mu    sync.Mutex
	cache *cache.Cache_t
	free  *bitmap.Bitmap_t
	open  map[uint32]*Handle_t
}

// NewEngine creates an inode engine over cache, with a free-sector bitmap
// sized to totalSectors. Sectors 0 (the free-map file) and 1 (the root
// directory, spec.md §3) are reserved up front; the directory layer that
// would otherwise own them is out of this core's scope.
func NewEngine(c *cache.Cache_t, totalSectors uint32) *Engine_t {
	free := bitmap.Mk(uint(totalSectors))
	free.Set(0)
	free.Set(1)
	return &Engine_t{cache: c, free: free, open: make(map[uint32]*Handle_t)}
}

func (e *Engine_t) allocSector() (uint32, bool) {
	s := e.free.ScanAndSet()
	if s == bitmap.ErrNoSlot {
		return 0, false
	}
	return uint32(s), true
}

func (e *Engine_t) freeSector(s uint32) {
	e.free.Clear(uint(s))
}

func (e *Engine_t) zeroSector(s uint32) {
	e.cache.Memset(s, 0, 0, bdev.SectorSize)
}

// Create allocates and zero-fills ceil(length/sector_size) data sectors
// across the direct/indirect/double-indirect tiers for the inode at
// sector (caller-supplied), then writes the populated inode image. On
// any allocation failure every sector allocated in this call is
// released and the inode is not written (spec.md §4.2, §7).
func (e *Engine_t) Create(sector uint32, length int, typ uint32) defs.Err_t {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := (length + bdev.SectorSize - 1) / bdev.SectorSize
	if n > MaxSectors {
		return -defs.ENOSPC
	}

	e.free.Set(uint(sector))

	var indices [NIndices]uint32
	if _, ok := e.growIndices(&indices, 0, n); !ok {
		e.freeSector(sector)
		return -defs.ENOSPC
	}
	e.writeInodeImage(sector, indices, length, typ)
	return 0
}

// writeInodeImage serializes the inode fields into the cache at sector,
// in the bit-exact layout of spec.md §6.
func (e *Engine_t) writeInodeImage(sector uint32, indices [NIndices]uint32, length int, typ uint32) {
	for i := 0; i < NIndices; i++ {
		e.cache.WriteU32(sector, i*4, indices[i])
	}
	e.cache.WriteU32(sector, offLength, uint32(int32(length)))
	e.cache.WriteU32(sector, offType, typ)
	e.cache.WriteU32(sector, offMagic, Magic)
	tail := offMagic + 4
	e.cache.Memset(sector, 0, tail, bdev.SectorSize-tail)
}

// growIndices allocates and zero-fills data sectors (and any index
// blocks they require) to cover logical sector positions [from, to),
// mutating indices in place. On failure it releases every sector it
// allocated in this call and returns ok=false, leaving indices for
// positions < from untouched (spec.md §4.2 "best-effort rollback").
func (e *Engine_t) growIndices(indices *[NIndices]uint32, from, to int) ([]uint32, bool) {
	var allocated []uint32
	rollback := func() {
		for _, s := range allocated {
			e.freeSector(s)
		}
	}

	for i := from; i < to; i++ {
		switch {
		case i < NDirect:
			s, ok := e.allocSector()
			if !ok {
				rollback()
				return nil, false
			}
			e.zeroSector(s)
			indices[i] = s
			allocated = append(allocated, s)

		case i < NDirect+N:
			if indices[idxSingle] == 0 {
				s, ok := e.allocSector()
				if !ok {
					rollback()
					return nil, false
				}
				e.zeroSector(s)
				indices[idxSingle] = s
				allocated = append(allocated, s)
			}
			s, ok := e.allocSector()
			if !ok {
				rollback()
				return nil, false
			}
			e.zeroSector(s)
			e.cache.WriteU32(indices[idxSingle], (i-NDirect)*4, s)
			allocated = append(allocated, s)

		default:
			rel := i - NDirect - N
			outer, inner := rel/N, rel%N
			if indices[idxDouble] == 0 {
				s, ok := e.allocSector()
				if !ok {
					rollback()
					return nil, false
				}
				e.zeroSector(s)
				indices[idxDouble] = s
				allocated = append(allocated, s)
			}
			innerBlock, _ := e.cache.ReadU32(indices[idxDouble], outer*4)
			if innerBlock == 0 {
				s, ok := e.allocSector()
				if !ok {
					rollback()
					return nil, false
				}
				e.zeroSector(s)
				e.cache.WriteU32(indices[idxDouble], outer*4, s)
				innerBlock = s
				allocated = append(allocated, s)
			}
			s, ok := e.allocSector()
			if !ok {
				rollback()
				return nil, false
			}
			e.zeroSector(s)
			e.cache.WriteU32(innerBlock, inner*4, s)
			allocated = append(allocated, s)
		}
	}
	return allocated, true
}

// resolveSector returns the on-disk sector for logical position idx, or
// 0 if that position is a hole (unallocated).
func (e *Engine_t) resolveSector(indices [NIndices]uint32, idx int) uint32 {
	switch {
	case idx < NDirect:
		return indices[idx]
	case idx < NDirect+N:
		if indices[idxSingle] == 0 {
			return 0
		}
		v, _ := e.cache.ReadU32(indices[idxSingle], (idx-NDirect)*4)
		return v
	default:
		if indices[idxDouble] == 0 {
			return 0
		}
		rel := idx - NDirect - N
		outer, inner := rel/N, rel%N
		innerBlock, _ := e.cache.ReadU32(indices[idxDouble], outer*4)
		if innerBlock == 0 {
			return 0
		}
		v, _ := e.cache.ReadU32(innerBlock, inner*4)
		return v
	}
}

// Open returns the handle for sector, interning: a second Open of an
// already-open sector returns the same handle with its refcount bumped.
// Fails with EIO if the sector's magic number doesn't match (spec.md §7
// "inode with wrong magic is a fatal kernel error").
func (e *Engine_t) Open(sector uint32) (*Handle_t, defs.Err_t) {
	e.mu.Lock()
	if h, ok := e.open[sector]; ok {
		e.mu.Unlock()
		return e.Reopen(h), 0
	}
	e.mu.Unlock()

	magic, err := e.cache.ReadU32(sector, offMagic)
	if err != 0 {
		return nil, err
	}
	if magic != Magic {
		return nil, -defs.EIO
	}

	h := &Handle_t{Sector: sector, eng: e, refcount: 1, mmapRa: NewRaState()}
	for i := 0; i < NIndices; i++ {
		v, _ := e.cache.ReadU32(sector, i*4)
		h.indices[i] = v
	}
	lenV, _ := e.cache.ReadU32(sector, offLength)
	h.length = int(int32(lenV))
	typV, _ := e.cache.ReadU32(sector, offType)
	h.typ = typV

	e.mu.Lock()
	if existing, ok := e.open[sector]; ok {
		e.mu.Unlock()
		return e.Reopen(existing), 0
	}
	e.open[sector] = h
	e.mu.Unlock()
	return h, 0
}

// Reopen increments h's refcount and returns it.
func (e *Engine_t) Reopen(h *Handle_t) *Handle_t {
	h.mu.Lock()
	h.refcount++
	h.mu.Unlock()
	return h
}

// Close decrements h's refcount; at zero, if h was removed, every data
// sector it owns (and the inode sector itself) is released.
func (e *Engine_t) Close(h *Handle_t) defs.Err_t {
	h.mu.Lock()
	h.refcount--
	rc := h.refcount
	removed := h.removed
	indices := h.indices
	h.mu.Unlock()
	if rc > 0 {
		return 0
	}

	e.mu.Lock()
	delete(e.open, h.Sector)
	e.mu.Unlock()

	if removed {
		e.mu.Lock()
		e.freeAllDataSectors(indices)
		e.free.Clear(uint(h.Sector))
		e.mu.Unlock()
	}
	return 0
}

func (e *Engine_t) freeAllDataSectors(indices [NIndices]uint32) {
	for i := 0; i < NDirect; i++ {
		if indices[i] != 0 {
			e.freeSector(indices[i])
		}
	}
	if indices[idxSingle] != 0 {
		for j := 0; j < N; j++ {
			v, _ := e.cache.ReadU32(indices[idxSingle], j*4)
			if v != 0 {
				e.freeSector(v)
			}
		}
		e.freeSector(indices[idxSingle])
	}
	if indices[idxDouble] != 0 {
		for o := 0; o < N; o++ {
			inner, _ := e.cache.ReadU32(indices[idxDouble], o*4)
			if inner == 0 {
				continue
			}
			for j := 0; j < N; j++ {
				v, _ := e.cache.ReadU32(inner, j*4)
				if v != 0 {
					e.freeSector(v)
				}
			}
			e.freeSector(inner)
		}
		e.freeSector(indices[idxDouble])
	}
}

// Remove marks h removed; the data-sector sweep runs at the last Close.
func (e *Engine_t) Remove(h *Handle_t) defs.Err_t {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
	return 0
}

// Length returns h's current length in bytes.
func (e *Engine_t) Length(h *Handle_t) int {
	return h.Length()
}

// DenyWrite and AllowWrite implement the deny-write counter (spec.md
// §4.2): while the count is above zero, WriteAt is a no-op.
func (e *Engine_t) DenyWrite(h *Handle_t) {
	h.mu.Lock()
	h.denyWriteCnt++
	h.mu.Unlock()
}

func (e *Engine_t) AllowWrite(h *Handle_t) {
	h.mu.Lock()
	h.denyWriteCnt--
	h.mu.Unlock()
}
