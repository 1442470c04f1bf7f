// Package fsvm wires the block cache, inode engine, swap allocator,
// frame table, supplemental page maps, and memory-map tables into one
// running system, the way the teacher's ufs.Ufs_t glues Fs_t and Disk_i
// together. Unlike Ufs_t, this facade owns no directory/path resolution
// (out of scope, spec.md §1) -- it is purely the construction and
// per-process registration glue the rest of this core needs to be
// exercised end to end.
package fsvm

import (
	"github.com/gorbiscuit/pgstore/bdev"
	"github.com/gorbiscuit/pgstore/cache"
	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/frame"
	"github.com/gorbiscuit/pgstore/inode"
	"github.com/gorbiscuit/pgstore/limits"
	"github.com/gorbiscuit/pgstore/mmap"
	"github.com/gorbiscuit/pgstore/pagedir"
	"github.com/gorbiscuit/pgstore/swap"
	"github.com/gorbiscuit/pgstore/vm"
)

// System_t is one running instance of the storage and virtual-memory
// core: one data disk, one swap disk, shared cache/inode/frame/swap
// state, and a pager that mediates eviction against every registered
// process's supplemental map.
type System_t struct {
	Disk   bdev.Disk_i
	Cache  *cache.Cache_t
	Inodes *inode.Engine_t
	Swap   *swap.Allocator_t
	Frames *frame.Table_t
	Pager  *vm.Pager_t

	// Limits is the system-wide capacity budget (spec.md §7's "bounded
	// resources" concern): Frames caps how many page faults may be in
	// flight at once, independent of how the frame table internally
	// reuses physical pages via eviction, so a storm of concurrent
	// faults backs off instead of thrashing every process's frames at
	// once.
	Limits *limits.Syslimit_t
}

// Config_t bundles the sizes New needs to stand up a system.
type Config_t struct {
	DataSectors int // total sectors on the data disk
	SwapSlots   uint
	FramePages  int // physical pages available to the frame table
}

// New wires a complete system over dataDisk and swapDisk.
func New(dataDisk, swapDisk bdev.Disk_i, cfg Config_t) *System_t {
	c := cache.New(dataDisk, cache.Capacity)
	eng := inode.NewEngine(c, uint32(cfg.DataSectors))
	sw := swap.New(swapDisk, cfg.SwapSlots)

	pager := vm.NewPager(sw)
	pool := frame.NewPool(cfg.FramePages)
	frames := frame.New(pool, pager)
	pager.AttachFrames(frames)

	return &System_t{
		Disk:   dataDisk,
		Cache:  c,
		Inodes: eng,
		Swap:   sw,
		Frames: frames,
		Pager:  pager,
		Limits: limits.MkSysLimit(cache.Capacity, cfg.FramePages, int(cfg.SwapSlots)),
	}
}

// Process_t is one process's virtual-memory bookkeeping: its
// supplemental page map, its memory-map table, and its (software) page
// table.
type Process_t struct {
	Tid     defs.Tid_t
	PageDir *pagedir.Table_t
	Supp    *vm.Map_t
	Mmaps   *mmap.Table_t
}

// NewProcess registers a new process with sys, returning its VM
// bookkeeping. Must be called before any page fault or mmap call is
// serviced on tid's behalf.
func (sys *System_t) NewProcess(tid defs.Tid_t) *Process_t {
	pd := pagedir.New()
	supp := vm.NewMap()
	sys.Pager.RegisterProcess(tid, supp, pd)
	return &Process_t{
		Tid:     tid,
		PageDir: pd,
		Supp:    supp,
		Mmaps:   mmap.NewTable(supp),
	}
}

// Fault services a page fault at upage for this process: looks up the
// supplemental entry and loads it, or grows the stack for an entry that
// has never been loaded. Admission against Limits.Frames bounds how many
// faults this system services at once, backing off with ENOMEM rather
// than piling concurrent evictions onto an already-thrashing frame table.
func (sys *System_t) Fault(p *Process_t, upage uintptr) defs.Err_t {
	entry, ok := p.Supp.Find(upage)
	if !ok {
		return -defs.EFAULT
	}
	if !sys.Limits.Frames.Take() {
		return -defs.ENOMEM
	}
	defer sys.Limits.Frames.Give()

	if entry.Position == vm.Stack && !entry.Loaded {
		return vm.GrowStack(p.Tid, entry, sys.Frames, p.PageDir)
	}
	return vm.LoadPage(p.Tid, entry, sys.Frames, p.PageDir, sys.Swap)
}

// Teardown releases every resource p holds: its mappings (writing back
// dirty pages), its frames, its supplemental entries, and the cache
// entries it owns. p stays registered with the pager and the frame table.
func (p *Process_t) Teardown(sys *System_t) {
	p.Mmaps.MunmapAll(p.PageDir, sys.Frames)
	p.Supp.Range(func(e *vm.Entry_t) {
		if !e.Loaded {
			return
		}
		if kpage, ok := p.PageDir.GetPage(e.Upage); ok {
			sys.Frames.Free(kpage)
		}
	})
	p.Supp.FreePages()
	sys.Cache.FreeOwnedBy(p.Tid)
}
