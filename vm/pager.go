package vm

import (
	"sync"

	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/frame"
	"github.com/gorbiscuit/pgstore/pagedir"
	"github.com/gorbiscuit/pgstore/swap"
)

// Pager_t ties a registry of per-process supplemental maps and page
// tables to the frame table and swap allocator, and implements
// frame.Saver_i -- it is the "save" collaborator spec.md §4.4 describes,
// kept outside the frame package itself so that frame has no knowledge of
// supplemental maps or swap, only of the Saver_i contract.
type Pager_t struct {
	mu     sync.Mutex
	maps   map[defs.Tid_t]*Map_t
	pds    map[defs.Tid_t]pagedir.Table_i
	frames *frame.Table_t
	swap   *swap.Allocator_t
}

// NewPager creates a pager over the given swap allocator. AttachFrames
// must be called once with the frame table before the pager is used: the
// frame table and the pager construct each other (the frame table needs
// a Saver_i, the pager needs the frame table's page bytes), so
// construction is two-step to break the cycle.
func NewPager(sw *swap.Allocator_t) *Pager_t {
	return &Pager_t{
		maps: make(map[defs.Tid_t]*Map_t),
		pds:  make(map[defs.Tid_t]pagedir.Table_i),
		swap: sw,
	}
}

// AttachFrames wires the frame table this pager saves victims out of.
func (p *Pager_t) AttachFrames(frames *frame.Table_t) {
	p.frames = frames
}

// RegisterProcess associates owner with its supplemental map and hardware
// page table, and also registers the page table with the frame table so
// eviction can consult accessed bits.
func (p *Pager_t) RegisterProcess(owner defs.Tid_t, m *Map_t, pd pagedir.Table_i) {
	p.mu.Lock()
	p.maps[owner] = m
	p.pds[owner] = pd
	p.mu.Unlock()
	p.frames.RegisterPageDir(owner, pd)
}

// Map returns the supplemental map registered for owner, if any.
func (p *Pager_t) Map(owner defs.Tid_t) (*Map_t, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.maps[owner]
	return m, ok
}

// PageDir returns the page table registered for owner, if any.
func (p *Pager_t) PageDir(owner defs.Tid_t) (pagedir.Table_i, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pd, ok := p.pds[owner]
	return pd, ok
}

// Save implements frame.Saver_i: it writes the frame at upage to its
// backing store, if any, and clears its hardware mapping (spec.md §4.4
// "save"). It does not return the physical page to the pool -- the
// caller (frame.Table_t.evict) immediately repurposes it.
func (p *Pager_t) Save(owner defs.Tid_t, upage uintptr) bool {
	p.mu.Lock()
	m := p.maps[owner]
	pd := p.pds[owner]
	p.mu.Unlock()
	if m == nil || pd == nil {
		return false
	}

	entry, ok := m.Find(upage)
	if !ok || !entry.Loaded {
		return false
	}
	kpage, ok := pd.GetPage(upage)
	if !ok {
		return false
	}
	buf := p.frames.Bytes(kpage)

	switch {
	case (entry.Position == File && entry.Writable) || entry.Position == Stack:
		var page swap.Page_t
		copy(page[:], buf)
		slot := p.swap.Store(&page)
		if slot == swap.ErrNoSlot {
			return false
		}
		entry.SwapSlot = slot
		entry.Position |= Swap
	case entry.Position == Mmapfile && pd.IsDirty(upage):
		n, err := entry.File.WriteAt(buf[:entry.ReadBytes], entry.Offset)
		if err != 0 || n != entry.ReadBytes {
			return false
		}
	default:
		// Read-only file page, or a clean mmap page: the backing file is
		// already an up to date copy: nothing to write.
	}

	pd.ClearPage(upage)
	entry.Loaded = false
	return true
}

var _ frame.Saver_i = (*Pager_t)(nil)
