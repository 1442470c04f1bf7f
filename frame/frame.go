// Package frame implements the physical frame table and two-list
// second-chance eviction policy of spec.md §4.4. It plays the role the
// teacher's mem package plays for physical pages (mem/mem.go's refcounted
// Page_t pool), but that package leans on a forked Go runtime
// (runtime.Get_phys, real PTE bits) this module has no equivalent of, so
// the physical page pool here (Pool_t) is a fresh, portable free-list
// over a plain Go byte slice, and the frame list bookkeeping is original
// to this package, grounded directly in spec.md §4.4's own description
// rather than any single teacher file.
package frame

import (
	"container/list"
	"sync"

	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/oommsg"
	"github.com/gorbiscuit/pgstore/pagedir"
)

// PageSize is the size of one physical page, in bytes.
const PageSize = 4096

// shrinkTarget is the minimum inactive-list size the final eviction step
// maintains (spec.md §4.4 "shrink_active_list").
const shrinkTarget = 10

// Page_t is the backing storage for one physical frame.
type Page_t [PageSize]byte

// Pool_t is the underlying physical page allocator the frame table draws
// from: a fixed-size arena handed out as a free list. kpage 0 is never
// valid; real slots are indices offset by one.
type Pool_t struct {
	mu    sync.Mutex
	pages []Page_t
	free  []uintptr
}

// NewPool allocates a pool of n physical pages, all initially free.
func NewPool(n int) *Pool_t {
	p := &Pool_t{pages: make([]Page_t, n), free: make([]uintptr, n)}
	for i := 0; i < n; i++ {
		p.free[i] = uintptr(i + 1)
	}
	return p
}

// Alloc hands out one free page, or reports exhaustion.
func (p *Pool_t) Alloc() (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return 0, false
	}
	n := len(p.free) - 1
	kpage := p.free[n]
	p.free = p.free[:n]
	return kpage, true
}

// Free returns kpage to the pool.
func (p *Pool_t) Free(kpage uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, kpage)
}

// Bytes returns the backing storage for kpage. Panics on an invalid id.
func (p *Pool_t) Bytes(kpage uintptr) []byte {
	if kpage == 0 || kpage > uintptr(len(p.pages)) {
		panic("frame: invalid kpage")
	}
	pg := &p.pages[kpage-1]
	return pg[:]
}

// Saver_i saves a frame's contents to its backing store (swap or a mapped
// file) and clears its hardware mapping, the collaborator spec.md §4.4
// calls "save". It is supplied by whatever owns the supplemental page
// maps (this module has no knowledge of per-process page maps itself).
type Saver_i interface {
	Save(owner defs.Tid_t, upage uintptr) bool
}

// Descriptor_t is one frame table entry (spec.md §3 "Frame descriptor").
type Descriptor_t struct {
	KPage  uintptr
	UPage  uintptr
	Owner  defs.Tid_t
	Size   int
	Active bool

	elem *list.Element
}

// Table_t is the frame table: a hash from kernel page to descriptor, plus
// the active/inactive intrusive lists the eviction sweep walks.
type Table_t struct {
	mu    sync.Mutex
	pool  *Pool_t
	saver Saver_i
	pd    map[defs.Tid_t]pagedir.Table_i

	byKPage  map[uintptr]*Descriptor_t
	active   *list.List
	inactive *list.List
	nrActive int
	nrInactive int
}

// New creates a frame table drawing physical pages from pool and using
// saver to evict.
func New(pool *Pool_t, saver Saver_i) *Table_t {
	return &Table_t{
		pool:     pool,
		saver:    saver,
		pd:       make(map[defs.Tid_t]pagedir.Table_i),
		byKPage:  make(map[uintptr]*Descriptor_t),
		active:   list.New(),
		inactive: list.New(),
	}
}

// RegisterPageDir associates owner with the hardware page table the
// eviction sweep consults for accessed/dirty bits. Must be called before
// any frame is allocated on that owner's behalf.
func (t *Table_t) RegisterPageDir(owner defs.Tid_t, pd pagedir.Table_i) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pd[owner] = pd
}

// Get allocates a frame for upage owned by owner, evicting if the pool is
// exhausted. Returns the kernel page and true, or false if no frame could
// be produced (pool exhausted and nothing evictable -- a process kill in
// the fault handler, spec.md §7).
func (t *Table_t) Get(owner defs.Tid_t, upage uintptr) (uintptr, bool) {
	kpage, ok := t.pool.Alloc()
	if !ok {
		victim := t.evict()
		if victim == nil {
			// Nothing could be saved: notify whoever is listening for OOM
			// conditions (spec.md §7 "propagated by the fault handler as a
			// process kill"), best-effort -- this table has no reaper of
			// its own and must not block the faulting goroutine on one.
			select {
			case oommsg.OomCh <- oommsg.Oommsg_t{Need: 1}:
			default:
			}
			return 0, false
		}
		kpage = victim.KPage
	}

	desc := &Descriptor_t{KPage: kpage, UPage: upage, Owner: owner, Size: 1, Active: true}
	t.mu.Lock()
	desc.elem = t.active.PushBack(desc)
	t.nrActive++
	t.byKPage[kpage] = desc
	t.mu.Unlock()
	return kpage, true
}

// Bytes returns the writable backing storage for kpage.
func (t *Table_t) Bytes(kpage uintptr) []byte {
	return t.pool.Bytes(kpage)
}

// Find returns the descriptor for kpage, if any.
func (t *Table_t) Find(kpage uintptr) (*Descriptor_t, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.byKPage[kpage]
	return d, ok
}

// Free releases kpage: removes its descriptor from whichever list it is
// on and returns the physical page to the pool.
func (t *Table_t) Free(kpage uintptr) {
	t.mu.Lock()
	d, ok := t.byKPage[kpage]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.byKPage, kpage)
	if d.Active {
		t.active.Remove(d.elem)
		t.nrActive--
	} else {
		t.inactive.Remove(d.elem)
		t.nrInactive--
	}
	t.mu.Unlock()
	t.pool.Free(kpage)
}

// NrActive and NrInactive report the current list sizes, for invariant
// checks (spec.md §8 properties 4-5).
func (t *Table_t) NrActive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nrActive
}

func (t *Table_t) NrInactive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nrInactive
}

// evict runs the two-list second-chance sweep of spec.md §4.4 and returns
// a descriptor ready for reuse, or nil if nothing could be saved. The
// whole sweep runs under the frame lock (the baseline concurrency model
// of spec.md §5).
func (t *Table_t) evict() *Descriptor_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.shrinkActiveList()

	// 1. Inactive sweep.
	for el := t.inactive.Front(); el != nil; {
		next := el.Next()
		d := el.Value.(*Descriptor_t)
		pd := t.pd[d.Owner]
		if pd != nil && pd.IsAccessed(d.UPage) {
			pd.SetAccessed(d.UPage, false)
			t.inactive.Remove(el)
			t.nrInactive--
			d.Active = true
			d.elem = t.active.PushBack(d)
			t.nrActive++
		} else if t.saver.Save(d.Owner, d.UPage) {
			t.inactive.Remove(el)
			t.nrInactive--
			delete(t.byKPage, d.KPage)
			return d
		}
		el = next
	}

	// 2. Active sweep.
	for el := t.active.Front(); el != nil; {
		next := el.Next()
		d := el.Value.(*Descriptor_t)
		pd := t.pd[d.Owner]
		if pd != nil && pd.IsAccessed(d.UPage) {
			pd.SetAccessed(d.UPage, false)
		} else if t.saver.Save(d.Owner, d.UPage) {
			t.active.Remove(el)
			t.nrActive--
			delete(t.byKPage, d.KPage)
			return d
		}
		el = next
	}

	// 3. Forced: take the head of active, provided it can be saved.
	if el := t.active.Front(); el != nil {
		d := el.Value.(*Descriptor_t)
		if !t.saver.Save(d.Owner, d.UPage) {
			return nil
		}
		t.active.Remove(el)
		t.nrActive--
		delete(t.byKPage, d.KPage)
		return d
	}
	return nil
}

// shrinkActiveList moves active entries to the inactive list until the
// inactive list reaches shrinkTarget entries, clearing the accessed bit
// on each as it moves (spec.md §4.4 step 4). Caller holds mu.
func (t *Table_t) shrinkActiveList() {
	for t.nrInactive < shrinkTarget {
		el := t.active.Front()
		if el == nil {
			return
		}
		d := el.Value.(*Descriptor_t)
		t.active.Remove(el)
		t.nrActive--
		if pd := t.pd[d.Owner]; pd != nil {
			pd.SetAccessed(d.UPage, false)
		}
		d.Active = false
		d.elem = t.inactive.PushBack(d)
		t.nrInactive++
	}
}
