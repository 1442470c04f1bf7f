// Package cache implements the fixed-capacity, write-behind, read-ahead
// block cache described in spec.md §4.1. It keeps the shape of the
// teacher's Bdev_block_t (fs/blk.go) -- a sector, a backing buffer, dirty
// and in-use flags, an owner tag -- but replaces the teacher's log-aware
// bdev cache with the spec's plain LRU cache, indexed by the teacher's own
// hashtable.Hashtable_t and ordered by container/list, the same pairing
// fs/blk.go already reaches for (it uses container/list for its
// BlkList_t request queues).
package cache

import (
	"container/list"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gorbiscuit/pgstore/bdev"
	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/hashtable"
	"github.com/gorbiscuit/pgstore/stats"
)

// Capacity is the number of sectors the cache holds at once (spec.md §3).
const Capacity = 64

// WriteBehindTicks is how many scheduler ticks the flush daemon sleeps
// between passes (spec.md §4.1).
const WriteBehindTicks = 30

// debug gates the teacher's fmt.Printf-style diagnostics; off by default.
var debug = false

// Entry_t is one cached sector.
type Entry_t struct {
	Sector    uint32
	Data      bdev.Sector
	Dirty     bool
	InUse     bool
	Readahead bool
	Owner     defs.Tid_t

	elem *list.Element
}

// Cache_t is the block cache: a capacity-bounded, LRU-ordered, write-behind
// cache of sectors, guarded by a single lock (cache_lock in spec.md §5).
type Cache_t struct {
	mu       sync.Mutex
	disk     bdev.Disk_i
	capacity int
	index    *hashtable.Hashtable_t // sector (int) -> *Entry_t
	lru      *list.List             // front = least-recently-used, back = most-recently-used

	tick     time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	Stats struct {
		Hits      stats.Counter_t
		Misses    stats.Counter_t
		Evictions stats.Counter_t
		Flushes   stats.Counter_t
	}
}

// New allocates a cache of the given capacity over disk.
func New(disk bdev.Disk_i, capacity int) *Cache_t {
	if capacity <= 0 {
		panic("cache: non-positive capacity")
	}
	return &Cache_t{
		disk:     disk,
		capacity: capacity,
		index:    hashtable.MkHash(capacity*2 + 1),
		lru:      list.New(),
		tick:     10 * time.Millisecond,
	}
}

// bumpLRU moves e to the tail (most-recently-used end). Caller holds mu.
func (c *Cache_t) bumpLRU(e *Entry_t) {
	c.lru.MoveToBack(e.elem)
}

// reserveLocked returns an entry ready to be claimed for a new sector: either
// a fresh entry if the cache has spare capacity, or the first non-in_use
// entry in LRU order, reserved (in_use set) so no concurrent caller can pick
// the same victim. Returns nil if every entry is in_use. Caller holds mu.
func (c *Cache_t) reserveLocked() *Entry_t {
	if c.lru.Len() < c.capacity {
		e := &Entry_t{InUse: true}
		e.elem = c.lru.PushBack(e)
		return e
	}
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry_t)
		if e.InUse {
			continue
		}
		c.index.Del(int(e.Sector))
		e.InUse = true
		c.Stats.Evictions.Inc()
		return e
	}
	return nil
}

// Get returns the cache entry for sector, fetching it from disk on a miss
// and evicting an LRU victim if the cache is full. The returned entry has
// InUse set; the caller must call Release when done. Returns nil if the
// cache is full of in-use entries (transient resource exhaustion, spec.md
// §7) -- the caller's policy is to propagate nil, never to block.
func (c *Cache_t) Get(sector uint32, owner defs.Tid_t) *Entry_t {
	c.mu.Lock()
	if v, ok := c.index.Get(int(sector)); ok {
		e := v.(*Entry_t)
		e.InUse = true
		e.Owner = owner
		c.bumpLRU(e)
		c.mu.Unlock()
		c.Stats.Hits.Inc()
		return e
	}
	c.Stats.Misses.Inc()

	e := c.reserveLocked()
	if e == nil {
		c.mu.Unlock()
		return nil
	}
	needFlush := e.Dirty
	oldSector := e.Sector
	oldData := e.Data
	c.mu.Unlock()

	if needFlush {
		bdev.Write(c.disk, oldSector, &oldData)
	}

	c.mu.Lock()
	e.Sector = sector
	e.Dirty = false
	e.Readahead = false
	e.Owner = owner
	c.index.Set(int(sector), e)
	c.bumpLRU(e)
	c.mu.Unlock()

	bdev.Read(c.disk, sector, &e.Data)
	if debug {
		println("cache: filled sector", sector)
	}
	return e
}

// Find returns the entry for sector if already cached, without claiming it
// (InUse is left untouched and LRU order is not disturbed). It is used by
// the inode engine's readahead oracle to check whether a sector is already
// resident before deciding to prefetch it.
func (c *Cache_t) Find(sector uint32) *Entry_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.index.Get(int(sector))
	if !ok {
		return nil
	}
	return v.(*Entry_t)
}

// Release clears InUse, making the entry eligible for eviction again.
func (c *Cache_t) Release(e *Entry_t) {
	c.mu.Lock()
	e.InUse = false
	c.mu.Unlock()
}

// Free destroys the cache entry for sector, flushing it first if dirty. A
// no-op if the sector isn't cached.
func (c *Cache_t) Free(sector uint32) {
	c.mu.Lock()
	v, ok := c.index.Get(int(sector))
	if !ok {
		c.mu.Unlock()
		return
	}
	e := v.(*Entry_t)
	c.index.Del(int(sector))
	c.lru.Remove(e.elem)
	needFlush := e.Dirty
	data := e.Data
	c.mu.Unlock()
	if needFlush {
		bdev.Write(c.disk, sector, &data)
	}
}

// Clear destroys every cache entry, flushing dirty ones first.
func (c *Cache_t) Clear() {
	c.mu.Lock()
	type dirty struct {
		sector uint32
		data   bdev.Sector
	}
	var toFlush []dirty
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry_t)
		if e.Dirty {
			toFlush = append(toFlush, dirty{e.Sector, e.Data})
		}
	}
	c.index = hashtable.MkHash(c.capacity*2 + 1)
	c.lru = list.New()
	c.mu.Unlock()

	for _, d := range toFlush {
		bdev.Write(c.disk, d.sector, &d.data)
	}
}

// FreeOwnedBy destroys every entry currently owned by the given thread (used
// during abnormal thread teardown, spec.md §3 lifecycle), flushing dirty
// ones first.
func (c *Cache_t) FreeOwnedBy(owner defs.Tid_t) {
	c.mu.Lock()
	var victims []*Entry_t
	for el := c.lru.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*Entry_t)
		if e.Owner == owner {
			victims = append(victims, e)
			c.index.Del(int(e.Sector))
			c.lru.Remove(el)
		}
		el = next
	}
	c.mu.Unlock()
	for _, e := range victims {
		if e.Dirty {
			bdev.Write(c.disk, e.Sector, &e.Data)
		}
	}
}

// Read copies size bytes from sector at off into dst. Returns ENOHEAP if the
// cache has no evictable entry.
func (c *Cache_t) Read(sector uint32, dst []byte, off, size int) defs.Err_t {
	e := c.Get(sector, 0)
	if e == nil {
		return -defs.ENOHEAP
	}
	copy(dst, e.Data[off:off+size])
	c.Release(e)
	return 0
}

// Write copies size bytes from src into sector at off, marking the sector
// dirty. Returns ENOHEAP if the cache has no evictable entry.
func (c *Cache_t) Write(sector uint32, src []byte, off, size int) defs.Err_t {
	e := c.Get(sector, 0)
	if e == nil {
		return -defs.ENOHEAP
	}
	copy(e.Data[off:off+size], src[:size])
	e.Dirty = true
	c.Release(e)
	return 0
}

// Memset fills size bytes of sector starting at off with value.
func (c *Cache_t) Memset(sector uint32, value byte, off, size int) defs.Err_t {
	e := c.Get(sector, 0)
	if e == nil {
		return -defs.ENOHEAP
	}
	buf := e.Data[off : off+size]
	for i := range buf {
		buf[i] = value
	}
	e.Dirty = true
	c.Release(e)
	return 0
}

// ReadU32 reads a little-endian u32 from sector at byte position pos.
func (c *Cache_t) ReadU32(sector uint32, pos int) (uint32, defs.Err_t) {
	e := c.Get(sector, 0)
	if e == nil {
		return 0, -defs.ENOHEAP
	}
	v := binary.LittleEndian.Uint32(e.Data[pos : pos+4])
	c.Release(e)
	return v, 0
}

// WriteU32 writes value as little-endian into sector at byte position pos.
func (c *Cache_t) WriteU32(sector uint32, pos int, value uint32) defs.Err_t {
	e := c.Get(sector, 0)
	if e == nil {
		return -defs.ENOHEAP
	}
	binary.LittleEndian.PutUint32(e.Data[pos:pos+4], value)
	e.Dirty = true
	c.Release(e)
	return 0
}

// SetReadahead marks sector as the lookahead trigger for an asynchronous
// prefetch window.
func (c *Cache_t) SetReadahead(sector uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.index.Get(int(sector)); ok {
		v.(*Entry_t).Readahead = true
	}
}

// Readahead reports whether sector carries the readahead marker.
func (c *Cache_t) Readahead(sector uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.index.Get(int(sector)); ok {
		return v.(*Entry_t).Readahead
	}
	return false
}

// ClearReadahead clears the readahead marker on sector.
func (c *Cache_t) ClearReadahead(sector uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.index.Get(int(sector)); ok {
		v.(*Entry_t).Readahead = false
	}
}

// Flush writes back every dirty entry and clears their dirty flags. It
// takes the cache lock exactly once to snapshot the dirty set, then
// performs the device writes with the lock released.
func (c *Cache_t) Flush() {
	c.mu.Lock()
	type dirty struct {
		sector uint32
		data   bdev.Sector
		e      *Entry_t
	}
	var toFlush []dirty
	for el := c.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry_t)
		if e.Dirty {
			toFlush = append(toFlush, dirty{e.Sector, e.Data, e})
			e.Dirty = false
		}
	}
	c.mu.Unlock()

	for _, d := range toFlush {
		bdev.Write(c.disk, d.sector, &d.data)
	}
	c.Stats.Flushes.Inc()
}

// StartWriteBehind launches the background flush daemon: sleep
// WriteBehindTicks ticks, then Flush, forever until StopWriteBehind.
func (c *Cache_t) StartWriteBehind() {
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		period := c.tick * WriteBehindTicks
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-t.C:
				c.Flush()
			}
		}
	}()
}

// StopWriteBehind stops the background flush daemon and waits for it to
// exit.
func (c *Cache_t) StopWriteBehind() {
	c.stopOnce.Do(func() {
		if c.stopCh != nil {
			close(c.stopCh)
		}
	})
	c.wg.Wait()
}
