package inode

import (
	"github.com/gorbiscuit/pgstore/bdev"
	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/util"
)

func min3(a, b, c int) int {
	return util.Min(util.Min(a, b), c)
}

// ReadAt reads up to size bytes starting at offset into buf, driving the
// readahead oracle of spec.md §4.2 as it walks the sectors touched. It
// returns the number of bytes actually read (fewer than requested at
// EOF) and updates ra's window state for the next call.
func (e *Engine_t) ReadAt(h *Handle_t, ra *RaState_t, buf []byte, size, offset int) (int, defs.Err_t) {
	h.mu.Lock()
	length := h.length
	indices := h.indices
	h.mu.Unlock()

	if offset >= length {
		return 0, 0
	}
	if offset+size > length {
		size = length - offset
	}
	if size <= 0 {
		return 0, 0
	}

	startSector := offset / bdev.SectorSize
	endSector := (offset + size - 1) / bdev.SectorSize
	reqSize := endSector - startSector + 1

	total := 0
	pos := offset
	end := offset + size
	for pos < end {
		secIdx := pos / bdev.SectorSize
		secOff := pos % bdev.SectorSize
		sector := e.resolveSector(indices, secIdx)
		if sector == 0 {
			break
		}

		if e.cache.Find(sector) == nil {
			e.ondemandReadahead(secIdx, reqSize, ra, false, &indices)
		} else if e.cache.Readahead(sector) {
			e.ondemandReadahead(secIdx, reqSize, ra, true, &indices)
			e.cache.ClearReadahead(sector)
		}

		remaining := end - pos
		sectorRemainder := bdev.SectorSize - secOff
		fileTail := length - pos
		n := min3(remaining, sectorRemainder, fileTail)
		if n <= 0 {
			break
		}

		if errc := e.cache.Read(sector, buf[total:total+n], secOff, n); errc != 0 {
			return total, errc
		}
		total += n
		pos += n
	}

	ra.PrevPos = pos
	return total, 0
}

// WriteAt writes size bytes from buf at offset, extending the file first
// if the write runs past its current length. A deny-write inode silently
// discards the write, returning 0 bytes written (spec.md §4.2).
func (e *Engine_t) WriteAt(h *Handle_t, buf []byte, size, offset int) (int, defs.Err_t) {
	h.mu.Lock()
	deny := h.denyWriteCnt > 0
	length := h.length
	h.mu.Unlock()
	if deny {
		return 0, 0
	}

	if offset+size > length {
		if errc := e.extendInode(h, size, offset); errc != 0 {
			return 0, errc
		}
	}

	h.mu.Lock()
	indices := h.indices
	h.mu.Unlock()

	total := 0
	pos := offset
	end := offset + size
	for pos < end {
		secIdx := pos / bdev.SectorSize
		secOff := pos % bdev.SectorSize
		sector := e.resolveSector(indices, secIdx)
		if sector == 0 {
			return total, -defs.EIO
		}
		n := util.Min(end-pos, bdev.SectorSize-secOff)
		if errc := e.cache.Write(sector, buf[total:total+n], secOff, n); errc != 0 {
			return total, errc
		}
		total += n
		pos += n
	}
	return total, 0
}

// extendInode grows h to cover offset+size bytes, allocating and
// zero-filling the newly needed data (and index) sectors, then commits
// the new length under the inode mutex only on success (spec.md §4.2,
// §7 "atomic" extension).
func (e *Engine_t) extendInode(h *Handle_t, size, offset int) defs.Err_t {
	h.mu.Lock()
	defer h.mu.Unlock()

	newLength := offset + size
	if newLength <= h.length {
		return 0
	}
	oldSectors := (h.length + bdev.SectorSize - 1) / bdev.SectorSize
	newSectors := (newLength + bdev.SectorSize - 1) / bdev.SectorSize
	if newSectors > MaxSectors {
		return -defs.ENOSPC
	}

	indices := h.indices
	e.mu.Lock()
	_, ok := e.growIndices(&indices, oldSectors, newSectors)
	e.mu.Unlock()
	if !ok {
		return -defs.ENOSPC
	}

	h.indices = indices
	h.length = newLength
	e.writeInodeImage(h.Sector, indices, newLength, h.typ)
	return 0
}

// ondemandReadahead implements the adaptive window-sizing policy of
// spec.md §4.2, run whenever ReadAt encounters a cache miss or a
// readahead marker.
func (e *Engine_t) ondemandReadahead(secIdx, reqSize int, ra *RaState_t, hitMarker bool, indices *[NIndices]uint32) {
	maxP := ra.Max
	if maxP == 0 {
		maxP = 32
	}

	var newStart, newSize, newAsync int

	switch {
	case secIdx == 0:
		newStart = 0
		newSize = util.RoundupPow2(reqSize)
		switch {
		case newSize <= maxP/32:
			newSize *= 4
		case newSize <= maxP/4:
			newSize *= 2
		default:
			newSize = maxP
		}
		newAsync = newSize

	case secIdx == ra.Start+ra.Size-ra.AsyncSize || secIdx == ra.Start+ra.Size:
		newStart = ra.Start + ra.Size
		sz := reqSize
		switch {
		case sz < maxP/16:
			sz *= 4
		case sz <= maxP/2:
			sz *= 2
		default:
			sz = maxP
		}
		newSize = sz
		newAsync = reqSize

	case hitMarker:
		nextMiss := -1
		for i := 1; i <= maxP; i++ {
			cand := secIdx + i
			s := e.resolveSector(*indices, cand)
			if s == 0 {
				break
			}
			if e.cache.Find(s) == nil {
				nextMiss = cand
				break
			}
		}
		if nextMiss >= 0 {
			newStart = nextMiss
		} else {
			newStart = ra.Start
		}
		newSize = ra.Size
		newAsync = ra.AsyncSize

	case reqSize > maxP:
		newStart = secIdx
		newSize = reqSize
		newAsync = 0

	case ra.PrevPos >= 0 && secIdx-(ra.PrevPos/bdev.SectorSize) <= 1:
		newStart = secIdx
		newSize = util.RoundupPow2(reqSize)
		newAsync = newSize

	default:
		// Random access: one-shot fetch, no lookahead, window untouched.
		e.doCacheReadahead(secIdx, reqSize, 0, indices)
		return
	}

	if newSize > maxP {
		newSize = maxP
	}
	lookahead := newAsync
	if lookahead > newSize {
		lookahead = newSize
	}
	ra.Start = newStart
	ra.Size = newSize
	ra.AsyncSize = newAsync
	e.doCacheReadahead(newStart, newSize, lookahead, indices)
}

// doCacheReadahead prefetches n sectors starting at start, stamping a
// readahead marker at the lookahead position. It bails out the moment it
// finds an already-cached sector: the reader is already ahead of this
// pass (spec.md §4.2).
func (e *Engine_t) doCacheReadahead(start, n, lookahead int, indices *[NIndices]uint32) {
	for i := 0; i < n; i++ {
		idx := start + i
		sector := e.resolveSector(*indices, idx)
		if sector == 0 {
			return
		}
		if e.cache.Find(sector) != nil {
			return
		}
		entry := e.cache.Get(sector, 0)
		if entry == nil {
			return
		}
		e.cache.Release(entry)
		if i == n-lookahead {
			e.cache.SetReadahead(sector)
		}
	}
}
