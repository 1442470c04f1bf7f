// Package mmap implements the per-process memory-map table of
// spec.md §4.5: mmap installs MMAPFILE supplemental entries for a
// reopened file, munmap tears them down and writes back dirty pages.
// There is no teacher file for this concern (biscuit's retrieved vm
// package carries no mmap support), so this package is grounded directly
// in spec.md §4.5 and built on top of the vm and frame packages' own
// contracts.
package mmap

import (
	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/frame"
	"github.com/gorbiscuit/pgstore/pagedir"
	"github.com/gorbiscuit/pgstore/vm"
)

// PageSize is the size of one mapped page, in bytes.
const PageSize = vm.PageSize

// File_i is the file handle mmap operates over: readable/writable at an
// offset, with a known length, closeable once unmapped.
type File_i interface {
	vm.FileReader_i
	Length() int
	Close() defs.Err_t
}

// Mapping_t is one installed mapping (spec.md §3).
type Mapping_t struct {
	Mapid int
	Start uintptr
	Size  int // pages
	File  File_i
}

// Table_t is a process's memory-map table.
type Table_t struct {
	smap     *vm.Map_t
	lastID   int
	mappings map[int]*Mapping_t
}

// NewTable creates an empty memory-map table over smap, the owning
// process's supplemental page map.
func NewTable(smap *vm.Map_t) *Table_t {
	return &Table_t{smap: smap, mappings: make(map[int]*Mapping_t)}
}

// Mmap installs file as a memory mapping starting at addr. fd is the raw
// file descriptor number the caller is mapping, checked only for the
// reserved stdin/stdout values (spec.md §4.5); the file itself has
// already been reopened by the caller.
func (t *Table_t) Mmap(fd int, addr uintptr, file File_i) (int, defs.Err_t) {
	if fd == 0 || fd == 1 {
		return defs.MAPID_ERROR, -defs.EINVAL
	}
	if addr%PageSize != 0 || addr == 0 {
		return defs.MAPID_ERROR, -defs.EINVAL
	}
	length := file.Length()
	if length == 0 {
		return defs.MAPID_ERROR, -defs.EINVAL
	}

	npages := (length + PageSize - 1) / PageSize
	for i := 0; i < npages; i++ {
		upage := addr + uintptr(i*PageSize)
		if _, ok := t.smap.Find(upage); ok {
			return defs.MAPID_ERROR, -defs.EINVAL
		}
	}

	installed := make([]uintptr, 0, npages)
	for i := 0; i < npages; i++ {
		upage := addr + uintptr(i*PageSize)
		off := i * PageSize
		readBytes := PageSize
		if rem := length - off; rem < PageSize {
			readBytes = rem
		}
		if err := t.smap.AddMapfile(upage, file, off, readBytes); err != 0 {
			for _, up := range installed {
				t.smap.Delete(up)
			}
			file.Close()
			return defs.MAPID_ERROR, err
		}
		installed = append(installed, upage)
	}

	t.lastID++
	mapid := t.lastID
	t.mappings[mapid] = &Mapping_t{Mapid: mapid, Start: addr, Size: npages, File: file}
	return mapid, 0
}

// Munmap tears down mapid: for each page, writes back dirty contents,
// clears the hardware mapping, frees the frame, and deletes the
// supplemental entry. Closes the mapped file at the end.
func (t *Table_t) Munmap(mapid int, pd pagedir.Table_i, frames *frame.Table_t) defs.Err_t {
	m, ok := t.mappings[mapid]
	if !ok {
		return -defs.EINVAL
	}
	for i := 0; i < m.Size; i++ {
		upage := m.Start + uintptr(i*PageSize)
		entry, ok := t.smap.Find(upage)
		if !ok {
			continue
		}
		if entry.Loaded {
			if kpage, ok := pd.GetPage(upage); ok {
				if pd.IsDirty(upage) {
					entry.File.WriteAt(frames.Bytes(kpage)[:entry.ReadBytes], entry.Offset)
				}
				pd.ClearPage(upage)
				frames.Free(kpage)
			}
		}
		t.smap.Delete(upage)
	}
	delete(t.mappings, mapid)
	m.File.Close()
	return 0
}

// MunmapAll tears down every mapping still open, the process-teardown
// path spec.md §4.5 describes.
func (t *Table_t) MunmapAll(pd pagedir.Table_i, frames *frame.Table_t) {
	for mapid := range t.mappings {
		t.Munmap(mapid, pd, frames)
	}
}
