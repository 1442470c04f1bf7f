package mmap

import (
	"testing"

	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/frame"
	"github.com/gorbiscuit/pgstore/pagedir"
	"github.com/gorbiscuit/pgstore/vm"
)

type fakeFile struct {
	data   []byte
	closed bool
}

func (f *fakeFile) ReadAt(buf []byte, off int) (int, defs.Err_t) {
	n := copy(buf, f.data[off:])
	return n, 0
}

func (f *fakeFile) WriteAt(buf []byte, off int) (int, defs.Err_t) {
	n := copy(f.data[off:], buf)
	return n, 0
}

func (f *fakeFile) Length() int { return len(f.data) }

func (f *fakeFile) Close() defs.Err_t {
	f.closed = true
	return 0
}

func TestMmapRejectsReservedFds(t *testing.T) {
	tbl := NewTable(vm.NewMap())
	f := &fakeFile{data: make([]byte, PageSize)}
	if _, err := tbl.Mmap(0, PageSize, f); err == 0 {
		t.Fatal("Mmap of fd 0 should be rejected")
	}
	if _, err := tbl.Mmap(1, PageSize, f); err == 0 {
		t.Fatal("Mmap of fd 1 should be rejected")
	}
}

func TestMmapRejectsUnalignedAndEmpty(t *testing.T) {
	tbl := NewTable(vm.NewMap())
	f := &fakeFile{data: make([]byte, PageSize)}
	if _, err := tbl.Mmap(3, PageSize+1, f); err == 0 {
		t.Fatal("Mmap of an unaligned address should be rejected")
	}
	empty := &fakeFile{data: nil}
	if _, err := tbl.Mmap(3, PageSize, empty); err == 0 {
		t.Fatal("Mmap of an empty file should be rejected")
	}
}

func TestMmapInstallsOnePagePerChunk(t *testing.T) {
	smap := vm.NewMap()
	tbl := NewTable(smap)
	f := &fakeFile{data: make([]byte, PageSize+100)}
	mapid, err := tbl.Mmap(3, 0x10000, f)
	if err != 0 {
		t.Fatalf("Mmap failed: %d", err)
	}
	if mapid != 1 {
		t.Fatalf("first mapid = %d, want 1", mapid)
	}
	if _, ok := smap.Find(0x10000); !ok {
		t.Fatal("page 0 should have a supplemental entry")
	}
	if _, ok := smap.Find(0x10000 + PageSize); !ok {
		t.Fatal("page 1 (short tail) should have a supplemental entry")
	}
	entry, _ := smap.Find(0x10000 + PageSize)
	if entry.ReadBytes != 100 {
		t.Fatalf("short last page ReadBytes = %d, want 100", entry.ReadBytes)
	}
}

func TestMmapRejectsOverlap(t *testing.T) {
	smap := vm.NewMap()
	tbl := NewTable(smap)
	f1 := &fakeFile{data: make([]byte, PageSize)}
	tbl.Mmap(3, 0x20000, f1)

	f2 := &fakeFile{data: make([]byte, PageSize)}
	if _, err := tbl.Mmap(4, 0x20000, f2); err == 0 {
		t.Fatal("Mmap overlapping an existing mapping should fail")
	}
}

func TestMunmapWritesBackDirtyPagesOnly(t *testing.T) {
	smap := vm.NewMap()
	tbl := NewTable(smap)
	pool := frame.NewPool(2)
	frames := frame.New(pool, nil)
	pd := pagedir.New()
	frames.RegisterPageDir(1, pd)

	f := &fakeFile{data: make([]byte, 2*PageSize)}
	mapid, _ := tbl.Mmap(3, 0x30000, f)

	e0, _ := smap.Find(0x30000)
	e1, _ := smap.Find(0x30000 + PageSize)
	if errc := vm.LoadPage(1, e0, frames, pd, nil); errc != 0 {
		t.Fatalf("load page 0 failed: %d", errc)
	}
	if errc := vm.LoadPage(1, e1, frames, pd, nil); errc != 0 {
		t.Fatalf("load page 1 failed: %d", errc)
	}

	kpage0, _ := pd.GetPage(0x30000)
	buf := frames.Bytes(kpage0)
	for i := range buf {
		buf[i] = 0xAB
	}
	pd.SetDirty(0x30000, true)

	if errc := tbl.Munmap(mapid, pd, frames); errc != 0 {
		t.Fatalf("Munmap failed: %d", errc)
	}

	for _, b := range f.data[:PageSize] {
		if b != 0xAB {
			t.Fatal("dirty page 0 was not written back")
		}
	}
	for _, b := range f.data[PageSize:] {
		if b != 0 {
			t.Fatal("clean page 1 should not have been touched")
		}
	}
	if !f.closed {
		t.Fatal("Munmap should close the mapped file")
	}
	if _, ok := smap.Find(0x30000); ok {
		t.Fatal("supplemental entry for page 0 should be gone after Munmap")
	}
}
