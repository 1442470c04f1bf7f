package frame

import (
	"testing"

	"github.com/gorbiscuit/pgstore/defs"
	"github.com/gorbiscuit/pgstore/pagedir"
)

type recordingSaver struct {
	saved []uintptr
	fail  map[uintptr]bool
}

func (s *recordingSaver) Save(owner defs.Tid_t, upage uintptr) bool {
	s.saved = append(s.saved, upage)
	return !s.fail[upage]
}

func TestGetAllocatesFromPoolThenEvicts(t *testing.T) {
	pool := NewPool(2)
	saver := &recordingSaver{}
	tbl := New(pool, saver)
	pd := pagedir.New()
	tbl.RegisterPageDir(1, pd)
	pd.InstallPage(0xA000, 0, true)
	pd.InstallPage(0xB000, 0, true)

	kA, ok := tbl.Get(1, 0xA000)
	if !ok {
		t.Fatal("first Get should succeed from the fresh pool")
	}
	kB, ok := tbl.Get(1, 0xB000)
	if !ok {
		t.Fatal("second Get should succeed from the fresh pool")
	}
	if kA == kB {
		t.Fatal("distinct frames must get distinct kpages")
	}

	kC, ok := tbl.Get(1, 0xC000)
	if !ok {
		t.Fatal("third Get should succeed by evicting a victim")
	}
	if len(saver.saved) == 0 {
		t.Fatal("eviction should have called Save")
	}
	if kC != kA && kC != kB {
		t.Fatal("the reused kpage should be one of the two prior allocations")
	}

	if got := tbl.NrActive() + tbl.NrInactive(); got != 2 {
		t.Fatalf("nrActive+nrInactive = %d, want 2 (pool size)", got)
	}
}

func TestAccessedBitGivesSecondChance(t *testing.T) {
	pool := NewPool(2)
	saver := &recordingSaver{}
	tbl := New(pool, saver)
	pd := pagedir.New()
	tbl.RegisterPageDir(1, pd)
	pd.InstallPage(0xA000, 0, true)
	pd.InstallPage(0xB000, 0, true)

	tbl.Get(1, 0xA000)
	tbl.Get(1, 0xB000)
	pd.SetAccessed(0xA000, true)

	tbl.Get(1, 0xC000)

	for _, upage := range saver.saved {
		if upage == 0xA000 {
			t.Fatal("the recently-accessed page should not have been the one saved")
		}
	}
	if pd.IsAccessed(0xA000) {
		t.Fatal("the accessed bit should have been cleared by the second-chance sweep")
	}
}

func TestEvictFailsWhenNothingCanBeSaved(t *testing.T) {
	pool := NewPool(1)
	saver := &recordingSaver{fail: map[uintptr]bool{0xA000: true}}
	tbl := New(pool, saver)
	pd := pagedir.New()
	tbl.RegisterPageDir(1, pd)
	pd.InstallPage(0xA000, 0, true)

	tbl.Get(1, 0xA000)
	if _, ok := tbl.Get(1, 0xB000); ok {
		t.Fatal("Get should fail when eviction cannot save any victim")
	}
}

func TestFreeReturnsFrameToPool(t *testing.T) {
	pool := NewPool(1)
	saver := &recordingSaver{}
	tbl := New(pool, saver)
	kA, _ := tbl.Get(1, 0xA000)
	tbl.Free(kA)
	if _, ok := tbl.Find(kA); ok {
		t.Fatal("Find should fail after Free")
	}
	if kB, ok := tbl.Get(1, 0xB000); !ok || kB != kA {
		t.Fatalf("the freed kpage should be reusable, got ok=%v kpage=%d", ok, kB)
	}
}
