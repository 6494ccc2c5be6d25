package region

import "testing"

func TestRegionEndAndContains(t *testing.T) {
	r := Region{Addr: 0x1000, Size: 0x10}
	if r.End() != 0x1010 {
		t.Errorf("End() = %#x, want %#x", r.End(), 0x1010)
	}
	if !r.Contains(0x1000) || !r.Contains(0x100f) {
		t.Errorf("expected 0x1000 and 0x100f to be contained")
	}
	if r.Contains(0x1010) {
		t.Errorf("0x1010 is the exclusive end, should not be contained")
	}
}

func TestRegionHasData(t *testing.T) {
	r := Region{Addr: 0x1000, Size: 4}
	if r.HasData() {
		t.Errorf("nil Data should report HasData() == false")
	}
	r.Data = []byte{}
	if !r.HasData() {
		t.Errorf("non-nil zero-length Data should report HasData() == true")
	}
}

func TestSnapshotFind(t *testing.T) {
	snap := NewSnapshot([]Region{
		{Addr: 0x1000, Size: 0x10, Data: []byte{1, 2, 3, 4}},
		{Addr: 0x2000, Size: 0x10, Data: []byte{5, 6, 7, 8}},
	})

	if r, ok := snap.Find(0x1005); !ok || r.Addr != 0x1000 {
		t.Errorf("Find(0x1005) = %v, %v; want region at 0x1000", r, ok)
	}
	if r, ok := snap.Find(0x2000); !ok || r.Addr != 0x2000 {
		t.Errorf("Find(0x2000) = %v, %v; want region at 0x2000", r, ok)
	}
	if _, ok := snap.Find(0x1800); ok {
		t.Errorf("Find(0x1800) should miss, falls in the gap between regions")
	}
	if _, ok := snap.Find(0x2010); ok {
		t.Errorf("Find(0x2010) should miss, past the end of the last region")
	}
}

func TestNewSnapshotSortedSortsByAddr(t *testing.T) {
	snap := NewSnapshotSorted([]Region{
		{Addr: 0x3000, Size: 0x10},
		{Addr: 0x1000, Size: 0x10},
		{Addr: 0x2000, Size: 0x10},
	})
	regions := snap.Regions()
	for i := 1; i < len(regions); i++ {
		if regions[i-1].Addr >= regions[i].Addr {
			t.Fatalf("regions not sorted: %#x before %#x", regions[i-1].Addr, regions[i].Addr)
		}
	}
}

func TestNilSnapshot(t *testing.T) {
	var snap *Snapshot
	if got := snap.Regions(); got != nil {
		t.Errorf("nil snapshot Regions() = %v, want nil", got)
	}
	if _, ok := snap.Find(0x1000); ok {
		t.Errorf("nil snapshot Find() should always miss")
	}
}
