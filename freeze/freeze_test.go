package freeze_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/cornflower-labs/memtap/freeze"
	"github.com/cornflower-labs/memtap/procmem/fakeadapter"
	"github.com/cornflower-labs/memtap/region"
)

// waitFor polls cond every 5ms for up to 500ms, failing the test if it
// never becomes true. The writer sweeps every 10ms, so this comfortably
// covers several sweep cycles without hardcoding a sleep that races the
// ticker.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition did not become true within deadline")
	}
}

func TestScalarFreezeIsReassertedByWriter(t *testing.T) {
	a := fakeadapter.New([]region.Region{{Addr: 0x1000, Size: 4, Readable: true, Writable: true, Data: []byte{0, 0, 0, 0}}})
	f := freeze.New(a)
	defer f.Shutdown()

	f.Freeze("hp", 0x1000, []byte{0xFF, 0xFF, 0xFF, 0xFF}, true)

	waitFor(t, func() bool {
		got, err := a.Read(0x1000, 4)
		return err == nil && bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	})

	// Writing over it should be corrected again on the next sweep.
	if err := a.Write(0x1000, []byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		got, err := a.Read(0x1000, 4)
		return err == nil && bytes.Equal(got, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	})
}

// Scenario 4: array freezer with null mask. A 16-slot, 16-byte-wide region
// has slot 0 holding an unrelated value A and slot 4 holding the configured
// null value (all zero); freeze_array should fill slot 4 with V and keep
// doing so every time it is reset back to the null value.
func TestArrayFreezerWithNullMask(t *testing.T) {
	const slotSize = 16
	const slotCount = 16
	data := make([]byte, slotSize*slotCount)
	for i := range data {
		data[i] = 0xCD // "unrelated bytes" filler
	}
	// slot 0: unrelated value A (distinct from filler and from V).
	valueA := bytes.Repeat([]byte{0xAA}, slotSize)
	copy(data[0:slotSize], valueA)
	// slot 4: the null value (all zero).
	for i := 0; i < slotSize; i++ {
		data[4*slotSize+i] = 0
	}

	a := fakeadapter.New([]region.Region{{Addr: 0x3000, Size: slotSize * slotCount, Readable: true, Writable: true, Data: data}})
	f := freeze.New(a)
	defer f.Shutdown()

	v := bytes.Repeat([]byte{0x42}, slotSize)
	mask := bytes.Repeat([]byte{0xFF}, slotSize)
	nullValue := make([]byte, slotSize)
	nullMask := bytes.Repeat([]byte{0xFF}, slotSize)

	f.FreezeArray("item", 0x3000, slotCount, v, mask, nullValue, nullMask, true)

	waitFor(t, func() bool {
		got, err := a.Read(0x3000+4*slotSize, slotSize)
		return err == nil && bytes.Equal(got, v)
	})

	// Reset slot 4 back to the null value; the writer should refill it.
	if err := a.Write(0x3000+4*slotSize, nullValue); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool {
		got, err := a.Read(0x3000+4*slotSize, slotSize)
		return err == nil && bytes.Equal(got, v)
	})

	// Slot 0's unrelated value must be left untouched throughout.
	got, err := a.Read(0x3000, slotSize)
	if err != nil || !bytes.Equal(got, valueA) {
		t.Fatalf("slot 0 was modified: %#v, err=%v", got, err)
	}
}

func TestUnfreezeAndEnableByKey(t *testing.T) {
	a := fakeadapter.New([]region.Region{{Addr: 0x1000, Size: 4, Readable: true, Writable: true, Data: make([]byte, 4)}})
	f := freeze.New(a)
	defer f.Shutdown()

	i1 := f.Freeze("a", 0x1000, []byte{1, 2, 3, 4}, true)
	f.Freeze("a", 0x1000, []byte{5, 6, 7, 8}, true)
	f.Freeze("b", 0x1000, []byte{9, 9, 9, 9}, false)

	if got := f.Count(); got != 3 {
		t.Fatalf("expected 3 entries, got %d", got)
	}
	if n := f.UnfreezeByName("a"); n != 2 {
		t.Fatalf("expected 2 removed by name, got %d", n)
	}
	if got := f.Count(); got != 1 {
		t.Fatalf("expected 1 entry remaining, got %d", got)
	}
	if ok := f.UnfreezeByIndex(i1); ok {
		t.Fatalf("expected UnfreezeByIndex to report false for an already-removed index")
	}
	if n := f.EnableByName("b", true); n != 1 {
		t.Fatalf("expected 1 entry enabled, got %d", n)
	}
	list := f.List()
	if len(list) != 1 || !list[0].Enabled {
		t.Fatalf("expected remaining entry to be enabled: %#v", list)
	}
	if n := f.UnfreezeAll(); n != 1 {
		t.Fatalf("expected 1 entry removed by UnfreezeAll, got %d", n)
	}
	if got := f.Count(); got != 0 {
		t.Fatalf("expected 0 entries after UnfreezeAll, got %d", got)
	}
}

func TestScalarWriteFailureRecordsLastError(t *testing.T) {
	a := fakeadapter.New(nil) // no regions: every write fails
	f := freeze.New(a)
	defer f.Shutdown()

	f.Freeze("broken", 0x9000, []byte{1, 2, 3, 4}, true)

	waitFor(t, func() bool {
		list := f.List()
		return len(list) == 1 && list[0].LastError != ""
	})
}
