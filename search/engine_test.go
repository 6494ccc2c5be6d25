package search_test

import (
	"testing"

	"github.com/cornflower-labs/memtap/region"
	"github.com/cornflower-labs/memtap/search"
)

func snap(regions ...region.Region) *region.Snapshot {
	return region.NewSnapshotSorted(regions)
}

// Scenario 1: iterative integer search. A 16-byte region holding
// 00 01 02 ... 0F at 0x1000: refine(==5) finds one result, then the byte at
// that address changes to 6 and a second refine(==) against the unchanged
// operand drops it.
func TestIterativeIntegerSearch(t *testing.T) {
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i)
	}
	s1 := snap(region.Region{Addr: 0x1000, Size: 16, Readable: true, Data: data})

	sr := search.New("t1", search.Int8, false, 8)
	it, err := sr.Refine(s1, search.Equal, []byte{5}, 0, nil, nil)
	if err != nil {
		t.Fatalf("initial refine: %v", err)
	}
	if len(it.Results) != 1 || it.Results[0] != 0x1005 {
		t.Fatalf("expected [0x1005], got %#v", it.Results)
	}

	data2 := make([]byte, 16)
	copy(data2, data)
	data2[5] = 6
	s2 := snap(region.Region{Addr: 0x1000, Size: 16, Readable: true, Data: data2})

	it2, err := sr.Refine(s2, search.Equal, []byte{5}, 0, nil, nil)
	if err != nil {
		t.Fatalf("second refine: %v", err)
	}
	if len(it2.Results) != 0 {
		t.Fatalf("expected no results after value changed, got %#v", it2.Results)
	}
}

// Scenario 2: reverse-endian known search. Uint16RE stores big-endian in
// memory; searching for operand 0x0102 must match the big-endian encoding
// 01 02, not the little-endian encoding.
func TestReverseEndianKnownSearch(t *testing.T) {
	data := []byte{0x01, 0x02, 0xAA, 0xBB}
	s1 := snap(region.Region{Addr: 0x2000, Size: 4, Readable: true, Data: data})

	sr := search.New("t2", search.Uint16RE, false, 4)
	operand := []byte{0x01, 0x02}
	it, err := sr.Refine(s1, search.Equal, operand, 0, nil, nil)
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if len(it.Results) != 1 || it.Results[0] != 0x2000 {
		t.Fatalf("expected [0x2000], got %#v", it.Results)
	}
}

// Scenario 3: unknown-value two-pass search. First pass captures a baseline
// with no comparison; second pass compares the new snapshot against the
// baseline using the given predicate (here NotEqual, i.e. "changed").
func TestUnknownValueTwoPass(t *testing.T) {
	data1 := []byte{10, 20, 30, 40}
	s1 := snap(region.Region{Addr: 0x3000, Size: 4, Readable: true, Data: data1})

	sr := search.New("t3", search.Uint8, false, 4)
	baseline, err := sr.Refine(s1, search.All, nil, 0, nil, nil)
	if err != nil {
		t.Fatalf("baseline refine: %v", err)
	}
	if baseline.HasValidResults {
		t.Fatalf("baseline iteration should not have valid results")
	}

	data2 := []byte{10, 99, 30, 41}
	s2 := snap(region.Region{Addr: 0x3000, Size: 4, Readable: true, Data: data2})
	it, err := sr.Refine(s2, search.NotEqual, nil, 0, nil, nil)
	if err != nil {
		t.Fatalf("second pass refine: %v", err)
	}
	want := map[uint64]bool{0x3001: true, 0x3003: true}
	if len(it.Results) != len(want) {
		t.Fatalf("expected %d changed addresses, got %#v", len(want), it.Results)
	}
	for _, addr := range it.Results {
		if !want[addr] {
			t.Errorf("unexpected result address %#x", addr)
		}
	}
}

func TestCanUpdateRejectsFlagForFloat(t *testing.T) {
	sr := search.New("t4", search.Float32, false, 4)
	if err := sr.CanUpdate(search.Flag, nil); err == nil {
		t.Fatalf("expected an error for flag predicate on a float type")
	}
}

func TestCanUpdateRequiresOperandOrAllOnInitialSearch(t *testing.T) {
	sr := search.New("t5", search.Uint32, false, 4)
	if err := sr.CanUpdate(search.Equal, nil); err == nil {
		t.Fatalf("expected an error when no operand and no prior snapshot")
	}
	if err := sr.CanUpdate(search.All, nil); err != nil {
		t.Fatalf("All with no operand should be legal on an empty search: %v", err)
	}
}

func TestCanUpdateRequiresNonEmptyOperandForDataInitialSearch(t *testing.T) {
	sr := search.New("t6", search.Data, false, 4)
	if err := sr.CanUpdate(search.Equal, nil); err == nil {
		t.Fatalf("expected an error for empty operand on initial data search")
	}
	if err := sr.CanUpdate(search.Equal, []byte("abc")); err != nil {
		t.Fatalf("non-empty operand should be legal: %v", err)
	}
}

// Results must be strictly increasing, and every refinement's result set
// must be a subset of the prior iteration's.
func TestResultsStrictlyIncreasingAndMonotoneSubset(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i % 4)
	}
	s := snap(region.Region{Addr: 0x4000, Size: 32, Readable: true, Data: data})

	sr := search.New("t7", search.Uint8, false, 4)
	first, err := sr.Refine(s, search.Equal, []byte{1}, 0, nil, nil)
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	for i := 1; i < len(first.Results); i++ {
		if first.Results[i] <= first.Results[i-1] {
			t.Fatalf("results not strictly increasing: %#v", first.Results)
		}
	}

	second, err := sr.Refine(s, search.Equal, nil, 0, nil, nil)
	if err != nil {
		t.Fatalf("idempotent refine: %v", err)
	}
	if len(second.Results) != len(first.Results) {
		t.Fatalf("refine(==, unchanged snapshot) should be idempotent: %#v vs %#v", first.Results, second.Results)
	}
	prior := map[uint64]bool{}
	for _, a := range first.Results {
		prior[a] = true
	}
	for _, a := range second.Results {
		if !prior[a] {
			t.Fatalf("result %#x not present in prior iteration", a)
		}
	}
}

func TestUndoRevertsToPriorIteration(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	s := snap(region.Region{Addr: 0x5000, Size: 4, Readable: true, Data: data})

	sr := search.New("t8", search.Uint8, false, 4)
	first, _ := sr.Refine(s, search.All, nil, 0, nil, nil)
	_ = first
	sr.Refine(s, search.GreaterOrEqual, []byte{0}, 0, nil, nil)
	if len(sr.Iterations()) != 2 {
		t.Fatalf("expected 2 iterations, got %d", len(sr.Iterations()))
	}
	if !sr.Undo() {
		t.Fatalf("expected Undo to succeed")
	}
	if len(sr.Iterations()) != 1 {
		t.Fatalf("expected 1 iteration after undo, got %d", len(sr.Iterations()))
	}
}

func TestIterationDelete(t *testing.T) {
	it := &search.Iteration{Results: []uint64{10, 20, 30, 40, 50}}
	it.Delete(20, 40)
	want := []uint64{10, 40, 50}
	if len(it.Results) != len(want) {
		t.Fatalf("expected %#v, got %#v", want, it.Results)
	}
	for i, v := range want {
		if it.Results[i] != v {
			t.Fatalf("expected %#v, got %#v", want, it.Results)
		}
	}
}
