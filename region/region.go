// Package region defines the immutable value types the rest of memtap is
// built on: a single mapped range of a target process's address space, and
// an ordered, point-in-time capture of many of them.
package region

import "sort"

// Region is a half-open byte range [Addr, Addr+Size) in a target process,
// carrying the protection bits in effect when it was observed and,
// optionally, the bytes captured at that instant.
//
// Data is nil when the bytes could not be read at snapshot time; this is
// distinct from a zero-length read and callers must check for it before
// scanning (see Region.HasData).
type Region struct {
	Addr uint64
	Size uint64

	Readable   bool
	Writable   bool
	Executable bool

	MaxReadable   bool
	MaxWritable   bool
	MaxExecutable bool

	Data []byte
}

// End returns the exclusive end address of the region.
func (r Region) End() uint64 {
	return r.Addr + r.Size
}

// HasData reports whether bytes were successfully captured for this region.
func (r Region) HasData() bool {
	return r.Data != nil
}

// Contains reports whether addr falls within [Addr, End).
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.End()
}

// Snapshot is an ordered, non-overlapping sequence of Regions captured
// atomically enough that callers may rely on the ordering. Once built a
// Snapshot is never mutated; it is shared by reference (a *Snapshot) among
// every search iteration produced from it, so Go's garbage collector plays
// the role a reference count would in the source material.
type Snapshot struct {
	regions []Region
}

// NewSnapshot builds a Snapshot from regions already in ascending-Addr
// order with no overlaps. Callers that cannot guarantee ordering should use
// NewSnapshotSorted instead.
func NewSnapshot(regions []Region) *Snapshot {
	return &Snapshot{regions: regions}
}

// NewSnapshotSorted copies and sorts regions by Addr before building the
// Snapshot. It does not attempt to merge or validate overlaps; a malformed
// adapter is a bug in the adapter, not something the core papers over.
func NewSnapshotSorted(regions []Region) *Snapshot {
	cp := make([]Region, len(regions))
	copy(cp, regions)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Addr < cp[j].Addr })
	return &Snapshot{regions: cp}
}

// Regions returns the ordered region list. The returned slice must not be
// mutated by the caller.
func (s *Snapshot) Regions() []Region {
	if s == nil {
		return nil
	}
	return s.regions
}

// Find returns the region containing addr, if any, and whether one was
// found. Regions are assumed sorted and non-overlapping, so this is a
// binary search.
func (s *Snapshot) Find(addr uint64) (Region, bool) {
	if s == nil {
		return Region{}, false
	}
	regions := s.regions
	i := sort.Search(len(regions), func(i int) bool { return regions[i].End() > addr })
	if i < len(regions) && regions[i].Contains(addr) {
		return regions[i], true
	}
	return Region{}, false
}
