// Package fakeadapter is an in-process procmem.Adapter backed by a plain
// byte-slice map, used by the search and freeze test suites so they can
// exercise real Adapter call sequences without a live target process.
package fakeadapter

import (
	"sync"

	"github.com/cornflower-labs/memtap/internal/xerrors"
	"github.com/cornflower-labs/memtap/procmem"
	"github.com/cornflower-labs/memtap/region"
)

// Adapter is a fake procmem.Adapter over in-process memory. Zero value is
// not usable; construct with New.
type Adapter struct {
	mu      sync.Mutex
	regions []region.Region
	paused  bool
	regs    map[uint64]procmem.ThreadRegisters
}

// New builds a fake adapter seeded with the given regions. Each region's
// Data must be non-nil and of length Size. The Readable/Writable flags are
// stored and returned but not enforced: Read and Write succeed on any
// region regardless of them.
func New(regions []region.Region) *Adapter {
	cp := make([]region.Region, len(regions))
	copy(cp, regions)
	return &Adapter{regions: cp, regs: map[uint64]procmem.ThreadRegisters{}}
}

func (a *Adapter) Attach(int) error { return nil }

func (a *Adapter) find(addr uint64) int {
	for i := range a.regions {
		if a.regions[i].Contains(addr) {
			return i
		}
	}
	return -1
}

func (a *Adapter) GetRegion(addr uint64, readData bool) (region.Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.find(addr)
	if i < 0 {
		return region.Region{}, xerrors.NewOutOfRange("no region contains %#x", addr)
	}
	r := a.regions[i]
	if !readData {
		r.Data = nil
	}
	return r, nil
}

func (a *Adapter) GetAllRegions(readData bool) ([]region.Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]region.Region, len(a.regions))
	copy(out, a.regions)
	if !readData {
		for i := range out {
			out[i].Data = nil
		}
	}
	return out, nil
}

func (a *Adapter) GetTargetRegions(addresses []uint64, readData bool) ([]region.Region, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	seen := map[int]bool{}
	var out []region.Region
	for _, addr := range addresses {
		i := a.find(addr)
		if i < 0 || seen[i] {
			continue
		}
		seen[i] = true
		r := a.regions[i]
		if !readData {
			r.Data = nil
		}
		out = append(out, r)
	}
	return out, nil
}

func (a *Adapter) SetProtection(addr, size uint64, prot, mask procmem.Protection) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.find(addr)
	if i < 0 {
		return xerrors.NewOutOfRange("no region contains %#x", addr)
	}
	r := &a.regions[i]
	if mask.Has(procmem.ProtRead) {
		r.Readable = prot.Has(procmem.ProtRead)
	}
	if mask.Has(procmem.ProtWrite) {
		r.Writable = prot.Has(procmem.ProtWrite)
	}
	if mask.Has(procmem.ProtExec) {
		r.Executable = prot.Has(procmem.ProtExec)
	}
	_ = size
	return nil
}

func (a *Adapter) Read(addr, size uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.find(addr)
	if i < 0 {
		return nil, xerrors.NewOutOfRange("no region contains %#x", addr)
	}
	r := a.regions[i]
	if addr+size > r.End() {
		return nil, xerrors.NewOutOfRange("read of %d bytes at %#x crosses region end", size, addr)
	}
	off := addr - r.Addr
	out := make([]byte, size)
	copy(out, r.Data[off:off+size])
	return out, nil
}

func (a *Adapter) Write(addr uint64, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.find(addr)
	if i < 0 {
		return xerrors.NewAdapterIO("write", xerrors.NewOutOfRange("no region contains %#x", addr))
	}
	r := &a.regions[i]
	if addr+uint64(len(data)) > r.End() {
		return xerrors.NewAdapterIO("write", xerrors.NewOutOfRange("write crosses region end"))
	}
	off := addr - r.Addr
	copy(r.Data[off:], data)
	return nil
}

func (a *Adapter) Pause() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = true
	return nil
}

func (a *Adapter) Resume() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.paused = false
	return nil
}

func (a *Adapter) Terminate() error { return nil }

func (a *Adapter) ListThreads() ([]uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.regs))
	for id := range a.regs {
		out = append(out, id)
	}
	return out, nil
}

func (a *Adapter) ReadRegisters(threadID uint64) (procmem.ThreadRegisters, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	regs, ok := a.regs[threadID]
	if !ok {
		return procmem.ThreadRegisters{}, xerrors.NewOutOfRange("unknown thread %d", threadID)
	}
	return regs, nil
}

func (a *Adapter) WriteRegisters(threadID uint64, regs procmem.ThreadRegisters) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regs[threadID] = regs
	return nil
}

// IsPaused reports whether Pause was called more recently than Resume.
// Exposed for tests asserting the scoped-pause contract.
func (a *Adapter) IsPaused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}
