// Package procmem declares the Process Memory Adapter contract the search
// engine and region freezer are built against. memtap's core never talks to
// a specific operating system; it consumes this interface, and the
// OS-specific attach/enumerate/read/write/pause/resume machinery lives in a
// separate adapter package (see adapter/linux for one concrete
// implementation).
package procmem

import (
	"github.com/cornflower-labs/memtap/internal/xerrors"
	"github.com/cornflower-labs/memtap/region"
)

// ThreadRegisters is an opaque per-architecture register file. The core
// never interprets its contents; it is a pass-through surface for the
// shell.
type ThreadRegisters struct {
	ThreadID uint64
	Data     []byte
}

// Adapter is the uniform read/write/enumerate/protect/pause/resume surface
// the search engine and region freezer are built against. Implementations
// are expected to be safe for concurrent use by at least one reader
// (freezer sweep) and one writer (interactive shell) at a time.
type Adapter interface {
	// Attach establishes a handle on the target process. Implementations
	// should return an *xerrors.AdapterIO wrapping the OS-level denial.
	Attach(pid int) error

	// GetRegion looks up the region containing addr. readData requests
	// that its bytes be populated. Returns *xerrors.OutOfRange if no
	// region contains addr.
	GetRegion(addr uint64, readData bool) (region.Region, error)

	// GetAllRegions enumerates every mapped region, ordered and
	// non-overlapping.
	GetAllRegions(readData bool) ([]region.Region, error)

	// GetTargetRegions returns only the regions containing at least one of
	// the given addresses, for fast refinement passes over a known result
	// set instead of the whole address space.
	GetTargetRegions(addresses []uint64, readData bool) ([]region.Region, error)

	// SetProtection updates the protection bits of [addr, addr+size) under
	// mask, leaving bits outside mask untouched.
	SetProtection(addr, size uint64, prot, mask Protection) error

	// Read populates size bytes starting at addr.
	Read(addr, size uint64) ([]byte, error)

	// Write stores data at addr. Returns *xerrors.AdapterIO on denial.
	Write(addr uint64, data []byte) error

	// Pause suspends the target's execution.
	Pause() error

	// Resume continues the target's execution.
	Resume() error

	// Terminate ends the target process.
	Terminate() error

	// ListThreads enumerates the target's thread IDs.
	ListThreads() ([]uint64, error)

	// ReadRegisters reads the register file of the given thread.
	ReadRegisters(threadID uint64) (ThreadRegisters, error)

	// WriteRegisters writes the register file of the given thread.
	WriteRegisters(threadID uint64, regs ThreadRegisters) error
}

// Protection is the {readable, writable, executable} bit set shared by
// Region and SetProtection.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

// Has reports whether every bit in want is set in p.
func (p Protection) Has(want Protection) bool {
	return p&want == want
}

// PauseGuard pauses adapter on construction and guarantees Resume on every
// exit path from the guarded scope, matching the scoped acquisition guard
// spec.md describes: pause/resume are reference-counted only via scoping,
// nested guards are not supported and callers needing that must serialize
// themselves.
type PauseGuard struct {
	adapter Adapter
	done    bool
}

// Pause constructs a PauseGuard, pausing the target immediately.
func Pause(adapter Adapter) (*PauseGuard, error) {
	if err := adapter.Pause(); err != nil {
		return nil, xerrors.NewAdapterIO("pause target", err)
	}
	return &PauseGuard{adapter: adapter}, nil
}

// Release resumes the target. It is idempotent and safe to call via defer
// alongside an explicit call on a success path.
func (g *PauseGuard) Release() error {
	if g == nil || g.done {
		return nil
	}
	g.done = true
	if err := g.adapter.Resume(); err != nil {
		return xerrors.NewAdapterIO("resume target", err)
	}
	return nil
}
