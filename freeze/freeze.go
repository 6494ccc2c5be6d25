// Package freeze implements the Region Freezer: a process-wide, thread-safe
// store of memory locations whose contents are periodically re-asserted by
// a single background writer, grounded on the same ticker/enable/done
// worker shape memtap's teacher uses for its clock interrupt source.
package freeze

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cornflower-labs/memtap/procmem"
)

// sweepInterval is how often the writer re-enforces frozen entries.
const sweepInterval = 10 * time.Millisecond

// entry is the freezer's internal representation of one frozen region; the
// exported Scalar/Array variants below are read-only projections of it.
type entry struct {
	index   uint64
	name    string
	addr    uint64
	bytes   []byte
	enabled bool

	isArray        bool
	slotCount      int
	valueMask      []byte
	nullValue      []byte
	nullValueMask  []byte
	hasNullContract bool

	errMu     sync.Mutex
	lastError string
}

func (e *entry) setError(err error) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	if err != nil {
		e.lastError = err.Error()
	} else {
		e.lastError = ""
	}
}

func (e *entry) getError() string {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	return e.lastError
}

// Scalar is a snapshot of one non-array frozen region, safe to read after
// the call that produced it.
type Scalar struct {
	Index     uint64
	Name      string
	Addr      uint64
	Bytes     []byte
	Enabled   bool
	LastError string
}

// Array is a snapshot of one array-form frozen region.
type Array struct {
	Scalar
	SlotCount     int
	ValueMask     []byte
	NullValue     []byte
	NullValueMask []byte
}

// Freezer owns the region store and the single background writer that
// enforces it. The zero value is not usable; construct with New.
type Freezer struct {
	adapter procmem.Adapter

	mu      sync.RWMutex
	byIndex map[uint64]*entry
	nextIdx uint64

	wg     sync.WaitGroup
	enable chan bool
	done   chan struct{}
}

// New constructs a Freezer bound to adapter and starts its writer
// goroutine immediately.
func New(adapter procmem.Adapter) *Freezer {
	f := &Freezer{
		adapter: adapter,
		byIndex: make(map[uint64]*entry),
		enable:  make(chan bool, 1),
		done:    make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	f.enable <- true
	return f
}

// Shutdown stops the writer goroutine and waits for it to exit.
func (f *Freezer) Shutdown() {
	close(f.done)
	waited := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		slog.Warn("timed out waiting for freezer writer to stop")
	}
}

func (f *Freezer) run() {
	defer f.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	running := false

	for {
		select {
		case <-ticker.C:
			if running {
				f.sweep()
			}
		case running = <-f.enable:
		case <-f.done:
			return
		}
	}
}

// sweep takes the store's shared lock, walks entries in index order, and
// runs each enabled entry's type-specific write step. The worker never
// mutates the region set itself, only each entry's own lastError under its
// own mutex.
func (f *Freezer) sweep() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, e := range f.sortedEntries() {
		if !e.enabled {
			continue
		}
		if e.isArray {
			e.setError(writeArraySlot(f.adapter, e))
		} else {
			e.setError(f.adapter.Write(e.addr, e.bytes))
		}
	}
}

func (f *Freezer) sortedEntries() []*entry {
	out := make([]*entry, 0, len(f.byIndex))
	for _, e := range f.byIndex {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}

// Freeze registers a single-address frozen region and returns its index.
func (f *Freezer) Freeze(name string, addr uint64, bytes []byte, enabled bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.nextIdx
	f.nextIdx++
	cp := append([]byte(nil), bytes...)
	f.byIndex[idx] = &entry{index: idx, name: name, addr: addr, bytes: cp, enabled: enabled}
	return idx
}

// FreezeArray registers an array-form frozen region and returns its index.
// nullValue/nullValueMask may both be nil, in which case emptiness falls
// back to the all-zero-bytes contract.
func (f *Freezer) FreezeArray(name string, addr uint64, slotCount int, bytes, mask, nullValue, nullValueMask []byte, enabled bool) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.nextIdx
	f.nextIdx++
	e := &entry{
		index: idx, name: name, addr: addr,
		bytes: append([]byte(nil), bytes...), enabled: enabled,
		isArray: true, slotCount: slotCount,
		valueMask: append([]byte(nil), mask...),
	}
	if nullValue != nil || nullValueMask != nil {
		e.hasNullContract = true
		e.nullValue = append([]byte(nil), nullValue...)
		e.nullValueMask = append([]byte(nil), nullValueMask...)
	}
	f.byIndex[idx] = e
	return idx
}

// UnfreezeByName removes every entry with the given name and returns the
// count removed.
func (f *Freezer) UnfreezeByName(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for idx, e := range f.byIndex {
		if e.name == name {
			delete(f.byIndex, idx)
			n++
		}
	}
	return n
}

// UnfreezeByAddr removes every entry at the given address and returns the
// count removed.
func (f *Freezer) UnfreezeByAddr(addr uint64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for idx, e := range f.byIndex {
		if e.addr == addr {
			delete(f.byIndex, idx)
			n++
		}
	}
	return n
}

// UnfreezeByIndex removes the single entry with the given index, reporting
// whether it existed.
func (f *Freezer) UnfreezeByIndex(index uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byIndex[index]; !ok {
		return false
	}
	delete(f.byIndex, index)
	return true
}

// UnfreezeAll removes every entry and returns the count removed.
func (f *Freezer) UnfreezeAll() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.byIndex)
	f.byIndex = make(map[uint64]*entry)
	return n
}

// EnableByName sets the enabled flag on every entry with the given name.
func (f *Freezer) EnableByName(name string, enabled bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.byIndex {
		if e.name == name {
			e.enabled = enabled
			n++
		}
	}
	return n
}

// EnableByAddr sets the enabled flag on every entry at the given address.
func (f *Freezer) EnableByAddr(addr uint64, enabled bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.byIndex {
		if e.addr == addr {
			e.enabled = enabled
			n++
		}
	}
	return n
}

// EnableByIndex sets the enabled flag on the single entry with the given
// index, reporting whether it existed.
func (f *Freezer) EnableByIndex(index uint64, enabled bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byIndex[index]
	if !ok {
		return false
	}
	e.enabled = enabled
	return true
}

// Count returns the number of frozen entries currently stored.
func (f *Freezer) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.byIndex)
}

// List returns a snapshot of every frozen entry in ascending index order,
// suitable for printing.
func (f *Freezer) List() []Scalar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entries := f.sortedEntries()
	out := make([]Scalar, len(entries))
	for i, e := range entries {
		out[i] = Scalar{
			Index: e.index, Name: e.name, Addr: e.addr,
			Bytes: append([]byte(nil), e.bytes...),
			Enabled: e.enabled, LastError: e.getError(),
		}
	}
	return out
}

// ListArrays returns a snapshot of every array-form frozen entry in
// ascending index order.
func (f *Freezer) ListArrays() []Array {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entries := f.sortedEntries()
	var out []Array
	for _, e := range entries {
		if !e.isArray {
			continue
		}
		out = append(out, Array{
			Scalar: Scalar{
				Index: e.index, Name: e.name, Addr: e.addr,
				Bytes: append([]byte(nil), e.bytes...),
				Enabled: e.enabled, LastError: e.getError(),
			},
			SlotCount:     e.slotCount,
			ValueMask:     append([]byte(nil), e.valueMask...),
			NullValue:     append([]byte(nil), e.nullValue...),
			NullValueMask: append([]byte(nil), e.nullValueMask...),
		})
	}
	return out
}
