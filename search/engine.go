package search

import (
	"fmt"
	"io"
	"sort"

	"github.com/cornflower-labs/memtap/cancel"
	"github.com/cornflower-labs/memtap/internal/xerrors"
	"github.com/cornflower-labs/memtap/region"
)

// cancelCheckStride bounds how often the inner scan loops poll a
// cancellation token: once per region is cheap but can leave a huge region
// unresponsive to Ctrl-C, so the loops instead check every
// cancelCheckStride candidate positions (or results, in a refinement pass).
const cancelCheckStride = 4096

// Iteration is one step in a Search's refinement history: spec.md's tuple
// (type, all_memory_flag, snapshot?, prev_value_size, results?, annotation,
// has_valid_results). Three states are distinguishable by field values:
//
//   - Empty:          Snapshot == nil, HasValidResults == false.
//   - Unknown-initial: Snapshot != nil, HasValidResults == false.
//   - Known:          Snapshot != nil, HasValidResults == true.
type Iteration struct {
	Type            Type
	AllMemory       bool
	Snapshot        *region.Snapshot
	PrevValueSize   int
	Results         []uint64
	Annotation      string
	HasValidResults bool
}

// Delete removes every result in the half-open range [start, end),
// preserving order. Both boundaries are located by binary search since
// Results is always strictly increasing.
func (it *Iteration) Delete(start, end uint64) {
	if it == nil || len(it.Results) == 0 {
		return
	}
	lo := sort.Search(len(it.Results), func(i int) bool { return it.Results[i] >= start })
	hi := sort.Search(len(it.Results), func(i int) bool { return it.Results[i] >= end })
	it.Results = append(it.Results[:lo], it.Results[hi:]...)
}

// Search is a named list of iterations sharing one type and all-memory
// flag. Only the latest iteration may be refined; older ones are retained,
// up to maxIterations, for undo and inspection.
type Search struct {
	Name string

	typ           Type
	allMemory     bool
	maxIterations int
	iterations    []*Iteration
}

// New creates an empty Search of the given type. maxIterations bounds the
// refinement history; values <= 0 are treated as 1.
func New(name string, typ Type, allMemory bool, maxIterations int) *Search {
	if maxIterations <= 0 {
		maxIterations = 1
	}
	return &Search{Name: name, typ: typ, allMemory: allMemory, maxIterations: maxIterations}
}

// Type returns the Search's fixed value type.
func (s *Search) Type() Type { return s.typ }

// AllMemory reports whether this Search scans the full address space
// (as opposed to a caller-restricted subset — a distinction the adapter,
// not this package, is responsible for honoring when building Snapshots).
func (s *Search) AllMemory() bool { return s.allMemory }

// Iterations returns the retained history, oldest first. The returned
// slice must not be mutated.
func (s *Search) Iterations() []*Iteration { return s.iterations }

// Current returns the most recent iteration, or nil if the Search is Empty.
func (s *Search) Current() *Iteration {
	if len(s.iterations) == 0 {
		return nil
	}
	return s.iterations[len(s.iterations)-1]
}

// Undo drops the most recent iteration, reverting to the one before it. It
// reports whether an iteration was actually dropped.
func (s *Search) Undo() bool {
	if len(s.iterations) == 0 {
		return false
	}
	s.iterations = s.iterations[:len(s.iterations)-1]
	return true
}

// CanUpdate is the pure, side-effect-free half of the engine contract: it
// validates that (predicate, operand) could legally refine the Search's
// current iteration without performing any scan.
func (s *Search) CanUpdate(predicate Predicate, operand []byte) error {
	return canUpdate(s.typ, s.Current(), predicate, operand)
}

func canUpdate(typ Type, cur *Iteration, predicate Predicate, operand []byte) error {
	if _, ok := lookup(typ, predicate); !ok {
		return xerrors.NewInvalidArgument("predicate %s has no evaluator for type %s", predicate, typ)
	}
	if !typ.IsData() && operand != nil && len(operand) != typ.ValueSize() {
		return xerrors.NewInvalidArgument("operand must be %d bytes for type %s, got %d", typ.ValueSize(), typ, len(operand))
	}

	hasSnapshot := cur != nil && cur.Snapshot != nil
	if hasSnapshot {
		return nil
	}
	if typ.IsData() {
		if len(operand) == 0 {
			return xerrors.NewInvalidArgument("initial data search requires a non-empty operand")
		}
		return nil
	}
	if operand == nil && predicate != All {
		return xerrors.NewInvalidArgument("initial search requires an operand or the all predicate")
	}
	return nil
}

// Refine is the engine's mutator: it evaluates predicate (with optional
// operand) against snapshot, appends the resulting Iteration to the
// Search's history (dropping the oldest iteration past maxIterations), and
// returns it. progress, if non-nil, receives one line per region scanned
// by an initial or second pass, and one summary line for a refinement
// pass.
// tok, if non-nil, is polled for cooperative cancellation; a cancelled scan
// returns (nil, nil) and leaves the Search's current iteration unchanged,
// per spec: cancellation discards partial results rather than keeping
// them.
func (s *Search) Refine(snapshot *region.Snapshot, predicate Predicate, operand []byte, maxResults int, progress io.Writer, tok *cancel.Token) (*Iteration, error) {
	cur := s.Current()
	if err := canUpdate(s.typ, cur, predicate, operand); err != nil {
		return nil, err
	}
	if maxResults <= 0 {
		maxResults = int(^uint(0) >> 1)
	}

	next, err := apply(s.typ, cur, snapshot, predicate, operand, maxResults, progress, tok)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	next.AllMemory = s.allMemory
	s.iterations = append(s.iterations, next)
	if len(s.iterations) > s.maxIterations {
		s.iterations = s.iterations[len(s.iterations)-s.maxIterations:]
	}
	return next, nil
}

func effectiveSize(typ Type, operand []byte, prev int) int {
	if operand != nil {
		return len(operand)
	}
	if typ.IsData() {
		return prev
	}
	return typ.ValueSize()
}

func strideFor(typ Type, valSize int) int {
	if typ.IsData() {
		return 1
	}
	return valSize
}

func apply(typ Type, cur *Iteration, snap *region.Snapshot, predicate Predicate, operand []byte, maxResults int, progress io.Writer, tok *cancel.Token) (*Iteration, error) {
	switch {
	case cur == nil || cur.Snapshot == nil:
		if predicate == All {
			return &Iteration{
				Type:            typ,
				Snapshot:        snap,
				PrevValueSize:   effectiveSize(typ, operand, 0),
				HasValidResults: false,
				Annotation:      "unknown-value search: baseline captured",
			}, nil
		}
		return initialKnownPass(typ, snap, predicate, operand, maxResults, progress, tok)
	case !cur.HasValidResults:
		return secondPass(typ, cur, snap, predicate, operand, maxResults, progress, tok)
	default:
		return refinementPass(typ, cur, snap, predicate, operand, maxResults, progress, tok)
	}
}

func initialKnownPass(typ Type, snap *region.Snapshot, predicate Predicate, operand []byte, maxResults int, progress io.Writer, tok *cancel.Token) (*Iteration, error) {
	cmp, _ := lookup(typ, predicate)
	valSize := effectiveSize(typ, operand, 0)
	stride := strideFor(typ, valSize)

	var results []uint64
	count := 0
scan:
	for _, r := range snap.Regions() {
		if !r.HasData() {
			continue
		}
		reportProgress(progress, "scanning region %#x (%d bytes)", r.Addr, r.Size)
		if valSize == 0 || uint64(valSize) > r.Size {
			continue
		}
		for off := uint64(0); off+uint64(valSize) <= r.Size; off += uint64(stride) {
			count++
			if tok != nil && count%cancelCheckStride == 0 && tok.IsCancelled() {
				return nil, nil
			}
			if cmp(r.Data[off:off+uint64(valSize)], operand) {
				results = append(results, r.Addr+off)
				if len(results) >= maxResults {
					break scan
				}
			}
		}
	}
	return &Iteration{
		Type: typ, Snapshot: snap, PrevValueSize: valSize,
		Results: results, HasValidResults: true,
		Annotation: fmt.Sprintf("initial search: %d results", len(results)),
	}, nil
}

func secondPass(typ Type, cur *Iteration, snap *region.Snapshot, predicate Predicate, operand []byte, maxResults int, progress io.Writer, tok *cancel.Token) (*Iteration, error) {
	cmp, _ := lookup(typ, predicate)
	old := cur.Snapshot
	valSize := effectiveSize(typ, operand, cur.PrevValueSize)
	stride := strideFor(typ, valSize)

	var results []uint64
	count := 0
scan:
	for _, r := range snap.Regions() {
		if !r.HasData() {
			continue
		}
		reportProgress(progress, "comparing region %#x (%d bytes) against baseline", r.Addr, r.Size)
		if valSize == 0 || uint64(valSize) > r.Size {
			continue
		}
		for off := uint64(0); off+uint64(valSize) <= r.Size; off += uint64(stride) {
			count++
			if tok != nil && count%cancelCheckStride == 0 && tok.IsCancelled() {
				return nil, nil
			}
			addr := r.Addr + off
			rhs := operand
			if rhs == nil {
				oldBytes, ok := readAt(old, addr, uint64(valSize))
				if !ok {
					continue
				}
				rhs = oldBytes
			}
			if cmp(r.Data[off:off+uint64(valSize)], rhs) {
				results = append(results, addr)
				if len(results) >= maxResults {
					break scan
				}
			}
		}
	}
	return &Iteration{
		Type: typ, Snapshot: snap, PrevValueSize: valSize,
		Results: results, HasValidResults: true,
		Annotation: fmt.Sprintf("second pass: %d results", len(results)),
	}, nil
}

func refinementPass(typ Type, cur *Iteration, snap *region.Snapshot, predicate Predicate, operand []byte, maxResults int, progress io.Writer, tok *cancel.Token) (*Iteration, error) {
	cmp, _ := lookup(typ, predicate)
	old := cur.Snapshot
	valSize := effectiveSize(typ, operand, cur.PrevValueSize)

	var results []uint64
	numOutside, numBad := 0, 0
	for i, addr := range cur.Results {
		if tok != nil && i%cancelCheckStride == 0 && tok.IsCancelled() {
			return nil, nil
		}
		newBytes, okNew := readAt(snap, addr, uint64(valSize))
		if !okNew {
			if regionMissing(snap, addr, uint64(valSize)) {
				numOutside++
			} else {
				numBad++
			}
			continue
		}
		rhs := operand
		if rhs == nil {
			oldBytes, ok := readAt(old, addr, uint64(valSize))
			if !ok {
				if regionMissing(old, addr, uint64(valSize)) {
					numOutside++
				} else {
					numBad++
				}
				continue
			}
			rhs = oldBytes
		}
		if cmp(newBytes, rhs) {
			results = append(results, addr)
			if len(results) >= maxResults {
				break
			}
		}
	}
	reportProgress(progress, "refine: kept %d of %d", len(results), len(cur.Results))
	return &Iteration{
		Type: typ, Snapshot: snap, PrevValueSize: valSize,
		Results: results, HasValidResults: true,
		Annotation: fmt.Sprintf("refine: %d results, %d dropped outside regions, %d dropped as bad regions", len(results), numOutside, numBad),
	}, nil
}

// readAt returns the size bytes at addr within the single Snapshot region
// that contains them, reporting false if no region contains addr, the
// region's bytes are absent, or [addr, addr+size) crosses the region's end.
func readAt(snap *region.Snapshot, addr uint64, size uint64) ([]byte, bool) {
	r, ok := snap.Find(addr)
	if !ok || !r.HasData() || addr+size > r.End() {
		return nil, false
	}
	off := addr - r.Addr
	return r.Data[off : off+size], true
}

// regionMissing distinguishes readAt's two failure causes: true means no
// region covers [addr, addr+size) at all (the result fell outside every
// mapped region, e.g. the target unmapped it), false means a region covers
// it but its bytes were never captured (HasData is false, e.g. an adapter
// that declined to read an unreadable page).
func regionMissing(snap *region.Snapshot, addr uint64, size uint64) bool {
	r, ok := snap.Find(addr)
	return !ok || addr+size > r.End()
}

func reportProgress(w io.Writer, format string, args ...any) {
	if w == nil {
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}
