package freeze

import (
	"errors"

	"github.com/cornflower-labs/memtap/procmem"
)

// errNoAvailableSpace is the last_error text recorded when an array write
// step finds neither a matching slot nor an empty one.
var errNoAvailableSpace = errors.New("no available spaces")

// maskedCompare examines a and b pairwise under mask m: a byte where m is
// zero is a "don't care" and a mismatch there is recorded but does not
// fail the comparison; a byte where m is non-zero must match exactly.
//
// Returns 0 if a and b are identical, 1 if they differ only in masked-out
// (don't-care) bytes, or -1 if they differ in at least one observed byte.
func maskedCompare(a, b, m []byte) int {
	maskedDiffer := false
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		if m[i] == 0 {
			maskedDiffer = true
			continue
		}
		return -1
	}
	if maskedDiffer {
		return 1
	}
	return 0
}

// writeArraySlot performs one array-form write step: it reads the slot
// region and scans the slots in order. A slot identical to bytes ends the
// step with no write; a slot that differs only in masked-out bytes is
// overwritten with bytes. If no slot matches under value_mask, bytes is
// written into the first empty slot. A matching slot anywhere in the array
// takes precedence over an empty slot, even one that comes before it.
func writeArraySlot(adapter procmem.Adapter, e *entry) error {
	slotSize := uint64(len(e.bytes))
	total := slotSize * uint64(e.slotCount)
	data, err := adapter.Read(e.addr, total)
	if err != nil {
		return err
	}

	emptyIdx := -1
	for i := 0; i < e.slotCount; i++ {
		off := uint64(i) * slotSize
		slot := data[off : off+slotSize]

		switch maskedCompare(slot, e.bytes, e.valueMask) {
		case 0:
			return nil
		case 1:
			return adapter.Write(e.addr+off, e.bytes)
		}

		if emptyIdx >= 0 {
			continue
		}
		if isEmptySlot(slot, e) {
			emptyIdx = i
		}
	}

	if emptyIdx < 0 {
		return errNoAvailableSpace
	}
	return adapter.Write(e.addr+uint64(emptyIdx)*slotSize, e.bytes)
}

func isEmptySlot(slot []byte, e *entry) bool {
	if e.hasNullContract {
		return maskedCompare(slot, e.nullValue, e.nullValueMask) >= 0
	}
	for _, b := range slot {
		if b != 0 {
			return false
		}
	}
	return true
}
