package search

import (
	"bytes"
	"encoding/binary"
	"math"
	"math/bits"
)

// comparator evaluates a predicate between two same-size byte buffers: a is
// the candidate value found in memory, b is the operand (or the prior
// snapshot's bytes at the same position).
type comparator func(a, b []byte) bool

// dispatch is the (Type, Predicate) -> comparator lookup table described in
// the design notes: a 2-D table of function pointers built once, rather
// than a chain of per-call type switches.
var dispatch = buildDispatch()

func buildDispatch() map[Type]map[Predicate]comparator {
	table := make(map[Type]map[Predicate]comparator, len(typeTable))
	for t := range typeTable {
		table[t] = buildRow(t)
	}
	return table
}

func buildRow(t Type) map[Predicate]comparator {
	row := make(map[Predicate]comparator, 8)
	row[All] = func(a, b []byte) bool { return true }

	switch {
	case t.IsData():
		row[Equal] = func(a, b []byte) bool { return bytes.Equal(a, b) }
		row[NotEqual] = func(a, b []byte) bool { return !bytes.Equal(a, b) }
		row[Less] = func(a, b []byte) bool { return bytes.Compare(a, b) < 0 }
		row[Greater] = func(a, b []byte) bool { return bytes.Compare(a, b) > 0 }
		row[LessOrEqual] = func(a, b []byte) bool { return bytes.Compare(a, b) <= 0 }
		row[GreaterOrEqual] = func(a, b []byte) bool { return bytes.Compare(a, b) >= 0 }
		row[Flag] = dataFlagComparator
	case t.IsFloat():
		decode := floatDecoder(t)
		row[Equal] = numericComparator(decode, func(x, y float64) bool { return x == y })
		row[NotEqual] = numericComparator(decode, func(x, y float64) bool { return x != y })
		row[Less] = numericComparator(decode, func(x, y float64) bool { return x < y })
		row[Greater] = numericComparator(decode, func(x, y float64) bool { return x > y })
		row[LessOrEqual] = numericComparator(decode, func(x, y float64) bool { return x <= y })
		row[GreaterOrEqual] = numericComparator(decode, func(x, y float64) bool { return x >= y })
		// Flag is undefined for float/double: left absent from the row.
	default: // integer
		if t.IsSigned() {
			decode := signedDecoder(t)
			row[Equal] = signedComparator(decode, func(x, y int64) bool { return x == y })
			row[NotEqual] = signedComparator(decode, func(x, y int64) bool { return x != y })
			row[Less] = signedComparator(decode, func(x, y int64) bool { return x < y })
			row[Greater] = signedComparator(decode, func(x, y int64) bool { return x > y })
			row[LessOrEqual] = signedComparator(decode, func(x, y int64) bool { return x <= y })
			row[GreaterOrEqual] = signedComparator(decode, func(x, y int64) bool { return x >= y })
		} else {
			decode := unsignedDecoder(t)
			row[Equal] = unsignedComparator(decode, func(x, y uint64) bool { return x == y })
			row[NotEqual] = unsignedComparator(decode, func(x, y uint64) bool { return x != y })
			row[Less] = unsignedComparator(decode, func(x, y uint64) bool { return x < y })
			row[Greater] = unsignedComparator(decode, func(x, y uint64) bool { return x > y })
			row[LessOrEqual] = unsignedComparator(decode, func(x, y uint64) bool { return x <= y })
			row[GreaterOrEqual] = unsignedComparator(decode, func(x, y uint64) bool { return x >= y })
		}
		row[Flag] = integerFlagComparator(t)
	}
	return row
}

// lookup returns the comparator for (t, p) and whether one is defined. Flag
// is undefined for float/double types; everything else is total.
func lookup(t Type, p Predicate) (comparator, bool) {
	row, ok := dispatch[t]
	if !ok {
		return nil, false
	}
	cmp, ok := row[p]
	return cmp, ok
}

func byteOrder(reverseEndian bool) binary.ByteOrder {
	if reverseEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func unsignedDecoder(t Type) func([]byte) uint64 {
	order := byteOrder(t.IsReverseEndian())
	size := t.ValueSize()
	return func(v []byte) uint64 {
		switch size {
		case 1:
			return uint64(v[0])
		case 2:
			return uint64(order.Uint16(v))
		case 4:
			return uint64(order.Uint32(v))
		case 8:
			return order.Uint64(v)
		}
		return 0
	}
}

func signedDecoder(t Type) func([]byte) int64 {
	decode := unsignedDecoder(t)
	size := t.ValueSize()
	return func(v []byte) int64 {
		raw := decode(v)
		switch size {
		case 1:
			return int64(int8(raw))
		case 2:
			return int64(int16(raw))
		case 4:
			return int64(int32(raw))
		default:
			return int64(raw)
		}
	}
}

func floatDecoder(t Type) func([]byte) float64 {
	order := byteOrder(t.IsReverseEndian())
	if t.ValueSize() == 4 {
		return func(v []byte) float64 { return float64(math.Float32frombits(order.Uint32(v))) }
	}
	return func(v []byte) float64 { return math.Float64frombits(order.Uint64(v)) }
}

func unsignedComparator(decode func([]byte) uint64, op func(x, y uint64) bool) comparator {
	return func(a, b []byte) bool { return op(decode(a), decode(b)) }
}

func signedComparator(decode func([]byte) int64, op func(x, y int64) bool) comparator {
	return func(a, b []byte) bool { return op(decode(a), decode(b)) }
}

func numericComparator(decode func([]byte) float64, op func(x, y float64) bool) comparator {
	return func(a, b []byte) bool { return op(decode(a), decode(b)) }
}

// integerFlagComparator reports whether the two operands differ in exactly
// one bit. Reverse-endian types byte-swap both sides first; a byte swap is
// a bit permutation, so it cannot change the popcount of the XOR, but the
// swap is performed explicitly for uniformity with the other comparators.
func integerFlagComparator(t Type) comparator {
	size := t.ValueSize()
	swap := t.IsReverseEndian()
	return func(a, b []byte) bool {
		var diff uint64
		for i := 0; i < size; i++ {
			ai, bi := a[i], b[i]
			if swap {
				ai, bi = a[size-1-i], b[size-1-i]
			}
			diff |= uint64(ai^bi) << (8 * i)
		}
		return bits.OnesCount64(diff) == 1
	}
}

// dataFlagComparator reports whether two byte sequences of equal length
// differ by exactly one set bit across their joint length; sequences of
// differing length can never satisfy Flag.
func dataFlagComparator(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	count := 0
	for i := range a {
		count += bits.OnesCount8(a[i] ^ b[i])
		if count > 1 {
			return false
		}
	}
	return count == 1
}
