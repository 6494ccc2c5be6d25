// Package search implements the iterative, typed memory search engine:
// given a Snapshot, a predicate, and an optional operand, it narrows a
// Search's result list one refinement at a time, keeping the refinement
// history for undo/inspection.
package search

import "strings"

// Type identifies the width, signedness, endianness, and interpretation of
// the values a Search compares. Reverse-endian ("RE") flavors exist only
// for widths of 16 bits or more; Data is an opaque variable-length byte
// string with no fixed width.
type Type int

const (
	Uint8 Type = iota
	Uint16
	Uint16RE
	Uint32
	Uint32RE
	Uint64
	Uint64RE
	Int8
	Int16
	Int16RE
	Int32
	Int32RE
	Int64
	Int64RE
	Float32
	Float32RE
	Float64
	Float64RE
	Data
)

type typeInfo struct {
	name          string
	shortName     string
	valueSize     int
	isInteger     bool
	isFloat       bool
	isSigned      bool
	isReverseEndi bool
}

var typeTable = map[Type]typeInfo{
	Uint8:     {"uint8", "u8", 1, true, false, false, false},
	Uint16:    {"uint16", "u16", 2, true, false, false, false},
	Uint16RE:  {"uint16_re", "u16r", 2, true, false, false, true},
	Uint32:    {"uint32", "u32", 4, true, false, false, false},
	Uint32RE:  {"uint32_re", "u32r", 4, true, false, false, true},
	Uint64:    {"uint64", "u64", 8, true, false, false, false},
	Uint64RE:  {"uint64_re", "u64r", 8, true, false, false, true},
	Int8:      {"int8", "s8", 1, true, false, true, false},
	Int16:     {"int16", "s16", 2, true, false, true, false},
	Int16RE:   {"int16_re", "s16r", 2, true, false, true, true},
	Int32:     {"int32", "s32", 4, true, false, true, false},
	Int32RE:   {"int32_re", "s32r", 4, true, false, true, true},
	Int64:     {"int64", "s64", 8, true, false, true, false},
	Int64RE:   {"int64_re", "s64r", 8, true, false, true, true},
	Float32:   {"float32", "f32", 4, false, true, true, false},
	Float32RE: {"float32_re", "f32r", 4, false, true, true, true},
	Float64:   {"float64", "f64", 8, false, true, true, false},
	Float64RE: {"float64_re", "f64r", 8, false, true, true, true},
	Data:      {"data", "data", 0, false, false, false, false},
}

// ValueSize returns the fixed byte width of the type, or 0 for Data.
func (t Type) ValueSize() int { return typeTable[t].valueSize }

// IsInteger reports whether the type is one of the integer widths.
func (t Type) IsInteger() bool { return typeTable[t].isInteger }

// IsFloat reports whether the type is binary32 or binary64.
func (t Type) IsFloat() bool { return typeTable[t].isFloat }

// IsSigned reports whether the type's integer comparisons are signed.
// Meaningless for Data.
func (t Type) IsSigned() bool { return typeTable[t].isSigned }

// IsReverseEndian reports whether values of this type are stored
// byte-swapped relative to the host's native order.
func (t Type) IsReverseEndian() bool { return typeTable[t].isReverseEndi }

// IsData reports whether this is the opaque variable-length byte type.
func (t Type) IsData() bool { return t == Data }

// String returns the canonical name of the type (e.g. "uint32_re").
func (t Type) String() string {
	if info, ok := typeTable[t]; ok {
		return info.name
	}
	return "unknown"
}

// TypeByName resolves a canonical or short type name to a Type, case
// insensitively. Accepts both spellings ("uint32_re" and "u32r").
func TypeByName(name string) (Type, bool) {
	lower := strings.ToLower(name)
	for t, info := range typeTable {
		if info.name == lower || info.shortName == lower {
			return t, true
		}
	}
	return 0, false
}

// Predicate is the comparison operator a search pass applies at every
// candidate position.
type Predicate int

const (
	Less Predicate = iota
	Greater
	LessOrEqual
	GreaterOrEqual
	Equal
	NotEqual
	Flag
	All
)

var predicateNames = map[Predicate]string{
	Less:             "<",
	Greater:          ">",
	LessOrEqual:      "<=",
	GreaterOrEqual:   ">=",
	Equal:            "==",
	NotEqual:         "!=",
	Flag:             "flag",
	All:              "all",
}

// String returns the canonical spelling of the predicate (e.g. "<=").
func (p Predicate) String() string {
	if s, ok := predicateNames[p]; ok {
		return s
	}
	return "unknown"
}

// PredicateByName resolves a predicate spelling (either symbolic or named)
// to a Predicate.
func PredicateByName(name string) (Predicate, bool) {
	switch strings.ToLower(name) {
	case "<", "less", "lt":
		return Less, true
	case ">", "greater", "gt":
		return Greater, true
	case "<=", "lessorequal", "le":
		return LessOrEqual, true
	case ">=", "greaterorequal", "ge":
		return GreaterOrEqual, true
	case "==", "=", "equal", "eq":
		return Equal, true
	case "!=", "<>", "notequal", "ne":
		return NotEqual, true
	case "flag":
		return Flag, true
	case "all":
		return All, true
	}
	return 0, false
}
