// Package amd64 implements the AMD64 machine-code encoder: a high-level,
// one-method-per-instruction-family emission API that builds an ordered
// instruction stream, followed by a finalization pass that resolves labels
// and produces a contiguous byte string.
package amd64

import "github.com/cornflower-labs/memtap/internal/x86opcode"

// Operand is either a direct register (Scale == 0, Base names the
// register) or a memory reference [Base + Index*Scale + Disp]. Index may
// be x86opcode.NoRegister for an unindexed reference.
type Operand struct {
	Base  x86opcode.Register
	Index x86opcode.Register
	Scale uint8 // 0 = direct register; else one of 1, 2, 4, 8
	Disp  int64
}

// Reg builds a direct-register operand.
func Reg(r x86opcode.Register) Operand {
	return Operand{Base: r, Index: x86opcode.NoRegister, Scale: 0}
}

// Mem builds an unindexed memory operand [base + disp].
func Mem(base x86opcode.Register, disp int64) Operand {
	return Operand{Base: base, Index: x86opcode.NoRegister, Scale: 1, Disp: disp}
}

// MemIndexed builds a scaled-index memory operand [base + index*scale + disp].
// scale must be 1, 2, 4, or 8.
func MemIndexed(base, index x86opcode.Register, scale uint8, disp int64) Operand {
	return Operand{Base: base, Index: index, Scale: scale, Disp: disp}
}

// IsRegister reports whether this operand is a direct register reference.
func (o Operand) IsRegister() bool { return o.Scale == 0 }

// Equal reports structural equality, per the operand model's contract.
func (o Operand) Equal(other Operand) bool { return o == other }
