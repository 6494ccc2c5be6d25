package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/cornflower-labs/memtap/internal/x86opcode"
)

// rmOperand is a decoded ModRM r/m operand: either a direct register or a
// memory reference, formatted lazily once the caller knows the intended
// operand size.
type rmOperand struct {
	isReg bool
	reg   x86opcode.Register

	base    x86opcode.Register
	index   x86opcode.Register
	scale   uint8
	disp    int64
	hasDisp bool
}

// decodeModRM mirrors the encoder's encodeRM in reverse: it reads the
// ModRM byte (and SIB/displacement, if present) at pos and returns the reg
// field (register number, already combined with REX.R) plus the decoded
// r/m operand.
func decodeModRM(code []byte, pos int, rexR, rexX, rexB bool) (regField x86opcode.Register, rm rmOperand, consumed int, err error) {
	if pos >= len(code) {
		return 0, rmOperand{}, 0, fmt.Errorf("truncated ModRM byte at offset %d", pos)
	}
	b := code[pos]
	mod := b >> 6
	reg := (b >> 3) & 7
	rmLow := b & 7
	consumed = 1
	regField = x86opcode.Register(reg)
	if rexR {
		regField |= 8
	}

	if mod == 3 {
		r := x86opcode.Register(rmLow)
		if rexB {
			r |= 8
		}
		return regField, rmOperand{isReg: true, reg: r}, consumed, nil
	}

	if rmLow == 4 {
		if pos+consumed >= len(code) {
			return 0, rmOperand{}, 0, fmt.Errorf("truncated SIB byte at offset %d", pos)
		}
		sib := code[pos+consumed]
		consumed++
		scaleBits := sib >> 6
		indexLow := (sib >> 3) & 7
		baseLow := sib & 7

		scale := uint8(1) << scaleBits
		index := x86opcode.NoRegister
		if !(indexLow == 4 && !rexX) {
			index = x86opcode.Register(indexLow)
			if rexX {
				index |= 8
			}
		}

		var base x86opcode.Register
		var disp int64
		hasDisp := false
		if mod == 0 && baseLow == 5 {
			base = x86opcode.NoRegister
			d, n, derr := readDisp32(code, pos+consumed)
			if derr != nil {
				return 0, rmOperand{}, 0, derr
			}
			disp, consumed, hasDisp = int64(d), consumed+n, true
		} else {
			base = x86opcode.Register(baseLow)
			if rexB {
				base |= 8
			}
			switch mod {
			case 1:
				d, n, derr := readDisp8(code, pos+consumed)
				if derr != nil {
					return 0, rmOperand{}, 0, derr
				}
				disp, consumed, hasDisp = int64(d), consumed+n, true
			case 2:
				d, n, derr := readDisp32(code, pos+consumed)
				if derr != nil {
					return 0, rmOperand{}, 0, derr
				}
				disp, consumed, hasDisp = int64(d), consumed+n, true
			}
		}
		return regField, rmOperand{base: base, index: index, scale: scale, disp: disp, hasDisp: hasDisp}, consumed, nil
	}

	if rmLow == 5 && mod == 0 {
		d, n, derr := readDisp32(code, pos+consumed)
		if derr != nil {
			return 0, rmOperand{}, 0, derr
		}
		consumed += n
		return regField, rmOperand{base: x86opcode.RIP, index: x86opcode.NoRegister, scale: 1, disp: int64(d), hasDisp: true}, consumed, nil
	}

	base := x86opcode.Register(rmLow)
	if rexB {
		base |= 8
	}
	var disp int64
	hasDisp := false
	switch mod {
	case 1:
		d, n, derr := readDisp8(code, pos+consumed)
		if derr != nil {
			return 0, rmOperand{}, 0, derr
		}
		disp, consumed, hasDisp = int64(d), consumed+n, true
	case 2:
		d, n, derr := readDisp32(code, pos+consumed)
		if derr != nil {
			return 0, rmOperand{}, 0, derr
		}
		disp, consumed, hasDisp = int64(d), consumed+n, true
	}
	return regField, rmOperand{base: base, index: x86opcode.NoRegister, scale: 1, disp: disp, hasDisp: hasDisp}, consumed, nil
}

func readDisp8(code []byte, pos int) (int8, int, error) {
	if pos >= len(code) {
		return 0, 0, fmt.Errorf("truncated 8-bit displacement at offset %d", pos)
	}
	return int8(code[pos]), 1, nil
}

func readDisp32(code []byte, pos int) (int32, int, error) {
	if pos+4 > len(code) {
		return 0, 0, fmt.Errorf("truncated 32-bit displacement at offset %d", pos)
	}
	return int32(binary.LittleEndian.Uint32(code[pos : pos+4])), 4, nil
}

// format renders the r/m operand as assembly text. size picks the register
// name's width for a direct-register operand; a memory operand always
// prints with an explicit size prefix when sizePrefix is non-empty.
func (rm rmOperand) format(size x86opcode.OperandSize, sizePrefix string) string {
	if rm.isReg {
		return x86opcode.RegisterName(rm.reg, size)
	}
	inner := ""
	switch {
	case rm.base == x86opcode.RIP:
		inner = fmt.Sprintf("rip+0x%x", rm.disp)
	case rm.base == x86opcode.NoRegister && rm.index != x86opcode.NoRegister:
		inner = fmt.Sprintf("%s*%d", x86opcode.RegisterName(rm.index, x86opcode.QuadWord), rm.scale)
		inner += dispSuffix(rm.disp, rm.hasDisp)
	case rm.base == x86opcode.NoRegister:
		inner = fmt.Sprintf("0x%x", rm.disp)
	case rm.index != x86opcode.NoRegister:
		inner = fmt.Sprintf("%s+%s*%d", x86opcode.RegisterName(rm.base, x86opcode.QuadWord),
			x86opcode.RegisterName(rm.index, x86opcode.QuadWord), rm.scale)
		inner += dispSuffix(rm.disp, rm.hasDisp)
	default:
		inner = x86opcode.RegisterName(rm.base, x86opcode.QuadWord)
		inner += dispSuffix(rm.disp, rm.hasDisp)
	}
	if sizePrefix != "" {
		return fmt.Sprintf("%s ptr [%s]", sizePrefix, inner)
	}
	return fmt.Sprintf("[%s]", inner)
}

func dispSuffix(disp int64, hasDisp bool) string {
	if !hasDisp || disp == 0 {
		return ""
	}
	if disp < 0 {
		return fmt.Sprintf("-0x%x", -disp)
	}
	return fmt.Sprintf("+0x%x", disp)
}

// sizePtr returns the "byte"/"word"/"dword"/"qword" spelling for size, used
// when a memory operand's width can't be inferred from a register operand.
func sizePtr(size x86opcode.OperandSize) string {
	switch size {
	case x86opcode.Byte:
		return "byte"
	case x86opcode.Word:
		return "word"
	case x86opcode.DoubleWord:
		return "dword"
	case x86opcode.QuadWord:
		return "qword"
	case x86opcode.SinglePrecision:
		return "float"
	case x86opcode.DoublePrecision:
		return "double"
	default:
		return ""
	}
}
