package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/cornflower-labs/memtap/internal/x86opcode"
)

// rexBits accumulates the REX extension bits independent of W, which
// callers set separately based on operand size.
type rexBits struct {
	r, x, b    bool
	forceEmpty bool // an SPL/BPL/SIL/DIL operand is involved: REX must be emitted even if otherwise empty
}

// computeDisplacement picks the ModRM mod bits and trailing displacement
// bytes for a base register whose low 3 bits are baseLow3. disp==0 can be
// omitted entirely unless baseLow3==5 (RBP or R13): that bit pattern in
// mod=00 is reserved (RIP-relative with no SIB, or "no base" with a SIB),
// so those two registers always carry at least a 1-byte zero displacement.
func computeDisplacement(baseLow3 byte, disp int64) (modBits byte, dispBytes []byte, err error) {
	if disp == 0 && baseLow3 != 5 {
		return 0x00, nil, nil
	}
	if disp >= -128 && disp <= 127 {
		return 0x40, []byte{byte(int8(disp))}, nil
	}
	if disp >= -2147483648 && disp <= 2147483647 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(disp)))
		return 0x80, b[:], nil
	}
	return 0, nil, fmt.Errorf("displacement %d does not fit in 32 bits", disp)
}

// encodeRM builds the ModRM (+ SIB + displacement) bytes for mem paired
// with a 3-bit reg/opcode-extension field. regOperand, if non-nil, is the
// actual register occupying the reg field (as opposed to a raw opcode
// digit), used to compute REX.R and the SPL/BPL/SIL/DIL force-empty rule
// for that side.
func encodeRM(mem Operand, regField byte, regOperand *x86opcode.Register) ([]byte, rexBits, error) {
	var bits rexBits
	var out []byte

	switch {
	case mem.Scale == 0:
		rm := mem.Base.Low3()
		out = []byte{0xC0 | (regField << 3) | rm}
		bits.b = mem.Base.NeedsExtensionBit()
		if mem.Base.IsByteOnlyAlias() {
			bits.forceEmpty = true
		}

	case mem.Base == x86opcode.RIP:
		var disp [4]byte
		binary.LittleEndian.PutUint32(disp[:], uint32(int32(mem.Disp)))
		out = append([]byte{0x00 | (regField << 3) | 5}, disp[:]...)

	case mem.Index == x86opcode.NoRegister && mem.Base != x86opcode.RSP && mem.Base != x86opcode.R12:
		modBits, dispBytes, err := computeDisplacement(mem.Base.Low3(), mem.Disp)
		if err != nil {
			return nil, bits, err
		}
		out = append([]byte{modBits | (regField << 3) | mem.Base.Low3()}, dispBytes...)
		bits.b = mem.Base.NeedsExtensionBit()

	case mem.Index == x86opcode.NoRegister:
		// base is RSP or R12: the r/m=4 slot always means "SIB follows",
		// so a SIB byte with index field 4 ("no index") is mandatory.
		modBits, dispBytes, err := computeDisplacement(mem.Base.Low3(), mem.Disp)
		if err != nil {
			return nil, bits, err
		}
		sib := byte(0x00) | (4 << 3) | mem.Base.Low3()
		out = append([]byte{modBits | (regField << 3) | 4, sib}, dispBytes...)
		bits.b = mem.Base.NeedsExtensionBit()

	default:
		if mem.Index == x86opcode.RSP {
			return nil, bits, fmt.Errorf("RSP cannot be used as an index register")
		}
		if mem.Base == x86opcode.RIP {
			return nil, bits, fmt.Errorf("RIP cannot be used as a base with a scaled index")
		}
		scaleBits, err := scaleToBits(mem.Scale)
		if err != nil {
			return nil, bits, err
		}
		modBits, dispBytes, err := computeDisplacement(mem.Base.Low3(), mem.Disp)
		if err != nil {
			return nil, bits, err
		}
		sib := scaleBits | (mem.Index.Low3() << 3) | mem.Base.Low3()
		out = append([]byte{modBits | (regField << 3) | 4, sib}, dispBytes...)
		bits.b = mem.Base.NeedsExtensionBit()
		bits.x = mem.Index.NeedsExtensionBit()
	}

	if regOperand != nil {
		bits.r = regOperand.NeedsExtensionBit()
		if regOperand.IsByteOnlyAlias() {
			bits.forceEmpty = true
		}
	}
	return out, bits, nil
}

func scaleToBits(scale uint8) (byte, error) {
	switch scale {
	case 1:
		return 0x00, nil
	case 2:
		return 0x40, nil
	case 4:
		return 0x80, nil
	case 8:
		return 0xC0, nil
	}
	return 0, fmt.Errorf("invalid SIB scale %d", scale)
}

// buildRex assembles the REX byte, if one is needed: wide requests REX.W;
// bits carries R/X/B and the SPL/BPL/SIL/DIL force-emit rule. An all-zero
// REX (0x40 exactly) is omitted unless forced.
func buildRex(wide bool, bits rexBits) (rex byte, present bool) {
	rex = x86opcode.OpREXBase
	if wide {
		rex |= 0x08
	}
	if bits.r {
		rex |= 0x04
	}
	if bits.x {
		rex |= 0x02
	}
	if bits.b {
		rex |= 0x01
	}
	if rex != x86opcode.OpREXBase || bits.forceEmpty {
		return rex, true
	}
	return 0, false
}

// sizePrefixes returns the extra-prefix and operand-size-prefix bytes that
// precede the opcode for the given size, and whether REX.W is required.
func sizePrefixes(size x86opcode.OperandSize) (prefixes []byte, wide bool) {
	switch size {
	case x86opcode.QuadWord:
		return nil, true
	case x86opcode.Word:
		return []byte{x86opcode.OpOperand16}, false
	case x86opcode.QuadWordXMM:
		return []byte{x86opcode.OpOperand16}, true
	default:
		return nil, false
	}
}
