// Package amd64 implements the AMD64 disassembler: a pure function from a
// byte string and a start address to an annotated textual listing, sharing
// its opcode and register tables with the encoder via internal/x86opcode
// so the two can never disagree on what a byte means.
package amd64

import (
	"fmt"
	"strings"

	"github.com/cornflower-labs/memtap/internal/x86opcode"
)

// Instruction is one decoded line: its start offset (relative to the
// decoded byte string, not the caller's load address), the raw bytes it
// consumed, and its rendered mnemonic and operand text.
type Instruction struct {
	Offset   int
	Bytes    []byte
	Mnemonic string
	Operands string

	// jumpTarget, if >= 0, is the byte offset (relative to the decoded
	// string) this instruction transfers control to, used for label
	// synthesis.
	jumpTarget int
}

type prefixState struct {
	rexPresent            bool
	rexW, rexR, rexX, rexB bool
	operandSize16          bool
	xmm                    bool
	twoByte                bool
}

// decodeAll walks code from offset 0 to len(code), decoding one
// instruction at a time. It never consults addr except to report it back
// to the caller for formatting; jump targets are computed relative to the
// decoded byte string.
func decodeAll(code []byte) ([]Instruction, error) {
	var out []Instruction
	pos := 0
	for pos < len(code) {
		inst, next, err := decodeOne(code, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
		pos = next
	}
	return out, nil
}

func decodeOne(code []byte, start int) (Instruction, int, error) {
	pos := start
	var st prefixState

	for pos < len(code) {
		b := code[pos]
		switch {
		case b >= 0x40 && b <= 0x4F:
			st.rexPresent = true
			st.rexW = b&0x08 != 0
			st.rexR = b&0x04 != 0
			st.rexX = b&0x02 != 0
			st.rexB = b&0x01 != 0
			pos++
			continue
		case b == x86opcode.OpOperand16:
			st.operandSize16 = true
			pos++
			continue
		case b == x86opcode.OpXMMPrefix:
			st.xmm = true
			pos++
			continue
		case b == x86opcode.OpTwoByte:
			st.twoByte = true
			pos++
		}
		break
	}
	if pos >= len(code) {
		return Instruction{}, 0, fmt.Errorf("truncated instruction at offset %d", start)
	}

	if st.twoByte {
		return decodeTwoByte(code, start, pos, st)
	}
	return decodeOneByte(code, start, pos, st)
}

func opSize(st prefixState) x86opcode.OperandSize {
	switch {
	case st.rexW:
		return x86opcode.QuadWord
	case st.operandSize16:
		return x86opcode.Word
	default:
		return x86opcode.DoubleWord
	}
}

// Decode produces the multi-line listing for code, treating offset 0 as
// load address addr. Every relative jump/call target gets a synthesized
// labelN, numbered in order of first reference.
func Decode(code []byte, addr uint64) (string, error) {
	insts, err := decodeAll(code)
	if err != nil {
		return "", err
	}

	labelAt := map[int]string{}
	nextLabel := 0
	for _, inst := range insts {
		if inst.jumpTarget < 0 {
			continue
		}
		if _, ok := labelAt[inst.jumpTarget]; !ok {
			labelAt[inst.jumpTarget] = fmt.Sprintf("label%d", nextLabel)
			nextLabel++
		}
	}

	instAt := map[int]bool{}
	for _, inst := range insts {
		instAt[inst.Offset] = true
	}

	var sb strings.Builder
	for _, inst := range insts {
		if name, ok := labelAt[inst.Offset]; ok {
			fmt.Fprintf(&sb, "%s:\n", name)
		}
		for off, name := range labelAt {
			if off == inst.Offset || instAt[off] {
				continue
			}
			if off > inst.Offset-len(inst.Bytes) && off < inst.Offset {
				fmt.Fprintf(&sb, "; %s: (misaligned target at offset 0x%x)\n", name, off)
			}
		}
		operands := inst.Operands
		if target, ok := labelAt[inst.jumpTarget]; ok && inst.jumpTarget >= 0 {
			operands = target
		}
		fmt.Fprintf(&sb, "%016x  %-29s %-8s %s\n",
			addr+uint64(inst.Offset), formatBytes(inst.Bytes), inst.Mnemonic, operands)
	}
	return sb.String(), nil
}

func formatBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02x", v)
	}
	return strings.Join(parts, " ")
}
