package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/cornflower-labs/memtap/internal/x86opcode"
)

// decodeOneByte decodes the one-byte opcode space starting at pos (after
// any legacy/REX prefixes already consumed into st); start is the
// instruction's original offset, used only to compute Instruction.Offset
// and the final consumed byte count.
func decodeOneByte(code []byte, start, pos int, st prefixState) (Instruction, int, error) {
	op := code[pos]
	size := opSize(st)
	end := pos + 1

	mk := func(mnemonic, operands string, jumpTarget int) (Instruction, int, error) {
		return Instruction{
			Offset: start, Bytes: append([]byte(nil), code[start:end]...),
			Mnemonic: mnemonic, Operands: operands, jumpTarget: jumpTarget,
		}, end, nil
	}

	switch {
	case op == x86opcode.OpNop:
		return mk("nop", "", -1)
	case op == x86opcode.OpRet:
		return mk("ret", "", -1)
	case op == x86opcode.OpRetImm:
		if pos+3 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated ret imm16 at offset %d", pos)
		}
		imm := binary.LittleEndian.Uint16(code[pos+1 : pos+3])
		end = pos + 3
		return mk("ret", fmt.Sprintf("0x%x", imm), -1)
	case op == x86opcode.OpInt3:
		return mk("int3", "", -1)
	case op == x86opcode.OpIntImm8:
		if pos+2 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated int imm8 at offset %d", pos)
		}
		end = pos + 2
		return mk("int", fmt.Sprintf("0x%x", code[pos+1]), -1)
	case op == 0xF0:
		return mk("lock", "", -1)

	case op == x86opcode.OpJMP8 || (op >= x86opcode.OpJ8Base && op <= x86opcode.OpJ8Base+0xF):
		if pos+2 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated short jump at offset %d", pos)
		}
		disp := int8(code[pos+1])
		end = pos + 2
		target := end + int(disp)
		mnemonic := "jmp"
		if op != x86opcode.OpJMP8 {
			mnemonic = "j" + x86opcode.Condition(op&0xF).Mnemonic()
		}
		return mk(mnemonic, fmt.Sprintf("0x%x", target), target)

	case op == x86opcode.OpJMP32 || op == x86opcode.OpCALL32:
		if pos+5 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated near jmp/call at offset %d", pos)
		}
		disp := int32(binary.LittleEndian.Uint32(code[pos+1 : pos+5]))
		end = pos + 5
		target := end + int(disp)
		mnemonic := "jmp"
		if op == x86opcode.OpCALL32 {
			mnemonic = "call"
		}
		return mk(mnemonic, fmt.Sprintf("0x%x", target), target)

	case op >= 0x50 && op <= 0x57:
		r := regWithRex(op-0x50, st.rexB)
		return mk("push", x86opcode.RegisterName(r, x86opcode.QuadWord), -1)
	case op >= 0x58 && op <= 0x5F:
		r := regWithRex(op-0x58, st.rexB)
		return mk("pop", x86opcode.RegisterName(r, x86opcode.QuadWord), -1)

	case op == x86opcode.OpPush32:
		if pos+5 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated push imm32 at offset %d", pos)
		}
		imm := int32(binary.LittleEndian.Uint32(code[pos+1 : pos+5]))
		end = pos + 5
		return mk("push", fmt.Sprintf("0x%x", imm), -1)

	case op == x86opcode.OpLea:
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		return mk("lea", fmt.Sprintf("%s, %s", x86opcode.RegisterName(regField, x86opcode.QuadWord), rm.format(size, "")), -1)

	case op == x86opcode.OpMovStore8 || op == x86opcode.OpMovStore || op == x86opcode.OpMovLoad8 || op == x86opcode.OpMovLoad:
		bSize := size
		if op == x86opcode.OpMovStore8 || op == x86opcode.OpMovLoad8 {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		regName := x86opcode.RegisterName(regField, bSize)
		memStr := rm.format(bSize, memSizePrefix(rm, bSize))
		if op == x86opcode.OpMovStore8 || op == x86opcode.OpMovStore {
			return mk("mov", fmt.Sprintf("%s, %s", memStr, regName), -1)
		}
		return mk("mov", fmt.Sprintf("%s, %s", regName, memStr), -1)

	case op >= x86opcode.OpMovImmBase && op < x86opcode.OpMovImmBase+8:
		if pos+2 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated mov imm8 at offset %d", pos)
		}
		r := regWithRex(op-x86opcode.OpMovImmBase, st.rexB)
		end = pos + 2
		return mk("mov", fmt.Sprintf("%s, 0x%x", x86opcode.RegisterName(r, x86opcode.Byte), code[pos+1]), -1)

	case op >= x86opcode.OpMovImmWideBase && op < x86opcode.OpMovImmWideBase+8:
		r := regWithRex(op-x86opcode.OpMovImmWideBase, st.rexB)
		if st.rexW {
			if pos+9 > len(code) {
				return Instruction{}, 0, fmt.Errorf("truncated mov imm64 at offset %d", pos)
			}
			imm := binary.LittleEndian.Uint64(code[pos+1 : pos+9])
			end = pos + 9
			return mk("mov", fmt.Sprintf("%s, 0x%x", x86opcode.RegisterName(r, x86opcode.QuadWord), imm), -1)
		}
		if st.operandSize16 {
			if pos+3 > len(code) {
				return Instruction{}, 0, fmt.Errorf("truncated mov imm16 at offset %d", pos)
			}
			imm := binary.LittleEndian.Uint16(code[pos+1 : pos+3])
			end = pos + 3
			return mk("mov", fmt.Sprintf("%s, 0x%x", x86opcode.RegisterName(r, x86opcode.Word), imm), -1)
		}
		if pos+5 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated mov imm32 at offset %d", pos)
		}
		imm := binary.LittleEndian.Uint32(code[pos+1 : pos+5])
		end = pos + 5
		return mk("mov", fmt.Sprintf("%s, 0x%x", x86opcode.RegisterName(r, x86opcode.DoubleWord), imm), -1)

	case op == x86opcode.OpMovMem8Imm || op == x86opcode.OpMovMemImm:
		bSize := size
		if op == x86opcode.OpMovMem8Imm {
			bSize = x86opcode.Byte
		}
		_, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		immPos := pos + 1 + n
		imm, immLen, err := readImmediate(code, immPos, bSize)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = immPos + immLen
		return mk("mov", fmt.Sprintf("%s, 0x%x", rm.format(bSize, sizePtr(bSize)), imm), -1)

	case op == x86opcode.OpMath8Imm8 || op == x86opcode.OpMathImm32 || op == x86opcode.OpMathImm8:
		bSize := size
		if op == x86opcode.OpMath8Imm8 {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		aluOp, _ := x86opcode.AluOpFromBaseOpcode(byte(regField) << 3)
		immPos := pos + 1 + n
		immSize := bSize
		if op != x86opcode.OpMathImm32 {
			immSize = x86opcode.Byte
		}
		imm, immLen, err := readSignedImmediate(code, immPos, immSize)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = immPos + immLen
		return mk(aluOp.Mnemonic(), fmt.Sprintf("%s, 0x%x", rm.format(bSize, sizePtr(bSize)), imm), -1)

	case op <= 0x3B && (op&0x07) <= 3:
		aluOp, ok := x86opcode.AluOpFromBaseOpcode(op &^ 0x03)
		if !ok {
			break
		}
		variant := x86opcode.AluVariant(op & 0x03)
		bSize := size
		if variant == x86opcode.Store8 || variant == x86opcode.Load8 {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		regName := x86opcode.RegisterName(regField, bSize)
		memStr := rm.format(bSize, memSizePrefix(rm, bSize))
		if variant == x86opcode.Store8 || variant == x86opcode.Store {
			return mk(aluOp.Mnemonic(), fmt.Sprintf("%s, %s", memStr, regName), -1)
		}
		return mk(aluOp.Mnemonic(), fmt.Sprintf("%s, %s", regName, memStr), -1)

	case op == x86opcode.OpTest8 || op == x86opcode.OpTest:
		bSize := size
		if op == x86opcode.OpTest8 {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		return mk("test", fmt.Sprintf("%s, %s", rm.format(bSize, memSizePrefix(rm, bSize)), x86opcode.RegisterName(regField, bSize)), -1)

	case op == x86opcode.OpNotNeg8 || op == x86opcode.OpNotNeg32:
		bSize := size
		if op == x86opcode.OpNotNeg8 {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		names := map[byte]string{0: "test", 2: "not", 3: "neg", 4: "mul", 5: "imul", 6: "div", 7: "idiv"}
		return mk(names[byte(regField)&7], rm.format(bSize, sizePtr(bSize)), -1)

	case op == x86opcode.OpIncDec8 || op == x86opcode.OpIncDec:
		bSize := size
		if op == x86opcode.OpIncDec8 {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		digit := byte(regField) & 7
		switch digit {
		case 0:
			return mk("inc", rm.format(bSize, sizePtr(bSize)), -1)
		case 1:
			return mk("dec", rm.format(bSize, sizePtr(bSize)), -1)
		case 2:
			return mk("call", rm.format(x86opcode.QuadWord, ""), -1)
		case 4:
			return mk("jmp", rm.format(x86opcode.QuadWord, ""), -1)
		case 6:
			return mk("push", rm.format(x86opcode.QuadWord, ""), -1)
		default:
			return mk("(inc/dec group)", rm.format(bSize, sizePtr(bSize)), -1)
		}

	case op == x86opcode.OpPopRM:
		_, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		return mk("pop", rm.format(x86opcode.QuadWord, ""), -1)

	case op == x86opcode.OpShift8Imm || op == x86opcode.OpShiftImm:
		bSize := size
		if op == x86opcode.OpShift8Imm {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		if pos+1+n >= len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated shift imm8 at offset %d", pos)
		}
		bits := code[pos+1+n]
		end = pos + 1 + n + 1
		return mk(x86opcode.ShiftOp(byte(regField)&7).Mnemonic(), fmt.Sprintf("%s, 0x%x", rm.format(bSize, sizePtr(bSize)), bits), -1)

	case op == x86opcode.OpShift8One || op == x86opcode.OpShiftOne:
		bSize := size
		if op == x86opcode.OpShift8One {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		return mk(x86opcode.ShiftOp(byte(regField)&7).Mnemonic(), fmt.Sprintf("%s, 1", rm.format(bSize, sizePtr(bSize))), -1)

	case op == x86opcode.OpShift8CL || op == x86opcode.OpShiftCL:
		bSize := size
		if op == x86opcode.OpShift8CL {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		return mk(x86opcode.ShiftOp(byte(regField)&7).Mnemonic(), fmt.Sprintf("%s, cl", rm.format(bSize, sizePtr(bSize))), -1)

	case op == 0x86 || op == 0x87:
		bSize := size
		if op == 0x86 {
			bSize = x86opcode.Byte
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		return mk("xchg", fmt.Sprintf("%s, %s", rm.format(bSize, memSizePrefix(rm, bSize)), x86opcode.RegisterName(regField, bSize)), -1)
	}

	return Instruction{}, 0, fmt.Errorf("unrecognized opcode 0x%02X at offset %d", op, pos)
}

// decodeTwoByte handles the 0x0F escape space: conditional jumps in near
// form, CMOVcc, SETcc, movzx, and imul. Other two-byte forms named in the
// spec (movsd/cmpsd/movq-to-xmm/cvtsi2sd/cvtsd2si/roundsd) operate on XMM
// state this encoder never emits and so are left undecoded here.
func decodeTwoByte(code []byte, start, pos int, st prefixState) (Instruction, int, error) {
	if pos >= len(code) {
		return Instruction{}, 0, fmt.Errorf("truncated two-byte opcode at offset %d", pos)
	}
	op := code[pos]
	end := pos + 1

	mk := func(mnemonic, operands string, jumpTarget int) (Instruction, int, error) {
		return Instruction{
			Offset: start, Bytes: append([]byte(nil), code[start:end]...),
			Mnemonic: mnemonic, Operands: operands, jumpTarget: jumpTarget,
		}, end, nil
	}

	switch {
	case op >= x86opcode.OpJNear0F && op <= x86opcode.OpJNear0F+0xF:
		if pos+5 > len(code) {
			return Instruction{}, 0, fmt.Errorf("truncated near jcc at offset %d", pos)
		}
		disp := int32(binary.LittleEndian.Uint32(code[pos+1 : pos+5]))
		end = pos + 5
		target := end + int(disp)
		return mk("j"+x86opcode.Condition(op&0xF).Mnemonic(), fmt.Sprintf("0x%x", target), target)

	case op >= x86opcode.Op0FSetBase && op <= x86opcode.Op0FSetBase+0xF:
		_, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		return mk("set"+x86opcode.Condition(op&0xF).Mnemonic(), rm.format(x86opcode.Byte, sizePtr(x86opcode.Byte)), -1)

	case op >= x86opcode.Op0FCmovBase && op <= x86opcode.Op0FCmovBase+0xF:
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		size := opSize(st)
		return mk("cmov"+x86opcode.Condition(op&0xF).Mnemonic(),
			fmt.Sprintf("%s, %s", x86opcode.RegisterName(regField, size), rm.format(size, "")), -1)

	case op == x86opcode.Op0FImul:
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		size := opSize(st)
		return mk("imul", fmt.Sprintf("%s, %s", x86opcode.RegisterName(regField, size), rm.format(size, "")), -1)

	case op == x86opcode.Op0FMovzx8 || op == x86opcode.Op0FMovzx16:
		srcSize := x86opcode.Byte
		if op == x86opcode.Op0FMovzx16 {
			srcSize = x86opcode.Word
		}
		regField, rm, n, err := decodeModRM(code, pos+1, st.rexR, st.rexX, st.rexB)
		if err != nil {
			return Instruction{}, 0, err
		}
		end = pos + 1 + n
		size := opSize(st)
		return mk("movzx", fmt.Sprintf("%s, %s", x86opcode.RegisterName(regField, size), rm.format(srcSize, sizePtr(srcSize))), -1)
	}

	return Instruction{}, 0, fmt.Errorf("unrecognized two-byte opcode 0x0F 0x%02X at offset %d", op, pos)
}

func regWithRex(low byte, rexB bool) x86opcode.Register {
	r := x86opcode.Register(low & 7)
	if rexB {
		r |= 8
	}
	return r
}

func readImmediate(code []byte, pos int, size x86opcode.OperandSize) (uint64, int, error) {
	switch size {
	case x86opcode.Byte:
		if pos+1 > len(code) {
			return 0, 0, fmt.Errorf("truncated imm8 at offset %d", pos)
		}
		return uint64(code[pos]), 1, nil
	case x86opcode.Word:
		if pos+2 > len(code) {
			return 0, 0, fmt.Errorf("truncated imm16 at offset %d", pos)
		}
		return uint64(binary.LittleEndian.Uint16(code[pos : pos+2])), 2, nil
	default:
		if pos+4 > len(code) {
			return 0, 0, fmt.Errorf("truncated imm32 at offset %d", pos)
		}
		return uint64(binary.LittleEndian.Uint32(code[pos : pos+4])), 4, nil
	}
}

func readSignedImmediate(code []byte, pos int, size x86opcode.OperandSize) (int64, int, error) {
	if size == x86opcode.Byte {
		if pos+1 > len(code) {
			return 0, 0, fmt.Errorf("truncated imm8 at offset %d", pos)
		}
		return int64(int8(code[pos])), 1, nil
	}
	u, n, err := readImmediate(code, pos, size)
	return int64(u), n, err
}

// memSizePrefix returns the size spelling ("byte", "qword", ...) used as a
// "<size> ptr" prefix for a memory r/m operand, or "" when rm is a direct
// register, which needs no prefix.
func memSizePrefix(rm rmOperand, size x86opcode.OperandSize) string {
	if rm.isReg {
		return ""
	}
	return sizePtr(size)
}
