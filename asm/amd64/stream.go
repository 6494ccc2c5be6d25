package amd64

import (
	"encoding/binary"

	"github.com/cornflower-labs/memtap/internal/x86opcode"
	"github.com/cornflower-labs/memtap/internal/xerrors"
)

type itemKind int

const (
	itemData itemKind = iota
	itemLabel
	itemLabelAddress
	itemJump
)

// streamItem is one entry in the Encoder's deque: either a finished run of
// bytes, a label definition, a pending 8-byte absolute-address patch slot,
// or a deferred jump/call whose final size is chosen at Assemble time.
type streamItem struct {
	kind itemKind
	data []byte

	// itemLabel / itemLabelAddress / label-targeted itemJump
	name string

	// itemJump
	isAbsolute   bool   // target is an absolute address (absTarget) rather than a label (name)
	absTarget    uint64
	isCall       bool   // calls have no short form regardless of hasShortForm
	hasShortForm bool
	op8          byte
	opNear       []byte // opcode bytes for the near form (1 for jmp/call, 2 for jcc)
	size         int    // resolved total size in bytes once chosen
	isThunk      bool   // resolved at Assemble time: absolute jump with no base-address hint
}

// Encoder builds an AMD64 instruction stream through a series of write_*
// calls and produces finished machine code via Assemble.
type Encoder struct {
	stream       []streamItem
	labelsByName map[string]int // index into stream of the itemLabel entry
}

// New returns an empty Encoder.
func New() *Encoder {
	return &Encoder{labelsByName: make(map[string]int)}
}

// Reset discards all previously written stream items.
func (e *Encoder) Reset() {
	e.stream = nil
	e.labelsByName = make(map[string]int)
}

func (e *Encoder) emit(b []byte) {
	if len(e.stream) > 0 && e.stream[len(e.stream)-1].kind == itemData {
		last := &e.stream[len(e.stream)-1]
		last.data = append(last.data, b...)
		return
	}
	e.stream = append(e.stream, streamItem{kind: itemData, data: append([]byte(nil), b...)})
}

// WriteRaw appends data to the stream unmodified.
func (e *Encoder) WriteRaw(data []byte) { e.emit(data) }

// WriteLabel records name at the current stream cursor. Re-defining a name
// is rejected.
func (e *Encoder) WriteLabel(name string) error {
	if _, exists := e.labelsByName[name]; exists {
		return xerrors.NewInvalidArgument("label %q already defined", name)
	}
	e.labelsByName[name] = len(e.stream)
	e.stream = append(e.stream, streamItem{kind: itemLabel, name: name})
	return nil
}

// WriteLabelAddress emits 8 placeholder bytes and a pending absolute patch
// that Assemble resolves to name's final byte offset.
func (e *Encoder) WriteLabelAddress(name string) {
	e.stream = append(e.stream, streamItem{kind: itemLabelAddress, name: name})
}

// WriteInt3 emits the breakpoint trap.
func (e *Encoder) WriteInt3() { e.emit([]byte{x86opcode.OpInt3}) }

// WriteInt emits a software interrupt with the given vector.
func (e *Encoder) WriteInt(vector byte) { e.emit([]byte{x86opcode.OpIntImm8, vector}) }

// WriteNop emits a single-byte no-op.
func (e *Encoder) WriteNop() { e.emit([]byte{x86opcode.OpNop}) }

// WriteRet emits a near return, popping stackBytes extra bytes from the
// stack if non-zero.
func (e *Encoder) WriteRet(stackBytes uint16) {
	if stackBytes == 0 {
		e.emit([]byte{x86opcode.OpRet})
		return
	}
	var imm [2]byte
	binary.LittleEndian.PutUint16(imm[:], stackBytes)
	e.emit(append([]byte{x86opcode.OpRetImm}, imm[:]...))
}

// writeRM assembles prefixes + REX + opcode + ModRM/SIB/disp for an
// instruction whose r/m operand is mem and whose reg field is regField
// (either a real register, when regOperand is non-nil, or a raw opcode
// extension digit otherwise).
func (e *Encoder) writeRM(opcode []byte, mem Operand, regField byte, regOperand *x86opcode.Register, size x86opcode.OperandSize, extraPrefixes []byte) error {
	modrm, bits, err := encodeRM(mem, regField, regOperand)
	if err != nil {
		return xerrors.NewEncode(err.Error())
	}
	sizePfx, wide := sizePrefixes(size)

	var out []byte
	out = append(out, extraPrefixes...)
	out = append(out, sizePfx...)
	if rex, present := buildRex(wide, bits); present {
		out = append(out, rex)
	}
	out = append(out, opcode...)
	out = append(out, modrm...)
	e.emit(out)
	return nil
}

// WriteLea computes the effective address of mem and stores it in reg.
func (e *Encoder) WriteLea(reg x86opcode.Register, mem Operand) error {
	return e.writeRM([]byte{x86opcode.OpLea}, mem, reg.Low3(), &reg, x86opcode.QuadWord, nil)
}

// WritePush pushes a register or a memory operand. Immediates are pushed
// with WritePushImm.
func (e *Encoder) WritePush(op Operand) error {
	if op.IsRegister() {
		e.emit(pushPopOpcode(0x50, op.Base))
		return nil
	}
	return e.writeRM([]byte{x86opcode.OpPushRM}, op, 6, nil, x86opcode.QuadWord, nil)
}

// WritePushImm pushes a sign-extended 32-bit immediate.
func (e *Encoder) WritePushImm(value int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(value))
	e.emit(append([]byte{x86opcode.OpPush32}, b[:]...))
}

// WritePop pops into a register or memory operand.
func (e *Encoder) WritePop(op Operand) error {
	if op.IsRegister() {
		e.emit(pushPopOpcode(0x58, op.Base))
		return nil
	}
	return e.writeRM([]byte{x86opcode.OpPopRM}, op, 0, nil, x86opcode.QuadWord, nil)
}

func pushPopOpcode(base byte, r x86opcode.Register) []byte {
	var rex []byte
	if r.NeedsExtensionBit() {
		rex = []byte{x86opcode.OpREXBase | 0x01}
	}
	return append(rex, base+r.Low3())
}

// WriteMov moves between two operands, at most one of which may be a
// memory reference (the other must be a register).
func (e *Encoder) WriteMov(to, from Operand, size x86opcode.OperandSize) error {
	return e.writeLoadStore(x86opcode.OpMovStore8, to, from, size)
}

// writeLoadStore picks load-vs-store direction and byte-vs-wide opcode
// variant based on which side is the register operand, matching the
// reference assembler's load_store_oper_for_args.
func (e *Encoder) writeLoadStore(store8 byte, to, from Operand, size x86opcode.OperandSize) error {
	wide := size != x86opcode.Byte
	var opcode byte
	var mem Operand
	var reg x86opcode.Register

	switch {
	case !to.IsRegister() && from.IsRegister():
		mem, reg = to, from.Base
		opcode = store8
	case to.IsRegister() && !from.IsRegister():
		mem, reg = from, to.Base
		opcode = store8 + 2 // load8
	case to.IsRegister() && from.IsRegister():
		mem, reg = from, to.Base
		opcode = store8 + 2
	default:
		return xerrors.NewInvalidArgument("mov requires at least one register operand")
	}
	if wide {
		opcode++
	}
	return e.writeRM([]byte{opcode}, mem, reg.Low3(), &reg, size, nil)
}

// WriteMovImmToReg loads an immediate directly into a register.
func (e *Encoder) WriteMovImmToReg(reg x86opcode.Register, value int64, size x86opcode.OperandSize) {
	sizePfx, wide := sizePrefixes(size)
	var bits rexBits
	bits.b = reg.NeedsExtensionBit()
	if reg.IsByteOnlyAlias() {
		bits.forceEmpty = true
	}
	var out []byte
	out = append(out, sizePfx...)
	if rex, present := buildRex(wide, bits); present {
		out = append(out, rex)
	}
	switch {
	case size == x86opcode.Byte:
		out = append(out, x86opcode.OpMovImmBase+reg.Low3(), byte(value))
	case wide:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(value))
		out = append(out, x86opcode.OpMovImmWideBase+reg.Low3())
		out = append(out, b[:]...)
	case size == x86opcode.Word:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(value))
		out = append(out, x86opcode.OpMovImmWideBase+reg.Low3())
		out = append(out, b[:]...)
	default:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(value))
		out = append(out, x86opcode.OpMovImmWideBase+reg.Low3())
		out = append(out, b[:]...)
	}
	e.emit(out)
}

// WriteMovImmToMem stores an immediate into a memory operand.
func (e *Encoder) WriteMovImmToMem(mem Operand, value int64, size x86opcode.OperandSize) error {
	opcode := x86opcode.OpMovMem8Imm
	if size != x86opcode.Byte {
		opcode = x86opcode.OpMovMemImm
	}
	if err := e.writeRM([]byte{opcode}, mem, 0, nil, size, nil); err != nil {
		return err
	}
	return e.appendImmediate(value, size)
}

func (e *Encoder) appendImmediate(value int64, size x86opcode.OperandSize) error {
	switch size {
	case x86opcode.Byte:
		e.emit([]byte{byte(value)})
	case x86opcode.Word:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(value))
		e.emit(b[:])
	default:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(value))
		e.emit(b[:])
	}
	return nil
}

// WriteAlu emits one of the eight two-operand ALU families (add, or, adc,
// sbb, and, sub, xor, cmp) between two operands, at most one of which may
// be memory.
func (e *Encoder) WriteAlu(op x86opcode.AluOp, to, from Operand, size x86opcode.OperandSize) error {
	return e.writeLoadStore(op.BaseOpcode(), to, from, size)
}

// WriteAluImm emits an ALU family operation against an immediate operand.
func (e *Encoder) WriteAluImm(op x86opcode.AluOp, to Operand, value int64, size x86opcode.OperandSize) error {
	opcode := x86opcode.OpMathImm32
	if size == x86opcode.Byte {
		opcode = x86opcode.OpMath8Imm8
	} else if value >= -128 && value <= 127 {
		opcode = x86opcode.OpMathImm8
	}
	if err := e.writeRM([]byte{opcode}, to, byte(op), nil, size, nil); err != nil {
		return err
	}
	if opcode == x86opcode.OpMathImm8 {
		e.emit([]byte{byte(value)})
		return nil
	}
	return e.appendImmediate(value, size)
}

// WriteTest emits a bitwise AND comparison that discards its result,
// setting flags only.
func (e *Encoder) WriteTest(a, b Operand, size x86opcode.OperandSize) error {
	opcode := x86opcode.OpTest
	if size == x86opcode.Byte {
		opcode = x86opcode.OpTest8
	}
	var mem Operand
	var reg x86opcode.Register
	switch {
	case !a.IsRegister():
		mem, reg = a, b.Base
	default:
		mem, reg = b, a.Base
	}
	return e.writeRM([]byte{opcode}, mem, reg.Low3(), &reg, size, nil)
}

// WriteNot and WriteNeg flip or arithmetically negate a memory operand.
func (e *Encoder) WriteNot(mem Operand, size x86opcode.OperandSize) error {
	return e.writeUnary(2, mem, size)
}
func (e *Encoder) WriteNeg(mem Operand, size x86opcode.OperandSize) error {
	return e.writeUnary(3, mem, size)
}

func (e *Encoder) writeUnary(digit byte, mem Operand, size x86opcode.OperandSize) error {
	opcode := x86opcode.OpNotNeg32
	if size == x86opcode.Byte {
		opcode = x86opcode.OpNotNeg8
	}
	return e.writeRM([]byte{opcode}, mem, digit, nil, size, nil)
}

// WriteInc and WriteDec increment or decrement a memory operand in place.
func (e *Encoder) WriteInc(mem Operand, size x86opcode.OperandSize) error {
	return e.writeIncDec(0, mem, size)
}
func (e *Encoder) WriteDec(mem Operand, size x86opcode.OperandSize) error {
	return e.writeIncDec(1, mem, size)
}

func (e *Encoder) writeIncDec(digit byte, mem Operand, size x86opcode.OperandSize) error {
	opcode := x86opcode.OpIncDec
	if size == x86opcode.Byte {
		opcode = x86opcode.OpIncDec8
	}
	return e.writeRM([]byte{opcode}, mem, digit, nil, size, nil)
}

// WriteShiftImm shifts mem by an immediate bit count.
func (e *Encoder) WriteShiftImm(op x86opcode.ShiftOp, mem Operand, bits uint8, size x86opcode.OperandSize) error {
	if bits == 1 {
		opcode := x86opcode.OpShiftOne
		if size == x86opcode.Byte {
			opcode = x86opcode.OpShift8One
		}
		return e.writeRM([]byte{opcode}, mem, byte(op), nil, size, nil)
	}
	opcode := x86opcode.OpShiftImm
	if size == x86opcode.Byte {
		opcode = x86opcode.OpShift8Imm
	}
	if err := e.writeRM([]byte{opcode}, mem, byte(op), nil, size, nil); err != nil {
		return err
	}
	e.emit([]byte{bits})
	return nil
}

// WriteShiftCL shifts mem by the count in CL.
func (e *Encoder) WriteShiftCL(op x86opcode.ShiftOp, mem Operand, size x86opcode.OperandSize) error {
	opcode := x86opcode.OpShiftCL
	if size == x86opcode.Byte {
		opcode = x86opcode.OpShift8CL
	}
	return e.writeRM([]byte{opcode}, mem, byte(op), nil, size, nil)
}

// WriteXchg exchanges a register with a memory (or register) operand.
func (e *Encoder) WriteXchg(reg x86opcode.Register, mem Operand, size x86opcode.OperandSize) error {
	opcode := byte(0x87)
	if size == x86opcode.Byte {
		opcode = 0x86
	}
	return e.writeRM([]byte{opcode}, mem, reg.Low3(), &reg, size, nil)
}

// WriteLock emits the LOCK prefix for the instruction that follows.
func (e *Encoder) WriteLock() { e.emit([]byte{0xF0}) }
