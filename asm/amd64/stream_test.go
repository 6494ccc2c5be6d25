package amd64_test

import (
	"encoding/binary"
	"testing"

	"github.com/cornflower-labs/memtap/asm/amd64"
	"github.com/cornflower-labs/memtap/internal/x86opcode"
)

func TestForwardJumpSelectsNearAcross128Nops(t *testing.T) {
	e := amd64.New()
	e.WriteJmp("L")
	for i := 0; i < 128; i++ {
		e.WriteNop()
	}
	if err := e.WriteLabel("L"); err != nil {
		t.Fatalf("WriteLabel: %v", err)
	}
	e.WriteRet(0)

	code, _, labels, err := e.Assemble(0, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if code[0] != x86opcode.OpJMP32 {
		t.Fatalf("expected near jmp opcode 0x%02X, got 0x%02X", x86opcode.OpJMP32, code[0])
	}
	disp := int32(binary.LittleEndian.Uint32(code[1:5]))
	if int(disp) != labels["L"]-5 {
		t.Fatalf("displacement %d does not land on label offset %d", disp, labels["L"])
	}
	if len(code) != 5+128+1 {
		t.Fatalf("unexpected total length %d", len(code))
	}
}

func TestForwardJumpSelectsShortAcross126Nops(t *testing.T) {
	e := amd64.New()
	e.WriteJmp("L")
	for i := 0; i < 126; i++ {
		e.WriteNop()
	}
	if err := e.WriteLabel("L"); err != nil {
		t.Fatalf("WriteLabel: %v", err)
	}
	e.WriteRet(0)

	code, _, _, err := e.Assemble(0, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if code[0] != x86opcode.OpJMP8 {
		t.Fatalf("expected short jmp opcode 0x%02X, got 0x%02X", x86opcode.OpJMP8, code[0])
	}
	if len(code) != 2+126+1 {
		t.Fatalf("unexpected total length %d", len(code))
	}
}

func TestAbsolutePatchResolvesToLabelOffset(t *testing.T) {
	e := amd64.New()
	e.WriteLabelAddress("L")
	if err := e.WriteLabel("L"); err != nil {
		t.Fatalf("WriteLabel: %v", err)
	}
	e.WriteRet(0)

	code, patches, labels, err := e.Assemble(0, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(patches) != 1 {
		t.Fatalf("expected exactly one patch offset, got %d", len(patches))
	}
	off := patches[0]
	stored := binary.LittleEndian.Uint64(code[off : off+8])
	if int(stored) != labels["L"] {
		t.Fatalf("patched bytes hold offset %d, want %d", stored, labels["L"])
	}

	const base = uint64(0x400000)
	runtimeAddr := base + stored
	if runtimeAddr != base+uint64(labels["L"]) {
		t.Fatalf("base + patched offset does not point at L's ret")
	}
}

func TestCallAbsIsRejected(t *testing.T) {
	e := amd64.New()
	if err := e.WriteCallAbs(0x1000); err == nil {
		t.Fatal("expected WriteCallAbs to return an error")
	}
}

func TestJmpAbsWithBaseUsesRelativeForm(t *testing.T) {
	e := amd64.New()
	if err := e.WriteLabel("start"); err != nil {
		t.Fatalf("WriteLabel: %v", err)
	}
	e.WriteJmpAbs(0x401005)

	code, _, _, err := e.Assemble(0x401000, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if code[0] == x86opcode.OpPush32 {
		t.Fatal("expected a relative jump, not a PIC thunk, when base address is nonzero")
	}
}

func TestJmpAbsWithoutBaseEmitsThunk(t *testing.T) {
	e := amd64.New()
	e.WriteJmpAbs(0x7fffdeadbeef)

	code, _, _, err := e.Assemble(0, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if code[0] != x86opcode.OpPush32 {
		t.Fatalf("expected thunk to start with push imm32 (0x%02X), got 0x%02X", x86opcode.OpPush32, code[0])
	}
	if len(code) != 14 {
		t.Fatalf("expected 14-byte thunk, got %d bytes", len(code))
	}
	low := binary.LittleEndian.Uint32(code[1:5])
	if low != uint32(0x7fffdeadbeef&0xffffffff) {
		t.Fatalf("thunk low half = 0x%x, want 0x%x", low, uint32(0x7fffdeadbeef&0xffffffff))
	}
	high := binary.LittleEndian.Uint32(code[9:13])
	if high != uint32(0x7fffdeadbeef>>32) {
		t.Fatalf("thunk high half = 0x%x, want 0x%x", high, uint32(0x7fffdeadbeef>>32))
	}
	if code[13] != x86opcode.OpRet {
		t.Fatalf("thunk does not end in ret")
	}
}

func TestUndefinedLabelIsRejectedWithoutAutodefine(t *testing.T) {
	e := amd64.New()
	e.WriteJmp("missing")
	if _, _, _, err := e.Assemble(0, false); err == nil {
		t.Fatal("expected an error for an undefined label")
	}
}
