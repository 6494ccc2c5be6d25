package amd64_test

import (
	"strings"
	"testing"

	enc "github.com/cornflower-labs/memtap/asm/amd64"
	dec "github.com/cornflower-labs/memtap/disasm/amd64"
	"github.com/cornflower-labs/memtap/internal/x86opcode"
)

func TestDecodeRoundTripsForwardJump(t *testing.T) {
	e := enc.New()
	e.WriteJmp("L")
	for i := 0; i < 128; i++ {
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

	listing, err := dec.Decode(code, 0x1000)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !strings.Contains(listing, "jmp") {
		t.Fatalf("expected a jmp mnemonic in listing:\n%s", listing)
	}
	if !strings.Contains(listing, "nop") {
		t.Fatalf("expected nop mnemonics in listing:\n%s", listing)
	}
	if !strings.Contains(listing, "ret") {
		t.Fatalf("expected ret mnemonic in listing:\n%s", listing)
	}
	// the jmp's target offset is the ret that follows the 128 nops, so the
	// synthesized label must appear before the ret.
	retIdx := strings.Index(listing, "ret")
	labelIdx := strings.Index(listing, "label0:")
	if labelIdx < 0 || labelIdx > retIdx {
		t.Fatalf("expected label0 to precede ret:\n%s", listing)
	}
}

func TestDecodeMovRegToReg(t *testing.T) {
	e := enc.New()
	if err := e.WriteMov(enc.Reg(x86opcode.RAX), enc.Reg(x86opcode.RBX), x86opcode.QuadWord); err != nil {
		t.Fatalf("WriteMov: %v", err)
	}
	code, _, _, err := e.Assemble(0, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	listing, err := dec.Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !strings.Contains(listing, "mov") || !strings.Contains(listing, "rax") || !strings.Contains(listing, "rbx") {
		t.Fatalf("expected mov rax, rbx in listing, got:\n%s", listing)
	}
}

func TestDecodeShortJump(t *testing.T) {
	e := enc.New()
	e.WriteJmp("L")
	for i := 0; i < 10; i++ {
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
		t.Fatalf("expected short jmp in fixture, got 0x%02X", code[0])
	}
	listing, err := dec.Decode(code, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !strings.Contains(listing, "jmp") {
		t.Fatalf("expected jmp in listing:\n%s", listing)
	}
}
