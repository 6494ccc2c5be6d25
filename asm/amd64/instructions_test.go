package amd64_test

import (
	"testing"

	"github.com/cornflower-labs/memtap/asm/amd64"
	"github.com/cornflower-labs/memtap/internal/x86opcode"
)

func assembleOne(t *testing.T, build func(e *amd64.Encoder) error) []byte {
	t.Helper()
	e := amd64.New()
	if err := build(e); err != nil {
		t.Fatalf("build: %v", err)
	}
	code, _, _, err := e.Assemble(0, false)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return code
}

func TestMovRegToRegNeedsNoRex(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.RAX), amd64.Reg(x86opcode.RBX), x86opcode.DoubleWord)
	})
	// both operands are registers, so this takes the load-direction opcode
	// (reg <- r/m): mov eax, ebx encodes as 0x8B /r with eax as reg and ebx as r/m.
	want := []byte{0x8B, 0xC3}
	if string(code) != string(want) {
		t.Fatalf("got % X, want % X", code, want)
	}
}

func TestMovQuadWordSetsRexW(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.RAX), amd64.Reg(x86opcode.R8), x86opcode.QuadWord)
	})
	if len(code) != 3 {
		t.Fatalf("expected 3 bytes (REX + opcode + modrm), got % X", code)
	}
	if code[0]&0x08 == 0 {
		t.Fatalf("expected REX.W set, got 0x%02X", code[0])
	}
	if code[0]&0x01 == 0 {
		t.Fatalf("expected REX.B set for r8 occupying the r/m slot, got 0x%02X", code[0])
	}
}

func TestSplRequiresEmptyRex(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.SPL), amd64.Reg(x86opcode.RAX), x86opcode.Byte)
	})
	if len(code) != 3 {
		t.Fatalf("expected REX + opcode + modrm for spl, got % X", code)
	}
	if code[0] != x86opcode.OpREXBase {
		t.Fatalf("expected a bare empty REX (0x40), got 0x%02X", code[0])
	}
}

func TestAhHasNoRexWithoutSpl(t *testing.T) {
	// al/ah/etc. at Byte size with no SPL/BPL/SIL/DIL register involved
	// never forces a REX byte. RSP at Byte size is ah: mov al, ah.
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.RAX), amd64.Reg(x86opcode.RSP), x86opcode.Byte)
	})
	if len(code) != 2 {
		t.Fatalf("expected no REX byte, got % X", code)
	}
}

func TestRbpBaseForcesZeroDisplacement(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.RAX), amd64.Mem(x86opcode.RBP, 0), x86opcode.QuadWord)
	})
	// REX.W, opcode, modrm(mod=01,reg=rax,rm=rbp), disp8=0
	if len(code) != 4 {
		t.Fatalf("expected a forced 1-byte zero displacement for rbp, got % X", code)
	}
	if code[len(code)-1] != 0 {
		t.Fatalf("expected trailing displacement byte to be zero, got 0x%02X", code[len(code)-1])
	}
}

func TestRspBaseForcesSib(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.RAX), amd64.Mem(x86opcode.RSP, 8), x86opcode.QuadWord)
	})
	// REX.W, opcode, modrm(rm=4 => SIB follows), sib, disp8
	if len(code) != 5 {
		t.Fatalf("expected SIB byte forced for rsp base, got % X", code)
	}
	modrm := code[2]
	if modrm&0x07 != 0x04 {
		t.Fatalf("expected modrm rm field = 4 (SIB follows), got 0x%02X", modrm)
	}
}

func TestRipRelativeAlwaysUsesDisp32(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.RAX), amd64.Mem(x86opcode.RIP, 0x10), x86opcode.QuadWord)
	})
	if len(code) != 7 {
		t.Fatalf("expected REX + opcode + modrm + 4-byte disp for rip-relative, got % X", code)
	}
}

func TestScaledIndexEncodesSib(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteMov(amd64.Reg(x86opcode.RAX),
			amd64.MemIndexed(x86opcode.RBX, x86opcode.RCX, 4, 0x20), x86opcode.QuadWord)
	})
	if len(code) != 5 {
		t.Fatalf("expected REX + opcode + modrm + sib + disp8, got % X", code)
	}
}

func TestRspAsIndexIsRejected(t *testing.T) {
	e := amd64.New()
	err := e.WriteMov(amd64.Reg(x86opcode.RAX),
		amd64.MemIndexed(x86opcode.RBX, x86opcode.RSP, 1, 0), x86opcode.QuadWord)
	if err == nil {
		t.Fatal("expected an error using RSP as an index register")
	}
}

func TestAluImmPicksSignExtendedByteForm(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteAluImm(x86opcode.Add, amd64.Reg(x86opcode.RAX), 5, x86opcode.QuadWord)
	})
	if code[1] != x86opcode.OpMathImm8 {
		t.Fatalf("expected imm8 math opcode 0x%02X, got 0x%02X", x86opcode.OpMathImm8, code[1])
	}
}

func TestAluImmPicksImm32FormWhenOutOfByteRange(t *testing.T) {
	code := assembleOne(t, func(e *amd64.Encoder) error {
		return e.WriteAluImm(x86opcode.Add, amd64.Reg(x86opcode.RAX), 1000, x86opcode.QuadWord)
	})
	if code[1] != x86opcode.OpMathImm32 {
		t.Fatalf("expected imm32 math opcode 0x%02X, got 0x%02X", x86opcode.OpMathImm32, code[1])
	}
}
