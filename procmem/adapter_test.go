package procmem_test

import (
	"testing"

	"github.com/cornflower-labs/memtap/procmem"
	"github.com/cornflower-labs/memtap/procmem/fakeadapter"
	"github.com/cornflower-labs/memtap/region"
)

func TestPauseGuardResumesOnRelease(t *testing.T) {
	a := fakeadapter.New([]region.Region{{Addr: 0x1000, Size: 4, Data: make([]byte, 4)}})

	guard, err := procmem.Pause(a)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !a.IsPaused() {
		t.Fatalf("adapter should be paused after Pause()")
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if a.IsPaused() {
		t.Fatalf("adapter should be resumed after Release()")
	}
}

func TestPauseGuardReleaseIdempotent(t *testing.T) {
	a := fakeadapter.New(nil)
	guard, err := procmem.Pause(a)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("second Release should be a no-op, got: %v", err)
	}
}

func TestProtectionHas(t *testing.T) {
	p := procmem.ProtRead | procmem.ProtWrite
	if !p.Has(procmem.ProtRead) {
		t.Errorf("expected ProtRead to be set")
	}
	if p.Has(procmem.ProtExec) {
		t.Errorf("did not expect ProtExec to be set")
	}
	if !p.Has(procmem.ProtRead | procmem.ProtWrite) {
		t.Errorf("expected both ProtRead and ProtWrite to be set")
	}
}
