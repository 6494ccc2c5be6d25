//go:build linux

package linux

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// encodeRegs flattens a unix.PtraceRegs into the opaque byte payload
// procmem.ThreadRegisters carries; the core never interprets it.
func encodeRegs(regs *unix.PtraceRegs) []byte {
	size := unsafe.Sizeof(*regs)
	buf := make([]byte, size)
	copy(buf, unsafe.Slice((*byte)(unsafe.Pointer(regs)), size))
	return buf
}

// decodeRegs reverses encodeRegs, rejecting a payload of the wrong length
// rather than reading out of bounds.
func decodeRegs(data []byte) (*unix.PtraceRegs, error) {
	var regs unix.PtraceRegs
	size := unsafe.Sizeof(regs)
	if uintptr(len(data)) != size {
		return nil, fmt.Errorf("register payload is %d bytes, want %d", len(data), size)
	}
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&regs)), size), data)
	return &regs, nil
}
