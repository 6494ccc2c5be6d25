package amd64

import (
	"encoding/binary"
	"math"

	"github.com/cornflower-labs/memtap/internal/x86opcode"
	"github.com/cornflower-labs/memtap/internal/xerrors"
)

// thunkSize is the fixed length of the position-independent absolute jump
// thunk: push imm32 (5) + mov dword ptr [rsp+4], imm32 (8) + ret (1).
const thunkSize = 14

// WriteJmp emits an unconditional jump to label, deferred until Assemble
// picks between the short and near encodings.
func (e *Encoder) WriteJmp(label string) {
	e.stream = append(e.stream, streamItem{
		kind: itemJump, name: label,
		hasShortForm: true, op8: x86opcode.OpJMP8, opNear: []byte{x86opcode.OpJMP32},
	})
}

// WriteCall emits a call to label. Calls have no short encoding in the
// x86-64 ISA, so this is always resolved to the near (5-byte) form.
func (e *Encoder) WriteCall(label string) {
	e.stream = append(e.stream, streamItem{
		kind: itemJump, name: label, isCall: true,
		hasShortForm: false, opNear: []byte{x86opcode.OpCALL32},
	})
}

// WriteJcc emits a conditional jump to label under the given condition.
func (e *Encoder) WriteJcc(cond x86opcode.Condition, label string) {
	e.stream = append(e.stream, streamItem{
		kind: itemJump, name: label,
		hasShortForm: true,
		op8:          x86opcode.OpJ8Base | byte(cond&0xF),
		opNear:       []byte{x86opcode.OpTwoByte, x86opcode.OpJNear0F | byte(cond&0xF)},
	})
}

// WriteJmpAbs emits a jump to an absolute address. Resolved at Assemble
// time: with a nonzero base-address hint it becomes a normal relative
// jump; with none, it becomes a position-independent thunk.
func (e *Encoder) WriteJmpAbs(target uint64) {
	e.stream = append(e.stream, streamItem{
		kind: itemJump, isAbsolute: true, absTarget: target,
		hasShortForm: true, op8: x86opcode.OpJMP8, opNear: []byte{x86opcode.OpJMP32},
	})
}

// WriteCallAbs always fails: absolute calls have no position-independent
// thunk form in this encoder (the thunk relies on ret to transfer control,
// which a call cannot use without leaking a return address).
func (e *Encoder) WriteCallAbs(uint64) error {
	return xerrors.NewEncode("absolute calls are not supported")
}

func (e *Encoder) assembleLayout(baseAddress uint64, autodefineLabels bool) ([]streamItem, map[string]int, []int, error) {
	items := make([]streamItem, len(e.stream))
	copy(items, e.stream)

	for i := range items {
		if items[i].kind != itemJump {
			continue
		}
		if items[i].isAbsolute && baseAddress == 0 {
			items[i].isThunk = true
			items[i].size = thunkSize
			continue
		}
		if items[i].hasShortForm {
			items[i].size = 2
		} else {
			items[i].size = len(items[i].opNear) + 4
		}
	}

	offsets := make([]int, len(items))
	labelOffsets := map[string]int{}

	// Branch relaxation, growth-only: every jump starts at its smallest
	// possible encoding and is only ever widened, never narrowed. Widening
	// a jump can only lengthen the distances other jumps measure across
	// it, never shorten them, so a jump that has already grown to its near
	// form never needs to shrink back; the loop is monotonic and
	// terminates in at most len(items) passes.
	for {
		pos := 0
		for i := range items {
			offsets[i] = pos
			switch items[i].kind {
			case itemData:
				pos += len(items[i].data)
			case itemLabelAddress:
				pos += 8
			case itemJump:
				pos += items[i].size
			}
		}
		for i := range items {
			if items[i].kind == itemLabel {
				labelOffsets[items[i].name] = offsets[i]
			}
		}

		changed := false
		for i := range items {
			it := &items[i]
			if it.kind != itemJump || it.isThunk || it.size != 2 {
				continue
			}
			var targetOffset int
			if it.isAbsolute {
				targetOffset = int(int64(it.absTarget) - int64(baseAddress))
			} else {
				off, ok := labelOffsets[it.name]
				if !ok {
					if autodefineLabels {
						continue
					}
					return nil, nil, nil, xerrors.NewInvalidArgument("undefined label %q", it.name)
				}
				targetOffset = off
			}

			shortDisp := int64(targetOffset) - int64(offsets[i]+2)
			if shortDisp >= -128 && shortDisp <= 127 {
				continue
			}
			it.size = len(it.opNear) + 4
			changed = true
		}
		if !changed {
			break
		}
	}

	// Final pass: every jump now has its final size; verify the near-form
	// jumps (including any that grew above) fit a 32-bit displacement.
	for i := range items {
		it := &items[i]
		if it.kind != itemJump || it.isThunk || it.size == 2 {
			continue
		}
		var targetOffset int
		if it.isAbsolute {
			targetOffset = int(int64(it.absTarget) - int64(baseAddress))
		} else {
			off, ok := labelOffsets[it.name]
			if !ok {
				if autodefineLabels {
					continue
				}
				return nil, nil, nil, xerrors.NewInvalidArgument("undefined label %q", it.name)
			}
			targetOffset = off
		}
		nearDisp := int64(targetOffset) - int64(offsets[i]+it.size)
		if nearDisp < math.MinInt32 || nearDisp > math.MaxInt32 {
			return nil, nil, nil, xerrors.NewEncode("jump target out of 32-bit relative range")
		}
	}

	return items, labelOffsets, offsets, nil
}

// Assemble resolves every label reference and deferred jump/call, and
// returns the finished machine code, the byte offsets requiring
// load-time base relocation (from WriteLabelAddress), and a map of label
// name to final byte offset.
func (e *Encoder) Assemble(baseAddress uint64, autodefineLabels bool) (code []byte, patchOffsets []int, labelOffsets map[string]int, err error) {
	items, labelOffsets, offsets, err := e.assembleLayout(baseAddress, autodefineLabels)
	if err != nil {
		return nil, nil, nil, err
	}

	var out []byte
	for i, it := range items {
		switch it.kind {
		case itemData:
			out = append(out, it.data...)
		case itemLabel:
			// contributes no bytes
		case itemLabelAddress:
			patchOffsets = append(patchOffsets, offsets[i])
			off, ok := labelOffsets[it.name]
			if !ok {
				if autodefineLabels {
					out = append(out, make([]byte, 8)...)
					continue
				}
				return nil, nil, nil, xerrors.NewInvalidArgument("undefined label %q", it.name)
			}
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(off))
			out = append(out, b[:]...)
		case itemJump:
			bytes, err := encodeJumpItem(it, offsets[i], baseAddress, labelOffsets)
			if err != nil {
				return nil, nil, nil, err
			}
			out = append(out, bytes...)
		}
	}
	return out, patchOffsets, labelOffsets, nil
}

func encodeJumpItem(it streamItem, selfOffset int, baseAddress uint64, labelOffsets map[string]int) ([]byte, error) {
	if it.isThunk {
		return generatePICThunk(it.absTarget), nil
	}

	var targetOffset int64
	if it.isAbsolute {
		targetOffset = int64(it.absTarget) - int64(baseAddress)
	} else {
		targetOffset = int64(labelOffsets[it.name])
	}

	if it.size == 2 {
		disp := targetOffset - int64(selfOffset+2)
		return []byte{it.op8, byte(int8(disp))}, nil
	}
	disp := targetOffset - int64(selfOffset+len(it.opNear)+4)
	var dispBytes [4]byte
	binary.LittleEndian.PutUint32(dispBytes[:], uint32(int32(disp)))
	near := append([]byte(nil), it.opNear...)
	near = append(near, dispBytes[:]...)
	return near, nil
}

func generatePICThunk(target uint64) []byte {
	low := uint32(target)
	high := uint32(target >> 32)

	var out []byte
	out = append(out, x86opcode.OpPush32)
	var lowBytes [4]byte
	binary.LittleEndian.PutUint32(lowBytes[:], low)
	out = append(out, lowBytes[:]...)

	// mov dword ptr [rsp+4], high32
	out = append(out, x86opcode.OpMovMemImm, 0x44, 0x24, 0x04)
	var highBytes [4]byte
	binary.LittleEndian.PutUint32(highBytes[:], high)
	out = append(out, highBytes[:]...)

	out = append(out, x86opcode.OpRet)
	return out
}
