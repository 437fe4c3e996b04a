package hostasm

import "encoding/binary"

// Label identifies a not-yet-resolved branch target within an Emitter's
// buffer, resolved once the final machine code layout is known so
// cross-block branches can be patched in a single deferred pass.
type Label int

// Emitter accumulates AArch64 machine code into a byte buffer, resolving
// intra-buffer branches (Label-based) once every instruction has been
// emitted. internal/dispatch's PatchBranch uses one to build its
// out-of-range branch veneer; translated guest blocks come in through
// internal/translator's CodeEmitter interface instead.
type Emitter struct {
	buf    []byte
	labels []int // byte offset each Label resolves to, -1 if unbound
	fixups []fixup
}

type fixup struct {
	offset int  // byte offset of the 4-byte instruction to patch
	label  Label
	kind   fixupKind
}

type fixupKind uint8

const (
	fixupB fixupKind = iota
	fixupBCond
	fixupCBZCBNZ
)

// NewEmitter returns an empty Emitter.
func NewEmitter() *Emitter { return &Emitter{} }

// Len returns the number of bytes emitted so far.
func (e *Emitter) Len() int { return len(e.buf) }

// Bytes returns the accumulated machine code. Link must be called first if
// any Label was used.
func (e *Emitter) Bytes() []byte { return e.buf }

func (e *Emitter) emit4(word uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	e.buf = append(e.buf, b[:]...)
}

// NewLabel allocates a fresh, unbound Label.
func (e *Emitter) NewLabel() Label {
	e.labels = append(e.labels, -1)
	return Label(len(e.labels) - 1)
}

// Bind marks the current buffer position as where l resolves to. Must be
// called exactly once per Label before Link.
func (e *Emitter) Bind(l Label) {
	e.labels[l] = len(e.buf)
}

// MOVZ/MOVN/MOVK/ALU/RET/BR/BLR/LDR/STR/NOP append the corresponding
// fixed-width instruction directly; none of these reference a Label.

func (e *Emitter) MOVZ(rd uint8, imm16 uint16, shift16 uint32, is64 bool) {
	e.emit4(EncodeMOVZ(rd, imm16, shift16, is64))
}

func (e *Emitter) MOVN(rd uint8, imm16 uint16, shift16 uint32, is64 bool) {
	e.emit4(EncodeMOVN(rd, imm16, shift16, is64))
}

func (e *Emitter) MOVK(rd uint8, imm16 uint16, shift16 uint32, is64 bool) {
	e.emit4(EncodeMOVK(rd, imm16, shift16, is64))
}

// MOVImm64 emits up to four MOVZ/MOVK instructions loading a full 64-bit
// immediate into rd, decomposed one 16-bit chunk at a time: one MOVZ for
// the first nonzero chunk, MOVK for the rest.
func (e *Emitter) MOVImm64(rd uint8, imm uint64) {
	if imm == 0 {
		e.MOVZ(rd, 0, 0, true)
		return
	}
	first := true
	for shift := uint32(0); shift < 4; shift++ {
		chunk := uint16(imm >> (shift * 16))
		if chunk == 0 {
			continue
		}
		if first {
			e.MOVZ(rd, chunk, shift, true)
			first = false
		} else {
			e.MOVK(rd, chunk, shift, true)
		}
	}
}

func (e *Emitter) ALU(op AluOp, rd, rn, rm uint8, is64 bool) {
	e.emit4(EncodeALURRR(op, rd, rn, rm, is64))
}

func (e *Emitter) AddSubImm(sub bool, rd, rn uint8, imm12 uint16, is64 bool) {
	e.emit4(EncodeAddSubtractImmediate(sub, rd, rn, imm12, is64))
}

func (e *Emitter) RET() { e.emit4(EncodeRET()) }
func (e *Emitter) BR(rn uint8) { e.emit4(EncodeBR(rn)) }
func (e *Emitter) BLR(rn uint8) { e.emit4(EncodeBLR(rn)) }
func (e *Emitter) NOP() { e.emit4(EncodeNOP()) }

func (e *Emitter) LDR(size LoadStoreSize, rt, rn uint8, immOffset uint16) {
	e.emit4(EncodeLDR(size, rt, rn, immOffset))
}

func (e *Emitter) STR(size LoadStoreSize, rt, rn uint8, immOffset uint16) {
	e.emit4(EncodeSTR(size, rt, rn, immOffset))
}

// B/BCond/CBZ targeting an unbound Label record a fixup and emit a
// placeholder word, resolved by Link.
func (e *Emitter) B(l Label) {
	e.fixups = append(e.fixups, fixup{offset: len(e.buf), label: l, kind: fixupB})
	e.emit4(0)
}

func (e *Emitter) BCond(c Cond, l Label) {
	e.fixups = append(e.fixups, fixup{offset: len(e.buf), label: l, kind: fixupBCond})
	e.emit4(uint32(c)) // condition stashed in the placeholder, recovered in Link
}

func (e *Emitter) CBZ(rt uint8, is64 bool, l Label) {
	e.fixups = append(e.fixups, fixup{offset: len(e.buf), label: l, kind: fixupCBZCBNZ})
	var reg uint32 = uint32(rt)
	if is64 {
		reg |= 1 << 8
	}
	e.emit4(reg) // rt (and the 64-bit flag) stashed, recovered in Link
}

// Link resolves every Label-targeted branch emitted so far against the
// offsets bound with Bind, patching the placeholder words in place. It
// must be called once, after every Bind.
func (e *Emitter) Link() error {
	for _, fx := range e.fixups {
		target := e.labels[fx.label]
		if target < 0 {
			return errUnboundLabel(fx.label)
		}
		disp := int64(target - fx.offset)
		switch fx.kind {
		case fixupB:
			binary.LittleEndian.PutUint32(e.buf[fx.offset:], EncodeB(disp))
		case fixupBCond:
			placeholder := binary.LittleEndian.Uint32(e.buf[fx.offset:])
			binary.LittleEndian.PutUint32(e.buf[fx.offset:], EncodeBCond(Cond(placeholder), disp))
		case fixupCBZCBNZ:
			placeholder := binary.LittleEndian.Uint32(e.buf[fx.offset:])
			rt := uint8(placeholder & 0xff)
			is64 := placeholder&(1<<8) != 0
			binary.LittleEndian.PutUint32(e.buf[fx.offset:], EncodeCBZ(rt, disp, is64))
		}
	}
	return nil
}

type errUnboundLabel Label

func (e errUnboundLabel) Error() string {
	return "hostasm: label not bound before Link"
}
