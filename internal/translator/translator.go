// Package translator implements the block translator driver: given a
// guest RIP, speculatively decode forward, consult the on-disk object
// cache, and otherwise lift to IR, register-allocate, and emit host
// code, publishing the result into both the lookup cache and the object
// cache.
//
// Decoding x86 bytes and lifting each opcode to IR is explicitly out of
// this core's scope: crosshatch depends on a data-driven opcode table
// supplied elsewhere. This package therefore drives the process around
// two abstract interfaces, Decoder and Lifter, instead of assuming any
// particular instruction-set grammar itself.
package translator

import (
	"fmt"

	"github.com/crosshatch-emu/crosshatch/internal/codecache"
	"github.com/crosshatch-emu/crosshatch/internal/hostasm"
	"github.com/crosshatch-emu/crosshatch/internal/ir"
	"github.com/crosshatch-emu/crosshatch/internal/lookupcache"
	"github.com/crosshatch-emu/crosshatch/internal/regalloc"
)

// GuestMemory is shared with internal/codecache: both read guest bytes by
// absolute address, and a single real implementation (backed by
// internal/vma + internal/valloc) serves both.
type GuestMemory = codecache.GuestMemory

// TermKind classifies how a decoded instruction affects control flow,
// driving the table that sets each terminator's BranchHint based on
// opcode class.
type TermKind uint8

const (
	// TermNone marks a plain, fallthrough instruction: decoding continues
	// immediately after it within the same span.
	TermNone TermKind = iota
	// TermJump is a direct, constant-target unconditional jump.
	TermJump
	// TermCondJump is a direct conditional jump; Target is the taken
	// address, the fallthrough (rip+Length) is the not-taken address.
	TermCondJump
	// TermCall is a direct call to a constant target.
	TermCall
	// TermRet leaves via a dynamically computed address (popped from the
	// guest stack); Lifter.LiftTerminator supplies the IR Value.
	TermRet
	// TermIndirect is any other RIP modification computed from data (an
	// indirect jump/call through a register or memory operand).
	TermIndirect
)

// DecodeResult is one decoded guest instruction, as much as the driver
// needs to classify it; everything about its actual semantics is the
// Lifter's business.
type DecodeResult struct {
	Length uint32
	Term   TermKind

	// Target is the constant destination for TermJump/TermCondJump/TermCall.
	Target uint64

	// CondCode is the opaque x86 condition-code selector for TermCondJump,
	// passed through to ir.Builder.CondJumpFromNZCV unexamined.
	CondCode uint8

	// IsIndirectCall marks a TermIndirect that is specifically a call (so
	// the driver still records a CallReturnBlock for the shadow stack)
	// rather than an indirect jump.
	IsIndirectCall bool
}

// Decoder decodes a single instruction at rip from mem.
type Decoder interface {
	Decode(mem GuestMemory, rip uint64) (DecodeResult, error)
}

// Lifter lowers decoded instructions to IR via b, backed by whatever
// data-driven opcode table the caller supplies.
type Lifter interface {
	// LiftBody appends IR for one non-terminator instruction spanning
	// [rip, rip+length).
	LiftBody(b *ir.Builder, mem GuestMemory, rip uint64, length uint32) error

	// LiftTerminator appends IR for a terminator that needs a
	// dynamically computed new-RIP value (TermRet, TermIndirect) and
	// returns that value. Not called for TermJump/TermCondJump/TermCall,
	// whose targets are compile-time constants the driver materializes
	// itself.
	LiftTerminator(b *ir.Builder, mem GuestMemory, rip uint64, dr DecodeResult) (ir.Value, error)
}

// CodeEmitter lowers register-allocated IR to host machine code. Per-opcode
// AArch64 lowering lives on the other side of this interface, not in this
// package.
type CodeEmitter interface {
	Emit(fn *ir.Function, alloc regalloc.Result) ([]byte, error)
}

// maxSpans bounds how many constant-jump-linked spans the speculative
// decode pass will fold into a single block before forcing an
// ExitFunction, mirroring the fixed ceiling MaxInstructions imposes on
// straight-line length.
const maxSpans = 16

// Driver runs the block translator for one process's worth of guest code.
// It is not safe for concurrent Translate calls against the same Driver
// (internal/codecache is, but internal/lookupcache, Exec and the
// Allocator scratch state are not); a real process serializes translation
// with its own mutex, external to this package.
type Driver struct {
	Decoder         Decoder
	Lifter          Lifter
	Emitter         CodeEmitter
	Objects         *codecache.Cache
	Lookup          *lookupcache.Cache
	RegInfo         *regalloc.RegisterInfo
	Exec            *hostasm.ExecBuffer
	MaxInstructions int

	alloc *regalloc.Allocator
}

// NewDriver wires a translator driver. MaxInstructions <= 0 defaults to
// 4096.
func NewDriver(decoder Decoder, lifter Lifter, emitter CodeEmitter, objects *codecache.Cache, lookup *lookupcache.Cache, regInfo *regalloc.RegisterInfo, exec *hostasm.ExecBuffer, maxInstructions int) *Driver {
	if maxInstructions <= 0 {
		maxInstructions = 4096
	}
	return &Driver{
		Decoder: decoder, Lifter: lifter, Emitter: emitter,
		Objects: objects, Lookup: lookup, RegInfo: regInfo, Exec: exec,
		MaxInstructions: maxInstructions,
		alloc:           regalloc.NewAllocator(regInfo),
	}
}

// Translate runs the full discover/lookup/lift/emit sequence for guestRIP,
// publishing the result into both caches and returning its host entry
// address.
func (d *Driver) Translate(mem GuestMemory, guestRIP uint64) (uintptr, error) {
	spans, err := d.discover(mem, guestRIP)
	if err != nil {
		return 0, fmt.Errorf("translator: discovering block at %#x: %w", guestRIP, err)
	}

	var hostCode []byte
	entry, found, err := d.Objects.Find(guestRIP, guestRIP, mem)
	if err != nil {
		return 0, fmt.Errorf("translator: consulting object cache for %#x: %w", guestRIP, err)
	}
	if found {
		hostCode = entry.Payload
	} else {
		hostCode, err = d.buildAndEmit(mem, guestRIP, spans)
		if err != nil {
			return 0, fmt.Errorf("translator: building block at %#x: %w", guestRIP, err)
		}
		_, err = d.Objects.Insert(guestRIP, guestRIP, func(e *codecache.Entry) {
			e.Ranges = toCacheRanges(spans)
			e.Payload = hostCode
		}, mem)
		if err != nil {
			return 0, fmt.Errorf("translator: persisting block at %#x: %w", guestRIP, err)
		}
	}

	hostEntry, err := d.Exec.Append(hostCode)
	if err != nil {
		return 0, fmt.Errorf("translator: appending block at %#x to exec memory: %w", guestRIP, err)
	}
	d.Lookup.Insert(guestRIP, uint64(hostEntry))
	return hostEntry, nil
}

// span is one contiguous run of guest bytes decoded as part of the block,
// plus the terminator that ended it.
type span struct {
	start  uint64
	length uint32
	dr     DecodeResult
}

// discover runs the speculative forward decode from guestRIP, following a
// direct unconditional jump with a constant target into a new span instead
// of terminating, so a single translated block may cover non-contiguous
// spans of guest code.
func (d *Driver) discover(mem GuestMemory, guestRIP uint64) ([]span, error) {
	var spans []span
	cur := guestRIP
	spanStart := guestRIP
	var spanLen uint32
	instrCount := 0

	for {
		dr, err := d.Decoder.Decode(mem, cur)
		if err != nil {
			return nil, err
		}
		instrCount++
		spanLen += dr.Length
		cur += uint64(dr.Length)

		if dr.Term == TermJump && len(spans)+1 < maxSpans && instrCount < d.MaxInstructions {
			spans = append(spans, span{start: spanStart, length: spanLen, dr: dr})
			spanStart = dr.Target
			cur = dr.Target
			spanLen = 0
			continue
		}

		if dr.Term != TermNone || instrCount >= d.MaxInstructions {
			spans = append(spans, span{start: spanStart, length: spanLen, dr: dr})
			return spans, nil
		}
	}
}

func toCacheRanges(spans []span) []codecache.Range {
	ranges := make([]codecache.Range, len(spans))
	base := spans[0].start
	for i, s := range spans {
		ranges[i] = codecache.Range{Start: uint32(s.start - base), Length: s.length}
	}
	return ranges
}

// buildAndEmit implements steps 4-5: lift every span's body to IR (gluing
// jump-followed spans together with a real intra-function OpJump),
// terminate the final span per its DecodeResult, register-allocate, and
// emit host code.
func (d *Driver) buildAndEmit(mem GuestMemory, guestRIP uint64, spans []span) ([]byte, error) {
	fn := ir.NewFunction()
	blocks := make([]*ir.BasicBlock, len(spans))
	for i := range spans {
		blocks[i] = fn.CreateBlock()
	}
	blocks[0].MarkEntry()

	for i, s := range spans {
		b := ir.NewBuilder(fn, blocks[i])
		if err := d.liftSpanBody(b, mem, s); err != nil {
			return nil, err
		}
		last := i == len(spans)-1
		if !last {
			// This span ended in the direct jump discover() followed;
			// glue it straight to the next span's block.
			b.Jump(blocks[i+1])
			continue
		}
		termRIP := s.start + uint64(s.length-s.dr.Length)
		if err := d.liftTerminator(b, fn, mem, termRIP, s.dr); err != nil {
			return nil, err
		}
	}

	result, err := d.alloc.Allocate(fn, true)
	if err != nil {
		return nil, fmt.Errorf("allocating registers: %w", err)
	}
	code, err := d.Emitter.Emit(fn, result)
	if err != nil {
		return nil, fmt.Errorf("emitting host code: %w", err)
	}
	return code, nil
}

// liftSpanBody re-decodes s from its start, lifting every instruction
// except the final one (the terminator, already classified in s.dr and
// lifted separately by liftTerminator).
func (d *Driver) liftSpanBody(b *ir.Builder, mem GuestMemory, s span) error {
	bodyLen := s.length - s.dr.Length
	rip := s.start
	var consumed uint32
	for consumed < bodyLen {
		dr, err := d.Decoder.Decode(mem, rip)
		if err != nil {
			return err
		}
		if err := d.Lifter.LiftBody(b, mem, rip, dr.Length); err != nil {
			return fmt.Errorf("lifting instruction at %#x: %w", rip, err)
		}
		rip += uint64(dr.Length)
		consumed += dr.Length
	}
	return nil
}

func (d *Driver) liftTerminator(b *ir.Builder, fn *ir.Function, mem GuestMemory, rip uint64, dr DecodeResult) error {
	switch dr.Term {
	case TermJump:
		target := b.Const(ir.TypeI64, int64(dr.Target))
		b.ExitFunction(target, ir.ExitHintJump, nil, 0, false)

	case TermCondJump:
		takenBlk := fn.CreateBlock()
		notTakenBlk := fn.CreateBlock()
		{
			tb := ir.NewBuilder(fn, takenBlk)
			target := tb.Const(ir.TypeI64, int64(dr.Target))
			tb.ExitFunction(target, ir.ExitHintJump, nil, 0, false)
		}
		{
			ntb := ir.NewBuilder(fn, notTakenBlk)
			// The not-taken address is rip+length; LiftTerminator still
			// gets a chance to emit flag-dependent IR before exiting.
			fallthroughVal, err := d.Lifter.LiftTerminator(ntb, mem, rip, dr)
			if err != nil {
				return err
			}
			ntb.ExitFunction(fallthroughVal, ir.ExitHintJump, nil, 0, false)
		}
		b.CondJumpFromNZCV(dr.CondCode, takenBlk, notTakenBlk)

	case TermCall:
		target := b.Const(ir.TypeI64, int64(dr.Target))
		crb := fn.CreateBlock() // empty marker: the real return-site block is translated separately
		b.ExitFunction(target, ir.ExitHintCall, crb, rip+uint64(dr.Length), true)

	case TermRet:
		newRIP, err := d.Lifter.LiftTerminator(b, mem, rip, dr)
		if err != nil {
			return err
		}
		b.ExitFunction(newRIP, ir.ExitHintReturn, nil, 0, false)

	case TermIndirect:
		newRIP, err := d.Lifter.LiftTerminator(b, mem, rip, dr)
		if err != nil {
			return err
		}
		hint := ir.ExitHintJump
		var crb *ir.BasicBlock
		var cra uint64
		var hasCRA bool
		if dr.IsIndirectCall {
			hint = ir.ExitHintCall
			crb = fn.CreateBlock()
			cra = rip + uint64(dr.Length)
			hasCRA = true
		}
		b.ExitFunction(newRIP, hint, crb, cra, hasCRA)

	default:
		return fmt.Errorf("translator: span ended on TermNone, not a terminator")
	}
	return nil
}
