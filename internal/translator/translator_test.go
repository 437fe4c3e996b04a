package translator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshatch-emu/crosshatch/internal/codecache"
	"github.com/crosshatch-emu/crosshatch/internal/hostasm"
	"github.com/crosshatch-emu/crosshatch/internal/ir"
	"github.com/crosshatch-emu/crosshatch/internal/lookupcache"
	"github.com/crosshatch-emu/crosshatch/internal/regalloc"
)

// fakeMemory backs GuestMemory for tests; reads always succeed with
// zeroed bytes, since this package never interprets them.
type fakeMemory struct{}

func (fakeMemory) ReadAt(addr uint64, length uint32) ([]byte, error) {
	return make([]byte, length), nil
}

// straightLineDecoder decodes a fixed run of 4-byte NOPs ending in a
// single terminator, the simplest possible instruction stream.
type straightLineDecoder struct {
	bodyCount int
	term      DecodeResult

	remaining int
	started   bool
}

func (d *straightLineDecoder) Decode(mem GuestMemory, rip uint64) (DecodeResult, error) {
	// Every span starts at its own base; bodyCount non-terminator
	// instructions of length 4 precede the terminator.
	if !d.started {
		d.remaining = d.bodyCount
		d.started = true
	}
	if d.remaining > 0 {
		d.remaining--
		return DecodeResult{Length: 4, Term: TermNone}, nil
	}
	d.started = false
	return d.term, nil
}

type fakeLifter struct {
	bodyCalls       int
	terminatorCalls int
	retRIP          uint64
}

func (l *fakeLifter) LiftBody(b *ir.Builder, mem GuestMemory, rip uint64, length uint32) error {
	l.bodyCalls++
	b.Const(ir.TypeI64, int64(rip))
	return nil
}

func (l *fakeLifter) LiftTerminator(b *ir.Builder, mem GuestMemory, rip uint64, dr DecodeResult) (ir.Value, error) {
	l.terminatorCalls++
	return b.Const(ir.TypeI64, int64(l.retRIP)), nil
}

type fakeEmitter struct {
	calls int
}

func (e *fakeEmitter) Emit(fn *ir.Function, alloc regalloc.Result) ([]byte, error) {
	e.calls++
	if len(fn.Blocks()) == 0 {
		return nil, errors.New("fakeEmitter: empty function")
	}
	return []byte{0xC0, 0xDE, byte(e.calls)}, nil
}

func newTestRegInfo() *regalloc.RegisterInfo {
	info := &regalloc.RegisterInfo{NumSpillSlotBytes: 8}
	info.AllocatableRegisters[ir.RegClassGPR] = []regalloc.RealReg{1, 2, 3, 4}
	return info
}

func newTestDriver(t *testing.T, decoder Decoder, lifter Lifter, emitter CodeEmitter) *Driver {
	t.Helper()
	objects, err := codecache.Open(t.TempDir(), "obj")
	require.NoError(t, err)
	t.Cleanup(func() { _ = objects.Close() })

	lookup := lookupcache.New(1 << 20)
	exec, err := hostasm.AllocExecutable(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Free() })

	return NewDriver(decoder, lifter, emitter, objects, lookup, newTestRegInfo(), exec, 0)
}

func TestTranslateRetBlockEmitsOnce(t *testing.T) {
	decoder := &straightLineDecoder{bodyCount: 2, term: DecodeResult{Length: 4, Term: TermRet}}
	lifter := &fakeLifter{retRIP: 0xdead}
	emitter := &fakeEmitter{}
	d := newTestDriver(t, decoder, lifter, emitter)

	host, err := d.Translate(fakeMemory{}, 0x1000)
	require.NoError(t, err)
	require.NotZero(t, host)
	require.Equal(t, 1, emitter.calls)
	require.Equal(t, 2, lifter.bodyCalls)
	require.Equal(t, 1, lifter.terminatorCalls)

	// Published into the lookup cache under the original guest RIP.
	gotHost, ok := d.Lookup.Find(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(host), gotHost)
}

func TestTranslateIsIdempotentViaObjectCache(t *testing.T) {
	decoder := &straightLineDecoder{bodyCount: 1, term: DecodeResult{Length: 4, Term: TermRet}}
	lifter := &fakeLifter{retRIP: 0xbeef}
	emitter := &fakeEmitter{}
	d := newTestDriver(t, decoder, lifter, emitter)

	_, err := d.Translate(fakeMemory{}, 0x2000)
	require.NoError(t, err)
	require.Equal(t, 1, emitter.calls)

	// A second Translate of the same guest RIP must hit the object cache
	// rather than lift and emit again, even though it still has to
	// re-discover spans to recompute the object-cache key.
	_, err = d.Translate(fakeMemory{}, 0x2000)
	require.NoError(t, err)
	require.Equal(t, 1, emitter.calls, "object cache hit must skip re-emission")
}

func TestTranslateCondJumpBuildsTwoExitBlocks(t *testing.T) {
	decoder := &straightLineDecoder{
		bodyCount: 0,
		term:      DecodeResult{Length: 4, Term: TermCondJump, Target: 0x9000, CondCode: 1},
	}
	lifter := &fakeLifter{retRIP: 0x1004} // fallthrough address for the not-taken side
	var capturedFn *ir.Function
	emitter := emitFunc(func(fn *ir.Function, alloc regalloc.Result) ([]byte, error) {
		capturedFn = fn
		return []byte{0x01}, nil
	})
	d := newTestDriver(t, decoder, lifter, emitter)

	_, err := d.Translate(fakeMemory{}, 0x1000)
	require.NoError(t, err)
	require.NotNil(t, capturedFn)
	// entry block + taken-exit block + not-taken-exit block.
	require.Len(t, capturedFn.Blocks(), 3)
	require.Equal(t, 1, lifter.terminatorCalls, "only the not-taken side needs a dynamic lift")
}

func TestTranslateCallSynthesizesReturnMarkerBlock(t *testing.T) {
	decoder := &straightLineDecoder{
		bodyCount: 0,
		term:      DecodeResult{Length: 4, Term: TermCall, Target: 0x7000},
	}
	lifter := &fakeLifter{}
	var capturedFn *ir.Function
	emitter := emitFunc(func(fn *ir.Function, alloc regalloc.Result) ([]byte, error) {
		capturedFn = fn
		return []byte{0x02}, nil
	})
	d := newTestDriver(t, decoder, lifter, emitter)

	_, err := d.Translate(fakeMemory{}, 0x3000)
	require.NoError(t, err)
	// entry block + empty call-return marker block.
	require.Len(t, capturedFn.Blocks(), 2)
	require.Equal(t, 0, lifter.terminatorCalls, "a direct call target never touches the Lifter")
}

func TestDiscoverFollowsDirectJumpIntoNewSpan(t *testing.T) {
	// First decode call (at rip 0x1000) is an immediate unconditional jump
	// to 0x5000; the second span (at 0x5000) terminates on Ret.
	calls := 0
	decoder := decodeFunc(func(mem GuestMemory, rip uint64) (DecodeResult, error) {
		calls++
		if calls == 1 {
			require.Equal(t, uint64(0x1000), rip)
			return DecodeResult{Length: 5, Term: TermJump, Target: 0x5000}, nil
		}
		require.Equal(t, uint64(0x5000), rip)
		return DecodeResult{Length: 3, Term: TermRet}, nil
	})
	d := newTestDriver(t, decoder, &fakeLifter{retRIP: 0x5003}, &fakeEmitter{})

	spans, err := d.discover(fakeMemory{}, 0x1000)
	require.NoError(t, err)
	require.Len(t, spans, 2)
	require.Equal(t, uint64(0x1000), spans[0].start)
	require.Equal(t, uint32(5), spans[0].length)
	require.Equal(t, uint64(0x5000), spans[1].start)
	require.Equal(t, uint32(3), spans[1].length)
}

// decodeFunc/emitFunc let individual tests supply a Decoder/CodeEmitter as
// a plain function without a named struct type.
type decodeFunc func(mem GuestMemory, rip uint64) (DecodeResult, error)

func (f decodeFunc) Decode(mem GuestMemory, rip uint64) (DecodeResult, error) { return f(mem, rip) }

type emitFunc func(fn *ir.Function, alloc regalloc.Result) ([]byte, error)

func (f emitFunc) Emit(fn *ir.Function, alloc regalloc.Result) ([]byte, error) { return f(fn, alloc) }
