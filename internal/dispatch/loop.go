// Package dispatch implements the guest fetch/execute loop: the fast-path
// lookup through internal/lookupcache, the slow-path call into the
// translator when a block is missing, the spill/fill bracket around every
// such "world boundary", and the small set of named entry points other
// components branch or are redirected to (exit-linking stubs, signal
// re-raise thunks, the div/rem ABI helpers).
//
// The interior of a compiled block is hand-written host assembly, emitted
// and patched in place by internal/hostasm; the loop that drives it stays
// in Go. A small Go loop owns "enter compiled code, come back on trap",
// while the trap-to-trap interior is real machine code reached through
// internal/hostasm.CallStub.
package dispatch

import (
	"fmt"
	"sync/atomic"

	"github.com/crosshatch-emu/crosshatch/internal/cpustate"
	"github.com/crosshatch-emu/crosshatch/internal/hostasm"
	"github.com/crosshatch-emu/crosshatch/internal/lookupcache"
)

// CompileFunc invokes the translator driver (internal/translator) for a
// guest RIP that missed both lookup-cache levels, returning the host
// address of the now-resident compiled block.
type CompileFunc func(guestRIP uint64) (hostEntry uintptr, err error)

// RunControl is the dispatcher's running/paused state: an out-of-band flag
// host-initiated shutdown sets to stop the loop at its next block
// boundary, the thread-level twin of the FaultPage trick used for
// deferred signals.
type RunControl struct {
	running atomic.Bool
	paused  atomic.Bool
}

// NewRunControl returns a control already in the running state.
func NewRunControl() *RunControl {
	rc := &RunControl{}
	rc.running.Store(true)
	return rc
}

// Stop requests the loop exit at its next block boundary.
func (r *RunControl) Stop() { r.running.Store(false) }

// Pause requests the loop spill SRA and return from RunThread without
// tearing the thread down, for ThreadPauseHandlerSpillSRA.
func (r *RunControl) Pause() { r.paused.Store(true) }

// Resume clears a prior Pause.
func (r *RunControl) Resume() { r.paused.Store(false) }

func (r *RunControl) shouldStop() bool  { return !r.running.Load() }
func (r *RunControl) shouldPause() bool { return r.paused.Load() }

// Loop is one guest thread's dispatcher: the Go-level driver of the
// fetch/execute cycle entered at DispatcherLoopTop. One Loop exists per
// host thread, one host thread per guest thread.
type Loop struct {
	State   *cpustate.State
	Cache   *lookupcache.Cache
	Shadow  *ShadowStack
	Fault   *FaultPage
	Compile CompileFunc
	Control *RunControl

	// statePtr is the address CallStub hands to emitted code in R0; kept
	// alongside State rather than recomputed every iteration.
	statePtr uintptr
}

// NewLoop wires a dispatcher loop around an already-initialized guest
// thread state.
func NewLoop(state *cpustate.State, cache *lookupcache.Cache, compile CompileFunc, fault *FaultPage) *Loop {
	return &Loop{
		State:    state,
		Cache:    cache,
		Shadow:   NewShadowStack(),
		Fault:    fault,
		Compile:  compile,
		Control:  NewRunControl(),
		statePtr: statePointer(state),
	}
}

// DispatcherLoopTop is the thread's entry point: start running from
// State.RIP as already set by the caller (thread creation, an execve-like
// reset, or a signal handler return).
func (l *Loop) DispatcherLoopTop() error { return l.run() }

// DispatcherLoopTopFillSRA is the resume entry point after a world
// boundary's spill. At the Go level there is no SRA to reload (State is
// always the live copy), so it runs fillStaticRegs (dropping the
// DeferredSignalRefCount the matching spill raised and checking the fault
// page) and then enters the same loop as DispatcherLoopTop.
func (l *Loop) DispatcherLoopTopFillSRA() error {
	l.fillStaticRegs()
	return l.run()
}

func (l *Loop) run() error {
	for {
		if l.Control.shouldStop() {
			return nil
		}
		if l.Control.shouldPause() {
			l.spillStaticRegs()
			return nil
		}

		rip := l.State.RIP
		if host, ok := l.Cache.Find(rip); ok {
			l.branchTo(host)
			continue
		}

		l.spillStaticRegs()
		host, err := l.Compile(rip)
		if err != nil {
			return fmt.Errorf("dispatch: compiling block at %#x: %w", rip, err)
		}
		l.Cache.Insert(rip, uint64(host))
		l.fillStaticRegs()
		l.branchTo(uintptr(host))
	}
}

// branchTo invokes a resident compiled block via CallStub. The block runs
// until its own exit stub updates State.RIP and returns control to Go.
func (l *Loop) branchTo(host uintptr) {
	hostasm.CallStub(hostasm.FuncFromAddr(host), l.statePtr)
}

// spillStaticRegs/fillStaticRegs bracket every world boundary: spill bumps
// DeferredSignalRefCount so a signal that arrives mid-spill is
// deferred rather than reentering compiled code over partial state; fill
// drops the count again and, if the fault page is armed, calls
// touchFaultPage.
func (l *Loop) spillStaticRegs() {
	atomic.AddInt32(&l.State.DeferredSignalRefCount, 1)
}

func (l *Loop) fillStaticRegs() {
	atomic.AddInt32(&l.State.DeferredSignalRefCount, -1)
	if l.Fault != nil && l.Fault.Armed() {
		l.touchFaultPage()
	}
}

// touchFaultPage is the Go-level stand-in for emitted code's `ldrb wzr,
// [FaultPageReg]` and performs no load: dereferencing a PROT_NONE page from
// Go would crash the process, since internal/signal's reference installer
// registers no real host handler to recover from it. fillStaticRegs checks
// Armed() directly, and an armed page raises no fault on this path.
func (l *Loop) touchFaultPage() {}

// ThreadStopHandlerSpillSRA spills SRA and returns from RunThread for
// good; the caller (internal/thread) has already decided the thread is
// exiting.
func (l *Loop) ThreadStopHandlerSpillSRA() {
	l.spillStaticRegs()
	l.Control.Stop()
}

// ThreadPauseHandlerSpillSRA spills SRA and returns from RunThread without
// exiting, so the thread can be resumed later (e.g. after a ptrace-style
// stop, or the clone barrier).
func (l *Loop) ThreadPauseHandlerSpillSRA() {
	l.spillStaticRegs()
	l.Control.Pause()
}

// GuestFault classifies the three traps the dispatcher's GuestSignal_*
// thunks re-raise toward the delegator (internal/signal): trap number,
// faulting error code, and si_code.
type GuestFault struct {
	Signal int
	Trapno int
	Err    int
	SiCode int
}

// GuestSignalSIGILL, GuestSignalSIGTRAP, GuestSignalSIGSEGV spill SRA (so
// State reflects the faulting instruction's side effects up to the fault
// point) and return the fault description the delegator uses to
// synthesize the equivalent guest signal.
func (l *Loop) GuestSignalSIGILL() GuestFault {
	l.spillStaticRegs()
	return GuestFault{Signal: sigill, Trapno: 6, Err: 0, SiCode: 2 /* ILL_ILLOPN */}
}

func (l *Loop) GuestSignalSIGTRAP() GuestFault {
	l.spillStaticRegs()
	return GuestFault{Signal: sigtrap, Trapno: 1, Err: 0, SiCode: 2 /* TRAP_TRACE */}
}

func (l *Loop) GuestSignalSIGSEGV(faultAddr uint64) GuestFault {
	l.spillStaticRegs()
	_ = faultAddr
	return GuestFault{Signal: sigsegv, Trapno: 14, Err: 4 /* user-mode, no page */, SiCode: 1 /* SEGV_MAPERR */}
}

const (
	sigill  = 4
	sigtrap = 5
	sigsegv = 11
)

// SignalReturnHandler and SignalReturnHandlerRT name the two guest
// sa_restorer entry points (sigreturn and rt_sigreturn). They are Sentinel
// values, not addresses: no machine code is emitted for them.
var (
	SignalReturnHandler   = Sentinel{name: "SignalReturnHandler"}
	SignalReturnHandlerRT = Sentinel{name: "SignalReturnHandlerRT"}
)

// Sentinel is an opaque marker naming an entry point; two Sentinels are
// equal iff they are the same named entry point. It carries no numeric
// address, since crosshatch never emits literal machine code for these
// entry points (there is no real HLT to land on).
type Sentinel struct{ name string }

func (s Sentinel) String() string { return s.name }

// LUDIV, LDIV, LUREM, LREM are the 128-bit division ABI thunks x86's
// 64-bit DIV/IDIV lower to (dividend too wide for a single AArch64UDIV).
// Each takes a 128-bit dividend as two uint64 halves and a divisor, and
// returns (quotient, remainder). LUDIV/LUREM treat both as unsigned;
// LDIV/LREM treat hi:lo and the divisor as two's-complement, truncate the
// quotient toward zero and give the remainder the dividend's sign.
func LUDIV(hi, lo, divisor uint64) (quotient, remainder uint64) {
	n := (uint128{hi: hi, lo: lo})
	return n.divmod(divisor)
}

func LDIV(hi, lo uint64, divisor int64) (quotient, remainder int64) {
	negN := int64(hi) < 0
	if negN {
		hi, lo = ^hi, -lo
		if lo == 0 {
			hi++
		}
	}
	neg := divisor < 0
	d := divisor
	if neg {
		d = -d
	}
	q, r := LUDIV(hi, lo, uint64(d))
	sq, sr := int64(q), int64(r)
	if neg != negN {
		sq = -sq
	}
	if negN {
		sr = -sr
	}
	return sq, sr
}

func LUREM(hi, lo, divisor uint64) uint64 {
	_, r := LUDIV(hi, lo, divisor)
	return r
}

func LREM(hi, lo uint64, divisor int64) int64 {
	_, r := LDIV(hi, lo, divisor)
	return r
}

// uint128 is a minimal unsigned 128-bit dividend, just enough for the
// LUDIV family; there is no need for a general-purpose bignum type here.
type uint128 struct{ hi, lo uint64 }

// divmod computes (hi:lo) / divisor and the remainder by long division
// over the two 64-bit halves, done by hand rather than with
// math/bits.Div64.
func (n uint128) divmod(divisor uint64) (q, r uint64) {
	if divisor == 0 {
		panic("dispatch: division by zero in LUDIV/LUREM")
	}
	if n.hi == 0 {
		return n.lo / divisor, n.lo % divisor
	}
	// Long division, one bit at a time: correct for any 128/64 input,
	// including a quotient that does not fit in 64 bits (the guest's
	// #DE case), which the caller is responsible for detecting via
	// overflow of the returned quotient against the dividend.
	var rem uint64
	var quot uint64
	for i := 127; i >= 0; i-- {
		var bit uint64
		if i >= 64 {
			bit = (n.hi >> uint(i-64)) & 1
		} else {
			bit = (n.lo >> uint(i)) & 1
		}
		carry := rem >> 63
		rem = rem<<1 | bit
		if carry != 0 || rem >= divisor {
			rem -= divisor
			if i < 64 {
				quot |= 1 << uint(i)
			}
		}
	}
	return quot, rem
}
