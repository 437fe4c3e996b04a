// Package cpustate defines the per-thread guest CPU state struct that the
// dispatcher's emitted machine code reaches into by fixed offset, along with
// the packed-RFLAGS and vector register shapes of the x86/x86-64 guest
// register file.
package cpustate

import "unsafe"

// GPRCount64 is the guest general purpose register count in 64-bit mode.
const GPRCount64 = 16

// GPRCount32 is the guest general purpose register count in 32-bit mode.
const GPRCount32 = 8

// VecRegCount is the number of guest vector registers available when AVX
// (256-bit) is not exposed to the guest; VecRegCountAVX is used otherwise.
const (
	VecRegCount    = 16
	VecRegCountAVX = 32
)

// Flag identifies one decomposed bit of RFLAGS. Each flag is stored as its
// own byte in State so that emitted machine code can set/test a flag with a
// single byte store/load instead of read-modify-write on a packed word.
type Flag uint8

const (
	FlagCF Flag = iota
	FlagPF
	FlagAF
	FlagZF
	FlagSF
	FlagTF
	FlagIF
	FlagDF
	FlagOF
	FlagIOPL // 2 bits, stored as a small integer in its byte
	FlagNT
	FlagRF
	FlagVM
	FlagAC
	FlagVIF
	FlagVIP
	FlagID
	flagCount
)

// eflagsBitForFlag maps a Flag to its bit position in the packed x86 EFLAGS
// word, used when reconstructing EFLAGS for a guest signal ucontext.
var eflagsBitForFlag = [flagCount]uint{
	FlagCF: 0, FlagPF: 2, FlagAF: 4, FlagZF: 6, FlagSF: 7, FlagTF: 8,
	FlagIF: 9, FlagDF: 10, FlagOF: 11, FlagIOPL: 12, FlagNT: 14,
	FlagRF: 16, FlagVM: 17, FlagAC: 18, FlagVIF: 19, FlagVIP: 20, FlagID: 21,
}

// ThreadManagerFields groups the bookkeeping C8 (thread manager) needs
// per-thread, embedded directly in State so the dispatcher can reach them
// without an indirection.
type ThreadManagerFields struct {
	TID             int32
	PID             int32
	ClearChildTID   uint64 // guest VA, or 0
	SetChildTID     uint64 // guest VA, or 0
	RobustListHead  uint64 // guest VA, or 0
	RobustListLen   uint64
}

// State is the per-thread guest CPU state. Field order and types are fixed:
// compiled code addresses every field below by a compile-time byte offset
// computed by Offsets in offsets.go.
type State struct {
	// GPR holds the 16 (64-bit guest) or 8 (32-bit guest, using the low
	// half of each slot) general purpose registers, RAX..R15 order.
	GPR [GPRCount64]uint64

	RIP uint64

	// FSBase, GSBase are the only segment bases the guest may set (via
	// arch_prctl); CS/DS/ES/SS are not modeled as the core never needs
	// them for a flat 64-bit address space.
	FSBase uint64
	GSBase uint64

	// Flags holds one byte per decomposed RFLAGS bit; see Flag.
	Flags [flagCount]uint8

	// Vec holds up to VecRegCountAVX 256-bit vector registers; guests
	// without AVX only address the first VecRegCount of them.
	Vec [VecRegCountAVX][32]byte

	// X87 is the x87 register stack, exposed at the IR boundary as
	// opaque 80-bit values.
	X87        [8][10]byte
	X87Top     uint8
	X87TagWord uint16

	TLSBase uint64

	ThreadManagerFields

	// DeferredSignalRefCount is bumped across every world boundary
	// (internal/dispatch SpillStaticRegs/FillStaticRegs) so a signal
	// arriving mid-spill is deferred instead of reentering JITted code
	// with partial state.
	DeferredSignalRefCount int32

	// InSyscall is a small info word the delegator consults to decide
	// whether a fault/signal arrived while a syscall was in flight.
	InSyscall uint32

	// DispatcherEntry/CompileBlockEntry are filled in once by
	// internal/dispatch at startup; kept here (rather than a separate
	// lookup) because the trampoline needs them reachable from the same
	// base register as everything else above.
	DispatcherEntry   uintptr
	CompileBlockEntry uintptr
}

// SetFlag sets the decomposed byte for f to 1 if v, else 0.
func (s *State) SetFlag(f Flag, v bool) {
	if v {
		s.Flags[f] = 1
	} else {
		s.Flags[f] = 0
	}
}

// Flag returns whether the decomposed bit for f is set.
func (s *State) Flag(f Flag) bool {
	return s.Flags[f] != 0
}

// EFLAGS reconstructs the packed x86 EFLAGS word from the decomposed Flags
// bytes, as required when delivering a guest ucontext to a signal handler.
// FlagIOPL is the one exception to "one flag, one bit": its byte holds the
// 2-bit field directly, so it is folded in separately instead of the
// single-bit test the rest of the loop uses.
func (s *State) EFLAGS() uint32 {
	var v uint32
	for f := Flag(0); f < flagCount; f++ {
		if f == FlagIOPL {
			continue
		}
		if s.Flags[f] != 0 {
			v |= 1 << eflagsBitForFlag[f]
		}
	}
	v |= uint32(s.Flags[FlagIOPL]&3) << eflagsBitForFlag[FlagIOPL]
	// Bit 1 is a reserved, always-one bit in EFLAGS.
	v |= 1 << 1
	return v
}

// SetEFLAGS decomposes a packed EFLAGS word back into Flags, the inverse of
// EFLAGS, used when a guest `popf`/`iret`-equivalent restores flags in bulk.
func (s *State) SetEFLAGS(v uint32) {
	for f := Flag(0); f < flagCount; f++ {
		if f == FlagIOPL {
			continue
		}
		s.Flags[f] = uint8((v >> eflagsBitForFlag[f]) & 1)
	}
	s.Flags[FlagIOPL] = uint8((v >> eflagsBitForFlag[FlagIOPL]) & 3)
}

// sizeofState records State's size, computed once at init; nothing in the
// module compares it against an expected value.
var sizeofState = unsafe.Sizeof(State{})
