package dispatch

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/crosshatch-emu/crosshatch/internal/hostasm"
)

// maxVeneerBytes bounds the veneer pad PatchBranch writes into: enough for a worst-case MOVImm64 (four MOVZ/MOVK) plus a
// BR, the indirect fallback PatchBranch uses once a branch target falls
// outside a direct B's +/-128MiB reach.
const maxVeneerBytes = 20

// directBranchRangeBytes is the signed byte range a 26-bit word-aligned
// immediate can encode (+/-2^27 bytes), per encodeUnconditionalBranch.
const directBranchRangeBytes = 1 << 27

// PatchBranch rewrites the 4-byte placeholder at stubAddr (originally `bl
// JumpThunk`, the shared exit-linking stub) to branch straight at
// target: a direct `b` when in range, otherwise a `b` to a veneer built in
// the reserved pad that loads the full 64-bit target into a scratch
// register and branches to it. Used both for the first-call link and to
// restore the template on invalidation (passing JumpThunk's own address as
// target re-arms the stub).
func PatchBranch(stubAddr, veneerAddr uintptr, veneerCap int, target uintptr) error {
	disp := int64(target) - int64(stubAddr)
	if disp > -directBranchRangeBytes && disp < directBranchRangeBytes && disp%4 == 0 {
		patchWord(stubAddr, hostasm.EncodeB(disp))
		return nil
	}

	if veneerCap < maxVeneerBytes {
		return fmt.Errorf("dispatch: veneer pad too small for out-of-range target (have %d, need %d)", veneerCap, maxVeneerBytes)
	}
	const scratch = 16 // x16, IP0: corruptible by any AArch64 callee per the AAPCS64
	e := hostasm.NewEmitter()
	e.MOVImm64(scratch, uint64(target))
	e.BR(scratch)
	code := e.Bytes()
	veneerMem := unsafe.Slice((*byte)(unsafe.Pointer(veneerAddr)), len(code))
	copy(veneerMem, code)

	veneerDisp := int64(veneerAddr) - int64(stubAddr)
	if veneerDisp <= -directBranchRangeBytes || veneerDisp >= directBranchRangeBytes || veneerDisp%4 != 0 {
		return fmt.Errorf("dispatch: veneer pad out of branch range of its own stub")
	}
	patchWord(stubAddr, hostasm.EncodeB(veneerDisp))
	return nil
}

func patchWord(addr uintptr, word uint32) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4)
	binary.LittleEndian.PutUint32(mem, word)
}

// ExitLinker owns the first-call-patches-itself behavior: JumpThunk (the
// shared landing point every freshly-emitted exit stub's placeholder `bl`
// targets) resolves the guest target RIP through compile, then rewrites
// the calling stub in place so every subsequent hit of that exit branches
// directly.
type ExitLinker struct {
	compile CompileFunc
	cache   lookupInserter
}

// lookupInserter is the subset of *lookupcache.Cache the linker needs;
// kept as an interface so tests can substitute a spy.
type lookupInserter interface {
	Insert(rip, host uint64)
	Find(rip uint64) (uint64, bool)
}

// NewExitLinker builds a linker that resolves misses through compile and
// publishes every resolution into cache.
func NewExitLinker(compile CompileFunc, cache lookupInserter) *ExitLinker {
	return &ExitLinker{compile: compile, cache: cache}
}

// Resolve is JumpThunk's Go-level body: find-or-compile targetRIP, patch
// the calling stub to branch straight there, and return the resolved host
// address so the immediate call can also complete.
func (l *ExitLinker) Resolve(stubAddr, veneerAddr uintptr, veneerCap int, targetRIP uint64) (uintptr, error) {
	if host, ok := l.cache.Find(targetRIP); ok {
		if err := PatchBranch(stubAddr, veneerAddr, veneerCap, uintptr(host)); err != nil {
			return 0, err
		}
		return uintptr(host), nil
	}

	host, err := l.compile(targetRIP)
	if err != nil {
		return 0, fmt.Errorf("dispatch: compiling exit target %#x: %w", targetRIP, err)
	}
	l.cache.Insert(targetRIP, uint64(host))
	if err := PatchBranch(stubAddr, veneerAddr, veneerCap, host); err != nil {
		return 0, err
	}
	return host, nil
}
