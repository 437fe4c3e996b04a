package cpustate

import "unsafe"

// StateOffsets documents the byte offset of every State field that
// emitted machine code addresses directly: the compiler (here,
// internal/hostasm via internal/dispatch and internal/translator) cannot
// use Go's field selectors, so the offsets are computed once, asserted
// against reflection in offsets_test.go, and handed to the emitter.
type StateOffsets struct {
	GPR                    uintptr
	RIP                    uintptr
	FSBase                 uintptr
	GSBase                 uintptr
	Flags                  uintptr
	Vec                    uintptr
	X87                    uintptr
	TLSBase                uintptr
	TID                    uintptr
	ClearChildTID          uintptr
	DeferredSignalRefCount uintptr
	InSyscall              uintptr
	DispatcherEntry        uintptr
	CompileBlockEntry      uintptr
}

// Offsets is the process-global, immutable table of State field offsets.
var Offsets = StateOffsets{
	GPR:                    unsafe.Offsetof(State{}.GPR),
	RIP:                    unsafe.Offsetof(State{}.RIP),
	FSBase:                 unsafe.Offsetof(State{}.FSBase),
	GSBase:                 unsafe.Offsetof(State{}.GSBase),
	Flags:                  unsafe.Offsetof(State{}.Flags),
	Vec:                    unsafe.Offsetof(State{}.Vec),
	X87:                    unsafe.Offsetof(State{}.X87),
	TLSBase:                unsafe.Offsetof(State{}.TLSBase),
	TID:                    unsafe.Offsetof(State{}.ThreadManagerFields) + unsafe.Offsetof(ThreadManagerFields{}.TID),
	ClearChildTID:          unsafe.Offsetof(State{}.ThreadManagerFields) + unsafe.Offsetof(ThreadManagerFields{}.ClearChildTID),
	DeferredSignalRefCount: unsafe.Offsetof(State{}.DeferredSignalRefCount),
	InSyscall:              unsafe.Offsetof(State{}.InSyscall),
	DispatcherEntry:        unsafe.Offsetof(State{}.DispatcherEntry),
	CompileBlockEntry:      unsafe.Offsetof(State{}.CompileBlockEntry),
}

// GPROffset returns the byte offset of GPR[i], used by the emitter when
// lowering a reference to a specific guest register.
func GPROffset(i int) uintptr {
	return Offsets.GPR + uintptr(i)*8
}

// FlagOffset returns the byte offset of Flags[f].
func FlagOffset(f Flag) uintptr {
	return Offsets.Flags + uintptr(f)
}
