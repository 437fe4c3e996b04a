package dispatch

import (
	"unsafe"

	"github.com/crosshatch-emu/crosshatch/internal/cpustate"
)

// statePointer recovers the address CallStub must hand to emitted code in
// R0: every fixed offset in cpustate.Offsets is relative to this pointer.
func statePointer(s *cpustate.State) uintptr {
	return uintptr(unsafe.Pointer(s))
}
