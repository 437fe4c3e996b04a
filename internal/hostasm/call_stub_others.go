//go:build !arm64

package hostasm

import "runtime"

func callStub(target *byte, cpuStatePtr uintptr) {
	panic("hostasm: unsupported GOARCH " + runtime.GOARCH)
}

// CallStub invokes the machine code at target, passing cpuStatePtr (a
// pointer to internal/cpustate.State) as its single argument in the
// register the generated code expects it in.
func CallStub(target []byte, cpuStatePtr uintptr) {
	callStub(&target[0], cpuStatePtr)
}
