//go:build arm64

package hostasm

// callStub is implemented in call_stub_arm64.s: it is the single point
// where Go calls into a raw machine-code pointer (the dispatcher
// trampoline, or a freshly translated guest block) with the guest CPU
// state pointer as its sole argument. The asm stub lives directly in this
// package, beside this arm64-only file, so no linkname indirection is needed to
// cross the Go-to-JIT-code boundary.
func callStub(target *byte, cpuStatePtr uintptr)

// CallStub invokes the machine code at target, passing cpuStatePtr (a
// pointer to internal/cpustate.State) as its single argument in the
// register the generated code expects it in.
func CallStub(target []byte, cpuStatePtr uintptr) {
	callStub(&target[0], cpuStatePtr)
}
