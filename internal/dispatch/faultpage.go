package dispatch

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FaultPage is the interrupt-fault-page trick: a single page the dispatcher
// reads at every world-boundary FillStaticRegs, normally mapped readable,
// that host-initiated shutdown or a deferred signal arms to PROT_NONE so
// the next touch synthesizes a SIGSEGV the signal delegator (internal/signal)
// recognizes and turns into a shutdown or reentrant-signal dispatch instead
// of a guest fault. Mapped at a kernel-chosen address and re-protected
// through the unix.Mmap/unix.Mprotect wrappers.
type FaultPage struct {
	mem   []byte
	armed bool
}

// NewFaultPage mmaps one anonymous, initially-disarmed (readable) page.
func NewFaultPage() (*FaultPage, error) {
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("dispatch: mmap fault page: %w", err)
	}
	return &FaultPage{mem: mem}, nil
}

const pageSize = 4096

// Addr is the address emitted code loads into its FillStaticRegs touch.
func (f *FaultPage) Addr() uintptr {
	return uintptr(unsafe.Pointer(&f.mem[0]))
}

// Arm makes the page PROT_NONE: the next read traps. Called by whatever
// raised the deferred condition (host shutdown request, a signal the
// delegator wants to redeliver once the JIT reaches a safe boundary).
func (f *FaultPage) Arm() error {
	if f.armed {
		return nil
	}
	if err := unix.Mprotect(f.mem, unix.PROT_NONE); err != nil {
		return fmt.Errorf("dispatch: arm fault page: %w", err)
	}
	f.armed = true
	return nil
}

// Disarm restores PROT_READ once the delegator has consumed the condition
// the arm signaled.
func (f *FaultPage) Disarm() error {
	if !f.armed {
		return nil
	}
	if err := unix.Mprotect(f.mem, unix.PROT_READ); err != nil {
		return fmt.Errorf("dispatch: disarm fault page: %w", err)
	}
	f.armed = false
	return nil
}

// Armed reports whether a touch of Addr would currently fault. Tests use
// this instead of actually touching the page, since a real touch while
// armed is a real SIGSEGV with no handler installed in-process.
func (f *FaultPage) Armed() bool { return f.armed }

// Close releases the page.
func (f *FaultPage) Close() error {
	if f.mem == nil {
		return nil
	}
	err := unix.Munmap(f.mem)
	f.mem = nil
	return err
}
