package syscall

import "unsafe"

// guestPointer converts a guest virtual address into a dereferenceable
// host pointer. Valid because crosshatch's guest address space is 1:1
// with the host process's own (the identity internal/valloc's Mmap
// relies on): a guest VA is always, already, a real host address.
func guestPointer(addr uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(uintptr(addr)))
}
