package hostasm

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ExecBuffer is a single RWX mapping holding freshly emitted machine code.
// Unlike internal/codecache's file-backed mappings, this memory is never
// persisted; it exists only for the lifetime of the process and is rebuilt
// from the cached Payload bytes (or recompiled) on every restart, since a
// host code address baked into a cache file from a previous run is
// meaningless once ASLR and the allocator pick new addresses.
//
// crosshatch keeps pages simultaneously writable and executable rather
// than toggling W^X with mprotect around every patch: exit-linking
// stubs (internal/dispatch) patch already-running code in place, and a
// strict W^X split would need a matching unprotect/reprotect bracket
// around every one of those patches.
type ExecBuffer struct {
	mu   sync.Mutex
	mem  []byte
	used int
}

// AllocExecutable reserves size bytes (rounded up to a page) of anonymous
// RWX memory, per internal/valloc's realMmap pattern but through the
// non-fixed unix.Mmap wrapper since the caller never dictates the address.
func AllocExecutable(size int) (*ExecBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("hostasm: AllocExecutable size must be positive, got %d", size)
	}
	rounded := alignUp(size, pageSize)
	mem, err := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostasm: mmap executable region: %w", err)
	}
	return &ExecBuffer{mem: mem}, nil
}

const pageSize = 4096

func alignUp(n, align int) int { return (n + align - 1) &^ (align - 1) }

// Append copies code onto the end of the buffer and returns the address
// where it now lives. Callers must not retain the returned slice past a
// subsequent Append that could reallocate — it never does, since the
// buffer never grows past its initial mmap; Append returns an error
// instead once it fills.
func (b *ExecBuffer) Append(code []byte) (addr uintptr, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+len(code) > len(b.mem) {
		return 0, fmt.Errorf("hostasm: exec buffer full (%d used, %d requested, %d capacity)", b.used, len(code), len(b.mem))
	}
	dst := b.mem[b.used : b.used+len(code)]
	copy(dst, code)
	addr = uintptr(unsafe.Pointer(&dst[0]))
	b.used += len(code)
	return addr, nil
}

// Bytes returns the live code slice starting at addr, for CallStub. addr
// must have come from a prior Append on this buffer.
func (b *ExecBuffer) Bytes(addr uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}

// Free releases the mapping. Any code addresses returned by Append become
// invalid; invalidation paths (internal/lookupcache.Invalidate,
// internal/codecache eviction) must run first.
func (b *ExecBuffer) Free() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mem == nil {
		return nil
	}
	err := unix.Munmap(b.mem)
	b.mem = nil
	return err
}

// FuncFromAddr builds the minimal non-nil []byte CallStub needs to invoke
// code living at addr when only the entry address is known (the common
// case for a cache hit, where internal/lookupcache only ever stored the
// uint64 address, not a length). CallStub only ever reads the slice's
// first element to recover the branch target, so a length of 1 is always
// sufficient and never touches memory past addr.
func FuncFromAddr(addr uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), 1)
}
