// Package syscall implements the restricted guest syscall surface this
// core translation subsystem owns directly: memory management
// (mmap/munmap/mprotect/mremap/shm*) and arch_prctl. Everything else —
// file I/O, networking, process control beyond clone — is out of scope
// here and is expected to be handled by a wider syscall table this
// package's Dispatch slots into.
//
// File layout is one file per syscall family (mmap.go, archprctl.go,
// shm.go), each contributing handlers to a guest-syscall-number dispatch
// table.
package syscall

import (
	"fmt"

	"github.com/crosshatch-emu/crosshatch/internal/codecache"
	"github.com/crosshatch-emu/crosshatch/internal/lookupcache"
	"github.com/crosshatch-emu/crosshatch/internal/valloc"
	"github.com/crosshatch-emu/crosshatch/internal/vma"
)

// Errno is the small negative-errno result type every handler in this
// package returns, mirroring the raw x86-64 syscall ABI (a negative
// return value in the [-4095,-1] range is -errno).
type Errno int

const (
	errOK       Errno = 0
	ErrPerm     Errno = -1
	ErrNoEnt    Errno = -2
	ErrInval    Errno = -22
	ErrNoMem    Errno = -12
	ErrExist    Errno = -17
	ErrNoDev    Errno = -19
	ErrOverflow Errno = -75
)

func (e Errno) Error() string { return fmt.Sprintf("syscall: errno %d", int(e)) }

// lookupInvalidator adapts *lookupcache.Cache's Invalidate method to
// vma.Invalidator's InvalidateRange name; the two packages were built
// independently (lookupcache predates the vma tracker's invalidation
// hook) so the name needs a one-line adapter rather than a rename that
// would ripple through lookupcache's own tests.
type lookupInvalidator struct {
	lookup *lookupcache.Cache
}

func (l lookupInvalidator) InvalidateRange(base, length uint64) {
	l.lookup.Invalidate(base, length)
}

// codecacheUnloader is the vma.ResourceUnloader wired in for file-backed
// regions. codecache.Cache already self-validates via GuestHash on every
// Find — a stale entry is simply never returned rather than actively
// evicted — so there is nothing to actively unload here; this only
// exists so the VMA tracker's resource-list invalidation hook has a
// place to plug in, should a future eviction API need one.
type codecacheUnloader struct {
	objects *codecache.Cache
}

func (codecacheUnloader) UnloadResource(resourceID uint32) {}

// Server holds every dependency the mm/thread syscall handlers need:
// C2's address allocator, C1's VMA tracker, and the C3/C4 caches that
// must be invalidated when a mapping changes.
type Server struct {
	Alloc   *valloc.Allocator
	VMA     *vma.Tracker
	Lookup  *lookupcache.Cache
	Objects *codecache.Cache
}

// NewServer wires the invalidation hooks: every successful memory
// operation that removes or remaps a range triggers invalidation of the
// lookup cache over that range, and the VMA tracker's resource list
// drives invalidation of on-disk code cache entries for file-backed
// regions. Returns a ready-to-use Server.
func NewServer(alloc *valloc.Allocator, tracker *vma.Tracker, lookup *lookupcache.Cache, objects *codecache.Cache) *Server {
	tracker.SetInvalidator(lookupInvalidator{lookup: lookup})
	tracker.SetResourceUnloader(codecacheUnloader{objects: objects})
	return &Server{Alloc: alloc, VMA: tracker, Lookup: lookup, Objects: objects}
}
