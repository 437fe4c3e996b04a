// Package valloc implements the guest-side 64-bit virtual address
// allocator: at startup it steals a large contiguous slice of the host's
// VA space out from under the kernel and sub-allocates pages within it on
// the guest's behalf, so that guest mmap/munmap never race with anything
// the host allocates for itself.
package valloc

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	pageSize = 4096

	// LowerBound is the first VA the allocator will ever track. Guest
	// requests below it (and all small-address allocations) fall through
	// to the host kernel untouched.
	LowerBound = 4 << 30 // 4 GiB

	// mergeLimit caps how large a run of contiguous reservations may grow
	// before the cascade stops merging them into one region.
	mergeLimit = 64 << 30 // 64 GiB

	// hugePageAdviseThreshold is the region size above which MADV_HUGEPAGE
	// is worth advising.
	hugePageAdviseThreshold = 128 << 20 // 128 MiB
)

// sizeClasses is the cascade of reservation sizes tried, largest first,
// while carving [LowerBound, upperBound) out of the host's VA space.
var sizeClasses = []uint64{
	64 << 30, 32 << 30, 16 << 30, 4 << 30,
	1 << 30, 512 << 20, 128 << 20, 4 << 10,
}

// vaProbeWidths are the host VA widths probed at startup, widest first,
// via speculative MAP_FIXED_NOREPLACE reservations near the top of each
// candidate address space.
var vaProbeWidths = []uint{57, 52, 48, 47, 42, 39, 36}

// region is one reservation carved out of the host's VA space. Its
// tracking bitset lives in an ordinary Go slice rather than at the head
// of the region itself — host-accessible guest memory never needs to
// read the allocator's own bookkeeping, so keeping it as normal heap
// memory is simpler and exactly as safe.
type region struct {
	base, length uint64
	bitset       []uint64 // one bit per page
	lastPage     uint64
	hadMunmap    bool
	freePages    uint64
}

func newRegion(base, length uint64) *region {
	pages := length / pageSize
	return &region{
		base:      base,
		length:    length,
		bitset:    make([]uint64, (pages+63)/64),
		freePages: pages,
	}
}

func (r *region) pages() uint64 { return r.length / pageSize }

func (r *region) testPage(i uint64) bool {
	return r.bitset[i/64]&(1<<(i%64)) != 0
}

func (r *region) setPages(start, count uint64) {
	for i := start; i < start+count; i++ {
		r.bitset[i/64] |= 1 << (i % 64)
	}
	r.freePages -= count
}

func (r *region) clearPages(start, count uint64) {
	for i := start; i < start+count; i++ {
		r.bitset[i/64] &^= 1 << (i % 64)
	}
	r.freePages += count
}

// findRun returns the page index of the first run of n contiguous clear
// bits starting at or after `from`, wrapping once to 0. ok is false if no
// such run exists anywhere in the region.
func (r *region) findRun(from, n uint64) (start uint64, ok bool) {
	total := r.pages()
	if n == 0 || n > total {
		return 0, false
	}
	try := func(begin uint64) (uint64, bool) {
		run := uint64(0)
		for i := begin; i < total; i++ {
			if r.testPage(i) {
				run = 0
				continue
			}
			run++
			if run == n {
				return i - n + 1, true
			}
		}
		return 0, false
	}
	if s, ok := try(from); ok {
		return s, true
	}
	return try(0)
}

// findRunReverse scans backwards from `from`, used to prefer filling holes
// left by a recent munmap instead of marching forward past them.
func (r *region) findRunReverse(from, n uint64) (start uint64, ok bool) {
	total := r.pages()
	if n == 0 || n > total {
		return 0, false
	}
	if from >= total {
		from = total - 1
	}
	run := uint64(0)
	for i := int64(from); i >= 0; i-- {
		if r.testPage(uint64(i)) {
			run = 0
			continue
		}
		run++
		if run == n {
			return uint64(i), true
		}
	}
	return 0, false
}

// Allocator is the guest's 64-bit VA space manager. One Allocator exists
// per emulated process; its mutex must be held across fork (see the
// thread package's Clone handling) so a concurrent mmap can never
// interleave with the copying of allocator state into a child.
type Allocator struct {
	mu          sync.Mutex
	lowerBound  uint64
	upperBound  uint64
	regions     []*region // sorted by base, contiguous-merged
	reservedLen uint64

	// Host syscall seams. Production use leaves these at their zero value
	// and gets the real raw-syscall implementations below; tests inject
	// fakes so the allocator's bitset/region bookkeeping can be exercised
	// without a real 64-bit reservation cascade against the host kernel.
	reserve func(addr, size uint64) error
	hostMap func(addr, length uint64, prot int32, flags int, fd int, offset int64) error
	unmap   func(addr, length uint64)
}

func (a *Allocator) doReserve(addr, size uint64) error {
	if a.reserve != nil {
		return a.reserve(addr, size)
	}
	return realReserve(addr, size)
}

func (a *Allocator) doMap(addr, length uint64, prot int32, flags int, fd int, offset int64) error {
	if a.hostMap != nil {
		return a.hostMap(addr, length, prot, flags, fd, offset)
	}
	return realMmap(addr, length, prot, flags, fd, offset)
}

func (a *Allocator) doUnmap(addr, length uint64) {
	if a.unmap != nil {
		a.unmap(addr, length)
		return
	}
	realMunmap(addr, length)
}

// New probes the host's usable VA width and reserves
// [LowerBound, upperBound) from the kernel. probe is overridable in tests
// to avoid requiring root/large-memory hosts to exercise real mmap
// cascades; production callers pass nil to use the real one.
func New(probe func(width uint) bool) (*Allocator, error) {
	if probe == nil {
		probe = probeVAWidth
	}
	width := uint(48)
	for _, w := range vaProbeWidths {
		if probe(w) {
			width = w
			break
		}
	}
	upper := uint64(1) << width
	a := &Allocator{lowerBound: LowerBound, upperBound: upper}
	if err := a.reserveCascade(); err != nil {
		return nil, err
	}
	return a, nil
}

// probeVAWidth attempts a MAP_FIXED_NOREPLACE probe just below 1<<width to
// see whether the host kernel permits addresses of that width at all.
// Goes through the raw syscall number rather than the bytes-slice-
// returning golang.org/x/sys/unix.Mmap wrapper, since MAP_FIXED(_NOREPLACE)
// mmaps an address we chose, not one the wrapper hands back.
func probeVAWidth(width uint) bool {
	addr := (uint64(1) << width) - pageSize
	noFD := -1
	_, _, errno := unix.RawSyscall6(unix.SYS_MMAP, uintptr(addr), pageSize,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED_NOREPLACE, uintptr(noFD), 0)
	if errno != 0 {
		return false
	}
	unix.RawSyscall(unix.SYS_MUNMAP, uintptr(addr), pageSize, 0)
	return true
}

// realReserve performs the MAP_NORESERVE|PROT_NONE|MAP_FIXED_NOREPLACE
// reservation mmap, advising MADV_HUGEPAGE on large spans.
func realReserve(addr, size uint64) error {
	noFD := -1
	_, _, errno := unix.RawSyscall6(unix.SYS_MMAP, uintptr(addr), uintptr(size),
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED_NOREPLACE|unix.MAP_NORESERVE,
		uintptr(noFD), 0)
	if errno != 0 {
		return errno
	}
	if size >= hugePageAdviseThreshold {
		unix.RawSyscall(unix.SYS_MADVISE, uintptr(addr), uintptr(size), unix.MADV_HUGEPAGE)
	}
	return nil
}

// realMmap performs the MAP_FIXED activation mmap for a chosen page run.
func realMmap(addr, length uint64, prot int32, flags int, fd int, offset int64) error {
	_, _, errno := unix.RawSyscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length),
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}
	return nil
}

// realMunmap hands physical memory back to the kernel without releasing
// the VA reservation: MADV_DONTNEED followed by a PROT_NONE remap.
func realMunmap(addr, length uint64) {
	unix.RawSyscall(unix.SYS_MADVISE, uintptr(addr), uintptr(length), unix.MADV_DONTNEED)
	noFD := -1
	unix.RawSyscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length),
		unix.PROT_NONE, unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE,
		uintptr(noFD), 0)
}

// reserveCascade steals [lowerBound, upperBound) with MAP_NORESERVE|
// PROT_NONE reservations from the size-class cascade, merging adjacent
// reservations up to mergeLimit and advising MADV_HUGEPAGE on large ones.
func (a *Allocator) reserveCascade() error {
	cur := a.lowerBound
	for cur < a.upperBound {
		remaining := a.upperBound - cur
		size := uint64(0)
		for _, sc := range sizeClasses {
			if sc <= remaining {
				size = sc
				break
			}
		}
		if size == 0 {
			size = remaining
		}
		if err := a.doReserve(cur, size); err != nil {
			return fmt.Errorf("valloc: reserve %#x/%#x: %w", cur, size, err)
		}
		a.mergeIn(cur, size)
		cur += size
		a.reservedLen += size
	}
	return nil
}

// mergeIn folds a freshly-reserved [base,base+size) span into the last
// region if contiguous and under mergeLimit, else starts a new region.
func (a *Allocator) mergeIn(base, size uint64) {
	if n := len(a.regions); n > 0 {
		last := a.regions[n-1]
		if last.base+last.length == base && last.length+size <= mergeLimit {
			last.length += size
			last.bitset = append(last.bitset, make([]uint64, size/pageSize/64+1)...)
			last.freePages += size / pageSize
			return
		}
	}
	a.regions = append(a.regions, newRegion(base, size))
}

func (a *Allocator) regionFor(addr uint64) *region {
	i := sort.Search(len(a.regions), func(i int) bool {
		return a.regions[i].base+a.regions[i].length > addr
	})
	if i < len(a.regions) && a.regions[i].base <= addr {
		return a.regions[i]
	}
	return nil
}

// Errno mirrors the small set of negative errno values this package
// returns for mmap/munmap failures in the tracked range.
type Errno int

const (
	ErrNoMem    Errno = -12 // -ENOMEM
	ErrExist    Errno = -17 // -EEXIST
	ErrInval    Errno = -22 // -EINVAL
	ErrOverflow Errno = -75 // -EOVERFLOW
)

func (e Errno) Error() string { return fmt.Sprintf("valloc: errno %d", int(e)) }

// Mmap services a guest mmap(addr, length, prot, flags, fd, offset)
// falling inside the tracked range. Callers below LowerBound must not
// call this at all — route those straight to the host.
func (a *Allocator) Mmap(addr, length uint64, prot int32, fixed bool, fd int, offset int64) (uint64, error) {
	if length == 0 || length%pageSize != 0 {
		return 0, ErrInval
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	npages := length / pageSize
	var r *region
	var startPage uint64

	if addr != 0 {
		r = a.regionFor(addr)
		if r == nil {
			return 0, ErrNoMem
		}
		if addr%pageSize != 0 {
			return 0, ErrInval
		}
		startPage = (addr - r.base) / pageSize
		if startPage+npages > r.pages() {
			return 0, ErrOverflow
		}
		for i := startPage; i < startPage+npages; i++ {
			if r.testPage(i) {
				if fixed {
					return 0, ErrExist
				}
				return a.mmapAnywhere(length, prot, fd, offset)
			}
		}
	} else {
		return a.mmapAnywhere(length, prot, fd, offset)
	}

	if err := a.doHostMmap(r.base+startPage*pageSize, length, prot, fd, offset); err != nil {
		return 0, err
	}
	r.setPages(startPage, npages)
	r.lastPage = startPage + npages
	return r.base + startPage*pageSize, nil
}

func (a *Allocator) mmapAnywhere(length uint64, prot int32, fd int, offset int64) (uint64, error) {
	npages := length / pageSize
	for _, r := range a.regions {
		var start uint64
		var ok bool
		if r.hadMunmap {
			start, ok = r.findRunReverse(r.lastPage, npages)
			if !ok {
				start, ok = r.findRun(r.lastPage, npages)
			}
		} else {
			start, ok = r.findRun(r.lastPage, npages)
		}
		if !ok {
			continue
		}
		addr := r.base + start*pageSize
		if err := a.doHostMmap(addr, length, prot, fd, offset); err != nil {
			return 0, err
		}
		r.setPages(start, npages)
		r.lastPage = start + npages
		return addr, nil
	}
	return 0, ErrNoMem
}

func (a *Allocator) doHostMmap(addr, length uint64, prot int32, fd int, offset int64) error {
	flags := unix.MAP_FIXED
	if fd < 0 {
		flags |= unix.MAP_ANON | unix.MAP_PRIVATE
	} else {
		flags |= unix.MAP_SHARED
	}
	if err := a.doMap(addr, length, prot, flags, fd, offset); err != nil {
		return ErrNoMem
	}
	return nil
}

// Munmap clears the page bits for [addr,addr+length) within its
// containing region, hands physical memory back via MADV_DONTNEED plus a
// PROT_NONE remap, and marks the region HadMunmap so the next mmapAnywhere
// prefers filling the hole it just made.
func (a *Allocator) Munmap(addr, length uint64) error {
	if length == 0 || length%pageSize != 0 || addr%pageSize != 0 {
		return ErrInval
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.regionFor(addr)
	if r == nil {
		return ErrInval
	}
	npages := length / pageSize
	start := (addr - r.base) / pageSize
	if start+npages > r.pages() {
		return ErrOverflow
	}

	a.doUnmap(addr, length)
	r.clearPages(start, npages)
	r.hadMunmap = true
	return nil
}

// InRange reports whether addr falls within the tracked guest VA space,
// i.e. whether a syscall touching it must route through this allocator
// rather than straight to the host kernel.
func (a *Allocator) InRange(addr uint64) bool {
	return addr >= a.lowerBound && addr < a.upperBound
}

// MarkMapped records [addr,addr+length) as busy without performing any
// host syscall, for callers (shmat) that have already placed the actual
// mapping with their own host call and only need the allocator's
// bookkeeping to catch up.
func (a *Allocator) MarkMapped(addr, length uint64) error {
	if length == 0 || length%pageSize != 0 || addr%pageSize != 0 {
		return ErrInval
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.regionFor(addr)
	if r == nil {
		return ErrNoMem
	}
	npages := length / pageSize
	start := (addr - r.base) / pageSize
	if start+npages > r.pages() {
		return ErrOverflow
	}
	r.setPages(start, npages)
	r.lastPage = start + npages
	return nil
}

// MarkUnmapped is MarkMapped's inverse, for the source range of a
// mremap(2) move.
func (a *Allocator) MarkUnmapped(addr, length uint64) error {
	if length == 0 || length%pageSize != 0 || addr%pageSize != 0 {
		return ErrInval
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	r := a.regionFor(addr)
	if r == nil {
		return ErrInval
	}
	npages := length / pageSize
	start := (addr - r.base) / pageSize
	if start+npages > r.pages() {
		return ErrOverflow
	}
	r.clearPages(start, npages)
	r.hadMunmap = true
	return nil
}

// FreePages returns the total number of untracked pages across every
// region, for diagnostics and tests.
func (a *Allocator) FreePages() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var total uint64
	for _, r := range a.regions {
		total += r.freePages
	}
	return total
}
