package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/crosshatch-emu/crosshatch/internal/valloc"
	"github.com/crosshatch-emu/crosshatch/internal/vma"
)

// protToHost packs a vma.Prot triple into the PROT_* bitmask mmap/
// mprotect expect.
func protToHost(p vma.Prot) int32 {
	var v int32
	if p.R {
		v |= unix.PROT_READ
	}
	if p.W {
		v |= unix.PROT_WRITE
	}
	if p.X {
		v |= unix.PROT_EXEC
	}
	return v
}

// hostToProt is protToHost's inverse.
func hostToProt(v int32) vma.Prot {
	return vma.Prot{
		R: v&unix.PROT_READ != 0,
		W: v&unix.PROT_WRITE != 0,
		X: v&unix.PROT_EXEC != 0,
	}
}

// Mmap implements the mmap path: addresses inside the guest's tracked VA
// range (internal/valloc.LowerBound and up) go through
// the allocator (which performs the real host mmap itself); everything
// below falls straight through to a direct host mmap, since that range
// is never guest-tracked.
func (s *Server) Mmap(addr, length uint64, prot int32, flags uint64, fd int, offset int64, resource *vma.MappedResource, resOffset uint64) (uint64, Errno) {
	if length == 0 {
		return 0, ErrInval
	}

	shared := flags&unix.MAP_SHARED != 0
	fixed := flags&unix.MAP_FIXED != 0

	if addr != 0 && addr < valloc.LowerBound {
		got, err := hostMmapDirect(addr, length, prot, flags, fd, offset)
		if err != nil {
			return 0, ErrNoMem
		}
		s.VMA.TrackRange(got, resOffset, length, vma.Flags{Shared: shared}, hostToProt(prot), resource)
		return got, errOK
	}

	got, err := s.Alloc.Mmap(addr, length, prot, fixed, fd, offset)
	if err != nil {
		return 0, toErrno(err)
	}
	s.VMA.TrackRange(got, resOffset, length, vma.Flags{Shared: shared}, hostToProt(prot), resource)
	return got, errOK
}

// Munmap implements munmap: drops the VMA tracking (which triggers the C4/
// C3 invalidation hooks) and releases the underlying pages.
func (s *Server) Munmap(addr, length uint64) Errno {
	if length == 0 {
		return ErrInval
	}
	if addr < valloc.LowerBound {
		if err := hostMunmapDirect(addr, length); err != nil {
			return ErrInval
		}
		s.VMA.DeleteRange(addr, length, nil)
		return errOK
	}
	if err := s.Alloc.Munmap(addr, length); err != nil {
		return toErrno(err)
	}
	s.VMA.DeleteRange(addr, length, nil)
	return errOK
}

// Mprotect implements mprotect: applies the real host mprotect first and,
// once it succeeds, updates C1's tracked permissions (which invalidates C4
// over the range, since previously-translated code may have assumed the
// old permissions).
func (s *Server) Mprotect(addr, length uint64, prot int32) Errno {
	if length == 0 {
		return ErrInval
	}
	if _, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(prot)); errno != 0 {
		return ErrInval
	}
	s.VMA.ChangeProtection(addr, length, hostToProt(prot))
	return errOK
}

// Mremap implements a restricted subset of mremap: in-place shrink, and
// grow/move via MREMAP_MAYMOVE|MREMAP_FIXED onto a destination this
// package picks via the allocator. Growing without mayMove set is
// rejected with -ENOMEM rather than attempting an in-place grow that
// might collide with an adjacent mapping, since this core never needs
// that path (guest libc always sets MAYMOVE when it cares).
func (s *Server) Mremap(oldAddr, oldSize, newSize uint64, mayMove bool, prot vma.Prot, shared bool) (uint64, Errno) {
	if oldSize == 0 || newSize == 0 {
		return 0, ErrInval
	}

	if newSize <= oldSize {
		shrinkBy := oldSize - newSize
		if shrinkBy > 0 {
			if err := s.Alloc.Munmap(oldAddr+newSize, shrinkBy); err != nil {
				return 0, toErrno(err)
			}
			s.VMA.DeleteRange(oldAddr+newSize, shrinkBy, nil)
		}
		return oldAddr, errOK
	}

	if !mayMove {
		return 0, ErrNoMem
	}

	newAddr, err := s.Alloc.Mmap(0, newSize, protToHost(prot), false, -1, 0)
	if err != nil {
		return 0, toErrno(err)
	}

	_, _, errno := unix.Syscall6(unix.SYS_MREMAP, uintptr(oldAddr), uintptr(oldSize), uintptr(newSize),
		unix.MREMAP_MAYMOVE|unix.MREMAP_FIXED, uintptr(newAddr), 0)
	if errno != 0 {
		_ = s.Alloc.Munmap(newAddr, newSize)
		return 0, ErrNoMem
	}

	if err := s.Alloc.MarkUnmapped(oldAddr, oldSize); err != nil {
		return 0, toErrno(err)
	}
	s.VMA.DeleteRange(oldAddr, oldSize, nil)
	s.VMA.TrackRange(newAddr, 0, newSize, vma.Flags{Shared: shared}, prot, nil)
	return newAddr, errOK
}

func hostMmapDirect(addr, length uint64, prot int32, flags uint64, fd int, offset int64) (uint64, error) {
	got, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return uint64(got), nil
}

func hostMunmapDirect(addr, length uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func toErrno(err error) Errno {
	switch err {
	case valloc.ErrNoMem:
		return ErrNoMem
	case valloc.ErrExist:
		return ErrExist
	case valloc.ErrInval:
		return ErrInval
	case valloc.ErrOverflow:
		return ErrOverflow
	default:
		return ErrInval
	}
}
