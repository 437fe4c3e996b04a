package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/crosshatch-emu/crosshatch/internal/vma"
)

// shmRemap is SHM_REMAP (0x4000): tells the kernel it's fine to attach
// over an existing mapping at the requested address, used below to
// replace the placeholder reservation Shmat makes through the allocator.
const shmRemap = 0x4000

// Shmat implements shmat(2): reserves an address in the guest's tracked
// VA range via the allocator, then
// attaches the real System V segment over that address with SHM_REMAP,
// and finally registers the mapping with the VMA tracker as a
// ResourceSHM region.
func (s *Server) Shmat(id int, key int32, readOnly bool) (uint64, Errno) {
	var info unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &info); err != nil {
		return 0, ErrInval
	}
	size := uint64(info.Segsz)

	placeholder, err := s.Alloc.Mmap(0, size, unix.PROT_NONE, false, -1, 0)
	if err != nil {
		return 0, toErrno(err)
	}

	flag := shmRemap
	prot := vma.Prot{R: true, W: true}
	if readOnly {
		flag |= unix.SHM_RDONLY
		prot = vma.Prot{R: true}
	}

	if _, err := unix.SysvShmAttach(id, uintptr(placeholder), flag); err != nil {
		_ = s.Alloc.Munmap(placeholder, size)
		return 0, ErrInval
	}
	if err := s.Alloc.MarkMapped(placeholder, size); err != nil {
		return 0, toErrno(err)
	}

	res := s.VMA.NewResource(vma.ResourceSHM, "", key, size)
	s.VMA.TrackRange(placeholder, 0, size, vma.Flags{Shared: true}, prot, res)
	return placeholder, errOK
}

// Shmdt implements shmdt(2): detaches the segment at addr and drops its
// VMA tracking, which triggers C4/C3 invalidation over the region.
func (s *Server) Shmdt(addr uint64) Errno {
	size := s.VMA.DeleteShmRegion(addr)
	if size == 0 {
		return ErrInval
	}
	// The segment's own pages were never owned by the allocator's normal
	// mmap path (SHM_REMAP replaced the placeholder in the kernel), so
	// only the bitset bookkeeping needs to catch up; detaching is a plain
	// shmdt, not a munmap.
	if err := s.Alloc.MarkUnmapped(addr, size); err != nil {
		return toErrno(err)
	}
	if _, _, errno := unix.Syscall(unix.SYS_SHMDT, uintptr(addr), 0, 0); errno != 0 {
		return ErrInval
	}
	return errOK
}

// Shmctl implements the IPC_RMID subset of shmctl(2) this core needs;
// other commands (IPC_STAT, IPC_SET) are answered directly by the real
// syscall without any guest-visible state of ours to translate.
func (s *Server) Shmctl(id int, cmd int) Errno {
	var info unix.SysvShmDesc
	if _, err := unix.SysvShmCtl(id, cmd, &info); err != nil {
		return ErrInval
	}
	return errOK
}
