package valloc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeHost lets tests exercise Allocator's page-search and bookkeeping
// logic without issuing real mmap/munmap syscalls against the host.
type fakeHost struct {
	mapped   []([2]uint64)
	unmapped []([2]uint64)
}

func (f *fakeHost) reserve(addr, size uint64) error { return nil }

func (f *fakeHost) mmap(addr, length uint64, prot int32, flags int, fd int, offset int64) error {
	f.mapped = append(f.mapped, [2]uint64{addr, length})
	return nil
}

func (f *fakeHost) munmap(addr, length uint64) {
	f.unmapped = append(f.unmapped, [2]uint64{addr, length})
}

func newTestAllocator(regionPages uint64) (*Allocator, *fakeHost) {
	h := &fakeHost{}
	a := &Allocator{
		lowerBound: LowerBound,
		upperBound: LowerBound + regionPages*pageSize,
		reserve:    h.reserve,
		hostMap:    h.mmap,
		unmap:      h.munmap,
	}
	a.regions = []*region{newRegion(LowerBound, regionPages*pageSize)}
	return a, h
}

func TestMmapAnywhereFindsFirstFit(t *testing.T) {
	a, h := newTestAllocator(16)
	addr, err := a.Mmap(0, 2*pageSize, 3, false, -1, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(LowerBound), addr)
	require.Len(t, h.mapped, 1)
	require.Equal(t, uint64(2*pageSize), h.mapped[0][1])
}

func TestMmapFixedAddrSucceedsWhenFree(t *testing.T) {
	a, _ := newTestAllocator(16)
	target := LowerBound + 4*pageSize
	addr, err := a.Mmap(target, pageSize, 3, true, -1, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(target), addr)
}

func TestMmapFixedAddrCollisionReturnsEExist(t *testing.T) {
	a, _ := newTestAllocator(16)
	target := LowerBound + 4*pageSize
	_, err := a.Mmap(target, pageSize, 3, true, -1, 0)
	require.NoError(t, err)

	_, err = a.Mmap(target, pageSize, 3, true, -1, 0)
	require.ErrorIs(t, err, ErrExist)
}

func TestMmapNonFixedCollisionFallsBackToAnywhere(t *testing.T) {
	a, _ := newTestAllocator(16)
	target := LowerBound
	_, err := a.Mmap(target, pageSize, 3, true, -1, 0)
	require.NoError(t, err)

	addr, err := a.Mmap(target, pageSize, 3, false, -1, 0)
	require.NoError(t, err)
	require.NotEqual(t, uint64(target), addr, "collision must be relocated")
}

func TestMmapOutOfSpaceReturnsENoMem(t *testing.T) {
	a, _ := newTestAllocator(2)
	_, err := a.Mmap(0, 2*pageSize, 3, false, -1, 0)
	require.NoError(t, err)

	_, err = a.Mmap(0, pageSize, 3, false, -1, 0)
	require.ErrorIs(t, err, ErrNoMem)
}

func TestMmapMisalignedLengthIsEInval(t *testing.T) {
	a, _ := newTestAllocator(16)
	_, err := a.Mmap(0, pageSize+1, 3, false, -1, 0)
	require.ErrorIs(t, err, ErrInval)
}

func TestMunmapClearsPagesAndInvokesHost(t *testing.T) {
	a, h := newTestAllocator(16)
	addr, err := a.Mmap(0, 2*pageSize, 3, false, -1, 0)
	require.NoError(t, err)

	require.NoError(t, a.Munmap(addr, 2*pageSize))
	require.Len(t, h.unmapped, 1)
	require.Equal(t, uint64(16), a.FreePages())
}

func TestMunmapThenMmapReusesHoleViaReverseScan(t *testing.T) {
	a, _ := newTestAllocator(16)
	base, err := a.Mmap(0, 16*pageSize, 3, false, -1, 0)
	require.NoError(t, err)

	hole := base + pageSize
	require.NoError(t, a.Munmap(hole, pageSize))

	addr, err := a.Mmap(0, pageSize, 3, false, -1, 0)
	require.NoError(t, err)
	require.Equal(t, hole, addr, "the only free page left must be the hole just freed")
}

func TestInRangeBoundary(t *testing.T) {
	a, _ := newTestAllocator(16)
	require.False(t, a.InRange(LowerBound-1))
	require.True(t, a.InRange(LowerBound))
	require.True(t, a.InRange(a.upperBound-1))
	require.False(t, a.InRange(a.upperBound))
}

func TestErrnoError(t *testing.T) {
	require.Equal(t, fmt.Sprintf("valloc: errno %d", -12), ErrNoMem.Error())
}
