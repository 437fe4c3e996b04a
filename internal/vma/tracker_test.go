package vma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const pageSize = 0x1000

func rwProt() Prot  { return Prot{R: true, W: true} }
func roxProt() Prot { return Prot{R: true, X: true} }

func TestTrackRangeAndFindVMA(t *testing.T) {
	tr := NewTracker()
	tr.TrackRange(0x1000, 0, 2*pageSize, Flags{}, rwProt(), nil)

	e := tr.FindVMA(0x1000)
	require.NotNil(t, e)
	require.Equal(t, uint64(0x1000), e.Base)
	require.Equal(t, uint64(2*pageSize), e.Length)

	require.NotNil(t, tr.FindVMA(0x1000+pageSize))
	require.Nil(t, tr.FindVMA(0x1000+2*pageSize), "exclusive end")
	require.Nil(t, tr.FindVMA(0x0fff))
}

func TestTrackRangeReplacesExistingCoverage(t *testing.T) {
	tr := NewTracker()
	tr.TrackRange(0x1000, 0, 3*pageSize, Flags{}, rwProt(), nil)
	tr.TrackRange(0x2000, 0, pageSize, Flags{}, roxProt(), nil)

	e := tr.FindVMA(0x2000)
	require.Equal(t, roxProt(), e.Prot)
	require.Equal(t, uint64(pageSize), e.Length)

	left := tr.FindVMA(0x1000)
	require.Equal(t, uint64(0x1000), left.Base)
	require.Equal(t, uint64(pageSize), left.Length, "left remainder shrunk to [0x1000,0x2000)")

	right := tr.FindVMA(0x3000)
	require.Equal(t, uint64(0x3000), right.Base)
	require.Equal(t, uint64(pageSize), right.Length, "right remainder [0x3000,0x4000)")
}

func TestDeleteRangeLeftOnlySplit(t *testing.T) {
	tr := NewTracker()
	tr.TrackRange(0x1000, 0, 2*pageSize, Flags{}, rwProt(), nil)
	tr.DeleteRange(0x2000, pageSize, nil)

	e := tr.FindVMA(0x1000)
	require.NotNil(t, e)
	require.Equal(t, uint64(pageSize), e.Length)
	require.Nil(t, tr.FindVMA(0x2000))
}

func TestDeleteRangeRightOnlySplit(t *testing.T) {
	tr := NewTracker()
	tr.TrackRange(0x1000, 0, 2*pageSize, Flags{}, rwProt(), nil)
	tr.DeleteRange(0x1000, pageSize, nil)

	require.Nil(t, tr.FindVMA(0x1000))
	e := tr.FindVMA(0x2000)
	require.NotNil(t, e)
	require.Equal(t, uint64(0x2000), e.Base)
	require.Equal(t, uint64(pageSize), e.Length)
}

func TestDeleteRangeBothSidesSplit(t *testing.T) {
	tr := NewTracker()
	tr.TrackRange(0x1000, 0, 3*pageSize, Flags{}, rwProt(), nil)
	tr.DeleteRange(0x2000, pageSize, nil)

	left := tr.FindVMA(0x1000)
	require.Equal(t, uint64(pageSize), left.Length)
	require.Nil(t, tr.FindVMA(0x2000))
	right := tr.FindVMA(0x3000)
	require.NotNil(t, right)
	require.Equal(t, uint64(0x3000), right.Base)
	require.Equal(t, uint64(pageSize), right.Length)
}

type fakeInvalidator struct {
	calls [][2]uint64
}

func (f *fakeInvalidator) InvalidateRange(base, length uint64) {
	f.calls = append(f.calls, [2]uint64{base, length})
}

type fakeUnloader struct {
	unloaded []uint32
}

func (f *fakeUnloader) UnloadResource(id uint32) { f.unloaded = append(f.unloaded, id) }

func TestDeleteRangeFreesResourceAndInvalidates(t *testing.T) {
	tr := NewTracker()
	inv := &fakeInvalidator{}
	unl := &fakeUnloader{}
	tr.SetInvalidator(inv)
	tr.SetResourceUnloader(unl)

	res := tr.NewResource(ResourceFile, "/lib/libc.so", 0, pageSize)
	tr.TrackRange(0x1000, 0, pageSize, Flags{}, rwProt(), res)
	tr.DeleteRange(0x1000, pageSize, nil)

	require.Nil(t, tr.FindVMA(0x1000))
	require.Equal(t, []uint32{res.ID}, unl.unloaded, "last VMA gone: resource must be unloaded")
	require.Equal(t, [][2]uint64{{0x1000, pageSize}}, inv.calls)
}

func TestDeleteRangePreservesGivenResource(t *testing.T) {
	tr := NewTracker()
	unl := &fakeUnloader{}
	tr.SetResourceUnloader(unl)

	res := tr.NewResource(ResourceFile, "/lib/libc.so", 0, pageSize)
	tr.TrackRange(0x1000, 0, pageSize, Flags{}, rwProt(), res)
	tr.DeleteRange(0x1000, pageSize, res)

	require.Empty(t, unl.unloaded, "preserved resource must not be unloaded")
}

func TestChangeProtectionSplitsEdgesKeepsOriginalProt(t *testing.T) {
	tr := NewTracker()
	tr.TrackRange(0x1000, 0, 3*pageSize, Flags{}, rwProt(), nil)
	tr.ChangeProtection(0x2000, pageSize, roxProt())

	left := tr.FindVMA(0x1000)
	require.Equal(t, rwProt(), left.Prot)
	require.Equal(t, uint64(pageSize), left.Length)

	mid := tr.FindVMA(0x2000)
	require.Equal(t, roxProt(), mid.Prot)
	require.Equal(t, uint64(pageSize), mid.Length)

	right := tr.FindVMA(0x3000)
	require.Equal(t, rwProt(), right.Prot)
	require.Equal(t, uint64(pageSize), right.Length)
}

func TestChangeProtectionIdempotent(t *testing.T) {
	tr := NewTracker()
	tr.TrackRange(0x1000, 0, pageSize, Flags{}, rwProt(), nil)
	tr.ChangeProtection(0x1000, pageSize, roxProt())
	tr.ChangeProtection(0x1000, pageSize, roxProt())

	e := tr.FindVMA(0x1000)
	require.Equal(t, uint64(0x1000), e.Base)
	require.Equal(t, uint64(pageSize), e.Length)
	require.Equal(t, roxProt(), e.Prot)
}

func TestDeleteShmRegionReturnsSizeAndErasesAllVMAs(t *testing.T) {
	tr := NewTracker()
	res := tr.NewResource(ResourceSHM, "", 42, 2*pageSize)
	tr.TrackRange(0x5000, 0, pageSize, Flags{Shared: true}, rwProt(), res)
	tr.TrackRange(0x9000, pageSize, pageSize, Flags{Shared: true}, rwProt(), res)

	size := tr.DeleteShmRegion(0x5000)
	require.Equal(t, uint64(2*pageSize), size)
	require.Nil(t, tr.FindVMA(0x5000))
	require.Nil(t, tr.FindVMA(0x9000))
}

func TestDeleteShmRegionNoMatchReturnsZero(t *testing.T) {
	tr := NewTracker()
	require.Zero(t, tr.DeleteShmRegion(0x1000))
}
