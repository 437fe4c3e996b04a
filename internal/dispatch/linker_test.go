package dispatch

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/crosshatch-emu/crosshatch/internal/hostasm"
)

func readWord(addr uintptr) uint32 {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 4)
	return binary.LittleEndian.Uint32(mem)
}

func encodeWord(w uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, w)
	return b
}

func TestPatchBranchDirectInRange(t *testing.T) {
	exec, err := hostasm.AllocExecutable(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Free() })

	stubAddr, err := exec.Append([]byte{0, 0, 0, 0}) // placeholder bl
	require.NoError(t, err)
	_, err = exec.Append(encodeWord(hostasm.EncodeNOP())) // pad, so target != stub
	require.NoError(t, err)
	targetAddr := stubAddr + 8 // two instructions forward

	require.NoError(t, PatchBranch(stubAddr, 0, 0, targetAddr))
	require.Equal(t, hostasm.EncodeB(8), readWord(stubAddr))
}

func TestPatchBranchOutOfRangeUsesVeneer(t *testing.T) {
	exec, err := hostasm.AllocExecutable(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Free() })

	stubAddr, err := exec.Append([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	veneerAddr, err := exec.Append(make([]byte, maxVeneerBytes))
	require.NoError(t, err)

	farTarget := stubAddr + (1 << 28) // well past a direct B's reach
	require.NoError(t, PatchBranch(stubAddr, veneerAddr, maxVeneerBytes, farTarget))

	// The stub must now branch to the veneer, not directly to the target.
	disp := int64(veneerAddr) - int64(stubAddr)
	require.Equal(t, hostasm.EncodeB(disp), readWord(stubAddr))

	// And the veneer must load farTarget and branch to it.
	wantVeneer := func() []byte {
		e := hostasm.NewEmitter()
		e.MOVImm64(16, uint64(farTarget))
		e.BR(16)
		return e.Bytes()
	}()
	gotVeneer := unsafe.Slice((*byte)(unsafe.Pointer(veneerAddr)), len(wantVeneer))
	require.Equal(t, wantVeneer, gotVeneer)
}

func TestPatchBranchVeneerTooSmallErrors(t *testing.T) {
	exec, err := hostasm.AllocExecutable(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Free() })

	stubAddr, err := exec.Append([]byte{0, 0, 0, 0})
	require.NoError(t, err)

	farTarget := stubAddr + (1 << 28)
	err = PatchBranch(stubAddr, stubAddr+4, 4, farTarget)
	require.Error(t, err)
}

type fakeLookup struct {
	entries map[uint64]uint64
}

func newFakeLookup() *fakeLookup { return &fakeLookup{entries: map[uint64]uint64{}} }

func (f *fakeLookup) Find(rip uint64) (uint64, bool) { h, ok := f.entries[rip]; return h, ok }
func (f *fakeLookup) Insert(rip, host uint64)        { f.entries[rip] = host }

func TestExitLinkerResolveCompilesOnceAndPatches(t *testing.T) {
	exec, err := hostasm.AllocExecutable(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Free() })

	stubAddr, err := exec.Append([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	_, err = exec.Append(encodeWord(hostasm.EncodeNOP()))
	require.NoError(t, err)
	targetAddr := stubAddr + 8

	calls := 0
	compile := func(rip uint64) (uintptr, error) {
		calls++
		require.Equal(t, uint64(0x4000), rip)
		return targetAddr, nil
	}
	lookup := newFakeLookup()
	l := NewExitLinker(compile, lookup)

	host, err := l.Resolve(stubAddr, 0, 0, 0x4000)
	require.NoError(t, err)
	require.Equal(t, targetAddr, host)
	require.Equal(t, hostasm.EncodeB(8), readWord(stubAddr))
	require.Equal(t, 1, calls)

	// A second resolve for the same target must hit the lookup cache, not
	// recompile.
	_, err = l.Resolve(stubAddr, 0, 0, 0x4000)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
