package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crosshatch-emu/crosshatch/internal/cpustate"
	"github.com/crosshatch-emu/crosshatch/internal/hostasm"
	"github.com/crosshatch-emu/crosshatch/internal/lookupcache"
)

// buildSetRIPAndRet emits a real AArch64 block: store newRIP into
// State.RIP through X0 (the CallStub-delivered state pointer), then
// return to the Go driver, exactly what a translated guest block's exit
// stub does at the point it hands control back.
func buildSetRIPAndRet(t *testing.T, newRIP uint64) []byte {
	t.Helper()
	require.Zero(t, cpustate.Offsets.RIP%8, "RIP offset must be 8-byte aligned for a Size64 STR")

	e := hostasm.NewEmitter()
	const scratch = 1 // X1
	e.MOVImm64(scratch, newRIP)
	e.STR(hostasm.Size64, scratch, 0, uint16(cpustate.Offsets.RIP/8))
	e.RET()
	return e.Bytes()
}

func TestLoopRunsUntilControlStop(t *testing.T) {
	exec, err := hostasm.AllocExecutable(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Free() })

	addrA, err := exec.Append(buildSetRIPAndRet(t, 0x2000))
	require.NoError(t, err)
	addrB, err := exec.Append(buildSetRIPAndRet(t, 0x3000))
	require.NoError(t, err)

	state := &cpustate.State{RIP: 0x1000}
	cache := lookupcache.New(1 << 20)

	var lo *Loop
	compileCalls := 0
	compile := func(rip uint64) (uintptr, error) {
		compileCalls++
		switch rip {
		case 0x1000:
			return addrA, nil
		case 0x2000:
			return addrB, nil
		case 0x3000:
			lo.Control.Stop()
			return addrB, nil
		default:
			t.Fatalf("unexpected compile request for rip %#x", rip)
			return 0, nil
		}
	}

	lo = NewLoop(state, cache, compile, nil)
	require.NoError(t, lo.DispatcherLoopTop())

	require.Equal(t, 3, compileCalls)
	require.Equal(t, uint64(0x3000), state.RIP)

	host, ok := cache.Find(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(addrA), host)

	host, ok = cache.Find(0x2000)
	require.True(t, ok)
	require.Equal(t, uint64(addrB), host)
}

func TestLoopReusesCacheWithoutRecompiling(t *testing.T) {
	exec, err := hostasm.AllocExecutable(4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Free() })

	addrA, err := exec.Append(buildSetRIPAndRet(t, 0x1000))
	require.NoError(t, err)

	state := &cpustate.State{RIP: 0x1000}
	cache := lookupcache.New(1 << 20)
	cache.Insert(0x1000, uint64(addrA))

	var lo *Loop
	compile := func(rip uint64) (uintptr, error) {
		lo.Control.Stop()
		t.Fatalf("compile must not run for an address already in the cache")
		return 0, nil
	}
	lo = NewLoop(state, cache, compile, nil)

	// Run the block a handful of times straight from cache, never hitting
	// Compile.
	runs := 0
	for runs < 5 {
		host, ok := cache.Find(state.RIP)
		require.True(t, ok)
		lo.branchTo(uintptr(host))
		runs++
	}
	require.Equal(t, uint64(0x1000), state.RIP)
}

func TestSpillFillTracksDeferredSignalRefCount(t *testing.T) {
	state := &cpustate.State{}
	fault, err := NewFaultPage()
	require.NoError(t, err)
	t.Cleanup(func() { _ = fault.Close() })

	lo := NewLoop(state, lookupcache.New(1<<20), nil, fault)
	lo.spillStaticRegs()
	require.Equal(t, int32(1), state.DeferredSignalRefCount)
	lo.fillStaticRegs()
	require.Equal(t, int32(0), state.DeferredSignalRefCount)
}

func TestThreadStopHandlerStopsControl(t *testing.T) {
	state := &cpustate.State{}
	lo := NewLoop(state, lookupcache.New(1<<20), nil, nil)
	require.False(t, lo.Control.shouldStop())
	lo.ThreadStopHandlerSpillSRA()
	require.True(t, lo.Control.shouldStop())
}

func TestThreadPauseHandlerPausesWithoutStopping(t *testing.T) {
	state := &cpustate.State{}
	lo := NewLoop(state, lookupcache.New(1<<20), nil, nil)
	lo.ThreadPauseHandlerSpillSRA()
	require.False(t, lo.Control.shouldStop())
	require.True(t, lo.Control.shouldPause())
	lo.Control.Resume()
	require.False(t, lo.Control.shouldPause())
}

func TestGuestSignalThunksSpillAndClassify(t *testing.T) {
	state := &cpustate.State{}
	lo := NewLoop(state, lookupcache.New(1<<20), nil, nil)

	f := lo.GuestSignalSIGSEGV(0xdead0000)
	require.Equal(t, sigsegv, f.Signal)
	require.Equal(t, int32(1), state.DeferredSignalRefCount)
}

func TestLUDIVSmallDividendMatchesPlainDivision(t *testing.T) {
	q, r := LUDIV(0, 100, 7)
	require.Equal(t, uint64(14), q)
	require.Equal(t, uint64(2), r)
}

func TestLUDIVWideDividend(t *testing.T) {
	// (1<<64 + 5) / 3: hi=1, lo=5.
	q, r := LUDIV(1, 5, 3)
	want := (uint128{hi: 1, lo: 5})
	wantQ, wantR := want.divmod(3)
	require.Equal(t, wantQ, q)
	require.Equal(t, wantR, r)
	require.Equal(t, uint64(0), r, "(2^64+5) mod 3 == 0 since 2^64 mod 3 == 1 and 1+5=6")
}

func TestLDIVNegativeDivisor(t *testing.T) {
	q, r := LDIV(0, 100, -7)
	require.Equal(t, int64(-14), q)
	require.Equal(t, int64(2), r)
}

func TestLUREMAndLREM(t *testing.T) {
	require.Equal(t, uint64(2), LUREM(0, 100, 7))
	require.Equal(t, int64(2), LREM(0, 100, -7))
}

func TestLUDIVPanicsOnZeroDivisor(t *testing.T) {
	require.Panics(t, func() { LUDIV(0, 1, 0) })
}
