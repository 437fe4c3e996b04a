// Package process assembles the per-process state that the rest of the
// subsystem needs: one owned Process struct holding the address
// allocator, VMA tracker, lookup cache, on-disk code cache, signal
// delegator, and thread manager, wired together once at startup instead
// of read as package-level globals. cmd/crosshatch constructs exactly
// one Process per host process and tears it down at exit_group.
package process

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/crosshatch-emu/crosshatch/internal/codecache"
	"github.com/crosshatch-emu/crosshatch/internal/cpustate"
	"github.com/crosshatch-emu/crosshatch/internal/lookupcache"
	"github.com/crosshatch-emu/crosshatch/internal/signal"
	syscallsrv "github.com/crosshatch-emu/crosshatch/internal/syscall"
	"github.com/crosshatch-emu/crosshatch/internal/thread"
	"github.com/crosshatch-emu/crosshatch/internal/valloc"
	"github.com/crosshatch-emu/crosshatch/internal/vma"
)

// Config carries the CLI-surface inputs: rootfs path, thunk library
// directory, AOT cache on/off, and a virtual-memory size override for
// the lookup cache's paged L2 table.
type Config struct {
	RootFS          string
	ThunkLibDir     string
	CacheDir        string
	AOTCacheEnabled bool
	VirtualMemSize  uint64
}

// defaultVirtualMemSize is the guest address span used for the lookup
// cache when a Config leaves VirtualMemSize unset.
const defaultVirtualMemSize = 1 << 32

// Process is the single owned instance of every process-wide component.
// Nothing here is a package-level variable; every other package either
// takes its dependencies as constructor arguments (signal.NewDelegator,
// syscall.NewServer) or is itself free of shared mutable state
// (internal/translator, internal/dispatch).
type Process struct {
	Config Config

	Alloc    *valloc.Allocator
	VMA      *vma.Tracker
	Lookup   *lookupcache.Cache
	Objects  *codecache.Cache // nil when Config.AOTCacheEnabled is false
	Signals  *signal.Delegator
	Threads  *thread.Manager
	Syscalls *syscallsrv.Server

	pid int32
}

// New builds and wires one Process. The code cache is opened only when
// AOTCacheEnabled is set; callers that disable it still get a fully
// working C1/C2/C4/C7/C8 stack, just without persistent cross-run
// caching (every block is recompiled each run).
func New(cfg Config) (*Process, error) {
	if cfg.VirtualMemSize == 0 {
		cfg.VirtualMemSize = defaultVirtualMemSize
	}

	alloc, err := valloc.New(nil)
	if err != nil {
		return nil, fmt.Errorf("process: allocator: %w", err)
	}

	tracker := vma.NewTracker()
	lookup := lookupcache.New(cfg.VirtualMemSize)

	var objects *codecache.Cache
	if cfg.AOTCacheEnabled {
		if cfg.CacheDir == "" {
			return nil, fmt.Errorf("process: AOT cache enabled without a cache directory")
		}
		objects, err = codecache.Open(cfg.CacheDir, "crosshatch")
		if err != nil {
			return nil, fmt.Errorf("process: code cache: %w", err)
		}
	}

	delegator, err := signal.NewDelegator(nil)
	if err != nil {
		return nil, fmt.Errorf("process: signal delegator: %w", err)
	}

	threads := thread.NewManager()
	syscalls := syscallsrv.NewServer(alloc, tracker, lookup, objects)

	p := &Process{
		Config:   cfg,
		Alloc:    alloc,
		VMA:      tracker,
		Lookup:   lookup,
		Objects:  objects,
		Signals:  delegator,
		Threads:  threads,
		Syscalls: syscalls,
		pid:      int32(os.Getpid()),
	}
	slog.Info("process initialized",
		"rootfs", cfg.RootFS,
		"thunk_lib_dir", cfg.ThunkLibDir,
		"aot_cache", cfg.AOTCacheEnabled,
		"pid", p.pid)
	return p, nil
}

// SpawnMain registers the process's first guest thread: entry is the
// guest's initial RIP, stackTop its initial RSP. Unlike CloneThread,
// there is no parent state to copy, so the caller builds a bare
// cpustate.State here, tagged with the host PID as both PID and TID
// (matching Linux's convention that a process's initial thread's TID
// equals its PID).
func (p *Process) SpawnMain(entry, stackTop uint64, run func(*cpustate.State)) *thread.ThreadObject {
	state := &cpustate.State{RIP: entry}
	state.GPR[4] = stackTop
	state.TID = p.pid
	state.PID = p.pid
	return p.Threads.Spawn(state, run)
}

// ExitGroup closes the code cache (flushing nothing itself, since every
// index/data mutation is already synchronously durable, but releasing
// the mmap'd files and advisory locks cleanly), logs a final summary,
// and returns the status the caller passes to exit_group
// (cmd/crosshatch turns this into os.Exit).
func (p *Process) ExitGroup(status int) int {
	remaining := p.Threads.Count()
	if p.Objects != nil {
		if err := p.Objects.Close(); err != nil {
			slog.Warn("process: closing code cache", "err", err)
		}
	}
	slog.Info("process exit_group",
		"status", status,
		"threads_remaining", remaining,
		"free_pages", p.Alloc.FreePages())
	return status
}
