// Package thread implements the thread manager: the live guest-TID set,
// clone/clone3/fork/vfork handling, and the exit path's clear_child_tid
// futex wake.
//
// Each guest thread gets one host goroutine whose entry point is
// ExecuteThread — one goroutine per guest thread rather than a shared
// worker pool, since the unit of work is a guest thread's entire
// lifetime, not a single short task.
package thread

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/crosshatch-emu/crosshatch/internal/cpustate"
)

// Clone flags this core understands. Namespace flags are deliberately
// absent: CLONE_NEWNS and its siblings cause termination with a
// diagnostic rather than being honored.
const (
	CloneVM            = unix.CLONE_VM
	CloneFS            = unix.CLONE_FS
	CloneFiles         = unix.CLONE_FILES
	CloneSighand       = unix.CLONE_SIGHAND
	CloneVfork         = unix.CLONE_VFORK
	CloneParent        = unix.CLONE_PARENT
	CloneThread        = unix.CLONE_THREAD
	CloneSysvsem       = unix.CLONE_SYSVSEM
	CloneSettls        = unix.CLONE_SETTLS
	CloneParentSetTID  = unix.CLONE_PARENT_SETTID
	CloneChildClearTID = unix.CLONE_CHILD_CLEARTID
	CloneChildSetTID   = unix.CLONE_CHILD_SETTID
	ClonePIDFD         = unix.CLONE_PIDFD
)

// namespaceFlags causes Clone to refuse with a diagnostic rather than
// silently drop guest namespace isolation.
const namespaceFlags = unix.CLONE_NEWNS | unix.CLONE_NEWCGROUP | unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC | unix.CLONE_NEWUSER | unix.CLONE_NEWPID | unix.CLONE_NEWNET

// Clone3Args mirrors Linux's struct clone_args (clone3(2)). Guest
// pointers (ChildTID, ParentTID, Stack, TLS) are host addresses directly:
// crosshatch's guest address space is 1:1 with the host process's, the
// same identity internal/valloc relies on.
type Clone3Args struct {
	Flags      uint64
	PidFD      uint64 // guest VA receiving the new pidfd, or 0
	ChildTID   uint64 // guest VA for CLONE_CHILD_SETTID
	ParentTID  uint64 // guest VA for CLONE_PARENT_SETTID
	ExitSignal uint64
	Stack      uint64
	StackSize  uint64
	TLS        uint64
}

// FromLegacyClone translates the positional argument order of the legacy
// clone(2) syscall (flags, stack, parent_tid, child_tid, tls) into a
// Clone3Args, so both the legacy and clone3 entry points can route
// through one implementation.
func FromLegacyClone(flags uint64, stack uint64, parentTID, childTID *uint64, tls uint64) Clone3Args {
	a := Clone3Args{Flags: flags, Stack: stack, TLS: tls}
	if flags&CloneParentSetTID != 0 && parentTID != nil {
		a.ParentTID = uint64(uintptr(unsafe.Pointer(parentTID)))
	}
	if flags&(CloneChildSetTID|CloneChildClearTID) != 0 && childTID != nil {
		a.ChildTID = uint64(uintptr(unsafe.Pointer(childTID)))
	}
	return a
}

// Event is a one-shot broadcast barrier, used for the clone run barrier:
// wait for a new thread to reach it, then release it and the caller
// together.
type Event struct {
	ch chan struct{}
}

// NewEvent returns an unset Event.
func NewEvent() *Event { return &Event{ch: make(chan struct{})} }

// Set releases every current and future Wait call. Idempotent.
func (e *Event) Set() {
	select {
	case <-e.ch:
	default:
		close(e.ch)
	}
}

// Wait blocks until Set is called.
func (e *Event) Wait() { <-e.ch }

// ThreadObject is the manager's bookkeeping for one live guest thread.
type ThreadObject struct {
	State      *cpustate.State
	RunBarrier *Event
	done       chan struct{}
}

// ExecuteThread is the goroutine entry point for a guest thread: it waits
// at the run barrier (so Clone's caller controls when the child actually
// starts executing guest code), then hands off to run, the dispatcher
// loop driver supplied by the caller (internal/dispatch.Loop.DispatcherLoopTop,
// abstracted here as a plain func so this package has no dispatch import).
func ExecuteThread(obj *ThreadObject, run func(*cpustate.State)) {
	obj.RunBarrier.Wait()
	defer close(obj.done)
	run(obj.State)
}

// Manager owns the guest-TID → ThreadObject map.
type Manager struct {
	mu      sync.Mutex
	threads map[int32]*ThreadObject
}

// NewManager returns an empty thread manager.
func NewManager() *Manager {
	return &Manager{threads: make(map[int32]*ThreadObject)}
}

// Lookup returns the ThreadObject for a guest TID, if live.
func (m *Manager) Lookup(tid int32) (*ThreadObject, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.threads[tid]
	return obj, ok
}

// Spawn registers the very first guest thread (the one a fresh process
// starts with, before any clone/fork has happened) and starts its
// goroutine, blocked at the run barrier exactly like CloneThread's
// children. There is no parent to copy state from here: the caller builds
// the initial cpustate.State (entry RIP, initial stack pointer, TID/PID)
// itself.
func (m *Manager) Spawn(state *cpustate.State, run func(*cpustate.State)) *ThreadObject {
	obj := &ThreadObject{State: state, RunBarrier: NewEvent(), done: make(chan struct{})}

	m.mu.Lock()
	m.threads[state.TID] = obj
	m.mu.Unlock()

	go ExecuteThread(obj, run)
	return obj
}

// Count reports the number of live threads.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.threads)
}

// Locker is the subset of sync.Locker the fork path acquires across the
// real host fork(2), e.g. the code-cache mutex, the valloc allocator
// mutex, and the signal delegator's GuestDelegatorMutex. Each is locked
// before forking and, on the parent side, unlocked immediately after; on
// the child side the caller is responsible for resetting them (a forked
// child inherits whatever state the lock was in, and must not leave a
// mutex some other, now-nonexistent goroutine owned).
type Locker interface {
	Lock()
	Unlock()
}

// CloneThread spawns a new guest thread sharing parent's address space
// (the CLONE_THREAD path): copies parent's CPU state,
// applies TLS/stack/child-TID bookkeeping from args, registers the new
// ThreadObject, and starts its goroutine — but the goroutine blocks at
// the run barrier until the caller releases it, giving the caller a
// chance to finish any remaining setup (e.g. publishing the new TID to
// the guest) before the child executes a single guest instruction.
func (m *Manager) CloneThread(parent *cpustate.State, args Clone3Args, run func(*cpustate.State)) (*ThreadObject, error) {
	if args.Flags&namespaceFlags != 0 {
		return nil, fmt.Errorf("thread: clone with namespace flags (%#x) is not supported", args.Flags&namespaceFlags)
	}
	if args.Flags&CloneThread == 0 {
		return nil, fmt.Errorf("thread: CloneThread called without CLONE_THREAD")
	}

	child := *parent // value copy: shares nothing but the struct contents
	if args.Flags&CloneSettls != 0 {
		child.TLSBase = args.TLS
	}
	if args.Stack != 0 {
		// GPR is indexed in x86-64 encoding order (RAX=0 .. R15=15); RSP is 4.
		child.GPR[4] = args.Stack + args.StackSize
	}
	if args.Flags&CloneChildClearTID != 0 {
		child.ClearChildTID = args.ChildTID
	}
	if args.Flags&CloneChildSetTID != 0 {
		child.SetChildTID = args.ChildTID
		writeGuestU32(args.ChildTID, uint32(child.TID))
	}
	if args.Flags&CloneParentSetTID != 0 && args.ParentTID != 0 {
		writeGuestU32(args.ParentTID, uint32(child.TID))
	}

	obj := &ThreadObject{State: &child, RunBarrier: NewEvent(), done: make(chan struct{})}

	m.mu.Lock()
	m.threads[child.TID] = obj
	m.mu.Unlock()

	go ExecuteThread(obj, run)
	return obj, nil
}

// ForkLike implements the non-CLONE_THREAD branch: a full process
// fork/clone. It acquires every lock in locks (in order), performs the
// real host clone(2) with the minimal flag subset Linux requires for
// plain process creation (CLONE_CHILD_CLEARTID|CLONE_CHILD_SETTID are
// still honored if requested; VM/FS/FILES/SIGHAND are NOT forced, unlike
// CloneThread, since this is the fork path proper), and then unwinds the
// locks: the parent releases them normally, while the child — now the
// only goroutine alive in its copy-on-write address space — simply drops
// them without unlocking, since no other goroutine in the child's memory
// image is waiting on them.
//
// vforkDone, if args.Flags has CLONE_VFORK set, is the channel the
// parent waits on until the child execs or exits (vfork's suspend-the-parent
// synchronization); callers that don't need vfork pass a nil channel and
// ForkLike skips the wait.
func (m *Manager) ForkLike(args Clone3Args, locks []Locker, vforkDone <-chan struct{}) (childPID int, isChild bool, err error) {
	if args.Flags&namespaceFlags != 0 {
		return 0, false, fmt.Errorf("thread: fork with namespace flags (%#x) is not supported", args.Flags&namespaceFlags)
	}
	if args.Flags&ClonePIDFD != 0 {
		// A pidfd requires the clone3(2) struct-pointer return slot; the
		// fallback SYS_CLONE path below has no such slot.
		return 0, false, fmt.Errorf("thread: CLONE_PIDFD requires the clone3 path, not implemented")
	}

	for _, l := range locks {
		l.Lock()
	}

	hostFlags := uintptr(unix.SIGCHLD)
	if args.Flags&CloneChildClearTID != 0 {
		hostFlags |= CloneChildClearTID
	}
	if args.Flags&CloneChildSetTID != 0 {
		hostFlags |= CloneChildSetTID
	}

	pid, _, errno := unix.RawSyscall6(unix.SYS_CLONE, hostFlags, 0, 0, 0, uintptr(args.TLS), 0)
	if errno != 0 {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
		return 0, false, fmt.Errorf("thread: clone: %w", errno)
	}

	if pid == 0 {
		// Child: the parent's locks are dropped, not unlocked — see doc
		// comment. Nothing else to do here; the caller's own post-fork
		// hook (exec, or continuing interpretation) takes over.
		return 0, true, nil
	}

	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}

	if args.Flags&CloneVfork != 0 && vforkDone != nil {
		<-vforkDone
	}
	return int(pid), false, nil
}

// Exit implements thread exit: runs clear_child_tid's futex wake,
// removes tid from the manager, and reports whether this was the
// last live thread (the caller is then responsible for exit_group and
// telemetry flushing, which need process-wide context this package
// doesn't have).
func (m *Manager) Exit(tid int32) (lastThread bool, err error) {
	m.mu.Lock()
	obj, ok := m.threads[tid]
	if ok {
		delete(m.threads, tid)
	}
	remaining := len(m.threads)
	m.mu.Unlock()

	if !ok {
		return remaining == 0, fmt.Errorf("thread: exit of unknown tid %d", tid)
	}

	if obj.State.ClearChildTID != 0 {
		writeGuestU32(obj.State.ClearChildTID, 0)
		if err := futexWake(obj.State.ClearChildTID); err != nil {
			return remaining == 0, err
		}
	}
	return remaining == 0, nil
}

// writeGuestU32 stores v at the guest (== host) address addr. A zero
// address is a no-op, matching "or 0" sentinel fields throughout
// Clone3Args.
func writeGuestU32(addr uint64, v uint32) {
	if addr == 0 {
		return
	}
	*(*uint32)(unsafe.Pointer(uintptr(addr))) = v
}

// futexWakeOp is FUTEX_WAKE; not universally present across unix build
// tags, so it's kept local rather than referenced as unix.FUTEX_WAKE.
const futexWakeOp = 1

func futexWake(addr uint64) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX, uintptr(addr), futexWakeOp, 1, 0, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
