// Package signal implements the host/guest signal delegator: a per-signal
// action table, host mask/altstack emulation, and the mask-rewrite rules
// a guest sigaction/sigprocmask/sigsuspend expects.
//
// Capturing a raw host (Signal, siginfo_t*, ucontext_t*) triple requires
// installing a custom C-ABI sigaction handler; a pure Go program without
// cgo cannot synthesize one
// (the Go runtime owns the process's real signal handlers). This package
// therefore models the table/mask/altstack bookkeeping in full, and
// exposes that raw-capture step as the pluggable HostInstaller interface.
// internal/dispatch's GuestSignalSIGILL/SIGTRAP/SIGSEGV already play the
// role of "the thunk decided this is a guest fault, now synthesize it" at
// the Go level; a real build wires a cgo-backed HostInstaller that calls
// into this package's Delegator.Deliver from its trampoline.
package signal

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MaxSignal is the highest signal number the delegator tracks (Linux
// real-time signals run up to 64).
const MaxSignal = 64

// XIDSignal is the kernel-private signal (33) used for glibc's NPTL thread
// XID (uid/gid) synchronization; guest libc may clobber the host's thunk
// for it, so the delegator periodically checks and reinstalls.
const XIDSignal = 33

// InternalPauseSignal is crosshatch's own signal for the host-initiated
// pause/shutdown request: the internal pause/suspend signal. SIGUSR2 is
// chosen because the Go runtime does not reserve it (unlike SIGURG,
// which the runtime uses for asynchronous preemption).
const InternalPauseSignal = int(unix.SIGUSR2)

// requiredSignals are always unblocked at the host and always have a
// thunk installed: SIGSEGV (faults), SIGILL (unsupported opcodes),
// SIGBUS (misaligned atomics), and the internal pause signal.
var requiredSignals = [...]int{int(unix.SIGSEGV), int(unix.SIGILL), int(unix.SIGBUS), InternalPauseSignal}

// guestForwardableFlags are copied from the guest's sigaction into the
// host installation; every other flag bit is either forced (SA_SIGINFO,
// SA_ONSTACK) or dropped (SA_RESETHAND, SA_RESTORER).
const guestForwardableFlags = unix.SA_NOCLDSTOP | unix.SA_NOCLDWAIT | unix.SA_NODEFER | unix.SA_RESTART

// GuestHandler is the JIT-registered callback that reconstructs a guest
// sigcontext/ucontext on the guest stack and redirects RIP to the guest's
// handler. It returns false if it could not be dispatched (e.g. the
// handler is SIG_DFL/SIG_IGN), in which case the thunk falls through to
// default-action handling.
type GuestHandler func(sig int, info *HostSiginfo) (dispatched bool)

// HostSiginfo is the subset of siginfo_t/ucontext_t fields the delegator
// and GuestHandler need; a real HostInstaller fills this from the raw C
// structures before calling Deliver.
type HostSiginfo struct {
	Trapno   int
	ErrCode  int
	SiCode   int
	FaultAddr uint64
	// FromUserCode is false when the kernel raised the signal itself, as
	// opposed to another process's kill/tgkill — used by the SIG_DFL
	// terminate-fallthrough re-raise rule.
	FromUserCode bool
}

// GuestAction is the guest-visible half of sigaction(2): handler address
// (or SIG_DFL/SIG_IGN), flags, and blocked-signal mask during the handler.
type GuestAction struct {
	Handler uintptr
	Flags   uintptr
	Mask    uint64
}

const (
	sigDFL uintptr = 0
	sigIGN uintptr = 1
)

func (a GuestAction) isDefault() bool { return a.Handler == sigDFL }
func (a GuestAction) isIgnored() bool { return a.Handler == sigIGN }

// action is one signal's full delegator-owned bookkeeping.
type action struct {
	guest      GuestAction
	installed  bool
	required   bool
	dispatcher GuestHandler
}

// HostInstaller performs the actual host sigaction(2) call that wires a
// capturing thunk for sig with the given host-visible flags/mask. The
// reference implementation (see NewDelegator) uses a no-op installer,
// since a raw C thunk cannot be synthesized from pure Go; a real build
// supplies one backed by a small cgo trampoline.
type HostInstaller interface {
	Install(sig int, flags uintptr, mask uint64) error
	Restore(sig int, prevFlags uintptr, prevMask uint64) error
}

// noopInstaller is the reference HostInstaller: it accepts every
// install/restore call but performs no real sigaction(2), leaving the
// process's actual signal disposition untouched. It exists so Delegator's
// table/mask bookkeeping is fully exercisable without a cgo dependency.
type noopInstaller struct{}

func (noopInstaller) Install(sig int, flags uintptr, mask uint64) error { return nil }
func (noopInstaller) Restore(sig int, prevFlags uintptr, prevMask uint64) error { return nil }

// Delegator is the single process-wide owner of the signal action table.
type Delegator struct {
	guestMu sync.Mutex // GuestDelegatorMutex: protects actions[]
	hostMu  sync.Mutex // HostDelegatorMutex: protects host reinstallation

	actions   [MaxSignal + 1]action
	installer HostInstaller
}

// NewDelegator builds a Delegator with every Required signal pre-installed
// at its default disposition. installer may be nil to use the reference
// no-op installer.
func NewDelegator(installer HostInstaller) (*Delegator, error) {
	if installer == nil {
		installer = noopInstaller{}
	}
	d := &Delegator{installer: installer}
	for _, sig := range requiredSignals {
		d.actions[sig].required = true
		if err := d.installHostThunkLocked(sig); err != nil {
			return nil, fmt.Errorf("signal: installing required signal %d: %w", sig, err)
		}
	}
	return d, nil
}

// hostMaskFor computes the host sigaction mask for sig given its current
// guest action: (guest mask ∪ {sig unless SA_NODEFER}) minus Required
// signals. Shared by the thunk and by installation, since the host mask
// during the handler and the install-time mask are the same computation.
func (d *Delegator) hostMaskFor(sig int, a action) uint64 {
	mask := a.guest.Mask
	if a.guest.Flags&unix.SA_NODEFER == 0 {
		mask |= bit(sig)
	}
	for _, req := range requiredSignals {
		mask &^= bit(req)
	}
	return mask
}

func bit(sig int) uint64 {
	if sig < 1 || sig > 64 {
		return 0
	}
	return 1 << uint(sig-1)
}

// installHostThunkLocked installs (or reinstalls) the host thunk for sig.
// Caller holds guestMu.
func (d *Delegator) installHostThunkLocked(sig int) error {
	a := &d.actions[sig]
	// XIDSignal is never guest-visible (glibc's NPTL uses it internally);
	// the delegator always keeps its own thunk installed for it regardless
	// of the (always-default) guest action.
	if (a.guest.isDefault() || a.guest.isIgnored()) && !a.required && sig != XIDSignal {
		// Non-required signal set to SIG_DFL/SIG_IGN: host mirrors it,
		// no thunk needed.
		a.installed = false
		return nil
	}
	flags := uintptr(unix.SA_SIGINFO | unix.SA_ONSTACK)
	flags |= a.guest.Flags & guestForwardableFlags
	mask := d.hostMaskFor(sig, *a)

	d.hostMu.Lock()
	defer d.hostMu.Unlock()
	if err := d.installer.Install(sig, flags, mask); err != nil {
		return err
	}
	a.installed = true
	return nil
}

// RegisterGuestSignalHandler implements rt_sigaction: stores action for
// sig, reinstalls the host thunk, and returns the previous action in old
// (if non-nil).
func (d *Delegator) RegisterGuestSignalHandler(sig int, act GuestAction, old *GuestAction) error {
	if sig < 1 || sig > MaxSignal {
		return fmt.Errorf("signal: invalid signal number %d", sig)
	}
	if sig == int(unix.SIGKILL) || sig == int(unix.SIGSTOP) {
		return fmt.Errorf("signal: cannot install a handler for SIGKILL/SIGSTOP")
	}

	d.guestMu.Lock()
	defer d.guestMu.Unlock()

	if old != nil {
		*old = d.actions[sig].guest
	}
	d.actions[sig].guest = act
	return d.installHostThunkLocked(sig)
}

// SetGuestHandler wires the JIT dispatcher callback used to actually
// reconstruct guest state and jump to the guest's handler; separate from
// RegisterGuestSignalHandler because the dispatcher is constructed after
// the delegator in the normal boot sequence.
func (d *Delegator) SetGuestHandler(sig int, h GuestHandler) {
	d.guestMu.Lock()
	defer d.guestMu.Unlock()
	d.actions[sig].dispatcher = h
}

// Required reports whether sig is in the Required-signal set.
func (d *Delegator) Required(sig int) bool {
	if sig < 1 || sig > MaxSignal {
		return false
	}
	return d.actions[sig].required
}

// GuestAction returns the currently registered guest action for sig.
func (d *Delegator) GuestAction(sig int) GuestAction {
	d.guestMu.Lock()
	defer d.guestMu.Unlock()
	return d.actions[sig].guest
}

// CheckXIDHandler reinstalls the host thunk for XIDSignal if the guest's
// libc clobbered it. A real implementation compares the currently
// installed host sigaction against what this Delegator last installed;
// the reference HostInstaller cannot observe that, so this always
// reinstalls unconditionally, which is safe (idempotent) even if
// unnecessary.
func (d *Delegator) CheckXIDHandler() error {
	d.guestMu.Lock()
	defer d.guestMu.Unlock()
	return d.installHostThunkLocked(XIDSignal)
}

// Deliver runs the thunk logic for a signal the HostInstaller's
// trampoline observed: clear the thread's pending bit for sig before
// dispatch, then decide where and how the guest handler runs. thread
// supplies the pending-bit state since it's per-thread ThreadContext
// state, not delegator-global.
func (d *Delegator) Deliver(sig int, info *HostSiginfo, thread *ThreadContext) error {
	thread.ClearPending(sig)

	d.guestMu.Lock()
	a := d.actions[sig]
	d.guestMu.Unlock()

	onAltStack := a.guest.Flags&unix.SA_ONSTACK != 0 && thread.altStack.Flags&ssDisable == 0
	if onAltStack {
		thread.onAltStack = true
		defer func() {
			if thread.altStack.Flags&ssAutoDisarm != 0 {
				thread.altStack.Flags |= ssDisable
			}
			thread.onAltStack = false
		}()
	}

	if a.dispatcher != nil && a.dispatcher(sig, info) {
		return nil
	}

	// Fallthrough: SIG_DFL with terminate/core semantics. Reinstall
	// SIG_DFL and, if this didn't originate from the kernel itself,
	// re-raise so the real default action fires — a plain return would
	// just resume the faulting instruction.
	d.guestMu.Lock()
	d.actions[sig].guest.Handler = sigDFL
	err := d.installHostThunkLocked(sig)
	d.guestMu.Unlock()
	if err != nil {
		return err
	}
	if info != nil && info.FromUserCode {
		return unix.Tgkill(unix.Getpid(), unix.Gettid(), syscallSignal(sig))
	}
	return nil
}

func syscallSignal(sig int) unix.Signal { return unix.Signal(sig) }
