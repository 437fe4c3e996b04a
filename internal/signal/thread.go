package signal

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// altStackMinBytes is the minimum sigaltstack size Linux enforces
// (MINSIGSTKSZ, 8 KiB on this architecture).
const altStackMinBytes = 8 * 1024

// Sigprocmask "how" values, matching SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK.
const (
	HowBlock   = unix.SIG_BLOCK
	HowUnblock = unix.SIG_UNBLOCK
	HowSetmask = unix.SIG_SETMASK
)

// AltStack mirrors Linux's sigaltstack(2) stack_t, plus its SS_* flags.
type AltStack struct {
	Ptr   uint64
	Size  uint64
	Flags uint32
}

const (
	ssOnStack    = unix.SS_ONSTACK
	ssDisable    = unix.SS_DISABLE
	ssAutoDisarm = 1 << 31 // SS_AUTODISARM: not in all unix const sets, kept local
)

// ThreadContext is the per-guest-thread signal state attached to the
// delegator: the current signal mask, a pending-signals bitset, and the
// registered alternate stack.
type ThreadContext struct {
	delegator *Delegator

	mask       uint64
	pending    uint64
	altStack   AltStack
	onAltStack bool

	// applyHostMask and raise abstract the two real syscalls Sigprocmask/
	// Sigsuspend perform (pthread_sigmask, tgkill) behind function values
	// so tests can observe the computed mask/self-raise set without a
	// goroutine's migration between OS threads desynchronizing a real
	// per-thread kernel mask from what this struct tracks.
	applyHostMask func(mask uint64) error
	raise         func(sig int) error
	suspend       func(mask uint64) error
}

// NewThreadContext attaches a fresh, empty-mask thread context to d,
// backed by the real pthread_sigmask/tgkill/sigsuspend host calls.
func NewThreadContext(d *Delegator) *ThreadContext {
	return &ThreadContext{
		delegator:     d,
		altStack:      AltStack{Flags: ssDisable},
		applyHostMask: hostApplyMask,
		raise:         hostRaise,
		suspend:       hostSuspend,
	}
}

// Mask returns the thread's current signal mask.
func (t *ThreadContext) Mask() uint64 { return t.mask }

// MarkPending records sig as pending for this thread (the host thunk
// trampoline calls this before Deliver runs, and guest self-raise paths
// call it directly for a currently-blocked signal).
func (t *ThreadContext) MarkPending(sig int) { t.pending |= bit(sig) }

// ClearPending clears sig's pending bit; step 1 of the thunk logic.
func (t *ThreadContext) ClearPending(sig int) { t.pending &^= bit(sig) }

// Pending reports the thread's full pending-signal bitset.
func (t *ThreadContext) Pending() uint64 { return t.pending }

// Sigprocmask implements sigprocmask emulation: compute
// new_mask = OR/AND/SET(old, arg) minus {KILL, STOP}, apply (new_mask ∖
// Required) to the host, then self-raise any newly-unblocked pending
// signals. oldMask receives the guest-visible mask before the change (the
// full mask, not Required-stripped, since the guest never sees that
// stripping).
func (t *ThreadContext) Sigprocmask(how int, set *uint64, oldMask *uint64) error {
	if oldMask != nil {
		*oldMask = t.mask
	}
	if set == nil {
		return nil
	}

	uncancellable := bit(int(unix.SIGKILL)) | bit(int(unix.SIGSTOP))
	var newMask uint64
	switch how {
	case HowBlock:
		newMask = t.mask | *set
	case HowUnblock:
		newMask = t.mask &^ *set
	case HowSetmask:
		newMask = *set
	default:
		return fmt.Errorf("signal: invalid sigprocmask how %d", how)
	}
	newMask &^= uncancellable

	hostMask := newMask
	for _, req := range requiredSignals {
		hostMask &^= bit(req)
	}
	if err := t.applyHostMask(hostMask); err != nil {
		return err
	}

	unblocked := t.mask &^ newMask
	t.mask = newMask

	newlyPendingAndUnblocked := unblocked & t.pending
	for sig := 1; sig <= MaxSignal; sig++ {
		if newlyPendingAndUnblocked&bit(sig) != 0 {
			if err := t.raise(sig); err != nil {
				return err
			}
		}
	}
	return nil
}

// hostApplyMask installs mask as the calling thread's real signal mask
// via pthread_sigmask-equivalent semantics (SIG_SETMASK), the reference
// implementation's stand-in for "apply to the host" — a real build with
// a HostInstaller-backed thunk would instead fold this into the thunk's
// own uc_sigmask rewrite.
func hostApplyMask(mask uint64) error {
	var set unix.Sigset_t
	set.Val[0] = mask
	return unix.PthreadSigmask(unix.SIG_SETMASK, &set, nil)
}

func hostRaise(sig int) error {
	return unix.Tgkill(unix.Getpid(), unix.Gettid(), syscallSignal(sig))
}

// Sigaltstack implements sigaltstack semantics: rejects
// resizing/replacing the stack while currently executing on it (-EPERM),
// enforces the 8 KiB minimum, and supports SS_DISABLE.
func (t *ThreadContext) Sigaltstack(newStack *AltStack, old *AltStack) error {
	if old != nil {
		cur := t.altStack
		if t.onAltStack {
			cur.Flags |= ssOnStack
		}
		*old = cur
	}
	if newStack == nil {
		return nil
	}
	if t.onAltStack {
		return unix.EPERM
	}
	if newStack.Flags&ssDisable == 0 && newStack.Size < altStackMinBytes {
		return unix.ENOMEM
	}
	t.altStack = *newStack
	return nil
}

// Sigsuspend implements sigsuspend: installs tempMask, blocks
// (via the real host call) until a signal is delivered, then restores the
// prior guest mask and rechecks pending signals the way the caller's
// dispatcher loop expects (a suspended thread wakes into the normal fault/
// pending-signal path, not back into guest code directly).
func (t *ThreadContext) Sigsuspend(tempMask uint64) error {
	prior := t.mask
	if err := t.Sigprocmask(HowSetmask, &tempMask, nil); err != nil {
		return err
	}

	hostMask := tempMask
	for _, req := range requiredSignals {
		hostMask &^= bit(req)
	}
	_ = t.suspend(hostMask) // always returns EINTR by definition; error deliberately ignored

	return t.Sigprocmask(HowSetmask, &prior, nil)
}

func hostSuspend(mask uint64) error {
	var set unix.Sigset_t
	set.Val[0] = mask
	return unix.Sigsuspend(&set)
}
