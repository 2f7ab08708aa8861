// Package sig implements lux's per-thread signal delivery: a handler
// table, the default-disposition table, the pending queue, and the
// save/restore contract a signal trampoline would complete with
// sigreturn.
//
// Grounded on _examples/original_source/src/ipc/signal.c
// (sigemptyset/sigaddset/signalDefaults/signalClone/kill) and
// src/platform/x86_64/ipc/signal.c's platformSendSignal (the
// save-context/build-siginfo/switch-to-handler sequence, reduced here to
// its effect on scheduler and process state since lux has no real
// register file to save).
package sig

import (
	"github.com/sasha-s/go-deadlock"

	"github.com/lux-project/lux/pkg/errno"
)

// MaxSignal is the highest valid signal number (signal.h's MAX_SIGNAL).
const MaxSignal = 27

// ISO C and POSIX signal numbers, mirrored from signal.h.
const (
	SIGABRT = 1
	SIGFPE  = 2
	SIGILL  = 3
	SIGINT  = 4
	SIGSEGV = 5
	SIGTERM = 6

	SIGALRM  = 7
	SIGBUS   = 8
	SIGCHLD  = 9
	SIGCONT  = 10
	SIGHUP   = 11
	SIGKILL  = 12
	SIGPIPE  = 13
	SIGQUIT  = 14
	SIGSTOP  = 15
	SIGTSTP  = 16
	SIGTTIN  = 17
	SIGTTOU  = 18
	SIGUSR1  = 19
	SIGUSR2  = 20
	SIGPOLL  = 21
	SIGSYS   = 22
	SIGTRAP  = 23
	SIGURG   = 24
	SIGVTALRM = 25
	SIGXCPU  = 26
	SIGXFSZ  = 27
)

// Disposition is what a thread does when a signal arrives.
type Disposition int

const (
	Default Disposition = iota
	Ignore
	Hold
	Handler
)

// Action mirrors struct sigaction: a disposition plus the mask blocked
// while the handler runs and the handler's virtual entry point (when
// Disposition == Handler).
type Action struct {
	Disposition Disposition
	HandlerAddr uintptr
	Mask        uint64 // sigset_t
	Flags       int
}

// Info mirrors siginfo_t's fields that lux actually populates.
type Info struct {
	Signo int
	Code  int
	PID   uint32
	UID   uint32
}

// Set is a sigset_t.
type Set uint64

func (s *Set) Empty() { *s = 0 }

func (s *Set) Fill() {
	*s = 0
	for i := 0; i <= MaxSignal; i++ {
		*s |= 1 << uint(i)
	}
}

func (s *Set) Add(signum int) errno.Errno {
	if signum < 0 || signum > MaxSignal {
		return errno.EINVAL
	}
	*s |= 1 << uint(signum)
	return 0
}

func (s *Set) Del(signum int) errno.Errno {
	if signum < 0 || signum > MaxSignal {
		return errno.EINVAL
	}
	*s &^= 1 << uint(signum)
	return 0
}

func (s Set) IsMember(signum int) (bool, errno.Errno) {
	if signum < 0 || signum > MaxSignal {
		return false, errno.EINVAL
	}
	return s&(1<<uint(signum)) != 0, 0
}

// Table is one thread's signal handler array plus its pending queue.
type Table struct {
	mu       deadlock.Mutex
	actions  [MaxSignal + 1]Action
	pending  []Info
	blocked  Set

	// SavedContext stands in for the trampoline's saved register file.
	// lux keeps it as an opaque blob since there is no real CPU context
	// to save.
	SavedContext []byte
}

// Defaults builds a thread's handler table with every signal at its
// default disposition (signalDefaults).
func Defaults() *Table {
	return &Table{}
}

// Clone deep-copies a parent's handler table for fork() (signalClone).
func (t *Table) Clone() *Table {
	if t == nil {
		return Defaults()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := &Table{actions: t.actions, blocked: t.blocked}
	return cp
}

// SetAction installs a new handler for signum, returning the previous one
// (sigaction()'s oldact out-parameter). SIGKILL and SIGSTOP can't be
// caught or ignored, matching POSIX.
func (t *Table) SetAction(signum int, action Action) (Action, errno.Errno) {
	if signum < 0 || signum > MaxSignal {
		return Action{}, errno.EINVAL
	}
	if signum == SIGKILL || signum == SIGSTOP {
		return Action{}, errno.EINVAL
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.actions[signum]
	t.actions[signum] = action
	return old, 0
}

func (t *Table) Action(signum int) Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actions[signum]
}

// Raise queues a signal; it stays pending until Deliver pops it. The
// scheduler's election loop does not call Deliver.
func (t *Table) Raise(info Info) errno.Errno {
	if info.Signo < 0 || info.Signo > MaxSignal {
		return errno.EINVAL
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, info)
	return 0
}

// Deliver pops the next deliverable (non-blocked) pending signal and
// reports what should happen to the thread: whether it should terminate
// (SIGKILL, or SIGABRT/SIGSEGV/... at Default disposition), and if not,
// the handler to invoke (or none, for Ignore/Hold/blocked).
type Delivery struct {
	Info        Info
	Terminate   bool
	Invoke      bool
	HandlerAddr uintptr
}

// terminatesByDefault is the POSIX term-by-default signal set; the rest
// default to Ignore (e.g. SIGCHLD, SIGURG, SIGWINCH-equivalents).
var terminatesByDefault = map[int]bool{
	SIGABRT: true, SIGFPE: true, SIGILL: true, SIGINT: true, SIGSEGV: true,
	SIGTERM: true, SIGALRM: true, SIGBUS: true, SIGHUP: true, SIGKILL: true,
	SIGPIPE: true, SIGQUIT: true, SIGSTOP: true, SIGSYS: true, SIGTRAP: true,
	SIGVTALRM: true, SIGXCPU: true, SIGXFSZ: true,
}

func (t *Table) Deliver() (Delivery, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, info := range t.pending {
		if blocked, _ := t.blocked.IsMember(info.Signo); blocked && info.Signo != SIGKILL {
			continue
		}

		t.pending = append(t.pending[:i], t.pending[i+1:]...)

		if info.Signo == SIGKILL {
			return Delivery{Info: info, Terminate: true}, true
		}

		action := t.actions[info.Signo]
		switch action.Disposition {
		case Ignore:
			return Delivery{Info: info}, true
		case Hold:
			return Delivery{Info: info}, true
		case Handler:
			return Delivery{Info: info, Invoke: true, HandlerAddr: action.HandlerAddr}, true
		default:
			return Delivery{Info: info, Terminate: terminatesByDefault[info.Signo]}, true
		}
	}
	return Delivery{}, false
}

func (t *Table) SetBlocked(s Set) {
	t.mu.Lock()
	t.blocked = s
	t.mu.Unlock()
}

func (t *Table) Blocked() Set {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}
