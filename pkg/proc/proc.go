// Package proc holds the process and thread data model spec.md §3 and §4.3
// describe: the Process/Thread tree, I/O descriptor table, and the
// bookkeeping the scheduler and syscall pipeline both read and mutate.
//
// Grounded on _examples/original_source/src/include/kernel/sched.h (the
// Process/Thread struct layout) and sched/exit.c, sched/fork.c,
// sched/waitpid.c (the zombie/orphan/clean semantics threaded through the
// Thread fields below).
package proc

import (
	"sync"

	"github.com/lux-project/lux/pkg/memory/vmm"
	"github.com/lux-project/lux/pkg/sig"
)

// MaxPID is the PID space ceiling spec.md §6 names (also pkg/config's
// Limits.MaxPID default).
const MaxPID = 80_000

// ThreadStatus is the lifecycle state of a thread (spec.md §4.3).
type ThreadStatus int

const (
	ThreadQueued ThreadStatus = iota
	ThreadRunning
	ThreadBlocked // waiting on a syscall response
	ThreadSleep
	ThreadZombie
)

func (s ThreadStatus) String() string {
	switch s {
	case ThreadQueued:
		return "queued"
	case ThreadRunning:
		return "running"
	case ThreadBlocked:
		return "blocked"
	case ThreadSleep:
		return "sleeping"
	case ThreadZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Priority controls timeslice length: time = Priority * SchedTimeSlice
// (spec.md §4.3).
type Priority int

const (
	PriorityHigh Priority = 1
	PriorityNormal Priority = 2
	PriorityLow  Priority = 3
	PriorityIdle Priority = 4
)

// Thread is one schedulable unit of execution. Context is opaque to the
// scheduler: it is whatever a real kernel's platform layer would stash
// (saved registers, signal trampoline frame); here it's held by pkg/sig and
// pkg/bridge as needed and referenced by pointer identity only.
type Thread struct {
	mu sync.Mutex

	PID, TID uint32
	Status   ThreadStatus
	Priority Priority

	// Time is the remaining timeslice in scheduler ticks, or the
	// remaining sleep duration while Status == ThreadSleep.
	Time uint64
	CPU  int

	NormalExit bool
	ExitStatus int
	Cleaned    bool // waitpid() already reaped this thread's exit status

	Space *vmm.AddressSpace

	// EntryPoint/StackPointer stand in for the saved register context's
	// program counter and stack pointer; a real platform layer would hold
	// these in Thread.context, but lux's simulated CPU has no register
	// file to save, so execve's replacement writes here directly.
	EntryPoint   uint64
	StackPointer uint64

	// Signals is this thread's handler table (pkg/sig), cloned from the
	// parent on fork. No syscall-return or scheduling path calls its
	// Deliver().
	Signals *sig.Table

	// SignalPending is the lowest-numbered deliverable signal, or 0.
	SignalPending int
}

func (t *Thread) Lock()   { t.mu.Lock() }
func (t *Thread) Unlock() { t.mu.Unlock() }

// IODescriptorType tags what an IODescriptor's fields refer to (spec.md
// §3's {Waiting, File, Socket, Directory} tagged variant).
type IODescriptorType int

const (
	IOWaiting IODescriptorType = iota
	IOFile
	IOSocket
	IODirectory
)

// Open-time flag bits, mirrored from spec.md §3's IODescriptor.flags
// bitmask.
const (
	ORdonly   = 1 << iota
	OWronly
	OAppend
	ONonblock
	OSync
	ODsync
	OCloexec
	OClofork
)

// IODescriptor is one entry of a process's file-descriptor table (spec.md
// §4.5/§4.6): either a router-backed file handle or a local socket.
type IODescriptor struct {
	Valid    bool
	Type     IODescriptorType
	FileID   int64 // router-assigned file id (OPEN's response field)
	Path     string
	Device   string
	Position int64
	Flags    int
	CharDev  bool
	SocketFD int // >0 when this descriptor refers into pkg/socket's table
	Cloned   bool // inherited across fork without a deep copy (spec.md §3)
}

// Process groups one or more threads sharing an address space, I/O table,
// and parent/child relationships.
type Process struct {
	mu sync.Mutex

	PID, Parent uint32
	UID, GID    uint32

	Command string
	Env     []string
	Cwd     string
	Umask   int

	Threads  []*Thread
	Children []*Process

	IO []IODescriptor

	Zombie bool
	Orphan bool

	Space *vmm.AddressSpace
}

func NewProcess(pid, parent uint32, maxIODescriptors int) *Process {
	return &Process{
		PID:    pid,
		Parent: parent,
		IO:     make([]IODescriptor, maxIODescriptors),
		Cwd:    "/",
		Umask:  0o022,
	}
}

func (p *Process) Lock()   { p.mu.Lock() }
func (p *Process) Unlock() { p.mu.Unlock() }

// AllZombie reports whether every thread of the process has exited,
// matching exit.c's terminateThread loop that flips Process.Zombie once no
// live thread remains.
func (p *Process) AllZombie() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Threads) == 0 {
		return false
	}
	for _, t := range p.Threads {
		t.Lock()
		z := t.Status == ThreadZombie
		t.Unlock()
		if !z {
			return false
		}
	}
	return true
}

// AllocateIODescriptor finds the first free slot, installs it, and returns
// its index, or -1 if the table is full.
func (p *Process) AllocateIODescriptor(d IODescriptor) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.IO {
		if !p.IO[i].Valid {
			d.Valid = true
			p.IO[i] = d
			return i
		}
	}
	return -1
}

func (p *Process) IODescriptorAt(fd int) (IODescriptor, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.IO) || !p.IO[fd].Valid {
		return IODescriptor{}, false
	}
	return p.IO[fd], true
}

func (p *Process) CloseIODescriptor(fd int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.IO) || !p.IO[fd].Valid {
		return false
	}
	p.IO[fd] = IODescriptor{}
	return true
}

// CloseWithFlag invalidates every valid descriptor whose Flags has every
// bit of mask set — exec()'s "close every IODescriptor with CLOEXEC"
// step (spec.md §4.8 step 4).
func (p *Process) CloseWithFlag(mask int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.IO {
		if p.IO[i].Valid && p.IO[i].Flags&mask == mask {
			p.IO[i] = IODescriptor{}
		}
	}
}

// SetIODescriptor overwrites the descriptor at fd unconditionally (used by
// completion handlers that must rewrite caller state by fd, e.g. WRITE's
// echoed file position).
func (p *Process) SetIODescriptor(fd int, d IODescriptor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fd < 0 || fd >= len(p.IO) {
		return false
	}
	p.IO[fd] = d
	return true
}
