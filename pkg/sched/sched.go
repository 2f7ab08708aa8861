// Package sched implements lux's preemptive round-robin scheduler: a
// random-probe PID allocator, the two-round election loop, the sleep
// queue, and the zombie/orphan/waitpid lifecycle.
//
// Grounded on _examples/original_source/src/sched/sched.c (schedInit,
// allocatePid, schedule, schedTimeslice, schedAdjustTimeslice),
// sched/exit.c (terminateThread's zombie/orphan transition), sched/sleep.c
// (msleep/schedSleepTimer), and sched/waitpid.c (processStatus/waitpid pid
// semantics) — translated from a single global lock to a per-Scheduler
// deadlock.Mutex guarding the same process list.
package sched

import (
	"math/rand"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"

	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/memory/vmm"
	"github.com/lux-project/lux/pkg/proc"
	"github.com/lux-project/lux/pkg/sig"
)

// TimeSlice is the per-priority-level tick unit (spec.md §4.3
// SCHED_TIME_SLICE).
const TimeSlice = 10

// Scheduler owns the process table, the PID bitmap, and the sleep queue.
type Scheduler struct {
	mu deadlock.Mutex

	maxPID   int
	pidUsed  []bool
	running  bool
	vmm      *vmm.Manager

	processes []*proc.Process
	sleeping  []*proc.Thread

	lumenPID  uint32
	kernelPID uint32

	cursor int // index into processes, election loop position
}

func New(maxPID int, m *vmm.Manager) *Scheduler {
	s := &Scheduler{
		maxPID:  maxPID,
		pidUsed: make([]bool, maxPID),
		vmm:     m,
	}
	s.pidUsed[0] = true // PID zero is reserved
	return s
}

// allocatePID probes random candidates until a free one is found, matching
// sched.c's allocatePid (prevents PID reuse from being trivially
// predictable, unlike a monotonic counter).
func (s *Scheduler) allocatePID() uint32 {
	if len(s.processes) >= s.maxPID {
		return 0
	}
	for {
		pid := uint32(rand.Intn(s.maxPID-1) + 1)
		if !s.pidUsed[pid] {
			s.pidUsed[pid] = true
			return pid
		}
	}
}

func (s *Scheduler) releasePID(pid uint32) {
	if int(pid) < len(s.pidUsed) {
		s.pidUsed[pid] = false
	}
}

// SetLumenPID/SetKernelPID record the two PIDs that get special treatment:
// lumen can never terminate, and orphans are re-parented to it.
func (s *Scheduler) SetLumenPID(pid uint32)  { s.mu.Lock(); s.lumenPID = pid; s.mu.Unlock() }
func (s *Scheduler) SetKernelPID(pid uint32) { s.mu.Lock(); s.kernelPID = pid; s.mu.Unlock() }

func (s *Scheduler) LumenPID() uint32 { s.mu.Lock(); defer s.mu.Unlock(); return s.lumenPID }

// SetRunning enables or disables the election loop, mirroring setScheduling.
func (s *Scheduler) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// CreateProcess allocates a PID and installs a blank process as a child of
// parent (0 for none), matching processCreate.
func (s *Scheduler) CreateProcess(parent uint32, maxIODescriptors int) (*proc.Process, errno.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pid := s.allocatePID()
	if pid == 0 {
		return nil, errno.EAGAIN
	}

	p := proc.NewProcess(pid, parent, maxIODescriptors)
	s.processes = append(s.processes, p)

	if parentProc := s.findLocked(parent); parentProc != nil {
		parentProc.Lock()
		parentProc.Children = append(parentProc.Children, p)
		parentProc.Unlock()
	}
	return p, 0
}

// CreateThread installs a new thread in p with a fresh TID (PID for the
// main thread == its own TID, as in the original's threadCreate/fork).
func (s *Scheduler) CreateThread(p *proc.Process, priority proc.Priority, space *vmm.AddressSpace) (*proc.Thread, errno.Errno) {
	p.Lock()
	mainThread := len(p.Threads) == 0
	p.Unlock()

	tid := p.PID
	if !mainThread {
		s.mu.Lock()
		tid = s.allocatePID()
		s.mu.Unlock()
	}
	if tid == 0 {
		return nil, errno.EAGAIN
	}

	if priority == 0 {
		priority = proc.PriorityNormal // Open Question (d): zero priority normalizes to Normal
	}

	t := &proc.Thread{
		PID: p.PID, TID: tid,
		Status:   proc.ThreadQueued,
		Priority: priority,
		Time:     uint64(priority) * TimeSlice,
		Space:    space,
		Signals:  sig.Defaults(),
	}

	p.Lock()
	p.Threads = append(p.Threads, t)
	p.Unlock()
	return t, 0
}

// Fork clones the calling thread into a brand-new process: a single thread
// sharing none of the parent's live registers (simulated here by cloning
// the parent's address space instead of its context), its own copy of the
// I/O descriptor table, and a cloned signal handler table. Any allocation
// failure returns ENOMEM (ESRCH only when the parent process is missing);
// a cloned address space or a created process is released before
// returning.
func (s *Scheduler) Fork(parent *proc.Thread) (*proc.Process, *proc.Thread, errno.Errno) {
	parentProcess := s.Process(parent.PID)
	if parentProcess == nil {
		return nil, nil, errno.ESRCH
	}

	parent.Lock()
	parentSpace := parent.Space
	parentSignals := parent.Signals
	parent.Unlock()

	var childSpace *vmm.AddressSpace
	if parentSpace != nil {
		var e errno.Errno
		childSpace, e = s.vmm.CloneUserSpace(parentSpace)
		if e != 0 {
			return nil, nil, errno.ENOMEM
		}
	}

	child, e := s.CreateProcess(parentProcess.PID, len(parentProcess.IO))
	if e != 0 {
		if childSpace != nil {
			s.vmm.DestroyAddressSpace(childSpace)
		}
		return nil, nil, errno.ENOMEM
	}

	parentProcess.Lock()
	child.Lock()
	child.UID, child.GID = parentProcess.UID, parentProcess.GID
	child.Cwd = parentProcess.Cwd
	child.Command = parentProcess.Command
	child.Env = append([]string(nil), parentProcess.Env...)
	for i, d := range parentProcess.IO {
		if !d.Valid {
			continue
		}
		d.Cloned = true
		child.IO[i] = d
	}
	child.Space = childSpace
	child.Unlock()
	parentProcess.Unlock()

	childThread, e := s.CreateThread(child, parent.Priority, childSpace)
	if e != 0 {
		s.removeEmptyProcess(child)
		if childSpace != nil {
			s.vmm.DestroyAddressSpace(childSpace)
		}
		return nil, nil, errno.ENOMEM
	}
	childThread.Signals = parentSignals.Clone()

	return child, childThread, 0
}

// removeEmptyProcess drops a freshly-created process with no threads from
// the table, for Fork's rollback path when thread creation fails after the
// process itself was already allocated.
func (s *Scheduler) removeEmptyProcess(p *proc.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, candidate := range s.processes {
		if candidate == p {
			s.processes = append(s.processes[:i], s.processes[i+1:]...)
			s.releasePID(p.PID)
			break
		}
	}
	if parentProc := s.findLocked(p.Parent); parentProc != nil {
		parentProc.Lock()
		for i, c := range parentProc.Children {
			if c == p {
				parentProc.Children = append(parentProc.Children[:i], parentProc.Children[i+1:]...)
				break
			}
		}
		parentProc.Unlock()
	}
}

// Kill sends a signal to a thread by TID, matching signal.c's kill()
// validation: ESRCH for no such thread, EINVAL for an out-of-range signal
// number, and a no-op success for sig == 0 (the POSIX existence probe).
func (s *Scheduler) Kill(tid uint32, signum int) errno.Errno {
	if signum < 0 || signum > sig.MaxSignal {
		return errno.EINVAL
	}

	t := s.Thread(tid)
	if t == nil {
		return errno.ESRCH
	}
	if signum == 0 {
		return 0
	}

	t.Lock()
	table := t.Signals
	t.Unlock()
	if table == nil {
		return errno.ESRCH
	}
	return table.Raise(sig.Info{Signo: signum, PID: tid})
}

func (s *Scheduler) findLocked(pid uint32) *proc.Process {
	p, ok := lo.Find(s.processes, func(p *proc.Process) bool { return p.PID == pid })
	if !ok {
		return nil
	}
	return p
}

// Process looks up a process by PID.
func (s *Scheduler) Process(pid uint32) *proc.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(pid)
}

// Thread looks up a thread by TID across every process.
func (s *Scheduler) Thread(tid uint32) *proc.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.processes {
		p.Lock()
		for _, t := range p.Threads {
			if t.TID == tid {
				p.Unlock()
				return t
			}
		}
		p.Unlock()
	}
	return nil
}

// timeslice computes a thread's tick budget: priority * TimeSlice
// (schedTimeslice).
func timeslice(priority proc.Priority) uint64 {
	if priority == 0 {
		priority = proc.PriorityNormal
	}
	return uint64(priority) * TimeSlice
}

// AdjustTimeslices refreshes Time for every queued or blocked thread,
// matching schedAdjustTimeslice (called after processes/threads count
// changes so timeslice shares stay fair).
func (s *Scheduler) AdjustTimeslices() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.processes {
		p.Lock()
		for _, t := range p.Threads {
			t.Lock()
			if t.Status == proc.ThreadQueued || t.Status == proc.ThreadBlocked {
				t.Time = timeslice(t.Priority)
			}
			t.Unlock()
		}
		p.Unlock()
	}
}

// Elect runs one election pass over the process table starting after
// cursor and returns the next thread to run, or nil if nothing is queued.
// It mirrors schedule()'s two-round circular scan: a full lap with nothing
// queued and it gives up rather than spinning a third time.
func (s *Scheduler) Elect() *proc.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || len(s.processes) == 0 {
		return nil
	}

	n := len(s.processes)
	for rounds := 0; rounds < 2; rounds++ {
		for i := 0; i < n; i++ {
			idx := (s.cursor + i) % n
			p := s.processes[idx]

			p.Lock()
			for _, t := range p.Threads {
				t.Lock()
				if t.Status == proc.ThreadQueued {
					t.Status = proc.ThreadRunning
					t.Time = timeslice(t.Priority)
					t.Unlock()
					p.Unlock()
					s.cursor = (idx + 1) % n
					return t
				}
				t.Unlock()
			}
			p.Unlock()
		}
	}
	return nil
}

// Preempt reverts a running thread to queued at the end of its timeslice.
func (s *Scheduler) Preempt(t *proc.Thread) {
	t.Lock()
	if t.Status == proc.ThreadRunning {
		t.Status = proc.ThreadQueued
	}
	t.Unlock()
}

// Tick decrements the running thread's timeslice and every sleeping
// thread's countdown, waking any whose duration elapsed. Returns the
// remaining timeslice of t, matching schedTimer's return value.
func (s *Scheduler) Tick(t *proc.Thread) uint64 {
	var remaining uint64
	if t != nil {
		t.Lock()
		if t.Time > 0 {
			t.Time--
		}
		remaining = t.Time
		t.Unlock()
	}

	s.mu.Lock()
	woken := s.sleeping[:0]
	for _, st := range s.sleeping {
		st.Lock()
		if st.Status != proc.ThreadSleep {
			st.Unlock()
			continue
		}
		if st.Time > 0 {
			st.Time--
		}
		if st.Time == 0 {
			st.Status = proc.ThreadQueued
			st.Time = timeslice(st.Priority)
			st.Unlock()
			continue // dropped from the sleep queue
		}
		st.Unlock()
		woken = append(woken, st)
	}
	s.sleeping = woken
	s.mu.Unlock()

	return remaining
}

// Sleep puts a thread to sleep for durationTicks scheduler ticks
// (msleep, ticks pre-converted from milliseconds by the caller).
func (s *Scheduler) Sleep(t *proc.Thread, durationTicks uint64) {
	if durationTicks == 0 {
		return
	}
	t.Lock()
	t.Status = proc.ThreadSleep
	t.Time = durationTicks
	t.Unlock()

	s.mu.Lock()
	s.sleeping = append(s.sleeping, t)
	s.mu.Unlock()
}

// Block marks a thread blocked on a syscall response (blockThread).
func (s *Scheduler) Block(t *proc.Thread) {
	t.Lock()
	t.Status = proc.ThreadBlocked
	t.Time = timeslice(t.Priority)
	t.Unlock()
}

// Unblock requeues a thread once its syscall response arrives
// (unblockThread).
func (s *Scheduler) Unblock(t *proc.Thread) {
	t.Lock()
	t.Status = proc.ThreadQueued
	t.Unlock()
}

// Yield requeues a thread that voluntarily gave up its timeslice.
func (s *Scheduler) Yield(t *proc.Thread) {
	t.Lock()
	t.Status = proc.ThreadQueued
	t.Time = timeslice(t.Priority)
	t.Unlock()
}

// Terminate marks a thread zombie, folding in the normal/abnormal exit
// status and cascading the parent-zombie/children-orphan transition
// (terminateThread). Lumen (pid == lumenPID) can never terminate; the
// caller is expected to have already prevented that request from reaching
// here, but Terminate double-checks and refuses rather than panicking —
// unlike the original's KPANIC, a simulated kernel keeps running.
func (s *Scheduler) Terminate(t *proc.Thread, status int, normal bool) errno.Errno {
	s.mu.Lock()
	lumen := s.lumenPID
	s.mu.Unlock()

	if t.PID == lumen || t.TID == lumen {
		return errno.EPERM
	}

	t.Lock()
	t.Status = proc.ThreadZombie
	t.NormalExit = normal
	t.ExitStatus = status & 0xFF
	t.Unlock()

	p := s.Process(t.PID)
	if p == nil {
		return errno.ESRCH
	}

	if p.AllZombie() {
		p.Lock()
		p.Zombie = true
		for _, c := range p.Children {
			c.Lock()
			c.Orphan = true
			c.Parent = lumen
			c.Unlock()
		}
		p.Unlock()
	}
	return 0
}

// processStatus returns the pid and exit status of the first
// not-yet-cleaned zombie thread in p, or 0 if none is ready
// (sched/waitpid.c's processStatus).
func processStatus(p *proc.Process) (uint32, int) {
	if p == nil {
		return 0, 0
	}
	p.Lock()
	defer p.Unlock()
	for _, t := range p.Threads {
		t.Lock()
		if !t.Cleaned && t.Status == proc.ThreadZombie {
			t.Cleaned = true
			pid, status := t.TID, t.ExitStatus
			t.Unlock()
			return pid, status
		}
		t.Unlock()
	}
	return 0, 0
}

// Waitpid polls for a terminated child matching the POSIX pid-group rules:
// pid > 0 one specific process; pid == 0 or -1 any child; pid < -1 a
// specific process group (here treated the same as one specific process,
// since lux's simulated processes don't implement group IDs beyond PID).
// Returns (0, 0, 0) when no status is ready yet. A matched zombie is
// reclaimed immediately (threadCleanup inlined into processStatus in the
// original; here reap happens right after the match so a subsequent
// Waitpid on the same pid correctly reports ESRCH instead of finding a
// corpse still lingering in the table).
func (s *Scheduler) Waitpid(caller *proc.Thread, pid int32) (uint32, int, errno.Errno) {
	self := s.Process(caller.PID)
	if self == nil {
		return 0, 0, errno.ESRCH
	}

	if pid > 0 {
		target := s.Process(uint32(pid))
		if target == nil {
			return 0, 0, errno.ESRCH
		}
		rpid, status := processStatus(target)
		if rpid != 0 {
			s.Reap(rpid)
		}
		return rpid, status, 0
	}
	if pid < -1 {
		target := s.Process(uint32(-pid))
		if target == nil {
			return 0, 0, errno.ESRCH
		}
		rpid, status := processStatus(target)
		if rpid != 0 {
			s.Reap(rpid)
		}
		return rpid, status, 0
	}

	self.Lock()
	children := append([]*proc.Process(nil), self.Children...)
	self.Unlock()
	if len(children) == 0 {
		return 0, 0, errno.ECHILD
	}

	for _, child := range children {
		if rpid, status := processStatus(child); rpid != 0 {
			s.Reap(rpid)
			return rpid, status, 0
		}
	}
	return 0, 0, 0
}

// Reap removes a zombie thread (and its process, if it was the last
// thread) from the scheduler entirely: dropped from its process's thread
// list, from the parent's children array, its address space destroyed,
// and its PID released. Called once a waiting parent has consumed the
// exit status via Waitpid (threadCleanup in the original).
func (s *Scheduler) Reap(tid uint32) {
	s.mu.Lock()

	var freed *proc.Process
search:
	for pi, p := range s.processes {
		p.Lock()
		for i, t := range p.Threads {
			if t.TID != tid {
				continue
			}
			p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
			s.releasePID(tid)
			if len(p.Threads) == 0 {
				s.processes = append(s.processes[:pi], s.processes[pi+1:]...)
				s.releasePID(p.PID)
				freed = p
			}
			p.Unlock()
			break search
		}
		p.Unlock()
	}
	s.mu.Unlock()

	if freed == nil {
		return
	}

	if parentProc := s.Process(freed.Parent); parentProc != nil {
		parentProc.Lock()
		for i, c := range parentProc.Children {
			if c == freed {
				parentProc.Children = append(parentProc.Children[:i], parentProc.Children[i+1:]...)
				break
			}
		}
		parentProc.Unlock()
	}

	if freed.Space != nil {
		s.vmm.DestroyAddressSpace(freed.Space)
	}
}

// Counts returns the live process and thread totals (spec.md §4.3's
// `processes`/`threads` globals, exposed for COMMAND_SYSINFO).
func (s *Scheduler) Counts() (processes, threads int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	processes = len(s.processes)
	for _, p := range s.processes {
		p.Lock()
		threads += len(p.Threads)
		p.Unlock()
	}
	return
}

// Snapshot lists every live process, used by COMMAND_PROCESS_LIST.
func (s *Scheduler) Snapshot() []*proc.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*proc.Process, len(s.processes))
	copy(out, s.processes)
	return out
}
