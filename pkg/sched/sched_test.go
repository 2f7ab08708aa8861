package sched

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/memory/pmm"
	"github.com/lux-project/lux/pkg/memory/vmm"
	"github.com/lux-project/lux/pkg/proc"
	"github.com/lux-project/lux/pkg/sig"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s := New(1000, nil)
	s.SetRunning(true)
	return s
}

func newTestSchedulerWithVMM(t *testing.T) (*Scheduler, *vmm.Manager) {
	t.Helper()
	p := pmm.New(16*1024*1024, 64*1024, []pmm.MemoryMapEntry{
		{Base: 0, Length: 16 * 1024 * 1024, Type: pmm.MemoryUsable, AttributesValid: true},
	})
	m := vmm.New(p, vmm.Config{
		KernelHeapBase: 0xFFFF800000000000, KernelHeapLimit: 0xFFFF800010000000,
		UserHeapBase: 0x0000000001000000, UserHeapLimit: 0x0000000010000000,
		MMIOBase: 0xFFFF900000000000, MMIOLimit: 0xFFFF900010000000,
	})
	s := New(1000, m)
	s.SetRunning(true)
	return s, m
}

// TestCreateProcessAssignsUniquePID is a function.
func TestCreateProcessAssignsUniquePID(t *testing.T) {
	s := newTestScheduler(t)
	seen := map[uint32]bool{}
	for i := 0; i < 20; i++ {
		p, e := s.CreateProcess(0, 4)
		assert.Equal(t, errno.Errno(0), e)
		assert.False(t, seen[p.PID])
		assert.NotZero(t, p.PID)
		seen[p.PID] = true
	}
}

// TestElectQueuedThreadRunsOnce is a function.
func TestElectQueuedThreadRunsOnce(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	elected := s.Elect()
	assert.Equal(t, th, elected)
	assert.Equal(t, proc.ThreadRunning, elected.Status)
	assert.Equal(t, uint64(proc.PriorityNormal*TimeSlice), elected.Time)

	// nothing else queued: a second election finds nothing new
	assert.Nil(t, s.Elect())
}

// TestElectRoundRobinsAcrossProcesses is a function.
func TestElectRoundRobinsAcrossProcesses(t *testing.T) {
	s := newTestScheduler(t)
	p1, _ := s.CreateProcess(0, 4)
	t1, _ := s.CreateThread(p1, proc.PriorityNormal, nil)
	p2, _ := s.CreateProcess(0, 4)
	t2, _ := s.CreateThread(p2, proc.PriorityNormal, nil)

	first := s.Elect()
	s.Preempt(first)
	second := s.Elect()

	assert.NotEqual(t, first.TID, second.TID)
	assert.ElementsMatch(t, []uint32{t1.TID, t2.TID}, []uint32{first.TID, second.TID})
}

// TestZeroPriorityNormalizesToNormal is a function.
func TestZeroPriorityNormalizesToNormal(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, 0, nil)
	assert.Equal(t, proc.PriorityNormal, th.Priority)
}

// TestSleepWakesAfterTicksElapse is a function.
func TestSleepWakesAfterTicksElapse(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	s.Sleep(th, 3)
	assert.Equal(t, proc.ThreadSleep, th.Status)

	s.Tick(nil)
	s.Tick(nil)
	assert.Equal(t, proc.ThreadSleep, th.Status)

	s.Tick(nil)
	assert.Equal(t, proc.ThreadQueued, th.Status)
}

// TestTerminateLastThreadMarksProcessZombieAndOrphansChildren is a function.
func TestTerminateLastThreadMarksProcessZombieAndOrphansChildren(t *testing.T) {
	s := newTestScheduler(t)
	s.SetLumenPID(999)

	parent, _ := s.CreateProcess(0, 4)
	parentThread, _ := s.CreateThread(parent, proc.PriorityNormal, nil)
	child, _ := s.CreateProcess(parent.PID, 4)
	s.CreateThread(child, proc.PriorityNormal, nil)

	assert.Equal(t, errno.Errno(0), s.Terminate(parentThread, 0, true))
	assert.True(t, parent.Zombie)
	assert.True(t, child.Orphan)
	assert.Equal(t, uint32(999), child.Parent)
}

// TestTerminateRefusesLumen is a function.
func TestTerminateRefusesLumen(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)
	s.SetLumenPID(p.PID)

	assert.Equal(t, errno.EPERM, s.Terminate(th, 0, true))
}

// TestWaitpidReturnsZeroUntilChildExits is a function.
func TestWaitpidReturnsZeroUntilChildExits(t *testing.T) {
	s := newTestScheduler(t)
	parent, _ := s.CreateProcess(0, 4)
	parentThread, _ := s.CreateThread(parent, proc.PriorityNormal, nil)
	child, _ := s.CreateProcess(parent.PID, 4)
	childThread, _ := s.CreateThread(child, proc.PriorityNormal, nil)

	pid, _, e := s.Waitpid(parentThread, -1)
	assert.Equal(t, errno.Errno(0), e)
	assert.Zero(t, pid)

	s.Terminate(childThread, 7, true)

	pid, status, e := s.Waitpid(parentThread, -1)
	assert.Equal(t, errno.Errno(0), e)
	assert.Equal(t, childThread.TID, pid)
	assert.Equal(t, 7, status)
	assert.True(t, childThread.NormalExit)

	// a second poll finds nothing: the reaped child left the parent's
	// children list, so no child remains to wait for
	pid, _, e = s.Waitpid(parentThread, -1)
	assert.Zero(t, pid)
	assert.Equal(t, errno.ECHILD, e)
}

// TestWaitpidNoChildrenReturnsECHILD is a function.
func TestWaitpidNoChildrenReturnsECHILD(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	_, _, e := s.Waitpid(th, -1)
	assert.Equal(t, errno.ECHILD, e)
}

// TestReapRemovesThreadAndReleasesPID is a function.
func TestReapRemovesThreadAndReleasesPID(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	s.Terminate(th, 0, true)
	s.Reap(th.TID)

	assert.Nil(t, s.Thread(th.TID))
	assert.Nil(t, s.Process(p.PID))
}

// TestWaitpidSpecificPidReturnsESRCHForNoSuchProcess is a function.
func TestWaitpidSpecificPidReturnsESRCHForNoSuchProcess(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	_, _, e := s.Waitpid(th, 54321)
	assert.Equal(t, errno.ESRCH, e)
}

// TestWaitpidReapsAndSubsequentWaitIsESRCH is a function.
func TestWaitpidReapsAndSubsequentWaitIsESRCH(t *testing.T) {
	s := newTestScheduler(t)
	parent, _ := s.CreateProcess(0, 4)
	parentThread, _ := s.CreateThread(parent, proc.PriorityNormal, nil)
	child, _ := s.CreateProcess(parent.PID, 4)
	childThread, _ := s.CreateThread(child, proc.PriorityNormal, nil)

	s.Terminate(childThread, 5, true)

	pid, status, e := s.Waitpid(parentThread, int32(child.PID))
	assert.Equal(t, errno.Errno(0), e)
	assert.Equal(t, childThread.TID, pid)
	assert.Equal(t, 5, status)

	// the child was reclaimed by the prior call: the same pid is now absent
	_, _, e = s.Waitpid(parentThread, int32(child.PID))
	assert.Equal(t, errno.ESRCH, e)
	assert.Nil(t, s.Process(child.PID))
}

// TestForkClonesAddressSpaceAndIOTable is a function.
func TestForkClonesAddressSpaceAndIOTable(t *testing.T) {
	s, m := newTestSchedulerWithVMM(t)
	parent, _ := s.CreateProcess(0, 4)
	space := m.NewAddressSpace()
	parent.Space = space
	parentThread, _ := s.CreateThread(parent, proc.PriorityNormal, space)

	parent.IO[0] = proc.IODescriptor{Valid: true, Type: proc.IOFile, Path: "/etc/motd"}

	child, childThread, e := s.Fork(parentThread)
	assert.Equal(t, errno.Errno(0), e)
	assert.NotNil(t, child)
	assert.NotNil(t, childThread)
	assert.Equal(t, parent.PID, child.Parent)
	assert.NotEqual(t, parent.PID, child.PID)
	assert.NotSame(t, parent.Space, child.Space)
	assert.True(t, child.IO[0].Valid)
	assert.True(t, child.IO[0].Cloned)
	assert.Equal(t, "/etc/motd", child.IO[0].Path)
}

// TestKillNoSuchThreadReturnsESRCH is a function.
func TestKillNoSuchThreadReturnsESRCH(t *testing.T) {
	s := newTestScheduler(t)
	assert.Equal(t, errno.ESRCH, s.Kill(99999, sig.SIGTERM))
}

// TestKillOutOfRangeSignalReturnsEINVAL is a function.
func TestKillOutOfRangeSignalReturnsEINVAL(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	assert.Equal(t, errno.EINVAL, s.Kill(th.TID, 999))
}

// TestKillZeroSignalIsExistenceProbe is a function.
func TestKillZeroSignalIsExistenceProbe(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	assert.Equal(t, errno.Errno(0), s.Kill(th.TID, 0))
}

// TestKillQueuesSignalForDelivery is a function.
func TestKillQueuesSignalForDelivery(t *testing.T) {
	s := newTestScheduler(t)
	p, _ := s.CreateProcess(0, 4)
	th, _ := s.CreateThread(p, proc.PriorityNormal, nil)

	assert.Equal(t, errno.Errno(0), s.Kill(th.TID, sig.SIGTERM))
	delivery, ok := th.Signals.Deliver()
	assert.True(t, ok)
	assert.Equal(t, sig.SIGTERM, delivery.Info.Signo)
}
