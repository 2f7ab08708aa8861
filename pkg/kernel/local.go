package kernel

import (
	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/memory/vmm"
	"github.com/lux-project/lux/pkg/proc"
	"github.com/lux-project/lux/pkg/socket"
	"github.com/lux-project/lux/pkg/syspipe"
)

// Local syscall ordinals: a range the syspipe dispatch table uses
// exclusively for requests the kernel can answer synchronously, without
// ever crossing the bridge to lumen. Kept clear of package bridge's
// (wire.go) general (0x0000-0x0007), syscall (0x8000-0x800F), and IRQ
// (0xC000) ranges.
const (
	LocalGetpid uint64 = 0x0100 + iota
	LocalGettid
	LocalGetuid
	LocalGetgid
	LocalSetuid
	LocalSetgid
	LocalFork
	LocalYield
	LocalWaitpid
	LocalMsleep
	LocalTimes
	LocalSocket
	LocalConnect
	LocalBind
	LocalListen
	LocalAccept
	LocalRecv
	LocalSend
	LocalKill
	LocalSbrk
	LocalMmapAnon
	LocalMunmap
)

// registerLocalSyscalls wires the §4.5 dispatch-table ordinals that never
// touch the router: identity, scheduling control, process lifecycle, the
// local socket family, and anonymous memory management.
func (k *Kernel) registerLocalSyscalls() {
	k.Pipe.Register(LocalGetpid, k.localGetpid)
	k.Pipe.Register(LocalGettid, k.localGettid)
	k.Pipe.Register(LocalGetuid, k.localGetuid)
	k.Pipe.Register(LocalGetgid, k.localGetgid)
	k.Pipe.Register(LocalSetuid, k.localSetuid)
	k.Pipe.Register(LocalSetgid, k.localSetgid)
	k.Pipe.Register(LocalFork, k.localFork)
	k.Pipe.Register(LocalYield, k.localYield)
	k.Pipe.Register(LocalWaitpid, k.localWaitpid)
	k.Pipe.Register(LocalMsleep, k.localMsleep)
	k.Pipe.Register(LocalTimes, k.localTimes)
	k.Pipe.Register(LocalSocket, k.localSocket)
	k.Pipe.Register(LocalConnect, k.localConnect)
	k.Pipe.Register(LocalBind, k.localBind)
	k.Pipe.Register(LocalListen, k.localListen)
	k.Pipe.Register(LocalAccept, k.localAccept)
	k.Pipe.Register(LocalRecv, k.localRecv)
	k.Pipe.Register(LocalSend, k.localSend)
	k.Pipe.Register(LocalKill, k.localKill)
	k.Pipe.Register(LocalSbrk, k.localSbrk)
	k.Pipe.Register(LocalMmapAnon, k.localMmapAnon)
	k.Pipe.Register(LocalMunmap, k.localMunmap)
}

func (k *Kernel) localGetpid(req *syspipe.Request) (int64, bool) {
	if req.Thread == nil {
		return errno.ESRCH.Neg(), false
	}
	return int64(req.Thread.PID), false
}

func (k *Kernel) localGettid(req *syspipe.Request) (int64, bool) {
	if req.Thread == nil {
		return errno.ESRCH.Neg(), false
	}
	return int64(req.Thread.TID), false
}

func (k *Kernel) localGetuid(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	p.Lock()
	defer p.Unlock()
	return int64(p.UID), false
}

func (k *Kernel) localGetgid(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	p.Lock()
	defer p.Unlock()
	return int64(p.GID), false
}

// localSetuid/localSetgid allow only root (uid 0) to change identity, or a
// process to set its own current uid/gid back to itself — setuid(2)'s
// unprivileged-no-op case.
func (k *Kernel) localSetuid(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	newUID := uint32(req.Params[0])
	p.Lock()
	defer p.Unlock()
	if p.UID != 0 && p.UID != newUID {
		return errno.EPERM.Neg(), false
	}
	p.UID = newUID
	return 0, false
}

func (k *Kernel) localSetgid(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	newGID := uint32(req.Params[0])
	p.Lock()
	defer p.Unlock()
	if p.UID != 0 && p.GID != newGID {
		return errno.EPERM.Neg(), false
	}
	p.GID = newGID
	return 0, false
}

func (k *Kernel) localFork(req *syspipe.Request) (int64, bool) {
	if req.Thread == nil {
		return errno.ESRCH.Neg(), false
	}
	_, child, e := k.Sched.Fork(req.Thread)
	if e != 0 {
		return e.Neg(), false
	}
	return int64(child.TID), false
}

func (k *Kernel) localYield(req *syspipe.Request) (int64, bool) {
	if req.Thread != nil {
		k.Sched.Yield(req.Thread)
	}
	return 0, false
}

func (k *Kernel) localWaitpid(req *syspipe.Request) (int64, bool) {
	if req.Thread == nil {
		return errno.ESRCH.Neg(), false
	}
	pid, status, e := k.Sched.Waitpid(req.Thread, int32(req.Params[0]))
	if e != 0 {
		return e.Neg(), false
	}
	if pid == 0 {
		return 0, true // nothing reaped yet: retry until a child exits
	}
	return int64(pid) | int64(status)<<32, false
}

func (k *Kernel) localMsleep(req *syspipe.Request) (int64, bool) {
	if req.Thread == nil {
		return errno.ESRCH.Neg(), false
	}
	millis := req.Params[0]
	ticks := (millis*uint64(defaultTimerHz) + 999) / 1000
	k.Sched.Sleep(req.Thread, ticks)
	return 0, false
}

// defaultTimerHz mirrors TIMER_FREQUENCY_HZ for converting msleep's
// millisecond argument into scheduler ticks.
const defaultTimerHz = 1000

func (k *Kernel) localTimes(req *syspipe.Request) (int64, bool) {
	processes, threads := k.Sched.Counts()
	return int64(processes)<<32 | int64(threads), false
}

func (k *Kernel) localSocket(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	d, e := k.Sock.Socket(p.PID, int(req.Params[0]), int(req.Params[1]))
	if e != 0 {
		return e.Neg(), false
	}
	fd := p.AllocateIODescriptor(proc.IODescriptor{Type: proc.IOSocket, SocketFD: d.FD() + 1})
	if fd < 0 {
		k.Sock.Close(d)
		return errno.EMFILE.Neg(), false
	}
	return int64(fd), false
}

// socketDescriptor resolves a process fd into its socket.Descriptor,
// relying on IODescriptor.SocketFD being stored 1-biased so the zero value
// still means "not a socket."
func (k *Kernel) socketDescriptor(p *proc.Process, fd uint64) (*socket.Descriptor, errno.Errno) {
	d, ok := p.IODescriptorAt(int(fd))
	if !ok || d.Type != proc.IOSocket || d.SocketFD <= 0 {
		return nil, errno.EBADF
	}
	sd, ok := k.Sock.ByFD(d.SocketFD - 1)
	if !ok {
		return nil, errno.EBADF
	}
	return sd, 0
}

func (k *Kernel) localConnect(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	sd, e := k.socketDescriptor(p, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}
	path, e := readUserString(k, req, req.Params[1], req.Params[2])
	if e != 0 {
		return e.Neg(), false
	}
	if e := k.Sock.Connect(sd, path); e != 0 {
		return e.Neg(), false
	}
	return 0, false
}

func (k *Kernel) localBind(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	sd, e := k.socketDescriptor(p, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}
	path, e := readUserString(k, req, req.Params[1], req.Params[2])
	if e != 0 {
		return e.Neg(), false
	}
	if e := k.Sock.Bind(sd, path); e != 0 {
		return e.Neg(), false
	}
	return 0, false
}

func (k *Kernel) localListen(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	sd, e := k.socketDescriptor(p, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}
	if e := k.Sock.Listen(sd, int(req.Params[1])); e != 0 {
		return e.Neg(), false
	}
	return 0, false
}

func (k *Kernel) localAccept(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	sd, e := k.socketDescriptor(p, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}
	accepted, e := k.Sock.Accept(sd)
	if e == errno.EAGAIN {
		return 0, true
	}
	if e != 0 {
		return e.Neg(), false
	}
	fd := p.AllocateIODescriptor(proc.IODescriptor{Type: proc.IOSocket, SocketFD: accepted.FD() + 1})
	if fd < 0 {
		k.Sock.Close(accepted)
		return errno.EMFILE.Neg(), false
	}
	return int64(fd), false
}

func (k *Kernel) localRecv(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	sd, e := k.socketDescriptor(p, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}
	data, e := k.Sock.Recv(sd, int(req.Params[2]))
	if e == errno.EAGAIN {
		return 0, true
	}
	if e != 0 {
		return e.Neg(), false
	}
	if len(data) > 0 {
		space := userSpace(req)
		if space == nil {
			return errno.EFAULT.Neg(), false
		}
		if e := k.VMM.CopyOut(space, req.Params[1], data); e != 0 {
			return e.Neg(), false
		}
	}
	return int64(len(data)), false
}

func (k *Kernel) localSend(req *syspipe.Request) (int64, bool) {
	p := k.callerProcess(req)
	if p == nil {
		return errno.ESRCH.Neg(), false
	}
	sd, e := k.socketDescriptor(p, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}
	space := userSpace(req)
	if space == nil {
		return errno.EFAULT.Neg(), false
	}
	data, e := k.VMM.CopyIn(space, req.Params[1], int(req.Params[2]))
	if e != 0 {
		return e.Neg(), false
	}
	n, e := k.Sock.Send(sd, data)
	if e != 0 {
		return e.Neg(), false
	}
	return int64(n), false
}

func (k *Kernel) localKill(req *syspipe.Request) (int64, bool) {
	tid := uint32(req.Params[0])
	signum := int(req.Params[1])
	return k.Sched.Kill(tid, signum).Neg(), false
}

func (k *Kernel) localSbrk(req *syspipe.Request) (int64, bool) {
	space := userSpace(req)
	if space == nil {
		return errno.EFAULT.Neg(), false
	}
	prev, e := k.VMM.Sbrk(space, int64(req.Params[0]))
	if e != 0 {
		return e.Neg(), false
	}
	return int64(prev), false
}

// localMmapAnon is the kernel-resident half of mmap(): MAP_ANONYMOUS
// requests need no router round trip since there is no backing file,
// unlike CommandMmap's file-backed path (see syscalls.go).
func (k *Kernel) localMmapAnon(req *syspipe.Request) (int64, bool) {
	space := userSpace(req)
	if space == nil {
		return errno.EFAULT.Neg(), false
	}
	length := req.Params[0]
	pages := (length + vmm.PageSize - 1) / vmm.PageSize
	if pages == 0 {
		pages = 1
	}
	flags := vmm.User
	if req.Params[1]&0x2 != 0 {
		flags |= vmm.Write
	}
	if req.Params[1]&0x4 != 0 {
		flags |= vmm.Exec
	}
	addr := k.VMM.Allocate(space, k.UserBase, k.UserLimit, pages, flags)
	if addr == 0 {
		return errno.ENOMEM.Neg(), false
	}
	return int64(addr), false
}

func (k *Kernel) localMunmap(req *syspipe.Request) (int64, bool) {
	space := userSpace(req)
	if space == nil {
		return errno.EFAULT.Neg(), false
	}
	length := req.Params[1]
	pages := (length + vmm.PageSize - 1) / vmm.PageSize
	if pages == 0 {
		pages = 1
	}
	return k.VMM.Free(space, req.Params[0], pages).Neg(), false
}

// callerProcess resolves the owning process of req's thread, or nil if the
// request carries no thread or the thread's process has already exited.
func (k *Kernel) callerProcess(req *syspipe.Request) *proc.Process {
	if req.Thread == nil {
		return nil
	}
	return k.Sched.Process(req.Thread.PID)
}
