// Package kernel assembles every subsystem package into the single running
// lux kernel: physical and virtual memory, the scheduler, local sockets,
// the syscall pipeline, IRQ routing, and the bridge to lumen.
//
// Grounded on lazydocker's pkg/app/app.go App struct (a bag of
// lazily-constructed collaborators plus a closers slice and an ErrorChan),
// generalized from "wire up a Docker client and a GUI" to "wire up a
// kernel's memory manager, scheduler, and bridge to the router process".
package kernel

import (
	"io"

	goerrors "github.com/go-errors/errors"

	"github.com/lux-project/lux/pkg/bridge"
	"github.com/lux-project/lux/pkg/config"
	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/irq"
	"github.com/lux-project/lux/pkg/klog"
	"github.com/lux-project/lux/pkg/memory/pmm"
	"github.com/lux-project/lux/pkg/memory/vmm"
	"github.com/lux-project/lux/pkg/proc"
	"github.com/lux-project/lux/pkg/sched"
	"github.com/lux-project/lux/pkg/sig"
	"github.com/lux-project/lux/pkg/socket"
	"github.com/lux-project/lux/pkg/syspipe"
)

// Kernel is the top-level object: every subsystem manager plus the bridge
// connection to lumen, mirroring App's role of holding every collaborator
// an interactive session needs.
type Kernel struct {
	closers []io.Closer

	Config *config.KernelConfig
	Log    *klog.Logger

	PMM    *pmm.Manager
	VMM    *vmm.Manager
	Sched  *sched.Scheduler
	Sock   *socket.Manager
	IRQ    *irq.Table
	Pipe   *syspipe.Pipeline
	Bridge *bridge.Server

	// UserBase/UserLimit bound every user process's address space
	// (spec.md §4.5's USER_BASE_ADDRESS/USER_LIMIT_ADDRESS), used by the
	// exec completion handler to place a freshly loaded image and by the
	// anonymous mmap paths to place new mappings.
	UserBase, UserLimit uint64

	ErrorChan chan error
}

// BootParams carries the boot-time memory description spec.md §6 names
// (highest physical address, the firmware memory map, and the fixed
// virtual ranges reserved for kernel heap, user heap and MMIO).
type BootParams struct {
	HighestPhysicalAddress uint64
	KernelReservedBytes    uint64
	MemoryMap              []pmm.MemoryMapEntry
	VMM                    vmm.Config
	SyscallWorkers         int

	// UserBase/UserLimit are USER_BASE_ADDRESS/USER_LIMIT_ADDRESS (spec.md
	// §4.5). Zero means "use the defaults every lux boot image links
	// against."
	UserBase, UserLimit uint64
}

// defaultUserBase/defaultUserLimit are the address-space bounds lux's ELF
// images are linked against absent an explicit boot override.
const (
	defaultUserBase  = 0x0000000000400000
	defaultUserLimit = 0x0000000040000000
)

// New bootstraps a Kernel: builds the PMM/VMM over the boot memory map,
// the scheduler over MaxPID, the socket and IRQ tables, the syscall
// pipeline, and binds the bridge listening socket. It mirrors NewApp's
// "construct each collaborator in dependency order, bail on first error"
// shape.
func New(cfg *config.KernelConfig, log *klog.Logger, boot BootParams) (*Kernel, error) {
	k := &Kernel{
		closers:   []io.Closer{},
		Config:    cfg,
		Log:       log,
		ErrorChan: make(chan error),
	}

	k.PMM = pmm.New(boot.HighestPhysicalAddress, boot.KernelReservedBytes, boot.MemoryMap)
	k.VMM = vmm.New(k.PMM, boot.VMM)

	k.UserBase, k.UserLimit = boot.UserBase, boot.UserLimit
	if k.UserBase == 0 {
		k.UserBase = defaultUserBase
	}
	if k.UserLimit == 0 {
		k.UserLimit = defaultUserLimit
	}

	maxPID := proc.MaxPID
	if cfg != nil && cfg.UserConfig != nil && cfg.UserConfig.Limits.MaxPID > 0 {
		maxPID = cfg.UserConfig.Limits.MaxPID
	}
	k.Sched = sched.New(maxPID, k.VMM)

	k.Sock = socket.New()
	k.IRQ = irq.New()

	workers := boot.SyscallWorkers
	if workers <= 0 {
		workers = 4
	}
	k.Pipe = syspipe.New(workers, k.completeSyscall)
	k.registerSyscalls()

	socketPath := config.DefaultPaths().KernelSocket
	if cfg != nil && cfg.UserConfig != nil && cfg.UserConfig.Paths.KernelSocket != "" {
		socketPath = cfg.UserConfig.Paths.KernelSocket
	}
	var err error
	k.Bridge, err = bridge.NewServer(socketPath, log)
	if err != nil {
		return k, goerrors.Wrap(err, 0)
	}
	k.registerGeneralHandlers()

	return k, nil
}

// Boot creates lumen's process (the router, parent 0, with a PID drawn by
// the scheduler's allocator and recorded as the lumen PID) and its
// high-priority thread, enables scheduling, then starts accepting lumen's
// bridge connection. The scheduler refuses to terminate lumen's threads.
func (k *Kernel) Boot() error {
	lumen, e := k.Sched.CreateProcess(0, 64)
	if e != 0 {
		return goerrors.Errorf("kernel: creating lumen process: %s", e)
	}
	k.Sched.SetLumenPID(lumen.PID)

	thread, e := k.Sched.CreateThread(lumen, proc.PriorityHigh, k.VMM.Kernel())
	if e != 0 {
		return goerrors.Errorf("kernel: creating lumen thread: %s", e)
	}
	thread.Signals = sig.Defaults()

	k.Sched.SetRunning(true)
	return k.Bridge.Accept()
}

// Run drains the error channel until it is told to stop, logging every
// error a subsystem reports the way App.Run drove the GUI loop and
// surfaced errors back to the caller.
func (k *Kernel) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		case err := <-k.ErrorChan:
			if k.Log != nil {
				k.Log.Record(0, "kernel", err.Error())
			}
		}
	}
}

// completeSyscall wakes the thread that issued a finished syspipe.Request;
// the result stays in req.Ret.
func (k *Kernel) completeSyscall(req *syspipe.Request) {
	if req.Thread == nil {
		return
	}
	k.Sched.Unblock(req.Thread)
}

// Close tears down every collaborator that owns a resource (the bridge
// socket, the syscall pipeline's worker pool), mirroring App.Close's
// "run every closer, stop at first error" behavior.
func (k *Kernel) Close() error {
	if k.Pipe != nil {
		k.Pipe.Close()
	}
	if k.Bridge != nil {
		if err := k.Bridge.Close(); err != nil {
			return err
		}
	}
	for _, c := range k.closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

// statusToInt32 narrows an Errno's negated value to the wire status field.
func statusToInt32(e errno.Errno) int32 {
	return int32(e.Neg())
}
