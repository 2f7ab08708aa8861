// Package irq implements lux's interrupt routing: a per-pin handler table
// for device drivers (kernel or user-space, via a socket), and the
// root-only I/O port permission bitmap.
//
// Grounded on _examples/original_source/src/irq.c (installIRQ's
// root-only/pin-range checks and the devices-sharing-a-pin handler list)
// and src/io.c's ioperm (root-only range-based bitmap toggle).
package irq

import (
	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"

	"github.com/lux-project/lux/pkg/errno"
)

// MaxIRQ bounds the simulated pin space; real hardware would report this
// via platformGetMaxIRQ().
const MaxIRQ = 256

// Handler is one driver registered against a pin: Kernel handlers run
// in-process (KHandler is resolved by the caller, irq doesn't invoke it
// directly), user handlers are notified over a socket via COMMAND_IRQ.
type Handler struct {
	Name   string
	Kernel bool
	Socket int // valid when !Kernel: the driver's local-socket fd
}

type pin struct {
	handlers []Handler
}

// Table is the system's IRQ routing table plus the per-process I/O port
// permission bitmap (root-only, like installIRQ/ioperm).
type Table struct {
	mu    deadlock.Mutex
	pins  [MaxIRQ]pin

	ioperm map[uint32][]portRange // by pid
}

type portRange struct {
	from, to uint64 // [from, to)
}

func New() *Table {
	return &Table{ioperm: make(map[uint32][]portRange)}
}

// Install registers a handler for pin, requiring the caller be root
// (uid 0), matching installIRQ's `if(p->user) return -EPERM`.
func (t *Table) Install(callerUID uint32, requestedPin int, h Handler) (int, errno.Errno) {
	if callerUID != 0 {
		return 0, errno.EPERM
	}
	if requestedPin < 0 || requestedPin >= MaxIRQ {
		return 0, errno.EIO
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pins[requestedPin].handlers = append(t.pins[requestedPin].handlers, h)
	return requestedPin, 0
}

// HandlersFor returns the drivers registered against a pin, used to
// dispatch a COMMAND_IRQ notification to each.
func (t *Table) HandlersFor(requestedPin int) []Handler {
	t.mu.Lock()
	defer t.mu.Unlock()
	if requestedPin < 0 || requestedPin >= MaxIRQ {
		return nil
	}
	out := make([]Handler, len(t.pins[requestedPin].handlers))
	copy(out, t.pins[requestedPin].handlers)
	return out
}

// Ioperm grants or revokes access to a port range for a process, root-only
// (io.c's ioperm()).
func (t *Table) Ioperm(callerUID uint32, pid uint32, from, count uint64, enable bool) errno.Errno {
	if callerUID != 0 {
		return errno.EPERM
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ranges := t.ioperm[pid]
	if enable {
		t.ioperm[pid] = append(ranges, portRange{from: from, to: from + count})
		return 0
	}

	t.ioperm[pid] = lo.Reject(ranges, func(r portRange, _ int) bool {
		return r.from == from && r.to == from+count
	})
	return 0
}

// HasAccess reports whether pid currently holds permission over port.
func (t *Table) HasAccess(pid uint32, port uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.ContainsBy(t.ioperm[pid], func(r portRange) bool {
		return port >= r.from && port < r.to
	})
}
