// Package socket implements lux's local (AF_UNIX-equivalent) socket IPC
// subsystem: a global socket table, connect/accept backlog queues, and
// ordered inbound message delivery.
//
// Grounded on _examples/original_source/src/include/kernel/socket.h (the
// SocketDescriptor fields: listener/backlog/inbound/peer) — the kernel
// only implements Unix-domain sockets, so type/protocol are recorded but
// not enforced, matching socket.h's comment that they're "ignored for
// local Unix sockets."
package socket

import (
	"github.com/sasha-s/go-deadlock"

	"github.com/lux-project/lux/pkg/errno"
)

// Family/type constants mirrored from socket.h.
const (
	AFUnix = 1

	SockStream    = 1
	SockDgram     = 2
	SockSeqpacket = 3

	SockNonblock = 0x100
	SockCloexec  = 0x200
)

// DefaultBacklog is SOCKET_DEFAULT_BACKLOG from spec.md §6.
const DefaultBacklog = 16

// MaxSockets is the system-wide socket table ceiling (spec.md §6, 1<<18).
const MaxSockets = 1 << 18

// Message is one unit of data queued inbound/outbound.
type Message struct {
	Data []byte
}

// Descriptor is one socket, identified by its index into the Manager's
// table (the "fd" returned from Socket/Accept).
type Descriptor struct {
	mu deadlock.Mutex

	fd       int
	pid      uint32
	path     string
	typ      int
	protocol int
	listener bool

	backlogMax int
	backlog    []*Descriptor // pending connections awaiting Accept, for listeners

	peer    *Descriptor // the connected peer, for stream sockets
	inbound []Message

	closed bool
}

func (d *Descriptor) FD() int    { return d.fd }
func (d *Descriptor) Path() string { return d.path }

// Manager is lux's global socket table, serialized by one lock
// (socketLock/socketRelease in the original).
type Manager struct {
	mu      deadlock.Mutex
	bound   map[string]*Descriptor
	table   []*Descriptor // index == fd; nil entries are free slots
}

func New() *Manager {
	return &Manager{bound: make(map[string]*Descriptor)}
}

// Socket creates an unbound, unconnected socket descriptor and registers
// it in the global table, returning its fd.
func (m *Manager) Socket(pid uint32, typ, protocol int) (*Descriptor, errno.Errno) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.table) >= MaxSockets {
		return nil, errno.EMFILE
	}

	d := &Descriptor{pid: pid, typ: typ, protocol: protocol, backlogMax: DefaultBacklog}
	d.fd = m.register(d)
	return d, 0
}

func (m *Manager) register(d *Descriptor) int {
	for i, slot := range m.table {
		if slot == nil {
			m.table[i] = d
			return i
		}
	}
	m.table = append(m.table, d)
	return len(m.table) - 1
}

// Bind attaches a path to a socket, matching getLocalSocket's lookup key.
func (m *Manager) Bind(d *Descriptor, path string) errno.Errno {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.bound[path]; taken {
		return errno.EADDRINUSE
	}
	d.mu.Lock()
	d.path = path
	d.mu.Unlock()
	m.bound[path] = d
	return 0
}

// Listen marks a bound socket as a connection acceptor with the given
// backlog size (0 keeps DefaultBacklog).
func (m *Manager) Listen(d *Descriptor, backlog int) errno.Errno {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.path == "" {
		return errno.EDESTADDRREQ
	}
	d.listener = true
	if backlog > 0 {
		d.backlogMax = backlog
	}
	return 0
}

// Connect finds the listener bound to path and enqueues a fresh peer
// descriptor into its backlog, linking it and the caller's socket as
// peers. It fails with ECONNREFUSED if nothing is listening or the
// backlog is full, matching a stream AF_UNIX connect().
func (m *Manager) Connect(d *Descriptor, path string) errno.Errno {
	m.mu.Lock()
	listener, ok := m.bound[path]
	m.mu.Unlock()
	if !ok {
		return errno.ECONNREFUSED
	}

	listener.mu.Lock()
	if !listener.listener || len(listener.backlog) >= listener.backlogMax {
		listener.mu.Unlock()
		return errno.ECONNREFUSED
	}

	peerHalf := &Descriptor{pid: listener.pid, typ: listener.typ, protocol: listener.protocol, path: path}
	listener.backlog = append(listener.backlog, peerHalf)
	listener.mu.Unlock()

	m.mu.Lock()
	peerHalf.fd = m.register(peerHalf)
	m.mu.Unlock()

	d.mu.Lock()
	d.peer = peerHalf
	d.mu.Unlock()
	peerHalf.mu.Lock()
	peerHalf.peer = d
	peerHalf.mu.Unlock()

	return 0
}

// Accept pops one pending connection off a listener's backlog.
func (m *Manager) Accept(d *Descriptor) (*Descriptor, errno.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.listener {
		return nil, errno.EINVAL
	}
	if len(d.backlog) == 0 {
		return nil, errno.EAGAIN
	}
	accepted := d.backlog[0]
	d.backlog = d.backlog[1:]
	return accepted, 0
}

// Send appends a message to the peer's inbound FIFO queue, preserving
// send order (socket.h's guarantee that "the kernel will ensure packets
// are sent and received in the same order").
func (m *Manager) Send(d *Descriptor, data []byte) (int, errno.Errno) {
	d.mu.Lock()
	peer := d.peer
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return 0, errno.EPIPE
	}
	if peer == nil {
		return 0, errno.ENOTCONN
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	peer.mu.Lock()
	peer.inbound = append(peer.inbound, Message{Data: buf})
	peer.mu.Unlock()
	return len(data), 0
}

// Recv dequeues the oldest inbound message. EAGAIN means "nothing queued
// yet" and is the would-block signal pkg/syspipe retries on.
func (m *Manager) Recv(d *Descriptor, maxLen int) ([]byte, errno.Errno) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.inbound) == 0 {
		if d.closed {
			return nil, 0 // EOF: peer closed with nothing left to read
		}
		return nil, errno.EAGAIN
	}

	msg := d.inbound[0]
	d.inbound = d.inbound[1:]
	if maxLen > 0 && len(msg.Data) > maxLen {
		return msg.Data[:maxLen], 0
	}
	return msg.Data, 0
}

// Close tears down a socket: unbinds its path, frees its table slot, and
// disconnects its peer, marking the peer closed so it observes EOF.
func (m *Manager) Close(d *Descriptor) errno.Errno {
	d.mu.Lock()
	d.closed = true
	path := d.path
	peer := d.peer
	d.peer = nil
	m.mu.Lock()
	if path != "" && m.bound[path] == d {
		delete(m.bound, path)
	}
	if d.fd < len(m.table) {
		m.table[d.fd] = nil
	}
	m.mu.Unlock()
	d.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		peer.closed = true
		peer.peer = nil
		peer.mu.Unlock()
	}
	return 0
}

// Lookup resolves a bound path to its socket descriptor (getLocalSocket).
func (m *Manager) Lookup(path string) (*Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.bound[path]
	return d, ok
}

// ByFD returns the descriptor registered at a given table index.
func (m *Manager) ByFD(fd int) (*Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fd < 0 || fd >= len(m.table) || m.table[fd] == nil {
		return nil, false
	}
	return m.table[fd], true
}
