// bridge.go wires the wire protocol in wire.go onto a real net.UnixConn:
// a kernel-side Server that accepts lumen's connection, restricts it by
// SO_PEERCRED to the kernel's own UID, dispatches general requests through
// a handler table, and correlates syscall responses back to the blocked
// thread that issued them.
package bridge

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/sys/unix"

	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/klog"
)

// GeneralHandler answers a non-syscall request (COMMAND_LOG, SYSINFO,
// RAND, IO, PROCESS_IO, PROCESS_LIST, PROCESS_STATUS, FRAMEBUFFER) and
// returns the response payload plus status.
type GeneralHandler func(req Message) (payload []byte, status int32)

// pendingSyscall is a syscall request awaiting lumen's response.
type pendingSyscall struct {
	complete func(Message)
}

// Server is the kernel side of the bridge: it owns the listening socket
// and the single connection lumen makes to it (servers.h names one path,
// SERVER_KERNEL_PATH, for exactly this purpose).
type Server struct {
	path string
	log  *klog.Logger

	listener *net.UnixListener

	mu   sync.Mutex
	conn *net.UnixConn

	generalHandlers map[uint16]GeneralHandler

	pendingMu sync.Mutex
	pending   map[uint64]pendingSyscall
}

// NewServer binds a Unix socket at path. Any stale socket file left behind
// by a previous run is removed first, matching how a real kernel's boot
// sequence always starts from a clean slate.
func NewServer(path string, log *klog.Logger) (*Server, error) {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		path:            path,
		log:             log,
		listener:        l,
		generalHandlers: make(map[uint16]GeneralHandler),
		pending:         make(map[uint64]pendingSyscall),
	}, nil
}

// Handle installs the handler for a general command ordinal.
func (s *Server) Handle(command uint16, h GeneralHandler) {
	s.generalHandlers[command] = h
}

// Accept blocks for lumen's connection, verifies its SO_PEERCRED matches
// the kernel process's own UID (servers.h's path is a privileged-only
// rendezvous point; anything else connecting is not lumen), and starts the
// read loop. Only one connection is accepted per server lifetime.
func (s *Server) Accept() error {
	conn, err := s.listener.AcceptUnix()
	if err != nil {
		return err
	}

	if err := s.checkPeerCred(conn); err != nil {
		conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	return nil
}

func (s *Server) checkPeerCred(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return err
	}
	if credErr != nil {
		return credErr
	}

	if cred.Uid != uint32(os.Getuid()) {
		return goerrors.Errorf("bridge: rejecting peer uid %d, expected %d", cred.Uid, os.Getuid())
	}
	return nil
}

func (s *Server) readLoop(conn *net.UnixConn) {
	for {
		msg, err := ReadMessage(conn)
		if err != nil {
			if s.log != nil {
				s.log.Record(0, "bridge", fmt.Sprintf("connection closed: %v", err))
			}
			return
		}

		if msg.Header.Response {
			s.completeSyscall(msg)
			continue
		}

		h, ok := s.generalHandlers[msg.Header.Command]
		if !ok {
			s.respond(conn, msg.Header, nil, int32(errno.ENOSYS.Neg()))
			continue
		}
		payload, status := h(msg)
		s.respond(conn, msg.Header, payload, status)
	}
}

func (s *Server) respond(conn *net.UnixConn, req MessageHeader, payload []byte, status int32) {
	resp := Message{
		Header: MessageHeader{
			Command:   req.Command,
			Response:  true,
			Status:    status,
			Requester: req.Requester,
		},
		Payload: payload,
	}
	WriteMessage(conn, resp)
}

// SendSyscall dispatches a syscall command to lumen and registers a
// completion callback invoked from the read-loop goroutine once lumen
// answers with the same request ID (handleSyscallResponse's correlation
// mechanism). id identifies this syscall on the wire; callers retrying a
// would-block request must pass the same id every attempt so a stale
// response can't be mistaken for a fresh one's answer. id == 0 mints a
// fresh random one (the common case for one-shot sends, e.g. tests).
func (s *Server) SendSyscall(requester uint32, command uint16, payload []byte, id uint64, complete func(Message)) (uint64, error) {
	if id == 0 {
		id = rand.Uint64()
	}

	s.pendingMu.Lock()
	s.pending[id] = pendingSyscall{complete: complete}
	s.pendingMu.Unlock()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0, goerrors.Errorf("bridge: no connection to lumen")
	}

	msg := Message{
		Header:    MessageHeader{Command: command, Requester: requester},
		RequestID: id,
		Payload:   payload,
	}
	if err := WriteMessage(conn, msg); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return 0, err
	}
	return id, nil
}

func (s *Server) completeSyscall(msg Message) {
	s.pendingMu.Lock()
	p, ok := s.pending[msg.RequestID]
	if ok {
		delete(s.pending, msg.RequestID)
	}
	s.pendingMu.Unlock()

	if !ok {
		if s.log != nil {
			s.log.Record(0, "bridge", fmt.Sprintf("response for unknown request id %d", msg.RequestID))
		}
		return
	}
	p.complete(msg)
}

// Close tears down the listener, the active connection, and the backing
// socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}

// Path returns the Unix socket path the server is bound to.
func (s *Server) Path() string { return s.path }
