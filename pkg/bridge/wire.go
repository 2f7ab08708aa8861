// Package bridge implements the kernel-server wire protocol lux uses to
// talk to lumen (the user-space router) over a real AF_UNIX socket: a
// fixed-size MessageHeader, general vs syscall vs IRQ command ranges, and
// request/response correlation by a random 64-bit request ID.
//
// Grounded on _examples/original_source/src/include/kernel/servers.h (the
// MessageHeader/SyscallHeader layout and COMMAND_* ranges) and
// servers/syscalls.c's handleSyscallResponse (per-command completion
// handling, correlated by requester+id). The transport itself — real
// net.UnixConn sockets rather than an in-process channel — is grounded on
// lazydocker's own pattern of dialing a well-known Unix socket path to
// reach an external collaborator process (its Docker/Podman client), since
// lumen here plays exactly that role: an out-of-process peer the kernel
// speaks a framed protocol to.
package bridge

import (
	"encoding/binary"
	"io"

	"github.com/lux-project/lux/pkg/errno"
)

// Command ranges from servers.h.
const (
	CommandLog            = 0x0000
	CommandSysinfo        = 0x0001
	CommandRand           = 0x0002
	CommandIO             = 0x0003
	CommandProcessIO      = 0x0004
	CommandProcessList    = 0x0005
	CommandProcessStatus  = 0x0006
	CommandFramebuffer    = 0x0007
	MaxGeneralCommand     = 0x0007

	CommandStat    = 0x8000
	CommandStatvfs = 0x8001
	CommandFlush   = 0x8002
	CommandMount   = 0x8003
	CommandUmount  = 0x8004
	CommandOpen    = 0x8005
	CommandRead    = 0x8006
	CommandWrite   = 0x8007
	CommandIoctl   = 0x8008
	CommandOpendir = 0x8009
	CommandReaddir = 0x800A
	CommandExec    = 0x800B
	CommandChdir   = 0x800C
	CommandMmap    = 0x800D
	CommandReadlink = 0x800E
	CommandFsync   = 0x800F
	MaxSyscallCommand = 0x800F

	CommandIRQ = 0xC000
)

// HeaderSize is the fixed wire size of MessageHeader; SyscallHeaderSize
// adds the 8-byte request ID that rides along with every syscall command.
const (
	HeaderSize        = 24
	SyscallHeaderSize = HeaderSize + 8
)

// MessageHeader prefixes every message on the wire.
type MessageHeader struct {
	Command   uint16
	Response  bool
	Length    uint32
	Status    int32
	Latency   uint32
	Requester uint32
}

func (h MessageHeader) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], h.Command)
	if h.Response {
		buf[2] = 1
	}
	binary.LittleEndian.PutUint32(buf[4:8], h.Length)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.Status))
	binary.LittleEndian.PutUint32(buf[12:16], h.Latency)
	binary.LittleEndian.PutUint32(buf[16:20], h.Requester)
	return buf
}

func decodeHeader(buf []byte) MessageHeader {
	return MessageHeader{
		Command:   binary.LittleEndian.Uint16(buf[0:2]),
		Response:  buf[2] != 0,
		Length:    binary.LittleEndian.Uint32(buf[4:8]),
		Status:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		Latency:   binary.LittleEndian.Uint32(buf[12:16]),
		Requester: binary.LittleEndian.Uint32(buf[16:20]),
	}
}

// IsSyscall reports whether a command ordinal falls in the syscall range
// (requiring the +8-byte request ID).
func IsSyscall(command uint16) bool {
	return command >= CommandStat && command <= MaxSyscallCommand
}

// Message is a decoded wire message: header, optional syscall request ID,
// and payload (whatever follows the header on the wire).
type Message struct {
	Header    MessageHeader
	RequestID uint64
	Payload   []byte
}

// Encode serializes a message to the wire format: header, then an 8-byte
// request ID for syscall commands, then payload. Length is recomputed from
// len(Payload) rather than trusted from the caller.
func Encode(m Message) []byte {
	m.Header.Length = uint32(len(m.Payload))
	buf := m.Header.encode()
	if IsSyscall(m.Header.Command) {
		idBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(idBuf, m.RequestID)
		buf = append(buf, idBuf...)
	}
	buf = append(buf, m.Payload...)
	return buf
}

// WriteMessage frames and writes a message to w (a net.UnixConn in
// production, anything io.Writer in tests).
func WriteMessage(w io.Writer, m Message) error {
	_, err := w.Write(Encode(m))
	return err
}

// ReadMessage reads one framed message from r.
func ReadMessage(r io.Reader) (Message, error) {
	hbuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hbuf); err != nil {
		return Message{}, err
	}
	header := decodeHeader(hbuf)

	var reqID uint64
	if IsSyscall(header.Command) {
		idBuf := make([]byte, 8)
		if _, err := io.ReadFull(r, idBuf); err != nil {
			return Message{}, err
		}
		reqID = binary.LittleEndian.Uint64(idBuf)
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Message{}, err
		}
	}

	return Message{Header: header, RequestID: reqID, Payload: payload}, nil
}

// StatusErrno decodes a response's status field into an Errno, ok=false
// for success (status >= 0).
func StatusErrno(status int32) (errno.Errno, bool) {
	return errno.FromStatus(int64(status))
}
