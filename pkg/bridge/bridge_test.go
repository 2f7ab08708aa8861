package bridge

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.sock")
	s, err := NewServer(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// TestEncodeDecodeRoundTripsGeneralMessage is a function.
func TestEncodeDecodeRoundTripsGeneralMessage(t *testing.T) {
	msg := Message{
		Header: MessageHeader{Command: CommandRand, Requester: 7},
		Payload: []byte("abc"),
	}
	encoded := Encode(msg)
	assert.Equal(t, HeaderSize+3, len(encoded)) // no request id: not a syscall command

	decoded, err := ReadMessage(newByteReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, msg.Header.Command, decoded.Header.Command)
	assert.Equal(t, msg.Header.Requester, decoded.Header.Requester)
	assert.Equal(t, "abc", string(decoded.Payload))
}

// TestEncodeDecodeIncludesRequestIDForSyscallCommands is a function.
func TestEncodeDecodeIncludesRequestIDForSyscallCommands(t *testing.T) {
	msg := Message{
		Header:    MessageHeader{Command: CommandOpen},
		RequestID: 0xDEADBEEF,
		Payload:   []byte("path"),
	}
	encoded := Encode(msg)
	assert.Equal(t, SyscallHeaderSize+4, len(encoded))

	decoded, err := ReadMessage(newByteReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, uint64(0xDEADBEEF), decoded.RequestID)
}

// TestGeneralRequestDispatchesToHandler is a function.
func TestGeneralRequestDispatchesToHandler(t *testing.T) {
	s := newTestServer(t)

	var gotRequester uint32
	s.Handle(CommandRand, func(req Message) ([]byte, int32) {
		gotRequester = req.Header.Requester
		return []byte{1, 2, 3, 4}, 0
	})

	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.Accept() }()

	client, err := Dial(s.Path())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, <-acceptErr)

	require.NoError(t, client.Send(Message{Header: MessageHeader{Command: CommandRand, Requester: 42}}))

	resp, err := client.Receive()
	require.NoError(t, err)
	assert.True(t, resp.Header.Response)
	assert.Equal(t, int32(0), resp.Header.Status)
	assert.Equal(t, []byte{1, 2, 3, 4}, resp.Payload)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, uint32(42), gotRequester)
}

// TestUnregisteredCommandReturnsENOSYS is a function.
func TestUnregisteredCommandReturnsENOSYS(t *testing.T) {
	s := newTestServer(t)
	go s.Accept()

	client, err := Dial(s.Path())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Send(Message{Header: MessageHeader{Command: 0x1234}}))
	resp, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, int32(-38), resp.Header.Status) // -ENOSYS
}

// TestSyscallResponseCorrelatesByRequestID is a function.
func TestSyscallResponseCorrelatesByRequestID(t *testing.T) {
	s := newTestServer(t)
	acceptErr := make(chan error, 1)
	go func() { acceptErr <- s.Accept() }()

	client, err := Dial(s.Path())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, <-acceptErr)

	var wg sync.WaitGroup
	wg.Add(1)
	var completedID uint64
	id, err := s.SendSyscall(1, CommandOpen, []byte("/etc/passwd"), 0, func(resp Message) {
		completedID = resp.RequestID
		wg.Done()
	})
	require.NoError(t, err)

	req, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, "/etc/passwd", string(req.Payload))

	require.NoError(t, client.Respond(req, nil, 3))
	wg.Wait()
	assert.Equal(t, id, completedID)
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	n := copy(p, r.data[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, assert.AnError
	}
	return n, nil
}
