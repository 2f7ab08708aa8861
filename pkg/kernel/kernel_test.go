package kernel

import (
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-project/lux/pkg/bridge"
	"github.com/lux-project/lux/pkg/config"
	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/klog"
	"github.com/lux-project/lux/pkg/memory/pmm"
	"github.com/lux-project/lux/pkg/memory/vmm"
	"github.com/lux-project/lux/pkg/proc"
	"github.com/lux-project/lux/pkg/syspipe"
)

func newTestKernel(t *testing.T) (*Kernel, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.sock")
	cfg := &config.KernelConfig{
		UserConfig: &config.UserConfig{
			Paths: config.Paths{KernelSocket: path},
		},
	}

	boot := BootParams{
		HighestPhysicalAddress: 16 * 1024 * 1024,
		MemoryMap: []pmm.MemoryMapEntry{
			{Base: 0, Length: 16 * 1024 * 1024, Type: pmm.MemoryUsable, AttributesValid: true},
		},
		VMM: vmm.Config{
			KernelHeapBase: 0xFFFF800000000000, KernelHeapLimit: 0xFFFF800010000000,
			UserHeapBase: 0x0000000001000000, UserHeapLimit: 0x0000000010000000,
			MMIOBase: 0xFFFF900000000000, MMIOLimit: 0xFFFF900010000000,
		},
		SyscallWorkers: 2,
	}

	k, err := New(cfg, klog.NewLogger(klog.Options{}), boot)
	require.NoError(t, err)
	t.Cleanup(func() { k.Close() })
	return k, path
}

// TestNewBindsBridgeSocketAtConfiguredPath is a function.
func TestNewBindsBridgeSocketAtConfiguredPath(t *testing.T) {
	k, path := newTestKernel(t)
	assert.Equal(t, path, k.Bridge.Path())
}

// TestBootCreatesLumenAsPidAndAcceptsConnection is a function.
func TestBootCreatesLumenAsPidAndAcceptsConnection(t *testing.T) {
	k, path := newTestKernel(t)

	bootErr := make(chan error, 1)
	go func() { bootErr <- k.Boot() }()

	client, err := bridge.Dial(path)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, <-bootErr)

	assert.NotZero(t, k.Sched.LumenPID())
}

// TestSysinfoGeneralRequestRoundTrips is a function.
func TestSysinfoGeneralRequestRoundTrips(t *testing.T) {
	k, path := newTestKernel(t)
	go k.Boot()

	client, err := bridge.Dial(path)
	require.NoError(t, err)
	defer client.Close()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, client.Send(bridge.Message{Header: bridge.MessageHeader{Command: bridge.CommandSysinfo}}))
	resp, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, int32(0), resp.Header.Status)
	assert.Len(t, resp.Payload, 32)

	processes := binary.LittleEndian.Uint32(resp.Payload[16:20])
	assert.GreaterOrEqual(t, processes, uint32(1)) // at least lumen
}

// TestProcessStatusForUnknownPidReturnsESRCH is a function.
func TestProcessStatusForUnknownPidReturnsESRCH(t *testing.T) {
	k, path := newTestKernel(t)
	go k.Boot()

	client, err := bridge.Dial(path)
	require.NoError(t, err)
	defer client.Close()
	time.Sleep(10 * time.Millisecond)

	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, 999999)
	require.NoError(t, client.Send(bridge.Message{
		Header:  bridge.MessageHeader{Command: bridge.CommandProcessStatus},
		Payload: payload,
	}))

	resp, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, int32(errno.ESRCH.Neg()), resp.Header.Status)
}

// TestSyscallDispatchForwardsToLumenAndBlocksThread is a function.
func TestSyscallDispatchForwardsToLumenAndBlocksThread(t *testing.T) {
	k, path := newTestKernel(t)
	go k.Boot()

	client, err := bridge.Dial(path)
	require.NoError(t, err)
	defer client.Close()
	time.Sleep(10 * time.Millisecond)

	p, e := k.Sched.CreateProcess(k.Sched.LumenPID(), 4)
	require.Equal(t, errno.Errno(0), e)
	space := k.VMM.NewAddressSpace()
	th, e := k.Sched.CreateThread(p, proc.PriorityNormal, space)
	require.Equal(t, errno.Errno(0), e)

	pathAddr := uint64(0x0000000001000000)
	require.Equal(t, errno.Errno(0), k.VMM.AllocateAt(space, pathAddr, 1, vmm.User|vmm.Write))
	require.Equal(t, errno.Errno(0), k.VMM.CopyOut(space, pathAddr, []byte("/etc/passwd")))

	done := make(chan int64, 1)
	go func() {
		req := &syspipe.Request{Thread: th, Params: [4]uint64{pathAddr, uint64(len("/etc/passwd")), 0, 0}}
		ret, _ := k.dispatchSyscall(bridge.CommandOpen, req)
		done <- ret
	}()

	req, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint16(bridge.CommandOpen), req.Header.Command)
	assert.Contains(t, string(req.Payload), "/etc/passwd")
	require.NoError(t, client.Respond(req, nil, 0))

	select {
	case ret := <-done:
		assert.Equal(t, int64(0), ret) // first allocated fd
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for syscall dispatch to complete")
	}
}

// TestReadCompletionCopiesBytesIntoCallerSpaceAndAdvancesPosition is a
// function.
func TestReadCompletionCopiesBytesIntoCallerSpaceAndAdvancesPosition(t *testing.T) {
	k, path := newTestKernel(t)
	go k.Boot()

	client, err := bridge.Dial(path)
	require.NoError(t, err)
	defer client.Close()
	time.Sleep(10 * time.Millisecond)

	p, e := k.Sched.CreateProcess(k.Sched.LumenPID(), 4)
	require.Equal(t, errno.Errno(0), e)
	space := k.VMM.NewAddressSpace()
	th, e := k.Sched.CreateThread(p, proc.PriorityNormal, space)
	require.Equal(t, errno.Errno(0), e)

	fd := p.AllocateIODescriptor(proc.IODescriptor{Type: proc.IOFile, FileID: 7, Path: "/data.bin", Position: 10})
	require.GreaterOrEqual(t, fd, 0)

	bufAddr := uint64(0x0000000002000000)
	require.Equal(t, errno.Errno(0), k.VMM.AllocateAt(space, bufAddr, 1, vmm.User|vmm.Write))

	done := make(chan int64, 1)
	go func() {
		req := &syspipe.Request{Thread: th, Params: [4]uint64{uint64(fd), bufAddr, 5, 0}}
		ret, _ := k.dispatchSyscall(bridge.CommandRead, req)
		done <- ret
	}()

	req, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint16(bridge.CommandRead), req.Header.Command)
	require.NoError(t, client.Respond(req, []byte("hello"), 5))

	select {
	case ret := <-done:
		assert.Equal(t, int64(5), ret)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for read completion")
	}

	got, e := k.VMM.CopyIn(space, bufAddr, 5)
	require.Equal(t, errno.Errno(0), e)
	assert.Equal(t, "hello", string(got))

	d, ok := p.IODescriptorAt(fd)
	require.True(t, ok)
	assert.Equal(t, int64(15), d.Position) // 10 + 5 bytes read
}
