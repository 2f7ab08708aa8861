package kernel

import (
	"encoding/binary"

	"github.com/lux-project/lux/pkg/bridge"
	"github.com/lux-project/lux/pkg/elfload"
	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/memory/vmm"
	"github.com/lux-project/lux/pkg/proc"
	"github.com/lux-project/lux/pkg/sig"
	"github.com/lux-project/lux/pkg/syspipe"
)

// syscallTable maps a syspipe.Request.Function ordinal onto the bridge
// command it forwards to lumen. The ordinals mirror the COMMAND_* values
// in servers.h so a request's Function can be passed straight through to
// bridge.SendSyscall as the wire command.
var syscallTable = map[uint64]uint16{
	uint64(bridge.CommandStat):     bridge.CommandStat,
	uint64(bridge.CommandStatvfs):  bridge.CommandStatvfs,
	uint64(bridge.CommandFlush):    bridge.CommandFlush,
	uint64(bridge.CommandMount):    bridge.CommandMount,
	uint64(bridge.CommandUmount):   bridge.CommandUmount,
	uint64(bridge.CommandOpen):     bridge.CommandOpen,
	uint64(bridge.CommandRead):     bridge.CommandRead,
	uint64(bridge.CommandWrite):    bridge.CommandWrite,
	uint64(bridge.CommandIoctl):    bridge.CommandIoctl,
	uint64(bridge.CommandOpendir):  bridge.CommandOpendir,
	uint64(bridge.CommandReaddir):  bridge.CommandReaddir,
	uint64(bridge.CommandExec):     bridge.CommandExec,
	uint64(bridge.CommandChdir):    bridge.CommandChdir,
	uint64(bridge.CommandMmap):     bridge.CommandMmap,
	uint64(bridge.CommandReadlink): bridge.CommandReadlink,
	uint64(bridge.CommandFsync):    bridge.CommandFsync,
}

// Each router-forwarded syscall's four ABI params carry a fixed meaning.
// Slots a given opcode doesn't use are left at zero.
//
//	OPEN     {pathPtr, pathLen, flags, mode}
//	READ     {fd, bufPtr, length, 0}
//	WRITE    {fd, bufPtr, length, 0}
//	STAT     {pathPtr, pathLen, bufPtr, bufLen}
//	OPENDIR  {pathPtr, pathLen, 0, 0}
//	READDIR  {fd, bufPtr, bufLen, 0}
//	EXEC     {pathPtr, pathLen, argvPtr, envpPtr}
//	MMAP     {fd, offset, length, prot}
//	IOCTL    {fd, opcode, parameter, outPtr}
//	READLINK {pathPtr, pathLen, bufPtr, bufLen}
//	FSYNC    {fd, closeFlag, 0, 0}

// dirHighBit marks an OPENDIR-returned fd as a directory descriptor.
const dirHighBit = 1 << 30

// ioctlOutParam mirrors an opcode's OUT_PARAM bit: set on an ioctl whose
// result must be copied back to the caller's outPtr.
const ioctlOutParam = 1 << 31

// registerSyscalls installs one syspipe handler per router-forwarded
// syscall command plus every locally-serviced ordinal, matching
// syscalls.c's single dispatch table keyed by function number.
func (k *Kernel) registerSyscalls() {
	for function, command := range syscallTable {
		command := command
		k.Pipe.Register(function, func(req *syspipe.Request) (int64, bool) {
			return k.dispatchSyscall(command, req)
		})
	}
	k.registerLocalSyscalls()
}

// dispatchSyscall builds the router request for command from req's ABI
// params, sends it while preserving req.ID across every would-block retry
// (syspipe re-enqueues the identical *Request, so the ID minted at first
// Enqueue survives), blocks the caller, and on response runs the opcode's
// completion action against the caller's process/address space.
func (k *Kernel) dispatchSyscall(command uint16, req *syspipe.Request) (int64, bool) {
	var caller *proc.Process
	if req.Thread != nil {
		caller = k.Sched.Process(req.Thread.PID)
	}

	build := requestBuilders[command]
	var payload []byte
	if build != nil {
		var e errno.Errno
		payload, e = build(k, req, caller)
		if e != 0 {
			return e.Neg(), false
		}
	} else {
		payload = make([]byte, 32)
		for i, p := range req.Params {
			binary.LittleEndian.PutUint64(payload[i*8:], p)
		}
	}

	var requester uint32
	if req.Thread != nil {
		requester = req.Thread.TID
	}

	done := make(chan bridge.Message, 1)
	_, err := k.Bridge.SendSyscall(requester, command, payload, req.ID, func(resp bridge.Message) {
		done <- resp
	})
	if err != nil {
		return errno.EIO.Neg(), false
	}

	if req.Thread != nil {
		k.Sched.Block(req.Thread)
	}
	resp := <-done
	if req.Thread != nil {
		k.Sched.Unblock(req.Thread)
	}

	if resp.Header.Status == int32(errno.EAGAIN.Neg()) && !req.NonBlock {
		return 0, true
	}

	if complete := completions[command]; complete != nil {
		return complete(k, req, caller, resp)
	}
	return int64(resp.Header.Status), false
}

// requestBuilder turns a syscall request's params into the payload sent to
// the router. A nil entry falls back to forwarding req.Params verbatim.
type requestBuilder func(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno)

// completionHandler runs the per-opcode mutation of the caller's IO table
// or address space once the router has answered.
type completionHandler func(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool)

var requestBuilders = map[uint16]requestBuilder{
	bridge.CommandOpen:     buildOpen,
	bridge.CommandRead:     buildRead,
	bridge.CommandWrite:    buildWrite,
	bridge.CommandStat:     buildStat,
	bridge.CommandOpendir:  buildOpendir,
	bridge.CommandReaddir:  buildReaddir,
	bridge.CommandExec:     buildExec,
	bridge.CommandMmap:     buildMmap,
	bridge.CommandIoctl:    buildIoctl,
	bridge.CommandReadlink: buildReadlink,
	bridge.CommandFsync:    buildFsync,
}

var completions = map[uint16]completionHandler{
	bridge.CommandOpen:     completeOpen,
	bridge.CommandRead:     completeRead,
	bridge.CommandWrite:    completeWrite,
	bridge.CommandStat:     completeStat,
	bridge.CommandOpendir:  completeOpendir,
	bridge.CommandReaddir:  completeReaddir,
	bridge.CommandExec:     completeExec,
	bridge.CommandMmap:     completeMmap,
	bridge.CommandIoctl:    completeIoctl,
	bridge.CommandReadlink: completeReadlink,
	bridge.CommandFsync:    completeFsync,
}

// userSpace returns the caller's address space, or nil if the request
// carries no thread (tests calling dispatchSyscall directly).
func userSpace(req *syspipe.Request) *vmm.AddressSpace {
	if req.Thread == nil {
		return nil
	}
	req.Thread.Lock()
	defer req.Thread.Unlock()
	return req.Thread.Space
}

// readUserString copies length bytes starting at ptr out of the caller's
// address space. Pointer validation is CopyIn's job: any range outside
// mapped user pages fails with EFAULT.
func readUserString(k *Kernel, req *syspipe.Request, ptr, length uint64) (string, errno.Errno) {
	space := userSpace(req)
	if space == nil || length == 0 {
		return "", errno.EFAULT
	}
	data, e := k.VMM.CopyIn(space, ptr, int(length))
	if e != 0 {
		return "", e
	}
	return string(data), 0
}

func putUint32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
func putUint64(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

// writeLPString appends a u16-length-prefixed string to buf.
func writeLPString(buf []byte, s string) []byte {
	prefix := make([]byte, 2)
	binary.LittleEndian.PutUint16(prefix, uint16(len(s)))
	buf = append(buf, prefix...)
	return append(buf, s...)
}

// readLPString reads one u16-length-prefixed string starting at off,
// returning the string and the offset just past it.
func readLPString(buf []byte, off int) (string, int) {
	if off+2 > len(buf) {
		return "", off
	}
	n := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if off+n > len(buf) {
		return string(buf[off:]), len(buf)
	}
	return string(buf[off : off+n]), off + n
}

// ioDescriptorFields packs the caller's descriptor identity the way every
// router request needs it: a recurring "fd info" (id, device, path)
// request field.
func ioDescriptorFields(d proc.IODescriptor) []byte {
	buf := make([]byte, 8)
	putUint64(buf, 0, uint64(d.FileID))
	buf = writeLPString(buf, d.Device)
	buf = writeLPString(buf, d.Path)
	return buf
}

func buildOpen(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	path, e := readUserString(k, req, req.Params[0], req.Params[1])
	if e != 0 {
		return nil, e
	}
	var uid, gid uint32
	umask := 0o022
	if caller != nil {
		caller.Lock()
		uid, gid, umask = caller.UID, caller.GID, caller.Umask
		caller.Unlock()
	}
	buf := make([]byte, 20)
	putUint32(buf, 0, uid)
	putUint32(buf, 4, gid)
	putUint32(buf, 8, uint32(umask))
	putUint32(buf, 12, uint32(req.Params[2])) // flags
	putUint32(buf, 16, uint32(req.Params[3])) // mode
	return append(buf, path...), 0
}

func completeOpen(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	if resp.Header.Status < 0 {
		return int64(resp.Header.Status), false
	}
	if caller == nil {
		return errno.ESRCH.Neg(), false
	}

	payload := resp.Payload
	var fileID int64
	off := 0
	if len(payload) >= 8 {
		fileID = int64(binary.LittleEndian.Uint64(payload[0:8]))
		off = 8
	}
	device, off := readLPString(payload, off)
	path, off := readLPString(payload, off)
	var charDev bool
	if off < len(payload) {
		charDev = payload[off] != 0
	}

	flags := int(req.Params[2])
	fd := caller.AllocateIODescriptor(proc.IODescriptor{
		Type:    proc.IOFile,
		FileID:  fileID,
		Device:  device,
		Path:    path,
		CharDev: charDev,
		Flags:   flags,
	})
	if fd < 0 {
		return errno.EMFILE.Neg(), false
	}
	return int64(fd), false
}

func buildRead(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	d, e := lookupFD(caller, req.Params[0])
	if e != 0 {
		return nil, e
	}
	var uid, gid uint32
	if caller != nil {
		caller.Lock()
		uid, gid = caller.UID, caller.GID
		caller.Unlock()
	}
	buf := make([]byte, 28)
	putUint32(buf, 0, uid)
	putUint32(buf, 4, gid)
	putUint32(buf, 8, uint32(d.Flags))
	putUint64(buf, 12, uint64(d.Position))
	putUint64(buf, 20, req.Params[2]) // length
	buf = append(buf, ioDescriptorFields(d)...)
	return buf, 0
}

func completeRead(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	status := int64(resp.Header.Status)
	if status < 0 {
		return status, false
	}
	fd := int(req.Params[0])
	d, e := lookupFD(caller, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}

	n := int(status)
	if n > len(resp.Payload) {
		n = len(resp.Payload)
	}
	if n > int(req.Params[2]) {
		n = int(req.Params[2])
	}

	space := userSpace(req)
	if n > 0 {
		if space == nil {
			return errno.EFAULT.Neg(), false
		}
		if e := k.VMM.CopyOut(space, req.Params[1], resp.Payload[:n]); e != 0 {
			return e.Neg(), false
		}
	}

	d.Position += int64(n)
	caller.SetIODescriptor(fd, d)
	return int64(n), false
}

func buildWrite(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	d, e := lookupFD(caller, req.Params[0])
	if e != 0 {
		return nil, e
	}
	space := userSpace(req)
	if space == nil {
		return nil, errno.EFAULT
	}
	data, e := k.VMM.CopyIn(space, req.Params[1], int(req.Params[2]))
	if e != 0 {
		return nil, e
	}

	var uid, gid uint32
	if caller != nil {
		caller.Lock()
		uid, gid = caller.UID, caller.GID
		caller.Unlock()
	}
	buf := make([]byte, 20)
	putUint32(buf, 0, uid)
	putUint32(buf, 4, gid)
	putUint32(buf, 8, uint32(d.Flags))
	putUint64(buf, 12, uint64(d.Position))
	buf = append(buf, ioDescriptorFields(d)...)
	buf = append(buf, data...)
	return buf, 0
}

func completeWrite(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	status := int64(resp.Header.Status)
	if status < 0 {
		return status, false
	}
	fd := int(req.Params[0])
	d, e := lookupFD(caller, req.Params[0])
	if e != 0 {
		return e.Neg(), false
	}
	if len(resp.Payload) >= 8 {
		d.Position = int64(binary.LittleEndian.Uint64(resp.Payload[0:8]))
	} else {
		d.Position += status
	}
	caller.SetIODescriptor(fd, d)
	return status, false
}

func buildStat(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	path, e := readUserString(k, req, req.Params[0], req.Params[1])
	if e != 0 {
		return nil, e
	}
	var uid, gid uint32
	if caller != nil {
		caller.Lock()
		uid, gid = caller.UID, caller.GID
		caller.Unlock()
	}
	buf := make([]byte, 8)
	putUint32(buf, 0, uid)
	putUint32(buf, 4, gid)
	return append(buf, path...), 0
}

func completeStat(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	if resp.Header.Status < 0 {
		return int64(resp.Header.Status), false
	}
	space := userSpace(req)
	if space == nil {
		return errno.EFAULT.Neg(), false
	}
	n := len(resp.Payload)
	if n > int(req.Params[3]) {
		n = int(req.Params[3])
	}
	if n > 0 {
		if e := k.VMM.CopyOut(space, req.Params[2], resp.Payload[:n]); e != 0 {
			return e.Neg(), false
		}
	}
	return 0, false
}

func buildOpendir(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	path, e := readUserString(k, req, req.Params[0], req.Params[1])
	if e != 0 {
		return nil, e
	}
	var uid, gid uint32
	if caller != nil {
		caller.Lock()
		uid, gid = caller.UID, caller.GID
		caller.Unlock()
	}
	buf := make([]byte, 8)
	putUint32(buf, 0, uid)
	putUint32(buf, 4, gid)
	return append(buf, path...), 0
}

func completeOpendir(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	if resp.Header.Status < 0 {
		return int64(resp.Header.Status), false
	}
	if caller == nil {
		return errno.ESRCH.Neg(), false
	}
	path, off := readLPString(resp.Payload, 0)
	device, _ := readLPString(resp.Payload, off)

	fd := caller.AllocateIODescriptor(proc.IODescriptor{Type: proc.IODirectory, Device: device, Path: path})
	if fd < 0 {
		return errno.EMFILE.Neg(), false
	}
	return int64(fd | dirHighBit), false
}

func buildReaddir(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	d, e := lookupFD(caller, req.Params[0]&^dirHighBit)
	if e != 0 {
		return nil, e
	}
	buf := append([]byte{}, ioDescriptorFields(d)...)
	tail := make([]byte, 8)
	putUint64(tail, 0, uint64(d.Position))
	return append(buf, tail...), 0
}

func completeReaddir(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	if resp.Header.Status < 0 {
		return int64(resp.Header.Status), false
	}
	fd := int(req.Params[0] &^ dirHighBit)
	d, e := lookupFD(caller, uint64(fd))
	if e != 0 {
		return e.Neg(), false
	}
	if len(resp.Payload) == 0 {
		return 0, false // end of directory, matching POSIX readdir()'s NULL
	}

	end := resp.Payload[0] != 0
	entry := resp.Payload[1:]
	space := userSpace(req)
	n := len(entry)
	if n > int(req.Params[2]) {
		n = int(req.Params[2])
	}
	if n > 0 {
		if space == nil {
			return errno.EFAULT.Neg(), false
		}
		if e := k.VMM.CopyOut(space, req.Params[1], entry[:n]); e != 0 {
			return e.Neg(), false
		}
	}
	if end {
		return 0, false
	}
	d.Position++
	caller.SetIODescriptor(fd, d)
	return int64(n), false
}

// maxArgs/maxArgLen bound the argv/envp walk exec() performs over the
// caller's address space; a real kernel enforces ARG_MAX the same way, as
// a fixed ceiling rather than an unbounded scan.
const (
	maxArgs   = 64
	maxArgLen = 4096
)

// readCStringVector walks a NUL-terminated array of pointers-to-NUL-
// terminated-strings at ptr (argv/envp's actual C shape), stopping at the
// first NULL pointer or maxArgs, whichever comes first.
func readCStringVector(k *Kernel, space *vmm.AddressSpace, ptr uint64) ([]string, errno.Errno) {
	if space == nil || ptr == 0 {
		return nil, 0
	}
	var out []string
	for i := 0; i < maxArgs; i++ {
		raw, e := k.VMM.CopyIn(space, ptr+uint64(i)*8, 8)
		if e != 0 {
			return nil, e
		}
		strPtr := binary.LittleEndian.Uint64(raw)
		if strPtr == 0 {
			break
		}
		chunk, e := k.VMM.CopyIn(space, strPtr, maxArgLen)
		if e != 0 {
			return nil, e
		}
		if nul := indexByte(chunk, 0); nul >= 0 {
			chunk = chunk[:nul]
		}
		out = append(out, string(chunk))
	}
	return out, 0
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func buildExec(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	path, e := readUserString(k, req, req.Params[0], req.Params[1])
	if e != 0 {
		return nil, e
	}
	var uid, gid uint32
	if caller != nil {
		caller.Lock()
		uid, gid = caller.UID, caller.GID
		caller.Unlock()
	}
	buf := make([]byte, 8)
	putUint32(buf, 0, uid)
	putUint32(buf, 4, gid)
	return append(buf, path...), 0
}

func completeExec(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	if resp.Header.Status < 0 {
		return int64(resp.Header.Status), false
	}
	if req.Thread == nil || caller == nil {
		return errno.ESRCH.Neg(), false
	}

	oldSpace := userSpace(req)
	argv, e := readCStringVector(k, oldSpace, req.Params[2])
	if e != 0 {
		return e.Neg(), false
	}
	envp, e := readCStringVector(k, oldSpace, req.Params[3])
	if e != 0 {
		return e.Neg(), false
	}

	// Build the new context before touching anything about the caller:
	// on failure the old address space and thread context are untouched.
	newSpace, result, e := elfload.Exec(k.VMM, resp.Payload, argv, envp, k.UserBase, k.UserLimit)
	if e != 0 {
		return e.Neg(), false
	}

	req.Thread.Lock()
	req.Thread.Space = newSpace
	req.Thread.EntryPoint = result.Entry
	req.Thread.StackPointer = result.Stack
	req.Thread.Signals = sig.Defaults()
	req.Thread.Unlock()

	caller.Lock()
	caller.Space = newSpace
	caller.Umask = 0o022
	caller.Unlock()
	caller.CloseWithFlag(proc.OCloexec)

	if oldSpace != nil && oldSpace != k.VMM.Kernel() {
		k.VMM.DestroyAddressSpace(oldSpace)
	}
	return 0, false
}

func buildMmap(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	d, e := lookupFD(caller, req.Params[0])
	if e != 0 {
		return nil, e
	}
	buf := append([]byte{}, ioDescriptorFields(d)...)
	tail := make([]byte, 24)
	putUint64(tail, 0, req.Params[1])  // offset
	putUint64(tail, 8, req.Params[2])  // length
	putUint64(tail, 16, req.Params[3]) // prot
	return append(buf, tail...), 0
}

func completeMmap(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	if resp.Header.Status < 0 {
		return int64(resp.Header.Status), false
	}
	space := userSpace(req)
	if space == nil {
		return errno.EFAULT.Neg(), false
	}

	length := req.Params[2]
	pages := (length + vmm.PageSize - 1) / vmm.PageSize
	if pages == 0 {
		pages = 1
	}

	flags := vmm.User
	if req.Params[3]&0x2 != 0 { // PROT_WRITE
		flags |= vmm.Write
	}
	if req.Params[3]&0x4 != 0 { // PROT_EXEC
		flags |= vmm.Exec
	}

	var addr uint64
	if len(resp.Payload) >= 8 && binary.LittleEndian.Uint64(resp.Payload[:8]) != 0 {
		addr = binary.LittleEndian.Uint64(resp.Payload[:8])
		if e := k.VMM.AllocateAt(space, addr, pages, flags); e != 0 {
			return e.Neg(), false
		}
	} else {
		addr = k.VMM.Allocate(space, k.UserBase, k.UserLimit, pages, flags)
		if addr == 0 {
			return errno.ENOMEM.Neg(), false
		}
	}
	return int64(addr), false
}

func buildIoctl(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	d, e := lookupFD(caller, req.Params[0])
	if e != 0 {
		return nil, e
	}
	buf := append([]byte{}, ioDescriptorFields(d)...)
	tail := make([]byte, 16)
	putUint64(tail, 0, req.Params[1]) // opcode
	putUint64(tail, 8, req.Params[2]) // parameter
	return append(buf, tail...), 0
}

func completeIoctl(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	status := int64(resp.Header.Status)
	if status < 0 {
		return status, false
	}
	if req.Params[1]&ioctlOutParam != 0 && len(resp.Payload) >= 8 {
		space := userSpace(req)
		if space == nil {
			return errno.EFAULT.Neg(), false
		}
		if e := k.VMM.CopyOut(space, req.Params[3], resp.Payload[:8]); e != 0 {
			return e.Neg(), false
		}
	}
	return status, false
}

func buildReadlink(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	path, e := readUserString(k, req, req.Params[0], req.Params[1])
	if e != 0 {
		return nil, e
	}
	var uid, gid uint32
	if caller != nil {
		caller.Lock()
		uid, gid = caller.UID, caller.GID
		caller.Unlock()
	}
	buf := make([]byte, 8)
	putUint32(buf, 0, uid)
	putUint32(buf, 4, gid)
	return append(buf, path...), 0
}

func completeReadlink(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	if resp.Header.Status < 0 {
		return int64(resp.Header.Status), false
	}
	space := userSpace(req)
	if space == nil {
		return errno.EFAULT.Neg(), false
	}
	n := len(resp.Payload)
	if n > int(req.Params[3]) {
		n = int(req.Params[3])
	}
	if n > 0 {
		if e := k.VMM.CopyOut(space, req.Params[2], resp.Payload[:n]); e != 0 {
			return e.Neg(), false
		}
	}
	return int64(n), false
}

func buildFsync(k *Kernel, req *syspipe.Request, caller *proc.Process) ([]byte, errno.Errno) {
	d, e := lookupFD(caller, req.Params[0])
	if e != 0 {
		return nil, e
	}
	buf := append([]byte{}, ioDescriptorFields(d)...)
	tail := make([]byte, 8)
	putUint64(tail, 0, req.Params[1]) // close flag
	return append(buf, tail...), 0
}

func completeFsync(k *Kernel, req *syspipe.Request, caller *proc.Process, resp bridge.Message) (int64, bool) {
	status := int64(resp.Header.Status)
	if status < 0 {
		return status, false
	}
	if req.Params[1] != 0 && caller != nil {
		caller.CloseIODescriptor(int(req.Params[0]))
	}
	return status, false
}

// lookupFD fetches a valid IODescriptor, mapping a stale/absent fd to
// EBADF before any builder can reference the descriptor's id/device/path.
func lookupFD(caller *proc.Process, fd uint64) (proc.IODescriptor, errno.Errno) {
	if caller == nil {
		return proc.IODescriptor{}, errno.ESRCH
	}
	d, ok := caller.IODescriptorAt(int(fd))
	if !ok {
		return proc.IODescriptor{}, errno.EBADF
	}
	return d, 0
}
