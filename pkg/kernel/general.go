package kernel

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/lux-project/lux/pkg/bridge"
	"github.com/lux-project/lux/pkg/errno"
)

// processInfo is the wire shape COMMAND_PROCESS_LIST/PROCESS_STATUS answer
// with, a JSON-encoded summary rather than a packed C struct since lumen
// only ever needs to display it.
type processInfo struct {
	PID      uint32 `json:"pid"`
	Parent   uint32 `json:"parent"`
	Command  string `json:"command"`
	Zombie   bool   `json:"zombie"`
	Threads  int    `json:"threads"`
}

// registerGeneralHandlers installs the COMMAND_LOG/SYSINFO/RAND/
// PROCESS_LIST/PROCESS_STATUS handlers lumen calls into the kernel with.
// COMMAND_IO, COMMAND_PROCESS_IO and COMMAND_FRAMEBUFFER have no handler
// here, so the bridge answers them with ENOSYS.
func (k *Kernel) registerGeneralHandlers() {
	k.Bridge.Handle(bridge.CommandLog, k.handleLog)
	k.Bridge.Handle(bridge.CommandSysinfo, k.handleSysinfo)
	k.Bridge.Handle(bridge.CommandRand, k.handleRand)
	k.Bridge.Handle(bridge.CommandProcessList, k.handleProcessList)
	k.Bridge.Handle(bridge.CommandProcessStatus, k.handleProcessStatus)
}

func (k *Kernel) handleLog(req bridge.Message) ([]byte, int32) {
	if k.Log != nil {
		k.Log.Record(logrus.InfoLevel, "lumen", string(req.Payload))
	}
	return nil, 0
}

func (k *Kernel) handleSysinfo(req bridge.Message) ([]byte, int32) {
	processes, threads := k.Sched.Counts()
	status := k.PMM.Status()

	out := make([]byte, 32)
	binary.LittleEndian.PutUint64(out[0:8], status.UsablePages)
	binary.LittleEndian.PutUint64(out[8:16], status.UsedPages)
	binary.LittleEndian.PutUint32(out[16:20], uint32(processes))
	binary.LittleEndian.PutUint32(out[20:24], uint32(threads))
	return out, 0
}

func (k *Kernel) handleRand(req bridge.Message) ([]byte, int32) {
	length := 32
	if len(req.Payload) >= 4 {
		if n := binary.LittleEndian.Uint32(req.Payload[:4]); n > 0 && n <= 4096 {
			length = int(n)
		}
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return nil, statusToInt32(errno.EIO)
	}
	return buf, 0
}

func (k *Kernel) handleProcessList(req bridge.Message) ([]byte, int32) {
	procs := k.Sched.Snapshot()
	infos := make([]processInfo, 0, len(procs))
	for _, p := range procs {
		p.Lock()
		infos = append(infos, processInfo{
			PID: p.PID, Parent: p.Parent, Command: p.Command,
			Zombie: p.Zombie, Threads: len(p.Threads),
		})
		p.Unlock()
	}
	payload, err := json.Marshal(infos)
	if err != nil {
		return nil, statusToInt32(errno.EIO)
	}
	return payload, 0
}

func (k *Kernel) handleProcessStatus(req bridge.Message) ([]byte, int32) {
	if len(req.Payload) < 4 {
		return nil, statusToInt32(errno.EINVAL)
	}
	pid := binary.LittleEndian.Uint32(req.Payload[:4])
	p := k.Sched.Process(pid)
	if p == nil {
		return nil, statusToInt32(errno.ESRCH)
	}
	p.Lock()
	info := processInfo{PID: p.PID, Parent: p.Parent, Command: p.Command, Zombie: p.Zombie, Threads: len(p.Threads)}
	p.Unlock()
	payload, err := json.Marshal(info)
	if err != nil {
		return nil, statusToInt32(errno.EIO)
	}
	return payload, 0
}
