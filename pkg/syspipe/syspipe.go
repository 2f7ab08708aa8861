// Package syspipe is lux's syscall pipeline: a FIFO request queue, a pool
// of worker goroutines dispatching by a stable ordinal, and would-block
// retry-with-same-requestID semantics for blocking I/O.
//
// The worker pool's stop/drain idiom is adapted wholesale from the
// teacher's pkg/tasks/tasks.go TaskManager (a single in-flight task
// signaled to stop via a buffered channel, acknowledged on a second
// channel) — generalized here from "one task, replace on new" into "N
// long-running workers, stop them all on Close". The would-block retry
// loop is grounded on
// _examples/original_source/src/servers/syscalls.c's handleSyscallResponse,
// which re-enqueues a COMMAND_READ/COMMAND_WRITE request under its
// original id when the router answers EWOULDBLOCK/EAGAIN and the
// descriptor isn't O_NONBLOCK.
package syspipe

import (
	"math/rand"
	"sync"

	"github.com/lux-project/lux/pkg/errno"
	"github.com/lux-project/lux/pkg/proc"
)

// Request is one syscall awaiting dispatch or a response.
type Request struct {
	ID       uint64
	Thread   *proc.Thread
	Function uint64
	Params   [4]uint64
	NonBlock bool // mirrors the caller's O_NONBLOCK: suppresses the retry loop

	Ret int64
}

// Handler executes one dispatched syscall. wouldBlock reports EAGAIN/EWOULDBLOCK
// specifically, distinct from any other negative errno in ret, so the pipeline
// knows to retry rather than complete the request.
type Handler func(req *Request) (ret int64, wouldBlock bool)

// Pipeline is the syscall FIFO queue plus a fixed worker pool dispatching
// against a stable ordinal table.
type Pipeline struct {
	mu       sync.Mutex
	queue    []*Request
	notEmpty *sync.Cond

	dispatch map[uint64]Handler

	stop  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	onComplete func(*Request)
}

// New builds a pipeline with workerCount goroutines; onComplete is invoked
// (from a worker goroutine) once a request finishes without needing a
// would-block retry.
func New(workerCount int, onComplete func(*Request)) *Pipeline {
	p := &Pipeline{
		dispatch:   make(map[uint64]Handler),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		onComplete: onComplete,
	}
	p.notEmpty = sync.NewCond(&p.mu)

	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	return p
}

// Register installs the handler for a syscall ordinal, overwriting any
// prior registration (syscalls.h's dispatch table, keyed by function
// number instead of a switch statement).
func (p *Pipeline) Register(function uint64, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dispatch[function] = h
}

// Enqueue appends a request to the tail of the FIFO queue. The first
// enqueue of a request mints its wire ID; a would-block retry re-enqueues
// the same *Request, so the ID set here survives every subsequent retry
// (handleSyscallResponse's "same requestID on retry" contract).
func (p *Pipeline) Enqueue(req *Request) {
	if req.ID == 0 {
		req.ID = rand.Uint64()
	}
	p.mu.Lock()
	p.queue = append(p.queue, req)
	p.notEmpty.Signal()
	p.mu.Unlock()
}

// Close stops every worker once the queue drains, blocking until they
// exit (Task.Stop's stop/notifyStopped handshake, generalized to N
// workers).
func (p *Pipeline) Close() {
	close(p.stop)
	p.mu.Lock()
	p.notEmpty.Broadcast() // wake any worker parked in wait() so it can observe stop
	p.mu.Unlock()
	<-p.done
}

func (p *Pipeline) dequeue() (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 {
		select {
		case <-p.stop:
			return nil, false
		default:
		}
		p.notEmpty.Wait()
		select {
		case <-p.stop:
			return nil, false
		default:
		}
	}

	req := p.queue[0]
	p.queue = p.queue[1:]
	return req, true
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		req, ok := p.dequeue()
		if !ok {
			return
		}

		p.mu.Lock()
		h, known := p.dispatch[req.Function]
		p.mu.Unlock()
		if !known {
			req.Ret = errno.ENOSYS.Neg()
			if p.onComplete != nil {
				p.onComplete(req)
			}
			continue
		}

		ret, wouldBlock := h(req)
		if wouldBlock && !req.NonBlock {
			// re-enqueue under the same requestID: syscalls.c's retry path
			p.Enqueue(req)
			continue
		}

		req.Ret = ret
		if p.onComplete != nil {
			p.onComplete(req)
		}
	}
}

// Len reports the current queue depth, used for diagnostics/tests.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
