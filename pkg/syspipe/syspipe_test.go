package syspipe

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestDispatchesRegisteredHandler is a function.
func TestDispatchesRegisteredHandler(t *testing.T) {
	var mu sync.Mutex
	completed := make(chan *Request, 1)

	p := New(2, func(r *Request) {
		completed <- r
	})
	defer p.Close()

	p.Register(1, func(req *Request) (int64, bool) {
		mu.Lock()
		defer mu.Unlock()
		return int64(req.Params[0] * 2), false
	})

	p.Enqueue(&Request{ID: 1, Function: 1, Params: [4]uint64{21}})

	select {
	case r := <-completed:
		assert.Equal(t, int64(42), r.Ret)
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

// TestUnknownFunctionReturnsENOSYS is a function.
func TestUnknownFunctionReturnsENOSYS(t *testing.T) {
	completed := make(chan *Request, 1)
	p := New(1, func(r *Request) { completed <- r })
	defer p.Close()

	p.Enqueue(&Request{ID: 1, Function: 999})

	select {
	case r := <-completed:
		assert.Equal(t, int64(-38), r.Ret) // -ENOSYS
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}
}

// TestWouldBlockRetriesUnderSameID is a function.
func TestWouldBlockRetriesUnderSameID(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	completed := make(chan *Request, 1)

	p := New(1, func(r *Request) { completed <- r })
	defer p.Close()

	p.Register(2, func(req *Request) (int64, bool) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return 0, true // would-block: caller retries
		}
		return 7, false
	})

	p.Enqueue(&Request{ID: 99, Function: 2})

	select {
	case r := <-completed:
		assert.Equal(t, uint64(99), r.ID)
		assert.Equal(t, int64(7), r.Ret)
	case <-time.After(time.Second):
		t.Fatal("request never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, attempts)
}

// TestNonBlockRequestDoesNotRetry is a function.
func TestNonBlockRequestDoesNotRetry(t *testing.T) {
	completed := make(chan *Request, 1)
	p := New(1, func(r *Request) { completed <- r })
	defer p.Close()

	p.Register(3, func(req *Request) (int64, bool) { return -11, true }) // -EAGAIN

	p.Enqueue(&Request{ID: 1, Function: 3, NonBlock: true})

	select {
	case r := <-completed:
		assert.Equal(t, int64(-11), r.Ret)
	case <-time.After(time.Second):
		t.Fatal("non-blocking request should complete immediately with EAGAIN")
	}
}
