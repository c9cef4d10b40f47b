package chat

import (
	"errors"
	"sync"
)

var ErrChannelClosed = errors.New("channel worker is closed")

// worker is the single goroutine owning one channel's mutable state. Every
// external call and every timer callback for the channel goes through its
// queue, which is what gives the core strict ordering within a channel and
// full parallelism across channels.
type worker struct {
	mu     sync.Mutex
	queue  chan func()
	closed bool
	done   chan struct{}
}

func newWorker(buffer int) *worker {
	out := &worker{
		queue: make(chan func(), buffer),
		done:  make(chan struct{}),
	}
	go out.run()
	return out
}

func (v *worker) run() {
	defer close(v.done)
	for fn := range v.queue {
		if fn == nil {
			return
		}
		fn()
	}
}

// submit enqueues fn without waiting for it. Timer callbacks use this path.
func (v *worker) submit(fn func()) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.queue <- fn
	return true
}

// do runs fn on the worker and waits for it, so callers get synchronous
// results while the worker keeps exclusive ownership.
func (v *worker) do(fn func()) error {
	signal := make(chan struct{})
	if !v.submit(func() {
		defer close(signal)
		fn()
	}) {
		return ErrChannelClosed
	}
	<-signal
	return nil
}

// close stops the worker after everything already queued has run. Work
// submitted afterwards is dropped.
func (v *worker) close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.queue <- nil
	v.mu.Unlock()
	<-v.done
}
