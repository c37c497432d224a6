// Package notify delivers callbacks in order on a single goroutine so slow
// consumers never block the producers that emit them.
package notify

import (
	"sync"

	"github.com/eapache/queue"
)

// Dispatcher runs submitted functions one at a time in FIFO order.
type Dispatcher struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending *queue.Queue
	closed  bool
	done    chan struct{}
}

// NewDispatcher creates a dispatcher and starts its delivery goroutine.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		mu:      sync.Mutex{},
		cond:    nil,
		pending: queue.New(),
		closed:  false,
		done:    make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	go d.run()

	return d
}

// Submit enqueues fn. It never blocks on delivery. Submissions after Close are ignored.
func (d *Dispatcher) Submit(fn func()) {
	if fn == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	d.pending.Add(fn)
	d.cond.Signal()
}

// Pending returns the number of functions waiting to run.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.pending.Length()
}

// Close stops accepting work, runs everything already queued and waits for it.
// Safe to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		d.cond.Broadcast()
	}
	d.mu.Unlock()

	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		for d.pending.Length() == 0 && !d.closed {
			d.cond.Wait()
		}

		if d.pending.Length() == 0 {
			d.mu.Unlock()

			return
		}

		fn, _ := d.pending.Remove().(func())
		d.mu.Unlock()

		if fn != nil {
			fn()
		}
	}
}
