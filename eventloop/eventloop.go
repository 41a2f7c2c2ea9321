// Package eventloop is the Go-idiomatic stand-in for the original core's
// libevent-style reactor: a single goroutine drains a channel of posted
// work items (I/O-readiness callbacks, fired timers, and cross-goroutine
// handoffs from the thread-safe FIFO), so that exactly one goroutine ever
// mutates mesh state, per spec.md §5's concurrency model. There is no
// portable non-blocking socket readiness primitive at the stdlib level the
// way C's epoll/libevent gives the original; instead, per-connection reader
// goroutines block in net.Conn.Read and post a read-ready event into the
// loop rather than calling handlers directly, preserving "no handler
// suspends; the handler runs to completion."
package eventloop

import (
	"sync"
	"time"
)

// HandleID identifies a registered I/O or timeout callback so it can later
// be removed or rearmed.
type HandleID uint64

// Loop is a single-goroutine reactor. All callbacks registered with it run
// on the same goroutine that calls Run, in the order their events arrive.
type Loop struct {
	mu       sync.Mutex
	nextID   HandleID
	timers   map[HandleID]*time.Timer
	ioCancel map[HandleID]func()
	events   chan func()
	closing  chan struct{}
	closed   bool
}

// New creates a Loop with a reasonably sized event buffer; posting never
// blocks the event loop itself, only the (external) poster if the buffer is
// saturated, which only happens under sustained overload.
func New() *Loop {
	return &Loop{
		timers:   make(map[HandleID]*time.Timer),
		ioCancel: make(map[HandleID]func()),
		events:   make(chan func(), 1024),
		closing:  make(chan struct{}),
	}
}

// Now returns the current monotonic time, spec.md §6's "monotonic now"
// collaborator interface.
func (l *Loop) Now() time.Time {
	return time.Now()
}

// Post enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine, including the per-connection reader goroutines and the
// application-facing FIFO consumer.
func (l *Loop) Post(fn func()) {
	select {
	case l.events <- fn:
	case <-l.closing:
	}
}

// IOAdd registers cancel as the teardown action for one connection's I/O
// and returns a handle usable with IODel. It performs no I/O and runs no
// callback itself: the connection's own reader goroutine blocks in its read
// call and uses Post to hand data to the loop goroutine. IOAdd's job is
// bookkeeping only: it exists so callers have a HandleID to give to IODel
// when tearing a connection down.
func (l *Loop) IOAdd(cancel func()) HandleID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.ioCancel[id] = cancel
	return id
}

// IODel removes the I/O registration for handle and invokes its cancel
// function (typically closing the underlying socket, which unblocks the
// reader goroutine's pending Read).
func (l *Loop) IODel(handle HandleID) {
	l.mu.Lock()
	cancel, ok := l.ioCancel[handle]
	delete(l.ioCancel, handle)
	l.mu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
}

// TimeoutAdd arms a new timer that posts cb to the loop after d elapses,
// returning a handle usable with TimeoutSet/TimeoutDel.
func (l *Loop) TimeoutAdd(d time.Duration, cb func()) HandleID {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.mu.Unlock()

	l.arm(id, d, cb)
	return id
}

func (l *Loop) arm(id HandleID, d time.Duration, cb func()) {
	t := time.AfterFunc(d, func() {
		l.Post(cb)
	})
	l.mu.Lock()
	l.timers[id] = t
	l.mu.Unlock()
}

// TimeoutSet re-arms an existing timer handle to fire after d, replacing
// whatever firing time it previously had. cb is the callback to run when it
// next fires.
func (l *Loop) TimeoutSet(handle HandleID, d time.Duration, cb func()) {
	l.mu.Lock()
	if old, ok := l.timers[handle]; ok {
		old.Stop()
	}
	l.mu.Unlock()
	l.arm(handle, d, cb)
}

// TimeoutDel cancels and forgets a timer handle.
func (l *Loop) TimeoutDel(handle HandleID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[handle]; ok {
		t.Stop()
		delete(l.timers, handle)
	}
}

// Run drains the event channel on the calling goroutine until Stop is
// called. Every event function runs to completion before the next is
// considered, matching spec.md §5's "no handler suspends."
func (l *Loop) Run() {
	for {
		select {
		case fn := <-l.events:
			fn()
		case <-l.closing:
			l.drain()
			return
		}
	}
}

// drain runs any events already queued before Stop was observed, so work
// posted just before shutdown isn't silently dropped.
func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.events:
			fn()
		default:
			return
		}
	}
}

// Stop signals Run to return after draining pending events.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.closing)
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}
