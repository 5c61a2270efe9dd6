package capture

import "sync"

// Dispatcher moves completion callbacks onto the owner's execution context.
// A UI would implement Post by queueing fn on its main loop.
type Dispatcher interface {
	Post(fn func())
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(fn func())

// Post implements Dispatcher
func (f DispatcherFunc) Post(fn func()) { f(fn) }

// SerialDispatcher runs posted functions one at a time, in order, on its own goroutine
type SerialDispatcher struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewSerialDispatcher starts the dispatch goroutine
func NewSerialDispatcher() *SerialDispatcher {
	d := &SerialDispatcher{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Post queues fn without blocking. Functions posted after Close are dropped.
func (d *SerialDispatcher) Post(fn func()) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)

	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.mu.Unlock()
}

// Close drains already queued functions and stops the goroutine
func (d *SerialDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.wake)
	d.mu.Unlock()

	<-d.done
}

func (d *SerialDispatcher) run() {
	defer close(d.done)

	for range d.wake {
		d.drain()
	}
	d.drain()
}

func (d *SerialDispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		fn()
	}
}
