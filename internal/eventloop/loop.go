// Package eventloop provides the single logical event queue that owns all
// mutable connection and subscription state. Network goroutines never touch
// that state directly; they Post closures that run here in FIFO order.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop executes posted functions one at a time on a single goroutine.
//
// Post and Enqueue feed the same FIFO. Post waits while the queue holds
// capacity tasks; Enqueue never waits and may grow the queue past it.
type Loop struct {
	mu       sync.Mutex
	tasks    []func()
	capacity int
	waiting  bool
	space    chan struct{} // closed when a full queue drops below capacity

	wake   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New creates a loop with the given queue capacity.
func New(capacity int, logger *slog.Logger) *Loop {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		capacity: capacity,
		space:    make(chan struct{}),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Run processes posted functions until ctx is cancelled or Stop is called.
// It must be called at most once.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		default:
		}
		if fn, ok := l.next(); ok {
			l.exec(fn)
			continue
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.done:
			return
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Stop terminates the loop. Pending functions are discarded.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.done)
		l.tasks = nil
		l.mu.Unlock()
	})
}

// Done is closed once the loop has been stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn. It returns false if the loop is stopped. Post blocks
// while the queue is full, which back-pressures the network readers, so
// it must not be called from a task running on the loop.
func (l *Loop) Post(fn func()) bool {
	for {
		l.mu.Lock()
		if l.stopped() {
			l.mu.Unlock()
			return false
		}
		if len(l.tasks) < l.capacity {
			l.push(fn)
			l.mu.Unlock()
			return true
		}
		l.waiting = true
		space := l.space
		l.mu.Unlock()

		select {
		case <-space:
		case <-l.done:
			return false
		}
	}
}

// Enqueue adds fn to the queue without waiting for room. It is meant for
// low-volume control tasks (subscription changes, shutdown) that may be
// issued from a task already running on the loop. It returns false if the
// loop is stopped.
func (l *Loop) Enqueue(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped() {
		return false
	}
	l.push(fn)
	return true
}

// Call runs fn on the loop and waits for it to finish. It returns false if
// the loop stopped first. Calling it from the loop deadlocks.
func (l *Loop) Call(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// AfterFunc posts fn onto the loop after delay. Stop on the returned timer
// prevents the post if it has not happened yet.
func (l *Loop) AfterFunc(delay time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(delay, func() { l.Post(fn) })
}

// Len reports the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// push appends fn and wakes the loop. Caller holds mu.
func (l *Loop) push(fn func()) {
	l.tasks = append(l.tasks, fn)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.tasks) == 0 {
		return nil, false
	}
	fn := l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	if l.waiting && len(l.tasks) < l.capacity {
		l.waiting = false
		close(l.space)
		l.space = make(chan struct{})
	}
	return fn, true
}

// stopped reports whether Stop has run. Caller holds mu.
func (l *Loop) stopped() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// exec runs fn and keeps a panicking handler from killing the loop.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r)
		}
	}()
	fn()
}
