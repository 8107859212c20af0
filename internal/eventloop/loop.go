// Package eventloop runs every transport callback, timer expiry and
// application tick on one goroutine.
//
// The delivery tracker, pending registry and connection supervisor are
// lock-free. They rely on the guarantee provided here: no
// two posted functions ever run concurrently, and they run in the order
// they were posted. Other goroutines (transport I/O, timers, tickers)
// hand work to the loop with [Loop.Post] and never touch that state
// directly.
package eventloop

import (
	"context"
	"log/slog"
	"sync"
)

// DefaultQueueSize is the capacity of the event queue.
const DefaultQueueSize = 256

// Loop is a single-consumer executor.
type Loop struct {
	events chan func()
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// New creates a Loop with the given queue capacity. A non-positive size
// uses DefaultQueueSize.
func New(size int, logger *slog.Logger) *Loop {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		events: make(chan func(), size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Post queues fn for execution on the loop goroutine. It blocks while
// the queue is full and returns false, without running fn, once the
// loop has stopped. Post must not be called from the loop goroutine
// while the queue may be full; code already on the loop should call
// the target directly instead.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.events <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Run executes posted functions until ctx is cancelled. Functions still
// queued at that point are discarded. Run must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stop()

	l.logger.Debug("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.logger.Debug("event loop stopped", "discarded", len(l.events))
			return ctx.Err()
		case fn := <-l.events:
			fn()
		}
	}
}

// Done is closed once the loop has stopped accepting work.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Call runs fn on the loop and waits for it to finish. It returns false
// if the loop stopped first. Call must not be used from the loop
// goroutine itself.
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

func (l *Loop) stop() {
	l.once.Do(func() { close(l.done) })
}
