package clock

import (
	"time"

	wallclock "github.com/benbjohnson/clock"
)

// Scheduler fires a callback once after a delay. Implementations must
// run the callback on the same logical thread as every other event
// handler.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, fn func())
}

// Poster accepts work for the event loop; eventloop.Loop satisfies it.
type Poster interface {
	Post(fn func()) bool
}

// LoopScheduler arms wall-clock timers whose expiry is posted onto the
// event loop instead of running on the timer goroutine.
type LoopScheduler struct {
	clk  wallclock.Clock
	loop Poster
}

// NewLoopScheduler creates a scheduler that delivers callbacks through
// loop. A nil clk uses the real wall clock.
func NewLoopScheduler(clk wallclock.Clock, loop Poster) *LoopScheduler {
	if loop == nil {
		panic("clock: LoopScheduler requires a loop")
	}
	if clk == nil {
		clk = wallclock.New()
	}
	return &LoopScheduler{clk: clk, loop: loop}
}

// ScheduleOnce arms a one-shot timer. If the loop has already stopped
// when the timer fires, the callback is dropped.
func (s *LoopScheduler) ScheduleOnce(delay time.Duration, fn func()) {
	s.clk.AfterFunc(delay, func() {
		s.loop.Post(fn)
	})
}
