// Package clock provides the wrapping tick counters used to measure
// elapsed time and loop-cycle deltas, plus the one-shot scheduler that
// delivers timer callbacks onto the event loop.
//
// Tick counters have a fixed bit width and wrap around at their maximum
// value. Elapsed time is always computed with unsigned modular
// subtraction, which is correct across a single wraparound without any
// special casing.
package clock

import (
	"time"

	wallclock "github.com/benbjohnson/clock"
)

// Tick is the set of unsigned counter widths a [Source] can report.
type Tick interface {
	~uint16 | ~uint32 | ~uint64
}

// Elapsed returns now - since using wrapping arithmetic. The result is
// correct whether or not the counter wrapped between the two readings,
// as long as it wrapped at most once.
func Elapsed[T Tick](since, now T) T {
	return now - since
}

// Source reports milliseconds since its creation as a T-wide counter.
// The underlying wall clock is injectable so tests can drive it with
// [wallclock.Mock].
//
// A Source is not safe for concurrent use; it belongs to the event loop.
type Source[T Tick] struct {
	clk       wallclock.Clock
	origin    time.Time
	lastCycle T
}

// NewSource creates a millisecond tick source. A nil clk uses the real
// wall clock.
func NewSource[T Tick](clk wallclock.Clock) *Source[T] {
	if clk == nil {
		clk = wallclock.New()
	}
	s := &Source[T]{
		clk:    clk,
		origin: clk.Now(),
	}
	s.lastCycle = s.Now()
	return s
}

// Now returns the current tick count. Conversion to T truncates, which
// is exactly the wraparound behavior of a hardware millisecond counter.
func (s *Source[T]) Now() T {
	return T(s.clk.Since(s.origin).Milliseconds())
}

// Elapsed returns the ticks elapsed since the given reading.
func (s *Source[T]) Elapsed(since T) T {
	return Elapsed(since, s.Now())
}

// Cycle returns the ticks elapsed since the previous Cycle call (or
// since creation) and starts a new cycle.
func (s *Source[T]) Cycle() T {
	now := s.Now()
	delta := Elapsed(s.lastCycle, now)
	s.lastCycle = now
	return delta
}
