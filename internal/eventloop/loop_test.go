package eventloop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startLoop(t *testing.T) (*Loop, context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	l := New(16, testLogger())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()
	t.Cleanup(cancel)
	return l, cancel, errc
}

func TestLoop_RunsInPostOrder(t *testing.T) {
	t.Parallel()
	l, _, _ := startLoop(t)

	var got []int
	for i := 0; i < 10; i++ {
		n := i
		l.Post(func() { got = append(got, n) })
	}

	// Call waits until everything posted before it has run.
	if !l.Call(func() {}) {
		t.Fatal("Call() = false on a running loop")
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("execution order = %v, want ascending", got)
		}
	}
	if len(got) != 10 {
		t.Errorf("ran %d functions, want 10", len(got))
	}
}

func TestLoop_NoConcurrentExecution(t *testing.T) {
	t.Parallel()
	l, _, _ := startLoop(t)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Post(func() {
					n := active.Add(1)
					if n > maxActive.Load() {
						maxActive.Store(n)
					}
					active.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	l.Call(func() {})

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent functions = %d, want 1", maxActive.Load())
	}
}

func TestLoop_PostAfterStop(t *testing.T) {
	t.Parallel()
	l, cancel, errc := startLoop(t)

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if l.Post(func() { t.Error("function ran after stop") }) {
		t.Error("Post() = true after the loop stopped")
	}
	if l.Call(func() {}) {
		t.Error("Call() = true after the loop stopped")
	}
	select {
	case <-l.Done():
	default:
		t.Error("Done() not closed after stop")
	}
}
