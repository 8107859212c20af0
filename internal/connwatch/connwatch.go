// Package connwatch tracks whether the network link to the broker is
// usable.
//
// A Watcher probes the link in two phases:
//  1. Startup: exponential backoff (1s, 2s, 4s, ... capped at 30s)
//  2. Background: periodic polling with state-transition callbacks
//
// The supervisor consults [Watcher.LinkUp] before scheduling a
// reconnect, and OnReady lets it connect as soon as the link returns.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"

	"github.com/nugget/ackline/internal/config"
)

// ProbeFunc checks whether the link is usable. Return nil if it is.
type ProbeFunc func(ctx context.Context) error

// TCPProbe returns a probe that opens and immediately closes a TCP
// connection to addr.
func TCPProbe(addr string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// Config configures a Watcher. Zero durations and counts take the
// values from [DefaultConfig].
type Config struct {
	// Name identifies the link in logs (e.g., the probe address).
	Name string

	// Probe checks the link. Must be safe for concurrent use.
	Probe ProbeFunc

	// InitialDelay and MaxDelay bound the startup backoff.
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// MaxRetries is the number of startup probe attempts before
	// falling back to background polling.
	MaxRetries int

	// PollInterval is the background check interval.
	PollInterval time.Duration

	// ProbeTimeout limits each probe call.
	ProbeTimeout time.Duration

	// OnReady is called on the watcher goroutine when the link goes
	// from down to up. It must not block.
	OnReady func()

	// OnDown is called on the watcher goroutine when the link goes
	// from up to down. It must not block.
	OnDown func(err error)

	Logger *slog.Logger
	Clock  wallclock.Clock
}

// DefaultConfig returns the default probe schedule.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		MaxRetries:   8,
		PollInterval: 10 * time.Second,
		ProbeTimeout: 3 * time.Second,
	}
}

// Status is the link state, suitable for JSON output.
type Status struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one link.
type Watcher struct {
	config Config
	up     atomic.Bool
	done   chan struct{}
	cancel context.CancelFunc

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// New creates a Watcher. It panics if Probe is nil.
func New(cfg Config) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: Config.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = wallclock.New()
	}

	defaults := DefaultConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaults.ProbeTimeout
	}

	return &Watcher{config: cfg, done: make(chan struct{})}
}

// Start runs the watcher in a background goroutine until ctx is
// cancelled or Stop is called. Start must be called at most once.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

// LinkUp reports whether the last probe succeeded. It is safe to call
// from any goroutine.
func (w *Watcher) LinkUp() bool {
	return w.up.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current link status.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:      w.config.Name,
		Up:        w.up.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// Done is closed when the watcher goroutine exits.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config
	logger := cfg.Logger

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2.0

	// Phase 1: startup probe with exponential backoff.
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.check(ctx)
		if err == nil {
			logger.Debug("startup link probe succeeded", "link", cfg.Name, "after_attempts", attempt)
			break
		}

		if attempt == cfg.MaxRetries {
			logger.Info("network link still down, entering background polling",
				"link", cfg.Name,
				"attempts", attempt,
				"error", err,
			)
			break
		}

		delay := b.NextBackOff()
		logger.Debug("link probe failed, retrying",
			"link", cfg.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !w.sleep(ctx, delay) {
			return
		}
	}

	// Phase 2: background periodic polling.
	ticker := cfg.Clock.Ticker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.check(ctx); err != nil && ctx.Err() == nil {
				logger.Log(ctx, config.LevelTrace, "link still down", "link", cfg.Name, "error", err)
			}
		}
	}
}

// check probes the link, records the result and fires the transition
// callbacks.
func (w *Watcher) check(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("watcher stopped: %w", ctx.Err())
	}

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = w.config.Clock.Now()
	w.mu.Unlock()

	wasUp := w.up.Load()
	switch {
	case wasUp && err != nil:
		w.up.Store(false)
		w.config.Logger.Warn("network link down", "link", w.config.Name, "error", err)
		if w.config.OnDown != nil {
			w.config.OnDown(err)
		}
	case !wasUp && err == nil:
		w.up.Store(true)
		w.config.Logger.Info("network link recovered", "link", w.config.Name)
		if w.config.OnReady != nil {
			w.config.OnReady()
		}
	}
	return err
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	timer := w.config.Clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
