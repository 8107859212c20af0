// Package delivery publishes messages through the transport and tracks
// each one until the broker acknowledges it.
//
// A message enters the pending registry only after the transport has
// accepted it and returned a nonzero identifier. It leaves the registry
// exactly once: when its acknowledgment arrives, or when the tracker
// abandons it because the broker session that would have acknowledged
// it is gone.
//
// The Tracker is not safe for concurrent use. Every method must be
// called from the event loop goroutine.
package delivery

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/ackline/internal/inflight"
)

var (
	// ErrSendRejected means the transport refused the message, for
	// example because it is not connected or its output buffer is full.
	// The caller may retry with its own policy.
	ErrSendRejected = errors.New("delivery: send rejected by transport")

	// ErrUntrackedQoS means the requested QoS level is never
	// acknowledged by the broker and so cannot be tracked.
	ErrUntrackedQoS = errors.New("delivery: qos level is not acknowledged")
)

// DefaultPreviewBytes is how many leading and trailing payload bytes the
// delivery log shows.
const DefaultPreviewBytes = 35

// Sender is the publishing half of the transport. A zero return value
// means the message was not accepted.
type Sender interface {
	Publish(topic string, qos byte, retain bool, payload []byte) uint16
}

// Outcome describes how a pending message left the registry.
type Outcome string

const (
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeAbandoned    Outcome = "abandoned"
)

// Observer is notified whenever a pending message is retired. It is
// called on the event loop and must not block.
type Observer interface {
	Retired(msg inflight.Message, outcome Outcome, at time.Time)
}

// Tracker issues publishes and reconciles acknowledgments against the
// pending registry.
type Tracker struct {
	sender       Sender
	registry     *inflight.Registry
	logger       *slog.Logger
	now          func() time.Time
	observer     Observer
	previewBytes int
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithObserver reports retirements to o.
func WithObserver(o Observer) Option {
	return func(t *Tracker) { t.observer = o }
}

// WithPreviewBytes sets the head/tail preview length of delivery logs.
func WithPreviewBytes(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.previewBytes = n
		}
	}
}

// WithNow overrides the time source used to stamp pending messages.
func WithNow(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New creates a Tracker that sends through sender and records pending
// messages in registry.
func New(sender Sender, registry *inflight.Registry, logger *slog.Logger, opts ...Option) *Tracker {
	if sender == nil {
		panic("delivery: Tracker requires a sender")
	}
	if registry == nil {
		panic("delivery: Tracker requires a registry")
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		sender:       sender,
		registry:     registry,
		logger:       logger,
		now:          time.Now,
		previewBytes: DefaultPreviewBytes,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Publish sends payload to topic at qos and starts tracking it. It
// returns the transport-assigned id.
//
// If the transport rejects the message, Publish returns
// [ErrSendRejected] and leaves the registry untouched. If the returned
// id is already pending, the broker contract has been violated: the
// existing entry is kept, the new one is dropped, and an error wrapping
// [inflight.ErrDuplicateID] is returned together with the id.
func (t *Tracker) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	if qos == 0 || qos > 2 {
		return 0, fmt.Errorf("publish to %q at qos %d: %w", topic, qos, ErrUntrackedQoS)
	}

	id := t.sender.Publish(topic, qos, false, payload)
	if id == 0 {
		t.logger.Warn("mqtt publish rejected", "topic", topic)
		return 0, fmt.Errorf("publish to %q: %w", topic, ErrSendRejected)
	}

	err := t.registry.Insert(inflight.Message{
		ID:      id,
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		SentAt:  t.now(),
	})
	if err != nil {
		t.logger.Error("mqtt pending message dropped",
			"id", id,
			"topic", topic,
			"pending", t.registry.Len(),
			"error", err,
		)
		return id, err
	}

	t.logger.Info("mqtt published",
		"topic", topic,
		"payload", Preview(payload, t.previewBytes),
		"size", len(payload),
		"id", id,
	)
	return id, nil
}

// OnAcknowledged retires the pending message with the given id.
// Unknown and already-retired ids are ignored.
func (t *Tracker) OnAcknowledged(id uint16) {
	msg, ok := t.registry.Remove(id)
	if !ok {
		t.logger.Debug("mqtt ack for unknown message", "id", id)
		return
	}

	at := t.now()
	t.logger.Debug("mqtt publish acknowledged",
		"id", id,
		"topic", msg.Topic,
		"latency", at.Sub(msg.SentAt).String(),
		"pending", t.registry.Len(),
	)
	if t.observer != nil {
		t.observer.Retired(msg, OutcomeAcknowledged, at)
	}
}

// AbandonAll retires every pending message without an acknowledgment
// and returns how many were dropped. It is used when the session that
// would have acknowledged them no longer exists.
func (t *Tracker) AbandonAll(reason string) int {
	dropped := t.registry.Drain()
	if len(dropped) == 0 {
		return 0
	}

	at := t.now()
	for _, msg := range dropped {
		t.logger.Warn("mqtt pending message abandoned",
			"id", msg.ID,
			"topic", msg.Topic,
			"age", at.Sub(msg.SentAt).String(),
			"reason", reason,
		)
		if t.observer != nil {
			t.observer.Retired(msg, OutcomeAbandoned, at)
		}
	}
	return len(dropped)
}

// Pending returns the number of unacknowledged messages.
func (t *Tracker) Pending() int {
	return t.registry.Len()
}

// ForEachPending calls fn with a copy of every pending message.
func (t *Tracker) ForEachPending(fn func(inflight.Message)) {
	t.registry.ForEach(fn)
}

// Preview returns the payload as text, shortened to its first and last
// n bytes when it is longer than 2n.
func Preview(payload []byte, n int) string {
	if n <= 0 || len(payload) <= 2*n {
		return string(payload)
	}
	return string(payload[:n]) + " ... " + string(payload[len(payload)-n:])
}
