// Package inbound processes messages received on subscriptions: it
// bounds payload sizes, reassembles chunked deliveries, rate limits
// bursts and logs what arrived. It runs on the event loop and holds no
// locks.
package inbound

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/nugget/ackline/internal/mqtt"
)

// Config bounds inbound processing.
type Config struct {
	// MaxPayloadBytes is the largest message accepted. Larger messages
	// are dropped without being buffered.
	MaxPayloadBytes int
	// MaxPartial is how many chunked messages may be in reassembly at
	// once. The oldest is evicted when a new one would exceed it.
	MaxPartial int
	// RatePerSec and Burst configure the token bucket applied to
	// complete messages. A zero rate disables limiting.
	RatePerSec float64
	Burst      int
}

// Message is one complete inbound message.
type Message struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retained   bool
	ReceivedAt time.Time
}

// Sink receives complete messages. It is called on the loop.
type Sink func(Message)

// Stats counts inbound outcomes since the handler was created.
type Stats struct {
	Delivered   uint64
	RateDropped uint64
	Oversized   uint64
	Evicted     uint64
	Malformed   uint64
}

type partialKey struct {
	topic string
	id    uint16
}

type partial struct {
	buf      []byte
	received int
	seen     map[int]struct{}
	msg      mqtt.Inbound
}

// Handler is the inbound pipeline.
type Handler struct {
	cfg     Config
	sink    Sink
	logger  *slog.Logger
	limiter *rate.Limiter
	now     func() time.Time

	partials map[partialKey]*partial
	order    []partialKey

	stats    Stats
	limiting bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithNow overrides the time source used for rate limiting and
// timestamps.
func WithNow(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

// New creates a Handler. A nil sink discards messages after logging.
func New(cfg Config, sink Sink, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPartial <= 0 {
		cfg.MaxPartial = 1
	}
	h := &Handler{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		partials: make(map[partialKey]*partial),
	}
	for _, o := range opts {
		o(h)
	}
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	return h
}

// Stats returns the current counters.
func (h *Handler) Stats() Stats { return h.stats }

// Partial returns how many messages are waiting for more chunks.
func (h *Handler) Partial() int { return len(h.partials) }

// Handle accepts one message or chunk from the transport.
func (h *Handler) Handle(in mqtt.Inbound) {
	total := in.Total
	if total < len(in.Payload) {
		total = len(in.Payload)
	}

	if h.cfg.MaxPayloadBytes > 0 && total > h.cfg.MaxPayloadBytes {
		h.stats.Oversized++
		h.logger.Warn("mqtt message too large, dropped",
			"topic", in.Topic,
			"payload_size", total,
			"max", h.cfg.MaxPayloadBytes,
		)
		return
	}

	if in.Index < 0 || in.Index+len(in.Payload) > total {
		h.stats.Malformed++
		h.logger.Warn("mqtt chunk out of range, dropped",
			"topic", in.Topic,
			"index", in.Index,
			"len", len(in.Payload),
			"total", total,
		)
		return
	}

	if in.Index == 0 && len(in.Payload) == total {
		h.complete(in, bytes.Clone(in.Payload))
		return
	}
	h.assemble(in, total)
}

func (h *Handler) assemble(in mqtt.Inbound, total int) {
	key := partialKey{topic: in.Topic, id: in.PacketID}
	p, ok := h.partials[key]
	if ok && len(p.buf) != total {
		h.stats.Malformed++
		h.logger.Warn("mqtt chunk total changed, restarting reassembly",
			"topic", in.Topic, "id", in.PacketID, "was", len(p.buf), "now", total)
		h.forget(key)
		ok = false
	}
	if !ok {
		for len(h.partials) >= h.cfg.MaxPartial {
			h.evictOldest()
		}
		p = &partial{buf: make([]byte, total), seen: make(map[int]struct{}), msg: in}
		h.partials[key] = p
		h.order = append(h.order, key)
	}

	if _, dup := p.seen[in.Index]; dup {
		return
	}
	p.seen[in.Index] = struct{}{}
	p.received += copy(p.buf[in.Index:], in.Payload)
	if p.received < total {
		return
	}
	h.forget(key)
	h.complete(p.msg, p.buf)
}

func (h *Handler) evictOldest() {
	key := h.order[0]
	h.stats.Evicted++
	h.logger.Warn("mqtt partial message evicted",
		"topic", key.topic,
		"id", key.id,
		"received", h.partials[key].received,
		"total", len(h.partials[key].buf),
	)
	h.forget(key)
}

func (h *Handler) forget(key partialKey) {
	delete(h.partials, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *Handler) complete(in mqtt.Inbound, payload []byte) {
	now := h.now()
	if h.limiter != nil && !h.limiter.AllowN(now, 1) {
		h.stats.RateDropped++
		if !h.limiting {
			h.limiting = true
			h.logger.Warn("mqtt messages dropped due to rate limit",
				"rate_per_sec", h.cfg.RatePerSec,
				"burst", h.cfg.Burst,
			)
		}
		return
	}
	if h.limiting {
		h.limiting = false
		h.logger.Info("mqtt inbound rate back under limit", "dropped_total", h.stats.RateDropped)
	}

	h.stats.Delivered++
	h.logReceived(in.Topic, in.QoS, payload)
	if h.sink != nil {
		h.sink(Message{
			Topic:      in.Topic,
			Payload:    payload,
			QoS:        in.QoS,
			Retained:   in.Retained,
			ReceivedAt: now,
		})
	}
}

// logReceived logs the message at debug level. JSON objects with a
// "type" or "cmd" field have it surfaced as a structured attribute.
func (h *Handler) logReceived(topic string, qos byte, payload []byte) {
	if !h.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	fields := []any{
		"topic", topic,
		"qos", qos,
		"payload_size", len(payload),
	}

	if len(payload) > 0 && payload[0] == '{' {
		var obj map[string]any
		if err := json.Unmarshal(payload, &obj); err == nil {
			for _, k := range []string{"type", "cmd"} {
				if v, ok := obj[k]; ok {
					fields = append(fields, k, v)
				}
			}
		}
	}

	h.logger.Debug("mqtt message received", fields...)
}
