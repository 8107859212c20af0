// Package telemetry periodically publishes a status sample through the
// delivery tracker, so every sample is itself a tracked QoS 1/2 message.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	wallclock "github.com/benbjohnson/clock"
	json "github.com/goccy/go-json"

	"github.com/nugget/ackline/internal/buildinfo"
	"github.com/nugget/ackline/internal/clock"
	"github.com/nugget/ackline/internal/delivery"
	"github.com/nugget/ackline/internal/inbound"
)

// Tracker is the publish surface the sampler needs.
type Tracker interface {
	Publish(topic string, payload []byte, qos byte) (uint16, error)
	Pending() int
}

// Sources supplies the runtime state included in each sample. All
// methods are called on the event loop.
type Sources interface {
	Connected() bool
	ConnState() string
	InboundStats() inbound.Stats
}

// Device identifies the publishing instance in every sample.
type Device struct {
	ClientID  string `json:"client_id"`
	SWVersion string `json:"sw_version"`
}

// Sample is one telemetry payload.
type Sample struct {
	Seq       uint64  `json:"seq"`
	UptimeSec float64 `json:"uptime_sec"`
	// CycleMs is the wrapping millisecond delta since the previous
	// sample, as measured by the 32-bit tick source.
	CycleMs  uint32        `json:"cycle_ms"`
	Pending  int           `json:"pending"`
	State    string        `json:"state"`
	Inbound  InboundCounts `json:"inbound"`
	Device   Device        `json:"device"`
	Sampled  time.Time     `json:"sampled_at"`
	Rejected uint64        `json:"rejected"`
}

// InboundCounts mirrors [inbound.Stats] for the wire format.
type InboundCounts struct {
	Delivered   uint64 `json:"delivered"`
	RateDropped uint64 `json:"rate_dropped"`
	Oversized   uint64 `json:"oversized"`
	Evicted     uint64 `json:"evicted"`
}

// Config configures a Publisher.
type Config struct {
	Topic    string
	Interval time.Duration
	QoS      byte
	ClientID string
	Clock    wallclock.Clock
	Logger   *slog.Logger
}

// Poster hands work to the event loop.
type Poster interface {
	Post(fn func()) bool
}

// Publisher samples runtime state and publishes it on a fixed interval.
// Sample and Tick must run on the event loop; Run may run anywhere.
type Publisher struct {
	cfg     Config
	tracker Tracker
	sources Sources
	ticks   *clock.Source[uint32]
	started time.Time

	seq      uint64
	rejected uint64
}

// New creates a Publisher. The first Cycle measured is relative to
// construction time.
func New(cfg Config, tracker Tracker, sources Sources) *Publisher {
	if cfg.Clock == nil {
		cfg.Clock = wallclock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	p := &Publisher{
		cfg:     cfg,
		tracker: tracker,
		sources: sources,
		ticks:   clock.NewSource[uint32](cfg.Clock),
		started: cfg.Clock.Now(),
	}
	p.ticks.Cycle()
	return p
}

// Sample builds the next sample and advances the cycle reference.
func (p *Publisher) Sample() Sample {
	p.seq++
	st := p.sources.InboundStats()
	now := p.cfg.Clock.Now()
	return Sample{
		Seq:       p.seq,
		UptimeSec: now.Sub(p.started).Seconds(),
		CycleMs:   p.ticks.Cycle(),
		Pending:   p.tracker.Pending(),
		State:     p.sources.ConnState(),
		Inbound: InboundCounts{
			Delivered:   st.Delivered,
			RateDropped: st.RateDropped,
			Oversized:   st.Oversized,
			Evicted:     st.Evicted,
		},
		Device: Device{
			ClientID:  p.cfg.ClientID,
			SWVersion: buildinfo.Version,
		},
		Sampled:  now.UTC(),
		Rejected: p.rejected,
	}
}

// Tick publishes one sample if the broker connection is up.
func (p *Publisher) Tick() {
	if !p.sources.Connected() {
		p.cfg.Logger.Debug("telemetry skipped, not connected", "state", p.sources.ConnState())
		return
	}

	sample := p.Sample()
	payload, err := json.Marshal(sample)
	if err != nil {
		p.cfg.Logger.Error("telemetry encode failed", "error", err)
		return
	}

	if _, err := p.tracker.Publish(p.cfg.Topic, payload, p.cfg.QoS); err != nil {
		if errors.Is(err, delivery.ErrSendRejected) {
			p.rejected++
		}
		p.cfg.Logger.Warn("telemetry publish failed", "seq", sample.Seq, "error", err)
	}
}

// Run posts Tick onto the loop every interval until ctx is cancelled or
// the loop stops accepting work.
func (p *Publisher) Run(ctx context.Context, loop Poster) error {
	ticker := p.cfg.Clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.cfg.Logger.Info("telemetry started",
		"topic", p.cfg.Topic,
		"interval", p.cfg.Interval.String(),
		"qos", p.cfg.QoS,
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !loop.Post(p.Tick) {
				return nil
			}
		}
	}
}
