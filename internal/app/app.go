// Package app assembles the runtime: one event loop owning the pending
// registry, delivery tracker and connection supervisor, plus the
// transport, link watcher, telemetry and journal around it.
//
// App implements [mqtt.Handler]. The transport invokes it only through
// the loop, so every handler method runs on the loop goroutine.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/nugget/ackline/internal/clock"
	"github.com/nugget/ackline/internal/config"
	"github.com/nugget/ackline/internal/connwatch"
	"github.com/nugget/ackline/internal/delivery"
	"github.com/nugget/ackline/internal/eventloop"
	"github.com/nugget/ackline/internal/inbound"
	"github.com/nugget/ackline/internal/inflight"
	"github.com/nugget/ackline/internal/journal"
	"github.com/nugget/ackline/internal/mqtt"
	"github.com/nugget/ackline/internal/supervisor"
	"github.com/nugget/ackline/internal/telemetry"
)

// ShutdownTimeout bounds the transport disconnect during shutdown.
const ShutdownTimeout = 5 * time.Second

// LinkWatcher reports and monitors network link status.
type LinkWatcher interface {
	LinkUp() bool
	Start(ctx context.Context)
	Stop()
}

// ClientFactory builds the transport. The default selects an
// implementation by the configured protocol.
type ClientFactory func(opts mqtt.Options) (mqtt.Client, error)

// Option customizes an App.
type Option func(*options)

type options struct {
	clock     wallclock.Clock
	newClient ClientFactory
	newLink   func(onReady func()) LinkWatcher
	sink      inbound.Sink
}

// WithClock replaces the wall clock behind timers, tickers and the tick
// source.
func WithClock(c wallclock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithClientFactory replaces the transport constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(o *options) { o.newClient = f }
}

// WithLinkWatcher replaces the network link watcher. The function
// receives the callback to invoke when the link comes back up.
func WithLinkWatcher(f func(onReady func()) LinkWatcher) Option {
	return func(o *options) { o.newLink = f }
}

// WithInboundSink receives every complete inbound message.
func WithInboundSink(s inbound.Sink) Option {
	return func(o *options) { o.sink = s }
}

// App is the context object built once at startup.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  wallclock.Clock

	loop       *eventloop.Loop
	registry   *inflight.Registry
	tracker    *delivery.Tracker
	supervisor *supervisor.Supervisor
	inbound    *inbound.Handler
	client     mqtt.Client
	link       LinkWatcher
	telemetry  *telemetry.Publisher
	journal    *journal.Journal

	clientID string
}

// New builds an App from cfg. Nothing runs until [App.Run].
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{
		clock: wallclock.New(),
		newClient: func(mo mqtt.Options) (mqtt.Client, error) {
			return mqtt.NewClient(cfg.MQTT.Protocol, mo)
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	broker, err := url.Parse(cfg.MQTT.Broker)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		if clientID, err = mqtt.LoadOrCreateClientID(cfg.DataDir); err != nil {
			return nil, err
		}
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    o.clock,
		loop:     eventloop.New(eventloop.DefaultQueueSize, logger),
		registry: inflight.NewRegistry(),
		clientID: clientID,
	}

	if cfg.Journal.Enabled {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if a.journal, err = journal.Open(cfg.Journal.Path, logger.With("component", "journal")); err != nil {
			return nil, fmt.Errorf("open journal %s: %w", cfg.Journal.Path, err)
		}
	}

	a.client, err = o.newClient(mqtt.Options{
		Broker:         broker,
		ClientID:       clientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		KeepAlive:      time.Duration(cfg.MQTT.KeepAliveSec) * time.Second,
		ConnectTimeout: time.Duration(cfg.MQTT.ConnectTimeoutSec) * time.Second,
		Handler:        a,
		Executor:       a.loop,
		Logger:         logger.With("component", "mqtt"),
	})
	if err != nil {
		a.closeJournal()
		return nil, err
	}

	trackerOpts := []delivery.Option{
		delivery.WithPreviewBytes(cfg.Telemetry.PreviewBytes),
		delivery.WithNow(o.clock.Now),
	}
	if a.journal != nil {
		trackerOpts = append(trackerOpts, delivery.WithObserver(a.journal))
	}
	a.tracker = delivery.New(a.client, a.registry, logger, trackerOpts...)

	onLinkUp := func() { a.loop.Post(a.onLinkUp) }
	if o.newLink != nil {
		a.link = o.newLink(onLinkUp)
	} else {
		a.link = connwatch.New(connwatch.Config{
			Name:         probeAddress(cfg.Link.ProbeAddress, broker),
			Probe:        connwatch.TCPProbe(probeAddress(cfg.Link.ProbeAddress, broker)),
			PollInterval: time.Duration(cfg.Link.PollIntervalSec) * time.Second,
			ProbeTimeout: time.Duration(cfg.Link.ProbeTimeoutSec) * time.Second,
			OnReady:      onLinkUp,
			Logger:       logger.With("component", "connwatch"),
			Clock:        o.clock,
		})
	}

	subs := make([]supervisor.Subscription, 0, len(cfg.MQTT.Subscriptions))
	for _, s := range cfg.MQTT.Subscriptions {
		subs = append(subs, supervisor.Subscription{Topic: s.Topic, QoS: s.QoS})
	}
	a.supervisor = supervisor.New(a.client, a.link, clock.NewLoopScheduler(o.clock, a.loop), supervisor.Config{
		Subscriptions: subs,
		Backoff:       reconnectBackoff(cfg.Reconnect),
		OnSession:     a.onSession,
		Logger:        logger,
	})

	a.inbound = inbound.New(inbound.Config{
		MaxPayloadBytes: cfg.Inbound.MaxPayloadBytes,
		MaxPartial:      cfg.Inbound.MaxPartial,
		RatePerSec:      cfg.Inbound.RatePerSec,
		Burst:           cfg.Inbound.Burst,
	}, o.sink, logger, inbound.WithNow(o.clock.Now))

	a.telemetry = telemetry.New(telemetry.Config{
		Topic:    cfg.Telemetry.Topic,
		Interval: time.Duration(cfg.Telemetry.IntervalSec) * time.Second,
		QoS:      cfg.Telemetry.QoS,
		ClientID: clientID,
		Clock:    o.clock,
		Logger:   logger.With("component", "telemetry"),
	}, a.tracker, a)

	return a, nil
}

// reconnectBackoff builds the reconnect delay policy.
func reconnectBackoff(rc config.ReconnectConfig) backoff.BackOff {
	delay := rc.ReconnectDelay()
	if delay <= 0 {
		delay = supervisor.DefaultReconnectDelay
	}
	if rc.Strategy != "exponential" {
		return backoff.NewConstantBackOff(delay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.MaxInterval = time.Duration(rc.MaxDelaySec) * time.Second
	return b
}

// probeAddress returns the explicit probe address, or the broker's
// host and port.
func probeAddress(explicit string, broker *url.URL) string {
	if explicit != "" {
		return explicit
	}
	if broker.Port() != "" {
		return broker.Host
	}
	port := "1883"
	switch broker.Scheme {
	case "mqtts", "ssl", "tls":
		port = "8883"
	case "ws":
		port = "80"
	case "wss":
		port = "443"
	}
	return net.JoinHostPort(broker.Hostname(), port)
}

// ClientID returns the MQTT client identifier in use.
func (a *App) ClientID() string { return a.clientID }

// Run starts every component and blocks until ctx is cancelled, then
// shuts down in order: watchers stop, pending messages are logged, the
// transport disconnects, the loop stops and the journal is flushed.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := a.loop.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("event loop exited", "error", err)
		}
	})

	a.link.Start(ctx)
	a.loop.Post(a.supervisor.Connect)

	var workers conc.WaitGroup
	workers.Go(func() {
		if err := a.telemetry.Run(ctx, a.loop); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("telemetry exited", "error", err)
		}
	})

	a.logger.Info("ackline running",
		"broker", a.cfg.MQTT.Broker,
		"protocol", a.cfg.MQTT.Protocol,
		"client_id", a.clientID,
		"subscriptions", len(a.cfg.MQTT.Subscriptions),
	)

	<-ctx.Done()
	a.logger.Info("shutting down")

	a.link.Stop()
	workers.Wait()

	a.loop.Call(func() {
		n := a.tracker.Pending()
		if n == 0 {
			return
		}
		a.logger.Warn("unacknowledged messages at shutdown", "count", n)
		a.tracker.ForEachPending(func(m inflight.Message) {
			a.logger.Info("pending at shutdown", "id", m.ID, "topic", m.Topic, "qos", m.QoS)
		})
	})

	dctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	if err := a.client.Disconnect(dctx); err != nil {
		a.logger.Warn("mqtt disconnect incomplete", "error", err)
	}
	cancel()

	stopLoop()
	wg.Wait()
	a.closeJournal()

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeJournal() {
	if a.journal == nil {
		return
	}
	if err := a.journal.Close(); err != nil {
		a.logger.Warn("journal close failed", "error", err)
	}
}

// Publish sends a tracked message from any goroutine by running
// [delivery.Tracker.Publish] on the loop.
func (a *App) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	var (
		id  uint16
		err error
	)
	if !a.loop.Call(func() { id, err = a.tracker.Publish(topic, payload, qos) }) {
		return 0, errors.New("app: event loop stopped")
	}
	return id, err
}

// Pending returns the number of unacknowledged messages, read on the
// loop.
func (a *App) Pending() int {
	var n int
	a.loop.Call(func() { n = a.tracker.Pending() })
	return n
}

// State returns the supervisor state, read on the loop.
func (a *App) State() supervisor.State {
	var s supervisor.State
	a.loop.Call(func() { s = a.supervisor.State() })
	return s
}

func (a *App) onSession(sessionPresent bool) {
	if sessionPresent {
		a.logger.Info("broker session resumed", "pending", a.tracker.Pending())
		return
	}
	if !a.cfg.Reconnect.DropPending() {
		return
	}
	if n := a.tracker.AbandonAll("new broker session"); n > 0 {
		a.logger.Warn("pending messages abandoned on new session", "count", n)
	}
}

func (a *App) onLinkUp() {
	a.supervisor.OnLinkUp()
}

// OnConnect implements [mqtt.Handler].
func (a *App) OnConnect(sessionPresent bool) {
	a.supervisor.OnConnected(sessionPresent)
}

// OnDisconnect implements [mqtt.Handler].
func (a *App) OnDisconnect(reason error) {
	a.supervisor.OnDisconnected(reason)
}

// OnSubscribeAck implements [mqtt.Handler].
func (a *App) OnSubscribeAck(id uint16, qos byte) {
	a.supervisor.OnSubscribeAck(id, qos)
}

// OnPublishAck implements [mqtt.Handler].
func (a *App) OnPublishAck(id uint16) {
	a.tracker.OnAcknowledged(id)
}

// OnMessage implements [mqtt.Handler].
func (a *App) OnMessage(msg mqtt.Inbound) {
	a.inbound.Handle(msg)
}

// Connected implements [telemetry.Sources].
func (a *App) Connected() bool {
	return a.supervisor.State() == supervisor.Connected
}

// ConnState implements [telemetry.Sources].
func (a *App) ConnState() string {
	return a.supervisor.State().String()
}

// InboundStats implements [telemetry.Sources].
func (a *App) InboundStats() inbound.Stats {
	return a.inbound.Stats()
}
