// Package supervisor owns the broker connection state and drives
// reconnection.
//
// State changes only in response to transport lifecycle events or to a
// connect attempt the supervisor itself starts:
//
//	Disconnected --Connect--> Connecting --OnConnected--> Connected
//	Connecting/Connected --OnDisconnected--> Disconnected
//
// After every successful connect the full subscription set is issued
// again, since broker-side subscriptions are not assumed to survive a
// disconnect. After a disconnect, exactly one reconnect timer is armed
// if the network link is up. While the link is down nothing is
// scheduled and the supervisor waits for [Supervisor.OnLinkUp].
//
// A Supervisor is not safe for concurrent use; all methods run on the
// event loop.
package supervisor

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/nugget/ackline/internal/clock"
)

// DefaultReconnectDelay is the fixed wait between a disconnect and the
// next connect attempt.
const DefaultReconnectDelay = 5 * time.Second

// State is the broker connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Connector is the connection-management half of the transport.
type Connector interface {
	Connect()
	Subscribe(topic string, qos byte) uint16
}

// LinkStatus reports whether the underlying network link is up.
type LinkStatus interface {
	LinkUp() bool
}

// Subscription is one topic filter the supervisor keeps subscribed.
type Subscription struct {
	Topic string
	QoS   byte
}

// Config configures a Supervisor.
type Config struct {
	// Subscriptions are issued on every successful connect.
	Subscriptions []Subscription

	// Backoff yields reconnect delays. Nil means a constant
	// DefaultReconnectDelay. It is reset after every successful connect.
	Backoff backoff.BackOff

	// OnSession is called after every successful connect with the
	// broker's session-present flag, before subscriptions are issued.
	// Optional.
	OnSession func(sessionPresent bool)

	Logger *slog.Logger
}

// Supervisor reacts to connection events and keeps the session alive.
type Supervisor struct {
	conn      Connector
	link      LinkStatus
	scheduler clock.Scheduler
	backoff   backoff.BackOff
	subs      []Subscription
	onSession func(bool)
	logger    *slog.Logger

	state            State
	reconnectPending bool
	attempts         int
}

// New creates a Supervisor in the Disconnected state. It does not
// connect; call [Supervisor.Connect].
//
// Panics if a collaborator is nil or a subscription topic is empty.
func New(conn Connector, link LinkStatus, scheduler clock.Scheduler, cfg Config) *Supervisor {
	if conn == nil || link == nil || scheduler == nil {
		panic("supervisor: connector, link status and scheduler are required")
	}
	for _, sub := range cfg.Subscriptions {
		if sub.Topic == "" {
			panic("supervisor: subscription topic must not be empty")
		}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		conn:      conn,
		link:      link,
		scheduler: scheduler,
		backoff:   cfg.Backoff,
		subs:      append([]Subscription(nil), cfg.Subscriptions...),
		onSession: cfg.OnSession,
		logger:    cfg.Logger,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	return s.state
}

// ReconnectPending reports whether a reconnect timer is armed.
func (s *Supervisor) ReconnectPending() bool {
	return s.reconnectPending
}

// Connect starts a connect attempt. It is a no-op unless the
// supervisor is Disconnected.
func (s *Supervisor) Connect() {
	if s.state != Disconnected {
		s.logger.Debug("mqtt connect skipped", "state", s.state.String())
		return
	}
	s.state = Connecting
	s.attempts++
	s.logger.Info("mqtt connecting", "attempt", s.attempts)
	s.conn.Connect()
}

// OnConnected handles the transport's connect-success event.
func (s *Supervisor) OnConnected(sessionPresent bool) {
	s.state = Connected
	s.backoff.Reset()
	s.logger.Info("mqtt connected to broker",
		"session_present", sessionPresent,
		"attempts", s.attempts,
	)
	s.attempts = 0

	if s.onSession != nil {
		s.onSession(sessionPresent)
	}

	for _, sub := range s.subs {
		id := s.conn.Subscribe(sub.Topic, sub.QoS)
		s.logger.Info("mqtt subscribed", "topic", sub.Topic, "qos", sub.QoS, "id", id)
	}
}

// OnDisconnected handles the transport's disconnect event, including a
// failed connect attempt.
func (s *Supervisor) OnDisconnected(reason error) {
	prev := s.state
	s.state = Disconnected
	s.logger.Warn("mqtt disconnected", "previous_state", prev.String(), "reason", reason)

	if !s.link.LinkUp() {
		s.logger.Info("mqtt reconnect deferred, network link down")
		return
	}
	s.scheduleReconnect()
}

// OnSubscribeAck logs the broker's subscription acknowledgment.
func (s *Supervisor) OnSubscribeAck(id uint16, qos byte) {
	if qos >= 0x80 {
		s.logger.Warn("mqtt subscription refused by broker", "id", id, "reason_code", qos)
		return
	}
	s.logger.Info("mqtt subscription acknowledged", "id", id, "qos", qos)
}

// OnLinkUp handles network-level recovery. If the supervisor is
// disconnected and no reconnect is pending, it connects right away.
func (s *Supervisor) OnLinkUp() {
	if s.state != Disconnected || s.reconnectPending {
		return
	}
	s.logger.Info("network link restored, reconnecting")
	s.Connect()
}

func (s *Supervisor) scheduleReconnect() {
	if s.reconnectPending {
		s.logger.Debug("mqtt reconnect already scheduled")
		return
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = DefaultReconnectDelay
	}

	s.reconnectPending = true
	s.logger.Info("mqtt reconnect scheduled", "delay", delay.String())
	s.scheduler.ScheduleOnce(delay, s.reconnect)
}

func (s *Supervisor) reconnect() {
	s.reconnectPending = false
	if !s.link.LinkUp() {
		s.logger.Info("mqtt reconnect skipped, network link down")
		return
	}
	s.Connect()
}
