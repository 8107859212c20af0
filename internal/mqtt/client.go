package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"
)

// Handler receives transport events. The core implements it; adapters
// invoke it only from the goroutine behind their [Executor].
type Handler interface {
	OnConnect(sessionPresent bool)
	OnDisconnect(reason error)
	OnSubscribeAck(id uint16, qos byte)
	OnPublishAck(id uint16)
	OnMessage(msg Inbound)
}

// Inbound is one message, or one chunk of a message, received on a
// subscription. Payload is a copy owned by the receiver. Index is the
// offset of this chunk within the full message of Total bytes; adapters
// that deliver whole messages set Index to 0 and Total to len(Payload).
type Inbound struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	PacketID uint16
	Index    int
	Total    int
}

// Executor runs callbacks on the event loop.
type Executor interface {
	Post(fn func()) bool
}

// Client is the transport surface used by the supervisor and tracker.
type Client interface {
	// Connect starts a connect attempt. The outcome arrives later as
	// OnConnect or OnDisconnect.
	Connect()
	// Publish hands a message to the transport and returns its id, or
	// 0 if the transport did not accept it.
	Publish(topic string, qos byte, retain bool, payload []byte) uint16
	// Subscribe requests a subscription and returns its request id.
	Subscribe(topic string, qos byte) uint16
	// Disconnect closes the connection and waits for adapter goroutines.
	Disconnect(ctx context.Context) error
}

// Options configure either client implementation.
type Options struct {
	Broker         *url.URL
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration

	Handler  Handler
	Executor Executor
	Logger   *slog.Logger
}

// Protocol versions accepted by [NewClient].
const (
	Protocol311 = "3.1.1"
	Protocol5   = "5"
)

// NewClient returns the client implementation for protocol.
func NewClient(protocol string, opts Options) (Client, error) {
	if opts.Handler == nil || opts.Executor == nil {
		return nil, errors.New("mqtt: handler and executor are required")
	}
	if opts.Broker == nil {
		return nil, errors.New("mqtt: broker URL is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	switch protocol {
	case Protocol311, "":
		return NewClient311(opts), nil
	case Protocol5:
		return NewClient5(opts), nil
	default:
		return nil, fmt.Errorf("mqtt: unsupported protocol %q", protocol)
	}
}

func (o Options) post(fn func()) {
	if !o.Executor.Post(fn) {
		o.Logger.Debug("mqtt event dropped, loop stopped")
	}
}

func tlsScheme(scheme string) bool {
	switch scheme {
	case "mqtts", "ssl", "tls", "wss":
		return true
	}
	return false
}
