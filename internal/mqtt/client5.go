package mqtt

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/sourcegraph/conc"
)

// Client5 is an MQTT v5 transport backed by the raw paho.golang client.
// A new paho.Client is created for every connect; the adapter never
// reconnects on its own.
type Client5 struct {
	opts    Options
	ids     *idPool
	workers conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	cli        *paho.Client
	dialing    *paho.Client
	dialLost   error
	connCtx    context.Context
	connCancel context.CancelFunc
	subSeq     uint16
}

// NewClient5 creates the client without connecting.
func NewClient5(opts Options) *Client5 {
	c := &Client5{opts: opts, ids: newIDPool()}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c
}

// Connect dials the broker and performs the MQTT handshake on a worker
// goroutine.
func (c *Client5) Connect() {
	c.workers.Go(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.ConnectTimeout)
		defer cancel()

		present, err := c.dial(ctx)
		if err != nil {
			c.opts.post(func() { c.opts.Handler.OnDisconnect(err) })
			return
		}
		c.opts.post(func() { c.opts.Handler.OnConnect(present) })
	})
}

func (c *Client5) dial(ctx context.Context) (bool, error) {
	conn, err := dialBroker(ctx, c.opts.Broker)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.opts.Broker.Host, err)
	}

	var cli *paho.Client
	cli = paho.NewClient(paho.ClientConfig{
		ClientID: c.opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			c.onPublishReceived,
		},
		OnClientError: func(err error) { c.lost(cli, err) },
		OnServerDisconnect: func(d *paho.Disconnect) {
			c.lost(cli, fmt.Errorf("server disconnect: reason code %d", d.ReasonCode))
		},
	})

	c.mu.Lock()
	c.dialing, c.dialLost = cli, nil
	c.mu.Unlock()

	ca, err := cli.Connect(ctx, &paho.Connect{
		ClientID:     c.opts.ClientID,
		KeepAlive:    uint16(c.opts.KeepAlive / time.Second),
		CleanStart:   true,
		Username:     c.opts.Username,
		UsernameFlag: c.opts.Username != "",
		Password:     []byte(c.opts.Password),
		PasswordFlag: c.opts.Password != "",
	})

	c.mu.Lock()
	lostErr := c.dialLost
	c.dialing, c.dialLost = nil, nil
	if err == nil && lostErr == nil {
		c.ids.reset()
		c.cli = cli
		c.connCtx, c.connCancel = context.WithCancel(c.ctx)
	}
	c.mu.Unlock()

	if err != nil {
		conn.Close()
		return false, fmt.Errorf("connect: %w", err)
	}
	if lostErr != nil {
		conn.Close()
		return false, fmt.Errorf("connection lost during connect: %w", lostErr)
	}
	return ca.SessionPresent, nil
}

// current returns the live client and a context cancelled when its
// connection is lost.
func (c *Client5) current() (*paho.Client, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cli == nil {
		return nil, nil
	}
	return c.cli, c.connCtx
}

// lost handles a connection failure reported by the given client. A
// failure while the handshake is still in progress is handed to dial,
// which reports it as the connect outcome. Stale reports from a
// replaced client are ignored.
func (c *Client5) lost(which *paho.Client, err error) {
	c.mu.Lock()
	if which != nil && which == c.dialing {
		if c.dialLost == nil {
			c.dialLost = err
		}
		c.mu.Unlock()
		return
	}
	if which == nil || c.cli != which {
		c.mu.Unlock()
		return
	}
	c.cli = nil
	c.dropConnLocked()
	c.mu.Unlock()

	c.opts.post(func() { c.opts.Handler.OnDisconnect(err) })
}

func (c *Client5) dropConnLocked() {
	if c.connCancel != nil {
		c.connCancel()
	}
	c.connCtx, c.connCancel = nil, nil
}

// Publish sends the message on a worker goroutine and returns a
// tracking id from the adapter's pool, or 0 when not connected or the
// pool is exhausted. The id returns to the pool only after the loop
// has processed the acknowledgment, so it cannot be reissued while the
// tracker still holds it. Ids of publishes cut off by a lost connection
// stay reserved until the next connection resets the pool.
func (c *Client5) Publish(topic string, qos byte, retain bool, payload []byte) uint16 {
	cli, ctx := c.current()
	if cli == nil {
		return 0
	}
	id, gen := c.ids.acquire()
	if id == 0 {
		return 0
	}

	pub := &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Retain:  retain,
		Payload: bytes.Clone(payload),
	}
	c.workers.Go(func() {
		resp, err := cli.Publish(ctx, pub)
		if err != nil && resp == nil {
			c.opts.Logger.Debug("mqtt publish interrupted", "id", id, "topic", topic, "error", err)
			return
		}
		if err != nil {
			c.opts.Logger.Warn("mqtt publish refused by broker",
				"id", id, "topic", topic, "reason_code", resp.ReasonCode, "error", err)
		}
		if !c.opts.Executor.Post(func() {
			c.opts.Handler.OnPublishAck(id)
			c.ids.release(id, gen)
		}) {
			c.ids.release(id, gen)
		}
	})
	return id
}

// Subscribe requests a subscription on a worker goroutine.
func (c *Client5) Subscribe(topic string, qos byte) uint16 {
	cli, ctx := c.current()
	if cli == nil {
		return 0
	}

	c.mu.Lock()
	c.subSeq++
	if c.subSeq == 0 {
		c.subSeq = 1
	}
	id := c.subSeq
	c.mu.Unlock()

	c.workers.Go(func() {
		sa, err := cli.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
		})
		if err != nil {
			c.opts.Logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
			return
		}
		granted := qos
		if sa != nil && len(sa.Reasons) > 0 {
			granted = sa.Reasons[0]
		}
		c.opts.post(func() { c.opts.Handler.OnSubscribeAck(id, granted) })
	})
	return id
}

// Disconnect sends a normal DISCONNECT and waits for workers to exit.
func (c *Client5) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cli := c.cli
	c.cli = nil
	c.dropConnLocked()
	c.mu.Unlock()

	if cli != nil {
		if err := cli.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
			c.opts.Logger.Debug("mqtt disconnect", "error", err)
		}
	}
	c.cancel()
	return waitCtx(ctx, c.workers.Wait)
}

func (c *Client5) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	payload := bytes.Clone(p.Payload)
	in := Inbound{
		Topic:    p.Topic,
		Payload:  payload,
		QoS:      p.QoS,
		Retained: p.Retain,
		PacketID: p.PacketID,
		Total:    len(payload),
	}
	c.opts.post(func() { c.opts.Handler.OnMessage(in) })
	return true, nil
}
