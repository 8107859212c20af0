package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"

	paho3 "github.com/eclipse/paho.mqtt.golang"
	"github.com/sourcegraph/conc"

	"github.com/nugget/ackline/internal/config"
)

// Client311 is an MQTT 3.1.1 transport backed by paho.mqtt.golang.
//
// paho's Publish blocks while its outbound queue is full, for up to 30
// seconds against a broker that stops reading. It therefore runs on a
// worker goroutine, and the tracking id comes from the adapter's pool
// rather than from the paho token. The worker posts OnPublishAck when
// the token completes. A token that fails (connection lost before the
// ack) posts nothing; the entry stays pending until the supervisor
// decides its fate on the next connect.
type Client311 struct {
	opts    Options
	client  paho3.Client
	ids     *idPool
	waiters conc.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	// subSeq numbers subscribe requests; only touched on the loop.
	subSeq uint16
}

// NewClient311 creates the client without connecting.
func NewClient311(opts Options) *Client311 {
	c := &Client311{opts: opts, ids: newIDPool()}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	po := paho3.NewClientOptions().
		AddBroker(opts.Broker.String()).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(opts.KeepAlive).
		SetConnectTimeout(opts.ConnectTimeout).
		SetWriteTimeout(opts.ConnectTimeout).
		SetOrderMatters(false).
		SetDefaultPublishHandler(c.onMessage).
		SetConnectionLostHandler(c.onConnectionLost)

	if tlsScheme(opts.Broker.Scheme) {
		po.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	c.client = paho3.NewClient(po)
	return c
}

// Connect starts an asynchronous connect. Tracking ids still held by
// workers of an earlier connection are released first.
func (c *Client311) Connect() {
	c.ids.reset()
	tok := c.client.Connect()
	c.await(tok, func(err error) {
		if err != nil {
			c.opts.post(func() { c.opts.Handler.OnDisconnect(fmt.Errorf("connect: %w", err)) })
			return
		}
		present := false
		if ct, ok := tok.(*paho3.ConnectToken); ok {
			present = ct.SessionPresent()
		}
		c.opts.post(func() { c.opts.Handler.OnConnect(present) })
	})
}

// Publish hands the message to a worker goroutine and returns its
// tracking id, or 0 when the connection is not open or every id is in
// use. The id returns to the pool after the loop has processed the
// acknowledgment.
func (c *Client311) Publish(topic string, qos byte, retain bool, payload []byte) uint16 {
	if !c.client.IsConnectionOpen() {
		return 0
	}
	id, gen := c.ids.acquire()
	if id == 0 {
		return 0
	}

	body := bytes.Clone(payload)
	c.waiters.Go(func() {
		tok := c.client.Publish(topic, qos, retain, body)
		select {
		case <-tok.Done():
		case <-c.ctx.Done():
			return
		}
		if err := tok.Error(); err != nil {
			c.opts.Logger.Log(context.Background(), config.LevelTrace, "mqtt publish token failed",
				"id", id, "topic", topic, "error", err)
			return
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

// Subscribe requests a subscription. Messages on the filter are routed
// to the default publish handler.
func (c *Client311) Subscribe(topic string, qos byte) uint16 {
	c.subSeq++
	if c.subSeq == 0 {
		c.subSeq = 1
	}
	id := c.subSeq

	tok := c.client.Subscribe(topic, qos, nil)
	c.await(tok, func(err error) {
		if err != nil {
			c.opts.Logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
			return
		}
		granted := qos
		if st, ok := tok.(*paho3.SubscribeToken); ok {
			if g, ok := st.Result()[topic]; ok {
				granted = g
			}
		}
		c.opts.post(func() { c.opts.Handler.OnSubscribeAck(id, granted) })
	})
	return id
}

// Disconnect closes the connection and waits for token waiters to exit.
func (c *Client311) Disconnect(ctx context.Context) error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	c.cancel()
	return waitCtx(ctx, c.waiters.Wait)
}

func (c *Client311) await(tok paho3.Token, fn func(error)) {
	c.waiters.Go(func() {
		select {
		case <-tok.Done():
			fn(tok.Error())
		case <-c.ctx.Done():
		}
	})
}

func (c *Client311) onMessage(_ paho3.Client, msg paho3.Message) {
	payload := bytes.Clone(msg.Payload())
	in := Inbound{
		Topic:    msg.Topic(),
		Payload:  payload,
		QoS:      msg.Qos(),
		Retained: msg.Retained(),
		PacketID: msg.MessageID(),
		Total:    len(payload),
	}
	c.opts.post(func() { c.opts.Handler.OnMessage(in) })
}

func (c *Client311) onConnectionLost(_ paho3.Client, err error) {
	c.opts.post(func() { c.opts.Handler.OnDisconnect(err) })
}

// waitCtx runs wait in a goroutine and returns early if ctx expires.
func waitCtx(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
