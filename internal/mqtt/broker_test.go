package mqtt

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"
)

// brokerConfig shapes the replies of a minimal in-process broker that
// speaks just enough MQTT for the adapters: CONNACK, PUBACK for QoS 1,
// SUBACK, PINGRESP.
type brokerConfig struct {
	v5             bool
	sessionPresent bool
	pubackReason   byte // v5 only
	granted        byte

	// stall, when set, stops reading once CONNACK is sent and closes
	// the connection when the channel is closed.
	stall chan struct{}
	// dropOnPublish closes the connection instead of acknowledging.
	dropOnPublish bool
}

func startBroker(t *testing.T, cfg brokerConfig) *url.URL {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go serveBroker(conn, cfg)
		}
	}()
	return &url.URL{Scheme: "mqtt", Host: ln.Addr().String()}
}

func serveBroker(conn net.Conn, cfg brokerConfig) {
	r := bufio.NewReader(conn)
	for {
		hdr, body, err := readPacket(r)
		if err != nil {
			return
		}
		switch hdr >> 4 {
		case 1: // CONNECT
			var sp byte
			if cfg.sessionPresent {
				sp = 1
			}
			if cfg.v5 {
				conn.Write([]byte{0x20, 0x03, sp, 0x00, 0x00})
			} else {
				conn.Write([]byte{0x20, 0x02, sp, 0x00})
			}
			if cfg.stall != nil {
				<-cfg.stall
				conn.Close()
				return
			}
		case 3: // PUBLISH
			if (hdr>>1)&0x03 != 1 {
				continue
			}
			if cfg.dropOnPublish {
				conn.Close()
				return
			}
			tl := int(body[0])<<8 | int(body[1])
			hi, lo := body[2+tl], body[3+tl]
			if cfg.v5 {
				conn.Write([]byte{0x40, 0x04, hi, lo, cfg.pubackReason, 0x00})
			} else {
				conn.Write([]byte{0x40, 0x02, hi, lo})
			}
		case 8: // SUBSCRIBE
			if cfg.v5 {
				conn.Write([]byte{0x90, 0x04, body[0], body[1], 0x00, cfg.granted})
			} else {
				conn.Write([]byte{0x90, 0x03, body[0], body[1], cfg.granted})
			}
		case 12: // PINGREQ
			conn.Write([]byte{0xD0, 0x00})
		case 14: // DISCONNECT
			return
		}
	}
}

func readPacket(r *bufio.Reader) (byte, []byte, error) {
	hdr, err := r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var n, shift int
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		n |= int(b&0x7F) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return hdr, body, nil
}

type event struct {
	kind    string
	present bool
	id      uint16
	qos     byte
	err     error
}

// chanHandler records transport callbacks in arrival order.
type chanHandler chan event

func (h chanHandler) OnConnect(present bool) { h <- event{kind: "connect", present: present} }
func (h chanHandler) OnDisconnect(err error) { h <- event{kind: "disconnect", err: err} }
func (h chanHandler) OnSubscribeAck(id uint16, qos byte) {
	h <- event{kind: "suback", id: id, qos: qos}
}
func (h chanHandler) OnPublishAck(id uint16) { h <- event{kind: "puback", id: id} }
func (h chanHandler) OnMessage(Inbound)      {}

// queueExecutor holds posted callbacks until the test runs them, so the
// test plays the part of the event loop.
type queueExecutor chan func()

func (q queueExecutor) Post(fn func()) bool {
	q <- fn
	return true
}

func runNext(t *testing.T, q queueExecutor) {
	t.Helper()
	select {
	case fn := <-q:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("no callback posted within 5s")
	}
}

func nextEvent(t *testing.T, h chanHandler, kind string) event {
	t.Helper()
	select {
	case ev := <-h:
		if ev.kind != kind {
			t.Fatalf("event = %s (%+v), want %s", ev.kind, ev, kind)
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("no %s event within 5s", kind)
	}
	return event{}
}

func newTestClient(t *testing.T, protocol string, broker *url.URL, h Handler, ex Executor) Client {
	t.Helper()
	c, err := NewClient(protocol, Options{
		Broker:         broker,
		ClientID:       "ackline-test",
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 2 * time.Second,
		Handler:        h,
		Executor:       ex,
	})
	if err != nil {
		t.Fatalf("NewClient(%q): %v", protocol, err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Disconnect(ctx)
	})
	return c
}

func TestClient311_ConnectSubscribePublish(t *testing.T) {
	broker := startBroker(t, brokerConfig{granted: 1})
	h := make(chanHandler, 16)
	c := newTestClient(t, Protocol311, broker, h, syncExecutor{})

	c.Connect()
	if ev := nextEvent(t, h, "connect"); ev.present {
		t.Error("OnConnect(sessionPresent) = true, want false")
	}

	subID := c.Subscribe("ackline/cmd", 2)
	if ev := nextEvent(t, h, "suback"); ev.id != subID || ev.qos != 1 {
		t.Errorf("OnSubscribeAck(%d, %d), want (%d, 1)", ev.id, ev.qos, subID)
	}

	id := c.Publish("ackline/out", 1, false, []byte("hello"))
	if id == 0 {
		t.Fatal("Publish() = 0 while connected")
	}
	if ev := nextEvent(t, h, "puback"); ev.id != id {
		t.Errorf("OnPublishAck(%d), want %d", ev.id, id)
	}
}

func TestClient311_SessionPresentRelayed(t *testing.T) {
	broker := startBroker(t, brokerConfig{sessionPresent: true})
	h := make(chanHandler, 16)
	c := newTestClient(t, Protocol311, broker, h, syncExecutor{})

	c.Connect()
	if ev := nextEvent(t, h, "connect"); !ev.present {
		t.Error("OnConnect(sessionPresent) = false, want true")
	}
}

func TestClient311_PublishAckRunsOnLoopBeforeRelease(t *testing.T) {
	broker := startBroker(t, brokerConfig{})
	h := make(chanHandler, 16)
	q := make(queueExecutor, 16)
	c := newTestClient(t, Protocol311, broker, h, q).(*Client311)

	c.Connect()
	runNext(t, q)
	nextEvent(t, h, "connect")

	id := c.Publish("ackline/out", 1, false, []byte("x"))
	if id == 0 {
		t.Fatal("Publish() = 0 while connected")
	}

	select {
	case fn := <-q:
		if got := c.ids.inUse(); got != 1 {
			t.Errorf("ids in use before loop ran ack = %d, want 1", got)
		}
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("no ack posted within 5s")
	}
	if ev := nextEvent(t, h, "puback"); ev.id != id {
		t.Errorf("OnPublishAck(%d), want %d", ev.id, id)
	}
	if got := c.ids.inUse(); got != 0 {
		t.Errorf("ids in use after ack = %d, want 0", got)
	}
}

func TestClient311_FailedTokenPostsNoAck(t *testing.T) {
	broker := startBroker(t, brokerConfig{dropOnPublish: true})
	h := make(chanHandler, 16)
	c := newTestClient(t, Protocol311, broker, h, syncExecutor{})

	c.Connect()
	nextEvent(t, h, "connect")

	if id := c.Publish("ackline/out", 1, false, []byte("x")); id == 0 {
		t.Fatal("Publish() = 0 while connected")
	}
	nextEvent(t, h, "disconnect")

	select {
	case ev := <-h:
		t.Errorf("unexpected %s event after connection loss: %+v", ev.kind, ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestClient311_PublishDoesNotBlockOnStalledBroker(t *testing.T) {
	stall := make(chan struct{})
	broker := startBroker(t, brokerConfig{stall: stall})
	h := make(chanHandler, 64)
	c := newTestClient(t, Protocol311, broker, h, syncExecutor{})
	t.Cleanup(func() { close(stall) })

	c.Connect()
	nextEvent(t, h, "connect")

	payload := make([]byte, 1<<20)
	seen := make(map[uint16]bool)
	for i := 0; i < 10; i++ {
		start := time.Now()
		id := c.Publish("ackline/out", 1, false, payload)
		if d := time.Since(start); d > 200*time.Millisecond {
			t.Fatalf("Publish #%d took %v against a stalled broker", i, d)
		}
		if id == 0 {
			t.Fatalf("Publish #%d = 0 while connected", i)
		}
		if seen[id] {
			t.Fatalf("Publish #%d reused pending id %d", i, id)
		}
		seen[id] = true
	}
}

func TestClient5_ConnectSubscribePublish(t *testing.T) {
	broker := startBroker(t, brokerConfig{v5: true, granted: 2})
	h := make(chanHandler, 16)
	q := make(queueExecutor, 16)
	c := newTestClient(t, Protocol5, broker, h, q).(*Client5)

	c.Connect()
	runNext(t, q)
	if ev := nextEvent(t, h, "connect"); ev.present {
		t.Error("OnConnect(sessionPresent) = true, want false")
	}

	subID := c.Subscribe("ackline/cmd", 2)
	runNext(t, q)
	if ev := nextEvent(t, h, "suback"); ev.id != subID || ev.qos != 2 {
		t.Errorf("OnSubscribeAck(%d, %d), want (%d, 2)", ev.id, ev.qos, subID)
	}

	id := c.Publish("ackline/out", 1, false, []byte("hello"))
	if id == 0 {
		t.Fatal("Publish() = 0 while connected")
	}
	select {
	case fn := <-q:
		if got := c.ids.inUse(); got != 1 {
			t.Errorf("ids in use before loop ran ack = %d, want 1", got)
		}
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("no ack posted within 5s")
	}
	if ev := nextEvent(t, h, "puback"); ev.id != id {
		t.Errorf("OnPublishAck(%d), want %d", ev.id, id)
	}
	if got := c.ids.inUse(); got != 0 {
		t.Errorf("ids in use after ack = %d, want 0", got)
	}
}

func TestClient5_RefusedPublishRetires(t *testing.T) {
	broker := startBroker(t, brokerConfig{v5: true, pubackReason: 0x87})
	h := make(chanHandler, 16)
	c := newTestClient(t, Protocol5, broker, h, syncExecutor{})

	c.Connect()
	nextEvent(t, h, "connect")

	id := c.Publish("ackline/out", 1, false, []byte("x"))
	if id == 0 {
		t.Fatal("Publish() = 0 while connected")
	}
	if ev := nextEvent(t, h, "puback"); ev.id != id {
		t.Errorf("OnPublishAck(%d), want %d", ev.id, id)
	}
}

func TestClient5_LossDuringHandshakeGoesToDial(t *testing.T) {
	h := make(chanHandler, 4)
	c := NewClient5(Options{
		Broker:   mustURL(t, "mqtt://localhost:1883"),
		Handler:  h,
		Executor: syncExecutor{},
	})

	dialing, stale := &paho.Client{}, &paho.Client{}
	c.dialing = dialing

	first, second := errors.New("server disconnect"), errors.New("read error")
	c.lost(dialing, first)
	c.lost(dialing, second)
	c.lost(stale, second)

	if !errors.Is(c.dialLost, first) {
		t.Errorf("dialLost = %v, want %v", c.dialLost, first)
	}
	select {
	case ev := <-h:
		t.Errorf("unexpected %s event: %+v", ev.kind, ev)
	default:
	}
}
