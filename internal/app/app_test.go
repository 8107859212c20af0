package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	wallclock "github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"

	"github.com/nugget/ackline/internal/config"
	"github.com/nugget/ackline/internal/delivery"
	"github.com/nugget/ackline/internal/inbound"
	"github.com/nugget/ackline/internal/journal"
	"github.com/nugget/ackline/internal/mqtt"
	"github.com/nugget/ackline/internal/supervisor"
)

// fakeClient records transport calls and lets the test inject events
// through the handler and executor it was built with.
type fakeClient struct {
	opts mqtt.Options

	mu           sync.Mutex
	nextID       uint16
	published    []string
	subscribed   []string
	disconnected bool
	connects     chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{connects: make(chan struct{}, 16)}
}

func (f *fakeClient) Connect() { f.connects <- struct{}{} }

func (f *fakeClient) Publish(topic string, qos byte, retain bool, payload []byte) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.published = append(f.published, topic)
	return f.nextID
}

func (f *fakeClient) Subscribe(topic string, qos byte) uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return uint16(len(f.subscribed))
}

func (f *fakeClient) Disconnect(context.Context) error {
	f.mu.Lock()
	f.disconnected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

// emit delivers an event the way a real adapter does: through the loop.
func (f *fakeClient) emit(fn func(h mqtt.Handler)) {
	f.opts.Executor.Post(func() { fn(f.opts.Handler) })
}

type fakeLink struct {
	mu      sync.Mutex
	up      bool
	onReady func()
}

func (l *fakeLink) LinkUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *fakeLink) Start(context.Context) {}
func (l *fakeLink) Stop()                 {}

func (l *fakeLink) set(up bool) {
	l.mu.Lock()
	l.up = up
	l.mu.Unlock()
	if up {
		l.onReady()
	}
}

type harness struct {
	app    *App
	client *fakeClient
	link   *fakeLink
	clock  *wallclock.Mock
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	cfg    *config.Config
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.MQTT.ClientID = "ackline-test"
	cfg.MQTT.Subscriptions = []config.SubscriptionConfig{
		{Topic: "dev/cmd", QoS: 2},
		{Topic: "dev/cfg", QoS: 1},
	}
	cfg.Journal.Path = filepath.Join(cfg.DataDir, "journal.db")
	return cfg
}

func startApp(t *testing.T, cfg *config.Config, sink inbound.Sink) *harness {
	t.Helper()
	h := &harness{
		client: newFakeClient(),
		link:   &fakeLink{up: true},
		clock:  wallclock.NewMock(),
		done:   make(chan struct{}),
		cfg:    cfg,
	}

	a, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(h.clock),
		WithClientFactory(func(opts mqtt.Options) (mqtt.Client, error) {
			h.client.opts = opts
			return h.client, nil
		}),
		WithLinkWatcher(func(onReady func()) LinkWatcher {
			h.link.onReady = onReady
			return h.link
		}),
		WithInboundSink(sink),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.app = a

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = a.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(5 * time.Second):
	}
}

func (h *harness) waitConnect(t *testing.T) {
	t.Helper()
	select {
	case <-h.client.connects:
	case <-time.After(2 * time.Second):
		t.Fatal("client Connect not called")
	}
}

// sync waits until every event posted so far has been handled.
func (h *harness) sync() {
	h.app.loop.Call(func() {})
}

func TestApp_ConnectSubscribePublishAck(t *testing.T) {
	h := startApp(t, testConfig(t), nil)

	h.waitConnect(t)
	if got := h.app.State(); got != supervisor.Connecting {
		t.Fatalf("State() = %v, want connecting", got)
	}

	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()
	if got := h.app.State(); got != supervisor.Connected {
		t.Fatalf("State() = %v, want connected", got)
	}
	if subs := h.client.subscriptions(); len(subs) != 2 || subs[0] != "dev/cmd" || subs[1] != "dev/cfg" {
		t.Errorf("subscriptions = %v", subs)
	}

	id, err := h.app.Publish("t/1", []byte("payload-A"), 1)
	if err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if h.app.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", h.app.Pending())
	}

	h.client.emit(func(hd mqtt.Handler) { hd.OnPublishAck(id) })
	h.sync()
	if h.app.Pending() != 0 {
		t.Errorf("Pending() after ack = %d, want 0", h.app.Pending())
	}

	// A repeated ack is ignored.
	h.client.emit(func(hd mqtt.Handler) { hd.OnPublishAck(id) })
	h.sync()
	if h.app.Pending() != 0 {
		t.Errorf("Pending() after duplicate ack = %d, want 0", h.app.Pending())
	}
}

func TestApp_PublishUntrackedQoS(t *testing.T) {
	h := startApp(t, testConfig(t), nil)
	h.waitConnect(t)

	if _, err := h.app.Publish("t/0", []byte("x"), 0); !errors.Is(err, delivery.ErrUntrackedQoS) {
		t.Errorf("Publish(qos 0) error = %v, want ErrUntrackedQoS", err)
	}
}

func TestApp_ReconnectAfterDelay(t *testing.T) {
	h := startApp(t, testConfig(t), nil)
	h.waitConnect(t)
	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()

	h.client.emit(func(hd mqtt.Handler) { hd.OnDisconnect(errors.New("broker gone")) })
	h.client.emit(func(hd mqtt.Handler) { hd.OnDisconnect(errors.New("broker gone again")) })
	h.sync()
	if got := h.app.State(); got != supervisor.Disconnected {
		t.Fatalf("State() = %v, want disconnected", got)
	}

	h.clock.Add(supervisor.DefaultReconnectDelay)
	h.waitConnect(t)

	// Exactly one reconnect despite two disconnects.
	select {
	case <-h.client.connects:
		t.Error("second reconnect issued")
	case <-time.After(50 * time.Millisecond):
	}

	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()
	if subs := h.client.subscriptions(); len(subs) != 4 {
		t.Errorf("subscriptions after reconnect = %v, want the full set twice", subs)
	}
}

func TestApp_LinkDownThenUp(t *testing.T) {
	h := startApp(t, testConfig(t), nil)
	h.waitConnect(t)
	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()

	h.link.set(false)
	h.client.emit(func(hd mqtt.Handler) { hd.OnDisconnect(errors.New("link lost")) })
	h.sync()

	h.clock.Add(time.Minute)
	select {
	case <-h.client.connects:
		t.Fatal("reconnect scheduled while link down")
	case <-time.After(50 * time.Millisecond):
	}

	h.link.set(true)
	h.waitConnect(t)
}

func TestApp_NewSessionAbandonsPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.Journal.Enabled = true
	h := startApp(t, cfg, nil)

	h.waitConnect(t)
	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()

	id, err := h.app.Publish("t/1", []byte("a"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.app.Publish("t/2", []byte("b"), 2); err != nil {
		t.Fatal(err)
	}
	h.client.emit(func(hd mqtt.Handler) { hd.OnPublishAck(id) })
	h.client.emit(func(hd mqtt.Handler) { hd.OnDisconnect(errors.New("drop")) })
	h.sync()

	h.clock.Add(supervisor.DefaultReconnectDelay)
	h.waitConnect(t)
	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()

	if n := h.app.Pending(); n != 0 {
		t.Errorf("Pending() after new session = %d, want 0", n)
	}

	h.stop()
	j, err := journal.Open(cfg.Journal.Path, nil)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer j.Close()
	s, err := j.Summary(0)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if s.Outcomes["acknowledged"].Count != 1 || s.Outcomes["abandoned"].Count != 1 {
		t.Errorf("journal outcomes = %+v, want one acknowledged and one abandoned", s.Outcomes)
	}
}

func TestApp_ResumedSessionKeepsPending(t *testing.T) {
	h := startApp(t, testConfig(t), nil)
	h.waitConnect(t)
	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()

	if _, err := h.app.Publish("t/1", []byte("a"), 1); err != nil {
		t.Fatal(err)
	}
	h.client.emit(func(hd mqtt.Handler) { hd.OnDisconnect(errors.New("drop")) })
	h.sync()
	h.clock.Add(supervisor.DefaultReconnectDelay)
	h.waitConnect(t)
	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(true) })
	h.sync()

	if n := h.app.Pending(); n != 1 {
		t.Errorf("Pending() after resumed session = %d, want 1", n)
	}
}

func TestApp_InboundToSink(t *testing.T) {
	var (
		mu  sync.Mutex
		got []inbound.Message
	)
	h := startApp(t, testConfig(t), func(m inbound.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	h.waitConnect(t)

	h.client.emit(func(hd mqtt.Handler) {
		hd.OnMessage(mqtt.Inbound{Topic: "dev/cmd", Payload: []byte(`{"cmd":"ping"}`), QoS: 2, Total: 14})
	})
	h.sync()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Topic != "dev/cmd" {
		t.Errorf("sink received %+v", got)
	}
}

func TestApp_TelemetryTick(t *testing.T) {
	h := startApp(t, testConfig(t), nil)
	h.waitConnect(t)
	h.client.emit(func(hd mqtt.Handler) { hd.OnConnect(false) })
	h.sync()

	// The ticker goroutine may not have registered yet; advance until a
	// sample shows up.
	deadline := time.Now().Add(2 * time.Second)
	for h.app.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no telemetry sample published")
		}
		h.clock.Add(time.Duration(h.cfg.Telemetry.IntervalSec) * time.Second)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApp_ShutdownDisconnects(t *testing.T) {
	h := startApp(t, testConfig(t), nil)
	h.waitConnect(t)

	h.cancel()
	select {
	case <-h.done:
		if h.err != nil {
			t.Errorf("Run() = %v, want nil", h.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	if !h.client.disconnected {
		t.Error("client not disconnected on shutdown")
	}
}

func TestReconnectBackoff(t *testing.T) {
	constant := reconnectBackoff(config.ReconnectConfig{Strategy: "constant", DelaySec: 5})
	if d := constant.NextBackOff(); d != 5*time.Second {
		t.Errorf("constant NextBackOff() = %v, want 5s", d)
	}

	exp := reconnectBackoff(config.ReconnectConfig{Strategy: "exponential", DelaySec: 1, MaxDelaySec: 4})
	eb, ok := exp.(*backoff.ExponentialBackOff)
	if !ok {
		t.Fatalf("exponential strategy built %T", exp)
	}
	if eb.InitialInterval != time.Second || eb.MaxInterval != 4*time.Second {
		t.Errorf("exponential intervals = %v / %v", eb.InitialInterval, eb.MaxInterval)
	}

	if d := reconnectBackoff(config.ReconnectConfig{}).NextBackOff(); d != supervisor.DefaultReconnectDelay {
		t.Errorf("zero config NextBackOff() = %v, want default", d)
	}
}

func TestProbeAddress(t *testing.T) {
	tests := []struct {
		explicit, broker, want string
	}{
		{"gw:53", "mqtt://broker:1883", "gw:53"},
		{"", "mqtt://broker:1884", "broker:1884"},
		{"", "mqtt://broker", "broker:1883"},
		{"", "mqtts://broker", "broker:8883"},
		{"", "ws://broker/mqtt", "broker:80"},
		{"", "wss://broker/mqtt", "broker:443"},
	}
	for _, tt := range tests {
		u, _ := url.Parse(tt.broker)
		if got := probeAddress(tt.explicit, u); got != tt.want {
			t.Errorf("probeAddress(%q, %q) = %q, want %q", tt.explicit, tt.broker, got, tt.want)
		}
	}
}

func TestNew_GeneratesClientID(t *testing.T) {
	cfg := testConfig(t)
	cfg.MQTT.ClientID = ""
	a, err := New(cfg, nil,
		WithClientFactory(func(mqtt.Options) (mqtt.Client, error) { return newFakeClient(), nil }),
		WithLinkWatcher(func(func()) LinkWatcher { return &fakeLink{} }),
	)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.ClientID() == "" {
		t.Error("ClientID() is empty")
	}
}
