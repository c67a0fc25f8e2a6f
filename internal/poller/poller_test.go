package poller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/emonremote/internal/events"
	"github.com/nugget/emonremote/internal/feed"
	"github.com/nugget/emonremote/internal/mqtt"
	"github.com/nugget/emonremote/internal/session"
)

const (
	testClientID = "emonremote_alice_test"
	testResponse = "user/alice/response/emonremote_alice_test"
	testRequest  = "user/alice/request"
)

type fakeConn struct {
	mu           sync.Mutex
	subErr       error
	subs         []string
	pubs         chan mqtt.Message
	disconnected int
}

func newFakeConn() *fakeConn {
	return &fakeConn{pubs: make(chan mqtt.Message, 32)}
}

func (f *fakeConn) Subscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, topic)
	return f.subErr
}

func (f *fakeConn) Publish(_ context.Context, msg mqtt.Message) error {
	f.pubs <- msg
	return nil
}

func (f *fakeConn) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected++
	return nil
}

func (f *fakeConn) subscriptions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subs...)
}

type harness struct {
	c       *Controller
	conn    *fakeConn
	h       mqtt.Handler
	opts    mqtt.ConnectOptions
	tick    chan time.Time
	evs     <-chan events.Event
	mu      sync.Mutex
	tickers []time.Duration
}

func newHarness(t *testing.T, subErr error) *harness {
	t.Helper()

	hs := &harness{conn: newFakeConn(), tick: make(chan time.Time)}
	hs.conn.subErr = subErr

	bus := events.New()
	hs.evs = bus.Subscribe(128)

	hs.c = New(Config{
		Connector: ConnectorFunc(func(_ context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (Conn, error) {
			hs.opts = opts
			hs.h = h
			return hs.conn, nil
		}),
		NewID: session.FixedID(testClientID),
		NewTicker: func(d time.Duration) (<-chan time.Time, func()) {
			hs.mu.Lock()
			hs.tickers = append(hs.tickers, d)
			hs.mu.Unlock()
			return hs.tick, func() {}
		},
		Now:    func() time.Time { return time.Unix(1700000000, 0) },
		Bus:    bus,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if err := hs.c.Start(t.Context(), session.Session{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(hs.c.Stop)
	return hs
}

func (hs *harness) tickerCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.tickers)
}

func (hs *harness) waitEvent(t *testing.T, kind string, match func(events.Event) bool) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-hs.evs:
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func (hs *harness) waitState(t *testing.T, to State) {
	t.Helper()
	hs.waitEvent(t, events.KindState, func(ev events.Event) bool {
		return ev.Data["to"] == to.String()
	})
}

func (hs *harness) waitPublish(t *testing.T) mqtt.Message {
	t.Helper()
	select {
	case msg := <-hs.conn.pubs:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return mqtt.Message{}
	}
}

func (hs *harness) assertNoPublish(t *testing.T) {
	t.Helper()
	select {
	case msg := <-hs.conn.pubs:
		t.Fatalf("unexpected publish on %s: %s", msg.Topic, msg.Payload)
	default:
	}
}

// deliver hands a response to the controller and waits until it has
// been applied.
func (hs *harness) deliver(t *testing.T, topic, payload string) feed.Snapshot {
	t.Helper()
	hs.h.OnMessage(mqtt.Message{Topic: topic, Payload: []byte(payload)})
	ev := hs.waitEvent(t, events.KindSnapshot, nil)
	snap, ok := ev.Data["snapshot"].(feed.Snapshot)
	if !ok {
		t.Fatalf("snapshot event data = %T", ev.Data["snapshot"])
	}
	return snap
}

func TestController_ConnectOptions(t *testing.T) {
	hs := newHarness(t, nil)

	if hs.opts.ClientID != testClientID || hs.opts.Username != "alice" || hs.opts.Password != "secret" {
		t.Errorf("connect options = %+v", hs.opts)
	}
	if got := hs.c.ClientID(); got != testClientID {
		t.Errorf("ClientID() = %q, want %q", got, testClientID)
	}
	if got := hs.c.ResponseTopic(); got != testResponse {
		t.Errorf("ResponseTopic() = %q, want %q", got, testResponse)
	}
	if got := hs.c.State(); got != StateDisconnected {
		t.Errorf("State() before connect = %v, want disconnected", got)
	}
	if snap := hs.c.Snapshot(); snap.Loaded {
		t.Error("snapshot should not be loaded before the first response")
	}
}

func TestController_SubscribeThenImmediateRequest(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()

	msg := hs.waitPublish(t)
	if msg.Topic != testRequest {
		t.Errorf("request topic = %q, want %q", msg.Topic, testRequest)
	}
	if msg.QoS != 0 {
		t.Errorf("request QoS = %d, want 0", msg.QoS)
	}
	if msg.ResponseTopic != testResponse {
		t.Errorf("request ResponseTopic = %q, want %q", msg.ResponseTopic, testResponse)
	}
	if len(msg.CorrelationData) != 16 {
		t.Errorf("correlation data length = %d, want 16", len(msg.CorrelationData))
	}

	var req map[string]any
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		t.Fatalf("request payload %q: %v", msg.Payload, err)
	}
	want := map[string]any{"clientId": testClientID, "path": "/emoncms/feed/list.json"}
	if len(req) != len(want) || req["clientId"] != want["clientId"] || req["path"] != want["path"] {
		t.Errorf("request payload = %v, want %v", req, want)
	}

	if subs := hs.conn.subscriptions(); len(subs) != 1 || subs[0] != testResponse {
		t.Errorf("subscriptions = %v, want [%s]", subs, testResponse)
	}
	if got := hs.c.State(); got != StatePolling {
		t.Errorf("State() = %v, want polling", got)
	}
}

func TestController_TicksRepublish(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	hs.waitPublish(t)

	for i := range 3 {
		hs.tick <- time.Now()
		if msg := hs.waitPublish(t); msg.Topic != testRequest {
			t.Errorf("tick %d published to %q", i, msg.Topic)
		}
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.tickers) != 1 || hs.tickers[0] != DefaultInterval {
		t.Errorf("tickers = %v, want one at %v", hs.tickers, DefaultInterval)
	}
}

func TestController_ResponseReplacesSnapshot(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	hs.waitPublish(t)

	first := hs.deliver(t, testResponse,
		`[{"id":"1","name":"power","tag":"house","time":1700000000,"value":"523.4"},{"id":2,"name":"temp","time":1700000000,"value":null}]`)
	if !first.Loaded || len(first.Feeds) != 2 {
		t.Fatalf("first snapshot = %+v", first)
	}

	second := hs.deliver(t, testResponse, `[{"id":"3","name":"solar","time":1700000000,"value":1}]`)
	if len(second.Feeds) != 1 || second.Feeds[0].Name != "solar" {
		t.Fatalf("second snapshot = %+v", second)
	}

	got := hs.c.Snapshot()
	if len(got.Feeds) != 1 || got.Feeds[0].ID != "3" {
		t.Errorf("Snapshot() = %+v, want only feed 3", got)
	}
	if got.Seq != 2 {
		t.Errorf("Seq = %d, want 2", got.Seq)
	}
	if !got.ReceivedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("ReceivedAt = %v", got.ReceivedAt)
	}
}

func TestController_EmptyListIsLoaded(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	hs.waitPublish(t)

	snap := hs.deliver(t, testResponse, `[]`)
	if !snap.Loaded || snap.Feeds == nil || len(snap.Feeds) != 0 {
		t.Errorf("empty list snapshot = %+v, want loaded with no feeds", snap)
	}
}

func TestController_MalformedKeepsPrevious(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	hs.waitPublish(t)

	hs.deliver(t, testResponse, `[{"id":"1","name":"power","time":0,"value":5}]`)

	for _, bad := range []string{`not json`, `{"success":false,"message":"Invalid API key"}`, ``, `null`} {
		hs.h.OnMessage(mqtt.Message{Topic: testResponse, Payload: []byte(bad)})
		hs.waitEvent(t, events.KindRejected, nil)
	}

	snap := hs.c.Snapshot()
	if len(snap.Feeds) != 1 || snap.Feeds[0].Name != "power" {
		t.Errorf("snapshot after malformed = %+v, want previous", snap)
	}
	if st := hs.c.Stats(); st.Rejected != 4 || st.Responses != 1 {
		t.Errorf("Stats() = %+v, want 4 rejected 1 response", st)
	}
}

func TestController_IgnoresForeignTopic(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	hs.waitPublish(t)

	hs.h.OnMessage(mqtt.Message{Topic: "user/alice/response/someone_else", Payload: []byte(`[{"id":"9"}]`)})
	hs.h.OnMessage(mqtt.Message{Topic: "user/bob/response/" + testClientID, Payload: []byte(`[{"id":"8"}]`)})
	snap := hs.deliver(t, testResponse, `[{"id":"1"}]`)

	if len(snap.Feeds) != 1 || snap.Feeds[0].ID != "1" {
		t.Errorf("snapshot = %+v, want only feed 1", snap)
	}
	if st := hs.c.Stats(); st.Responses != 1 {
		t.Errorf("Responses = %d, want 1", st.Responses)
	}
}

func TestController_SubscribeFailureDoesNotPoll(t *testing.T) {
	hs := newHarness(t, errors.New("suback 0x87"))
	hs.h.OnUp()
	hs.waitState(t, StateConnected)

	// Messages are handled in order, so once this one is applied the
	// connect handling has finished.
	hs.deliver(t, testResponse, `[]`)

	hs.assertNoPublish(t)
	if n := hs.tickerCount(); n != 0 {
		t.Errorf("ticker armed %d times, want 0", n)
	}
	if got := hs.c.State(); got != StateConnected {
		t.Errorf("State() = %v, want connected", got)
	}
}

func TestController_TickWhileDisconnectedSkipped(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	hs.waitPublish(t)

	hs.h.OnDown(errors.New("connection lost"))
	hs.waitState(t, StateDisconnected)

	hs.tick <- time.Now()
	hs.deliver(t, testResponse, `[]`)
	hs.assertNoPublish(t)

	// Reconnect resubscribes and polls again without a second timer.
	hs.h.OnUp()
	if msg := hs.waitPublish(t); msg.Topic != testRequest {
		t.Errorf("publish after reconnect to %q", msg.Topic)
	}
	if subs := hs.conn.subscriptions(); len(subs) != 2 {
		t.Errorf("subscriptions = %v, want two", subs)
	}
	if n := hs.tickerCount(); n != 1 {
		t.Errorf("ticker armed %d times, want 1", n)
	}
}

func TestController_DropsStaleCorrelatedResponse(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	older := hs.waitPublish(t)
	hs.tick <- time.Now()
	newer := hs.waitPublish(t)

	hs.h.OnMessage(mqtt.Message{Topic: testResponse, Payload: []byte(`[{"id":"2"}]`), CorrelationData: newer.CorrelationData})
	hs.waitEvent(t, events.KindSnapshot, nil)

	hs.h.OnMessage(mqtt.Message{Topic: testResponse, Payload: []byte(`[{"id":"1"}]`), CorrelationData: older.CorrelationData})
	// An uncorrelated response after the stale one proves it was processed.
	hs.deliver(t, testResponse, `[{"id":"3"}]`)

	if st := hs.c.Stats(); st.Stale != 1 || st.Responses != 2 {
		t.Errorf("Stats() = %+v, want 1 stale 2 responses", st)
	}
	if snap := hs.c.Snapshot(); snap.Feeds[0].ID != "3" {
		t.Errorf("snapshot feed = %q, want 3", snap.Feeds[0].ID)
	}
}

func TestController_RejectedResponseDoesNotAdvanceOrder(t *testing.T) {
	hs := newHarness(t, nil)
	hs.h.OnUp()
	older := hs.waitPublish(t)
	hs.tick <- time.Now()
	newer := hs.waitPublish(t)

	hs.h.OnMessage(mqtt.Message{Topic: testResponse, Payload: []byte(`{"success":false,"message":"Invalid API key"}`), CorrelationData: newer.CorrelationData})
	hs.waitEvent(t, events.KindRejected, nil)

	hs.h.OnMessage(mqtt.Message{Topic: testResponse, Payload: []byte(`[{"id":"1"}]`), CorrelationData: older.CorrelationData})
	hs.waitEvent(t, events.KindSnapshot, nil)

	snap := hs.c.Snapshot()
	if !snap.Loaded || len(snap.Feeds) != 1 || snap.Feeds[0].ID != "1" {
		t.Errorf("snapshot = %+v, want feed 1 from the older reply", snap)
	}
	if st := hs.c.Stats(); st.Stale != 0 || st.Rejected != 1 || st.Responses != 1 {
		t.Errorf("Stats() = %+v, want 0 stale 1 rejected 1 response", st)
	}
}

func TestHandler_OnMessageDropsWhenFull(t *testing.T) {
	c := New(Config{
		Connector: ConnectorFunc(func(context.Context, mqtt.ConnectOptions, mqtt.Handler) (Conn, error) {
			return newFakeConn(), nil
		}),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h := handler{c: c, ctx: t.Context()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < eventBuffer+3; i++ {
			h.OnMessage(mqtt.Message{Topic: testResponse, Payload: []byte(`[]`)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnMessage blocked on a full event buffer")
	}
	if got := len(c.events); got != eventBuffer {
		t.Errorf("queued %d events, want %d", got, eventBuffer)
	}
	if st := c.Stats(); st.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", st.Dropped)
	}
}

func TestController_StopDisconnects(t *testing.T) {
	hs := newHarness(t, nil)
	hs.c.Stop()
	hs.c.Stop()

	select {
	case <-hs.c.Done():
	default:
		t.Fatal("Done() should be closed after Stop")
	}
	hs.conn.mu.Lock()
	defer hs.conn.mu.Unlock()
	if hs.conn.disconnected != 1 {
		t.Errorf("Disconnect called %d times, want 1", hs.conn.disconnected)
	}
}

func TestController_StartTwice(t *testing.T) {
	hs := newHarness(t, nil)
	err := hs.c.Start(t.Context(), session.Session{Username: "alice"})
	if !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestController_StartErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	okConnector := ConnectorFunc(func(context.Context, mqtt.ConnectOptions, mqtt.Handler) (Conn, error) {
		return newFakeConn(), nil
	})

	tests := []struct {
		name string
		cfg  Config
		sess session.Session
	}{
		{
			name: "empty username",
			cfg:  Config{Connector: okConnector, Logger: logger},
			sess: session.Session{},
		},
		{
			name: "id generation fails",
			cfg: Config{Connector: okConnector, Logger: logger, NewID: func(string) (string, error) {
				return "", errors.New("no entropy")
			}},
			sess: session.Session{Username: "alice"},
		},
		{
			name: "connect fails",
			cfg: Config{Logger: logger, Connector: ConnectorFunc(func(context.Context, mqtt.ConnectOptions, mqtt.Handler) (Conn, error) {
				return nil, errors.New("bad credentials")
			})},
			sess: session.Session{Username: "alice", Password: "wrong"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.cfg)
			if err := c.Start(t.Context(), tt.sess); err == nil {
				t.Fatal("Start() should fail")
			}
			c.Stop()
			<-c.Done()
		})
	}
}

func TestController_StopBeforeStart(t *testing.T) {
	c := New(Config{Connector: ConnectorFunc(func(context.Context, mqtt.ConnectOptions, mqtt.Handler) (Conn, error) {
		return newFakeConn(), nil
	})})
	c.Stop()
	if err := c.Start(t.Context(), session.Session{Username: "alice"}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Start() after Stop() = %v, want ErrAlreadyStarted", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnected, "connected"},
		{StatePolling, "polling"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.s), got, tt.want)
		}
	}
}
