// Package poller keeps a live view of one user's emoncms feed list by
// asking a relay for it over MQTT.
//
// A [Controller] connects with the user's credentials under a freshly
// generated client ID, subscribes to the response topic scoped to that
// ID, publishes a feed-list request as soon as the subscription is
// acknowledged, and then re-publishes on a fixed period. Each valid
// response replaces the feed snapshot wholesale.
//
// All transport callbacks are funnelled into one event channel drained
// by a single goroutine, so state transitions, publishes, and snapshot
// writes happen in a strict order. Readers get copies via
// [Controller.Snapshot].
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/emonremote/internal/events"
	"github.com/nugget/emonremote/internal/feed"
	"github.com/nugget/emonremote/internal/mqtt"
	"github.com/nugget/emonremote/internal/session"
)

// DefaultInterval is the poll period used when Config.Interval is zero.
const DefaultInterval = 5 * time.Second

const (
	defaultSubscribeTimeout = 10 * time.Second
	publishTimeout          = 5 * time.Second
	disconnectTimeout       = 5 * time.Second
	eventBuffer             = 64
)

// ErrAlreadyStarted is returned by Start on a controller that has run.
var ErrAlreadyStarted = errors.New("poller already started")

// Conn is the subset of a broker session the controller needs.
type Conn interface {
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, msg mqtt.Message) error
	Disconnect(ctx context.Context) error
}

// Connector opens a broker session. The session must report lifecycle
// and inbound messages through h.
type Connector interface {
	Connect(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (Conn, error)
}

// ConnectorFunc adapts a function to [Connector].
type ConnectorFunc func(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (Conn, error)

// Connect implements [Connector].
func (f ConnectorFunc) Connect(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (Conn, error) {
	return f(ctx, opts, h)
}

// Config wires a Controller.
type Config struct {
	// Connector opens the broker session. Required.
	Connector Connector
	// NewID generates the client identifier. Defaults to
	// session.RandomID(session.DefaultClientPrefix).
	NewID session.IDFunc
	// Path is the emoncms API path requested. Defaults to
	// feed.DefaultListPath.
	Path string
	// Interval is the poll period. Defaults to [DefaultInterval].
	Interval time.Duration
	// SubscribeTimeout bounds the wait for a subscription ack.
	SubscribeTimeout time.Duration
	// NewTicker creates the poll timer. Defaults to a time.Ticker; tests
	// substitute a manual channel.
	NewTicker func(d time.Duration) (<-chan time.Time, func())
	// Now is the clock stamped on snapshots. Defaults to time.Now.
	Now func() time.Time
	// Bus receives snapshot and state events. Optional.
	Bus *events.Bus
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Stats counts controller activity since Start.
type Stats struct {
	Requests  uint64 `json:"requests"`
	Responses uint64 `json:"responses"`
	Rejected  uint64 `json:"rejected"`
	Stale     uint64 `json:"stale"`
	Dropped   uint64 `json:"dropped"`
}

// Controller owns one poller's connection, timer, and feed snapshot.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	events chan event
	cancel context.CancelFunc
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once

	mu            sync.RWMutex
	state         State
	snapshot      feed.Snapshot
	stats         Stats
	clientID      string
	username      string
	requestTopic  string
	responseTopic string

	// Owned by the run goroutine.
	conn     Conn
	tickC    <-chan time.Time
	stopTick func()
	corr     *correlator
	snapSeq  uint64
}

// New creates a Controller. It panics if cfg.Connector is nil, which is
// a wiring error.
func New(cfg Config) *Controller {
	if cfg.Connector == nil {
		panic("poller: Config.Connector must not be nil")
	}
	if cfg.NewID == nil {
		cfg.NewID = session.RandomID(session.DefaultClientPrefix)
	}
	if cfg.Path == "" {
		cfg.Path = feed.DefaultListPath
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if cfg.NewTicker == nil {
		cfg.NewTicker = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger,
		events: make(chan event, eventBuffer),
		done:   make(chan struct{}),
		corr:   newCorrelator(maxOutstanding),
	}
}

// Start generates a client ID for sess, opens the broker connection,
// and starts the event loop. It returns once the connection attempt is
// under way; subscription and polling follow asynchronously. The
// controller runs until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context, sess session.Session) error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		err = c.start(ctx, sess)
	})
	return err
}

func (c *Controller) start(ctx context.Context, sess session.Session) error {
	if err := sess.Validate(); err != nil {
		close(c.done)
		return err
	}

	clientID, err := c.cfg.NewID(sess.Username)
	if err != nil {
		close(c.done)
		return fmt.Errorf("poller start: %w", err)
	}

	c.mu.Lock()
	c.clientID = clientID
	c.username = sess.Username
	c.requestTopic = feed.RequestTopic(sess.Username)
	c.responseTopic = feed.ResponseTopic(sess.Username, clientID)
	c.mu.Unlock()

	c.logger = c.logger.With("client_id", clientID)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.logger.Info("poller connecting", "username", sess.Username)
	conn, err := c.cfg.Connector.Connect(loopCtx, mqtt.ConnectOptions{
		ClientID: clientID,
		Username: sess.Username,
		Password: sess.Password,
	}, handler{c: c, ctx: loopCtx})
	if err != nil {
		cancel()
		close(c.done)
		return fmt.Errorf("poller connect: %w", err)
	}
	c.conn = conn

	go c.run(loopCtx)
	return nil
}

// Stop ends the event loop, stops the timer, and disconnects. It is
// safe to call more than once and before Start.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.startOnce.Do(func() { close(c.done) })
		if c.cancel != nil {
			c.cancel()
		}
		<-c.done
	})
}

// Done is closed once the event loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Snapshot returns a copy of the most recently accepted feed list. Its
// Loaded field is false until the first valid response arrives.
func (c *Controller) Snapshot() feed.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot.Clone()
}

// State returns the controller's current connection state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Stats returns activity counters.
func (c *Controller) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// ClientID returns the identifier generated at Start.
func (c *Controller) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// ResponseTopic returns the topic this controller listens on.
func (c *Controller) ResponseTopic() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.responseTopic
}

// run drains the event channel and the poll timer until ctx ends.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handle(ctx, ev)
		case <-c.tickC:
			c.handle(ctx, event{kind: evTick})
		}
	}
}

func (c *Controller) shutdown() {
	if c.stopTick != nil {
		c.stopTick()
		c.stopTick = nil
		c.tickC = nil
	}
	if c.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := c.conn.Disconnect(ctx); err != nil {
			c.logger.Debug("poller disconnect failed", "error", err)
		}
	}
	c.logger.Info("poller stopped")
}

func (c *Controller) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evConnected:
		c.onConnected(ctx)
	case evDisconnected:
		c.setState(StateDisconnected)
		c.logger.Info("poller disconnected", "error", ev.err)
	case evMessage:
		c.onMessage(ev.msg)
	case evTick:
		if c.State() != StatePolling {
			c.logger.Debug("poll tick skipped", "state", c.State().String())
			return
		}
		c.publishRequest(ctx)
	}
}

// onConnected subscribes to the response topic and, on success, issues
// the first request and arms the timer. A failed subscribe leaves the
// controller Connected without polling; the next reconnect retries.
func (c *Controller) onConnected(ctx context.Context) {
	c.setState(StateConnected)

	topic := c.ResponseTopic()
	subCtx, cancel := context.WithTimeout(ctx, c.cfg.SubscribeTimeout)
	err := c.conn.Subscribe(subCtx, topic)
	cancel()
	if err != nil {
		c.logger.Warn("poller subscribe failed, polling not started", "topic", topic, "error", err)
		return
	}

	c.setState(StatePolling)
	c.publishRequest(ctx)

	if c.tickC == nil {
		c.tickC, c.stopTick = c.cfg.NewTicker(c.cfg.Interval)
		c.logger.Debug("poll timer armed", "interval", c.cfg.Interval.String())
	}
}

// publishRequest sends one feed-list request. Failures are logged; the
// next tick tries again.
func (c *Controller) publishRequest(ctx context.Context) {
	c.mu.RLock()
	req := feed.Request{ClientID: c.clientID, Path: c.cfg.Path}
	requestTopic, responseTopic := c.requestTopic, c.responseTopic
	c.mu.RUnlock()

	payload, err := req.Marshal()
	if err != nil {
		c.logger.Error("poller marshal request", "error", err)
		return
	}

	corrID, err := c.corr.issue()
	if err != nil {
		c.logger.Debug("poller correlation id unavailable", "error", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err = c.conn.Publish(pubCtx, mqtt.Message{
		Topic:           requestTopic,
		Payload:         payload,
		QoS:             0,
		CorrelationData: corrID,
		ResponseTopic:   responseTopic,
	})
	if err != nil {
		c.logger.Warn("poller request publish failed", "topic", requestTopic, "error", err)
		return
	}

	c.mu.Lock()
	c.stats.Requests++
	c.mu.Unlock()
	c.logger.Debug("poller requested feed list", "topic", requestTopic, "path", req.Path)
}

// onMessage applies a response. Anything unusable is logged and the
// previous snapshot stays in place.
func (c *Controller) onMessage(msg mqtt.Message) {
	if msg.Topic != c.ResponseTopic() {
		c.logger.Debug("poller ignored message on foreign topic", "topic", msg.Topic)
		return
	}

	if !c.corr.fresh(msg.CorrelationData) {
		c.mu.Lock()
		c.stats.Stale++
		c.mu.Unlock()
		c.logger.Debug("poller dropped stale response")
		return
	}

	feeds, err := feed.ParseList(msg.Payload)
	if err != nil {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		c.logger.Warn("poller rejected response, keeping previous snapshot",
			"payload_size", len(msg.Payload), "error", err)
		c.cfg.Bus.Emit(events.SourcePoller, events.KindRejected, map[string]any{
			"client_id": c.ClientID(),
			"reason":    err.Error(),
		})
		return
	}
	c.corr.commit(msg.CorrelationData)

	c.snapSeq++
	snap := feed.NewSnapshot(feeds, c.cfg.Now(), c.snapSeq)

	c.mu.Lock()
	c.snapshot = snap
	c.stats.Responses++
	c.mu.Unlock()

	c.logger.Debug("poller snapshot replaced", "feeds", len(feeds), "seq", snap.Seq)
	c.cfg.Bus.Emit(events.SourcePoller, events.KindSnapshot, map[string]any{
		"client_id": c.ClientID(),
		"snapshot":  snap.Clone(),
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	from := c.state
	c.state = s
	clientID := c.clientID
	c.mu.Unlock()

	if from == s {
		return
	}
	c.logger.Debug("poller state changed", "from", from.String(), "to", s.String())
	c.cfg.Bus.Emit(events.SourcePoller, events.KindState, map[string]any{
		"client_id": clientID,
		"from":      from.String(),
		"to":        s.String(),
	})
}

// handler turns transport callbacks into loop events. Sends give up
// when the loop has stopped so Paho goroutines never block forever.
// Messages are dropped rather than queued behind a full buffer; the
// next poll asks again.
type handler struct {
	c   *Controller
	ctx context.Context
}

func (h handler) post(ev event) {
	select {
	case h.c.events <- ev:
	case <-h.ctx.Done():
	}
}

func (h handler) OnUp()            { h.post(event{kind: evConnected}) }
func (h handler) OnDown(err error) { h.post(event{kind: evDisconnected, err: err}) }

func (h handler) OnMessage(m mqtt.Message) {
	select {
	case h.c.events <- event{kind: evMessage, msg: m}:
	case <-h.ctx.Done():
	default:
		h.c.mu.Lock()
		h.c.stats.Dropped++
		h.c.mu.Unlock()
		h.c.logger.Warn("poller dropped response, event buffer full",
			"topic", m.Topic, "payload_size", len(m.Payload))
	}
}
