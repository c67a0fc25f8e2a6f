// Package relay answers feed pollers. It listens on a user's request
// topic, performs each requested emoncms API call against a local
// emoncms instance, and publishes the JSON result on the requesting
// client's response topic.
//
// Only GET calls under configured path prefixes are made, and the API
// key comes from configuration, never from the request.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/emonremote/internal/config"
	"github.com/nugget/emonremote/internal/events"
	"github.com/nugget/emonremote/internal/feed"
	"github.com/nugget/emonremote/internal/httpkit"
	"github.com/nugget/emonremote/internal/mqtt"
	"github.com/nugget/emonremote/internal/session"
)

const (
	defaultWorkers          = 4
	defaultQueueSize        = 32
	defaultTimeout          = 10 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
	publishTimeout          = 5 * time.Second
	disconnectTimeout       = 5 * time.Second

	// maxBodySize bounds an emoncms response. A feed list for a large
	// install is tens of kilobytes.
	maxBodySize = 4 << 20

	// disconnectPrefix marks a client's last-will notice.
	disconnectPrefix = "DISCONNECTED"
)

// Errors returned by request handling.
var (
	ErrAlreadyStarted = errors.New("relay already started")
	ErrNotice         = errors.New("disconnect notice")
	ErrBadRequest     = errors.New("malformed relay request")
	ErrPathNotAllowed = errors.New("path not allowed")
	ErrUpstream       = errors.New("emoncms request failed")
)

// Conn is the subset of a broker session the relay needs.
type Conn interface {
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, msg mqtt.Message) error
	Disconnect(ctx context.Context) error
}

// Connector opens a broker session reporting through h.
type Connector interface {
	Connect(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (Conn, error)
}

// ConnectorFunc adapts a function to [Connector].
type ConnectorFunc func(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (Conn, error)

// Connect implements [Connector].
func (f ConnectorFunc) Connect(ctx context.Context, opts mqtt.ConnectOptions, h mqtt.Handler) (Conn, error) {
	return f(ctx, opts, h)
}

// Config wires a Relay.
type Config struct {
	Connector Connector
	// NewID generates the relay's client identifier.
	NewID session.IDFunc
	// EmoncmsURL is the base URL of the local emoncms, e.g.
	// http://localhost or http://emonpi.local:8080.
	EmoncmsURL string
	APIKey     string
	// AllowedPaths are the path prefixes requests may target
	// (default config.DefaultAllowedPaths).
	AllowedPaths     []string
	Workers          int
	QueueSize        int
	Timeout          time.Duration
	SubscribeTimeout time.Duration
	// HTTPClient defaults to an httpkit client with Timeout and retry.
	HTTPClient *http.Client
	Bus        *events.Bus
	Logger     *slog.Logger
}

// Stats counts relay activity.
type Stats struct {
	Received uint64 `json:"received"`
	Relayed  uint64 `json:"relayed"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

// Relay serves one user's request topic.
type Relay struct {
	cfg    Config
	base   *url.URL
	client *http.Client
	logger *slog.Logger

	jobs chan mqtt.Message
	up   chan struct{}

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	username string
	clientID string
	conn     Conn

	received, relayed, rejected, failed, dropped atomic.Uint64
}

// New validates cfg and builds a Relay.
func New(cfg Config) (*Relay, error) {
	if cfg.Connector == nil {
		return nil, errors.New("relay: Connector is required")
	}

	base, err := url.Parse(cfg.EmoncmsURL)
	if err != nil {
		return nil, fmt.Errorf("relay: emoncms url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay: emoncms url %q must be http or https", cfg.EmoncmsURL)
	}
	if base.Host == "" {
		return nil, fmt.Errorf("relay: emoncms url %q has no host", cfg.EmoncmsURL)
	}
	base.RawQuery = ""
	base.Fragment = ""

	if cfg.NewID == nil {
		cfg.NewID = session.RandomID(session.DefaultClientPrefix + "relay_")
	}
	if len(cfg.AllowedPaths) == 0 {
		cfg.AllowedPaths = config.DefaultAllowedPaths
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = defaultSubscribeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient(
			httpkit.WithTimeout(cfg.Timeout),
			httpkit.WithRetry(3, 500*time.Millisecond),
			httpkit.WithLogger(cfg.Logger),
		)
	}

	return &Relay{
		cfg:    cfg,
		base:   base,
		client: cfg.HTTPClient,
		logger: cfg.Logger,
		jobs:   make(chan mqtt.Message, cfg.QueueSize),
		up:     make(chan struct{}, 1),
	}, nil
}

// Start connects as sess and begins serving sess's request topic until
// ctx is cancelled or Stop is called.
func (r *Relay) Start(ctx context.Context, sess session.Session) error {
	err := ErrAlreadyStarted
	r.startOnce.Do(func() {
		err = r.start(ctx, sess)
	})
	return err
}

func (r *Relay) start(ctx context.Context, sess session.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	clientID, err := r.cfg.NewID(sess.Username)
	if err != nil {
		return fmt.Errorf("relay start: %w", err)
	}
	r.username = sess.Username
	r.clientID = clientID
	r.logger = r.logger.With("client_id", clientID)

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.logger.Info("relay connecting",
		"username", sess.Username,
		"emoncms", r.base.String(),
		"allowed_paths", r.cfg.AllowedPaths,
	)
	conn, err := r.cfg.Connector.Connect(runCtx, mqtt.ConnectOptions{
		ClientID: clientID,
		Username: sess.Username,
		Password: sess.Password,
	}, mqtt.HandlerFuncs{
		Up:      r.onUp,
		Down:    r.onDown,
		Message: r.Handle,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("relay connect: %w", err)
	}
	r.conn = conn

	r.wg.Add(1)
	go r.control(runCtx)
	for range r.cfg.Workers {
		r.wg.Add(1)
		go r.worker(runCtx)
	}
	return nil
}

// Stop ends the workers and disconnects. Requests still queued are
// discarded.
func (r *Relay) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()

	if r.conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if err := r.conn.Disconnect(ctx); err != nil {
			r.logger.Debug("relay disconnect failed", "error", err)
		}
		r.conn = nil
	}
	r.logger.Info("relay stopped")
}

// RequestTopic is the topic this relay serves.
func (r *Relay) RequestTopic() string {
	return feed.RequestTopic(r.username)
}

// Stats returns activity counters.
func (r *Relay) Stats() Stats {
	return Stats{
		Received: r.received.Load(),
		Relayed:  r.relayed.Load(),
		Rejected: r.rejected.Load(),
		Failed:   r.failed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Handle queues an inbound request. A full queue drops it.
func (r *Relay) Handle(msg mqtt.Message) {
	r.received.Add(1)
	select {
	case r.jobs <- msg:
	default:
		r.dropped.Add(1)
		r.logger.Warn("relay queue full, request dropped",
			"topic", msg.Topic,
			"queue_size", cap(r.jobs),
		)
	}
}

func (r *Relay) onUp() {
	select {
	case r.up <- struct{}{}:
	default:
	}
}

func (r *Relay) onDown(err error) {
	r.logger.Info("relay disconnected", "error", err)
}

// control re-subscribes to the request topic on every connection-up.
func (r *Relay) control(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.up:
			topic := r.RequestTopic()
			subCtx, cancel := context.WithTimeout(ctx, r.cfg.SubscribeTimeout)
			err := r.conn.Subscribe(subCtx, topic)
			cancel()
			if err != nil {
				r.logger.Warn("relay subscribe failed", "topic", topic, "error", err)
				continue
			}
			r.logger.Info("relay listening", "topic", topic)
		}
	}
}

func (r *Relay) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.jobs:
			r.serve(ctx, msg)
		}
	}
}

// serve handles one request and records the outcome.
func (r *Relay) serve(ctx context.Context, msg mqtt.Message) {
	err := r.process(ctx, msg)
	switch {
	case err == nil:
		r.relayed.Add(1)
	case errors.Is(err, ErrNotice):
		r.logger.Info("relay peer notice", "message", string(msg.Payload))
	case errors.Is(err, ErrBadRequest), errors.Is(err, ErrPathNotAllowed):
		r.rejected.Add(1)
		r.logger.Warn("relay rejected request", "error", err)
	default:
		r.failed.Add(1)
		r.logger.Warn("relay request failed", "error", err)
	}
}

// process performs one request end to end: decode, check, call
// emoncms, publish.
func (r *Relay) process(ctx context.Context, msg mqtt.Message) error {
	if bytes.HasPrefix(bytes.TrimSpace(msg.Payload), []byte(disconnectPrefix)) {
		return ErrNotice
	}
	if msg.Topic != r.RequestTopic() {
		return fmt.Errorf("%w: unexpected topic %q", ErrBadRequest, msg.Topic)
	}

	var req feed.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if req.ClientID == "" || req.Path == "" {
		return fmt.Errorf("%w: clientId and path are required", ErrBadRequest)
	}
	if strings.ContainsAny(req.ClientID, "/+#") {
		return fmt.Errorf("%w: invalid clientId %q", ErrBadRequest, req.ClientID)
	}
	if !r.allowed(req.Path) {
		return fmt.Errorf("%w: %q", ErrPathNotAllowed, req.Path)
	}

	target, err := r.target(req)
	if err != nil {
		return err
	}

	start := time.Now()
	body, status, err := r.call(ctx, target)
	if err != nil {
		return err
	}

	reply := mqtt.Message{
		Topic:           r.replyTopic(req, msg),
		Payload:         body,
		QoS:             0,
		CorrelationData: msg.CorrelationData,
	}
	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := r.conn.Publish(pubCtx, reply); err != nil {
		return fmt.Errorf("publish reply to %s: %w", reply.Topic, err)
	}

	elapsed := time.Since(start)
	r.logger.Debug("relay answered request",
		"client", req.ClientID,
		"path", req.Path,
		"status", status,
		"bytes", len(body),
		"elapsed", elapsed,
	)
	r.cfg.Bus.Emit(events.SourceRelay, events.KindRelayed, map[string]any{
		"client_id":   req.ClientID,
		"path":        req.Path,
		"status":      status,
		"bytes":       len(body),
		"duration_ms": elapsed.Milliseconds(),
	})
	return nil
}

// allowed reports whether p is a clean absolute path under one of the
// configured prefixes.
func (r *Relay) allowed(p string) bool {
	if !strings.HasPrefix(p, "/") || strings.ContainsAny(p, "?#\\") {
		return false
	}
	if path.Clean(p) != p {
		return false
	}
	for _, prefix := range r.cfg.AllowedPaths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// target builds the emoncms URL. Request parameters are kept except
// apikey, which always comes from configuration.
func (r *Relay) target(req feed.Request) (*url.URL, error) {
	q, err := url.ParseQuery(strings.TrimPrefix(req.Parameters, "?"))
	if err != nil {
		return nil, fmt.Errorf("%w: parameters: %v", ErrBadRequest, err)
	}
	q.Del("apikey")
	if r.cfg.APIKey != "" {
		q.Set("apikey", r.cfg.APIKey)
	}

	u := *r.base
	u.Path = strings.TrimSuffix(r.base.Path, "/") + req.Path
	u.RawPath = ""
	u.RawQuery = q.Encode()
	return &u, nil
}

// call performs the GET and returns the compacted JSON body.
func (r *Relay) call(ctx context.Context, target *url.URL) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		// url.Error carries the full URL, API key included.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrUpstream, target.Path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := httpkit.ReadErrorBody(resp.Body, 256)
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: status %d: %s", ErrUpstream, target.Path, resp.StatusCode, detail)
	}

	body, err := httpkit.ReadBody(resp.Body, maxBodySize)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: %v", ErrUpstream, target.Path, err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: %s: response is not JSON: %v", ErrUpstream, target.Path, err)
	}
	return compact.Bytes(), resp.StatusCode, nil
}

// replyTopic honours the request's response-topic property only when
// it stays inside this user's response namespace.
func (r *Relay) replyTopic(req feed.Request, msg mqtt.Message) string {
	if msg.ResponseTopic != "" && feed.IsResponseTopicFor(msg.ResponseTopic, r.username) {
		return msg.ResponseTopic
	}
	return feed.ResponseTopic(r.username, req.ClientID)
}
