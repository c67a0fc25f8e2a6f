// Package web serves the browser view of a feed poller: the feed table,
// a JSON snapshot, a WebSocket that pushes the re-rendered table on
// every accepted response, and a health endpoint.
package web

import (
	"bufio"
	"errors"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/emonremote/internal/connwatch"
	"github.com/nugget/emonremote/internal/events"
	"github.com/nugget/emonremote/internal/feed"
)

// Config wires a WebServer to the running poller.
type Config struct {
	// SnapshotFunc returns the current feed snapshot. Required.
	SnapshotFunc func() feed.Snapshot
	// StateFunc returns the poller state name. Optional.
	StateFunc func() string
	// HealthFunc returns per-service health. Optional.
	HealthFunc func() map[string]connwatch.ServiceStatus
	// ReadyFunc reports overall readiness for /health. Optional; when
	// nil the server is always ready.
	ReadyFunc func() bool
	// Bus delivers snapshot events for live updates. Optional.
	Bus *events.Bus
	// PollInterval is shown in the loading notice.
	PollInterval time.Duration
	// Now is the clock used for feed ages. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// WebServer renders the feed view.
type WebServer struct {
	templates    map[string]*template.Template
	snapshotFunc func() feed.Snapshot
	stateFunc    func() string
	healthFunc   func() map[string]connwatch.ServiceStatus
	readyFunc    func() bool
	bus          *events.Bus
	pollInterval time.Duration
	now          func() time.Time
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewWebServer creates a WebServer. Templates are parsed here so a
// broken template fails at startup.
func NewWebServer(cfg Config) *WebServer {
	if cfg.SnapshotFunc == nil {
		panic("web: Config.SnapshotFunc must not be nil")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &WebServer{
		templates:    loadTemplates(),
		snapshotFunc: cfg.SnapshotFunc,
		stateFunc:    cfg.StateFunc,
		healthFunc:   cfg.HealthFunc,
		readyFunc:    cfg.ReadyFunc,
		bus:          cfg.Bus,
		pollInterval: cfg.PollInterval,
		now:          cfg.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: cfg.Logger,
	}
}

// RegisterRoutes adds the view's routes to mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleFeeds)
	mux.HandleFunc("GET /feeds.json", s.handleFeedsJSON)
	mux.HandleFunc("GET /ws", s.handleLive)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the routes wrapped in request logging.
func (s *WebServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.withLogging(mux)
}

// withLogging logs each request at debug level.
func (s *WebServer) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", time.Since(start),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("web: response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
