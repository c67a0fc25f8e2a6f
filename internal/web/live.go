package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/emonremote/internal/events"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// pongWait is how long the peer may stay silent.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames; the page never sends data.
	maxMessageSize = 512
)

// handleLive upgrades to a WebSocket and pushes the rendered content
// block once on connect and again after every accepted snapshot.
func (s *WebServer) handleLive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var updates <-chan events.Event
	if s.bus != nil {
		updates = s.bus.Subscribe(16)
		defer s.bus.Unsubscribe(updates)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readPump(conn, cancel)

	if err := s.pushContent(conn); err != nil {
		s.logger.Debug("websocket initial push failed", "error", err)
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if ev.Kind != events.KindSnapshot {
				continue
			}
			if err := s.pushContent(conn); err != nil {
				s.logger.Debug("websocket push failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readPump drains control frames so pongs and closes are processed.
// It cancels the writer when the peer goes away.
func (s *WebServer) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}

// pushContent sends the current content block as one text frame.
func (s *WebServer) pushContent(conn *websocket.Conn) error {
	body, err := s.renderBlock("feeds.html", "content", s.feedsData())
	if err != nil {
		s.logger.Error("template render failed", "template", "feeds.html", "block", "content", "error", err)
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, body)
}
