// ABOUTME: gorilla/websocket binding for the relay at /ws
// ABOUTME: One read loop feeding Handle and one write pump per connection

package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sandboxd/internal/workspace"
)

const (
	sendBufferSize = 256
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 1 << 20
)

// WebSocketHandler upgrades HTTP requests and attaches them to a Relay.
type WebSocketHandler struct {
	relay    *Relay
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWebSocketHandler creates a handler for r.
func NewWebSocketHandler(r *Relay, logger *slog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		relay: r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers reach the orchestrator through the excluded HTTP layer.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "relay-ws"),
	}
}

// ServeHTTP identifies the tenant from ?userId=&projectId= or the
// X-User-Id / X-Project-Id headers, upgrades, and serves the connection.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := firstNonEmpty(r.URL.Query().Get("userId"), r.Header.Get("X-User-Id"))
	projectID := firstNonEmpty(r.URL.Query().Get("projectId"), r.Header.Get("X-Project-Id"))

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if userID == "" || projectID == "" || workspace.ValidateID("user id", userID) != nil || workspace.ValidateID("project id", projectID) != nil {
		h.logger.Warn("websocket connection rejected: missing or invalid userId or projectId")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Missing userId or projectId"),
			time.Now().Add(writeTimeout))
		_ = ws.Close()
		return
	}

	sink := newWSSink(ws, h.logger)
	go sink.writePump()

	conn := h.relay.Connect(sink, userID, projectID)
	defer func() {
		h.relay.Disconnect(conn)
		sink.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "conn_id", conn.ID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		h.relay.Handle(conn, data)
	}
}

// wsSink queues messages for the connection's single writer.
type wsSink struct {
	ws     *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newWSSink(ws *websocket.Conn, logger *slog.Logger) *wsSink {
	return &wsSink{
		ws:     ws,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

var errSendBufferFull = errors.New("send buffer full")

// Send marshals m and queues it. It never blocks.
func (s *wsSink) Send(m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return ErrSinkClosed
	default:
		s.logger.Warn("dropping message for slow subscriber", "type", m.Type)
		return errSendBufferFull
	}
}

// Close stops the write pump, which flushes the queue, sends a close frame
// and closes the socket. The read loop then ends on its own.
func (s *wsSink) Close() {
	s.once.Do(func() { close(s.done) })
}

// writePump is the only goroutine that writes to ws.
func (s *wsSink) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.Close()
		_ = s.ws.Close()
	}()

	for {
		select {
		case data := <-s.sendCh:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			s.drain()
			_ = s.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// drain flushes whatever is still queued when the sink closes.
func (s *wsSink) drain() {
	for {
		select {
		case data := <-s.sendCh:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
