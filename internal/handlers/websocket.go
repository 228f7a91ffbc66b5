package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/aperio/internal/common"
	"github.com/ternarybob/aperio/internal/interfaces"
	"github.com/ternarybob/aperio/internal/models"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS middleware
	},
}

// WSMessage is the envelope written to every connected client.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// WebSocketHandler fans job lifecycle events out to connected clients. Each
// connection gets its own write mutex so one slow client cannot corrupt
// another client's frame stream.
type WebSocketHandler struct {
	events   interfaces.EventService
	logger   arbor.ILogger
	allowed  map[interfaces.EventType]bool
	throttle *rate.Limiter

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewWebSocketHandler creates the event stream handler and subscribes it to
// the job lifecycle events. An empty allowed_events list permits everything.
func NewWebSocketHandler(config *common.WebSocketConfig, events interfaces.EventService, logger arbor.ILogger) (*WebSocketHandler, error) {
	h := &WebSocketHandler{
		events:   events,
		logger:   logger,
		throttle: rate.NewLimiter(rate.Every(config.Throttle()), 1),
		clients:  make(map[*websocket.Conn]*sync.Mutex),
	}

	if len(config.AllowedEvents) > 0 {
		h.allowed = make(map[interfaces.EventType]bool, len(config.AllowedEvents))
		for _, name := range config.AllowedEvents {
			h.allowed[interfaces.EventType(name)] = true
		}
	}

	for _, eventType := range subscribedEvents() {
		if err := events.Subscribe(eventType, h.handleEvent); err != nil {
			return nil, common.WrapError(common.KindInternal, "failed to subscribe websocket handler", err)
		}
	}

	return h, nil
}

func subscribedEvents() []interfaces.EventType {
	return []interfaces.EventType{
		interfaces.EventJobCreated,
		interfaces.EventJobStatus,
		interfaces.EventJobDeleted,
		interfaces.EventRetentionSweep,
	}
}

// HandleWebSocket upgrades the connection and keeps it registered until the
// client goes away. Inbound frames are read and discarded; the stream is
// one-way.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.register(conn)
	defer h.unregister(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

func (h *WebSocketHandler) register(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = &sync.Mutex{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info().
		Str("remote_addr", conn.RemoteAddr().String()).
		Int("client_count", count).
		Msg("WebSocket client connected")
}

func (h *WebSocketHandler) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	_, known := h.clients[conn]
	delete(h.clients, conn)
	count := len(h.clients)
	h.mu.Unlock()

	conn.Close()

	if known {
		h.logger.Info().
			Str("remote_addr", conn.RemoteAddr().String()).
			Int("client_count", count).
			Msg("WebSocket client disconnected")
	}
}

// ClientCount reports the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from the event bus and drops every connection.
func (h *WebSocketHandler) Close() {
	for _, eventType := range subscribedEvents() {
		if err := h.events.Unsubscribe(eventType, h.handleEvent); err != nil {
			h.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("WebSocket unsubscribe failed")
		}
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// handleEvent turns a bus event into a broadcast frame. Status updates are
// throttled to the configured interval, except that terminal transitions
// always go out so clients never miss a completion.
func (h *WebSocketHandler) handleEvent(ctx context.Context, event interfaces.Event) error {
	if h.allowed != nil && !h.allowed[event.Type] {
		return nil
	}

	if event.Type == interfaces.EventJobStatus && !h.throttle.Allow() {
		job, ok := event.Payload.(*models.Job)
		if !ok || !job.IsTerminal() {
			return nil
		}
	}

	h.broadcast(WSMessage{Type: string(event.Type), Payload: event.Payload})
	return nil
}

// broadcast marshals the message once and writes it to every client. Clients
// whose write fails are dropped.
func (h *WebSocketHandler) broadcast(message WSMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Warn().Err(err).Str("type", message.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	targets := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for conn, writeMu := range h.clients {
		targets[conn] = writeMu
	}
	h.mu.RUnlock()

	var failed []*websocket.Conn
	for conn, writeMu := range targets {
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := conn.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()

		if err != nil {
			h.logger.Debug().
				Err(err).
				Str("remote_addr", conn.RemoteAddr().String()).
				Msg("WebSocket write failed, dropping client")
			failed = append(failed, conn)
		}
	}

	for _, conn := range failed {
		h.unregister(conn)
	}
}
