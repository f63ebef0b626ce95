// Package monitor pushes sync lifecycle events to connected clients over
// WebSocket and computes per-configuration health reports.
package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chairbook/calsync/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	// maxConnsPerUser bounds monitor connections per user.
	maxConnsPerUser = 8

	sendBuffer = 64
)

// Event is one typed monitor message. Payload shape depends on Type.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Event type tags emitted on the monitor channel.
const (
	EventSyncStarted      = "sync_started"
	EventSyncProgress     = "sync_progress"
	EventConflictDetected = "conflict_detected"
	EventSyncCompleted    = "sync_completed"
	EventSyncError        = "sync_error"
)

// Hub fans sync lifecycle events out to each user's monitor connections.
// It implements the engine's Notifier.
type Hub struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[string]*client
	userIndex map[string]map[string]bool
}

type client struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
}

// NewHub builds an empty hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The monitor channel is same-origin or token-authenticated
			// upstream; origin is not the trust boundary here.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients:   make(map[string]*client),
		userIndex: make(map[string]map[string]bool),
	}
}

// Serve upgrades the request and attaches the connection to the given user.
// Blocks until the client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "user", userID, "error", err)
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		hub:    h,
		send:   make(chan []byte, sendBuffer),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.userIndex[c.userID]) >= maxConnsPerUser {
		h.log.Warn("monitor connection limit reached", "user", c.userID)
		return false
	}
	if h.userIndex[c.userID] == nil {
		h.userIndex[c.userID] = make(map[string]bool)
	}
	h.clients[c.id] = c
	h.userIndex[c.userID][c.id] = true
	h.log.Debug("monitor client connected", "user", c.userID, "client", c.id)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	delete(h.userIndex[c.userID], c.id)
	if len(h.userIndex[c.userID]) == 0 {
		delete(h.userIndex, c.userID)
	}
	close(c.send)
	h.log.Debug("monitor client disconnected", "user", c.userID, "client", c.id)
}

// Connections returns how many monitor connections the user has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userIndex[userID])
}

// broadcast delivers the event to every connection of the user. A client
// whose send buffer is full is dropped rather than blocking the engine.
func (h *Hub) broadcast(userID string, ev *Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshaling monitor event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	var stale []*client
	for id := range h.userIndex[userID] {
		c := h.clients[id]
		select {
		case c.send <- data:
		default:
			stale = append(stale, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range stale {
		h.log.Warn("monitor client send buffer full, dropping connection",
			"user", c.userID, "client", c.id)
		h.unregister(c)
	}
}

func (h *Hub) emit(userID, typ string, payload any) {
	h.broadcast(userID, &Event{Type: typ, Timestamp: time.Now().UTC(), Payload: payload})
}

// SyncStarted implements the engine Notifier.
func (h *Hub) SyncStarted(configID, userID string) {
	h.emit(userID, EventSyncStarted, map[string]any{"config_id": configID})
}

// SyncProgress implements the engine Notifier.
func (h *Hub) SyncProgress(configID, userID string, processed, total int) {
	h.emit(userID, EventSyncProgress, map[string]any{
		"config_id": configID, "processed": processed, "total": total,
	})
}

// ConflictDetected implements the engine Notifier.
func (h *Hub) ConflictDetected(userID string, c *model.ConflictDetails) {
	payload := map[string]any{
		"conflict_id":         c.ID,
		"config_id":           c.ConfigID,
		"type":                string(c.Type),
		"resolution_required": c.ResolutionRequired,
	}
	if c.LocalEvent != nil {
		payload["local_title"] = c.LocalEvent.Title
	}
	if c.RemoteEvent != nil {
		payload["remote_title"] = c.RemoteEvent.Title
	}
	h.emit(userID, EventConflictDetected, payload)
}

// SyncCompleted implements the engine Notifier.
func (h *Hub) SyncCompleted(userID string, r *model.SyncResult) {
	h.emit(userID, EventSyncCompleted, map[string]any{
		"config_id":          r.ConfigID,
		"duration_ms":        r.Duration.Milliseconds(),
		"processed":          r.Processed,
		"created":            r.Created,
		"updated":            r.Updated,
		"deleted":            r.Deleted,
		"conflicts_detected": r.ConflictsDetected,
		"conflicts_resolved": r.ConflictsResolved,
		"warnings":           len(r.Warnings),
	})
}

// SyncError implements the engine Notifier.
func (h *Hub) SyncError(configID, userID string, err error) {
	h.emit(userID, EventSyncError, map[string]any{
		"config_id": configID, "error": err.Error(),
	})
}

// readPump drains the connection. The monitor channel is push-only; inbound
// frames are discarded, but the pump keeps pong handling and close
// detection alive.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("monitor read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
