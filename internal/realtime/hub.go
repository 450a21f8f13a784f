// Package realtime implements the Subscription Hub (spec §4.8): a full-duplex
// WebSocket channel at /ws that authenticates per-session subscribers via
// their subscription token and fans state transitions out to them.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"kasgate/internal/events"
	"kasgate/internal/session"
	"kasgate/internal/store"
)

const (
	writeTimeout    = 10 * time.Second
	heartbeatPeriod = 30 * time.Second
)

// SessionLookup is the subset of *session.Manager the hub depends on.
type SessionLookup interface {
	Get(ctx context.Context, id string) (store.Session, error)
}

// inbound message shapes, discriminated by Type.
type inboundMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
}

// client is one connected WebSocket subscriber. A client may subscribe to
// more than one session over its lifetime, though in practice a widget
// subscribes to exactly one.
type client struct {
	conn    *websocket.Conn
	hub     *Hub
	logger  *slog.Logger
	mu      sync.Mutex
	sessIDs map[string]struct{}
	alive   bool
}

// Hub is the Subscription Hub.
type Hub struct {
	sessions SessionLookup
	logger   *slog.Logger

	mu         sync.Mutex
	clients    map[*client]struct{}
	bySession  map[string]map[*client]struct{}
	lastStatus map[string]map[string]any
}

// New constructs a Hub. Wire it to the event bus with Subscribe once at
// startup; the Engine owns that wiring per spec §9's one-way-bus design.
func New(sessions SessionLookup, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:   sessions,
		logger:     logger,
		clients:    make(map[*client]struct{}),
		bySession:  make(map[string]map[*client]struct{}),
		lastStatus: make(map[string]map[string]any),
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and runs the
// client's read loop until it disconnects or the request context is done.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	c := &client{conn: conn, hub: h, logger: h.logger, sessIDs: make(map[string]struct{}), alive: true}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	h.readLoop(r.Context(), c)
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			h.handleSubscribe(ctx, c, msg)
		case "unsubscribe":
			h.handleUnsubscribe(c, msg.SessionID)
		case "ping":
			c.writeJSON(ctx, map[string]string{"type": "pong"})
		}
	}
}

func (h *Hub) handleSubscribe(ctx context.Context, c *client, msg inboundMessage) {
	sess, err := h.sessions.Get(ctx, msg.SessionID)
	if err != nil || !session.VerifyToken(sess.SubscriptionToken, msg.Token) {
		c.writeJSON(ctx, map[string]string{"type": "error", "message": "invalid subscription"})
		return
	}

	h.mu.Lock()
	c.mu.Lock()
	c.sessIDs[sess.ID] = struct{}{}
	c.mu.Unlock()
	if h.bySession[sess.ID] == nil {
		h.bySession[sess.ID] = make(map[*client]struct{})
	}
	h.bySession[sess.ID][c] = struct{}{}
	last := h.lastStatus[sess.ID]
	h.mu.Unlock()

	c.writeJSON(ctx, sessionSnapshot(sess))
	// A resubscribe (this client's connection was dropped and reopened, or it
	// subscribed again after an earlier unsubscribe) should not leave the
	// widget stuck on the snapshot's status if a transition fired while it was
	// away; replay the latest status push alongside the snapshot.
	if last != nil {
		c.writeJSON(ctx, last)
	}
}

func (h *Hub) handleUnsubscribe(c *client, sessionID string) {
	c.mu.Lock()
	delete(c.sessIDs, sessionID)
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.bySession[sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.bySession, sessionID)
		}
	}
}

func (h *Hub) removeClient(c *client) {
	c.mu.Lock()
	c.alive = false
	ids := make([]string, 0, len(c.sessIDs))
	for id := range c.sessIDs {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	for _, id := range ids {
		if set, ok := h.bySession[id]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.bySession, id)
			}
		}
	}
}

func (c *client) writeJSON(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	c.mu.Lock()
	alive := c.alive
	c.mu.Unlock()
	if !alive {
		return
	}
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.logger.Debug("realtime: write failed", "err", err)
	}
}

// sessionSnapshot is the { type: "session", ... } payload pushed on a
// successful subscribe: the session's current visible fields, excluding the
// subscription token itself.
func sessionSnapshot(sess store.Session) map[string]any {
	m := map[string]any{
		"type":          "session",
		"sessionId":     sess.ID,
		"status":        string(sess.Status),
		"address":       sess.Address,
		"amountSompi":   sess.AmountSompi,
		"confirmations": sess.Confirmations,
	}
	if sess.TxID != "" {
		m["txId"] = sess.TxID
	}
	if sess.OrderID != "" {
		m["orderId"] = sess.OrderID
	}
	return m
}

// HandleEvent is the Engine's bus subscription handler: broadcast a status or
// confirmation-count change to every client subscribed to the session.
func (h *Hub) HandleEvent(ctx context.Context, evt events.Event) {
	switch evt.Kind {
	case events.KindConfirming, events.KindConfirmed, events.KindExpired, events.KindFailed:
		payload := map[string]any{
			"type":          "status",
			"sessionId":     evt.SessionID,
			"status":        statusForKind(evt.Kind),
			"confirmations": evt.Confirmations,
		}
		h.mu.Lock()
		h.lastStatus[evt.SessionID] = payload
		h.mu.Unlock()
		h.broadcast(ctx, evt.SessionID, payload)
	case events.KindConfirmationUpdated:
		h.broadcast(ctx, evt.SessionID, map[string]any{
			"type":          "confirmations",
			"sessionId":     evt.SessionID,
			"confirmations": evt.Confirmations,
			"required":      evt.Required,
		})
	}
}

func statusForKind(kind events.Kind) string {
	switch kind {
	case events.KindConfirming:
		return string(store.StatusConfirming)
	case events.KindConfirmed:
		return string(store.StatusConfirmed)
	case events.KindExpired:
		return string(store.StatusExpired)
	case events.KindFailed:
		return string(store.StatusFailed)
	default:
		return ""
	}
}

func (h *Hub) broadcast(ctx context.Context, sessionID string, payload map[string]any) {
	h.mu.Lock()
	set := h.bySession[sessionID]
	clients := make([]*client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.writeJSON(ctx, payload)
	}
}

// RunHeartbeat pings every connected client every 30s; a client whose ping
// fails or is not answered with a pong within writeTimeout is dropped.
func (h *Hub) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.pingAll(ctx)
		}
	}
}

func (h *Hub) pingAll(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := c.conn.Ping(pingCtx)
		cancel()
		if err != nil {
			h.removeClient(c)
			_ = c.conn.Close(websocket.StatusPolicyViolation, "ping timeout")
		}
	}
}

// Shutdown sends a clean-close frame to every connected client.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.StatusNormalClosure, "server shutting down")
	}
}
