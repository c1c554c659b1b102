package realtime

import (
	"sync"

	"bulletin/api/internal/metrics"
	"bulletin/api/internal/util"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Bus multicasts events to connected clients. Delivery is best-effort: a
// client that is offline or too slow misses the event and reconciles by
// polling.
type Bus interface {
	BroadcastToAll(event string, payload any)
	BroadcastToRoom(room, event string, payload any)
	EmitActivity(record any)
}

// Identity is the authenticated caller behind a connection.
type Identity struct {
	UserID   string
	Username string
	Name     string
	Role     string

	// TokenID is the id of the access token the connection was opened
	// with, used to end it on sign-out.
	TokenID string
}

type Client struct {
	SessionID string
	Identity

	send        chan Envelope
	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(sessionID string, id Identity, buffer int) *Client {
	return &Client{
		SessionID: sessionID,
		Identity:  id,
		send:      make(chan Envelope, buffer),
		done:      make(chan struct{}),
	}
}

// Send yields queued frames. It is never closed; watch Done instead.
func (c *Client) Send() <-chan Envelope {
	return c.send
}

// Done is closed when the client is disconnected or evicted.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// close is idempotent; the first caller's code and reason are kept and are
// visible to anyone who observed Done.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// Hub owns the live clients of this process and delivers bus events to
// them through the Registry's room memberships.
type Hub struct {
	registry Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
	buffer   int

	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub(registry Registry, logger *zap.Logger, m *metrics.Metrics, sendBuffer int) *Hub {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if sendBuffer <= 0 {
		sendBuffer = 64
	}
	return &Hub{
		registry: registry,
		logger:   logger,
		metrics:  m,
		buffer:   sendBuffer,
		clients:  make(map[string]*Client),
	}
}

func (h *Hub) Registry() Registry {
	return h.registry
}

// Connect registers a new session for id, joins its user and role rooms and
// evicts any earlier session of the same user.
func (h *Hub) Connect(id Identity) *Client {
	client := newClient(util.NewID("ses"), id, h.buffer)

	h.mu.Lock()
	evictedID := h.registry.Register(id.UserID, client.SessionID)
	h.clients[client.SessionID] = client
	evicted := h.clients[evictedID]
	if evictedID != "" {
		delete(h.clients, evictedID)
	}
	h.registry.Join(client.SessionID, UserRoom(id.UserID))
	if id.Role != "" {
		h.registry.Join(client.SessionID, id.Role)
	}
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	if evicted != nil {
		h.enqueue(evicted, Envelope{Event: EventSessionEvicted, Data: EvictedPayload{Reason: "signed in from another session"}})
		evicted.close(websocket.ClosePolicyViolation, "session replaced")
		h.metrics.SessionEvicted()
		h.metrics.ConnectionClosed()
		h.logger.Info("session evicted",
			zap.String("user_id", id.UserID),
			zap.String("evicted_session", evictedID),
			zap.String("session", client.SessionID),
		)
	}
	return client
}

// Disconnect forgets the client. It reports whether the user's registry
// entry was removed, which is false for a session that was already evicted.
func (h *Hub) Disconnect(c *Client) bool {
	h.mu.Lock()
	removed := h.registry.Unregister(c.UserID, c.SessionID)
	current := h.clients[c.SessionID] == c
	if current {
		delete(h.clients, c.SessionID)
	}
	h.mu.Unlock()

	c.close(websocket.CloseNormalClosure, "")
	if current {
		h.metrics.ConnectionClosed()
	}
	return removed
}

// EndSession closes the user's live connection when it was opened with
// tokenID. A connection opened with a different token is left alone.
func (h *Hub) EndSession(userID, tokenID string) {
	if tokenID == "" {
		return
	}
	h.mu.Lock()
	sessionID, ok := h.registry.SessionFor(userID)
	c := h.clients[sessionID]
	if !ok || c == nil || c.TokenID != tokenID {
		h.mu.Unlock()
		return
	}
	h.registry.Unregister(userID, sessionID)
	delete(h.clients, sessionID)
	h.mu.Unlock()

	h.enqueue(c, Envelope{Event: EventSessionEnded, Data: EvictedPayload{Reason: "signed out"}})
	c.close(websocket.CloseNormalClosure, "signed out")
	h.metrics.ConnectionClosed()
	h.logger.Info("session ended", zap.String("user_id", userID), zap.String("session", sessionID))
}

// Close ends every live session, used on server shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (h *Hub) Join(c *Client, room string) bool {
	return h.registry.Join(c.SessionID, room)
}

// Send queues one frame for a single client.
func (h *Hub) Send(c *Client, event string, payload any) {
	h.enqueue(c, Envelope{Event: event, Data: payload})
}

func (h *Hub) BroadcastToAll(event string, payload any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.metrics.EventEmitted(event)
	env := Envelope{Event: event, Data: payload}
	for _, c := range targets {
		h.enqueue(c, env)
	}
}

func (h *Hub) BroadcastToRoom(room, event string, payload any) {
	h.mu.RLock()
	sessions := h.registry.Members(room)
	targets := make([]*Client, 0, len(sessions))
	for _, sessionID := range sessions {
		if c, ok := h.clients[sessionID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.metrics.EventEmitted(event)
	env := Envelope{Event: event, Data: payload}
	for _, c := range targets {
		h.enqueue(c, env)
	}
}

func (h *Hub) EmitActivity(record any) {
	h.BroadcastToAll(EventActivity, record)
}

func (h *Hub) enqueue(c *Client, env Envelope) {
	select {
	case c.send <- env:
	default:
		h.metrics.DeliveryDropped(env.Event)
		h.logger.Warn("dropping event for slow client",
			zap.String("event", env.Event),
			zap.String("user_id", c.UserID),
			zap.String("session", c.SessionID),
		)
	}
}
