package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 * 1024
)

// InboundHandler reacts to frames sent by a client. A returned error is
// reported back to that client as an "error" event.
type InboundHandler interface {
	HandleInbound(ctx context.Context, c *Client, in Inbound) error
}

type InboundHandlerFunc func(ctx context.Context, c *Client, in Inbound) error

func (f InboundHandlerFunc) HandleInbound(ctx context.Context, c *Client, in Inbound) error {
	return f(ctx, c, in)
}

func NewUpgrader(allowedOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if allowedOrigin == "" || allowedOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == "" || origin == allowedOrigin
		},
	}
}

// Serve pumps frames between conn and client until either side goes away,
// then disconnects the client from the hub. It blocks.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, c *Client, handler InboundHandler) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(ctx, conn, c)
	}()

	h.readPump(ctx, conn, c, handler)

	cancel()
	h.Disconnect(c)
	<-writerDone
	_ = conn.Close()
}

func (h *Hub) readPump(ctx context.Context, conn *websocket.Conn, c *Client, handler InboundHandler) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", zap.String("user_id", c.UserID), zap.Error(err))
			}
			return
		}

		var in Inbound
		if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
			h.Send(c, EventError, ErrorPayload{Message: "frames must be {\"event\", \"data\"} objects"})
			continue
		}
		if handler == nil {
			continue
		}
		if err := handler.HandleInbound(ctx, c, in); err != nil {
			h.Send(c, EventError, ErrorPayload{Event: in.Event, Message: err.Error()})
		}
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-c.send:
			if err := writeFrame(conn, env); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", c.UserID), zap.Error(err))
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-c.done:
			if ctx.Err() != nil {
				return
			}
			// Evicted or shut down while the reader is still running.
			h.flush(conn, c)
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			_ = conn.Close()
			return
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever is already queued, such as the eviction notice.
func (h *Hub) flush(conn *websocket.Conn, c *Client) {
	for {
		select {
		case env := <-c.send:
			if err := writeFrame(conn, env); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, env Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}
