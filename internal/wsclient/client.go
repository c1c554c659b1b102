// Package wsclient talks to the bulletin API as a chat participant: it logs
// in over HTTP, posts messages, and follows the live websocket channel.
package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Session struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"id"`
	Username     string `json:"username"`
	Name         string `json:"name"`
	Role         string `json:"role"`
}

type Mention struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type Message struct {
	ID         string    `json:"id"`
	SenderName string    `json:"senderName"`
	SenderRole string    `json:"senderRole"`
	Content    string    `json:"content"`
	Mentions   []Mention `json:"mentions"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Event is one frame from the live channel. Data is left raw for the
// caller to decode by event name.
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	// DedupWindow bounds how long posted ids are remembered.
	DedupWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Login exchanges credentials for a session.
func Login(ctx context.Context, baseURL, username, role, passcode string, opts Options) (Session, error) {
	opts = opts.withDefaults()
	var session Session
	err := doJSON(ctx, opts.HTTPClient, http.MethodPost, strings.TrimRight(baseURL, "/")+"/api/auth/login", "", map[string]string{
		"username": username,
		"role":     role,
		"passcode": passcode,
	}, &session)
	return session, err
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
	sent    *SentWindow

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial opens the live channel for token.
func Dial(ctx context.Context, baseURL, token string, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	wsURL, err := websocketURL(baseURL, token)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connect websocket: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("connect websocket: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    opts.HTTPClient,
		logger:  opts.Logger,
		sent:    NewSentWindow(opts.DedupWindow),
		conn:    conn,
	}, nil
}

func websocketURL(baseURL, token string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http", "":
		parsed.Scheme = "ws"
	}
	parsed.Path += "/ws"
	parsed.RawQuery = url.Values{"token": {token}}.Encode()
	return parsed.String(), nil
}

// Post sends a chat message over HTTP. fresh is false when the live echo
// of the same message was already delivered by Listen, in which case the
// caller has shown it and should not again.
func (c *Client) Post(ctx context.Context, content string) (msg Message, fresh bool, err error) {
	var result struct {
		Message            Message  `json:"message"`
		UnresolvedMentions []string `json:"unresolvedMentions"`
	}
	if err := doJSON(ctx, c.http, http.MethodPost, c.baseURL+"/api/chat/messages", c.token, map[string]string{"content": content}, &result); err != nil {
		return Message{}, false, err
	}
	if len(result.UnresolvedMentions) > 0 {
		c.logger.Info("mentions matched no role or user", zap.Strings("tokens", result.UnresolvedMentions))
	}
	return result.Message, c.sent.Apply(result.Message.ID), nil
}

// History returns the latest messages, oldest first.
func (c *Client) History(ctx context.Context, limit int) ([]Message, error) {
	var result struct {
		Messages []Message `json:"messages"`
	}
	endpoint := fmt.Sprintf("%s/api/chat/messages?limit=%d", c.baseURL, limit)
	if err := doJSON(ctx, c.http, http.MethodGet, endpoint, c.token, nil, &result); err != nil {
		return nil, err
	}
	return result.Messages, nil
}

// Join asks the server to add this connection to room.
func (c *Client) Join(room string) error {
	return c.send("join", map[string]string{"room": room})
}

func (c *Client) send(event string, data any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(map[string]any{"event": event, "data": data})
}

// Listen delivers live events to fn until ctx ends or the connection
// closes. A message event is delivered once per id; the echo of a message
// Post already returned is dropped.
func (c *Client) Listen(ctx context.Context, fn func(Event)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-stop:
		}
	}()

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if ev.Event == "message" && !c.applyMessage(ev.Data) {
			c.logger.Debug("dropping message already shown")
			continue
		}
		fn(ev)
	}
}

func (c *Client) applyMessage(data json.RawMessage) bool {
	var msg struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
		return true
	}
	return c.sent.Apply(msg.ID)
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

func doJSON(ctx context.Context, client *http.Client, method, endpoint, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
