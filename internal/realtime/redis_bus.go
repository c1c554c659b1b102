package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	publishTimeout    = 2 * time.Second
	controlEndSession = "end-session"
)

// busFrame is either an event for clients or, when Control is set, an
// instruction for the hubs themselves.
type busFrame struct {
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Control string          `json:"control,omitempty"`
	Data    json.RawMessage `json:"data"`
}

type endSession struct {
	UserID  string `json:"userId"`
	TokenID string `json:"tokenId"`
}

// RedisBus fans bus events out through a Redis channel so every instance
// delivers them to its own connections. The local Hub still owns sockets
// and rooms. If a publish fails the event is delivered locally only.
type RedisBus struct {
	client  *redis.Client
	channel string
	local   *Hub
	logger  *zap.Logger
}

func NewRedisBus(client *redis.Client, channel string, local *Hub, logger *zap.Logger) *RedisBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, local: local, logger: logger}
}

func (b *RedisBus) BroadcastToAll(event string, payload any) {
	b.publish("", event, payload)
}

func (b *RedisBus) BroadcastToRoom(room, event string, payload any) {
	b.publish(room, event, payload)
}

func (b *RedisBus) EmitActivity(record any) {
	b.publish("", EventActivity, record)
}

// EndSession asks every instance to close the connection opened with
// tokenID. If the publish fails only this instance is told.
func (b *RedisBus) EndSession(userID, tokenID string) {
	if err := b.publishFrame(busFrame{Control: controlEndSession}, endSession{UserID: userID, TokenID: tokenID}); err != nil {
		b.logger.Warn("bus publish failed, ending session locally", zap.String("user_id", userID), zap.Error(err))
		b.local.EndSession(userID, tokenID)
	}
}

func (b *RedisBus) publish(room, event string, payload any) {
	if err := b.publishFrame(busFrame{Room: room, Event: event}, payload); err != nil {
		b.logger.Warn("bus publish failed, delivering locally", zap.String("event", event), zap.Error(err))
		b.deliver(room, event, payload)
	}
}

func (b *RedisBus) publishFrame(frame busFrame, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame.Data = data
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return b.client.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBus) deliver(room, event string, payload any) {
	if room == "" {
		b.local.BroadcastToAll(event, payload)
		return
	}
	b.local.BroadcastToRoom(room, event, payload)
}

// Start subscribes and returns once the subscription is confirmed. Frames
// are delivered to the local hub until ctx is cancelled.
func (b *RedisBus) Start(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var frame busFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					b.logger.Warn("dropping malformed bus frame", zap.Error(err))
					continue
				}
				if frame.Control == controlEndSession {
					var end endSession
					if err := json.Unmarshal(frame.Data, &end); err == nil {
						b.local.EndSession(end.UserID, end.TokenID)
					}
					continue
				}
				b.deliver(frame.Room, frame.Event, frame.Data)
			}
		}
	}()
	return nil
}
