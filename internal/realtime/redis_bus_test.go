package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func waitFor(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case env := <-c.Send():
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return Envelope{}
	}
}

func TestRedisBusFansOutAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newBus := func() (*RedisBus, *Hub) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := NewHub(nil, nil, nil, 8)
		bus := NewRedisBus(client, "bulletin:test", hub, nil)
		if err := bus.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		return bus, hub
	}

	busA, hubA := newBus()
	_, hubB := newBus()

	pastor := hubB.Connect(Identity{UserID: "u1", Role: "pastor"})
	media := hubA.Connect(Identity{UserID: "u2", Role: "media"})

	busA.BroadcastToRoom("pastor", EventMention, map[string]string{"messageId": "msg_1"})

	env := waitFor(t, pastor)
	if env.Event != EventMention {
		t.Fatalf("unexpected event %q", env.Event)
	}
	raw, ok := env.Data.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw json payload, got %T", env.Data)
	}
	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil || payload["messageId"] != "msg_1" {
		t.Fatalf("unexpected payload %s err=%v", raw, err)
	}

	busA.EmitActivity(map[string]string{"title": "x"})
	if got := waitFor(t, media); got.Event != EventActivity {
		t.Fatalf("expected activity on hub A, got %q", got.Event)
	}
	if got := waitFor(t, pastor); got.Event != EventActivity {
		t.Fatalf("expected activity on hub B, got %q", got.Event)
	}
}

func TestRedisBusEndsSessionOnEveryInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newBus := func() (*RedisBus, *Hub) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		hub := NewHub(nil, nil, nil, 8)
		bus := NewRedisBus(client, "bulletin:test", hub, nil)
		if err := bus.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		return bus, hub
	}

	busA, _ := newBus()
	_, hubB := newBus()
	c := hubB.Connect(Identity{UserID: "u1", Role: "pastor", TokenID: "jti-1"})

	busA.EndSession("u1", "jti-1")

	if env := waitFor(t, c); env.Event != EventSessionEnded {
		t.Fatalf("expected session ended notice, got %q", env.Event)
	}
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session on the other instance was not closed")
	}
}

func TestRedisBusFallsBackToLocalDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub(nil, nil, nil, 8)
	bus := NewRedisBus(client, "bulletin:test", hub, nil)
	c := hub.Connect(Identity{UserID: "u1", Role: "media"})

	mr.Close()
	bus.BroadcastToAll(EventMessage, "hello")

	env := waitFor(t, c)
	if env.Event != EventMessage || env.Data != "hello" {
		t.Fatalf("unexpected fallback delivery %+v", env)
	}
}
