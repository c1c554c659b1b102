package realtime

import (
	"testing"

	"bulletin/api/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func drain(c *Client) []Envelope {
	out := make([]Envelope, 0)
	for {
		select {
		case env := <-c.Send():
			out = append(out, env)
		default:
			return out
		}
	}
}

func isClosed(c *Client) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}

func TestHubConnectJoinsUserAndRoleRooms(t *testing.T) {
	hub := NewHub(nil, nil, nil, 8)
	c := hub.Connect(Identity{UserID: "u1", Username: "ana", Role: "pastor"})

	rooms := hub.Registry().RoomsFor("u1")
	if len(rooms) != 2 || rooms[0] != "pastor" || rooms[1] != "user-u1" {
		t.Fatalf("unexpected rooms %v", rooms)
	}

	hub.BroadcastToRoom("pastor", EventMention, map[string]string{"value": "pastor"})
	got := drain(c)
	if len(got) != 1 || got[0].Event != EventMention {
		t.Fatalf("unexpected deliveries %+v", got)
	}
}

func TestHubSecondConnectEvictsFirst(t *testing.T) {
	hub := NewHub(nil, nil, metrics.New(prometheus.NewRegistry()), 8)
	first := hub.Connect(Identity{UserID: "u1", Role: "media"})
	second := hub.Connect(Identity{UserID: "u1", Role: "media"})

	if !isClosed(first) {
		t.Fatal("first session should be closed")
	}
	evicted := drain(first)
	if len(evicted) != 1 || evicted[0].Event != EventSessionEvicted {
		t.Fatalf("first session should only get the eviction notice, got %+v", evicted)
	}

	hub.BroadcastToRoom(UserRoom("u1"), EventMessage, "hello")
	if got := drain(second); len(got) != 1 {
		t.Fatalf("expected exactly one delivery to second session, got %+v", got)
	}
	if got := drain(first); len(got) != 0 {
		t.Fatalf("evicted session must not receive events, got %+v", got)
	}

	if hub.Disconnect(first) {
		t.Fatal("stale disconnect must not remove the live registration")
	}
	if sessionID, ok := hub.Registry().SessionFor("u1"); !ok || sessionID != second.SessionID {
		t.Fatalf("second session should stay registered, got %q %v", sessionID, ok)
	}

	hub.BroadcastToRoom(UserRoom("u1"), EventMessage, "again")
	if got := drain(second); len(got) != 1 {
		t.Fatalf("second session should still receive, got %+v", got)
	}
}

func TestHubBroadcastToAllAndActivity(t *testing.T) {
	hub := NewHub(nil, nil, nil, 8)
	a := hub.Connect(Identity{UserID: "u1", Role: "pastor"})
	b := hub.Connect(Identity{UserID: "u2", Role: "media"})

	hub.EmitActivity(map[string]string{"title": "Concept completed"})
	for _, c := range []*Client{a, b} {
		got := drain(c)
		if len(got) != 1 || got[0].Event != EventActivity {
			t.Fatalf("unexpected deliveries for %s: %+v", c.UserID, got)
		}
	}
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(nil, nil, nil, 1)
	c := hub.Connect(Identity{UserID: "u1", Role: "media"})

	hub.BroadcastToAll(EventMessage, 1)
	hub.BroadcastToAll(EventMessage, 2)

	got := drain(c)
	if len(got) != 1 || got[0].Data != 1 {
		t.Fatalf("expected only the first event, got %+v", got)
	}
}

func TestHubDisconnectRemovesDelivery(t *testing.T) {
	hub := NewHub(nil, nil, nil, 8)
	c := hub.Connect(Identity{UserID: "u1", Role: "media"})

	if !hub.Disconnect(c) {
		t.Fatal("disconnecting the live session should remove it")
	}
	hub.BroadcastToAll(EventMessage, "x")
	if got := drain(c); len(got) != 0 {
		t.Fatalf("disconnected client received %+v", got)
	}
	if hub.Join(c, "media") {
		t.Fatal("disconnected session cannot join rooms")
	}
}

func TestHubEndSessionClosesOnlyMatchingToken(t *testing.T) {
	hub := NewHub(nil, nil, metrics.New(prometheus.NewRegistry()), 8)
	c := hub.Connect(Identity{UserID: "u1", Role: "media", TokenID: "jti-1"})

	hub.EndSession("u1", "jti-2")
	hub.EndSession("u1", "")
	if isClosed(c) {
		t.Fatal("a different token must not end the session")
	}

	hub.EndSession("u1", "jti-1")
	if !isClosed(c) {
		t.Fatal("session should be closed")
	}
	got := drain(c)
	if len(got) != 1 || got[0].Event != EventSessionEnded {
		t.Fatalf("expected only the ended notice, got %+v", got)
	}
	if _, ok := hub.Registry().SessionFor("u1"); ok {
		t.Fatal("registry entry should be gone")
	}

	hub.BroadcastToAll(EventMessage, "after")
	if got := drain(c); len(got) != 0 {
		t.Fatalf("ended session must not receive events, got %+v", got)
	}
	if hub.Disconnect(c) {
		t.Fatal("disconnect after end must not remove anything")
	}
}
