package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bulletin/api/internal/store"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not a url"); err == nil {
		t.Fatal("expected error for malformed url")
	}
}

func TestConsumeRefreshSessionIsSingleUse(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash-1", "usr_ana", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	user, err := s.ConsumeRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("ConsumeRefreshSession() error = %v", err)
	}
	if user.ID != "usr_ana" {
		t.Fatalf("expected usr_ana, got %q", user.ID)
	}
	if _, err := s.ConsumeRefreshSession(ctx, "hash-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second consume, got %v", err)
	}
}

func TestConcurrentConsumeHasOneWinner(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash-race", "usr_ana", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}

	const callers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeRefreshSession(ctx, "hash-race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one consume to win, got %d", got)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := s.SaveRefreshSession(ctx, "hash-2", "usr_ben", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("SaveRefreshSession() error = %v", err)
	}
	mr.FastForward(2 * time.Minute)

	if _, err := s.ConsumeRefreshSession(ctx, "hash-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	_ = s.SaveRefreshSession(ctx, "hash-3", "usr_cy", time.Now().Add(time.Hour))
	if err := s.RevokeRefreshSession(ctx, "hash-3"); err != nil {
		t.Fatalf("RevokeRefreshSession() error = %v", err)
	}
	if _, err := s.ConsumeRefreshSession(ctx, "hash-3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after revoke, got %v", err)
	}
}

func TestRevokeAccessToken(t *testing.T) {
	s, mr := setupTestRedis(t)
	ctx := context.Background()

	if err := s.RevokeAccessToken(ctx, "jti-1", time.Now().Add(10*time.Minute)); err != nil {
		t.Fatalf("RevokeAccessToken() error = %v", err)
	}
	revoked, err := s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || !revoked {
		t.Fatalf("expected revoked, got %v err=%v", revoked, err)
	}

	mr.FastForward(11 * time.Minute)
	revoked, err = s.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil || revoked {
		t.Fatalf("revocation should lapse with the token, got %v err=%v", revoked, err)
	}

	other, _ := s.IsAccessTokenRevoked(ctx, "jti-2")
	if other {
		t.Fatal("unknown jti must not be revoked")
	}
}
