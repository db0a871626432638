package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreWithClient(client), mr
}

func TestRedisStoreSaveLookup(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "hash-1", "user-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	userID, err := s.Lookup(ctx, "hash-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("got user %q, want user-1", userID)
	}
}

func TestRedisStoreLookupMissing(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Lookup(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestRedisStoreRevoke(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "hash-2", "user-2", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Revoke(ctx, "hash-2"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := s.Lookup(ctx, "hash-2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after revoke", err)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	if err := s.Save(ctx, "hash-3", "user-3", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("save: %v", err)
	}
	mr.FastForward(2 * time.Minute)
	if _, err := s.Lookup(ctx, "hash-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound after expiry", err)
	}
}

func TestRedisStoreRejectsExpiredSave(t *testing.T) {
	s, _ := newTestStore(t)

	if err := s.Save(context.Background(), "hash-4", "user-4", time.Now().Add(-time.Second)); err == nil {
		t.Fatal("expected error saving an already expired session")
	}
}
