package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestRedisSessionStoreResolvesToken(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := NewRedisSessionStore(mr.Addr(), "", "")
	mr.Set("rechat:session:tok-1", "user-1")

	userID, ok, err := sessions.UserIDByToken(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("resolve = (%q, %v), want (user-1, true)", userID, ok)
	}
}

func TestRedisSessionStoreUnknownToken(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := NewRedisSessionStore(mr.Addr(), "", "")

	userID, ok, err := sessions.UserIDByToken(context.Background(), "missing")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ok || userID != "" {
		t.Fatalf("resolve = (%q, %v), want not found", userID, ok)
	}
}

func TestRedisSessionStoreCustomPrefixAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := NewRedisSessionStore(mr.Addr(), "", "auth:sid:")
	mr.Set("auth:sid:tok-1", "user-1")
	mr.SetTTL("auth:sid:tok-1", time.Minute)

	if _, ok, err := sessions.UserIDByToken(context.Background(), "tok-1"); err != nil || !ok {
		t.Fatalf("before expiry: ok=%v err=%v", ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, err := sessions.UserIDByToken(context.Background(), "tok-1"); err != nil || ok {
		t.Fatalf("after expiry: ok=%v err=%v", ok, err)
	}
}
