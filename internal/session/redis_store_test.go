package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	sessions, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return sessions, s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	err := sessions.SaveRefreshSession(ctx, "hash-1", "usr-1", time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := sessions.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != "usr-1" {
		t.Errorf("expected user ID usr-1, got %s", user.ID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	err := sessions.SaveRefreshSession(ctx, "hash-expired", "usr-2", time.Now().Add(time.Millisecond))
	if err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := sessions.LookupRefreshSession(ctx, "hash-expired"); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestLookupNonExistentSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	if _, err := sessions.LookupRefreshSession(context.Background(), "no-such-token"); err == nil {
		t.Error("expected error for non-existent token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	if err := sessions.SaveRefreshSession(ctx, "hash-revoke", "usr-3", time.Now().Add(24*time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := sessions.RevokeRefreshSession(ctx, "hash-revoke"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := sessions.LookupRefreshSession(ctx, "hash-revoke"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}

	// Revoking a token that never existed should not error
	if err := sessions.RevokeRefreshSession(ctx, "never-existed"); err != nil {
		t.Errorf("RevokeRefreshSession for non-existent token failed: %v", err)
	}
}

func TestSessionIsolation(t *testing.T) {
	sessions, s := setupTestRedis(t)
	defer sessions.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := sessions.SaveRefreshSession(ctx, "hash-a", "usr-a", expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession a failed: %v", err)
	}
	if err := sessions.SaveRefreshSession(ctx, "hash-b", "usr-b", expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession b failed: %v", err)
	}

	if err := sessions.RevokeRefreshSession(ctx, "hash-a"); err != nil {
		t.Fatalf("Revoke hash-a failed: %v", err)
	}
	if _, err := sessions.LookupRefreshSession(ctx, "hash-a"); err == nil {
		t.Error("expected error for revoked hash-a, got nil")
	}
	user, err := sessions.LookupRefreshSession(ctx, "hash-b")
	if err != nil {
		t.Fatalf("Lookup hash-b after revoke failed: %v", err)
	}
	if user.ID != "usr-b" {
		t.Errorf("expected usr-b after revoke, got %s", user.ID)
	}
}
