package credentials

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeTokenSource struct {
	mints  int
	token  string
	expiry time.Time
	err    error
}

func (f *fakeTokenSource) GetInstallationToken(_ context.Context, _ string) (*InstallationToken, error) {
	f.mints++
	if f.err != nil {
		return nil, f.err
	}
	return &InstallationToken{Token: f.token, ExpiresAt: f.expiry}, nil
}

func TestTokenCache_ServesCachedToken(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	source := &fakeTokenSource{token: "tok-1", expiry: now.Add(time.Hour)}
	cache := NewTokenCache(source)
	cache.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		tok, err := cache.GetInstallationToken(context.Background(), "inst-1")
		if err != nil {
			t.Fatalf("Expected token, got %v", err)
		}
		if tok.Token != "tok-1" {
			t.Errorf("Expected tok-1, got %q", tok.Token)
		}
	}
	if source.mints != 1 {
		t.Errorf("Expected one mint for repeated lookups, got %d", source.mints)
	}
}

func TestTokenCache_RefreshesInsideExpiryBuffer(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	source := &fakeTokenSource{token: "tok-1", expiry: now.Add(time.Hour)}
	cache := NewTokenCache(source)
	cache.now = func() time.Time { return now }

	if _, err := cache.GetInstallationToken(context.Background(), "inst-1"); err != nil {
		t.Fatalf("Expected token, got %v", err)
	}

	// Four minutes of lifetime left is inside the five-minute buffer.
	cache.now = func() time.Time { return source.expiry.Add(-4 * time.Minute) }
	source.token = "tok-2"
	source.expiry = now.Add(2 * time.Hour)

	tok, err := cache.GetInstallationToken(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("Expected refreshed token, got %v", err)
	}
	if tok.Token != "tok-2" {
		t.Errorf("Expected proactive refresh to tok-2, got %q", tok.Token)
	}
	if source.mints != 2 {
		t.Errorf("Expected two mints, got %d", source.mints)
	}
}

func TestTokenCache_Invalidate(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	source := &fakeTokenSource{token: "tok-1", expiry: now.Add(time.Hour)}
	cache := NewTokenCache(source)
	cache.now = func() time.Time { return now }

	if _, err := cache.GetInstallationToken(context.Background(), "inst-1"); err != nil {
		t.Fatalf("Expected token, got %v", err)
	}
	cache.Invalidate("inst-1")
	if _, err := cache.GetInstallationToken(context.Background(), "inst-1"); err != nil {
		t.Fatalf("Expected token after invalidation, got %v", err)
	}
	if source.mints != 2 {
		t.Errorf("Expected mint after invalidation, got %d", source.mints)
	}
}

func TestTokenCache_SourceErrorPropagates(t *testing.T) {
	source := &fakeTokenSource{err: errors.New("upstream down")}
	cache := NewTokenCache(source)

	if _, err := cache.GetInstallationToken(context.Background(), "inst-1"); err == nil {
		t.Fatal("Expected error from source")
	}
}

func TestTokenCache_RequiresInstallationID(t *testing.T) {
	cache := NewTokenCache(&fakeTokenSource{})
	if _, err := cache.GetInstallationToken(context.Background(), ""); err == nil {
		t.Fatal("Expected error for empty installation id")
	}
}
