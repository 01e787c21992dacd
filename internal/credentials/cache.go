package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// expiryBuffer is how much remaining lifetime a cached token must have to
// be served. Tokens inside the buffer are refreshed proactively instead of
// being handed out and failing with a 401 downstream.
const expiryBuffer = 5 * time.Minute

// TokenCache caches installation tokens from an underlying TokenSource.
// Entries are read-mostly; concurrent refreshes for the same installation
// resolve last-writer-wins, which is acceptable because tokens are
// idempotently re-derivable from the source.
type TokenCache struct {
	source TokenSource
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*InstallationToken
}

// NewTokenCache wraps a token source with an expiry-buffered cache.
func NewTokenCache(source TokenSource) *TokenCache {
	return &TokenCache{
		source:  source,
		now:     time.Now,
		entries: make(map[string]*InstallationToken),
	}
}

// GetInstallationToken returns a cached token when it has more than the
// expiry buffer remaining, otherwise fetches a fresh one.
func (c *TokenCache) GetInstallationToken(ctx context.Context, installationID string) (*InstallationToken, error) {
	if installationID == "" {
		return nil, fmt.Errorf("installation id is required")
	}

	c.mu.Lock()
	cached, ok := c.entries[installationID]
	c.mu.Unlock()

	if ok && cached.ExpiresAt.Sub(c.now()) > expiryBuffer {
		return cached, nil
	}

	fresh, err := c.source.GetInstallationToken(ctx, installationID)
	if err != nil {
		return nil, fmt.Errorf("mint installation token: %w", err)
	}

	c.mu.Lock()
	c.entries[installationID] = fresh
	c.mu.Unlock()

	slog.Debug("Installation token refreshed",
		"installation_id", installationID,
		"expires_at", fresh.ExpiresAt,
		"token_len", len(fresh.Token),
	)
	return fresh, nil
}

// Invalidate drops any cached token for the installation.
func (c *TokenCache) Invalidate(installationID string) {
	c.mu.Lock()
	delete(c.entries, installationID)
	c.mu.Unlock()
}
