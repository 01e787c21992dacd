// Package credentials resolves user identity to installation and model
// provider credentials, and caches short-lived scoped access tokens.
package credentials

import (
	"context"
	"errors"
	"os"
	"time"
)

var (
	// ErrUserNotFound means the user id is not registered.
	ErrUserNotFound = errors.New("user not found")
	// ErrNoProviderKey means the user has no model provider credential.
	ErrNoProviderKey = errors.New("no provider api key configured")
)

// UserCredentials are the resolved credentials for one registered user.
type UserCredentials struct {
	InstallationID string
	ProviderAPIKey string
}

// InstallationToken is a short-lived scoped access token for one
// installation.
type InstallationToken struct {
	Token     string
	ExpiresAt time.Time
}

// Repo names one repository accessible to an installation.
type Repo struct {
	FullName string `json:"full_name"`
}

// Resolver maps a user id to installation and provider credentials.
// Implementations are collaborators (backed by the account service); this
// package only defines the contract and a dev implementation.
type Resolver interface {
	ResolveUser(ctx context.Context, userID string) (*UserCredentials, error)
	ListAccessibleRepositories(ctx context.Context, installationID string) ([]Repo, error)
}

// TokenSource mints installation-scoped access tokens.
type TokenSource interface {
	GetInstallationToken(ctx context.Context, installationID string) (*InstallationToken, error)
}

// EnvResolver is a single-tenant resolver and token source for local
// development: every known user maps to one installation, one provider key
// and one static GitHub token drawn from the environment.
type EnvResolver struct {
	installationID string
	providerAPIKey string
	repoFullName   string
	githubToken    string
}

// NewEnvResolver reads INSTALLATION_ID, PROVIDER_API_KEY, DEFAULT_REPO and
// GITHUB_TOKEN.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{
		installationID: os.Getenv("INSTALLATION_ID"),
		providerAPIKey: os.Getenv("PROVIDER_API_KEY"),
		repoFullName:   os.Getenv("DEFAULT_REPO"),
		githubToken:    os.Getenv("GITHUB_TOKEN"),
	}
}

// ResolveUser returns the statically configured credentials.
func (r *EnvResolver) ResolveUser(_ context.Context, userID string) (*UserCredentials, error) {
	if userID == "" {
		return nil, ErrUserNotFound
	}
	if r.providerAPIKey == "" {
		return nil, ErrNoProviderKey
	}
	return &UserCredentials{
		InstallationID: r.installationID,
		ProviderAPIKey: r.providerAPIKey,
	}, nil
}

// ListAccessibleRepositories returns the configured repository, if any.
func (r *EnvResolver) ListAccessibleRepositories(_ context.Context, _ string) ([]Repo, error) {
	if r.repoFullName == "" {
		return nil, nil
	}
	return []Repo{{FullName: r.repoFullName}}, nil
}

// GetInstallationToken returns the static development token. The long
// expiry keeps the cache from refetching it.
func (r *EnvResolver) GetInstallationToken(_ context.Context, _ string) (*InstallationToken, error) {
	if r.githubToken == "" {
		return nil, errors.New("GITHUB_TOKEN is not configured")
	}
	return &InstallationToken{
		Token:     r.githubToken,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}
