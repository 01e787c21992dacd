// Package backend provides compute backend adapters for agent sandboxes.
// A backend spawns an ephemeral isolated instance, polls it until ready,
// executes agent requests against its HTTP endpoint, and terminates it.
// Backend kinds are selected by configuration; callers only see this
// interface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/domain"
)

var (
	// ErrNoEndpoint means a handle has no reachable endpoint; executing
	// against it is a hard error, never a silent no-op.
	ErrNoEndpoint = errors.New("backend instance has no reachable endpoint")
	// ErrReadyTimeout means the readiness attempt budget was exhausted.
	ErrReadyTimeout = errors.New("timed out waiting for backend readiness")
)

// ProvisioningError is a terminal failure while spawning or waiting for an
// instance.
type ProvisioningError struct {
	Kind   domain.BackendKind
	ID     string
	State  string
	Detail string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s backend %s failed to provision (state=%s): %s", e.Kind, e.ID, e.State, e.Detail)
}

// RequestError is a non-2xx or malformed response from a ready backend.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("backend request failed with status %d: %s", e.StatusCode, e.Body)
}

// SpawnParams identify the logical owner of an instance. ConfigID is the
// stable reuse key: spawn first searches for a healthy instance carrying it
// and only creates a new one when none exists.
type SpawnParams struct {
	ConfigID       string
	UserID         string
	InstallationID string
	Env            map[string]string
}

// AgentRequest is the outbound request built by the dispatcher and executed
// against a ready instance. The provider key travels in the body, never in
// logs.
type AgentRequest struct {
	Method         string           `json:"method"`
	SessionID      string           `json:"session_id"`
	Prompt         string           `json:"prompt"`
	History        []domain.Message `json:"history,omitempty"`
	ProviderAPIKey string           `json:"provider_api_key,omitempty"`
	GitHubToken    string           `json:"github_token,omitempty"`
	Repo           string           `json:"repo,omitempty"`
	BaseBranch     string           `json:"base_branch,omitempty"`
	// DegradedReason explains a missing GitHub context so the agent can
	// report a degraded capability instead of failing silently.
	DegradedReason string         `json:"degraded_reason,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// WorkspaceMutation is the agent's report of changes it made inside the
// sandbox workspace. It gates the git automation hand-off.
type WorkspaceMutation struct {
	Changed     bool   `json:"changed"`
	Path        string `json:"path,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Summary     string `json:"summary,omitempty"`
	PromptTitle string `json:"prompt_title,omitempty"`
	IssueNumber int    `json:"issue_number,omitempty"`
}

// AgentResult is the parsed result envelope of one agent execution.
type AgentResult struct {
	SessionID  string             `json:"session_id,omitempty"`
	Content    string             `json:"content"`
	StopReason string             `json:"stop_reason,omitempty"`
	Usage      domain.TokenUsage  `json:"usage"`
	Workspace  *WorkspaceMutation `json:"workspace,omitempty"`
}

// Backend is the adapter contract; one implementation per backend kind.
type Backend interface {
	// Kind identifies the adapter.
	Kind() domain.BackendKind

	// Spawn finds a healthy instance for the config id or creates a new
	// one. The returned handle may still be provisioning.
	Spawn(ctx context.Context, params SpawnParams) (*domain.BackendHandle, error)

	// WaitUntilReady polls until the handle is ready, fails terminally, or
	// exhausts the attempt budget.
	WaitUntilReady(ctx context.Context, handle *domain.BackendHandle) (*domain.BackendHandle, error)

	// Execute issues the request against the instance endpoint and parses
	// the result envelope.
	Execute(ctx context.Context, handle *domain.BackendHandle, req *AgentRequest) (*AgentResult, error)

	// OpenStream issues the request and returns the raw response stream
	// without buffering or parsing.
	OpenStream(ctx context.Context, handle *domain.BackendHandle, req *AgentRequest) (io.ReadCloser, error)

	// Health reports the instance's current health.
	Health(ctx context.Context, handle *domain.BackendHandle) (domain.HealthStatus, error)

	// Ping checks the backend daemon or provider itself, independent of
	// any instance.
	Ping(ctx context.Context) error

	// Terminate tears the instance down. Idempotent: not-found is treated
	// as already terminated.
	Terminate(ctx context.Context, handle *domain.BackendHandle) error
}

// New selects the adapter for the configured backend kind.
func New(cfg config.BackendConfig) (Backend, error) {
	switch domain.BackendKind(cfg.Kind) {
	case domain.BackendKindDocker:
		return NewDockerBackend(cfg)
	case domain.BackendKindMachines:
		return NewMachinesBackend(cfg), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// sleepFunc waits for d or until the context is done. Injected so polling
// loops can be tested with a fake clock.
type sleepFunc func(ctx context.Context, d time.Duration) error

func realSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// probeFunc inspects an instance once and returns its current handle view.
type probeFunc func(ctx context.Context) (*domain.BackendHandle, error)

// pollUntilReady polls probe at a fixed interval up to maxAttempts. A
// terminal failure state aborts immediately; exceeding the attempt budget
// returns ErrReadyTimeout. It never waits indefinitely.
func pollUntilReady(ctx context.Context, interval time.Duration, maxAttempts int, sleep sleepFunc, probe probeFunc) (*domain.BackendHandle, error) {
	var last *domain.BackendHandle
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		handle, err := probe(ctx)
		if err != nil {
			return nil, fmt.Errorf("readiness probe (attempt %d): %w", attempt, err)
		}
		last = handle

		switch handle.State {
		case domain.BackendStateReady:
			return handle, nil
		case domain.BackendStateFailed:
			return nil, &ProvisioningError{
				Kind:   handle.Kind,
				ID:     handle.ID,
				State:  string(handle.State),
				Detail: "instance reached a terminal failure state",
			}
		}

		if attempt < maxAttempts {
			if err := sleep(ctx, interval); err != nil {
				return nil, err
			}
		}
	}

	state := "unknown"
	id := ""
	if last != nil {
		state = string(last.State)
		id = last.ID
	}
	return nil, fmt.Errorf("%w after %d attempts (instance %s, state %s)", ErrReadyTimeout, maxAttempts, id, state)
}
