package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/domain"
)

// MachinesBackend runs sandboxes on a remote machine-provisioning API.
// The provider natively expires idle machines, so Terminate only records
// intent instead of issuing a delete.
type MachinesBackend struct {
	cfg   config.BackendConfig
	http  *http.Client
	sleep sleepFunc
}

// NewMachinesBackend creates a machines-API-backed compute adapter.
func NewMachinesBackend(cfg config.BackendConfig) *MachinesBackend {
	return &MachinesBackend{
		cfg:   cfg,
		http:  &http.Client{Timeout: 30 * time.Second},
		sleep: realSleep,
	}
}

// machine is the provider's wire representation of one instance.
type machine struct {
	ID       string            `json:"id"`
	State    string            `json:"state"`
	Endpoint string            `json:"endpoint,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Created  time.Time         `json:"created_at"`
}

func (m *machine) toHandle() *domain.BackendHandle {
	handle := &domain.BackendHandle{
		Kind:      domain.BackendKindMachines,
		ID:        m.ID,
		Endpoint:  m.Endpoint,
		Labels:    m.Labels,
		CreatedAt: m.Created,
	}
	switch m.State {
	case "started", "ready":
		handle.State = domain.BackendStateReady
	case "failed", "destroyed", "stopped":
		handle.State = domain.BackendStateFailed
	default:
		handle.State = domain.BackendStateProvisioning
	}
	if handle.State == domain.BackendStateReady && handle.Endpoint == "" {
		handle.State = domain.BackendStateProvisioning
	}
	return handle
}

// Kind identifies the adapter.
func (b *MachinesBackend) Kind() domain.BackendKind {
	return domain.BackendKindMachines
}

// Spawn finds a live machine carrying the config-id label or requests a
// new one.
func (b *MachinesBackend) Spawn(ctx context.Context, params SpawnParams) (*domain.BackendHandle, error) {
	if params.ConfigID == "" {
		return nil, fmt.Errorf("config id is required")
	}

	existing, err := b.listByConfigID(ctx, params.ConfigID)
	if err != nil {
		return nil, err
	}
	for _, m := range existing {
		handle := m.toHandle()
		if handle.State == domain.BackendStateFailed {
			continue
		}
		slog.Info("Reusing existing machine", "machine_id", handle.ID, "config_id", params.ConfigID)
		return handle, nil
	}

	payload := map[string]any{
		"image":  b.cfg.Image,
		"region": b.cfg.Region,
		"env":    params.Env,
		"labels": map[string]string{
			domain.LabelConfigID:       params.ConfigID,
			domain.LabelUserID:         params.UserID,
			domain.LabelInstallationID: params.InstallationID,
			domain.LabelManaged:        "true",
		},
	}

	var created machine
	if err := b.call(ctx, http.MethodPost, "/v1/machines", payload, &created); err != nil {
		return nil, &ProvisioningError{
			Kind:   domain.BackendKindMachines,
			State:  string(domain.BackendStateFailed),
			Detail: err.Error(),
		}
	}

	slog.Info("Machine requested", "machine_id", created.ID, "config_id", params.ConfigID)
	return created.toHandle(), nil
}

func (b *MachinesBackend) listByConfigID(ctx context.Context, configID string) ([]machine, error) {
	path := "/v1/machines?label=" + url.QueryEscape(domain.LabelConfigID+"="+configID)
	var machines []machine
	if err := b.call(ctx, http.MethodGet, path, nil, &machines); err != nil {
		return nil, fmt.Errorf("list machines for config %s: %w", configID, err)
	}
	return machines, nil
}

// WaitUntilReady polls the machine until the provider reports it started,
// it fails terminally, or the attempt budget runs out.
func (b *MachinesBackend) WaitUntilReady(ctx context.Context, handle *domain.BackendHandle) (*domain.BackendHandle, error) {
	return pollUntilReady(ctx, b.cfg.ReadyPollInterval, b.cfg.ReadyMaxAttempts, b.sleep,
		func(ctx context.Context) (*domain.BackendHandle, error) {
			var m machine
			if err := b.call(ctx, http.MethodGet, "/v1/machines/"+handle.ID, nil, &m); err != nil {
				return nil, fmt.Errorf("get machine %s: %w", handle.ID, err)
			}
			return m.toHandle(), nil
		})
}

// Execute issues the request against the machine's agent endpoint.
func (b *MachinesBackend) Execute(ctx context.Context, handle *domain.BackendHandle, req *AgentRequest) (*AgentResult, error) {
	return executeAgentRequest(ctx, &http.Client{Timeout: b.cfg.ExecuteTimeout}, handle, req)
}

// OpenStream issues the request and returns the raw response stream.
func (b *MachinesBackend) OpenStream(ctx context.Context, handle *domain.BackendHandle, req *AgentRequest) (io.ReadCloser, error) {
	return openAgentStream(ctx, &http.Client{}, handle, req)
}

// Ping checks reachability of the provisioning API.
func (b *MachinesBackend) Ping(ctx context.Context) error {
	var machines []machine
	if err := b.call(ctx, http.MethodGet, "/v1/machines?limit=1", nil, &machines); err != nil {
		return fmt.Errorf("ping machines api: %w", err)
	}
	return nil
}

// Health reports the provider's view of the machine plus an agent ping.
func (b *MachinesBackend) Health(ctx context.Context, handle *domain.BackendHandle) (domain.HealthStatus, error) {
	var m machine
	if err := b.call(ctx, http.MethodGet, "/v1/machines/"+handle.ID, nil, &m); err != nil {
		if reqErr, ok := err.(*RequestError); ok && reqErr.StatusCode == http.StatusNotFound {
			return domain.HealthStatus{Healthy: false, State: "not-found"}, nil
		}
		return domain.HealthStatus{}, fmt.Errorf("get machine %s: %w", handle.ID, err)
	}

	current := m.toHandle()
	if current.State != domain.BackendStateReady {
		return domain.HealthStatus{Healthy: false, State: m.State}, nil
	}
	if err := pingAgent(ctx, b.http, current.Endpoint); err != nil {
		return domain.HealthStatus{Healthy: false, State: "agent-unreachable", Detail: err.Error()}, nil
	}
	return domain.HealthStatus{Healthy: true, State: m.State}, nil
}

// Terminate is a no-op that records intent: the provider expires idle
// machines on its own schedule.
func (b *MachinesBackend) Terminate(_ context.Context, handle *domain.BackendHandle) error {
	slog.Info("Machine left to provider auto-expiry", "machine_id", handle.ID)
	return nil
}

func (b *MachinesBackend) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode machines request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.APIBase+path, body)
	if err != nil {
		return fmt.Errorf("build machines request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+b.cfg.APIToken)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("call machines api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		truncated, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &RequestError{StatusCode: resp.StatusCode, Body: string(truncated)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode machines response: %w", err)
		}
	}
	return nil
}
