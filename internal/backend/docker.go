package backend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/domain"
	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	stopTimeoutSecs = 10

	// Resource limits for sandbox containers.
	memoryLimitBytes = 2 * 1024 * 1024 * 1024 // 2GB
	cpuQuota         = 100000                 // 1 CPU
	pidsLimit        = 512

	sandboxSubnet = "172.29.0.0/16"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond
)

// DockerBackend runs sandboxes as containers on a local Docker engine.
// Instances do not auto-expire; Terminate performs an explicit
// stop-and-remove.
type DockerBackend struct {
	cli   *client.Client
	cfg   config.BackendConfig
	http  *http.Client
	sleep sleepFunc
}

// NewDockerBackend creates a Docker-backed compute adapter.
func NewDockerBackend(cfg config.BackendConfig) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Runtime != "" {
		slog.Info("Docker client initialized", "runtime", cfg.Runtime)
	} else {
		slog.Info("Docker client initialized", "runtime", "default")
	}
	return &DockerBackend{
		cli:   cli,
		cfg:   cfg,
		http:  &http.Client{Timeout: 15 * time.Second},
		sleep: realSleep,
	}, nil
}

// Kind identifies the adapter.
func (b *DockerBackend) Kind() domain.BackendKind {
	return domain.BackendKindDocker
}

// EnsureNetwork creates the sandbox bridge network if it doesn't exist.
func (b *DockerBackend) EnsureNetwork(ctx context.Context) (string, error) {
	networks, err := b.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}

	for _, nw := range networks {
		if nw.Name == b.cfg.Network {
			slog.Info("Sandbox network already exists", "network_id", nw.ID)
			return nw.ID, nil
		}
	}

	createResp, err := b.cli.NetworkCreate(ctx, b.cfg.Network, network.CreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{
				{Subnet: sandboxSubnet},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", b.cfg.Network, err)
	}

	slog.Info("Sandbox network created", "network_id", createResp.ID, "subnet", sandboxSubnet)
	return createResp.ID, nil
}

// Spawn finds a healthy container carrying the config-id label or creates a
// new one. At most one active container per config id is reused; a dead or
// unhealthy one is recycled instead of returned.
func (b *DockerBackend) Spawn(ctx context.Context, params SpawnParams) (*domain.BackendHandle, error) {
	if params.ConfigID == "" {
		return nil, fmt.Errorf("config id is required")
	}

	existing, err := b.findByConfigID(ctx, params.ConfigID)
	if err != nil {
		return nil, err
	}
	if existing != "" {
		inspect, err := b.cli.ContainerInspect(ctx, existing)
		if err == nil && inspect.State.Running {
			handle := b.handleFromInspect(inspect)
			if health, err := b.Health(ctx, handle); err == nil && health.Healthy {
				slog.Info("Reusing healthy sandbox container",
					"container_id", handle.ID, "config_id", params.ConfigID)
				return handle, nil
			}
		}
		// Unhealthy or stopped containers are never returned to callers.
		slog.Info("Recycling stale sandbox container",
			"container_id", existing, "config_id", params.ConfigID)
		if err := b.removeContainer(ctx, existing); err != nil {
			slog.Warn("Failed to remove stale container before recreation",
				"error", err, "container_id", existing)
		}
	}

	return b.createContainer(ctx, params)
}

func (b *DockerBackend) findByConfigID(ctx context.Context, configID string) (string, error) {
	args := filters.NewArgs()
	args.Add("label", domain.LabelConfigID+"="+configID)
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return "", fmt.Errorf("list containers for config %s: %w", configID, err)
	}
	if len(containers) == 0 {
		return "", nil
	}
	return containers[0].ID, nil
}

func (b *DockerBackend) createContainer(ctx context.Context, params SpawnParams) (*domain.BackendHandle, error) {
	containerName := "codequay-" + params.ConfigID

	envVars := make([]string, 0, len(params.Env))
	for k, v := range params.Env {
		envVars = append(envVars, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{
		domain.LabelConfigID:       params.ConfigID,
		domain.LabelUserID:         params.UserID,
		domain.LabelInstallationID: params.InstallationID,
		domain.LabelManaged:        "true",
	}

	cfg := &container.Config{
		Image:  b.cfg.Image,
		Env:    envVars,
		Labels: labels,
	}

	hostConfig := &container.HostConfig{
		Runtime:     b.cfg.Runtime,
		NetworkMode: container.NetworkMode(b.cfg.Network),
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	slog.Info("Creating sandbox container",
		"config_id", params.ConfigID, "user_id", params.UserID, "image", b.cfg.Image)

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = b.cli.ContainerCreate(ctx, cfg, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return nil, fmt.Errorf("create container: %w", createErr)
		}

		// A concurrent/delayed cleanup can leave the old named container
		// briefly. Force-remove by name and retry shortly.
		slog.Warn("Container name conflict during create, retrying",
			"config_id", params.ConfigID,
			"container_name", containerName,
			"attempt", i+1,
			"error", createErr,
		)

		if inspect, inspectErr := b.cli.ContainerInspect(ctx, containerName); inspectErr == nil {
			if removeErr := b.removeContainer(ctx, inspect.ID); removeErr != nil {
				slog.Warn("Failed to remove conflicting container before retry",
					"container_id", inspect.ID, "error", removeErr)
			}
		}

		if err := b.sleep(ctx, createRetryDelay); err != nil {
			return nil, err
		}
	}
	if createErr != nil {
		return nil, fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := b.removeContainer(ctx, resp.ID); removeErr != nil {
			slog.Warn("Failed to remove container after start failure",
				"container_id", resp.ID, "error", removeErr)
		}
		return nil, &ProvisioningError{
			Kind:   domain.BackendKindDocker,
			ID:     resp.ID,
			State:  string(domain.BackendStateFailed),
			Detail: err.Error(),
		}
	}

	slog.Info("Sandbox container created and started",
		"container_id", resp.ID, "config_id", params.ConfigID)

	return &domain.BackendHandle{
		Kind:      domain.BackendKindDocker,
		ID:        resp.ID,
		State:     domain.BackendStateProvisioning,
		Labels:    labels,
		CreatedAt: time.Now(),
	}, nil
}

// WaitUntilReady polls the container until its agent endpoint answers, it
// reaches a terminal state, or the attempt budget runs out.
func (b *DockerBackend) WaitUntilReady(ctx context.Context, handle *domain.BackendHandle) (*domain.BackendHandle, error) {
	return pollUntilReady(ctx, b.cfg.ReadyPollInterval, b.cfg.ReadyMaxAttempts, b.sleep,
		func(ctx context.Context) (*domain.BackendHandle, error) {
			return b.probe(ctx, handle)
		})
}

func (b *DockerBackend) probe(ctx context.Context, handle *domain.BackendHandle) (*domain.BackendHandle, error) {
	inspect, err := b.cli.ContainerInspect(ctx, handle.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			failed := *handle
			failed.State = domain.BackendStateFailed
			return &failed, nil
		}
		return nil, fmt.Errorf("inspect container %s: %w", handle.ID, err)
	}

	current := b.handleFromInspect(inspect)
	if current.State != domain.BackendStateReady {
		return current, nil
	}

	// Running is not enough: the agent inside must answer before the
	// handle is handed to callers.
	if err := pingAgent(ctx, b.http, current.Endpoint); err != nil {
		current.State = domain.BackendStateProvisioning
	}
	return current, nil
}

func (b *DockerBackend) handleFromInspect(inspect container.InspectResponse) *domain.BackendHandle {
	handle := &domain.BackendHandle{
		Kind:   domain.BackendKindDocker,
		ID:     inspect.ID,
		Labels: inspect.Config.Labels,
	}

	switch {
	case inspect.State.Running:
		handle.State = domain.BackendStateReady
	case inspect.State.Dead || inspect.State.OOMKilled || inspect.State.ExitCode != 0:
		handle.State = domain.BackendStateFailed
	default:
		handle.State = domain.BackendStateProvisioning
	}

	if nw, ok := inspect.NetworkSettings.Networks[b.cfg.Network]; ok && nw.IPAddress != "" {
		handle.Endpoint = fmt.Sprintf("http://%s:%d", nw.IPAddress, b.cfg.AgentPort)
	}
	if handle.State == domain.BackendStateReady && handle.Endpoint == "" {
		// A running container without an address cannot serve requests.
		handle.State = domain.BackendStateProvisioning
	}
	return handle
}

// Execute issues the request against the container's agent endpoint.
func (b *DockerBackend) Execute(ctx context.Context, handle *domain.BackendHandle, req *AgentRequest) (*AgentResult, error) {
	return executeAgentRequest(ctx, &http.Client{Timeout: b.cfg.ExecuteTimeout}, handle, req)
}

// OpenStream issues the request and returns the raw response stream.
func (b *DockerBackend) OpenStream(ctx context.Context, handle *domain.BackendHandle, req *AgentRequest) (io.ReadCloser, error) {
	// No client timeout: the stream lives as long as the caller reads it.
	return openAgentStream(ctx, &http.Client{}, handle, req)
}

// Ping checks connectivity to the Docker daemon.
func (b *DockerBackend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	return nil
}

// Health reports whether the container is running and its agent answers.
func (b *DockerBackend) Health(ctx context.Context, handle *domain.BackendHandle) (domain.HealthStatus, error) {
	inspect, err := b.cli.ContainerInspect(ctx, handle.ID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return domain.HealthStatus{Healthy: false, State: "not-found"}, nil
		}
		return domain.HealthStatus{}, fmt.Errorf("inspect container %s: %w", handle.ID, err)
	}
	if !inspect.State.Running {
		return domain.HealthStatus{Healthy: false, State: inspect.State.Status}, nil
	}

	current := b.handleFromInspect(inspect)
	if current.Endpoint == "" {
		return domain.HealthStatus{Healthy: false, State: "no-endpoint"}, nil
	}
	if err := pingAgent(ctx, b.http, current.Endpoint); err != nil {
		return domain.HealthStatus{Healthy: false, State: "agent-unreachable", Detail: err.Error()}, nil
	}
	return domain.HealthStatus{Healthy: true, State: "running"}, nil
}

// Terminate stops and removes the container. It is idempotent: a not-found
// condition is treated as already terminated.
func (b *DockerBackend) Terminate(ctx context.Context, handle *domain.BackendHandle) error {
	return b.removeContainer(ctx, handle.ID)
}

func (b *DockerBackend) removeContainer(ctx context.Context, containerID string) error {
	slog.Info("Terminating sandbox container", "container_id", containerID)

	_, err := b.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", containerID, err)
	}

	timeout := stopTimeoutSecs
	if err := b.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		// Container may already be stopped or being removed concurrently.
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container_id", containerID)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container_id", containerID)
		} else {
			slog.Debug("Container stop returned error, continuing to remove",
				"container_id", containerID, "error", err)
		}
	}

	if err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container_id", containerID)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container_id", containerID)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed",
				"container_id", containerID, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}

	slog.Info("Sandbox container terminated", "container_id", containerID)
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
