package domain

import "time"

// BackendKind identifies a compute backend implementation.
type BackendKind string

const (
	// BackendKindDocker runs sandboxes as containers on a local Docker engine.
	BackendKindDocker BackendKind = "docker"
	// BackendKindMachines runs sandboxes on a remote machine-provisioning API.
	BackendKindMachines BackendKind = "machines"
)

// BackendState is the readiness state of a backend instance.
type BackendState string

const (
	BackendStateProvisioning BackendState = "provisioning"
	BackendStateReady        BackendState = "ready"
	BackendStateFailed       BackendState = "failed"
)

// Handle label keys attached to backend instances so an existing instance
// can be found and reused instead of creating a new one.
const (
	LabelConfigID       = "codequay.config-id"
	LabelUserID         = "codequay.user-id"
	LabelInstallationID = "codequay.installation-id"
	LabelManaged        = "codequay.managed"
)

// BackendHandle references one sandbox instance owned by a backend.
// At most one healthy handle per logical config id is ever reused;
// failed handles are replaced, never returned to callers.
type BackendHandle struct {
	Kind      BackendKind       `json:"kind"`
	ID        string            `json:"id"`
	State     BackendState      `json:"state"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ConfigID returns the logical config id label, if any.
func (h *BackendHandle) ConfigID() string {
	return h.Labels[LabelConfigID]
}

// Ready reports whether the handle can serve requests.
func (h *BackendHandle) Ready() bool {
	return h.State == BackendStateReady && h.Endpoint != ""
}

// HealthStatus is the point-in-time health of one backend instance.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
	Detail  string `json:"detail,omitempty"`
}
