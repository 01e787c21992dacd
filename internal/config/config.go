// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port       string
	DBPath     string
	SessionTTL time.Duration

	Backend    BackendConfig
	Automation AutomationConfig
	Jobs       JobsConfig

	// AuditWriteTimeout bounds the best-effort audit append after a
	// successful prompt. Losing the race abandons the write.
	AuditWriteTimeout time.Duration

	GitHubAPIBase string
}

// BackendConfig selects and tunes the compute backend.
type BackendConfig struct {
	Kind string // "docker" or "machines"

	// Disabled bypasses real backends and returns a canned agent result.
	// Credential preconditions are still enforced first.
	Disabled bool

	// Docker backend.
	Image     string
	AgentPort int
	Network   string
	Runtime   string // "" = default (runc), "runsc" = gVisor

	// Machines backend.
	APIBase  string
	APIToken string
	Region   string

	ReadyPollInterval time.Duration
	ReadyMaxAttempts  int
	ExecuteTimeout    time.Duration
}

// AutomationConfig tunes the git finalization workflow.
type AutomationConfig struct {
	Enabled        bool
	BranchPrefix   string
	CommitterName  string
	CommitterEmail string
	DefaultLabels  []string
	PushRetry      bool
	AllowEmpty     bool
	RunTimeout     time.Duration
	DraftPRs       bool
}

// JobsConfig tunes the async dispatch worker pool.
type JobsConfig struct {
	QueueSize int
	Workers   int
	// JobTimeout bounds one detached job execution.
	JobTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		DBPath:            getEnv("DB_PATH", "./data/codequay.db"),
		SessionTTL:        getEnvDuration("SESSION_TTL", 60*time.Minute),
		AuditWriteTimeout: getEnvDuration("AUDIT_WRITE_TIMEOUT", time.Second),
		GitHubAPIBase:     getEnv("GITHUB_API_BASE", "https://api.github.com"),
		Backend: BackendConfig{
			Kind:              getEnv("BACKEND_KIND", "docker"),
			Disabled:          getEnvBool("BACKEND_DISABLED", false),
			Image:             getEnv("BACKEND_IMAGE", "codequay-agent:latest"),
			AgentPort:         getEnvInt("BACKEND_AGENT_PORT", 8088),
			Network:           getEnv("BACKEND_NETWORK", "codequay-sandbox"),
			Runtime:           getEnv("BACKEND_RUNTIME", ""),
			APIBase:           getEnv("MACHINES_API_BASE", ""),
			APIToken:          getEnv("MACHINES_API_TOKEN", ""),
			Region:            getEnv("MACHINES_REGION", ""),
			ReadyPollInterval: getEnvDuration("BACKEND_READY_POLL_INTERVAL", 2*time.Second),
			ReadyMaxAttempts:  getEnvInt("BACKEND_READY_MAX_ATTEMPTS", 60),
			ExecuteTimeout:    getEnvDuration("BACKEND_EXECUTE_TIMEOUT", 10*time.Minute),
		},
		Automation: AutomationConfig{
			Enabled:        getEnvBool("AUTOMATION_ENABLED", true),
			BranchPrefix:   getEnv("AUTOMATION_BRANCH_PREFIX", "claude-code"),
			CommitterName:  getEnv("AUTOMATION_COMMITTER_NAME", "codequay-bot"),
			CommitterEmail: getEnv("AUTOMATION_COMMITTER_EMAIL", "bot@codequay.dev"),
			DefaultLabels:  getEnvList("AUTOMATION_DEFAULT_LABELS", []string{"automated"}),
			PushRetry:      getEnvBool("AUTOMATION_PUSH_RETRY", true),
			AllowEmpty:     getEnvBool("AUTOMATION_ALLOW_EMPTY", false),
			RunTimeout:     getEnvDuration("AUTOMATION_RUN_TIMEOUT", 5*time.Minute),
			DraftPRs:       getEnvBool("AUTOMATION_DRAFT_PRS", false),
		},
		Jobs: JobsConfig{
			QueueSize:  getEnvInt("JOBS_QUEUE_SIZE", 64),
			Workers:    getEnvInt("JOBS_WORKERS", 4),
			JobTimeout: getEnvDuration("JOBS_TIMEOUT", 15*time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	switch c.Backend.Kind {
	case "docker":
		if c.Backend.Image == "" {
			return fmt.Errorf("BACKEND_IMAGE cannot be empty for the docker backend")
		}
	case "machines":
		if !c.Backend.Disabled && c.Backend.APIBase == "" {
			return fmt.Errorf("MACHINES_API_BASE is required for the machines backend")
		}
	default:
		return fmt.Errorf("unknown BACKEND_KIND %q", c.Backend.Kind)
	}
	if c.Backend.ReadyPollInterval <= 0 {
		return fmt.Errorf("BACKEND_READY_POLL_INTERVAL must be > 0")
	}
	if c.Backend.ReadyMaxAttempts <= 0 {
		return fmt.Errorf("BACKEND_READY_MAX_ATTEMPTS must be > 0")
	}
	if c.Jobs.QueueSize <= 0 {
		return fmt.Errorf("JOBS_QUEUE_SIZE must be > 0")
	}
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("JOBS_WORKERS must be > 0")
	}
	if c.Automation.BranchPrefix == "" {
		return fmt.Errorf("AUTOMATION_BRANCH_PREFIX cannot be empty")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
