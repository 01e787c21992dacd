package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/domain"
)

func testMachinesConfig(apiBase string) config.BackendConfig {
	return config.BackendConfig{
		Kind:              "machines",
		Image:             "codequay-agent:latest",
		AgentPort:         8088,
		APIBase:           apiBase,
		ReadyPollInterval: time.Millisecond,
		ReadyMaxAttempts:  5,
	}
}

func TestMachinesBackend_SpawnReusesHealthyInstance(t *testing.T) {
	var creates int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/machines":
			json.NewEncoder(w).Encode([]map[string]any{{
				"id":       "m-existing",
				"state":    "started",
				"endpoint": "http://10.0.0.5:8088",
				"labels":   map[string]string{domain.LabelConfigID: "sess-s1"},
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/machines":
			creates++
			json.NewEncoder(w).Encode(map[string]any{"id": "m-new", "state": "creating"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewMachinesBackend(testMachinesConfig(srv.URL))
	params := SpawnParams{ConfigID: "sess-s1", UserID: "u1"}

	first, err := b.Spawn(context.Background(), params)
	if err != nil {
		t.Fatalf("Expected spawn to succeed, got %v", err)
	}
	second, err := b.Spawn(context.Background(), params)
	if err != nil {
		t.Fatalf("Expected second spawn to succeed, got %v", err)
	}

	if first.ID != "m-existing" || second.ID != first.ID {
		t.Errorf("Expected both spawns to reuse m-existing, got %q and %q", first.ID, second.ID)
	}
	if creates != 0 {
		t.Errorf("Expected no new machine while a healthy one exists, got %d creates", creates)
	}
}

func TestMachinesBackend_SpawnSkipsFailedInstance(t *testing.T) {
	var creates int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/machines":
			json.NewEncoder(w).Encode([]map[string]any{{
				"id":    "m-dead",
				"state": "failed",
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/machines":
			creates++
			json.NewEncoder(w).Encode(map[string]any{"id": "m-new", "state": "creating"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewMachinesBackend(testMachinesConfig(srv.URL))
	handle, err := b.Spawn(context.Background(), SpawnParams{ConfigID: "sess-s1"})
	if err != nil {
		t.Fatalf("Expected spawn to succeed, got %v", err)
	}
	if handle.ID != "m-new" {
		t.Errorf("Expected a fresh machine, got %q", handle.ID)
	}
	if handle.State != domain.BackendStateProvisioning {
		t.Errorf("Expected provisioning state, got %s", handle.State)
	}
	if creates != 1 {
		t.Errorf("Expected one create, got %d", creates)
	}
}

func TestMachinesBackend_WaitUntilReady(t *testing.T) {
	var polls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/machines/") {
			polls++
			state := "creating"
			endpoint := ""
			if polls >= 3 {
				state = "started"
				endpoint = "http://10.0.0.9:8088"
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id": "m1", "state": state, "endpoint": endpoint,
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := NewMachinesBackend(testMachinesConfig(srv.URL))
	b.sleep = func(_ context.Context, _ time.Duration) error { return nil }

	handle, err := b.WaitUntilReady(context.Background(), &domain.BackendHandle{ID: "m1"})
	if err != nil {
		t.Fatalf("Expected readiness, got %v", err)
	}
	if handle.State != domain.BackendStateReady {
		t.Errorf("Expected ready handle, got %s", handle.State)
	}
	if handle.Endpoint != "http://10.0.0.9:8088" {
		t.Errorf("Expected endpoint from provider, got %q", handle.Endpoint)
	}
	if polls != 3 {
		t.Errorf("Expected 3 polls, got %d", polls)
	}
}

func TestMachinesBackend_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/v1/machines" {
			json.NewEncoder(w).Encode([]map[string]any{})
			return
		}
		http.NotFound(w, r)
	}))

	b := NewMachinesBackend(testMachinesConfig(srv.URL))
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Expected ping to succeed against a live provider, got %v", err)
	}

	srv.Close()
	if err := b.Ping(context.Background()); err == nil {
		t.Error("Expected ping failure once the provider is unreachable")
	}
}

func TestMachinesBackend_TerminateIsNoOp(t *testing.T) {
	b := NewMachinesBackend(testMachinesConfig("http://unreachable.invalid"))
	if err := b.Terminate(context.Background(), &domain.BackendHandle{ID: "m1"}); err != nil {
		t.Errorf("Expected terminate to only record intent, got %v", err)
	}
}
