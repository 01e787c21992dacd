package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/codequay/codequay/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return repo
}

func TestSQLiteStore_SessionRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	session := &domain.Session{
		ID:           "s1",
		UserID:       "u1",
		BackendKind:  "docker",
		BackendID:    "inst-1",
		Messages:     []domain.Message{{Role: "user", Content: "hello", Timestamp: now}},
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.UpsertSession(ctx, session); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repo.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.UserID != "u1" || got.BackendID != "inst-1" {
		t.Fatalf("Unexpected session %+v", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "hello" {
		t.Errorf("Expected history to survive the round trip, got %+v", got.Messages)
	}

	missing, err := repo.GetSession(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected (nil, nil) for absent session, got %+v, %v", missing, err)
	}
}

func TestSQLiteStore_ClearSessionBackendOptimisticLock(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	session := &domain.Session{
		ID: "s1", UserID: "u1", BackendKind: "docker", BackendID: "inst-1",
		LastActiveAt: now, CreatedAt: now, UpdatedAt: now,
	}
	if err := repo.UpsertSession(ctx, session); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A stale expected id must not clear a fresh binding.
	if err := repo.ClearSessionBackend(ctx, "s1", "inst-stale"); err == nil {
		t.Fatal("Expected optimistic lock failure for stale backend id")
	}
	got, _ := repo.GetSession(ctx, "s1")
	if got.BackendID != "inst-1" {
		t.Fatalf("Expected binding preserved, got %q", got.BackendID)
	}

	if err := repo.ClearSessionBackend(ctx, "s1", "inst-1"); err != nil {
		t.Fatalf("Expected matching clear to succeed, got %v", err)
	}
	got, _ = repo.GetSession(ctx, "s1")
	if got.BackendID != "" {
		t.Errorf("Expected cleared binding, got %q", got.BackendID)
	}
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	job := &domain.AsyncJob{
		ID:        "j1",
		Method:    "session/prompt",
		Params:    json.RawMessage(`{"session_id":"s1"}`),
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now(),
	}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.MarkJobProcessing(ctx, "j1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	// Second claim must fail the guarded transition.
	if err := repo.MarkJobProcessing(ctx, "j1"); !errors.Is(err, ErrJobTransition) {
		t.Fatalf("Expected ErrJobTransition for double claim, got %v", err)
	}

	if err := repo.CompleteJob(ctx, "j1", json.RawMessage(`{"content":"ok"}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Terminal records are immutable.
	if err := repo.FailJob(ctx, "j1", json.RawMessage(`{"code":-32603}`)); !errors.Is(err, ErrJobTransition) {
		t.Fatalf("Expected ErrJobTransition after terminal state, got %v", err)
	}

	got, err := repo.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusCompleted || string(got.Result) != `{"content":"ok"}` {
		t.Errorf("Unexpected job record %+v", got)
	}
}

func TestSQLiteStore_FailJobFromPending(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	job := &domain.AsyncJob{
		ID:        "j2",
		Method:    "session/prompt",
		Status:    domain.JobStatusPending,
		CreatedAt: time.Now(),
	}
	if err := repo.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	// A job that never reached a worker is failed directly from pending.
	payload := json.RawMessage(`{"message":"job queue is full"}`)
	if err := repo.FailJob(ctx, "j2", payload); err != nil {
		t.Fatalf("Expected pending job to fail directly, got %v", err)
	}

	got, err := repo.GetJob(ctx, "j2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.JobStatusFailed || string(got.Error) != string(payload) {
		t.Fatalf("Unexpected job record %+v", got)
	}

	// Failed is terminal; a second fail must not fire.
	if err := repo.FailJob(ctx, "j2", json.RawMessage(`{}`)); !errors.Is(err, ErrJobTransition) {
		t.Fatalf("Expected ErrJobTransition on terminal record, got %v", err)
	}
}

func TestSQLiteStore_GetJobNotFound(t *testing.T) {
	repo := newTestStore(t)
	got, err := repo.GetJob(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("Expected (nil, nil) for absent job, got %+v, %v", got, err)
	}
}

func TestSQLiteStore_AuditAppendAndList(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		rec := &domain.PromptAuditRecord{
			SessionID:  "s1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			StopReason: "end_turn",
			Usage:      domain.TokenUsage{InputTokens: i, OutputTokens: i * 2},
		}
		if i == 4 {
			rec.Automation = &domain.AutomationSummary{
				Status: "success", Branch: "claude-code/issue-9-x", IssueNumber: 9,
			}
		}
		if err := repo.AppendAuditRecord(ctx, rec); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	records, err := repo.ListAuditRecords(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected the 3 most recent records, got %d", len(records))
	}
	// Most recent N, oldest first.
	if records[0].Usage.InputTokens != 2 || records[2].Usage.InputTokens != 4 {
		t.Errorf("Expected oldest-first ordering of the newest records, got %+v", records)
	}
	if records[2].Automation == nil || records[2].Automation.IssueNumber != 9 {
		t.Errorf("Expected automation summary on latest record, got %+v", records[2].Automation)
	}

	other, err := repo.ListAuditRecords(ctx, "other", 10)
	if err != nil || len(other) != 0 {
		t.Errorf("Expected no records for unknown session, got %d, %v", len(other), err)
	}
}
