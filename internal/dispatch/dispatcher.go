// Package dispatch orchestrates one RPC call end to end: credential
// resolution, backend selection and provisioning, request construction,
// sync/async/stream invocation, and post-response side effects.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codequay/codequay/internal/backend"
	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/credentials"
	"github.com/codequay/codequay/internal/domain"
	"github.com/codequay/codequay/internal/gitauto"
	"github.com/codequay/codequay/internal/rpc"
	"github.com/codequay/codequay/internal/store"
)

// Mode selects how a dispatch call is executed.
type Mode string

const (
	ModeSync   Mode = "sync"
	ModeAsync  Mode = "async"
	ModeStream Mode = "stream"
)

// RPC methods served by the dispatcher.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionLoad   = "session/load"
	MethodCancel        = "cancel"
	MethodJobStatus     = "job/status"
)

// historyFoldLimit bounds how many prior messages are folded into the
// outbound request so multi-turn continuity survives backend restarts.
const historyFoldLimit = 20

const defaultBaseBranch = "main"

// PromptParams are the parameters of a session/prompt call.
type PromptParams struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Content   string         `json:"content,omitempty"`
	Prompt    string         `json:"prompt,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Async     bool           `json:"async,omitempty"`
	Stream    bool           `json:"stream,omitempty"`
}

// Text returns the prompt body, accepting either field name.
func (p *PromptParams) Text() string {
	if p.Content != "" {
		return p.Content
	}
	return p.Prompt
}

// sessionParams are the parameters of session/new and session/load.
type sessionParams struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// jobParams are the parameters of the job status accessor.
type jobParams struct {
	JobID string `json:"job_id"`
}

// cancelParams identify the work a best-effort cancel targets.
type cancelParams struct {
	SessionID string `json:"session_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// AutomationRunner is the git finalization hook invoked after a successful
// prompt that reports workspace mutations.
type AutomationRunner interface {
	Run(ctx context.Context, in gitauto.Input) *domain.AutomationRun
}

// Enqueuer accepts async jobs for detached execution.
type Enqueuer interface {
	Enqueue(job *domain.AsyncJob) error
}

// tokenInvalidator is implemented by caching token sources. A hosting-side
// failure drops the cached token so the next prompt mints a fresh one.
type tokenInvalidator interface {
	Invalidate(installationID string)
}

// Dispatcher routes RPC calls to the compute backend and triggers side
// effects. It holds no per-request state; every dispatch is independent.
type Dispatcher struct {
	cfg        *config.Config
	repo       store.Repository
	be         backend.Backend
	resolver   credentials.Resolver
	tokens     credentials.TokenSource
	automation AutomationRunner
	queue      Enqueuer

	now   func() time.Time
	newID func() string
}

// New wires a dispatcher. The async queue is attached separately because
// the queue's workers call back into the dispatcher.
func New(cfg *config.Config, repo store.Repository, be backend.Backend, resolver credentials.Resolver, tokens credentials.TokenSource, automation AutomationRunner) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		repo:       repo,
		be:         be,
		resolver:   resolver,
		tokens:     tokens,
		automation: automation,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}
}

// AttachQueue connects the async job queue.
func (d *Dispatcher) AttachQueue(q Enqueuer) {
	d.queue = q
}

// Dispatch executes one RPC call. Every failure is returned as a structured
// error, never a bare one.
func (d *Dispatcher) Dispatch(ctx context.Context, method string, params json.RawMessage, mode Mode) (any, *rpc.Error) {
	if mode == ModeAsync {
		return d.dispatchAsync(ctx, method, params)
	}
	if mode == ModeStream {
		return nil, rpc.Errorf(rpc.CodeStreamingUnsupported, "use OpenStream for streaming dispatch")
	}

	switch method {
	case MethodInitialize:
		return d.initialize(), nil
	case MethodSessionNew:
		return d.sessionNew(ctx, params)
	case MethodSessionLoad:
		return d.sessionLoad(ctx, params)
	case MethodSessionPrompt:
		return d.sessionPrompt(ctx, params)
	case MethodCancel:
		return d.cancel(ctx, params)
	case MethodJobStatus:
		return d.jobStatus(ctx, params)
	default:
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "unknown method %q", method)
	}
}

// OpenStream executes session/prompt and returns the backend's raw response
// stream without buffering or parsing. Side effects that depend on the
// parsed body are skipped in this mode; see the package documentation.
func (d *Dispatcher) OpenStream(ctx context.Context, method string, params json.RawMessage) (io.ReadCloser, *rpc.Error) {
	if method != MethodSessionPrompt {
		return nil, rpc.Errorf(rpc.CodeStreamingUnsupported, "method %q does not support streaming", method)
	}

	prep, rpcErr := d.preparePrompt(ctx, params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if d.cfg.Backend.Disabled {
		return nil, rpc.Errorf(rpc.CodeStreamingUnsupported, "streaming is unavailable while the backend is disabled")
	}

	handle, rpcErr := d.provision(ctx, prep)
	if rpcErr != nil {
		return nil, rpcErr
	}

	stream, err := d.be.OpenStream(ctx, handle, prep.request)
	if err != nil {
		return nil, backendError(err)
	}

	d.bindSession(ctx, prep, handle)
	return stream, nil
}

func (d *Dispatcher) initialize() map[string]any {
	return map[string]any{
		"name":    "codequay",
		"version": "1.0",
		"methods": []string{
			MethodInitialize, MethodSessionNew, MethodSessionPrompt,
			MethodSessionLoad, MethodCancel, MethodJobStatus,
		},
		"modes":   []string{string(ModeSync), string(ModeAsync), string(ModeStream)},
		"backend": d.cfg.Backend.Kind,
	}
}

func (d *Dispatcher) sessionNew(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var p sessionParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid session/new params: %v", err)
		}
	}

	now := d.now()
	session := &domain.Session{
		ID:           d.newID(),
		UserID:       p.UserID,
		LastActiveAt: now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := d.repo.UpsertSession(ctx, session); err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "create session: %v", err)
	}

	slog.Info("Session created", "session_id", session.ID, "user_id", p.UserID)
	return map[string]string{"session_id": session.ID}, nil
}

func (d *Dispatcher) sessionLoad(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var p sessionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid session/load params: %v", err)
	}
	if p.SessionID == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "session_id is required")
	}

	session, err := d.repo.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "load session: %v", err)
	}
	if session == nil {
		return nil, rpc.Errorf(rpc.CodeSessionNotFound, "session %s not found", p.SessionID)
	}
	// Rehydration counts as activity; it keeps the reaper away.
	if err := d.repo.TouchSession(ctx, p.SessionID, d.now()); err != nil {
		slog.Warn("Failed to touch session", "error", err, "session_id", p.SessionID)
	}
	return session, nil
}

// cancel acknowledges a cancellation signal. In-flight backend work is not
// interrupted; async jobs can only be polled to completion or abandoned.
func (d *Dispatcher) cancel(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var p cancelParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid cancel params: %v", err)
		}
	}
	slog.Info("Cancellation requested", "session_id", p.SessionID, "job_id", p.JobID)
	return map[string]any{"acknowledged": true, "interrupted": false}, nil
}

func (d *Dispatcher) jobStatus(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	var p jobParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid job params: %v", err)
	}
	return d.GetJobStatus(ctx, p.JobID)
}

// GetJobStatus returns the current record of an async job.
func (d *Dispatcher) GetJobStatus(ctx context.Context, jobID string) (*domain.AsyncJob, *rpc.Error) {
	if jobID == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "job_id is required")
	}
	job, err := d.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "load job: %v", err)
	}
	if job == nil {
		return nil, rpc.Errorf(rpc.CodeJobNotFound, "job %s not found", jobID)
	}
	return job, nil
}

// defaultAuditLimit bounds the audit listing when the caller gives no limit.
const defaultAuditLimit = 50

// ListSessionAudit returns the most recent audit entries for a session,
// oldest first.
func (d *Dispatcher) ListSessionAudit(ctx context.Context, sessionID string, limit int) ([]*domain.PromptAuditRecord, *rpc.Error) {
	if sessionID == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "session_id is required")
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	records, err := d.repo.ListAuditRecords(ctx, sessionID, limit)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "list audit records: %v", err)
	}
	return records, nil
}

// dispatchAsync records a pending job and returns immediately; the queue
// worker runs the same sync path detached from this call.
func (d *Dispatcher) dispatchAsync(ctx context.Context, method string, params json.RawMessage) (any, *rpc.Error) {
	if d.queue == nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "async dispatch is not available")
	}

	now := d.now()
	job := &domain.AsyncJob{
		ID:        d.newID(),
		Method:    method,
		Params:    params,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.repo.CreateJob(ctx, job); err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "create job: %v", err)
	}
	if err := d.queue.Enqueue(job); err != nil {
		// The record must not stay pending: no worker will ever see it.
		payload, _ := json.Marshal(map[string]string{"message": err.Error()})
		if ferr := d.repo.FailJob(ctx, job.ID, payload); ferr != nil {
			slog.Error("Failed to record enqueue failure", "error", ferr, "job_id", job.ID)
		}
		return nil, rpc.Errorf(rpc.CodeInternalError, "enqueue job: %v", err)
	}

	slog.Info("Job enqueued", "job_id", job.ID, "method", method)
	return map[string]string{"job_id": job.ID, "status": string(domain.JobStatusPending)}, nil
}

// promptPrep carries everything assembled before the backend is touched.
type promptPrep struct {
	params   PromptParams
	session  *domain.Session
	creds    *credentials.UserCredentials
	token    string
	repo     domain.RepoRef
	repoOK   bool
	request  *backend.AgentRequest
	degraded string
}

// preparePrompt validates input and resolves credentials and repository
// context. Preconditions fail here before any backend or bypass path runs.
func (d *Dispatcher) preparePrompt(ctx context.Context, params json.RawMessage) (*promptPrep, *rpc.Error) {
	var p PromptParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid prompt params: %v", err)
	}
	if p.UserID == "" {
		return nil, rpc.Errorf(rpc.CodeMissingUser, "user_id is required")
	}
	if p.SessionID == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "session_id is required")
	}
	if p.Text() == "" {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "prompt content is required")
	}

	creds, err := d.resolver.ResolveUser(ctx, p.UserID)
	if err != nil {
		switch {
		case errors.Is(err, credentials.ErrUserNotFound):
			return nil, rpc.Errorf(rpc.CodeMissingUser, "user %s is not registered", p.UserID)
		case errors.Is(err, credentials.ErrNoProviderKey):
			return nil, rpc.Errorf(rpc.CodeProviderNotConfig, "user %s has no model provider configured", p.UserID)
		default:
			return nil, rpc.Errorf(rpc.CodeCredential, "resolve user: %v", err)
		}
	}
	if creds.ProviderAPIKey == "" {
		return nil, rpc.Errorf(rpc.CodeProviderNotConfig, "user %s has no model provider configured", p.UserID)
	}

	prep := &promptPrep{params: p, creds: creds}

	// GitHub context is best-effort: a failure is logged and forwarded so
	// the agent can explain a degraded capability instead of failing.
	if creds.InstallationID != "" {
		token, err := d.tokens.GetInstallationToken(ctx, creds.InstallationID)
		if err != nil {
			prep.degraded = fmt.Sprintf("github token unavailable: %v", err)
			slog.Warn("Installation token fetch failed",
				"error", err, "installation_id", creds.InstallationID)
		} else {
			prep.token = token.Token
			repos, err := d.resolver.ListAccessibleRepositories(ctx, creds.InstallationID)
			switch {
			case err != nil:
				prep.degraded = fmt.Sprintf("repository listing unavailable: %v", err)
				slog.Warn("Repository listing failed",
					"error", err, "installation_id", creds.InstallationID)
			case len(repos) == 0:
				prep.degraded = "installation has no accessible repositories"
			default:
				if ref, ok := splitRepo(repos[0].FullName); ok {
					prep.repo = ref
					prep.repoOK = true
				} else {
					prep.degraded = fmt.Sprintf("unparseable repository name %q", repos[0].FullName)
				}
			}
		}
	} else {
		prep.degraded = "no installation linked to user"
	}

	session, err := d.repo.GetSession(ctx, p.SessionID)
	if err != nil {
		return nil, rpc.Errorf(rpc.CodeInternalError, "load session: %v", err)
	}
	if session == nil {
		now := d.now()
		session = &domain.Session{
			ID:           p.SessionID,
			UserID:       p.UserID,
			LastActiveAt: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}
	prep.session = session

	req := &backend.AgentRequest{
		Method:         MethodSessionPrompt,
		SessionID:      p.SessionID,
		Prompt:         p.Text(),
		History:        session.RecentMessages(historyFoldLimit),
		ProviderAPIKey: creds.ProviderAPIKey,
		GitHubToken:    prep.token,
		BaseBranch:     defaultBaseBranch,
		DegradedReason: prep.degraded,
		Context:        p.Context,
	}
	if prep.repoOK {
		req.Repo = prep.repo.FullName()
	}
	prep.request = req

	slog.Info("Prompt prepared",
		"session_id", p.SessionID,
		"user_id", p.UserID,
		"history_len", len(req.History),
		"github_token_len", len(prep.token),
		"repo", req.Repo)
	return prep, nil
}

// provision finds or creates the backend instance for the session's stable
// logical name and waits for readiness. One handle serves the whole
// session, preserving in-memory agent state across turns.
func (d *Dispatcher) provision(ctx context.Context, prep *promptPrep) (*domain.BackendHandle, *rpc.Error) {
	handle, err := d.be.Spawn(ctx, backend.SpawnParams{
		ConfigID:       "sess-" + prep.params.SessionID,
		UserID:         prep.params.UserID,
		InstallationID: prep.creds.InstallationID,
	})
	if err != nil {
		return nil, provisioningError(err)
	}

	handle, err = d.be.WaitUntilReady(ctx, handle)
	if err != nil {
		return nil, provisioningError(err)
	}

	slog.Debug("Backend instance ready",
		"backend_id", handle.ID, "config_id", handle.ConfigID())
	return handle, nil
}

func (d *Dispatcher) sessionPrompt(ctx context.Context, params json.RawMessage) (any, *rpc.Error) {
	prep, rpcErr := d.preparePrompt(ctx, params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	var result *backend.AgentResult
	if d.cfg.Backend.Disabled {
		result = disabledResult(prep.params.SessionID)
	} else {
		handle, rpcErr := d.provision(ctx, prep)
		if rpcErr != nil {
			return nil, rpcErr
		}

		execCtx := ctx
		if d.cfg.Backend.ExecuteTimeout > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, d.cfg.Backend.ExecuteTimeout)
			defer cancel()
		}

		var err error
		result, err = d.be.Execute(execCtx, handle, prep.request)
		if err != nil {
			return nil, backendError(err)
		}

		d.bindSession(ctx, prep, handle)
	}

	d.recordRound(ctx, prep, result)
	d.runSideEffects(prep, result)
	return result, nil
}

// bindSession attaches the backend handle to the session record.
func (d *Dispatcher) bindSession(ctx context.Context, prep *promptPrep, handle *domain.BackendHandle) {
	s := prep.session
	s.BackendKind = string(handle.Kind)
	s.BackendID = handle.ID
	if err := d.repo.UpsertSession(ctx, s); err != nil {
		slog.Warn("Failed to bind session to backend", "error", err, "session_id", s.ID)
	}
}

// recordRound folds the prompt round into the session history.
func (d *Dispatcher) recordRound(ctx context.Context, prep *promptPrep, result *backend.AgentResult) {
	s := prep.session
	now := d.now()
	s.RecordMessage("user", prep.params.Text(), now)
	s.RecordMessage("assistant", result.Content, now)
	if result.Workspace != nil && result.Workspace.Path != "" {
		s.WorkspacePath = result.Workspace.Path
	}
	if err := d.repo.UpsertSession(ctx, s); err != nil {
		slog.Warn("Failed to persist session history", "error", err, "session_id", s.ID)
	}
}

// runSideEffects performs the post-response work: the git automation
// hand-off and the audit append. Both are detached and best-effort; a
// failure here never fails or delays the already-computed response.
func (d *Dispatcher) runSideEffects(prep *promptPrep, result *backend.AgentResult) {
	sessionID := prep.params.SessionID
	go func() {
		var summary *domain.AutomationSummary
		if ws := result.Workspace; ws != nil && ws.Changed && ws.Path != "" {
			runCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Automation.RunTimeout)
			run := d.automation.Run(runCtx, gitauto.Input{
				Repo:         prep.repo,
				WorkspaceDir: ws.Path,
				BaseBranch:   defaultBaseBranch,
				SessionID:    sessionID,
				IssueNumber:  ws.IssueNumber,
				Mode:         domain.ParseAutomationMode(ws.Mode),
				Token:        prep.token,
				Summary:      ws.Summary,
				PromptTitle:  ws.PromptTitle,
				RepoEligible: prep.repoOK,
			})
			cancel()
			summary = run.Summary()

			// A failed host call usually means the scoped token expired
			// mid-run; drop it so the next prompt mints a fresh one.
			if run.Diagnostics.ErrorCode == gitauto.ErrCodeHostRequestFailed {
				if inv, ok := d.tokens.(tokenInvalidator); ok && prep.creds.InstallationID != "" {
					inv.Invalidate(prep.creds.InstallationID)
				}
			}
		}

		rec := &domain.PromptAuditRecord{
			SessionID:  sessionID,
			Timestamp:  d.now(),
			StopReason: result.StopReason,
			Usage:      result.Usage,
			Automation: summary,
		}

		// Raced against a short deadline; losing the race abandons the
		// write without affecting the response.
		auditCtx, cancel := context.WithTimeout(context.Background(), d.cfg.AuditWriteTimeout)
		defer cancel()
		if err := d.repo.AppendAuditRecord(auditCtx, rec); err != nil {
			slog.Warn("Audit append abandoned", "error", err, "session_id", sessionID)
		}
	}()
}

// disabledResult is the canned envelope returned when the backend is
// disabled. Credential preconditions were already enforced.
func disabledResult(sessionID string) *backend.AgentResult {
	return &backend.AgentResult{
		SessionID:  sessionID,
		Content:    "Backend execution is disabled; no agent was run.",
		StopReason: "backend_disabled",
	}
}

func provisioningError(err error) *rpc.Error {
	var provErr *backend.ProvisioningError
	if errors.As(err, &provErr) {
		return rpc.NewError(rpc.CodeBackendProvisioning, provErr.Error(), map[string]string{
			"backend_id": provErr.ID,
			"state":      provErr.State,
		})
	}
	if errors.Is(err, backend.ErrReadyTimeout) {
		return rpc.Errorf(rpc.CodeBackendProvisioning, "backend readiness: %v", err)
	}
	return rpc.Errorf(rpc.CodeInternalError, "backend spawn: %v", err)
}

func backendError(err error) *rpc.Error {
	var reqErr *backend.RequestError
	if errors.As(err, &reqErr) {
		return rpc.NewError(rpc.CodeBackendRequest,
			fmt.Sprintf("backend returned status %d", reqErr.StatusCode),
			map[string]any{"status": reqErr.StatusCode, "body": reqErr.Body})
	}
	var jsonErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &jsonErr) || errors.As(err, &typeErr) {
		return rpc.Errorf(rpc.CodeParseError, "malformed backend response: %v", err)
	}
	if errors.Is(err, backend.ErrNoEndpoint) {
		return rpc.Errorf(rpc.CodeBackendRequest, "%v", err)
	}
	return rpc.Errorf(rpc.CodeInternalError, "backend execute: %v", err)
}

// splitRepo parses "owner/name".
func splitRepo(fullName string) (domain.RepoRef, bool) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.RepoRef{}, false
	}
	return domain.RepoRef{Owner: parts[0], Name: parts[1]}, true
}
