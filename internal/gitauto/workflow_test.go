package gitauto

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/domain"
)

const testHeadSHA = "abc123def456"

// fakeRunner scripts git command outcomes without touching a repository.
type fakeRunner struct {
	calls [][]string

	statusOutput   string
	stagedOutput   string
	lsRemoteOutput string
	remoteURL      string

	pushFailures int
	pushStderr   string
	pushCount    int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		statusOutput: " M main.go\n?? README.md\n",
		stagedOutput: "main.go\nREADME.md\n",
		remoteURL:    "https://github.com/acme/widgets.git",
	}
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) (Result, error) {
	f.calls = append(f.calls, args)
	switch args[0] {
	case "push":
		f.pushCount++
		if f.pushCount <= f.pushFailures {
			return Result{ExitCode: 1, Stderr: f.pushStderr}, nil
		}
		return Result{}, nil
	case "status":
		return Result{Stdout: f.statusOutput}, nil
	case "diff":
		return Result{Stdout: f.stagedOutput}, nil
	case "rev-parse":
		return Result{Stdout: testHeadSHA + "\n"}, nil
	case "ls-remote":
		return Result{Stdout: f.lsRemoteOutput}, nil
	case "remote":
		if args[1] == "get-url" {
			return Result{Stdout: f.remoteURL + "\n"}, nil
		}
		return Result{}, nil
	default:
		return Result{}, nil
	}
}

func (f *fakeRunner) count(subcommand string) int {
	n := 0
	for _, call := range f.calls {
		if call[0] == subcommand {
			n++
		}
	}
	return n
}

// fakeHost records hosting-provider calls.
type fakeHost struct {
	issues   []IssueRequest
	prs      []PullRequestRequest
	comments []string

	nextIssue  int
	nextPR     int
	commentErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{nextIssue: 42, nextPR: 7}
}

func (f *fakeHost) CreateIssue(_ context.Context, _ string, repo domain.RepoRef, req IssueRequest) (*Issue, error) {
	f.issues = append(f.issues, req)
	return &Issue{
		Number: f.nextIssue,
		Title:  req.Title,
		URL:    fmt.Sprintf("https://github.com/%s/issues/%d", repo.FullName(), f.nextIssue),
	}, nil
}

func (f *fakeHost) CreatePullRequest(_ context.Context, _ string, repo domain.RepoRef, req PullRequestRequest) (*PullRequest, error) {
	f.prs = append(f.prs, req)
	return &PullRequest{
		Number: f.nextPR,
		URL:    fmt.Sprintf("https://github.com/%s/pull/%d", repo.FullName(), f.nextPR),
		Draft:  req.Draft,
	}, nil
}

func (f *fakeHost) AddIssueComment(_ context.Context, _ string, _ domain.RepoRef, _ int, body string) error {
	if f.commentErr != nil {
		return f.commentErr
	}
	f.comments = append(f.comments, body)
	return nil
}

// fakeRefLister reports a fixed remote head revision.
type fakeRefLister struct {
	sha string
	err error
}

func (f *fakeRefLister) RemoteHead(_ context.Context, _, _, _ string) (string, error) {
	return f.sha, f.err
}

func testAutomationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		Enabled:        true,
		BranchPrefix:   "claude-code",
		CommitterName:  "codequay-bot",
		CommitterEmail: "bot@codequay.dev",
		DefaultLabels:  []string{"automated"},
		PushRetry:      true,
		RunTimeout:     time.Minute,
	}
}

func newTestWorkflow(runner *fakeRunner, host *fakeHost, refs *fakeRefLister) *Workflow {
	w := NewWorkflow(runner, host, refs, testAutomationConfig())
	w.now = func() time.Time { return fixedNow }
	return w
}

func testInput(mode domain.AutomationMode) Input {
	return Input{
		Repo:         domain.RepoRef{Owner: "acme", Name: "widgets"},
		WorkspaceDir: "/work/repo",
		BaseBranch:   "main",
		SessionID:    "s1",
		Mode:         mode,
		Token:        "ghs_scoped_token",
		Summary:      "Add README with setup steps",
		PromptTitle:  "add README",
		RepoEligible: true,
	}
}

func TestWorkflow_CommitOnly(t *testing.T) {
	runner := newFakeRunner()
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	if run.Outcome != domain.AutomationOutcomeSuccess {
		t.Fatalf("Expected success, got %s (%s)", run.Outcome, run.Reason)
	}
	if len(host.issues) != 0 || len(host.prs) != 0 || len(host.comments) != 0 {
		t.Errorf("Expected no hosting calls in commit-only mode, got issues=%d prs=%d comments=%d",
			len(host.issues), len(host.prs), len(host.comments))
	}
	if runner.count("commit") != 1 {
		t.Errorf("Expected one commit, got %d", runner.count("commit"))
	}
	if runner.pushCount != 1 {
		t.Errorf("Expected one push, got %d", runner.pushCount)
	}
	want := "claude-code/session-s1-20260102-150405"
	if run.Branch != want {
		t.Errorf("Expected branch %q, got %q", want, run.Branch)
	}
	if run.Commit == nil || run.Commit.SHA != testHeadSHA {
		t.Errorf("Expected commit ref %s, got %+v", testHeadSHA, run.Commit)
	}
}

func TestWorkflow_FullPipeline(t *testing.T) {
	runner := newFakeRunner()
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeFull))

	if run.Outcome != domain.AutomationOutcomeSuccess {
		t.Fatalf("Expected success, got %s (%s)", run.Outcome, run.Reason)
	}
	if len(host.issues) != 1 {
		t.Fatalf("Expected one issue created, got %d", len(host.issues))
	}
	if run.Issue == nil || run.Issue.Number != 42 {
		t.Fatalf("Expected issue #42 on the run, got %+v", run.Issue)
	}
	want := "claude-code/issue-42-20260102-150405"
	if run.Branch != want {
		t.Errorf("Expected branch %q, got %q", want, run.Branch)
	}
	if run.Commit == nil || !strings.HasPrefix(run.Commit.Message, "Fix issue #42") {
		t.Errorf("Expected commit referencing issue #42, got %+v", run.Commit)
	}
	if len(host.prs) != 1 {
		t.Fatalf("Expected one pull request, got %d", len(host.prs))
	}
	if !strings.Contains(host.prs[0].Body, "Fixes #42") {
		t.Errorf("Expected PR body to contain Fixes #42, got %q", host.prs[0].Body)
	}
	if host.prs[0].Head != run.Branch || host.prs[0].Base != "main" {
		t.Errorf("Expected PR %s -> main, got %s -> %s", run.Branch, host.prs[0].Head, host.prs[0].Base)
	}
	if len(host.comments) != 1 || !strings.Contains(host.comments[0], run.PullRequest.URL) {
		t.Errorf("Expected issue comment containing PR URL %q, got %v", run.PullRequest.URL, host.comments)
	}
}

func TestWorkflow_CommentFailureIsWarningNotError(t *testing.T) {
	runner := newFakeRunner()
	host := newFakeHost()
	host.commentErr = fmt.Errorf("comment endpoint returned status 502")
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeFull))

	if run.Outcome != domain.AutomationOutcomeSuccess {
		t.Fatalf("Expected success despite comment failure, got %s (%s)", run.Outcome, run.Reason)
	}
	if len(host.prs) != 1 {
		t.Fatalf("Expected pull request before the failing comment, got %d", len(host.prs))
	}
	if run.Diagnostics.Warnings != 1 {
		t.Errorf("Expected one warning in diagnostics, got %d", run.Diagnostics.Warnings)
	}
	if summary := run.Summary(); summary.WarningCount != 1 {
		t.Errorf("Expected warning count carried into the summary, got %d", summary.WarningCount)
	}
}

func TestWorkflow_PushRetriesOnceOnNonFastForward(t *testing.T) {
	runner := newFakeRunner()
	runner.pushFailures = 1
	runner.pushStderr = "! [rejected] (non-fast-forward)"
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	if run.Outcome != domain.AutomationOutcomeSuccess {
		t.Fatalf("Expected success after retry, got %s (%s)", run.Outcome, run.Reason)
	}
	if runner.pushCount != 2 {
		t.Errorf("Expected exactly two push attempts, got %d", runner.pushCount)
	}
	if runner.count("rebase") != 1 {
		t.Errorf("Expected exactly one rebase, got %d", runner.count("rebase"))
	}
	if run.Diagnostics.PushAttempts != 2 {
		t.Errorf("Expected push attempts 2 in diagnostics, got %d", run.Diagnostics.PushAttempts)
	}
}

func TestWorkflow_PushFailsTwiceIsFatal(t *testing.T) {
	runner := newFakeRunner()
	runner.pushFailures = 2
	runner.pushStderr = "Updates were rejected because the tip of your current branch is behind"
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	if run.Outcome != domain.AutomationOutcomeError {
		t.Fatalf("Expected error, got %s", run.Outcome)
	}
	if run.Diagnostics.ErrorCode != ErrCodeGitCommandFailed {
		t.Errorf("Expected error code %s, got %s", ErrCodeGitCommandFailed, run.Diagnostics.ErrorCode)
	}
	if runner.pushCount != 2 {
		t.Errorf("Expected no third push attempt, got %d pushes", runner.pushCount)
	}
}

func TestWorkflow_OtherPushFailureNotRetried(t *testing.T) {
	runner := newFakeRunner()
	runner.pushFailures = 1
	runner.pushStderr = "fatal: authentication failed"
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	if run.Outcome != domain.AutomationOutcomeError {
		t.Fatalf("Expected error, got %s", run.Outcome)
	}
	if runner.pushCount != 1 {
		t.Errorf("Expected single push attempt for non-retryable failure, got %d", runner.pushCount)
	}
	if runner.count("rebase") != 0 {
		t.Errorf("Expected no rebase for non-retryable failure, got %d", runner.count("rebase"))
	}
}

func TestWorkflow_PushVerificationMismatch(t *testing.T) {
	runner := newFakeRunner()
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: "fff000"})

	run := w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	if run.Outcome != domain.AutomationOutcomeError {
		t.Fatalf("Expected error despite push exiting 0, got %s", run.Outcome)
	}
	if run.Diagnostics.ErrorCode != ErrCodePushVerificationFailed {
		t.Errorf("Expected error code %s, got %s", ErrCodePushVerificationFailed, run.Diagnostics.ErrorCode)
	}
}

func TestWorkflow_SkippedWhenNoChanges(t *testing.T) {
	runner := newFakeRunner()
	runner.statusOutput = ""
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	if run.Outcome != domain.AutomationOutcomeSkipped {
		t.Fatalf("Expected skipped, got %s", run.Outcome)
	}
	if runner.count("commit") != 0 || runner.pushCount != 0 {
		t.Errorf("Expected no commit or push after skip, got commit=%d push=%d",
			runner.count("commit"), runner.pushCount)
	}
}

func TestWorkflow_GateSkips(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Input, *config.AutomationConfig)
	}{
		{"disabled flag", func(in *Input, _ *config.AutomationConfig) { in.Disabled = true }},
		{"config disabled", func(_ *Input, cfg *config.AutomationConfig) { cfg.Enabled = false }},
		{"repo not eligible", func(in *Input, _ *config.AutomationConfig) { in.RepoEligible = false }},
		{"mode none", func(in *Input, _ *config.AutomationConfig) { in.Mode = domain.AutomationModeNone }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			runner := newFakeRunner()
			cfg := testAutomationConfig()
			in := testInput(domain.AutomationModeFull)
			tc.mutate(&in, &cfg)

			w := NewWorkflow(runner, newFakeHost(), &fakeRefLister{sha: testHeadSHA}, cfg)
			w.now = func() time.Time { return fixedNow }
			run := w.Run(context.Background(), in)

			if run.Outcome != domain.AutomationOutcomeSkipped {
				t.Fatalf("Expected skipped, got %s", run.Outcome)
			}
			if len(runner.calls) != 0 {
				t.Errorf("Expected no git commands before the gate, got %d", len(runner.calls))
			}
		})
	}
}

func TestWorkflow_ReusesExistingRemoteBranch(t *testing.T) {
	runner := newFakeRunner()
	runner.lsRemoteOutput = testHeadSHA + "\trefs/heads/claude-code/session-s1-20260102-150405\n"
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	run := w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	if run.Outcome != domain.AutomationOutcomeSuccess {
		t.Fatalf("Expected success, got %s (%s)", run.Outcome, run.Reason)
	}
	tracked := false
	for _, call := range runner.calls {
		if call[0] == "checkout" && len(call) >= 4 && call[2] == run.Branch && call[3] == "--track" {
			tracked = true
		}
	}
	if !tracked {
		t.Error("Expected checkout tracking the existing remote branch")
	}
	if runner.count("rebase") != 1 {
		t.Errorf("Expected rebase onto the existing remote branch, got %d", runner.count("rebase"))
	}
}

func TestWorkflow_RestoresRemoteURLAfterPush(t *testing.T) {
	runner := newFakeRunner()
	runner.pushFailures = 1
	runner.pushStderr = "fatal: could not read from remote"
	host := newFakeHost()
	w := newTestWorkflow(runner, host, &fakeRefLister{sha: testHeadSHA})

	w.Run(context.Background(), testInput(domain.AutomationModeCommitOnly))

	var setURLs []string
	for _, call := range runner.calls {
		if call[0] == "remote" && call[1] == "set-url" {
			setURLs = append(setURLs, call[3])
		}
	}
	if len(setURLs) != 2 {
		t.Fatalf("Expected credential set and restore, got %d set-url calls", len(setURLs))
	}
	if !strings.Contains(setURLs[0], "x-access-token") {
		t.Errorf("Expected credentialed push URL, got %q", setURLs[0])
	}
	if setURLs[1] != runner.remoteURL {
		t.Errorf("Expected remote restored to %q even on failure, got %q", runner.remoteURL, setURLs[1])
	}
}

func TestWorkflow_NoTokenSkipsRemoteRewrite(t *testing.T) {
	runner := newFakeRunner()
	w := newTestWorkflow(runner, newFakeHost(), &fakeRefLister{sha: testHeadSHA})
	in := testInput(domain.AutomationModeCommitOnly)
	in.Token = ""

	run := w.Run(context.Background(), in)

	if run.Outcome != domain.AutomationOutcomeSuccess {
		t.Fatalf("Expected success without a token, got %s (%s)", run.Outcome, run.Reason)
	}
	for _, call := range runner.calls {
		if call[0] == "remote" && call[1] == "set-url" {
			t.Error("Expected no remote rewrite when no token is supplied")
		}
	}
}
