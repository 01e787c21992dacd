package gitauto

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/codequay/codequay/internal/config"
	"github.com/codequay/codequay/internal/domain"
)

// Machine-readable error codes carried in run diagnostics.
const (
	ErrCodeGitCommandFailed       = "git_command_failed"
	ErrCodePushVerificationFailed = "push_verification_failed"
	ErrCodeHostRequestFailed      = "host_request_failed"
)

// logTailSize bounds the command log carried in run diagnostics.
const logTailSize = 10

// Input describes one automation run.
type Input struct {
	Repo         domain.RepoRef
	WorkspaceDir string
	BaseBranch   string
	SessionID    string

	// IssueNumber/IssueTitle reference a pre-existing issue; in full mode
	// an issue is created when none is supplied.
	IssueNumber int
	IssueTitle  string

	Mode  domain.AutomationMode
	Token string

	Summary     string
	PromptTitle string

	// RepoEligible is the explicit repository-not-eligible gate signal.
	RepoEligible bool
	// Disabled is a per-run disable signal from the caller.
	Disabled bool
}

// Workflow performs the branch/commit/push/PR sequence. It progresses
// through WorkspacePrepared, Committed, Pushed and PullRequestOpened, with
// Skipped and Error as terminal side branches reachable from any state.
type Workflow struct {
	runner   Runner
	host     HostClient
	verifier RefLister
	cfg      config.AutomationConfig
	now      func() time.Time
}

// NewWorkflow wires an automation workflow.
func NewWorkflow(runner Runner, host HostClient, verifier RefLister, cfg config.AutomationConfig) *Workflow {
	return &Workflow{
		runner:   runner,
		host:     host,
		verifier: verifier,
		cfg:      cfg,
		now:      time.Now,
	}
}

// runState is the mutable per-run context threaded through the steps.
type runState struct {
	w       *Workflow
	in      Input
	run     *domain.AutomationRun
	started time.Time
	logTail []string
}

// Run executes the automation pipeline for one completed session. It never
// panics or returns a bare error: every path yields a result record with a
// terminal outcome.
func (w *Workflow) Run(ctx context.Context, in Input) *domain.AutomationRun {
	st := &runState{
		w:       w,
		in:      in,
		started: w.now(),
		run: &domain.AutomationRun{
			Repo:       in.Repo,
			BaseBranch: in.BaseBranch,
		},
	}
	if in.IssueNumber > 0 {
		st.run.Issue = &domain.IssueRef{Number: in.IssueNumber, Title: in.IssueTitle}
	}

	// Intent gate: explicit signals only, computed before any git command.
	if reason, skip := st.gate(); skip {
		return st.skipped(reason)
	}

	// Full mode guarantees an issue before the branch is named, so the
	// branch can reference it.
	if in.Mode == domain.AutomationModeFull && st.run.Issue == nil {
		if run := st.ensureIssue(ctx); run != nil {
			return run
		}
	}

	if run := st.prepareWorkspace(ctx); run != nil {
		return run
	}
	if run := st.commit(ctx); run != nil {
		return run
	}
	if run := st.push(ctx); run != nil {
		return run
	}
	if in.Mode == domain.AutomationModeFull {
		if run := st.openPullRequest(ctx); run != nil {
			return run
		}
	}

	return st.done()
}

func (st *runState) gate() (string, bool) {
	switch {
	case st.in.Disabled || !st.w.cfg.Enabled:
		return "automation disabled", true
	case !st.in.RepoEligible:
		return "repository not eligible for automation", true
	case st.in.Mode == domain.AutomationModeNone:
		return "agent requested no automation", true
	}
	return "", false
}

func (st *runState) ensureIssue(ctx context.Context) *domain.AutomationRun {
	title := firstSentence(st.in.Summary)
	if title == "" {
		title = strings.TrimSpace(st.in.PromptTitle)
	}
	if title == "" {
		title = "Automated change for session " + sanitizeSessionID(st.in.SessionID)
	}

	body := st.in.Summary
	if body == "" {
		body = "Opened automatically for an agent session."
	}

	issue, err := st.w.host.CreateIssue(ctx, st.in.Token, st.in.Repo, IssueRequest{
		Title:  title,
		Body:   body,
		Labels: st.w.cfg.DefaultLabels,
	})
	if err != nil {
		return st.errored(ErrCodeHostRequestFailed, fmt.Sprintf("create issue: %v", err))
	}

	st.run.Issue = &domain.IssueRef{Number: issue.Number, Title: issue.Title, URL: issue.URL}
	st.log("created issue #%d", issue.Number)
	return nil
}

func (st *runState) prepareWorkspace(ctx context.Context) *domain.AutomationRun {
	base := st.in.BaseBranch

	if _, err := st.git(ctx, "fetch", "origin", base); err != nil {
		return st.gitFailure(err)
	}
	if _, err := st.git(ctx, "checkout", base); err != nil {
		return st.gitFailure(err)
	}
	if _, err := st.git(ctx, "merge", "--ff-only", "origin/"+base); err != nil {
		return st.gitFailure(err)
	}

	issueNumber := 0
	if st.run.Issue != nil {
		issueNumber = st.run.Issue.Number
	}
	branch := BranchName(st.w.cfg.BranchPrefix, issueNumber, st.in.SessionID, st.w.now())
	st.run.Branch = branch

	// Reuse an existing remote branch: repeated runs for the same
	// session/issue rebase onto it instead of erroring, keeping linear
	// history for commit-only pipelines.
	lsRemote, err := st.git(ctx, "ls-remote", "--heads", "origin", branch)
	if err != nil {
		return st.gitFailure(err)
	}
	if strings.TrimSpace(lsRemote.Stdout) != "" {
		if _, err := st.git(ctx, "checkout", "-b", branch, "--track", "origin/"+branch); err != nil {
			return st.gitFailure(err)
		}
		if _, err := st.git(ctx, "rebase", "origin/"+branch); err != nil {
			return st.gitFailure(err)
		}
	} else {
		if _, err := st.git(ctx, "checkout", "-b", branch); err != nil {
			return st.gitFailure(err)
		}
	}

	status, err := st.git(ctx, "status", "--porcelain")
	if err != nil {
		return st.gitFailure(err)
	}
	if strings.TrimSpace(status.Stdout) == "" && !st.w.cfg.AllowEmpty {
		return st.skipped("no uncommitted changes in workspace")
	}

	st.log("workspace prepared on %s", branch)
	return nil
}

func (st *runState) commit(ctx context.Context) *domain.AutomationRun {
	if _, err := st.git(ctx, "config", "user.name", st.w.cfg.CommitterName); err != nil {
		return st.gitFailure(err)
	}
	if _, err := st.git(ctx, "config", "user.email", st.w.cfg.CommitterEmail); err != nil {
		return st.gitFailure(err)
	}
	if _, err := st.git(ctx, "add", "-A"); err != nil {
		return st.gitFailure(err)
	}

	// Re-check after staging: an add of ignored or unchanged paths must
	// not produce a no-op commit.
	staged, err := st.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return st.gitFailure(err)
	}
	changedFiles := splitLines(staged.Stdout)
	if len(changedFiles) == 0 && !st.w.cfg.AllowEmpty {
		return st.skipped("nothing staged after add")
	}

	title := st.in.PromptTitle
	if st.run.Issue != nil && st.run.Issue.Title != "" {
		title = st.run.Issue.Title
	}
	issueNumber := 0
	if st.run.Issue != nil {
		issueNumber = st.run.Issue.Number
	}
	message := CommitMessage(issueNumber, title)

	commitArgs := []string{"commit", "-m", message}
	if st.w.cfg.AllowEmpty {
		commitArgs = append(commitArgs, "--allow-empty")
	}
	if _, err := st.git(ctx, commitArgs...); err != nil {
		return st.gitFailure(err)
	}

	head, err := st.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return st.gitFailure(err)
	}

	st.run.Commit = &domain.CommitRef{
		SHA:          strings.TrimSpace(head.Stdout),
		Message:      message,
		ChangedFiles: changedFiles,
	}
	st.log("committed %s (%d files)", st.run.Commit.SHA, len(changedFiles))
	return nil
}

func (st *runState) push(ctx context.Context) *domain.AutomationRun {
	remoteURLRes, err := st.git(ctx, "remote", "get-url", "origin")
	if err != nil {
		return st.gitFailure(err)
	}
	remoteURL := strings.TrimSpace(remoteURLRes.Stdout)

	// The credential lives only in the push URL for the duration of the
	// push; the prior URL is restored on every path, including failure.
	if st.in.Token != "" {
		authed, err := authenticatedURL(remoteURL, st.in.Token)
		if err != nil {
			return st.errored(ErrCodeGitCommandFailed, fmt.Sprintf("build push url: %v", err))
		}
		// Issued outside the logged path so the credential never lands in
		// the diagnostics log tail.
		setURL, err := st.w.runner.Run(ctx, st.in.WorkspaceDir, "remote", "set-url", "origin", authed)
		if err != nil {
			return st.gitFailure(fmt.Errorf("set push remote: %w", err))
		}
		if setURL.ExitCode != 0 {
			return st.gitFailure(&GitCommandError{
				Args:     []string{"remote", "set-url", "origin", "<redacted>"},
				ExitCode: setURL.ExitCode,
				Stderr:   setURL.Stderr,
			})
		}
		st.log("git remote set-url origin <redacted>")
		defer func() {
			restoreCtx := context.WithoutCancel(ctx)
			if _, err := st.w.runner.Run(restoreCtx, st.in.WorkspaceDir, "remote", "set-url", "origin", remoteURL); err != nil {
				st.run.Diagnostics.Warnings++
				slog.Warn("Failed to restore remote url after push", "error", err)
			}
		}()
	}

	branch := st.run.Branch

	st.run.Diagnostics.PushAttempts = 1
	_, pushErr := st.git(ctx, "push", "-u", "origin", branch)
	if pushErr != nil {
		gitErr, ok := pushErr.(*GitCommandError)
		if !ok || !st.w.cfg.PushRetry || !isNonFastForward(gitErr.Stderr) {
			return st.gitFailure(pushErr)
		}

		// Exactly one remediation: rebase onto the remote branch and push
		// again. A second failure is fatal.
		st.log("push rejected non-fast-forward, rebasing and retrying once")
		if _, err := st.git(ctx, "fetch", "origin", branch); err != nil {
			return st.gitFailure(err)
		}
		if _, err := st.git(ctx, "rebase", "origin/"+branch); err != nil {
			return st.gitFailure(err)
		}
		st.run.Diagnostics.PushAttempts = 2
		if _, err := st.git(ctx, "push", "-u", "origin", branch); err != nil {
			return st.gitFailure(err)
		}
	}

	// A reported-successful push is not trusted until the remote lists
	// the ref at the local head revision.
	head, err := st.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return st.gitFailure(err)
	}
	localSHA := strings.TrimSpace(head.Stdout)

	remoteSHA, err := st.w.verifier.RemoteHead(ctx, remoteURL, branch, st.in.Token)
	if err != nil {
		return st.errored(ErrCodePushVerificationFailed, fmt.Sprintf("verify push: %v", err))
	}
	if remoteSHA != localSHA {
		return st.errored(ErrCodePushVerificationFailed,
			fmt.Sprintf("remote %s reports %s, local head is %s", branch, remoteSHA, localSHA))
	}

	st.log("pushed %s (verified %s)", branch, localSHA)
	return nil
}

func (st *runState) openPullRequest(ctx context.Context) *domain.AutomationRun {
	title := firstSentence(st.in.Summary)
	if title == "" {
		title = strings.TrimSpace(st.in.PromptTitle)
	}
	if title == "" && st.run.Issue != nil {
		title = fmt.Sprintf("Fix issue #%d", st.run.Issue.Number)
	}

	body := st.in.Summary
	if st.run.Issue != nil {
		body = strings.TrimSpace(body + fmt.Sprintf("\n\nFixes #%d", st.run.Issue.Number))
	}

	pr, err := st.w.host.CreatePullRequest(ctx, st.in.Token, st.in.Repo, PullRequestRequest{
		Title: title,
		Body:  body,
		Head:  st.run.Branch,
		Base:  st.in.BaseBranch,
		Draft: st.w.cfg.DraftPRs,
	})
	if err != nil {
		return st.errored(ErrCodeHostRequestFailed, fmt.Sprintf("create pull request: %v", err))
	}
	st.run.PullRequest = &domain.PullRequestRef{Number: pr.Number, URL: pr.URL, Draft: pr.Draft}
	st.log("opened pull request #%d", pr.Number)

	if st.run.Issue != nil {
		comment := fmt.Sprintf("Automation opened pull request %s for this issue.", pr.URL)
		if err := st.w.host.AddIssueComment(ctx, st.in.Token, st.in.Repo, st.run.Issue.Number, comment); err != nil {
			// The PR exists; a missing comment is not worth failing the run.
			st.run.Diagnostics.Warnings++
			slog.Warn("Failed to comment on issue",
				"error", err, "issue", st.run.Issue.Number, "repo", st.in.Repo.FullName())
			st.log("issue comment failed: %v", err)
		}
	}
	return nil
}

// git runs one version-control command, recording it in the log tail and
// converting a non-zero exit into a GitCommandError.
func (st *runState) git(ctx context.Context, args ...string) (Result, error) {
	result, err := st.w.runner.Run(ctx, st.in.WorkspaceDir, args...)
	if err != nil {
		return result, fmt.Errorf("run git %s: %w", strings.Join(args, " "), err)
	}
	if result.ExitCode != 0 {
		st.log("git %s exited %d", strings.Join(args, " "), result.ExitCode)
		return result, &GitCommandError{Args: args, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	st.log("git %s", strings.Join(args, " "))
	return result, nil
}

func (st *runState) log(format string, args ...any) {
	st.logTail = append(st.logTail, fmt.Sprintf(format, args...))
	if len(st.logTail) > logTailSize {
		st.logTail = st.logTail[len(st.logTail)-logTailSize:]
	}
}

func (st *runState) finish(outcome domain.AutomationOutcome, reason, errorCode string) *domain.AutomationRun {
	st.run.Outcome = outcome
	st.run.Reason = reason
	st.run.Diagnostics.Duration = st.w.now().Sub(st.started)
	st.run.Diagnostics.LastLogLines = st.logTail
	st.run.Diagnostics.ErrorCode = errorCode
	return st.run
}

func (st *runState) done() *domain.AutomationRun {
	slog.Info("Automation run complete",
		"repo", st.in.Repo.FullName(),
		"branch", st.run.Branch,
		"session_id", st.in.SessionID,
		"mode", st.in.Mode)
	return st.finish(domain.AutomationOutcomeSuccess, "", "")
}

func (st *runState) skipped(reason string) *domain.AutomationRun {
	slog.Info("Automation run skipped",
		"repo", st.in.Repo.FullName(),
		"session_id", st.in.SessionID,
		"reason", reason)
	return st.finish(domain.AutomationOutcomeSkipped, reason, "")
}

func (st *runState) errored(code, reason string) *domain.AutomationRun {
	slog.Error("Automation run failed",
		"repo", st.in.Repo.FullName(),
		"session_id", st.in.SessionID,
		"code", code,
		"reason", reason)
	return st.finish(domain.AutomationOutcomeError, reason, code)
}

func (st *runState) gitFailure(err error) *domain.AutomationRun {
	return st.errored(ErrCodeGitCommandFailed, err.Error())
}

// authenticatedURL embeds the scoped token as userinfo in an http(s)
// remote URL.
func authenticatedURL(remoteURL, token string) (string, error) {
	u, err := url.Parse(remoteURL)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("cannot embed credential in %q remote", u.Scheme)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// firstSentence extracts a short summary sentence for PR and issue titles.
func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if idx := strings.IndexAny(s, "\n"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, ". "); idx >= 0 {
		s = s[:idx+1]
	}
	s = strings.TrimSpace(s)
	if len(s) > 72 {
		s = strings.TrimSpace(s[:72])
	}
	return s
}
