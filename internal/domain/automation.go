package domain

import "time"

// AutomationMode gates how much of the git finalization pipeline runs.
type AutomationMode string

const (
	// AutomationModeNone skips the workflow entirely.
	AutomationModeNone AutomationMode = "none"
	// AutomationModeSkip is an agent-supplied alias for none.
	AutomationModeSkip AutomationMode = "skip"
	// AutomationModeCommitOnly runs through push but opens no issue or PR.
	AutomationModeCommitOnly AutomationMode = "commit-only"
	// AutomationModeFull runs the complete pipeline including issue and PR.
	AutomationModeFull AutomationMode = "full"
)

// ParseAutomationMode maps an agent-supplied mode string to a mode,
// defaulting to the full pipeline for unrecognized values.
func ParseAutomationMode(s string) AutomationMode {
	switch AutomationMode(s) {
	case AutomationModeNone, AutomationModeSkip:
		return AutomationModeNone
	case AutomationModeCommitOnly:
		return AutomationModeCommitOnly
	default:
		return AutomationModeFull
	}
}

// AutomationOutcome is the terminal state of one automation run.
type AutomationOutcome string

const (
	AutomationOutcomeSuccess AutomationOutcome = "success"
	AutomationOutcomeSkipped AutomationOutcome = "skipped"
	AutomationOutcomeError   AutomationOutcome = "error"
)

// RepoRef names a repository on the hosting provider.
type RepoRef struct {
	Owner string `json:"owner"`
	Name  string `json:"name"`
}

// FullName returns "owner/name".
func (r RepoRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// IssueRef references an issue on the hosting provider.
type IssueRef struct {
	Number int    `json:"number"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
}

// CommitRef references the commit produced by an automation run.
type CommitRef struct {
	SHA          string   `json:"sha"`
	Message      string   `json:"message"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// PullRequestRef references the pull request opened by an automation run.
type PullRequestRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
	Draft  bool   `json:"draft,omitempty"`
}

// AutomationDiagnostics carries machine-readable context about a run.
type AutomationDiagnostics struct {
	Duration     time.Duration `json:"duration"`
	PushAttempts int           `json:"push_attempts"`
	// Warnings counts non-fatal faults absorbed during the run, such as a
	// failed issue comment after a successful PR.
	Warnings     int      `json:"warnings,omitempty"`
	LastLogLines []string `json:"last_log_lines,omitempty"`
	ErrorCode    string   `json:"error_code,omitempty"`
}

// AutomationRun is the ephemeral result record of one git automation run.
// It is returned to the dispatcher and summarized into the audit trail;
// it is not persisted beyond that.
type AutomationRun struct {
	Repo        RepoRef               `json:"repo"`
	BaseBranch  string                `json:"base_branch"`
	Branch      string                `json:"branch,omitempty"`
	Issue       *IssueRef             `json:"issue,omitempty"`
	Commit      *CommitRef            `json:"commit,omitempty"`
	PullRequest *PullRequestRef       `json:"pull_request,omitempty"`
	Outcome     AutomationOutcome     `json:"outcome"`
	Reason      string                `json:"reason,omitempty"`
	Diagnostics AutomationDiagnostics `json:"diagnostics"`
}

// Summary reduces the run to its sanitized audit form.
func (r *AutomationRun) Summary() *AutomationSummary {
	s := &AutomationSummary{
		Status:       string(r.Outcome),
		Branch:       r.Branch,
		ErrorCode:    r.Diagnostics.ErrorCode,
		WarningCount: r.Diagnostics.Warnings,
	}
	if r.Issue != nil {
		s.IssueNumber = r.Issue.Number
	}
	if r.PullRequest != nil {
		s.PullRequest = r.PullRequest.Number
	}
	if r.Commit != nil {
		s.CommitMessage = TruncateCommitMessage(r.Commit.Message)
	}
	return s
}
