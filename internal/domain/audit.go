package domain

import (
	"time"
	"unicode/utf8"
)

// MaxAuditCommitMessageLen bounds the commit message carried in an audit
// record. Anything longer is truncated before persistence.
const MaxAuditCommitMessageLen = 160

// TokenUsage is the token accounting reported by the agent for one prompt.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AutomationSummary is the sanitized view of a git automation outcome that
// is safe to persist: status, refs, and counts only. Raw logs, credentials
// and full diagnostics never appear here.
type AutomationSummary struct {
	Status        string `json:"status"`
	Branch        string `json:"branch,omitempty"`
	IssueNumber   int    `json:"issue_number,omitempty"`
	PullRequest   int    `json:"pull_request,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	WarningCount  int    `json:"warning_count,omitempty"`
}

// PromptAuditRecord is one append-only per-session audit entry written
// after a successful prompt round. Writing it is best-effort and must not
// block the caller's response path.
type PromptAuditRecord struct {
	ID         int64              `json:"id,omitempty"`
	SessionID  string             `json:"session_id"`
	Timestamp  time.Time          `json:"ts"`
	StopReason string             `json:"stop_reason,omitempty"`
	Usage      TokenUsage         `json:"usage"`
	Automation *AutomationSummary `json:"automation,omitempty"`
}

// TruncateCommitMessage bounds a commit message for audit persistence. The
// cut never splits a multi-byte rune, so the stored message stays valid
// UTF-8.
func TruncateCommitMessage(msg string) string {
	if len(msg) <= MaxAuditCommitMessageLen {
		return msg
	}
	cut := MaxAuditCommitMessageLen
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
