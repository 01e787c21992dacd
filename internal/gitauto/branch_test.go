package gitauto

import (
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func TestBranchName_WithIssue(t *testing.T) {
	got := BranchName("claude-code", 42, "ignored", fixedNow)
	want := "claude-code/issue-42-20260102-150405"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestBranchName_WithSessionID(t *testing.T) {
	got := BranchName("claude-code", 0, "Sess_01!@#foo", fixedNow)
	want := "claude-code/session-sess-01-foo-20260102-150405"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestBranchName_Deterministic(t *testing.T) {
	a := BranchName("claude-code", 0, "s1", fixedNow)
	b := BranchName("claude-code", 0, "s1", fixedNow)
	if a != b {
		t.Errorf("Expected identical names, got %q and %q", a, b)
	}
}

func TestBranchName_AlwaysLowercase(t *testing.T) {
	got := BranchName("Claude-Code", 0, "UPPER-CASE-ID", fixedNow)
	if got != strings.ToLower(got) {
		t.Errorf("Expected lower-cased name, got %q", got)
	}
}

func TestBranchName_Bounded(t *testing.T) {
	longID := strings.Repeat("x", 200)
	got := BranchName("claude-code", 0, longID, fixedNow)
	if len(got) > 80 {
		t.Errorf("Expected name bounded to 80 chars, got %d: %q", len(got), got)
	}
	if strings.HasSuffix(got, "-") || strings.HasSuffix(got, "/") {
		t.Errorf("Expected trimmed name, got %q", got)
	}
}

func TestSanitizeSessionID_Empty(t *testing.T) {
	if got := sanitizeSessionID("!!!"); got != "unknown" {
		t.Errorf("Expected fallback id, got %q", got)
	}
}

func TestCommitMessage(t *testing.T) {
	cases := []struct {
		issueNumber int
		title       string
		want        string
	}{
		{42, "Add README", "Fix issue #42: Add README"},
		{42, "", "Fix issue #42"},
		{0, "Add README", "Apply automation: Add README"},
		{0, "", "Apply automation: agent session changes"},
	}
	for _, tc := range cases {
		if got := CommitMessage(tc.issueNumber, tc.title); got != tc.want {
			t.Errorf("CommitMessage(%d, %q): expected %q, got %q",
				tc.issueNumber, tc.title, tc.want, got)
		}
	}
}

func TestIsNonFastForward(t *testing.T) {
	rejections := []string{
		"! [rejected] main -> main (non-fast-forward)",
		"Updates were rejected because the tip of your current branch is behind",
		"hint: 'git pull ...' before pushing again. fetch first",
	}
	for _, stderr := range rejections {
		if !isNonFastForward(stderr) {
			t.Errorf("Expected %q to be classified as non-fast-forward", stderr)
		}
	}
	if isNonFastForward("fatal: authentication failed") {
		t.Error("Expected auth failure not to be classified as non-fast-forward")
	}
}
