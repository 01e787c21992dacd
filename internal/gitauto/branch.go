package gitauto

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// maxBranchNameLen bounds generated branch names; refs beyond this are
// awkward in hosting UIs and some tooling.
const maxBranchNameLen = 80

var nonAlphanumeric = regexp.MustCompile(`[^a-z0-9]+`)

// BranchName derives a deterministic working branch name. With an issue it
// is "prefix/issue-{n}-{utcTimestamp}"; otherwise
// "prefix/session-{sanitizedSessionID}-{utcTimestamp}". The result is
// always lower-cased and bounded in length.
func BranchName(prefix string, issueNumber int, sessionID string, now time.Time) string {
	stamp := now.UTC().Format("20060102-150405")

	var name string
	if issueNumber > 0 {
		name = fmt.Sprintf("%s/issue-%d-%s", prefix, issueNumber, stamp)
	} else {
		name = fmt.Sprintf("%s/session-%s-%s", prefix, sanitizeSessionID(sessionID), stamp)
	}

	name = strings.ToLower(name)
	if len(name) > maxBranchNameLen {
		name = strings.TrimRight(name[:maxBranchNameLen], "-/")
	}
	return name
}

// sanitizeSessionID collapses runs of non-alphanumeric characters to
// single hyphens so session ids are safe inside a ref name.
func sanitizeSessionID(sessionID string) string {
	s := nonAlphanumeric.ReplaceAllString(strings.ToLower(sessionID), "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "unknown"
	}
	if len(s) > 32 {
		s = strings.TrimRight(s[:32], "-")
	}
	return s
}

// CommitMessage builds the automation commit message: "Fix issue #N[: title]"
// when an issue exists, otherwise "Apply automation: title".
func CommitMessage(issueNumber int, title string) string {
	title = strings.TrimSpace(title)
	if issueNumber > 0 {
		if title != "" {
			return fmt.Sprintf("Fix issue #%d: %s", issueNumber, title)
		}
		return fmt.Sprintf("Fix issue #%d", issueNumber)
	}
	if title == "" {
		title = "agent session changes"
	}
	return "Apply automation: " + title
}
