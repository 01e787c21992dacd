package gitauto

import (
	"context"

	"github.com/codequay/codequay/internal/domain"
)

// Issue is a created or referenced issue on the hosting provider.
type Issue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	URL    string `json:"html_url"`
}

// PullRequest is a created pull request on the hosting provider.
type PullRequest struct {
	Number int    `json:"number"`
	URL    string `json:"html_url"`
	Draft  bool   `json:"draft"`
}

// IssueRequest is the payload for creating an issue.
type IssueRequest struct {
	Title  string
	Body   string
	Labels []string
}

// PullRequestRequest is the payload for opening a pull request.
type PullRequestRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// HostClient is the issue/PR hosting collaborator. The scoped token is
// passed per call because it is minted per installation and short-lived.
type HostClient interface {
	CreateIssue(ctx context.Context, token string, repo domain.RepoRef, req IssueRequest) (*Issue, error)
	CreatePullRequest(ctx context.Context, token string, repo domain.RepoRef, req PullRequestRequest) (*PullRequest, error)
	AddIssueComment(ctx context.Context, token string, repo domain.RepoRef, issueNumber int, body string) error
}
