package gitauto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codequay/codequay/internal/domain"
)

// GitHubClient implements HostClient against the GitHub REST v3 API.
type GitHubClient struct {
	apiBase string
	http    *http.Client
}

// NewGitHubClient creates a REST client. apiBase defaults to the public
// API when empty.
func NewGitHubClient(apiBase string) *GitHubClient {
	if apiBase == "" {
		apiBase = "https://api.github.com"
	}
	return &GitHubClient{
		apiBase: apiBase,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateIssue opens a new issue.
func (c *GitHubClient) CreateIssue(ctx context.Context, token string, repo domain.RepoRef, req IssueRequest) (*Issue, error) {
	payload := map[string]any{
		"title": req.Title,
		"body":  req.Body,
	}
	if len(req.Labels) > 0 {
		payload["labels"] = req.Labels
	}

	var issue Issue
	path := fmt.Sprintf("/repos/%s/issues", repo.FullName())
	if err := c.post(ctx, token, path, payload, &issue); err != nil {
		return nil, fmt.Errorf("create issue: %w", err)
	}
	return &issue, nil
}

// CreatePullRequest opens a pull request.
func (c *GitHubClient) CreatePullRequest(ctx context.Context, token string, repo domain.RepoRef, req PullRequestRequest) (*PullRequest, error) {
	payload := map[string]any{
		"title": req.Title,
		"body":  req.Body,
		"head":  req.Head,
		"base":  req.Base,
		"draft": req.Draft,
	}

	var pr PullRequest
	path := fmt.Sprintf("/repos/%s/pulls", repo.FullName())
	if err := c.post(ctx, token, path, payload, &pr); err != nil {
		return nil, fmt.Errorf("create pull request: %w", err)
	}
	return &pr, nil
}

// AddIssueComment posts a comment on an issue.
func (c *GitHubClient) AddIssueComment(ctx context.Context, token string, repo domain.RepoRef, issueNumber int, body string) error {
	payload := map[string]any{"body": body}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo.FullName(), issueNumber)
	if err := c.post(ctx, token, path, payload, nil); err != nil {
		return fmt.Errorf("add issue comment: %w", err)
	}
	return nil
}

func (c *GitHubClient) post(ctx context.Context, token, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call github api: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		truncated, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("github api %s returned status %d: %s", path, resp.StatusCode, string(truncated))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
