package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/codequay/codequay/internal/domain"
)

const (
	executePath = "/v1/execute"
	healthPath  = "/v1/health"

	// maxErrorBodyBytes bounds the backend error body carried in a
	// RequestError.
	maxErrorBodyBytes = 2048
)

// executeAgentRequest posts the request to the instance endpoint and parses
// the result envelope. Both adapter kinds expose the same agent HTTP
// surface, so the wire handling lives here.
func executeAgentRequest(ctx context.Context, client *http.Client, handle *domain.BackendHandle, req *AgentRequest) (*AgentResult, error) {
	resp, err := postAgentRequest(ctx, client, handle, req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var result AgentResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode agent result: %w", err)
	}
	return &result, nil
}

// openAgentStream posts the request and hands back the raw body stream.
// The caller owns the stream and must close it.
func openAgentStream(ctx context.Context, client *http.Client, handle *domain.BackendHandle, req *AgentRequest) (io.ReadCloser, error) {
	resp, err := postAgentRequest(ctx, client, handle, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func postAgentRequest(ctx context.Context, client *http.Client, handle *domain.BackendHandle, req *AgentRequest) (*http.Response, error) {
	if handle == nil || handle.Endpoint == "" {
		return nil, ErrNoEndpoint
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, handle.Endpoint+executePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call backend %s: %w", handle.ID, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		truncated, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		_ = resp.Body.Close()
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(truncated)}
	}
	return resp, nil
}

// pingAgent checks the instance's agent health endpoint.
func pingAgent(ctx context.Context, client *http.Client, endpoint string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+healthPath, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent health ping: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent health returned status %d", resp.StatusCode)
	}
	return nil
}
