package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"loom/internal/errors"
	"loom/internal/store"
)

const defaultInvokeTimeout = 120 * time.Second

// HTTPInvoker posts the request as JSON to the agent's configured endpoint.
// The endpoint is resolved through the directory store per agent ID.
type HTTPInvoker struct {
	directory  store.DirectoryStore
	httpClient *http.Client
}

// NewHTTPInvoker constructs an invoker resolving endpoints via the
// directory.
func NewHTTPInvoker(directory store.DirectoryStore) *HTTPInvoker {
	return &HTTPInvoker{
		directory: directory,
		httpClient: &http.Client{
			Timeout: defaultInvokeTimeout,
		},
	}
}

// SetHTTPClient overrides the HTTP client; used by tests.
func (c *HTTPInvoker) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// Invoke performs one request/response exchange with the agent.
func (c *HTTPInvoker) Invoke(ctx context.Context, agentID string, req Request) (Response, error) {
	const op = "agent.HTTPInvoker.Invoke"

	ag, err := c.directory.GetAgent(ctx, agentID)
	if err != nil {
		return Response{}, err
	}
	if ag.Endpoint == "" {
		return Response{}, fmt.Errorf("%w: agent %s has no endpoint", ErrNonRetryable, agentID)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, errors.Fatal(op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, ag.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, errors.Fatal(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, errors.Transient(op, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return Response{}, errors.Transient(op, err)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		return Response{}, errors.Transient(op, fmt.Errorf("agent %s returned %d: %s", agentID, httpResp.StatusCode, truncate(respBody, 256)))
	default:
		// 4xx other than 429 will not succeed on retry.
		return Response{}, fmt.Errorf("%w: agent %s returned %d: %s", ErrNonRetryable, agentID, httpResp.StatusCode, truncate(respBody, 256))
	}

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Response{}, fmt.Errorf("%w: agent %s returned malformed response: %v", ErrNonRetryable, agentID, err)
	}
	if resp.OutputData == nil {
		resp.OutputData = map[string]any{}
	}
	return resp, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
