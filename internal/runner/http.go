package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPRunner forwards executions to the agent runtime over JSON/HTTP.
// The runtime may hold the request open for multi-step work; the dispatch
// context is the only timeout applied here.
type HTTPRunner struct {
	endpoint string
	client   *http.Client
}

func NewHTTP(endpoint string) (*HTTPRunner, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("runner: endpoint is required")
	}
	return &HTTPRunner{
		endpoint: endpoint,
		// No client timeout: per-dispatch contexts cancel long runs.
		client: &http.Client{},
	}, nil
}

type httpResult struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func (r *HTTPRunner) Run(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("runner: encode request: %w", err)
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(hreq)
	if err != nil {
		return Result{}, fmt.Errorf("runner: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("runner: read response: %w", err)
	}

	var hr httpResult
	if err := json.Unmarshal(data, &hr); err != nil {
		if resp.StatusCode >= 400 {
			return Result{}, fmt.Errorf("runner: status %d", resp.StatusCode)
		}
		return Result{}, fmt.Errorf("runner: decode response: %w", err)
	}
	if resp.StatusCode >= 400 || hr.Error != "" {
		msg := hr.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return Result{}, fmt.Errorf("runner: %s", msg)
	}
	return Result{Output: hr.Output}, nil
}
