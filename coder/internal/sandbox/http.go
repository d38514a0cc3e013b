package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type HTTPRunnerConfig struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Retries    int
	HTTPClient *http.Client
}

// HTTPRunner delegates execution to a remote sandbox worker:
//
//	POST <base><path> {"source": "..."} -> {"output": "...", "error": "..."}
//
// Transport failures and 5xx responses are retried; a reported program error
// is returned immediately.
type HTTPRunner struct {
	baseURL string
	path    string
	client  *http.Client
	timeout time.Duration
	retries int
}

var errProgram = errors.New("program error")

func NewHTTPRunner(cfg HTTPRunnerConfig) (*HTTPRunner, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("sandbox base url required")
	}
	path := cfg.Path
	if path == "" {
		path = "/run"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HTTPRunner{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		path:    path,
		client:  client,
		timeout: timeout,
		retries: retries,
	}, nil
}

type runResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func (c *HTTPRunner) Run(ctx context.Context, source string) (string, error) {
	body, err := json.Marshal(map[string]string{"source": source})
	if err != nil {
		return "", fmt.Errorf("sandbox marshal request: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
		if err != nil {
			cancel()
			return "", fmt.Errorf("sandbox build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.client.Do(httpReq)
		if err != nil {
			cancel()
			lastErr = err
		} else {
			out, parseErr := decodeRun(resp)
			resp.Body.Close()
			cancel()
			if parseErr == nil {
				return out, nil
			}
			if errors.Is(parseErr, errProgram) {
				return out, errors.New(strings.TrimPrefix(parseErr.Error(), errProgram.Error()+": "))
			}
			lastErr = parseErr
		}
		if i < attempts-1 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return "", fmt.Errorf("sandbox run failed: %w", lastErr)
}

func decodeRun(resp *http.Response) (string, error) {
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("sandbox unavailable: %s", resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sandbox rejected request: %s", resp.Status)
	}
	var rr runResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("sandbox decode response: %w", err)
	}
	if rr.Error != "" {
		return rr.Output, fmt.Errorf("%w: %s", errProgram, rr.Error)
	}
	return rr.Output, nil
}
