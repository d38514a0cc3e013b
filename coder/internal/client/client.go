// Package client talks to the coder service HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ILLUVRSE/antigravity/coder/internal/audit"
	"github.com/ILLUVRSE/antigravity/coder/internal/models"
	"github.com/ILLUVRSE/antigravity/coder/internal/service"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimSuffix(baseURL, "/"), http: httpClient}, nil
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("coder api %d: %s", e.Status, e.Message)
}

type Version struct {
	ArtifactID string      `json:"artifactId"`
	VersionID  int64       `json:"versionId"`
	Label      string      `json:"label"`
	Role       models.Role `json:"role"`
	Checksum   string      `json:"checksum"`
	Source     string      `json:"source,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

type State struct {
	ArtifactID     string    `json:"artifactId"`
	StableID       int64     `json:"stableId"`
	StableLabel    string    `json:"stableLabel"`
	CandidateID    *int64    `json:"candidateId"`
	CandidateLabel string    `json:"candidateLabel,omitempty"`
	PhasePercent   int       `json:"phasePercent"`
	Versions       int       `json:"versions"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

func artifactPath(artifactID string, parts ...string) string {
	p := "/coder/artifacts/" + url.PathEscape(artifactID)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

func (c *Client) Deploy(ctx context.Context, artifactID, source string) (Version, error) {
	var out Version
	err := c.do(ctx, http.MethodPost, artifactPath(artifactID, "deploy"), map[string]string{"source": source}, &out)
	return out, err
}

func (c *Client) SetPhase(ctx context.Context, artifactID string, percent int) (State, error) {
	var out State
	err := c.do(ctx, http.MethodPost, artifactPath(artifactID, "phase"), map[string]int{"percent": percent}, &out)
	return out, err
}

func (c *Client) Rollback(ctx context.Context, artifactID string, versionID int64) (State, error) {
	var out State
	err := c.do(ctx, http.MethodPost, artifactPath(artifactID, "rollback"), map[string]int64{"versionId": versionID}, &out)
	return out, err
}

func (c *Client) Execute(ctx context.Context, artifactID string) (service.Execution, error) {
	var out service.Execution
	err := c.do(ctx, http.MethodPost, artifactPath(artifactID, "execute"), nil, &out)
	return out, err
}

func (c *Client) State(ctx context.Context, artifactID string) (State, error) {
	var out State
	err := c.do(ctx, http.MethodGet, artifactPath(artifactID), nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, artifactID string) ([]models.HistoryEntry, error) {
	var out struct {
		History []models.HistoryEntry `json:"history"`
	}
	err := c.do(ctx, http.MethodGet, artifactPath(artifactID, "history"), nil, &out)
	return out.History, err
}

func (c *Client) Version(ctx context.Context, artifactID string, versionID int64) (Version, error) {
	var out Version
	err := c.do(ctx, http.MethodGet, artifactPath(artifactID, "versions", strconv.FormatInt(versionID, 10)), nil, &out)
	return out, err
}

func (c *Client) Events(ctx context.Context, artifactID string) ([]audit.Event, error) {
	var out struct {
		Events []audit.Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, artifactPath(artifactID, "events"), nil, &out)
	return out.Events, err
}

func (c *Client) Artifacts(ctx context.Context) ([]string, error) {
	var out struct {
		Artifacts []string `json:"artifacts"`
	}
	err := c.do(ctx, http.MethodGet, "/coder/artifacts", nil, &out)
	return out.Artifacts, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
