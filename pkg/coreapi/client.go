// Package coreapi is the HTTP client for the companion Core service, which
// owns auth, provider configs, and all durable storage. Every call is
// short-lived and best-effort: the engine logs failures and keeps going,
// because a turn must not die on a persistence hiccup.
package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/llm"
)

// requestTimeout bounds every Core call. Core is colocated; anything slower
// than this is treated as down.
const requestTimeout = 10 * time.Second

// internalKeyHeader authenticates this service to Core alongside the user's
// bearer token.
const internalKeyHeader = "X-Internal-Key"

// Client provides typed access to Core endpoints over a shared connection
// pool.
type Client struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

// NewClient creates a Core client. baseURL has no trailing slash after
// construction.
func NewClient(baseURL, internalKey string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		httpClient:  &http.Client{Timeout: requestTimeout},
	}
}

// NewClientWithHTTP creates a Client over a caller-supplied http.Client.
// Used by tests against httptest servers.
func NewClientWithHTTP(baseURL, internalKey string, httpClient *http.Client) *Client {
	c := NewClient(baseURL, internalKey)
	c.httpClient = httpClient
	return c
}

// User is the identity returned by /auth/me.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// HistoryRequest creates or updates a turn's history row.
type HistoryRequest struct {
	ProjectID string `json:"project_id"`
	TaskID    string `json:"task_id"`
	Question  string `json:"question,omitempty"`
	Answer    string `json:"answer,omitempty"`
	Status    string `json:"status,omitempty"` // PROCESSING, DONE, CANCELLED, ERROR
	Tokens    int    `json:"tokens,omitempty"`
}

// History statuses.
const (
	HistoryProcessing = "PROCESSING"
	HistoryDone       = "DONE"
	HistoryCancelled  = "CANCELLED"
	HistoryError      = "ERROR"
)

// Note is a memory note scoped to a project or the user globally.
type Note struct {
	ID        string `json:"id,omitempty"`
	ProjectID string `json:"project_id,omitempty"` // empty = global
	Content   string `json:"content"`
}

// Me validates a bearer token and returns the user it belongs to.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	var user User
	if err := c.get(ctx, token, "/auth/me", nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// providerRecord is the Core wire shape for a provider config.
type providerRecord struct {
	llm.ProviderConfig
	IsPreferred bool `json:"is_preferred"`
}

// Providers lists the user's provider configs with decrypted keys.
func (c *Client) Providers(ctx context.Context, token string) ([]llm.ProviderConfig, error) {
	var records []providerRecord
	if err := c.get(ctx, token, "/providers/internal", nil, &records); err != nil {
		return nil, err
	}
	out := make([]llm.ProviderConfig, len(records))
	for i, r := range records {
		out[i] = r.ProviderConfig
	}
	return out, nil
}

// Provider fetches one provider config by id.
func (c *Client) Provider(ctx context.Context, token, id string) (*llm.ProviderConfig, error) {
	var record providerRecord
	if err := c.get(ctx, token, "/provider/internal/"+url.PathEscape(id), nil, &record); err != nil {
		return nil, err
	}
	return &record.ProviderConfig, nil
}

// PreferredProvider returns the user's preferred provider, or the first
// configured one, or nil when none exist.
func (c *Client) PreferredProvider(ctx context.Context, token string) (*llm.ProviderConfig, error) {
	var records []providerRecord
	if err := c.get(ctx, token, "/providers/internal", nil, &records); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	for _, r := range records {
		if r.IsPreferred {
			cfg := r.ProviderConfig
			return &cfg, nil
		}
	}
	cfg := records[0].ProviderConfig
	return &cfg, nil
}

// CreateHistory records the start of a turn and returns the row id.
func (c *Client) CreateHistory(ctx context.Context, token string, req HistoryRequest) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.send(ctx, token, http.MethodPost, "/chat/history", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// UpdateHistory updates a turn's history row. Idempotent in id.
func (c *Client) UpdateHistory(ctx context.Context, token, id string, req HistoryRequest) error {
	return c.send(ctx, token, http.MethodPut, "/chat/history/"+url.PathEscape(id), req, nil)
}

// RecordStep persists one step event. Fire-and-forget callers go through
// Recorder instead.
func (c *Client) RecordStep(ctx context.Context, token string, ev events.StepEvent) error {
	return c.send(ctx, token, http.MethodPost, "/chat/steps", ev, nil)
}

// RecordArtifact persists one artifact. Fire-and-forget callers go through
// Recorder instead.
func (c *Client) RecordArtifact(ctx context.Context, token string, art events.Artifact) error {
	return c.send(ctx, token, http.MethodPost, "/chat/artifacts", art, nil)
}

// ThreadSummary fetches the rolling conversation summary for a project.
func (c *Client) ThreadSummary(ctx context.Context, token, projectID string) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	err := c.get(ctx, token, "/memory/thread-summary", url.Values{"project_id": {projectID}}, &resp)
	return resp.Summary, err
}

// PutThreadSummary upserts the rolling conversation summary.
func (c *Client) PutThreadSummary(ctx context.Context, token, projectID, summary string) error {
	return c.send(ctx, token, http.MethodPut, "/memory/thread-summary", map[string]string{
		"project_id": projectID,
		"summary":    summary,
	}, nil)
}

// TaskSummary fetches the last task summary for a project.
func (c *Client) TaskSummary(ctx context.Context, token, projectID string) (string, error) {
	var resp struct {
		Summary string `json:"summary"`
	}
	err := c.get(ctx, token, "/memory/task-summary", url.Values{"project_id": {projectID}}, &resp)
	return resp.Summary, err
}

// PutTaskSummary upserts a task summary. Idempotent per (project, task).
func (c *Client) PutTaskSummary(ctx context.Context, token, projectID, taskID, summary string) error {
	return c.send(ctx, token, http.MethodPut, "/memory/task-summary", map[string]string{
		"project_id": projectID,
		"task_id":    taskID,
		"summary":    summary,
	}, nil)
}

// Notes lists memory notes. Empty projectID returns the user's global notes.
func (c *Client) Notes(ctx context.Context, token, projectID string) ([]Note, error) {
	query := url.Values{}
	if projectID != "" {
		query.Set("project_id", projectID)
	}
	var notes []Note
	if err := c.get(ctx, token, "/memory/notes", query, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}

// CreateNote appends a memory note.
func (c *Client) CreateNote(ctx context.Context, token string, note Note) error {
	return c.send(ctx, token, http.MethodPost, "/memory/notes", note, nil)
}

// Configs fetches the user's config catalog entries.
func (c *Client) Configs(ctx context.Context, token string) (map[string]string, error) {
	var configs map[string]string
	if err := c.get(ctx, token, "/configs", nil, &configs); err != nil {
		return nil, err
	}
	return configs, nil
}

// MCPServerSpec describes one user-registered MCP server.
type MCPServerSpec struct {
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

// MCPUsers fetches the user's registered MCP servers.
func (c *Client) MCPUsers(ctx context.Context, token string) ([]MCPServerSpec, error) {
	var specs []MCPServerSpec
	if err := c.get(ctx, token, "/mcp/users", nil, &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

func (c *Client) get(ctx context.Context, token, path string, query url.Values, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, token, out)
}

func (c *Client) send(ctx context.Context, token, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, token, out)
}

func (c *Client) do(req *http.Request, token string, out any) error {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.internalKey != "" {
		req.Header.Set(internalKeyHeader, c.internalKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("core request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("core returned HTTP %d for %s %s: %s", resp.StatusCode, req.Method, req.URL.Path, string(detail))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode core response for %s: %w", req.URL.Path, err)
	}
	return nil
}
