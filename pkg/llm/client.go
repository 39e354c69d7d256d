package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// requestTimeout bounds every provider HTTP call, including the full
// lifetime of a streaming response body.
const requestTimeout = 60 * time.Second

// chunkBuffer sizes per-stream chunk channels.
const chunkBuffer = 64

// Client dispatches chat requests to the dialect selected by the normalized
// provider name. One Client is shared process-wide; per-call credentials
// come from the ProviderConfig.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the shared provider timeout.
func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// NewClientWithHTTP creates a Client over a caller-supplied http.Client.
// Used by tests against httptest servers.
func NewClientWithHTTP(httpClient *http.Client) *Client {
	return &Client{httpClient: httpClient}
}

// StreamChat implements Streamer.
func (c *Client) StreamChat(ctx context.Context, cfg ProviderConfig, messages []Message) (<-chan Chunk, error) {
	base, err := ResolveEndpoint(cfg)
	if err != nil {
		return nil, err
	}

	switch Normalize(cfg.ProviderName) {
	case ProviderAnthropic:
		return c.streamAnthropic(ctx, base, cfg, messages)
	case ProviderGemini:
		return c.generateGemini(ctx, base, cfg, messages)
	default:
		// OpenAI and compatibles. The Responses API is used only when the
		// config explicitly asks for native web search.
		if hasWebSearchTool(cfg) {
			return c.generateResponses(ctx, base, cfg, messages)
		}
		return c.streamOpenAI(ctx, base, cfg, messages)
	}
}

// Complete runs a non-streaming call by collecting the stream.
func (c *Client) Complete(ctx context.Context, cfg ProviderConfig, messages []Message) (string, *Usage, error) {
	ch, err := c.StreamChat(ctx, cfg, messages)
	if err != nil {
		return "", nil, err
	}
	return CollectStream(ch)
}

// protectedKeys are payload fields extra_params may never override.
var protectedKeys = map[string]bool{
	"model":    true,
	"messages": true,
	"stream":   true,
	"input":    true,
	"contents": true,
}

// applyExtraParams merges cfg.ExtraParams into the request payload,
// skipping protected keys.
func applyExtraParams(payload map[string]any, extra map[string]any) {
	for k, v := range extra {
		if protectedKeys[k] {
			continue
		}
		payload[k] = v
	}
}

// HasNativeSearch reports whether the provider does its own web search,
// which means our search toolkit should step aside.
func HasNativeSearch(cfg ProviderConfig) bool { return hasWebSearchTool(cfg) }

// hasWebSearchTool reports whether extra_params.tools contains a web_search
// entry (either the bare string or an object with type web_search*).
func hasWebSearchTool(cfg ProviderConfig) bool {
	tools, ok := cfg.ExtraParams["tools"].([]any)
	if !ok {
		return false
	}
	for _, t := range tools {
		switch v := t.(type) {
		case string:
			if v == "web_search" {
				return true
			}
		case map[string]any:
			if typ, _ := v["type"].(string); typ == "web_search" || typ == "web_search_preview" {
				return true
			}
		}
	}
	return false
}

// httpStatusError carries a non-2xx provider response for retry decisions.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("provider returned HTTP %d: %s", e.StatusCode, e.Body)
}

// postJSON issues a POST and returns the open response body on 2xx.
// The caller must close it.
func (c *Client) postJSON(ctx context.Context, url string, headers map[string]string, payload map[string]any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal provider request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Body: string(detail)}
	}
	return resp, nil
}

// emit delivers one chunk, returning false once the consumer has cancelled
// the stream. Producers must stop on false so they never block forever on
// an abandoned channel.
func emit(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendError delivers the terminal error chunk. The send blocks until the
// consumer takes it or cancels; dropping it would make a truncated stream
// look like a clean completion.
func sendError(ctx context.Context, out chan<- Chunk, err error) {
	retryable := false
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		retryable = statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests
	}
	emit(ctx, out, &ErrorChunk{Message: err.Error(), Retryable: retryable})
}
