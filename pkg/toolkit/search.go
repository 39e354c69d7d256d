package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// SearchResult is one hit from the search backend.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchToolkit queries an HTTP search backend. The backend contract is
// GET <endpoint>?q=<query> returning a JSON array of results. With no
// endpoint configured every call reports an error result so agents fall
// back to their own knowledge.
type SearchToolkit struct {
	endpoint   string
	httpClient *http.Client
}

// NewSearchToolkit creates the builtin search toolkit. endpoint may be
// empty.
func NewSearchToolkit(endpoint string) *SearchToolkit {
	return &SearchToolkit{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *SearchToolkit) Name() string { return "SearchToolkit" }

func (t *SearchToolkit) Methods() []MethodSpec {
	return []MethodSpec{
		{Name: "search", Description: "Search the web and return titled links"},
	}
}

func (t *SearchToolkit) Call(ctx context.Context, tc ToolContext, method string, args map[string]any) (*ToolResult, error) {
	if method != "search" {
		return nil, fmt.Errorf("SearchToolkit has no method %q", method)
	}
	query, _ := args["query"].(string)
	if query == "" {
		return &ToolResult{Content: "query is required", IsError: true}, nil
	}
	if t.endpoint == "" {
		return &ToolResult{Content: "search backend not configured", IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("search failed: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &ToolResult{Content: fmt.Sprintf("search backend returned HTTP %d", resp.StatusCode), IsError: true}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256*1024))
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("read search response: %v", err), IsError: true}, nil
	}

	var results []SearchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return &ToolResult{Content: fmt.Sprintf("parse search response: %v", err), IsError: true}, nil
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   url: %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	if b.Len() == 0 {
		return &ToolResult{Content: "no results"}, nil
	}
	return &ToolResult{Content: b.String()}, nil
}
