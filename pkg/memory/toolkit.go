package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/cowork-ai/cowork/pkg/toolkit"
)

// NoteSearchToolkit exposes the note index as the memory_search tool.
// Read-only, so the approval gate never prompts for it.
type NoteSearchToolkit struct {
	index *NoteIndex
}

// NewNoteSearchToolkit wraps an index. A nil index yields an empty tool.
func NewNoteSearchToolkit(index *NoteIndex) *NoteSearchToolkit {
	return &NoteSearchToolkit{index: index}
}

func (t *NoteSearchToolkit) Name() string { return "memory_search" }

func (t *NoteSearchToolkit) Methods() []toolkit.MethodSpec {
	return []toolkit.MethodSpec{
		{Name: "query", Description: "Search saved project and user notes for entries relevant to a query."},
	}
}

func (t *NoteSearchToolkit) Call(ctx context.Context, tc toolkit.ToolContext, method string, args map[string]any) (*toolkit.ToolResult, error) {
	if method != "query" {
		return nil, fmt.Errorf("memory_search has no method %q", method)
	}
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return &toolkit.ToolResult{Content: "query argument is required", IsError: true}, nil
	}
	topK := 0
	if v, ok := args["top_k"].(float64); ok {
		topK = int(v)
	}

	if t.index == nil {
		return &toolkit.ToolResult{Content: "no notes are available"}, nil
	}
	hits, err := t.index.Search(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("search notes: %w", err)
	}
	if len(hits) == 0 {
		return &toolkit.ToolResult{Content: "no matching notes found"}, nil
	}

	var b strings.Builder
	for _, hit := range hits {
		fmt.Fprintf(&b, "- %s\n", hit.Content)
	}
	return &toolkit.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}

var _ toolkit.Toolkit = (*NoteSearchToolkit)(nil)
