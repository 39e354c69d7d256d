package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/toolkit"
)

func TestNoteSearchToolkitQuery(t *testing.T) {
	idx, err := NewNoteIndex(nil)
	require.NoError(t, err)
	require.NoError(t, idx.Load(context.Background(), []coreapi.Note{
		{ID: "n-1", Content: "The staging cluster lives in eu-west-1."},
		{ID: "n-2", Content: "Weekly report goes out on Fridays."},
	}))

	tk := NewNoteSearchToolkit(idx)
	assert.Equal(t, "memory_search", tk.Name())

	res, err := tk.Call(context.Background(), toolkit.ToolContext{}, "query",
		map[string]any{"query": "staging cluster"})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "eu-west-1")
	assert.NotContains(t, res.Content, "Fridays")

	res, err = tk.Call(context.Background(), toolkit.ToolContext{}, "query",
		map[string]any{"query": "kubernetes"})
	require.NoError(t, err)
	assert.Equal(t, "no matching notes found", res.Content)
}

func TestNoteSearchToolkitValidation(t *testing.T) {
	tk := NewNoteSearchToolkit(nil)

	res, err := tk.Call(context.Background(), toolkit.ToolContext{}, "query",
		map[string]any{"query": "   "})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	_, err = tk.Call(context.Background(), toolkit.ToolContext{}, "delete", nil)
	assert.Error(t, err)

	// Nil index still answers.
	res, err = tk.Call(context.Background(), toolkit.ToolContext{}, "query",
		map[string]any{"query": "anything"})
	require.NoError(t, err)
	assert.Equal(t, "no notes are available", res.Content)
}

func TestIndexForProviderFallsBackWithoutOpenAIDialect(t *testing.T) {
	cfg := llm.ProviderConfig{ProviderName: "anthropic", ModelType: "claude-sonnet-4-5", APIKey: "k"}
	idx := IndexForProvider(context.Background(), cfg, []coreapi.Note{
		{ID: "n-1", Content: "alpha"},
	})
	hits, err := idx.Search(context.Background(), "alpha", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n-1", hits[0].ID)
}
