package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/llm"
)

type fakeCore struct {
	thread  string
	task    string
	project []coreapi.Note
	global  []coreapi.Note
	fail    bool
}

func (f *fakeCore) ThreadSummary(ctx context.Context, token, projectID string) (string, error) {
	if f.fail {
		return "", errors.New("core down")
	}
	return f.thread, nil
}

func (f *fakeCore) TaskSummary(ctx context.Context, token, projectID string) (string, error) {
	if f.fail {
		return "", errors.New("core down")
	}
	return f.task, nil
}

func (f *fakeCore) Notes(ctx context.Context, token, projectID string) ([]coreapi.Note, error) {
	if f.fail {
		return nil, errors.New("core down")
	}
	if projectID == "" {
		return f.global, nil
	}
	return f.project, nil
}

func TestHydrateFillsAllSections(t *testing.T) {
	core := &fakeCore{
		thread:  "User is building a pricing report.",
		task:    "Sub-task 1 of 3 done.",
		project: []coreapi.Note{{ID: "n1", ProjectID: "p-1", Content: "Prefer CSV output"}},
		global:  []coreapi.Note{{ID: "n2", Content: "User timezone is UTC+9"}},
	}
	mc := NewBuilder(core).Hydrate(context.Background(), "tok", "p-1")

	assert.Equal(t, "User is building a pricing report.", mc.ThreadSummary)
	assert.Equal(t, "Sub-task 1 of 3 done.", mc.TaskSummary)
	require.Len(t, mc.ProjectNotes, 1)
	require.Len(t, mc.GlobalNotes, 1)

	preamble := mc.SystemPreamble()
	assert.Contains(t, preamble, "## Conversation so far")
	assert.Contains(t, preamble, "Prefer CSV output")
	assert.Contains(t, preamble, "UTC+9")
}

func TestHydrateBestEffort(t *testing.T) {
	mc := NewBuilder(&fakeCore{fail: true}).Hydrate(context.Background(), "tok", "p-1")
	assert.Empty(t, mc.ThreadSummary)
	assert.Empty(t, mc.ProjectNotes)
	assert.Equal(t, "", mc.SystemPreamble())
}

func TestRingTrimsToEntryCap(t *testing.T) {
	ring := NewRing(3, 0)
	for _, s := range []string{"a", "b", "c", "d"} {
		ring.Append(llm.Message{Role: "user", Content: s})
	}
	msgs := ring.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "b", msgs[0].Content)
	assert.Equal(t, "d", msgs[2].Content)
}

func TestRingTrimsToTokenBudget(t *testing.T) {
	ring := NewRing(100, 20)
	big := strings.Repeat("alpha beta gamma ", 20)
	ring.Append(llm.Message{Role: "user", Content: big})
	ring.Append(llm.Message{Role: "assistant", Content: "short answer"})

	msgs := ring.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "short answer", msgs[0].Content)
}

func TestRingKeepsOversizedNewest(t *testing.T) {
	ring := NewRing(100, 5)
	ring.Append(llm.Message{Role: "user", Content: strings.Repeat("word ", 200)})
	assert.Equal(t, 1, ring.Len())
}

func TestRingClear(t *testing.T) {
	ring := NewRing(0, 0)
	ring.Append(llm.Message{Role: "user", Content: "hello"})
	ring.Clear()
	assert.Zero(t, ring.Len())
}

func TestCountTokensNeverZeroForText(t *testing.T) {
	assert.Zero(t, CountTokens(""))
	assert.Zero(t, CountTokens("   "))
	assert.Positive(t, CountTokens("hi"))
	assert.Greater(t, CountTokens(strings.Repeat("lorem ipsum ", 50)), CountTokens("lorem ipsum"))
}

func TestNoteIndexSubstringFallback(t *testing.T) {
	idx, err := NewNoteIndex(nil)
	require.NoError(t, err)

	err = idx.Load(context.Background(), []coreapi.Note{
		{ID: "n1", Content: "The deploy pipeline runs on Fridays"},
		{ID: "n2", Content: "Customer prefers dark mode"},
		{ID: "n3", Content: ""},
	})
	require.NoError(t, err)

	hits, err := idx.Search(context.Background(), "deploy", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n1", hits[0].ID)

	hits, err = idx.Search(context.Background(), "FRIDAYS", 5)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = idx.Search(context.Background(), "", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestNoteIndexTopKLimit(t *testing.T) {
	idx, err := NewNoteIndex(nil)
	require.NoError(t, err)

	notes := []coreapi.Note{
		{ID: "a", Content: "cache warmup"},
		{ID: "b", Content: "cache eviction"},
		{ID: "c", Content: "cache sizing"},
	}
	require.NoError(t, idx.Load(context.Background(), notes))

	hits, err := idx.Search(context.Background(), "cache", 2)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
