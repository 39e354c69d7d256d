package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/llm"
)

const defaultTopK = 5

// Hit is one memory_search result.
type Hit struct {
	ID         string
	Content    string
	Similarity float32
}

// NoteIndex is the in-memory vector index behind the memory_search tool.
// With an embedder it does semantic search via chromem; without one it
// degrades to case-insensitive substring matching so the tool still works
// when no embedding provider is configured.
type NoteIndex struct {
	mu         sync.Mutex
	collection *chromem.Collection
	embedder   chromem.EmbeddingFunc
	docs       map[string]string // id -> content, substring fallback
}

// NewNoteIndex creates an index. embedder may be nil.
func NewNoteIndex(embedder chromem.EmbeddingFunc) (*NoteIndex, error) {
	idx := &NoteIndex{
		embedder: embedder,
		docs:     make(map[string]string),
	}
	if embedder != nil {
		collection, err := chromem.NewDB().GetOrCreateCollection("notes", nil, embedder)
		if err != nil {
			return nil, fmt.Errorf("create note collection: %w", err)
		}
		idx.collection = collection
	}
	return idx, nil
}

// OpenAICompatEmbedding builds an embedder against any OpenAI-compatible
// /embeddings endpoint.
func OpenAICompatEmbedding(baseURL, apiKey, model string) chromem.EmbeddingFunc {
	return chromem.NewEmbeddingFuncOpenAICompat(baseURL, apiKey, model, nil)
}

// embeddingModel is the model used against OpenAI-dialect /embeddings
// endpoints when semantic note search is enabled.
const embeddingModel = "text-embedding-3-small"

// IndexForProvider builds a note index for the turn's resolved provider.
// Providers speaking the OpenAI dialect get semantic search through their
// /embeddings endpoint; everything else falls back to substring matching.
func IndexForProvider(ctx context.Context, cfg llm.ProviderConfig, notes []coreapi.Note) *NoteIndex {
	var embedder chromem.EmbeddingFunc
	key := llm.Normalize(cfg.ProviderName)
	if key == llm.ProviderOpenAI || strings.HasPrefix(key, llm.ProviderCompatible) {
		if base, err := llm.ResolveEndpoint(cfg); err == nil {
			embedder = OpenAICompatEmbedding(base, cfg.APIKey, embeddingModel)
		}
	}

	idx, err := NewNoteIndex(embedder)
	if err != nil {
		slog.Warn("Semantic note index unavailable, using substring search", "error", err)
		idx, _ = NewNoteIndex(nil)
	}
	if err := idx.Load(ctx, notes); err != nil {
		slog.Warn("Failed to index some notes", "error", err)
	}
	return idx
}

// Load indexes a batch of notes, replacing entries with the same ID.
func (idx *NoteIndex) Load(ctx context.Context, notes []coreapi.Note) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, note := range notes {
		content := strings.TrimSpace(note.Content)
		if note.ID == "" || content == "" {
			continue
		}
		idx.docs[note.ID] = content
		if idx.collection != nil {
			err := idx.collection.AddDocument(ctx, chromem.Document{
				ID:       note.ID,
				Content:  content,
				Metadata: map[string]string{"project_id": note.ProjectID},
			})
			if err != nil {
				return fmt.Errorf("index note %s: %w", note.ID, err)
			}
		}
	}
	return nil
}

// Search returns up to topK hits ranked by similarity.
func (idx *NoteIndex) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.collection == nil {
		return idx.substringLocked(query, topK), nil
	}

	count := idx.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}
	results, err := idx.collection.Query(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Content: r.Content, Similarity: r.Similarity})
	}
	return hits, nil
}

func (idx *NoteIndex) substringLocked(query string, topK int) []Hit {
	needle := strings.ToLower(query)
	var hits []Hit
	for id, content := range idx.docs {
		if strings.Contains(strings.ToLower(content), needle) {
			hits = append(hits, Hit{ID: id, Content: content, Similarity: 1})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID < hits[j].ID })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
