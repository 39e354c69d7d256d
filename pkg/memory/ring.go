package memory

import (
	"sync"

	"github.com/cowork-ai/cowork/pkg/llm"
)

const (
	defaultMaxEntries  = 40
	defaultTokenBudget = 24000
)

// Ring keeps the recent conversation for one project, trimmed oldest-first
// to both an entry cap and a token budget.
type Ring struct {
	mu          sync.Mutex
	entries     []llm.Message
	maxEntries  int
	tokenBudget int
}

// NewRing creates a conversation ring. Zero or negative limits fall back to
// the defaults.
func NewRing(maxEntries, tokenBudget int) *Ring {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultTokenBudget
	}
	return &Ring{maxEntries: maxEntries, tokenBudget: tokenBudget}
}

// Append records one message and trims to the limits.
func (r *Ring) Append(msg llm.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, msg)
	r.trimLocked()
}

// Messages returns a snapshot of the retained conversation, oldest first.
func (r *Ring) Messages() []llm.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]llm.Message, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the number of retained messages.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Clear drops all retained messages.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

func (r *Ring) trimLocked() {
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
	}
	// Drop oldest entries until the rest fits the token budget. The newest
	// message always survives, even oversized.
	total := 0
	for i := len(r.entries) - 1; i >= 0; i-- {
		total += CountTokens(r.entries[i].Content)
		if total > r.tokenBudget && i < len(r.entries)-1 {
			r.entries = r.entries[i+1:]
			return
		}
	}
}
