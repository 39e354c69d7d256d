// Package llm is the dialect-aware streaming client for LLM providers.
// A single Client dispatches on the normalized provider name to one of four
// wire dialects (OpenAI-compatible chat completions, Anthropic messages,
// Gemini generateContent, OpenAI Responses). Every dialect presents the
// same contract: a finite channel of chunks, closed on completion, with
// errors delivered in-band as ErrorChunk values.
package llm

import "context"

// Message is one turn of a conversation sent to a provider.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Usage reports token consumption for one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// ProviderConfig identifies a provider plus the credentials and model to use.
// ExtraParams are merged into the request payload; protected keys (model,
// messages, stream, input, contents) are never overridden.
type ProviderConfig struct {
	ID           string         `json:"id"`
	ProviderName string         `json:"provider_name"`
	ModelType    string         `json:"model_type"`
	APIKey       string         `json:"api_key"`
	EndpointURL  string         `json:"endpoint_url,omitempty"`
	ExtraParams  map[string]any `json:"extra_params,omitempty"`
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeText  ChunkType = "text"
	ChunkTypeUsage ChunkType = "usage"
	ChunkTypeError ChunkType = "error"
)

// TextChunk is a delta of the provider's text response.
type TextChunk struct{ Content string }

// UsageChunk reports token consumption. At most one per stream, last.
type UsageChunk struct{ Usage Usage }

// ErrorChunk signals a provider failure. Terminal for the stream.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *TextChunk) chunkType() ChunkType  { return ChunkTypeText }
func (c *UsageChunk) chunkType() ChunkType { return ChunkTypeUsage }
func (c *ErrorChunk) chunkType() ChunkType { return ChunkTypeError }

// Streamer is the capability the engine and workforce depend on.
// Implemented by Client; tests substitute scripted fakes.
type Streamer interface {
	// StreamChat sends a conversation and returns a stream of chunks.
	// The channel is closed when the stream completes; errors arrive as
	// ErrorChunk values.
	StreamChat(ctx context.Context, cfg ProviderConfig, messages []Message) (<-chan Chunk, error)
}

// StreamCallback observes each text delta as it arrives.
type StreamCallback func(delta string)

// CollectStream drains a chunk channel into the final text and usage.
// An ErrorChunk aborts collection and is returned as the error.
func CollectStream(ch <-chan Chunk) (string, *Usage, error) {
	return CollectStreamWithCallback(ch, nil)
}

// CollectStreamWithCallback drains a chunk channel, invoking the callback
// for every text delta.
func CollectStreamWithCallback(ch <-chan Chunk, callback StreamCallback) (string, *Usage, error) {
	var text []byte
	var usage *Usage
	for chunk := range ch {
		switch c := chunk.(type) {
		case *TextChunk:
			text = append(text, c.Content...)
			if callback != nil {
				callback(c.Content)
			}
		case *UsageChunk:
			u := c.Usage
			usage = &u
		case *ErrorChunk:
			return string(text), usage, &ProviderError{Message: c.Message, Code: c.Code, Retryable: c.Retryable}
		}
	}
	return string(text), usage, nil
}

// ProviderError is the in-band stream error surfaced by CollectStream.
type ProviderError struct {
	Message   string
	Code      string
	Retryable bool
}

func (e *ProviderError) Error() string { return e.Message }
