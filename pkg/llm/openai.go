package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// openAIStreamEvent is one SSE data record from /chat/completions.
type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// streamOpenAI runs a streaming chat completion against an OpenAI-compatible
// endpoint. Servers that reject stream_options get one retry without it.
func (c *Client) streamOpenAI(ctx context.Context, base string, cfg ProviderConfig, messages []Message) (<-chan Chunk, error) {
	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)

		resp, err := c.postOpenAI(ctx, base, cfg, messages, true)
		if isStreamOptionsRejection(err) {
			resp, err = c.postOpenAI(ctx, base, cfg, messages, false)
		}
		if err != nil {
			sendError(ctx, out, err)
			return
		}
		defer resp.Body.Close()

		parseOpenAIStream(ctx, resp.Body, out)
	}()
	return out, nil
}

func (c *Client) postOpenAI(ctx context.Context, base string, cfg ProviderConfig, messages []Message, includeUsage bool) (*http.Response, error) {
	payload := map[string]any{
		"model":    cfg.ModelType,
		"messages": messages,
		"stream":   true,
	}
	if includeUsage {
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	applyExtraParams(payload, cfg.ExtraParams)

	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return c.postJSON(ctx, base+"/chat/completions", headers, payload)
}

// isStreamOptionsRejection detects 4xx responses complaining about the
// stream_options / include_usage fields, which some compatible servers
// don't implement.
func isStreamOptionsRejection(err error) bool {
	var statusErr *httpStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.StatusCode < 400 || statusErr.StatusCode >= 500 {
		return false
	}
	body := strings.ToLower(statusErr.Body)
	return strings.Contains(body, "stream_options") || strings.Contains(body, "include_usage")
}

// parseOpenAIStream reads SSE records until [DONE] or EOF. Each event yields
// either a content delta (delta.content, then text, then message.content,
// first match wins) or a final usage object.
func parseOpenAIStream(ctx context.Context, body io.Reader, out chan<- Chunk) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var event openAIStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Malformed keep-alives and vendor extensions are skipped.
			continue
		}

		if delta := openAIDelta(&event); delta != "" {
			if !emit(ctx, out, &TextChunk{Content: delta}) {
				return
			}
		}
		if event.Usage != nil {
			if !emit(ctx, out, &UsageChunk{Usage: Usage{
				PromptTokens:     event.Usage.PromptTokens,
				CompletionTokens: event.Usage.CompletionTokens,
				TotalTokens:      event.Usage.TotalTokens,
			}}) {
				return
			}
		}
	}
	if err := scanner.Err(); err != nil {
		sendError(ctx, out, err)
	}
}

func openAIDelta(event *openAIStreamEvent) string {
	if len(event.Choices) == 0 {
		return ""
	}
	choice := event.Choices[0]
	if choice.Delta.Content != "" {
		return choice.Delta.Content
	}
	if choice.Text != "" {
		return choice.Text
	}
	return choice.Message.Content
}
