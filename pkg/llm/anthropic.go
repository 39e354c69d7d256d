package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"strings"
)

// anthropicStreamEvent is one SSE data record from /v1/messages.
// The type field discriminates the event taxonomy.
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	ContentBlock *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *anthropicUsage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicMaxTokens is the required max_tokens for /v1/messages when the
// config doesn't supply one through extra_params.
const anthropicMaxTokens = 4096

// streamAnthropic runs a streaming messages call. message_start carries
// input tokens, content_block_start/content_block_delta produce text, and
// message_delta carries output tokens; usage is synthesized at stream end.
func (c *Client) streamAnthropic(ctx context.Context, base string, cfg ProviderConfig, messages []Message) (<-chan Chunk, error) {
	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)

		system, conversation := splitSystem(messages)
		payload := map[string]any{
			"model":      cfg.ModelType,
			"messages":   conversation,
			"max_tokens": anthropicMaxTokens,
			"stream":     true,
		}
		if system != "" {
			payload["system"] = system
		}
		applyExtraParams(payload, cfg.ExtraParams)

		headers := map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": "2023-06-01",
		}
		resp, err := c.postJSON(ctx, base+"/v1/messages", headers, payload)
		if err != nil {
			sendError(ctx, out, err)
			return
		}
		defer resp.Body.Close()

		var inputTokens, outputTokens int
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					inputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_start":
				if event.ContentBlock != nil && event.ContentBlock.Text != "" {
					if !emit(ctx, out, &TextChunk{Content: event.ContentBlock.Text}) {
						return
					}
				}
			case "content_block_delta":
				if event.Delta != nil && event.Delta.Text != "" {
					if !emit(ctx, out, &TextChunk{Content: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}
			case "error":
				msg := "anthropic stream error"
				if event.Error != nil {
					msg = event.Error.Message
				}
				sendError(ctx, out, &ProviderError{Message: msg})
				return
			case "message_stop":
				// Terminal; usage is emitted below.
			}
		}
		if err := scanner.Err(); err != nil {
			sendError(ctx, out, err)
			return
		}

		emit(ctx, out, &UsageChunk{Usage: Usage{
			PromptTokens:     inputTokens,
			CompletionTokens: outputTokens,
			TotalTokens:      inputTokens + outputTokens,
		}})
	}()
	return out, nil
}

// splitSystem extracts system prompts (Anthropic carries them as a top-level
// field) and returns the remaining conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	conversation := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		conversation = append(conversation, m)
	}
	return strings.Join(system, "\n\n"), conversation
}
