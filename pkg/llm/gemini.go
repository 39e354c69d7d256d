package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

type geminiRequestContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// generateGemini runs a non-streaming generateContent call and presents the
// result through the common chunk contract: one text chunk, one usage chunk.
func (c *Client) generateGemini(ctx context.Context, base string, cfg ProviderConfig, messages []Message) (<-chan Chunk, error) {
	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)

		system, contents := buildGeminiContents(messages)
		payload := map[string]any{"contents": contents}
		if system != "" {
			payload["systemInstruction"] = geminiRequestContent{Parts: []geminiPart{{Text: system}}}
		}
		applyExtraParams(payload, cfg.ExtraParams)

		url := fmt.Sprintf("%s/models/%s:generateContent", base, cfg.ModelType)
		headers := map[string]string{"x-goog-api-key": cfg.APIKey}
		resp, err := c.postJSON(ctx, url, headers, payload)
		if err != nil {
			sendError(ctx, out, err)
			return
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			sendError(ctx, out, fmt.Errorf("read gemini response: %w", err))
			return
		}

		var parsed geminiResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			sendError(ctx, out, fmt.Errorf("parse gemini response: %w", err))
			return
		}

		if text := firstGeminiText(&parsed); text != "" {
			if !emit(ctx, out, &TextChunk{Content: text}) {
				return
			}
		}
		if parsed.UsageMetadata != nil {
			emit(ctx, out, &UsageChunk{Usage: Usage{
				PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
				CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
				TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
			}})
		}
	}()
	return out, nil
}

// buildGeminiContents maps roles to the Gemini taxonomy (assistant → model)
// and lifts system prompts into systemInstruction.
func buildGeminiContents(messages []Message) (string, []geminiRequestContent) {
	var system string
	contents := make([]geminiRequestContent, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "assistant":
			contents = append(contents, geminiRequestContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			contents = append(contents, geminiRequestContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	return system, contents
}

func firstGeminiText(resp *geminiResponse) string {
	for _, cand := range resp.Candidates {
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				return part.Text
			}
		}
	}
	return ""
}
