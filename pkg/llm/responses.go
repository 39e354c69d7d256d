package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

type responsesResponse struct {
	OutputText string `json:"output_text"`
	Output     []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// generateResponses runs a non-streaming call against the OpenAI Responses
// API. Selected only when extra_params.tools requests web_search; the
// hosted tool runs server-side and the answer arrives as output text.
func (c *Client) generateResponses(ctx context.Context, base string, cfg ProviderConfig, messages []Message) (<-chan Chunk, error) {
	out := make(chan Chunk, chunkBuffer)
	go func() {
		defer close(out)

		payload := map[string]any{
			"model": cfg.ModelType,
			"input": messages,
		}
		applyExtraParams(payload, cfg.ExtraParams)

		headers := map[string]string{}
		if cfg.APIKey != "" {
			headers["Authorization"] = "Bearer " + cfg.APIKey
		}
		resp, err := c.postJSON(ctx, base+"/responses", headers, payload)
		if err != nil {
			sendError(ctx, out, err)
			return
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			sendError(ctx, out, fmt.Errorf("read responses body: %w", err))
			return
		}

		var parsed responsesResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			sendError(ctx, out, fmt.Errorf("parse responses body: %w", err))
			return
		}

		if text := responsesText(&parsed); text != "" {
			if !emit(ctx, out, &TextChunk{Content: text}) {
				return
			}
		}
		if parsed.Usage != nil {
			emit(ctx, out, &UsageChunk{Usage: Usage{
				PromptTokens:     parsed.Usage.InputTokens,
				CompletionTokens: parsed.Usage.OutputTokens,
				TotalTokens:      parsed.Usage.TotalTokens,
			}})
		}
	}()
	return out, nil
}

// responsesText prefers the convenience output_text field, falling back to
// the first message block's text content.
func responsesText(resp *responsesResponse) string {
	if resp.OutputText != "" {
		return resp.OutputText
	}
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.Content {
			if content.Text != "" {
				return content.Text
			}
		}
	}
	return ""
}
