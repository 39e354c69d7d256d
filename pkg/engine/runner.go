package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/toolkit"
	"github.com/cowork-ai/cowork/pkg/workforce"
)

const maxAgentIterations = 6

// agentRunner executes one sub-task as a tool-using loop: completion,
// parse, tool call, observation, repeat until a final answer or the
// iteration cap.
type agentRunner struct {
	llm      llm.Streamer
	cfg      llm.ProviderConfig
	invoker  *toolkit.Invoker
	preamble string
	tc       toolkit.ToolContext
	stop     func() bool
}

var _ workforce.Runner = (*agentRunner)(nil)

func (r *agentRunner) RunAgent(ctx context.Context, agent workforce.Agent, node workforce.TaskNode) (string, int, error) {
	tc := r.tc
	tc.AgentName = agent.Name

	system := agent.SystemPrompt
	if r.preamble != "" {
		system += "\n\n" + r.preamble
	}
	system += fmt.Sprintf(reactFormat, toolCatalog(r.invoker, agent.Tools))

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: node.Content},
	}

	var (
		totalTokens int
		lastText    string
	)
	for i := 0; i < maxAgentIterations; i++ {
		if r.stop != nil && r.stop() {
			return lastText, totalTokens, context.Canceled
		}

		text, usage, err := completeStream(ctx, r.llm, r.cfg, messages)
		if err != nil {
			return "", totalTokens, fmt.Errorf("agent %s completion: %w", agent.Name, err)
		}
		if usage != nil {
			totalTokens += usage.TotalTokens
		}
		lastText = text

		parsed := parseAgentResponse(text)
		if parsed.IsFinal {
			return parsed.FinalAnswer, totalTokens, nil
		}

		observation := r.observe(ctx, tc, agent, parsed)
		messages = append(messages,
			llm.Message{Role: "assistant", Content: text},
			llm.Message{Role: "user", Content: "Observation: " + observation},
		)
	}
	// Iteration cap: the last completion stands as the answer.
	return lastText, totalTokens, nil
}

func (r *agentRunner) observe(ctx context.Context, tc toolkit.ToolContext, agent workforce.Agent, parsed *parsedResponse) string {
	if !allowedTool(agent.Tools, parsed.Toolkit) {
		return fmt.Sprintf("tool %s is not available to %s", parsed.Toolkit, agent.Name)
	}
	result, err := r.invoker.Invoke(ctx, tc, toolkit.ToolCall{
		Toolkit: parsed.Toolkit,
		Method:  parsed.Method,
		Args:    parsed.Args,
	})
	switch {
	case errors.Is(err, toolkit.ErrPermissionDenied):
		return "the user denied permission for this tool call; continue without it"
	case err != nil:
		return "tool error: " + err.Error()
	case result.IsError:
		return "tool error: " + result.Content
	default:
		return result.Content
	}
}

func allowedTool(tools []string, name string) bool {
	for _, t := range tools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// completeStream collects a full completion over the streaming contract.
// The stream's context is cancelled on return so the producer never
// outlives an early exit.
func completeStream(ctx context.Context, streamer llm.Streamer, cfg llm.ProviderConfig, messages []llm.Message) (string, *llm.Usage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := streamer.StreamChat(ctx, cfg, messages)
	if err != nil {
		return "", nil, err
	}
	return llm.CollectStream(ch)
}
