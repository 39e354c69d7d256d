package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/memory"
	"github.com/cowork-ai/cowork/pkg/skill"
	"github.com/cowork-ai/cowork/pkg/toolkit"
	"github.com/cowork-ai/cowork/pkg/workdir"
	"github.com/cowork-ai/cowork/pkg/workforce"
)

// runComplex decomposes the question, fans the sub-tasks out to the
// workforce, and streams the final summary.
func (e *Engine) runComplex(ctx context.Context, stream *events.Stream, turn Turn, cfg llm.ProviderConfig, mc *memory.Context, run *skill.Run, controls Controls, projectDir string) (string, llm.Usage, error) {
	var usage llm.Usage

	// Tool subprocesses inherit the project workspace through the
	// environment; restored on every exit path.
	scope := workdir.ApplyEnv(map[string]string{
		"COWORK_WORKDIR": projectDir,
		"CAMEL_WORKDIR":  projectDir,
	})
	defer scope.Restore()

	decomposition, u, err := e.streamPhase(ctx, stream, turn, cfg, events.StepDecomposeText,
		fmt.Sprintf(decomposePrompt, turn.Question), controls)
	usage.Add(u)
	if err != nil {
		return "", usage, fmt.Errorf("decomposition: %w", err)
	}
	if stopped(controls) {
		return "", usage, nil
	}
	if strings.TrimSpace(decomposition) == "" {
		return "", usage, fmt.Errorf("Decomposition failed")
	}

	nodes := workforce.ParseSubTasks(decomposition)
	if len(nodes) == 0 {
		return "", usage, fmt.Errorf("Decomposition failed")
	}

	title, summary := e.labelTask(ctx, turn, cfg, &usage)

	subTasks := make([]map[string]any, len(nodes))
	for i, n := range nodes {
		subTasks[i] = map[string]any{
			"id": n.ID, "content": n.Content, "assigned_role": n.AssignedRole,
		}
	}
	stream.Emit(turn.TaskID, events.StepToSubTasks, map[string]any{
		"sub_tasks":       subTasks,
		"delta_sub_tasks": subTasks,
		"is_final":        true,
		"summary_task":    map[string]any{"title": title, "summary": summary},
	})

	nativeSearch := turn.SearchEnabled && llm.HasNativeSearch(cfg)
	agents := workforce.MergeRoster(workforce.BuiltinAgents(), e.opts.CustomAgents)
	agents = workforce.MergeRoster(agents, turn.CustomAgents)
	for _, custom := range turn.CustomAgents {
		stream.Emit(turn.TaskID, events.StepCreateAgent, map[string]any{
			"agent_name":  custom.Name,
			"description": custom.Description,
		})
	}
	agents = workforce.ApplyToolPolicy(agents, workforce.ToolPolicy{
		SearchEnabled: turn.SearchEnabled,
		NativeSearch:  nativeSearch,
		MemorySearch:  e.opts.MemorySearch,
	})
	if run != nil {
		run.InjectPolicy(agents)
	}

	invoker := e.buildInvoker(ctx, stream, turn, controls.Approver, nativeSearch, cfg, mc)

	arena := workforce.NewArena(turn.Question)
	for _, node := range nodes {
		if _, err := arena.AddChild(0, node); err != nil {
			return "", usage, err
		}
	}

	runner := &agentRunner{
		llm:      e.opts.LLM,
		cfg:      cfg,
		invoker:  invoker,
		preamble: mc.SystemPreamble(),
		tc: toolkit.ToolContext{
			ProjectID:     turn.ProjectID,
			ProcessTaskID: turn.TaskID,
			AuthToken:     turn.AuthToken,
			Workdir:       projectDir,
		},
		stop: controls.StopRequested,
	}

	wf := workforce.New(stream, turn.TaskID, arena, agents, runner)
	if n := e.opts.WorkforceConcurrency; n > 0 {
		wf.SetConcurrency(n)
	}
	if n := e.opts.WorkforceRetryLimit; n > 0 {
		wf.SetRetryLimit(n)
	}
	if controls.RegisterWorkforce != nil {
		controls.RegisterWorkforce(wf)
	}

	results, err := wf.Execute(ctx)
	if err != nil {
		return "", usage, err
	}
	if stopped(controls) {
		return "", usage, nil
	}

	// A single finished sub-task is the answer; anything else gets a
	// streamed wrap-up so the user sees incremental progress.
	if len(results) == 1 && results[0].State == workforce.TaskDone {
		stream.Emit(turn.TaskID, events.StepStreaming, map[string]any{"chunk": results[0].Result})
		return results[0].Result, usage, nil
	}

	final, u, err := e.streamPhase(ctx, stream, turn, cfg, events.StepStreaming,
		fmt.Sprintf(summaryPrompt, turn.Question, renderResults(results)), controls)
	usage.Add(u)
	if err != nil {
		return "", usage, fmt.Errorf("final summary: %w", err)
	}
	return final, usage, nil
}

// streamPhase runs one streaming completion, emitting every chunk under
// the given step kind and honoring stop between chunks.
func (e *Engine) streamPhase(ctx context.Context, stream *events.Stream, turn Turn, cfg llm.ProviderConfig, step events.StepKind, prompt string, controls Controls) (string, llm.Usage, error) {
	// Cancel on every exit so an abandoned provider stream winds down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.opts.LLM.StreamChat(ctx, cfg, []llm.Message{{Role: "user", Content: prompt}})
	if err != nil {
		return "", llm.Usage{}, err
	}
	var (
		text  strings.Builder
		usage llm.Usage
	)
	for chunk := range ch {
		switch c := chunk.(type) {
		case *llm.TextChunk:
			text.WriteString(c.Content)
			stream.Emit(turn.TaskID, step, map[string]any{"chunk": c.Content})
		case *llm.UsageChunk:
			usage = c.Usage
		case *llm.ErrorChunk:
			return text.String(), usage, &llm.ProviderError{
				Message: c.Message, Code: c.Code, Retryable: c.Retryable,
			}
		}
		if stopped(controls) {
			return text.String(), usage, nil
		}
	}
	return text.String(), usage, nil
}

// labelTask derives "Title|Summary" and upserts the task summary; both are
// best-effort.
func (e *Engine) labelTask(ctx context.Context, turn Turn, cfg llm.ProviderConfig, usage *llm.Usage) (string, string) {
	text, u, err := completeStream(ctx, e.opts.LLM, cfg, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(labelPrompt, turn.Question)},
	})
	if u != nil {
		usage.Add(*u)
	}
	if err != nil {
		slog.Warn("Task labeling failed", "task_id", turn.TaskID, "error", err)
		return turn.Question, ""
	}
	title, summary := workforce.SplitLabelSummary(text)
	if err := e.opts.Core.PutTaskSummary(ctx, turn.AuthToken, turn.ProjectID, turn.TaskID, title+"|"+summary); err != nil {
		slog.Warn("Task summary upsert failed", "task_id", turn.TaskID, "error", err)
	}
	return title, summary
}

func renderResults(results []workforce.TaskNode) string {
	var b strings.Builder
	for _, node := range results {
		fmt.Fprintf(&b, "## %s (%s)\n%s\n\n", node.Content, node.State, node.Result)
	}
	return strings.TrimSpace(b.String())
}

func stopped(controls Controls) bool {
	return controls.StopRequested != nil && controls.StopRequested()
}
