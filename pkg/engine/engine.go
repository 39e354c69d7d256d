// Package engine drives one turn end to end: classify the request, stream
// a simple answer or fan a complex one out to the workforce, enforce skill
// contracts, and close the turn with exactly one end event.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cowork-ai/cowork/pkg/artifact"
	"github.com/cowork-ai/cowork/pkg/coreapi"
	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/memory"
	"github.com/cowork-ai/cowork/pkg/skill"
	"github.com/cowork-ai/cowork/pkg/toolkit"
	"github.com/cowork-ai/cowork/pkg/toolkit/mcptool"
	"github.com/cowork-ai/cowork/pkg/workdir"
	"github.com/cowork-ai/cowork/pkg/workforce"
)

// CoreClient is the slice of the Core service the engine needs. The real
// implementation is coreapi.Client.
type CoreClient interface {
	memory.CoreSource
	PreferredProvider(ctx context.Context, token string) (*llm.ProviderConfig, error)
	CreateHistory(ctx context.Context, token string, req coreapi.HistoryRequest) (string, error)
	UpdateHistory(ctx context.Context, token, id string, req coreapi.HistoryRequest) error
	PutTaskSummary(ctx context.Context, token, projectID, taskID, summary string) error
	MCPUsers(ctx context.Context, token string) ([]coreapi.MCPServerSpec, error)
}

// Sink receives events and artifacts for background persistence. The real
// implementation is coreapi.Recorder.
type Sink interface {
	EnqueueStep(token string, ev events.StepEvent)
	EnqueueArtifact(token string, art events.Artifact)
}

// Options are process-wide engine dependencies.
type Options struct {
	Core            CoreClient
	Sink            Sink
	LLM             llm.Streamer
	Skills          *skill.Engine
	Workdir         *workdir.Manager
	SearchEndpoint  string
	ApprovalTimeout time.Duration
	DefaultAllow    bool // approve on approval timeout (development only)
	MemorySearch    bool
	CustomAgents    []workforce.Agent

	// Workforce tunables from the settings file. Zero keeps the defaults.
	WorkforceConcurrency int
	WorkforceRetryLimit  int
}

// Turn is one Improve action to execute.
type Turn struct {
	ProjectID     string
	TaskID        string
	Question      string
	SearchEnabled bool
	Attachments   []string
	AuthToken     string
	Provider      *llm.ProviderConfig // inline override, wins when complete
	CustomAgents  []workforce.Agent
}

// Controls is the per-project state the queue hands the engine for a turn.
type Controls struct {
	Approver          toolkit.Approver
	StopRequested     func() bool
	Ring              *memory.Ring
	RegisterWorkforce func(*workforce.Workforce)
}

// Engine executes turns. One engine serves every project.
type Engine struct {
	opts Options
}

func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// RunTurn executes one turn against the stream and closes it. Every exit
// path emits exactly one end event after the confirmed event.
func (e *Engine) RunTurn(ctx context.Context, stream *events.Stream, turn Turn, controls Controls) {
	defer stream.Close()

	stream.Emit(turn.TaskID, events.StepConfirmed, map[string]any{"question": turn.Question})
	stream.Emit(turn.TaskID, events.StepTaskState, map[string]any{"state": "processing"})

	if e.opts.Sink != nil {
		stream.SetListener(func(ev events.StepEvent) {
			e.opts.Sink.EnqueueStep(turn.AuthToken, ev)
		})
	}

	cfg, err := e.resolveProvider(ctx, turn)
	if err != nil {
		e.failTurn(stream, turn, "", "No provider configured")
		return
	}

	projectDir, err := e.opts.Workdir.ProjectDir(turn.ProjectID)
	if err != nil {
		e.failTurn(stream, turn, "", fmt.Sprintf("workspace unavailable: %v", err))
		return
	}

	stream.SetExpander(artifact.NewDetector(turn.ProjectID, projectDir))

	mc := memory.NewBuilder(e.opts.Core).Hydrate(ctx, turn.AuthToken, turn.ProjectID)

	historyID := e.createHistory(ctx, turn)

	var run *skill.Run
	if e.opts.Skills != nil {
		run = e.opts.Skills.StartRun(turn.ProjectID, turn.TaskID, turn.Question, turn.Attachments, projectDir)
	}
	if run != nil {
		run.PrepareQueryPlan()
		e.chainListener(stream, turn, run)
	}

	if controls.StopRequested != nil && controls.StopRequested() {
		e.cancelTurn(stream, turn, historyID)
		return
	}

	complex := e.classify(ctx, cfg, turn.Question)
	if run != nil && run.ForceComplex() {
		complex = true
	}

	var (
		finalText string
		usage     llm.Usage
		runErr    error
	)
	if complex {
		finalText, usage, runErr = e.runComplex(ctx, stream, turn, cfg, mc, run, controls, projectDir)
	} else {
		finalText, usage, runErr = e.runSimple(ctx, stream, turn, cfg, mc, controls)
	}

	if controls.StopRequested != nil && controls.StopRequested() {
		e.cancelTurn(stream, turn, historyID)
		return
	}
	if runErr != nil {
		if isContextTooLong(runErr) {
			stream.Emit(turn.TaskID, events.StepContextTooLong, map[string]any{"error": runErr.Error()})
		}
		e.updateHistory(ctx, turn, historyID, coreapi.HistoryError, usage.TotalTokens)
		e.failTurn(stream, turn, historyID, runErr.Error())
		return
	}

	if run != nil && !e.enforceContracts(stream, turn, run) {
		e.updateHistory(ctx, turn, historyID, coreapi.HistoryError, usage.TotalTokens)
		stream.Emit(turn.TaskID, events.StepEnd, map[string]any{
			"result": "error",
			"reason": "Skill output contract validation failed",
		})
		return
	}

	if controls.Ring != nil {
		controls.Ring.Append(llm.Message{Role: "user", Content: turn.Question})
		controls.Ring.Append(llm.Message{Role: "assistant", Content: finalText})
	}

	e.updateHistory(ctx, turn, historyID, coreapi.HistoryDone, usage.TotalTokens)
	stream.Emit(turn.TaskID, events.StepEnd, map[string]any{
		"result": finalText,
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"total_tokens":      usage.TotalTokens,
		},
	})
}

// resolveProvider prefers a complete inline override, then the user's
// preferred provider from Core.
func (e *Engine) resolveProvider(ctx context.Context, turn Turn) (llm.ProviderConfig, error) {
	if p := turn.Provider; p != nil && p.ProviderName != "" && p.ModelType != "" && p.APIKey != "" {
		return *p, nil
	}
	cfg, err := e.opts.Core.PreferredProvider(ctx, turn.AuthToken)
	if err != nil {
		return llm.ProviderConfig{}, fmt.Errorf("load preferred provider: %w", err)
	}
	if cfg == nil {
		return llm.ProviderConfig{}, fmt.Errorf("no provider configured")
	}
	return *cfg, nil
}

// classify asks the provider whether the request needs the workforce.
// Anything that does not clearly start with "no" is treated as complex.
func (e *Engine) classify(ctx context.Context, cfg llm.ProviderConfig, question string) bool {
	text, _, err := completeStream(ctx, e.opts.LLM, cfg, []llm.Message{
		{Role: "user", Content: fmt.Sprintf(classifierPrompt, question)},
	})
	if err != nil {
		slog.Warn("Complexity classification failed, assuming complex", "error", err)
		return true
	}
	answer := strings.ToLower(strings.TrimSpace(text))
	letters := strings.TrimLeft(answer, "\"'` ")
	return !strings.HasPrefix(letters, "no")
}

// runSimple streams one completion straight to the client.
func (e *Engine) runSimple(ctx context.Context, stream *events.Stream, turn Turn, cfg llm.ProviderConfig, mc *memory.Context, controls Controls) (string, llm.Usage, error) {
	messages := e.turnMessages(turn, mc, controls.Ring)

	// Cancel on every exit so an abandoned provider stream winds down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := e.opts.LLM.StreamChat(ctx, cfg, messages)
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
			stream.Emit(turn.TaskID, events.StepStreaming, map[string]any{"chunk": c.Content})
		case *llm.UsageChunk:
			usage = c.Usage
		case *llm.ErrorChunk:
			return text.String(), usage, &llm.ProviderError{
				Message: c.Message, Code: c.Code, Retryable: c.Retryable,
			}
		}
		// Stop is observed between chunks; the caller emits the
		// cancellation events.
		if controls.StopRequested != nil && controls.StopRequested() {
			return text.String(), usage, nil
		}
	}
	return text.String(), usage, nil
}

func (e *Engine) turnMessages(turn Turn, mc *memory.Context, ring *memory.Ring) []llm.Message {
	var messages []llm.Message
	if preamble := mc.SystemPreamble(); preamble != "" {
		messages = append(messages, llm.Message{Role: "system", Content: preamble})
	}
	if ring != nil {
		messages = append(messages, ring.Messages()...)
	}
	return append(messages, llm.Message{Role: "user", Content: turn.Question})
}

// isContextTooLong spots provider errors caused by an overlong prompt.
func isContextTooLong(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "context_length") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "maximum context")
}

func (e *Engine) failTurn(stream *events.Stream, turn Turn, historyID, msg string) {
	stream.Emit(turn.TaskID, events.StepError, map[string]any{"error": msg})
	stream.Emit(turn.TaskID, events.StepEnd, map[string]any{"result": "error", "reason": msg})
}

func (e *Engine) cancelTurn(stream *events.Stream, turn Turn, historyID string) {
	stream.Emit(turn.TaskID, events.StepTurnCancelled, map[string]any{"reason": "user_stop"})
	stream.Emit(turn.TaskID, events.StepEnd, map[string]any{"result": "stopped", "reason": "user_stop"})
	e.updateHistory(context.Background(), turn, historyID, coreapi.HistoryCancelled, 0)
}

func (e *Engine) createHistory(ctx context.Context, turn Turn) string {
	id, err := e.opts.Core.CreateHistory(ctx, turn.AuthToken, coreapi.HistoryRequest{
		ProjectID: turn.ProjectID,
		TaskID:    turn.TaskID,
		Question:  turn.Question,
		Status:    coreapi.HistoryProcessing,
	})
	if err != nil {
		slog.Warn("History creation failed", "project_id", turn.ProjectID, "error", err)
		return ""
	}
	return id
}

func (e *Engine) updateHistory(ctx context.Context, turn Turn, historyID, status string, tokens int) {
	if historyID == "" {
		return
	}
	err := e.opts.Core.UpdateHistory(ctx, turn.AuthToken, historyID, coreapi.HistoryRequest{
		ProjectID: turn.ProjectID,
		TaskID:    turn.TaskID,
		Status:    status,
		Tokens:    tokens,
	})
	if err != nil {
		slog.Warn("History update failed", "history_id", historyID, "error", err)
	}
}

// chainListener keeps the sink listener and adds the skill observer.
func (e *Engine) chainListener(stream *events.Stream, turn Turn, run *skill.Run) {
	sink := e.opts.Sink
	stream.SetListener(func(ev events.StepEvent) {
		if sink != nil {
			sink.EnqueueStep(turn.AuthToken, ev)
		}
		run.Observe(ev)
	})
}

// enforceContracts validates skill output, repairs once, and re-validates.
func (e *Engine) enforceContracts(stream *events.Stream, turn Turn, run *skill.Run) bool {
	report := run.Validate()
	if report.Passed() {
		return true
	}
	slog.Info("Skill validation failed, repairing",
		"task_id", turn.TaskID, "score", report.Score, "issues", len(report.Issues))

	run.Repair(stream, func(art events.Artifact) {
		if e.opts.Sink != nil {
			e.opts.Sink.EnqueueArtifact(turn.AuthToken, art)
		}
	})

	report = run.Validate()
	if report.Passed() {
		return true
	}
	stream.Emit(turn.TaskID, events.StepError, map[string]any{
		"error":      "skill_contract_failed",
		"score":      report.Score,
		"issues":     report.Issues,
		"error_code": "skill_contract_failed",
	})
	return false
}

// buildInvoker wires the builtin toolkits plus the user's MCP servers.
func (e *Engine) buildInvoker(ctx context.Context, stream *events.Stream, turn Turn, approver toolkit.Approver, nativeSearch bool, cfg llm.ProviderConfig, mc *memory.Context) *toolkit.Invoker {
	inv := toolkit.NewInvoker(stream, approver, e.opts.ApprovalTimeout, e.opts.DefaultAllow)
	inv.Register(toolkit.NewFileToolkit())
	inv.Register(toolkit.NewTerminalToolkit())
	if turn.SearchEnabled && !nativeSearch {
		inv.Register(toolkit.NewSearchToolkit(e.opts.SearchEndpoint))
	}
	if e.opts.MemorySearch {
		notes := append(append([]coreapi.Note(nil), mc.ProjectNotes...), mc.GlobalNotes...)
		inv.Register(memory.NewNoteSearchToolkit(memory.IndexForProvider(ctx, cfg, notes)))
	}
	servers, err := e.opts.Core.MCPUsers(ctx, turn.AuthToken)
	if err != nil {
		slog.Warn("MCP server catalog unavailable", "error", err)
		return inv
	}
	for _, spec := range servers {
		tk, err := mcptool.New(spec)
		if err != nil {
			slog.Warn("Skipping MCP server", "server", spec.Name, "error", err)
			continue
		}
		inv.Register(tk)
	}
	return inv
}
