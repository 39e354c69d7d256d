package workforce

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/toolkit"
)

const (
	defaultConcurrency = 3
	defaultRetryLimit  = 1 // extra attempts with the same agent
	gracefulTimeout    = 3 * time.Second
)

// Runner executes one sub-task with one agent. The engine provides the
// implementation; the scheduler only cares about result text, token spend,
// and failure.
type Runner interface {
	RunAgent(ctx context.Context, agent Agent, node TaskNode) (result string, tokens int, err error)
}

// Workforce schedules the root's children across agents. It cannot be
// mutated after Execute starts.
type Workforce struct {
	stream *events.Stream
	taskID string
	arena  *Arena
	agents []Agent
	runner Runner

	concurrency int
	retryLimit  int
	stopCh      chan struct{}
	stopOnce    sync.Once
	doneCh      chan struct{}
	started     atomic.Bool
}

// New creates a workforce over an already-populated arena. taskID is the
// turn's process task id, stamped on every event.
func New(stream *events.Stream, taskID string, arena *Arena, agents []Agent, runner Runner) *Workforce {
	return &Workforce{
		stream:      stream,
		taskID:      taskID,
		arena:       arena,
		agents:      agents,
		runner:      runner,
		concurrency: defaultConcurrency,
		retryLimit:  defaultRetryLimit,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetConcurrency caps parallel agent tasks. Must be called before Execute.
func (w *Workforce) SetConcurrency(n int) {
	if n > 0 {
		w.concurrency = n
	}
}

// SetRetryLimit sets the extra attempts a failing agent gets before the
// task is replanned. Must be called before Execute.
func (w *Workforce) SetRetryLimit(n int) {
	if n >= 0 {
		w.retryLimit = n
	}
}

// StopGracefully declines tasks that have not started and waits up to the
// graceful timeout for in-flight ones to finish.
func (w *Workforce) StopGracefully() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if !w.started.Load() {
		return
	}
	select {
	case <-w.doneCh:
	case <-time.After(gracefulTimeout):
		slog.Warn("Workforce did not drain within graceful timeout", "task_id", w.taskID)
	}
}

func (w *Workforce) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// Execute runs every child of the root and returns their final states in
// arena order. Individual task failures do not fail the batch.
func (w *Workforce) Execute(ctx context.Context) ([]TaskNode, error) {
	w.started.Store(true)
	defer close(w.doneCh)

	children := w.arena.Children(0)
	if len(children) == 0 {
		return nil, fmt.Errorf("no sub-tasks to execute")
	}

	// Announce assignments up front so the client sees the full plan
	// before any work starts.
	assignees := make(map[int]string, len(children))
	for _, idx := range children {
		node, _ := w.arena.Node(idx)
		assignee := ChooseAgent(w.agents, node)
		assignees[idx] = assignee
		w.emit(events.StepAssignTask, map[string]any{
			"assignee_id": assignee,
			"task_id":     node.ID,
			"content":     node.Content,
			"state":       "waiting",
		})
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for _, idx := range children {
		g.Go(func() error {
			w.runTask(ctx, idx, assignees[idx])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]TaskNode, 0, len(children))
	for _, idx := range children {
		node, _ := w.arena.Node(idx)
		out = append(out, node)
	}
	return out, nil
}

func (w *Workforce) runTask(ctx context.Context, idx int, assignee string) {
	if w.stopped() || ctx.Err() != nil {
		return
	}

	node, ok := w.arena.Node(idx)
	if !ok {
		return
	}
	agent, ok := w.agentByName(assignee)
	if !ok {
		w.failTask(idx, node, assignee, fmt.Errorf("no agent %q in roster", assignee))
		return
	}

	w.arena.SetState(idx, TaskRunning)
	w.emit(events.StepAssignTask, map[string]any{
		"assignee_id": agent.Name,
		"task_id":     node.ID,
		"content":     node.Content,
		"state":       "running",
	})
	w.emit(events.StepActivateAgent, map[string]any{
		"agent_name": agent.Name,
		"task_id":    node.ID,
	})

	result, tokens, err := w.attempt(ctx, agent, idx, node)
	if err != nil && !w.stopped() {
		// Replan: hand the task to a different agent once.
		if alt, ok := w.replanAgent(agent.Name); ok {
			slog.Info("Replanning failed sub-task",
				"task_id", node.ID, "from", agent.Name, "to", alt.Name)
			w.arena.SetAssignedRole(idx, alt.Name)
			result, tokens, err = w.attempt(ctx, alt, idx, node)
			agent = alt
		}
	}

	message := result
	if err != nil {
		message = "error: " + err.Error()
	}
	w.emit(events.StepDeactivateAgent, map[string]any{
		"agent_name": agent.Name,
		"task_id":    node.ID,
		"message":    toolkit.Preview(message),
		"tokens":     tokens,
	})

	if err != nil {
		w.arena.SetResult(idx, message)
		updated, _ := w.arena.SetState(idx, TaskFailed)
		w.emitTaskState(updated)
		return
	}
	w.arena.SetResult(idx, result)
	updated, _ := w.arena.SetState(idx, TaskDone)
	w.emitTaskState(updated)
}

// attempt runs the agent with one retry on failure.
func (w *Workforce) attempt(ctx context.Context, agent Agent, idx int, node TaskNode) (string, int, error) {
	var (
		result string
		tokens int
		err    error
	)
	for try := 0; try <= w.retryLimit; try++ {
		result, tokens, err = w.runner.RunAgent(ctx, agent, node)
		if err == nil {
			return result, tokens, nil
		}
		w.arena.RecordFailure(idx)
		if w.stopped() || ctx.Err() != nil {
			break
		}
		slog.Warn("Agent task failed",
			"task_id", node.ID, "agent", agent.Name, "attempt", try+1, "error", err)
	}
	return result, tokens, err
}

func (w *Workforce) failTask(idx int, node TaskNode, agentName string, err error) {
	w.emit(events.StepDeactivateAgent, map[string]any{
		"agent_name": agentName,
		"task_id":    node.ID,
		"message":    "error: " + err.Error(),
		"tokens":     0,
	})
	w.arena.SetResult(idx, "error: "+err.Error())
	updated, _ := w.arena.SetState(idx, TaskFailed)
	w.emitTaskState(updated)
}

// replanAgent picks a different agent for a second opinion, preferring the
// developer.
func (w *Workforce) replanAgent(current string) (Agent, bool) {
	if !strings.EqualFold(current, DeveloperAgent) {
		if a, ok := w.agentByName(DeveloperAgent); ok {
			return a, true
		}
	}
	for _, a := range w.agents {
		if !strings.EqualFold(a.Name, current) {
			return a, true
		}
	}
	return Agent{}, false
}

func (w *Workforce) agentByName(name string) (Agent, bool) {
	for _, a := range w.agents {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Agent{}, false
}

func (w *Workforce) emitTaskState(node TaskNode) {
	w.emit(events.StepTaskState, map[string]any{
		"task_id":       node.ID,
		"state":         string(node.State),
		"failure_count": node.FailureCount,
	})
}

func (w *Workforce) emit(step events.StepKind, data map[string]any) {
	w.stream.Emit(w.taskID, step, data)
}
