package toolkit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cowork-ai/cowork/pkg/events"
)

// DefaultApprovalTimeout is how long an ask_user prompt waits for an answer.
const DefaultApprovalTimeout = 120 * time.Second

// Invoker is the middleware every tool call goes through. It emits the
// paired activate_toolkit / deactivate_toolkit events, runs the approval
// gate, and dispatches to the registered toolkit.
type Invoker struct {
	stream   *events.Stream
	approver Approver

	// timeout and defaultAllow come from configuration: in development the
	// timeout fallback approves, elsewhere it denies.
	timeout      time.Duration
	defaultAllow bool

	toolkits map[string]Toolkit
}

// NewInvoker builds an Invoker for one turn.
func NewInvoker(stream *events.Stream, approver Approver, timeout time.Duration, defaultAllow bool) *Invoker {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &Invoker{
		stream:       stream,
		approver:     approver,
		timeout:      timeout,
		defaultAllow: defaultAllow,
		toolkits:     make(map[string]Toolkit),
	}
}

// Register adds a toolkit. Registration happens before the turn starts; the
// map is read-only afterwards.
func (inv *Invoker) Register(tk Toolkit) {
	inv.toolkits[tk.Name()] = tk
}

// Toolkits lists registered toolkit names, sorted.
func (inv *Invoker) Toolkits() []string {
	names := make([]string, 0, len(inv.toolkits))
	for name := range inv.toolkits {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods lists a registered toolkit's methods, or nil when unknown.
func (inv *Invoker) Methods(name string) []MethodSpec {
	if tk, ok := inv.toolkits[name]; ok {
		return tk.Methods()
	}
	return nil
}

// Invoke runs one tool call through the full lifecycle. The
// deactivate_toolkit event is emitted on every exit path, including
// permission denial and panics in the underlying tool.
func (inv *Invoker) Invoke(ctx context.Context, tc ToolContext, call ToolCall) (result *ToolResult, err error) {
	inv.stream.Emit(tc.ProcessTaskID, events.StepActivateToolkit, map[string]any{
		"toolkit_name": call.Toolkit,
		"method_name":  call.Method,
		"args_preview": Preview(call.Args),
		"agent_name":   tc.AgentName,
	})

	defer func() {
		message := ""
		switch {
		case err != nil:
			message = "error: " + err.Error()
		case result != nil && result.IsError:
			message = "error: " + result.Content
		case result != nil:
			message = result.Content
		}
		inv.stream.Emit(tc.ProcessTaskID, events.StepDeactivateToolkit, map[string]any{
			"toolkit_name": call.Toolkit,
			"method_name":  call.Method,
			"message":      Preview(message),
			"agent_name":   tc.AgentName,
		})
	}()

	tk, ok := inv.toolkits[call.Toolkit]
	if !ok {
		return nil, fmt.Errorf("unknown toolkit %q", call.Toolkit)
	}

	if tier := ClassifyTier(call.Toolkit, call.Method); tier != TierNeverAsk {
		approved := inv.approve(ctx, tc, call, tier)
		if !approved {
			return nil, fmt.Errorf("%s.%s: %w", call.Toolkit, call.Method, ErrPermissionDenied)
		}
	}

	return tk.Call(ctx, tc, call.Method, call.Args)
}

// approve runs the prompt protocol for always_ask and ask_once tiers.
// A turn being cancelled denies immediately, before and during the prompt.
func (inv *Invoker) approve(ctx context.Context, tc ToolContext, call ToolCall, tier Tier) bool {
	if inv.approver.StopRequested() {
		return false
	}
	if tier == TierAskOnce {
		if d, ok := inv.approver.RememberedDecision(call.Toolkit); ok {
			return d.Approved
		}
	}

	requestID := uuid.New().String()
	responses := inv.approver.BeginApproval(requestID)
	defer inv.approver.EndApproval(requestID)

	inv.stream.Emit(tc.ProcessTaskID, events.StepAskUser, map[string]any{
		"request_id":      requestID,
		"tier":            string(tier),
		"human_question":  fmt.Sprintf("Allow %s to run %s.%s?", tc.AgentName, call.Toolkit, call.Method),
		"detail":          Preview(call.Args),
		"toolkit_name":    call.Toolkit,
		"method_name":     call.Method,
		"agent_name":      tc.AgentName,
		"process_task_id": tc.ProcessTaskID,
	})

	timer := time.NewTimer(inv.timeout)
	defer timer.Stop()

	select {
	case decision := <-responses:
		if tier == TierAskOnce && decision.Remember {
			inv.approver.RememberDecision(call.Toolkit, Decision{Approved: decision.Approved, Remember: true})
		}
		return decision.Approved

	case <-ctx.Done():
		// Turn cancelled: deny immediately, no fallback notice.
		return false

	case <-inv.approver.StopNotify():
		return false

	case <-timer.C:
		if inv.approver.StopRequested() {
			return false
		}
		verdict := "denied"
		if inv.defaultAllow {
			verdict = "approved"
		}
		inv.stream.Emit(tc.ProcessTaskID, events.StepNotice, map[string]any{
			"message": fmt.Sprintf("approval request timed out after %s; default %s applied", inv.timeout, verdict),
			"request_id": requestID,
		})
		slog.Warn("Tool approval timed out",
			"toolkit", call.Toolkit, "method", call.Method, "default_allow", inv.defaultAllow)
		return inv.defaultAllow
	}
}
