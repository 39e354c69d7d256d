// Package toolkit defines the callable-tool contract and the Invoker
// middleware that wraps every call with step events and the human approval
// gate.
package toolkit

import (
	"context"
	"errors"
	"fmt"
)

// previewLimit caps args/result previews embedded in step events.
const previewLimit = 500

// ErrPermissionDenied is raised through the wrapper when the approval gate
// declines a call. Agents observe it as a tool failure and may retry via
// the workforce's retry/replan policy.
var ErrPermissionDenied = errors.New("tool permission denied")

// ToolCall is one typed invocation request.
type ToolCall struct {
	Toolkit string
	Method  string
	Args    map[string]any
}

// ToolResult is the outcome of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolContext threads per-turn identity into tool execution explicitly —
// no ambient storage.
type ToolContext struct {
	ProjectID     string
	ProcessTaskID string
	AgentName     string
	AuthToken     string
	Workdir       string
}

// MethodSpec describes one callable method for roster/tool listings.
type MethodSpec struct {
	Name        string
	Description string
}

// Toolkit is a named collection of callable methods an agent may invoke.
type Toolkit interface {
	Name() string
	Methods() []MethodSpec
	Call(ctx context.Context, tc ToolContext, method string, args map[string]any) (*ToolResult, error)
}

// Preview renders a value for event payloads, truncated with a marker.
func Preview(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) <= previewLimit {
		return s
	}
	return s[:previewLimit] + "... (truncated)"
}
