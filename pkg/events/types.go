// Package events defines the typed step-event log a turn produces and the
// delivery paths for it: the per-turn Stream consumed by the SSE handler,
// and the WebSocket Hub that mirrors completed events to project channels.
//
// ════════════════════════════════════════════════════════════════
// Step Event Lifecycle
// ════════════════════════════════════════════════════════════════
//
// Every turn emits a totally ordered sequence of step events:
//
//	confirmed {question}            (always first)
//	task_state {state: "processing"}
//	... streaming / decompose_text / to_sub_tasks / assign_task /
//	    activate_* / deactivate_* / artifact / ask_user / notice ...
//	end {result, ...}               (always last, exactly once)
//
// Toolkit events are paired: an activate_toolkit is always followed by a
// deactivate_toolkit for the same call, even on failure or permission
// denial. An artifact event caused by a deactivate_toolkit is delivered
// after it and before the next run-loop event.
//
// ════════════════════════════════════════════════════════════════
package events

import "time"

// StepKind identifies the type of a step event. Closed set.
type StepKind string

const (
	StepConfirmed          StepKind = "confirmed"
	StepStreaming          StepKind = "streaming"
	StepDecomposeText      StepKind = "decompose_text"
	StepToSubTasks         StepKind = "to_sub_tasks"
	StepAssignTask         StepKind = "assign_task"
	StepTaskState          StepKind = "task_state"
	StepCreateAgent        StepKind = "create_agent"
	StepActivateAgent      StepKind = "activate_agent"
	StepDeactivateAgent    StepKind = "deactivate_agent"
	StepActivateToolkit    StepKind = "activate_toolkit"
	StepDeactivateToolkit  StepKind = "deactivate_toolkit"
	StepArtifact           StepKind = "artifact"
	StepAskUser            StepKind = "ask_user"
	StepNotice             StepKind = "notice"
	StepError              StepKind = "error"
	StepTurnCancelled      StepKind = "turn_cancelled"
	StepEnd                StepKind = "end"
	StepContextTooLong     StepKind = "context_too_long"
)

// StepEvent is one entry in a turn's event log. Data is the step-specific
// payload; its keys are documented per StepKind in the package doc.
type StepEvent struct {
	TaskID    string         `json:"task_id"`
	Step      StepKind       `json:"step"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"` // RFC3339Nano
}

// NewStepEvent stamps a step event with the current time.
func NewStepEvent(taskID string, step StepKind, data map[string]any) StepEvent {
	if data == nil {
		data = map[string]any{}
	}
	return StepEvent{
		TaskID:    taskID,
		Step:      step,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Artifact describes a downloadable file produced during a turn.
type Artifact struct {
	TaskID       string `json:"task_id"`
	ArtifactType string `json:"artifact_type"` // file extension without dot, or "file"
	Name         string `json:"name"`
	ContentURL   string `json:"content_url,omitempty"`
	CreatedAt    string `json:"created_at"` // RFC3339Nano
}

// ProjectChannel returns the Hub channel name for a project's events.
// Format: "project:{project_id}"
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "catchup", "ping"
	Channel string `json:"channel,omitempty"` // channel name (e.g. "project:abc-123")
}
