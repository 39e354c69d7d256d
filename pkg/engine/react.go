package engine

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// parsedResponse is one agent completion broken into its sections. The
// parser is forgiving: a response with neither an action nor a final
// answer is treated as a final answer so a chatty model still terminates.
type parsedResponse struct {
	Thought     string
	HasAction   bool
	Toolkit     string
	Method      string
	Args        map[string]any
	IsFinal     bool
	FinalAnswer string
}

// parseAgentResponse splits agent output on Action / Action Input /
// Final Answer markers. When both an action and a final answer appear the
// action wins, since nothing should follow a real final answer.
func parseAgentResponse(text string) *parsedResponse {
	var (
		thought     strings.Builder
		action      string
		actionInput strings.Builder
		finalAnswer strings.Builder
		section     = "thought"
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case hasMarker(trimmed, "Action:"):
			action = strings.TrimSpace(afterMarker(trimmed, "Action:"))
			section = "action"
			continue
		case hasMarker(trimmed, "Action Input:"):
			actionInput.WriteString(afterMarker(trimmed, "Action Input:"))
			actionInput.WriteString("\n")
			section = "action_input"
			continue
		case hasMarker(trimmed, "Final Answer:"):
			finalAnswer.WriteString(afterMarker(trimmed, "Final Answer:"))
			finalAnswer.WriteString("\n")
			section = "final_answer"
			continue
		}
		switch section {
		case "action_input":
			actionInput.WriteString(line + "\n")
		case "final_answer":
			finalAnswer.WriteString(line + "\n")
		default:
			thought.WriteString(line + "\n")
		}
	}

	resp := &parsedResponse{Thought: strings.TrimSpace(thought.String())}

	if action != "" {
		tk, method, ok := strings.Cut(action, ".")
		if ok && tk != "" && method != "" {
			resp.HasAction = true
			resp.Toolkit = strings.TrimSpace(tk)
			resp.Method = strings.TrimSpace(method)
			resp.Args = parseActionInput(actionInput.String())
			return resp
		}
	}

	if answer := strings.TrimSpace(finalAnswer.String()); answer != "" {
		resp.IsFinal = true
		resp.FinalAnswer = answer
		return resp
	}

	// No recognizable sections: the whole text is the answer.
	resp.IsFinal = true
	resp.FinalAnswer = strings.TrimSpace(text)
	return resp
}

// hasMarker accepts the marker at line start, optionally fenced or bolded.
func hasMarker(line, marker string) bool {
	line = strings.TrimLeft(line, "`*# ")
	return strings.HasPrefix(line, marker)
}

func afterMarker(line, marker string) string {
	line = strings.TrimLeft(line, "`*# ")
	return strings.TrimRight(strings.TrimPrefix(line, marker), "`*")
}

// parseActionInput decodes tool arguments, repairing sloppy JSON. Unusable
// input degrades to a single free-text argument.
func parseActionInput(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args
	}
	if repaired, err := jsonrepair.JSONRepair(raw); err == nil {
		if err := json.Unmarshal([]byte(repaired), &args); err == nil {
			return args
		}
	}
	return map[string]any{"input": raw}
}
