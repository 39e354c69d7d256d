package workforce

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// subTaskSpec is the decomposition wire shape the model is asked to emit.
type subTaskSpec struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	AssignedRole string `json:"assigned_role,omitempty"`
}

// ParseSubTasks extracts sub-tasks from the model's decomposition output.
// It tolerates fenced code blocks and sloppy JSON, falls back to bullet
// lists, and as a last resort returns a single catch-all task. Duplicate
// IDs keep the first occurrence.
func ParseSubTasks(text string) []TaskNode {
	specs := parseJSONSubTasks(text)
	if len(specs) == 0 {
		specs = parseBulletSubTasks(text)
	}
	if len(specs) == 0 {
		specs = []subTaskSpec{{Content: "Complete the task end-to-end."}}
	}

	seen := make(map[string]bool, len(specs))
	nodes := make([]TaskNode, 0, len(specs))
	for i, spec := range specs {
		content := strings.TrimSpace(spec.Content)
		if content == "" {
			continue
		}
		id := strings.TrimSpace(spec.ID)
		if id == "" {
			id = fmt.Sprintf("task-%d", i+1)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		nodes = append(nodes, TaskNode{
			ID:           id,
			Content:      content,
			State:        TaskOpen,
			AssignedRole: strings.TrimSpace(spec.AssignedRole),
		})
	}
	return nodes
}

func parseJSONSubTasks(text string) []subTaskSpec {
	candidate := stripFences(text)
	start := strings.Index(candidate, "[")
	end := strings.LastIndex(candidate, "]")
	if start < 0 || end <= start {
		return nil
	}
	candidate = candidate[start : end+1]

	var specs []subTaskSpec
	if err := json.Unmarshal([]byte(candidate), &specs); err == nil {
		return specs
	}
	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal([]byte(repaired), &specs); err != nil {
		return nil
	}
	return specs
}

// stripFences returns the body of the first fenced code block, or the input
// unchanged when there is none.
func stripFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	rest := text[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		// Skip the language tag line.
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		return rest[:end]
	}
	return rest
}

func parseBulletSubTasks(text string) []subTaskSpec {
	var specs []subTaskSpec
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*•")
		line = trimOrdinal(line)
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		specs = append(specs, subTaskSpec{Content: line})
	}
	return specs
}

// trimOrdinal strips a leading "1." / "2)" style marker.
func trimOrdinal(line string) string {
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return line[i+1:]
	}
	return line
}

// SplitLabelSummary splits a "Title|Summary" completion on the first pipe.
// With no pipe the whole string is the title.
func SplitLabelSummary(s string) (title, summary string) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "|"); i >= 0 {
		return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:])
	}
	return s, ""
}
