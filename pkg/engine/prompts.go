package engine

import (
	"fmt"
	"strings"

	"github.com/cowork-ai/cowork/pkg/toolkit"
)

const classifierPrompt = `You are a task-complexity classifier. Answer with a single word.

Is the following request complex enough to need multiple specialist agents
working on separate sub-tasks (research, coding, document writing)? Answer
"yes" or "no". Short factual questions, chit-chat, and single-step requests
are "no".

Request: %s`

const decomposePrompt = `Break the following request into 2-6 concrete sub-tasks.
Respond with a JSON array only, no prose:
[{"id": "t1", "content": "...", "assigned_role": "developer_agent|search_agent|document_agent|multi_modal_agent"}]

Request: %s`

const labelPrompt = `Produce a short title and a one-sentence summary for this request,
formatted exactly as "Title|Summary" on one line.

Request: %s`

const summaryPrompt = `You coordinated several specialist agents on the request below.
Write the final answer for the user from their results. Be direct; mention
files the agents produced by name.

Request: %s

Agent results:
%s`

const reactFormat = `
Work step by step. To use a tool, respond with exactly:

Thought: why you need the tool
Action: ToolkitName.method_name
Action Input: {"arg": "value"}

After each Action you receive an Observation. When you are done, respond with:

Final Answer: <your complete answer>

Available tools:
%s

Save every deliverable file inside the working directory using relative paths.`

// toolCatalog renders the tool list for the agent's system prompt.
func toolCatalog(inv *toolkit.Invoker, allowed []string) string {
	var b strings.Builder
	for _, name := range allowed {
		methods := inv.Methods(name)
		if len(methods) == 0 {
			continue
		}
		for _, m := range methods {
			if m.Description != "" {
				fmt.Fprintf(&b, "- %s.%s: %s\n", name, m.Name, m.Description)
			} else {
				fmt.Fprintf(&b, "- %s.%s\n", name, m.Name)
			}
		}
	}
	if b.Len() == 0 {
		return "- (none)"
	}
	return strings.TrimRight(b.String(), "\n")
}
