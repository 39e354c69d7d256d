package workforce

import "strings"

// Agent is one worker profile the scheduler can assign tasks to.
type Agent struct {
	Name         string
	Description  string
	SystemPrompt string
	Tools        []string
	AgentID      string
}

// Built-in agent names.
const (
	DeveloperAgent  = "developer_agent"
	SearchAgent     = "search_agent"
	DocumentAgent   = "document_agent"
	MultiModalAgent = "multi_modal_agent"
)

// ToolPolicy adjusts agent tool lists for the turn.
type ToolPolicy struct {
	SearchEnabled bool
	NativeSearch  bool // provider-side web search, strips our search tool
	MemorySearch  bool
}

// BuiltinAgents returns the four stock profiles. Callers own the copies.
func BuiltinAgents() []Agent {
	return []Agent{
		{
			Name:        DeveloperAgent,
			Description: "Writes and runs code, manages files in the project workspace",
			SystemPrompt: "You are a senior software developer. Solve the task by writing " +
				"and executing code in the project workspace. Save every deliverable to a file.",
			Tools: []string{"FileToolkit", "TerminalToolkit"},
		},
		{
			Name:        SearchAgent,
			Description: "Researches topics on the web and cites sources",
			SystemPrompt: "You are a research specialist. Search the web, cross-check " +
				"sources, and answer with citations.",
			Tools: []string{"SearchToolkit", "BrowserToolkit"},
		},
		{
			Name:        DocumentAgent,
			Description: "Produces reports, summaries, and other documents",
			SystemPrompt: "You are a technical writer. Produce well-structured documents " +
				"and save them to files with human-readable names.",
			Tools: []string{"FileToolkit", "SearchToolkit"},
		},
		{
			Name:        MultiModalAgent,
			Description: "Handles images, audio, and video inputs",
			SystemPrompt: "You analyze and describe non-text media attached to the task.",
			Tools:       []string{"FileToolkit"},
		},
	}
}

// MergeRoster overlays custom agent specs onto the base set. Matching is by
// case-insensitive name; matches replace, the rest append.
func MergeRoster(base, custom []Agent) []Agent {
	out := make([]Agent, len(base))
	copy(out, base)
	for _, c := range custom {
		replaced := false
		for i := range out {
			if strings.EqualFold(out[i].Name, c.Name) {
				out[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, c)
		}
	}
	return out
}

// ApplyToolPolicy rewrites each agent's tool list per the turn's search and
// memory settings.
func ApplyToolPolicy(agents []Agent, policy ToolPolicy) []Agent {
	out := make([]Agent, len(agents))
	for i, agent := range agents {
		out[i] = agent
		var tools []string
		for _, tool := range agent.Tools {
			if dropTool(tool, policy) {
				continue
			}
			tools = append(tools, tool)
		}
		if policy.MemorySearch && !containsTool(tools, "memory_search") {
			tools = append(tools, "memory_search")
		}
		out[i].Tools = tools
	}
	return out
}

func dropTool(tool string, policy ToolPolicy) bool {
	lower := strings.ToLower(tool)
	isSearch := strings.Contains(lower, "search") && lower != "memory_search"
	isBrowser := strings.Contains(lower, "browser")
	if !policy.SearchEnabled {
		return isSearch || isBrowser
	}
	if policy.NativeSearch {
		return isSearch
	}
	return false
}

func containsTool(tools []string, name string) bool {
	for _, t := range tools {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// AppendTools adds tools to the named agent, skipping duplicates. Used by
// skill packs to guarantee their required tools are available.
func AppendTools(agents []Agent, name string, tools []string) {
	for i := range agents {
		if !strings.EqualFold(agents[i].Name, name) {
			continue
		}
		for _, tool := range tools {
			if !containsTool(agents[i].Tools, tool) {
				agents[i].Tools = append(agents[i].Tools, tool)
			}
		}
		return
	}
}

// ChooseAgent picks an agent for a sub-task: assigned_role wins when it
// names a known agent, otherwise keywords in the content decide, defaulting
// to the developer.
func ChooseAgent(agents []Agent, node TaskNode) string {
	if node.AssignedRole != "" {
		for _, a := range agents {
			if strings.EqualFold(a.Name, node.AssignedRole) {
				return a.Name
			}
		}
	}
	lower := strings.ToLower(node.Content)
	switch {
	case hasAny(lower, "search", "research", "find out", "look up", "investigate"):
		if name, ok := rosterHas(agents, SearchAgent); ok {
			return name
		}
	case hasAny(lower, "report", "document", "write up", "summar", "draft"):
		if name, ok := rosterHas(agents, DocumentAgent); ok {
			return name
		}
	case hasAny(lower, "image", "photo", "audio", "video", "screenshot"):
		if name, ok := rosterHas(agents, MultiModalAgent); ok {
			return name
		}
	}
	if name, ok := rosterHas(agents, DeveloperAgent); ok {
		return name
	}
	if len(agents) > 0 {
		return agents[0].Name
	}
	return ""
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func rosterHas(agents []Agent, name string) (string, bool) {
	for _, a := range agents {
		if strings.EqualFold(a.Name, name) {
			return a.Name, true
		}
	}
	return "", false
}
