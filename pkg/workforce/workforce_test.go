package workforce

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-ai/cowork/pkg/events"
)

func TestParseSubTasksFencedJSON(t *testing.T) {
	text := "Here is the plan:\n```json\n[\n" +
		`  {"id": "t1", "content": "Research Go schedulers", "assigned_role": "search_agent"},` + "\n" +
		`  {"id": "t2", "content": "Write the report"},` + "\n" +
		"]\n```\nGood luck."
	nodes := ParseSubTasks(text)
	require.Len(t, nodes, 2)
	assert.Equal(t, "t1", nodes[0].ID)
	assert.Equal(t, "search_agent", nodes[0].AssignedRole)
	assert.Equal(t, "Write the report", nodes[1].Content)
}

func TestParseSubTasksRepairsSloppyJSON(t *testing.T) {
	// Single quotes and a trailing comma.
	text := `[{'id': 't1', 'content': 'Collect the data',},]`
	nodes := ParseSubTasks(text)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Collect the data", nodes[0].Content)
}

func TestParseSubTasksBulletFallback(t *testing.T) {
	text := "- Gather requirements\n* Build prototype\n1. Ship it\nok\n"
	nodes := ParseSubTasks(text)
	require.Len(t, nodes, 3)
	assert.Equal(t, "Gather requirements", nodes[0].Content)
	assert.Equal(t, "Ship it", nodes[2].Content)
	assert.Equal(t, "task-1", nodes[0].ID)
}

func TestParseSubTasksLastResort(t *testing.T) {
	nodes := ParseSubTasks("??")
	require.Len(t, nodes, 1)
	assert.Equal(t, "Complete the task end-to-end.", nodes[0].Content)
}

func TestParseSubTasksDedupesIDs(t *testing.T) {
	text := `[{"id":"a","content":"first"},{"id":"a","content":"second"},{"id":"b","content":"third"}]`
	nodes := ParseSubTasks(text)
	require.Len(t, nodes, 2)
	assert.Equal(t, "first", nodes[0].Content)
	assert.Equal(t, "b", nodes[1].ID)
}

func TestSplitLabelSummary(t *testing.T) {
	title, summary := SplitLabelSummary("Pricing Report|Build a pricing report from Q2 data")
	assert.Equal(t, "Pricing Report", title)
	assert.Equal(t, "Build a pricing report from Q2 data", summary)

	title, summary = SplitLabelSummary("Just a title")
	assert.Equal(t, "Just a title", title)
	assert.Empty(t, summary)
}

func TestMergeRosterReplacesByName(t *testing.T) {
	merged := MergeRoster(BuiltinAgents(), []Agent{
		{Name: "Developer_Agent", SystemPrompt: "custom dev"},
		{Name: "qa_agent", SystemPrompt: "tester"},
	})
	require.Len(t, merged, 5)
	assert.Equal(t, "custom dev", merged[0].SystemPrompt)
	assert.Equal(t, "qa_agent", merged[4].Name)
}

func TestApplyToolPolicy(t *testing.T) {
	agents := []Agent{{Name: SearchAgent, Tools: []string{"SearchToolkit", "BrowserToolkit", "FileToolkit"}}}

	stripped := ApplyToolPolicy(agents, ToolPolicy{SearchEnabled: false})
	assert.Equal(t, []string{"FileToolkit"}, stripped[0].Tools)

	native := ApplyToolPolicy(agents, ToolPolicy{SearchEnabled: true, NativeSearch: true})
	assert.Equal(t, []string{"BrowserToolkit", "FileToolkit"}, native[0].Tools)

	withMemory := ApplyToolPolicy(agents, ToolPolicy{SearchEnabled: true, MemorySearch: true})
	assert.Contains(t, withMemory[0].Tools, "memory_search")
}

func TestChooseAgent(t *testing.T) {
	agents := BuiltinAgents()
	tests := []struct {
		node TaskNode
		want string
	}{
		{TaskNode{Content: "anything", AssignedRole: "document_agent"}, DocumentAgent},
		{TaskNode{Content: "research the latest Go release"}, SearchAgent},
		{TaskNode{Content: "write up a summary report"}, DocumentAgent},
		{TaskNode{Content: "describe this image"}, MultiModalAgent},
		{TaskNode{Content: "refactor the parser"}, DeveloperAgent},
		{TaskNode{Content: "x", AssignedRole: "no_such_agent"}, DeveloperAgent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ChooseAgent(agents, tt.node), "content %q", tt.node.Content)
	}
}

// recordingRunner scripts per-agent outcomes and counts calls.
type recordingRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int // agent name -> number of failures before success
}

func (r *recordingRunner) RunAgent(ctx context.Context, agent Agent, node TaskNode) (string, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, agent.Name+":"+node.ID)
	if r.fail[agent.Name] > 0 {
		r.fail[agent.Name]--
		return "", 0, errors.New("agent crashed")
	}
	return "done " + node.ID, 10, nil
}

func buildArena(t *testing.T, nodes ...TaskNode) *Arena {
	t.Helper()
	arena := NewArena("root question")
	for _, n := range nodes {
		_, err := arena.AddChild(0, n)
		require.NoError(t, err)
	}
	return arena
}

func drain(s *events.Stream) []events.StepEvent {
	s.Close()
	var out []events.StepEvent
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestExecuteRunsAllSubTasks(t *testing.T) {
	stream := events.NewStream()
	arena := buildArena(t,
		TaskNode{ID: "t1", Content: "research the topic"},
		TaskNode{ID: "t2", Content: "write the code"},
	)
	runner := &recordingRunner{}
	wf := New(stream, "task-1", arena, BuiltinAgents(), runner)

	results, err := wf.Execute(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, node := range results {
		assert.Equal(t, TaskDone, node.State)
		assert.Contains(t, node.Result, "done")
	}

	var kinds []events.StepKind
	for _, ev := range drain(stream) {
		kinds = append(kinds, ev.Step)
	}
	assert.Contains(t, kinds, events.StepAssignTask)
	assert.Contains(t, kinds, events.StepActivateAgent)
	assert.Contains(t, kinds, events.StepDeactivateAgent)
	assert.Contains(t, kinds, events.StepTaskState)
}

func TestExecuteAssignsWaitingBeforeRunning(t *testing.T) {
	stream := events.NewStream()
	arena := buildArena(t, TaskNode{ID: "t1", Content: "do it"})
	wf := New(stream, "task-1", arena, BuiltinAgents(), &recordingRunner{})

	_, err := wf.Execute(context.Background())
	require.NoError(t, err)

	var states []string
	for _, ev := range drain(stream) {
		if ev.Step == events.StepAssignTask {
			states = append(states, ev.Data["state"].(string))
		}
	}
	assert.Equal(t, []string{"waiting", "running"}, states)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	stream := events.NewStream()
	arena := buildArena(t, TaskNode{ID: "t1", Content: "write the code"})
	runner := &recordingRunner{fail: map[string]int{DeveloperAgent: 1}}
	wf := New(stream, "task-1", arena, BuiltinAgents(), runner)

	results, err := wf.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TaskDone, results[0].State)
	assert.Equal(t, 1, results[0].FailureCount)
	assert.Len(t, runner.calls, 2)
}

func TestSetRetryLimitControlsAttempts(t *testing.T) {
	stream := events.NewStream()
	arena := buildArena(t, TaskNode{ID: "t1", Content: "write the code"})
	runner := &recordingRunner{fail: map[string]int{DeveloperAgent: 2}}
	wf := New(stream, "task-1", arena, BuiltinAgents(), runner)
	wf.SetRetryLimit(2)

	results, err := wf.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TaskDone, results[0].State)
	// Two failures burned, third attempt with the same agent succeeds.
	assert.Equal(t, []string{
		DeveloperAgent + ":t1", DeveloperAgent + ":t1", DeveloperAgent + ":t1",
	}, runner.calls)
}

func TestExecuteReplansToAnotherAgent(t *testing.T) {
	stream := events.NewStream()
	arena := buildArena(t, TaskNode{ID: "t1", Content: "research the topic"})
	// search_agent always fails; the replan hands it to the developer.
	runner := &recordingRunner{fail: map[string]int{SearchAgent: 10}}
	wf := New(stream, "task-1", arena, BuiltinAgents(), runner)

	results, err := wf.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TaskDone, results[0].State)
	assert.Contains(t, runner.calls, DeveloperAgent+":t1")
}

func TestExecuteMarksFailedAfterAllAttempts(t *testing.T) {
	stream := events.NewStream()
	arena := buildArena(t, TaskNode{ID: "t1", Content: "write the code"})
	runner := &recordingRunner{fail: map[string]int{
		DeveloperAgent: 10, SearchAgent: 10, DocumentAgent: 10, MultiModalAgent: 10,
	}}
	wf := New(stream, "task-1", arena, BuiltinAgents(), runner)

	results, err := wf.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TaskFailed, results[0].State)
	assert.Contains(t, results[0].Result, "error:")
}

func TestExecuteEmptyArena(t *testing.T) {
	stream := events.NewStream()
	wf := New(stream, "task-1", NewArena("q"), BuiltinAgents(), &recordingRunner{})
	_, err := wf.Execute(context.Background())
	assert.Error(t, err)
}

func TestStopGracefullyDeclinesUnstartedTasks(t *testing.T) {
	stream := events.NewStream()
	arena := buildArena(t,
		TaskNode{ID: "t1", Content: "a thing"},
		TaskNode{ID: "t2", Content: "another thing"},
	)
	runner := &recordingRunner{}
	wf := New(stream, "task-1", arena, BuiltinAgents(), runner)
	wf.StopGracefully()

	results, err := wf.Execute(context.Background())
	require.NoError(t, err)
	for _, node := range results {
		assert.Equal(t, TaskOpen, node.State)
	}
	assert.Empty(t, runner.calls)
}

func TestArenaParentLinks(t *testing.T) {
	arena := NewArena("q")
	idx, err := arena.AddChild(0, TaskNode{ID: "c1", Content: "child"})
	require.NoError(t, err)

	node, ok := arena.Node(idx)
	require.True(t, ok)
	assert.Equal(t, 0, node.Parent)

	_, err = arena.AddChild(99, TaskNode{ID: "bad"})
	assert.Error(t, err)

	assert.Equal(t, []int{idx}, arena.Children(0))
}
