package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/workforce"
)

const researchSkillTOML = `
id = "deep_research"
name = "Deep Research"
version = "1.0.0"
domains = ["research"]
trigger_patterns = ["deep\\s+research", "literature review"]
trigger_extensions = ["pdf"]
prompt_instructions = ["Cite every claim.", "Save the final report as markdown."]
required_tools = ["SearchToolkit"]
validation_rules = ["output_contract", "require_two_citations", "markdown_structure", "human_readable_filename"]
force_complex = true

[output_contract]
required_artifact = "report"
allowed_extensions = ["md"]
min_artifacts = 1
`

func writePack(t *testing.T, root, id, body string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skill.toml"), []byte(body), 0o644))
}

func loadResearchEngine(t *testing.T, mode Mode) *Engine {
	t.Helper()
	root := t.TempDir()
	writePack(t, root, "deep_research", researchSkillTOML)
	packs, err := LoadPacks(root)
	require.NoError(t, err)
	require.Len(t, packs, 1)
	return NewEngine(mode, packs)
}

func TestLoadPacksReadsPolicyAndTemplates(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "deep_research", researchSkillTOML)
	dir := filepath.Join(root, "deep_research")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy.md"), []byte("Always cite."), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "templates"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "templates", "report.md"), []byte("# {title}"), 0o644))

	packs, err := LoadPacks(root)
	require.NoError(t, err)
	require.Len(t, packs, 1)
	assert.Equal(t, "Always cite.", packs[0].PolicyMarkdown)
	assert.Equal(t, "# {title}", packs[0].Templates["report"])
}

func TestLoadPacksMissingRoot(t *testing.T) {
	packs, err := LoadPacks(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, packs)
}

func TestLoadPacksBadPattern(t *testing.T) {
	root := t.TempDir()
	writePack(t, root, "broken", "id = \"broken\"\ntrigger_patterns = [\"[\"]\n")
	_, err := LoadPacks(root)
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeOn, ParseMode("on"))
	assert.Equal(t, ModeOn, ParseMode("TRUE"))
	assert.Equal(t, ModeShadow, ParseMode("shadow"))
	assert.Equal(t, ModeOff, ParseMode("off"))
	assert.Equal(t, ModeOff, ParseMode(""))
	assert.Equal(t, ModeOff, ParseMode("whatever"))
}

func TestDetectByPatternAndExtension(t *testing.T) {
	engine := loadResearchEngine(t, ModeOn)

	assert.Len(t, engine.Detect("Do a Deep Research on Go schedulers", nil), 1)
	assert.Len(t, engine.Detect("summarize this", []string{"paper.pdf"}), 1)
	assert.Len(t, engine.Detect("please check attached report.pdf", nil), 1)
	assert.Empty(t, engine.Detect("fix the bug", nil))
}

func TestStartRunModes(t *testing.T) {
	question := "deep research on LLM routers"

	assert.Nil(t, loadResearchEngine(t, ModeOff).StartRun("p", "t", question, nil, t.TempDir()))
	assert.Nil(t, loadResearchEngine(t, ModeShadow).StartRun("p", "t", question, nil, t.TempDir()))

	run := loadResearchEngine(t, ModeOn).StartRun("p", "t", question, nil, t.TempDir())
	require.NotNil(t, run)
	assert.True(t, run.ForceComplex())
}

func TestPrepareQueryPlan(t *testing.T) {
	run := loadResearchEngine(t, ModeOn).StartRun("p", "t", "deep research on rate limiters", nil, t.TempDir())
	require.NotNil(t, run)

	plan := run.PrepareQueryPlan()
	require.Len(t, plan, 4)
	assert.Equal(t, "deep research on rate limiters", plan[0])
	assert.Contains(t, plan[1], "abstract methodology key findings")
	assert.Equal(t, plan, run.QueryPlan())
}

func TestInjectPolicyIdempotent(t *testing.T) {
	run := loadResearchEngine(t, ModeOn).StartRun("p", "t", "deep research on X", nil, t.TempDir())
	require.NotNil(t, run)

	agents := workforce.BuiltinAgents()
	run.InjectPolicy(agents)
	run.InjectPolicy(agents)

	var doc *workforce.Agent
	for i := range agents {
		if agents[i].Name == workforce.DocumentAgent {
			doc = &agents[i]
		}
	}
	require.NotNil(t, doc)
	assert.Contains(t, doc.SystemPrompt, "Cite every claim.")
	assert.Equal(t, 1, countOccurrences(doc.SystemPrompt, "Cite every claim."))
	assert.Contains(t, doc.Tools, "SearchToolkit")
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}

func TestObserveCollectsState(t *testing.T) {
	run := loadResearchEngine(t, ModeOn).StartRun("p", "t", "deep research on X", nil, t.TempDir())
	require.NotNil(t, run)

	run.Observe(events.NewStepEvent("t", events.StepStreaming, map[string]any{"chunk": "hello "}))
	run.Observe(events.NewStepEvent("t", events.StepDecomposeText, map[string]any{"chunk": "world"}))
	run.Observe(events.NewStepEvent("t", events.StepArtifact, map[string]any{
		"artifact_type": "md", "name": "Report.md", "content_url": "/x", "created_at": "now",
	}))
	searchMessage := "1. Go scheduler deep dive\n   url: https://example.com/a\n" +
		"2. Runtime internals\n   url: https://example.com/b\n"
	run.Observe(events.NewStepEvent("t", events.StepDeactivateToolkit, map[string]any{
		"toolkit_name": "SearchToolkit", "message": searchMessage,
	}))
	// Duplicate search output dedupes by URL.
	run.Observe(events.NewStepEvent("t", events.StepDeactivateToolkit, map[string]any{
		"toolkit_name": "SearchToolkit", "message": searchMessage,
	}))
	// Non-search toolkits are ignored.
	run.Observe(events.NewStepEvent("t", events.StepDeactivateToolkit, map[string]any{
		"toolkit_name": "FileToolkit", "message": "1. not a source\n   url: https://nope\n",
	}))

	assert.Equal(t, "hello world", run.Transcript())
	require.Len(t, run.Artifacts(), 1)
	require.Len(t, run.Sources(), 2)
	assert.Equal(t, "Go scheduler deep dive", run.Sources()[0].Title)
}

func observedRun(t *testing.T, workdir string) *Run {
	t.Helper()
	run := loadResearchEngine(t, ModeOn).StartRun("p-1", "t-1", "deep research on caches", nil, workdir)
	require.NotNil(t, run)
	return run
}

func TestValidatePasses(t *testing.T) {
	workdir := t.TempDir()
	body := "# Cache Research\n\nCaches trade memory for latency across every tier of a system.\n" +
		"See https://example.com/a and https://example.com/b\n"
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "Cache Research.md"), []byte(body), 0o644))

	run := observedRun(t, workdir)
	run.Observe(events.NewStepEvent("t-1", events.StepStreaming, map[string]any{"chunk": body}))
	run.Observe(events.NewStepEvent("t-1", events.StepArtifact, map[string]any{
		"artifact_type": "md", "name": "Cache Research.md",
	}))

	report := run.Validate()
	assert.True(t, report.Passed())
	assert.Equal(t, 100, report.Score)
}

func TestValidateFindsIssuesAndScores(t *testing.T) {
	run := observedRun(t, t.TempDir())
	// No artifacts, no citations: two errors.
	report := run.Validate()
	assert.False(t, report.Passed())
	assert.Equal(t, 100-18*2, report.Score)
}

func TestValidateFlagsMachineFilenames(t *testing.T) {
	workdir := t.TempDir()
	content := "# Title\n\nA body long enough to satisfy the structure rule for markdown.\nhttps://a https://b\n"
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "cache_report.md"), []byte(content), 0o644))

	run := observedRun(t, workdir)
	run.Observe(events.NewStepEvent("t-1", events.StepStreaming, map[string]any{"chunk": content}))
	run.Observe(events.NewStepEvent("t-1", events.StepArtifact, map[string]any{
		"artifact_type": "md", "name": "cache_report.md",
	}))

	report := run.Validate()
	assert.True(t, report.Passed()) // warning only
	assert.Equal(t, 94, report.Score)
}

func TestExplicitFilenamesAreNeverFlagged(t *testing.T) {
	workdir := t.TempDir()
	content := "# Title\n\nA body long enough to satisfy the structure rule for markdown.\nhttps://a https://b\n"
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "my_notes.md"), []byte(content), 0o644))

	run := loadResearchEngine(t, ModeOn).StartRun(
		"p-1", "t-1", `deep research, save it as "my_notes.md"`, nil, workdir)
	require.NotNil(t, run)
	run.Observe(events.NewStepEvent("t-1", events.StepStreaming, map[string]any{"chunk": content}))
	run.Observe(events.NewStepEvent("t-1", events.StepArtifact, map[string]any{
		"artifact_type": "md", "name": "my_notes.md",
	}))

	report := run.Validate()
	assert.Equal(t, 100, report.Score)
}

func TestRepairRenamesAndResolvesWarnings(t *testing.T) {
	workdir := t.TempDir()
	content := "# Title\n\nA body long enough to satisfy the structure rule for markdown.\nhttps://a https://b\n"
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "rag_eval_report.md"), []byte(content), 0o644))

	run := observedRun(t, workdir)
	run.Observe(events.NewStepEvent("t-1", events.StepStreaming, map[string]any{"chunk": content}))
	run.Observe(events.NewStepEvent("t-1", events.StepArtifact, map[string]any{
		"artifact_type": "md", "name": "rag_eval_report.md",
	}))
	require.False(t, run.Validate().Score == 100)

	stream := events.NewStream()
	var forwarded []events.Artifact
	run.Repair(stream, func(a events.Artifact) { forwarded = append(forwarded, a) })

	_, err := os.Stat(filepath.Join(workdir, "RAG Eval Report.md"))
	require.NoError(t, err)
	assert.Equal(t, 100, run.Validate().Score)

	// Renames are stream-only; nothing extra goes to Core.
	assert.Empty(t, forwarded)
}

func TestRepairSynthesizesMarkdown(t *testing.T) {
	run := observedRun(t, t.TempDir())
	transcript := "Findings: caches trade memory for latency. https://a https://b"
	run.Observe(events.NewStepEvent("t-1", events.StepStreaming, map[string]any{"chunk": transcript}))

	stream := events.NewStream()
	var forwarded []events.Artifact
	run.Repair(stream, func(a events.Artifact) { forwarded = append(forwarded, a) })

	require.Len(t, forwarded, 1)
	assert.Equal(t, "Deep Research On Caches.md", forwarded[0].Name)
	assert.True(t, run.Validate().Passed())
}

func TestRepairDiscoversMissedArtifacts(t *testing.T) {
	workdir := t.TempDir()
	content := "# Found\n\nThis file was written by a tool but never surfaced as an event, oops.\n"
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "Found Report.md"), []byte(content), 0o644))
	// Denylisted directories are not scanned.
	require.NoError(t, os.MkdirAll(filepath.Join(workdir, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "node_modules", "readme.md"), []byte("x"), 0o644))

	run := observedRun(t, workdir)
	stream := events.NewStream()
	var forwarded []events.Artifact
	run.Repair(stream, func(a events.Artifact) { forwarded = append(forwarded, a) })

	require.Len(t, forwarded, 1)
	assert.Equal(t, "Found Report.md", forwarded[0].Name)
	assert.Contains(t, forwarded[0].ContentURL, "/files/generated/p-1/download?path=")
}

func TestHumanizeStem(t *testing.T) {
	tests := []struct{ in, want string }{
		{"pricing_report_q2", "Pricing Report Q2"},
		{"rag_eval_report", "RAG Eval Report"},
		{"mlPipeline", "Ml Pipeline"},
		{"nlp_pdf_notes", "NLP PDF Notes"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanizeStem(tt.in), "stem %q", tt.in)
	}
}

func TestParseExplicitFilenames(t *testing.T) {
	got := parseExplicitFilenames(`save as "Final Report.md" and 'data.csv' please`)
	assert.True(t, got["final report.md"])
	assert.True(t, got["data.csv"])
	assert.Len(t, got, 2)
}
