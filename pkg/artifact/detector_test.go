package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-ai/cowork/pkg/events"
)

func writeFile(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("content"), 0o644))
	return p
}

func deactivate(taskID, message string) events.StepEvent {
	return events.NewStepEvent(taskID, events.StepDeactivateToolkit, map[string]any{
		"toolkit_name": "FileToolkit",
		"method_name":  "write_to_file",
		"message":      message,
	})
}

func TestDetectWrittenToFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "report.xlsx")
	d := NewDetector("p-1", dir)

	got := d.Expand(deactivate("t-1", "Content written to file: report.xlsx successfully"))
	require.Len(t, got, 1)
	assert.Equal(t, events.StepArtifact, got[0].Step)
	assert.Equal(t, "report.xlsx", got[0].Data["name"])
	assert.Equal(t, "xlsx", got[0].Data["artifact_type"])
	assert.Equal(t, "/files/generated/p-1/download?path=report.xlsx", got[0].Data["content_url"])
}

func TestDetectAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "out/summary.md")
	d := NewDetector("p-1", dir)

	got := d.Expand(deactivate("t-1", "Done. See "+p+" for details."))
	require.Len(t, got, 1)
	assert.Equal(t, "summary.md", got[0].Data["name"])
	url, _ := got[0].Data["content_url"].(string)
	assert.Contains(t, url, "path=out%2Fsummary.md")
}

func TestDetectDeduplicatesPerTaskAndPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv")
	d := NewDetector("p-1", dir)

	first := d.Expand(deactivate("t-1", "saved to file: a.csv"))
	second := d.Expand(deactivate("t-1", "file: a.csv written again"))
	other := d.Expand(deactivate("t-2", "saved to file: a.csv"))

	assert.Len(t, first, 1)
	assert.Empty(t, second)
	assert.Len(t, other, 1) // different task_id is a fresh key
}

func TestDetectIgnoresMissingAndNonFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "subdir.d"), 0o755))
	d := NewDetector("p-1", dir)

	assert.Empty(t, d.Expand(deactivate("t-1", "saved to file: missing.txt")))
	assert.Empty(t, d.Expand(deactivate("t-1", "output: subdir.d")))
}

func TestDetectSkipsLargeMessages(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "big.txt")
	d := NewDetector("p-1", dir)

	msg := "saved to file: big.txt " + strings.Repeat("x", largeMessageThreshold)
	assert.Empty(t, d.Expand(deactivate("t-1", msg)))
}

func TestDetectSkipsDenylistedPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".venv/lib/module.py")
	writeFile(t, dir, "pkg.dist-info/top_level.txt")
	d := NewDetector("p-1", dir)

	assert.Empty(t, d.Expand(deactivate("t-1", "saved to file: .venv/lib/module.py")))
	assert.Empty(t, d.Expand(deactivate("t-1", "saved to file: pkg.dist-info/top_level.txt")))
}

func TestDetectStripsQuotesAndPunctuation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "notes.md")
	d := NewDetector("p-1", dir)

	got := d.Expand(deactivate("t-1", `created file: "notes.md".`))
	require.Len(t, got, 1)
	assert.Equal(t, "notes.md", got[0].Data["name"])
}

func TestExpandIgnoresOtherSteps(t *testing.T) {
	d := NewDetector("p-1", t.TempDir())
	ev := events.NewStepEvent("t-1", events.StepStreaming, map[string]any{"message": "saved to file: x.txt"})
	assert.Empty(t, d.Expand(ev))
}

func TestRecordTracksEmitted(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "made.md")
	d := NewDetector("p-1", dir)

	art, fresh := d.Record("t-1", p)
	assert.True(t, fresh)
	assert.Equal(t, "made.md", art.Name)

	_, fresh = d.Record("t-1", p)
	assert.False(t, fresh)

	assert.Len(t, d.Emitted(), 1)
}

func TestDenied(t *testing.T) {
	assert.True(t, Denied("/work/node_modules/x.js"))
	assert.True(t, Denied("/work/pkg-1.0.dist-info/RECORD.txt"))
	assert.True(t, Denied("/work/sources.txt"))
	assert.False(t, Denied("/work/report.md"))
}
