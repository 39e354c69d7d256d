package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	old := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, old, old))
}

func TestSweepPrunesStaleUploads(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "p-1", "uploads", "attachments", "old-file")
	fresh := filepath.Join(root, "p-1", "uploads", "attachments", "new-file")
	writeAged(t, stale, 48*time.Hour)
	writeAged(t, fresh, time.Minute)

	svc := NewService(root, Policy{UploadTTL: 24 * time.Hour})
	svc.Sweep()

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
}

func TestSweepRemovesIdleProjects(t *testing.T) {
	root := t.TempDir()
	idle := filepath.Join(root, "p-idle")
	busy := filepath.Join(root, "p-busy")
	writeAged(t, filepath.Join(idle, "report.md"), 30*24*time.Hour)
	writeAged(t, filepath.Join(idle, "out", "data.csv"), 30*24*time.Hour)
	writeAged(t, filepath.Join(busy, "report.md"), 30*24*time.Hour)
	writeAged(t, filepath.Join(busy, "notes.md"), time.Minute)

	svc := NewService(root, Policy{ProjectTTL: 7 * 24 * time.Hour})
	svc.Sweep()

	assert.NoDirExists(t, idle)
	// One recent file keeps the whole project.
	assert.DirExists(t, busy)
	assert.FileExists(t, filepath.Join(busy, "report.md"))
}

func TestSweepDirectoryTimestampsAlone(t *testing.T) {
	root := t.TempDir()
	project := filepath.Join(root, "p-1")
	writeAged(t, filepath.Join(project, "file"), time.Minute)

	// Aging the directory itself must not delete a project with fresh files.
	old := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(project, old, old))

	svc := NewService(root, Policy{ProjectTTL: 7 * 24 * time.Hour})
	svc.Sweep()
	assert.DirExists(t, project)
}

func TestZeroTTLsDisablePruning(t *testing.T) {
	root := t.TempDir()
	stale := filepath.Join(root, "p-1", "uploads", "attachments", "old-file")
	writeAged(t, stale, 365*24*time.Hour)

	svc := NewService(root, Policy{})
	svc.Sweep()
	assert.FileExists(t, stale)
}

func TestStartStop(t *testing.T) {
	svc := NewService(t.TempDir(), Policy{Interval: 10 * time.Millisecond})
	svc.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	svc.Stop()

	// Stop twice is safe.
	svc.Stop()
}
