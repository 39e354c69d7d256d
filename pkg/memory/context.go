package memory

import (
	"context"
	"log/slog"
	"strings"

	"github.com/cowork-ai/cowork/pkg/coreapi"
)

// CoreSource is the slice of the Core client the context builder needs.
type CoreSource interface {
	ThreadSummary(ctx context.Context, token, projectID string) (string, error)
	TaskSummary(ctx context.Context, token, projectID string) (string, error)
	Notes(ctx context.Context, token, projectID string) ([]coreapi.Note, error)
}

// Context is the hydrated long-term memory for one turn.
type Context struct {
	ThreadSummary string
	TaskSummary   string
	ProjectNotes  []coreapi.Note
	GlobalNotes   []coreapi.Note
}

// Builder hydrates turn context from the Core service. Every lookup is
// best-effort; a missing or failing source leaves its section empty.
type Builder struct {
	core CoreSource
}

// NewBuilder creates a context builder over the Core client.
func NewBuilder(core CoreSource) *Builder {
	return &Builder{core: core}
}

// Hydrate fetches thread summary, task summary, and notes for the project.
// It never fails; partial context is better than none.
func (b *Builder) Hydrate(ctx context.Context, token, projectID string) *Context {
	mc := &Context{}
	if b.core == nil {
		return mc
	}

	if summary, err := b.core.ThreadSummary(ctx, token, projectID); err != nil {
		slog.Warn("Thread summary unavailable", "project_id", projectID, "error", err)
	} else {
		mc.ThreadSummary = summary
	}

	if summary, err := b.core.TaskSummary(ctx, token, projectID); err != nil {
		slog.Warn("Task summary unavailable", "project_id", projectID, "error", err)
	} else {
		mc.TaskSummary = summary
	}

	if notes, err := b.core.Notes(ctx, token, projectID); err != nil {
		slog.Warn("Project notes unavailable", "project_id", projectID, "error", err)
	} else {
		mc.ProjectNotes = notes
	}

	if notes, err := b.core.Notes(ctx, token, ""); err != nil {
		slog.Warn("Global notes unavailable", "error", err)
	} else {
		mc.GlobalNotes = notes
	}

	return mc
}

// SystemPreamble renders the hydrated context as system-prompt sections.
// Empty sections are omitted; an empty context renders as "".
func (c *Context) SystemPreamble() string {
	var b strings.Builder

	writeSection := func(title, body string) {
		if body == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + title + "\n" + body + "\n")
	}

	writeSection("Conversation so far", c.ThreadSummary)
	writeSection("Progress on the current task", c.TaskSummary)
	writeSection("Project notes", renderNotes(c.ProjectNotes))
	writeSection("User notes", renderNotes(c.GlobalNotes))

	return b.String()
}

func renderNotes(notes []coreapi.Note) string {
	var b strings.Builder
	for _, n := range notes {
		content := strings.TrimSpace(n.Content)
		if content == "" {
			continue
		}
		b.WriteString("- " + content + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
