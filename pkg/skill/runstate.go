package skill

import (
	"regexp"
	"strings"
	"sync"

	"github.com/cowork-ai/cowork/pkg/events"
)

// Source is one deduped search hit observed during the turn.
type Source struct {
	Title string
	URL   string
}

// Run is the per-turn skill state. It observes the event stream as a
// listener and accumulates everything validation needs.
type Run struct {
	projectID string
	taskID    string
	question  string
	workdir   string
	skills    []*Pack

	explicitFilenames map[string]bool

	mu          sync.Mutex
	queryPlan   []string
	artifacts   []events.Artifact
	transcript  strings.Builder
	sources     []Source
	seenSources map[string]bool
}

func newRun(projectID, taskID, question, workdir string, skills []*Pack) *Run {
	return &Run{
		projectID:         projectID,
		taskID:            taskID,
		question:          question,
		workdir:           workdir,
		skills:            skills,
		explicitFilenames: parseExplicitFilenames(question),
		seenSources:       make(map[string]bool),
	}
}

// Skills returns the active packs in activation order.
func (r *Run) Skills() []*Pack { return r.skills }

// Observe is an events.Listener. It collects artifacts, search sources,
// and transcript text as the turn emits them.
func (r *Run) Observe(ev events.StepEvent) {
	switch ev.Step {
	case events.StepStreaming, events.StepDecomposeText:
		if chunk, ok := ev.Data["chunk"].(string); ok {
			r.mu.Lock()
			r.transcript.WriteString(chunk)
			r.mu.Unlock()
		}
	case events.StepArtifact:
		r.mu.Lock()
		r.artifacts = append(r.artifacts, artifactFromEvent(ev))
		r.mu.Unlock()
	case events.StepDeactivateToolkit:
		name, _ := ev.Data["toolkit_name"].(string)
		if !strings.Contains(strings.ToLower(name), "search") {
			return
		}
		message, _ := ev.Data["message"].(string)
		r.recordSources(parseSearchSources(message))
	}
}

// Transcript returns the accumulated model output text.
func (r *Run) Transcript() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcript.String()
}

// Artifacts returns a snapshot of the observed artifacts.
func (r *Run) Artifacts() []events.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Artifact(nil), r.artifacts...)
}

// Sources returns the deduped search hits.
func (r *Run) Sources() []Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Source(nil), r.sources...)
}

func (r *Run) recordSources(found []Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range found {
		key := s.URL
		if key == "" {
			key = s.Title
		}
		if key == "" || r.seenSources[key] {
			continue
		}
		r.seenSources[key] = true
		r.sources = append(r.sources, s)
	}
}

func artifactFromEvent(ev events.StepEvent) events.Artifact {
	str := func(key string) string {
		s, _ := ev.Data[key].(string)
		return s
	}
	return events.Artifact{
		TaskID:       ev.TaskID,
		ArtifactType: str("artifact_type"),
		Name:         str("name"),
		ContentURL:   str("content_url"),
		CreatedAt:    str("created_at"),
	}
}

var sourceLinePattern = regexp.MustCompile(`^\s*(?:(\d+)\.\s*(.+)|url:\s*(\S+))\s*$`)

// parseSearchSources reads the numbered "Title / url:" layout the search
// toolkit produces.
func parseSearchSources(message string) []Source {
	var (
		out     []Source
		current *Source
	)
	for _, line := range strings.Split(message, "\n") {
		m := sourceLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if m[1] != "" {
			if current != nil {
				out = append(out, *current)
			}
			current = &Source{Title: strings.TrimSpace(m[2])}
			continue
		}
		if current != nil {
			current.URL = m[3]
			out = append(out, *current)
			current = nil
		} else {
			out = append(out, Source{URL: m[3]})
		}
	}
	if current != nil {
		out = append(out, *current)
	}
	return out
}
