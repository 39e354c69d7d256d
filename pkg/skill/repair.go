package skill

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cowork-ai/cowork/pkg/artifact"
	"github.com/cowork-ai/cowork/pkg/events"
)

// Forwarder receives newly created artifacts for persistence. Renames are
// emitted to the stream only, so Core never sees the same file twice.
type Forwarder func(events.Artifact)

var preservedAcronyms = map[string]string{
	"ai": "AI", "ml": "ML", "nlp": "NLP", "rag": "RAG", "pdf": "PDF", "docx": "DOCX",
}

// Repair performs the bounded fix-up pass after a failed validation:
// discover artifacts the detector missed, rename machine-style filenames,
// and synthesize a missing markdown deliverable. The caller re-validates
// once afterwards.
func (r *Run) Repair(stream *events.Stream, forward Forwarder) {
	r.discoverArtifacts(stream, forward)
	r.renameMachineFilenames(stream)
	r.synthesizeMarkdown(stream, forward)
}

// discoverArtifacts walks the workdir for contract-matching files that
// never surfaced as artifact events.
func (r *Run) discoverArtifacts(stream *events.Stream, forward Forwarder) {
	allowed := r.allowedExtensions()
	known := r.knownNames()

	filepath.WalkDir(r.workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if artifact.Denied(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if artifact.Denied(path) || !extAllowed(d.Name(), allowed) || known[strings.ToLower(d.Name())] {
			return nil
		}
		known[strings.ToLower(d.Name())] = true
		r.emitArtifact(stream, forward, path, "created")
		return nil
	})
}

// renameMachineFilenames turns snake_case stems into Title Case ones,
// preserving well-known acronyms. Explicit user filenames and collisions
// are left alone.
func (r *Run) renameMachineFilenames(stream *events.Stream) {
	for _, art := range r.Artifacts() {
		if r.explicitFilenames[strings.ToLower(art.Name)] || !machineStyle(stem(art.Name)) {
			continue
		}
		path := r.findWorkdirFile(art.Name)
		if path == "" {
			continue
		}
		target := filepath.Join(filepath.Dir(path), humanizeStem(stem(art.Name))+filepath.Ext(path))
		if _, err := os.Stat(target); err == nil {
			continue
		}
		if err := os.Rename(path, target); err != nil {
			slog.Warn("Artifact rename failed", "from", path, "error", err)
			continue
		}
		r.dropArtifact(art.Name)
		r.emitArtifact(stream, nil, target, "modified")
	}
}

// synthesizeMarkdown writes a report from the transcript when a markdown
// contract has no matching artifact.
func (r *Run) synthesizeMarkdown(stream *events.Stream, forward Forwarder) {
	if !r.markdownMissing() {
		return
	}
	transcript := strings.TrimSpace(r.Transcript())
	if transcript == "" {
		return
	}
	title := suggestTitle(r.question)
	path := filepath.Join(r.workdir, title+".md")
	if _, err := os.Stat(path); err == nil {
		return
	}
	content := fmt.Sprintf("# %s\n\n%s\n", title, transcript)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		slog.Warn("Markdown synthesis failed", "path", path, "error", err)
		return
	}
	r.emitArtifact(stream, forward, path, "created")
}

func (r *Run) markdownMissing() bool {
	wantsMarkdown := false
	for _, pack := range r.skills {
		if extAllowed("x.md", pack.OutputContract.AllowedExtensions) &&
			len(pack.OutputContract.AllowedExtensions) > 0 {
			wantsMarkdown = true
		}
	}
	if !wantsMarkdown {
		return false
	}
	for _, art := range r.Artifacts() {
		if strings.EqualFold(filepath.Ext(art.Name), ".md") {
			return false
		}
	}
	return true
}

func (r *Run) emitArtifact(stream *events.Stream, forward Forwarder, path, action string) {
	rel, err := filepath.Rel(r.workdir, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	art := events.Artifact{
		TaskID:       r.taskID,
		ArtifactType: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."),
		Name:         filepath.Base(path),
		ContentURL:   artifact.ContentURL(r.projectID, rel),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	r.mu.Lock()
	r.artifacts = append(r.artifacts, art)
	r.mu.Unlock()

	stream.Emit(r.taskID, events.StepArtifact, map[string]any{
		"artifact_type": art.ArtifactType,
		"name":          art.Name,
		"content_url":   art.ContentURL,
		"created_at":    art.CreatedAt,
		"action":        action,
	})
	if action == "created" && forward != nil {
		forward(art)
	}
}

func (r *Run) allowedExtensions() []string {
	var out []string
	for _, pack := range r.skills {
		out = append(out, pack.OutputContract.AllowedExtensions...)
	}
	return out
}

func (r *Run) dropArtifact(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.artifacts[:0]
	for _, art := range r.artifacts {
		if art.Name != name {
			kept = append(kept, art)
		}
	}
	r.artifacts = kept
}

func (r *Run) knownNames() map[string]bool {
	out := make(map[string]bool)
	for _, art := range r.Artifacts() {
		out[strings.ToLower(art.Name)] = true
	}
	return out
}

// humanizeStem converts a snake_case or camelCase stem to Title Case.
func humanizeStem(s string) string {
	s = lowerUpperBoundary.ReplaceAllStringFunc(s, func(m string) string {
		return m[:1] + " " + m[1:]
	})
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '_' || r == '-' || r == ' ' })
	for i, w := range words {
		if acronym, ok := preservedAcronyms[strings.ToLower(w)]; ok {
			words[i] = acronym
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}

// suggestTitle derives a filename-safe title from the user question.
func suggestTitle(question string) string {
	words := strings.Fields(question)
	if len(words) > 8 {
		words = words[:8]
	}
	var kept []string
	for _, w := range words {
		w = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				return r
			default:
				return -1
			}
		}, w)
		if w == "" {
			continue
		}
		if acronym, ok := preservedAcronyms[strings.ToLower(w)]; ok {
			kept = append(kept, acronym)
			continue
		}
		kept = append(kept, strings.ToUpper(w[:1])+strings.ToLower(w[1:]))
	}
	if len(kept) == 0 {
		return "Task Report"
	}
	return strings.Join(kept, " ")
}
