// Package artifact inspects toolkit output for filesystem paths that point
// at files the user should be able to download, and turns them into
// artifact step events.
package artifact

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cowork-ai/cowork/pkg/events"
)

// largeMessageThreshold skips artifact scanning for oversized tool output.
// Beyond this the text is almost certainly a dump, not a report of files
// written, and regex scanning gets expensive.
const largeMessageThreshold = 10 * 1024

// Pattern families, pre-compiled once:
//
//	(1) "written/saved/created to file: X"
//	(2) "output/artifact/file: X.ext"
//	(3) any absolute path with a short extension
var (
	writtenToPattern = regexp.MustCompile(`(?i)(?:written|saved|created)\s+(?:to\s+)?(?:the\s+)?file\s*[:=]?\s*([^\s,;]+)`)
	labeledPattern   = regexp.MustCompile(`(?i)(?:output|artifact|file)\s*[:=]\s*([^\s,;]+\.[A-Za-z0-9]{1,5})`)
	absolutePattern  = regexp.MustCompile(`(/[^\s"'` + "`" + `:*?<>|]+\.[A-Za-z0-9]{1,5})\b`)
)

// deniedSegments are path components that mark tool internals, never user
// deliverables.
var deniedSegments = map[string]bool{
	".initial_env":  true,
	".venv":         true,
	"venv":          true,
	"site-packages": true,
	"__pycache__":   true,
	".git":          true,
	"node_modules":  true,
}

// deniedBasenames are metadata files produced by package tooling.
var deniedBasenames = map[string]bool{
	"top_level.txt":        true,
	"entry_points.txt":     true,
	"dependency_links.txt": true,
	"sources.txt":          true,
	"api_tests.txt":        true,
}

// Detector scans deactivate_toolkit messages for produced files. One
// Detector per turn; it implements events.Expander so detection runs inline
// on the event stream and emitted artifacts stay ordered after their
// originating event.
type Detector struct {
	projectID string
	workdir   string

	mu   sync.Mutex
	seen map[string]bool // "(task_id)|(resolved path)"

	// Emitted collects every artifact for the turn so the skill engine and
	// Core persistence can read them after the fact.
	emitted []events.Artifact
}

// NewDetector creates a per-turn detector rooted at the project workdir.
func NewDetector(projectID, workdir string) *Detector {
	return &Detector{
		projectID: projectID,
		workdir:   workdir,
		seen:      make(map[string]bool),
	}
}

// Expand implements events.Expander for deactivate_toolkit events.
func (d *Detector) Expand(ev events.StepEvent) []events.StepEvent {
	if ev.Step != events.StepDeactivateToolkit {
		return nil
	}
	message, _ := ev.Data["message"].(string)
	if message == "" || len(message) > largeMessageThreshold {
		return nil
	}

	var out []events.StepEvent
	for _, candidate := range extractCandidates(message) {
		resolved, ok := d.resolve(candidate)
		if !ok {
			continue
		}
		if art, fresh := d.Record(ev.TaskID, resolved); fresh {
			out = append(out, events.NewStepEvent(ev.TaskID, events.StepArtifact, map[string]any{
				"artifact_type": art.ArtifactType,
				"name":          art.Name,
				"content_url":   art.ContentURL,
				"created_at":    art.CreatedAt,
			}))
		}
	}
	return out
}

// Record registers a resolved artifact path, returning it and whether it is
// new for this (task, path) pair. Exposed so the skill repair pass can emit
// artifacts through the same dedupe.
func (d *Detector) Record(taskID, resolved string) (events.Artifact, bool) {
	key := taskID + "|" + resolved
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[key] {
		return events.Artifact{}, false
	}
	d.seen[key] = true

	art := events.Artifact{
		TaskID:       taskID,
		ArtifactType: artifactType(resolved),
		Name:         filepath.Base(resolved),
		ContentURL:   d.contentURL(resolved),
		CreatedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	d.emitted = append(d.emitted, art)
	return art, true
}

// Emitted returns the artifacts recorded so far this turn.
func (d *Detector) Emitted() []events.Artifact {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]events.Artifact, len(d.emitted))
	copy(out, d.emitted)
	return out
}

// resolve cleans a raw candidate, anchors it at the workdir, and checks it
// names an existing regular file outside the denylists.
func (d *Detector) resolve(raw string) (string, bool) {
	p := cleanCandidate(raw)
	if p == "" {
		return "", false
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(d.workdir, p)
	}
	p = filepath.Clean(p)

	if denied(p) {
		return "", false
	}
	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return p, true
}

// contentURL builds the download URL relative to the project workdir. When
// the project is unknown the raw path is used as-is.
func (d *Detector) contentURL(resolved string) string {
	if d.projectID == "" {
		return resolved
	}
	rel, err := filepath.Rel(d.workdir, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = resolved
	}
	return ContentURL(d.projectID, rel)
}

// ContentURL builds the download URL for a workdir-relative path.
func ContentURL(projectID, relPath string) string {
	if projectID == "" {
		return relPath
	}
	return "/files/generated/" + projectID + "/download?path=" + url.QueryEscape(relPath)
}

func extractCandidates(message string) []string {
	var out []string
	for _, re := range []*regexp.Regexp{writtenToPattern, labeledPattern, absolutePattern} {
		for _, m := range re.FindAllStringSubmatch(message, -1) {
			if len(m) > 1 {
				out = append(out, m[1])
			}
		}
	}
	return out
}

// cleanCandidate strips wrapping quotes, trailing punctuation, and URL
// encoding from a matched path.
func cleanCandidate(raw string) string {
	p := strings.TrimSpace(raw)
	for {
		trimmed := strings.Trim(p, `"'`+"`")
		trimmed = strings.TrimRight(trimmed, ".,;:!?)")
		if trimmed == p {
			break
		}
		p = trimmed
	}
	if decoded, err := url.QueryUnescape(p); err == nil {
		p = decoded
	}
	return p
}

// Denied reports whether a path touches denylisted segments or basenames.
// Shared with the skill repair pass's workdir walk.
func Denied(path string) bool { return denied(path) }

func denied(path string) bool {
	if deniedBasenames[filepath.Base(path)] {
		return true
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if deniedSegments[seg] || strings.HasSuffix(seg, ".dist-info") {
			return true
		}
	}
	return false
}

func artifactType(path string) string {
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" {
		return "file"
	}
	return strings.ToLower(ext)
}
