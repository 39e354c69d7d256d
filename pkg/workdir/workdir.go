// Package workdir partitions filesystem scratch space per project and
// guards every path handed out against escaping the project's directory.
package workdir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Manager hands out per-project directories under a single root.
// Layout: <root>/<sanitized-project>/uploads/<bucket>/ for attachments,
// <root>/<sanitized-project>/uploads/meta/<file_id>.json for metadata,
// everything else is free-form tool output.
type Manager struct {
	root string
}

// NewManager creates a Manager rooted at root, creating it if needed.
func NewManager(root string) (*Manager, error) {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".cowork", "workdir")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workdir root: %w", err)
	}
	return &Manager{root: root}, nil
}

// Root returns the workdir root.
func (m *Manager) Root() string { return m.root }

// Sanitize maps a project id to a safe directory name. Anything outside
// [A-Za-z0-9._-] becomes an underscore; a leading dot is neutralized so
// projects can't hide as dotfiles.
func Sanitize(projectID string) string {
	var b strings.Builder
	for _, r := range projectID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, ".") == "" {
		return "_project"
	}
	if out[0] == '.' {
		out = "_" + out[1:]
	}
	return out
}

// ProjectDir returns (and creates) the scratch directory for a project.
func (m *Manager) ProjectDir(projectID string) (string, error) {
	dir := filepath.Join(m.root, Sanitize(projectID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project workdir: %w", err)
	}
	return dir, nil
}

// UploadsDir returns (and creates) the uploads bucket for a project.
func (m *Manager) UploadsDir(projectID, bucket string) (string, error) {
	dir := filepath.Join(m.root, Sanitize(projectID), "uploads", Sanitize(bucket))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create uploads dir: %w", err)
	}
	return dir, nil
}

// MetaDir returns (and creates) the upload-metadata directory.
func (m *Manager) MetaDir(projectID string) (string, error) {
	dir := filepath.Join(m.root, Sanitize(projectID), "uploads", "meta")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create meta dir: %w", err)
	}
	return dir, nil
}

// Resolve joins a client-supplied relative path against the project dir and
// rejects anything that escapes it.
func (m *Manager) Resolve(projectID, rel string) (string, error) {
	base, err := m.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	joined := filepath.Clean(filepath.Join(base, rel))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes project workdir", rel)
	}
	return joined, nil
}

// UploadMeta is the sidecar record for a stored upload.
type UploadMeta struct {
	FileID      string `json:"file_id"`
	Name        string `json:"name"`
	Bucket      string `json:"bucket"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
	UploadedAt  string `json:"uploaded_at"` // RFC3339Nano
}

// EnvScope saves process environment variables so tool execution can
// override them for the duration of a turn and restore them on every exit
// path.
type EnvScope struct {
	saved map[string]*string
}

// ApplyEnv sets the overrides and remembers prior values. Callers must
// defer Restore.
func ApplyEnv(overrides map[string]string) *EnvScope {
	scope := &EnvScope{saved: make(map[string]*string, len(overrides))}
	for k, v := range overrides {
		if prev, ok := os.LookupEnv(k); ok {
			p := prev
			scope.saved[k] = &p
		} else {
			scope.saved[k] = nil
		}
		os.Setenv(k, v)
	}
	return scope
}

// Restore puts the saved variables back, unsetting ones that didn't exist.
func (s *EnvScope) Restore() {
	for k, prev := range s.saved {
		if prev == nil {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, *prev)
		}
	}
}
