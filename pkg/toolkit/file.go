package toolkit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// readLimit caps read_file output returned to the model.
const readLimit = 64 * 1024

// FileToolkit reads and writes files under the project workdir. All paths
// are relative to ToolContext.Workdir and may not escape it.
type FileToolkit struct{}

// NewFileToolkit creates the builtin file toolkit.
func NewFileToolkit() *FileToolkit { return &FileToolkit{} }

func (t *FileToolkit) Name() string { return "FileToolkit" }

func (t *FileToolkit) Methods() []MethodSpec {
	return []MethodSpec{
		{Name: "write_to_file", Description: "Write content to a file, creating parent directories"},
		{Name: "append_to_file", Description: "Append content to a file"},
		{Name: "read_file", Description: "Read a file's content"},
		{Name: "list_directory", Description: "List files under a directory"},
	}
}

func (t *FileToolkit) Call(ctx context.Context, tc ToolContext, method string, args map[string]any) (*ToolResult, error) {
	rel, _ := args["path"].(string)
	if rel == "" {
		rel, _ = args["file_path"].(string)
	}

	switch method {
	case "write_to_file":
		content, _ := args["content"].(string)
		return t.write(tc, rel, content, false)
	case "append_to_file":
		content, _ := args["content"].(string)
		return t.write(tc, rel, content, true)
	case "read_file":
		return t.read(tc, rel)
	case "list_directory":
		if rel == "" {
			rel = "."
		}
		return t.list(tc, rel)
	default:
		return nil, fmt.Errorf("FileToolkit has no method %q", method)
	}
}

func (t *FileToolkit) write(tc ToolContext, rel, content string, appendMode bool) (*ToolResult, error) {
	p, err := containedPath(tc.Workdir, rel)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directories: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return nil, fmt.Errorf("write %s: %w", rel, err)
	}

	verb := "written"
	if appendMode {
		verb = "appended"
	}
	return &ToolResult{Content: fmt.Sprintf("Content %s to file: %s", verb, rel)}, nil
}

func (t *FileToolkit) read(tc ToolContext, rel string) (*ToolResult, error) {
	p, err := containedPath(tc.Workdir, rel)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("read %s: %v", rel, err), IsError: true}, nil
	}
	if len(data) > readLimit {
		data = data[:readLimit]
	}
	return &ToolResult{Content: string(data)}, nil
}

func (t *FileToolkit) list(tc ToolContext, rel string) (*ToolResult, error) {
	p, err := containedPath(tc.Workdir, rel)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return &ToolResult{Content: fmt.Sprintf("list %s: %v", rel, err), IsError: true}, nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &ToolResult{Content: strings.Join(names, "\n")}, nil
}

// containedPath anchors rel at the workdir and rejects escapes.
func containedPath(workdir, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	if filepath.IsAbs(rel) {
		// Absolute paths are allowed only when already inside the workdir.
		clean := filepath.Clean(rel)
		if clean == workdir || strings.HasPrefix(clean, workdir+string(filepath.Separator)) {
			return clean, nil
		}
		return "", fmt.Errorf("path %q is outside the project workdir", rel)
	}
	joined := filepath.Clean(filepath.Join(workdir, rel))
	if joined != workdir && !strings.HasPrefix(joined, workdir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project workdir", rel)
	}
	return joined, nil
}
