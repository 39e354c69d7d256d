// Package skill loads declarative skill packs and enforces their output
// contracts on a turn: trigger detection, query planning, policy
// injection, event observation, validation, and a bounded repair pass.
package skill

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// OutputContract declares what files a skill must leave behind.
type OutputContract struct {
	RequiredArtifact  string   `toml:"required_artifact"`
	AllowedExtensions []string `toml:"allowed_extensions"`
	MinArtifacts      int      `toml:"min_artifacts"`
	Description       string   `toml:"description"`
}

// Pack is one skill loaded from <root>/<id>/skill.toml plus its sibling
// policy.md and templates/*.md files.
type Pack struct {
	ID                 string         `toml:"id"`
	Name               string         `toml:"name"`
	Version            string         `toml:"version"`
	Domains            []string       `toml:"domains"`
	TriggerPatterns    []string       `toml:"trigger_patterns"`
	TriggerExtensions  []string       `toml:"trigger_extensions"`
	PromptInstructions []string       `toml:"prompt_instructions"`
	RequiredTools      []string       `toml:"required_tools"`
	OutputContract     OutputContract `toml:"output_contract"`
	ValidationRules    []string       `toml:"validation_rules"`
	RetryPolicy        string         `toml:"retry_policy"`
	ForceComplex       bool           `toml:"force_complex"`

	PolicyMarkdown string            `toml:"-"`
	Templates      map[string]string `toml:"-"`

	patterns []*regexp.Regexp
}

// LoadPacks reads every skill directory under root in lexical order.
// Directories without a skill.toml are skipped; a malformed pack fails the
// load so broken packs are caught at startup.
func LoadPacks(root string) ([]*Pack, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read skill pack root: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var packs []*Pack
	for _, name := range names {
		dir := filepath.Join(root, name)
		tomlPath := filepath.Join(dir, "skill.toml")
		if _, err := os.Stat(tomlPath); err != nil {
			continue
		}
		pack, err := loadPack(dir, tomlPath)
		if err != nil {
			return nil, fmt.Errorf("skill pack %s: %w", name, err)
		}
		packs = append(packs, pack)
	}
	slog.Info("Loaded skill packs", "root", root, "count", len(packs))
	return packs, nil
}

func loadPack(dir, tomlPath string) (*Pack, error) {
	var pack Pack
	if _, err := toml.DecodeFile(tomlPath, &pack); err != nil {
		return nil, fmt.Errorf("decode skill.toml: %w", err)
	}
	if pack.ID == "" {
		pack.ID = filepath.Base(dir)
	}

	for _, raw := range pack.TriggerPatterns {
		re, err := regexp.Compile("(?i)" + raw)
		if err != nil {
			return nil, fmt.Errorf("trigger pattern %q: %w", raw, err)
		}
		pack.patterns = append(pack.patterns, re)
	}

	if data, err := os.ReadFile(filepath.Join(dir, "policy.md")); err == nil {
		pack.PolicyMarkdown = string(data)
	}

	templates, err := filepath.Glob(filepath.Join(dir, "templates", "*.md"))
	if err == nil && len(templates) > 0 {
		pack.Templates = make(map[string]string, len(templates))
		for _, path := range templates {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read template %s: %w", path, err)
			}
			key := strings.TrimSuffix(filepath.Base(path), ".md")
			pack.Templates[key] = string(data)
		}
	}
	return &pack, nil
}

// Matches reports whether the question or any attachment extension
// triggers this pack. Detection is pure; the same inputs always match the
// same way.
func (p *Pack) Matches(question string, attachments []string) bool {
	for _, re := range p.patterns {
		if re.MatchString(question) {
			return true
		}
	}
	if len(p.TriggerExtensions) == 0 {
		return false
	}
	exts := extractExtensions(question, attachments)
	for _, want := range p.TriggerExtensions {
		if exts[normalizeExt(want)] {
			return true
		}
	}
	return false
}

// PromptContext renders the pack's prompt additions for injection.
func (p *Pack) PromptContext() string {
	var b strings.Builder
	for _, line := range p.PromptInstructions {
		b.WriteString(line + "\n")
	}
	if p.PolicyMarkdown != "" {
		b.WriteString(p.PolicyMarkdown)
	}
	return strings.TrimSpace(b.String())
}

var filenameTokenPattern = regexp.MustCompile(`[\w./-]+\.([A-Za-z0-9]{1,5})\b`)

// extractExtensions collects lowercase extensions mentioned in the user
// text or carried by attachments.
func extractExtensions(question string, attachments []string) map[string]bool {
	exts := make(map[string]bool)
	for _, m := range filenameTokenPattern.FindAllStringSubmatch(question, -1) {
		exts[strings.ToLower(m[1])] = true
	}
	for _, name := range attachments {
		if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" {
			exts[strings.ToLower(ext)] = true
		}
	}
	return exts
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}
