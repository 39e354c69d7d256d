package skill

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Rule names accepted in a pack's validation_rules list.
const (
	RuleOutputContract        = "output_contract"
	RuleRequireTwoCitations   = "require_two_citations"
	RuleMarkdownStructure     = "markdown_structure"
	RuleHumanReadableFilename = "human_readable_filename"
)

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding.
type Issue struct {
	Code     string         `json:"code"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Report carries all findings for a turn plus the derived score.
type Report struct {
	Issues []Issue `json:"issues"`
	Score  int     `json:"score"`
}

// Passed reports whether no error-severity issue was found.
func (r *Report) Passed() bool {
	for _, issue := range r.Issues {
		if issue.Severity == SeverityError {
			return false
		}
	}
	return true
}

func scoreIssues(issues []Issue) int {
	errors, warnings := 0, 0
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			errors++
		} else {
			warnings++
		}
	}
	score := 100 - 18*errors - 6*warnings
	if score < 0 {
		score = 0
	}
	return score
}

// Validate runs every active skill's rules against the observed artifacts
// and transcript.
func (r *Run) Validate() *Report {
	var issues []Issue
	for _, pack := range r.skills {
		for _, rule := range pack.ValidationRules {
			switch rule {
			case RuleOutputContract:
				issues = append(issues, r.checkOutputContract(pack)...)
			case RuleRequireTwoCitations:
				issues = append(issues, r.checkCitations(pack)...)
			case RuleMarkdownStructure:
				issues = append(issues, r.checkMarkdownStructure(pack)...)
			case RuleHumanReadableFilename:
				issues = append(issues, r.checkFilenames(pack)...)
			}
		}
	}
	return &Report{Issues: issues, Score: scoreIssues(issues)}
}

func (r *Run) checkOutputContract(pack *Pack) []Issue {
	contract := pack.OutputContract
	min := contract.MinArtifacts
	if min <= 0 {
		min = 1
	}
	count := 0
	for _, art := range r.Artifacts() {
		if extAllowed(art.Name, contract.AllowedExtensions) {
			count++
		}
	}
	if count >= min {
		return nil
	}
	return []Issue{{
		Code:     "skill_output_contract",
		Severity: SeverityError,
		Message:  "required output artifacts are missing",
		Details: map[string]any{
			"skill": pack.ID, "found": count, "required": min,
			"allowed_extensions": contract.AllowedExtensions,
		},
	}}
}

var (
	urlCitationPattern     = regexp.MustCompile(`https?://\S+`)
	bracketCitationPattern = regexp.MustCompile(`\[Source:\s*[^\]]+\]`)
)

func (r *Run) checkCitations(pack *Pack) []Issue {
	transcript := r.Transcript()
	seen := make(map[string]bool)
	for _, m := range urlCitationPattern.FindAllString(transcript, -1) {
		seen[strings.TrimRight(m, ".,);]")] = true
	}
	for _, m := range bracketCitationPattern.FindAllString(transcript, -1) {
		seen[m] = true
	}
	if len(seen) >= 2 {
		return nil
	}
	return []Issue{{
		Code:     "skill_missing_citations",
		Severity: SeverityError,
		Message:  "at least two cited sources are required",
		Details:  map[string]any{"skill": pack.ID, "found": len(seen)},
	}}
}

var markdownHeadingPattern = regexp.MustCompile(`(?m)^#{1,6}\s+\S`)

func (r *Run) checkMarkdownStructure(pack *Pack) []Issue {
	var md *string
	for _, art := range r.Artifacts() {
		if strings.EqualFold(filepath.Ext(art.Name), ".md") {
			name := art.Name
			md = &name
			break
		}
	}
	if md == nil {
		// The output-contract rule reports the missing file.
		return nil
	}
	path := r.findWorkdirFile(*md)
	if path == "" {
		return []Issue{{
			Code:     "skill_markdown_unreadable",
			Severity: SeverityError,
			Message:  "markdown artifact not found on disk",
			Details:  map[string]any{"skill": pack.ID, "name": *md},
		}}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return []Issue{{
			Code:     "skill_markdown_unreadable",
			Severity: SeverityError,
			Message:  "markdown artifact not readable",
			Details:  map[string]any{"skill": pack.ID, "name": *md},
		}}
	}
	content := string(data)
	bodyLen := 0
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); !strings.HasPrefix(trimmed, "#") {
			bodyLen += len(trimmed)
		}
	}
	if markdownHeadingPattern.MatchString(content) && bodyLen >= 40 {
		return nil
	}
	return []Issue{{
		Code:     "skill_markdown_structure",
		Severity: SeverityError,
		Message:  "markdown artifact needs a heading and a real body",
		Details:  map[string]any{"skill": pack.ID, "name": *md},
	}}
}

func (r *Run) checkFilenames(pack *Pack) []Issue {
	var issues []Issue
	for _, art := range r.Artifacts() {
		if r.explicitFilenames[strings.ToLower(art.Name)] {
			continue
		}
		if machineStyle(stem(art.Name)) {
			issues = append(issues, Issue{
				Code:     "skill_machine_filename",
				Severity: SeverityWarning,
				Message:  "artifact filename is not human-readable",
				Details:  map[string]any{"skill": pack.ID, "name": art.Name},
			})
		}
	}
	return issues
}

var lowerUpperBoundary = regexp.MustCompile(`[a-z][A-Z]`)

// machineStyle flags snake_case and camelCase stems.
func machineStyle(stem string) bool {
	return strings.Contains(stem, "_") || lowerUpperBoundary.MatchString(stem)
}

func stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func extAllowed(name string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	ext := normalizeExt(filepath.Ext(name))
	for _, a := range allowed {
		if normalizeExt(a) == ext {
			return true
		}
	}
	return false
}

// findWorkdirFile locates an artifact by name under the project workdir.
func (r *Run) findWorkdirFile(name string) string {
	base := filepath.Base(name)
	var found string
	filepath.WalkDir(r.workdir, func(path string, d os.DirEntry, err error) error {
		if err != nil || found != "" || d.IsDir() {
			return nil
		}
		if d.Name() == base {
			found = path
		}
		return nil
	})
	return found
}
