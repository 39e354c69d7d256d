package skill

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/cowork-ai/cowork/pkg/workforce"
)

// Mode gates skill detection globally.
type Mode string

const (
	ModeOn     Mode = "on"
	ModeShadow Mode = "shadow" // detect and log, never inject
	ModeOff    Mode = "off"
)

// ParseMode maps the RUNTIME_SKILLS_V2 value to a mode, defaulting to off.
func ParseMode(s string) Mode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "1":
		return ModeOn
	case "shadow":
		return ModeShadow
	default:
		return ModeOff
	}
}

// Engine holds the immutable pack set and the global mode.
type Engine struct {
	mode  Mode
	packs []*Pack
}

// NewEngine creates an engine. The pack slice is read-shared and must not
// be mutated afterwards.
func NewEngine(mode Mode, packs []*Pack) *Engine {
	return &Engine{mode: mode, packs: packs}
}

// Detect returns the packs triggered by the question and attachments, in
// pack load order.
func (e *Engine) Detect(question string, attachments []string) []*Pack {
	var matched []*Pack
	for _, pack := range e.packs {
		if pack.Matches(question, attachments) {
			matched = append(matched, pack)
		}
	}
	return matched
}

// StartRun detects skills and opens a run for the turn. Returns nil when
// the mode is off, nothing matched, or shadow mode is active; shadow mode
// logs the would-be activation and otherwise leaves the turn untouched.
func (e *Engine) StartRun(projectID, taskID, question string, attachments []string, workdir string) *Run {
	if e.mode == ModeOff {
		return nil
	}
	matched := e.Detect(question, attachments)
	if len(matched) == 0 {
		return nil
	}
	ids := make([]string, len(matched))
	for i, p := range matched {
		ids[i] = p.ID
	}
	if e.mode == ModeShadow {
		slog.Info("Skill triggers matched in shadow mode",
			"project_id", projectID, "task_id", taskID, "skills", ids)
		return nil
	}
	slog.Info("Skills activated",
		"project_id", projectID, "task_id", taskID, "skills", ids)
	return newRun(projectID, taskID, question, workdir, matched)
}

// ForceComplex reports whether any active skill forces the complex branch.
func (r *Run) ForceComplex() bool {
	for _, p := range r.skills {
		if p.ForceComplex {
			return true
		}
	}
	return false
}

// querySuffixes expand a research question into search candidates.
var querySuffixes = []string{
	"abstract methodology key findings",
	"latest updates",
	"benchmarks",
}

// PrepareQueryPlan expands the question into 2-4 search queries for
// research-flavored skills. Dedup is case-insensitive; non-research runs
// get no plan.
func (r *Run) PrepareQueryPlan() []string {
	if !r.researchFlavored() {
		return nil
	}
	seen := make(map[string]bool)
	var plan []string
	add := func(q string) {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] || len(plan) >= 4 {
			return
		}
		seen[key] = true
		plan = append(plan, q)
	}
	add(r.question)
	for _, suffix := range querySuffixes {
		add(r.question + " " + suffix)
	}
	r.mu.Lock()
	r.queryPlan = plan
	r.mu.Unlock()
	return plan
}

func (r *Run) researchFlavored() bool {
	for _, p := range r.skills {
		for _, d := range p.Domains {
			if strings.Contains(strings.ToLower(d), "research") {
				return true
			}
		}
	}
	return false
}

// QueryPlan returns the prepared plan, if any.
func (r *Run) QueryPlan() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.queryPlan...)
}

// InjectPolicy appends each skill's required tools and prompt context to
// the document agent, or the developer agent when no document agent
// exists. Injection is idempotent.
func (r *Run) InjectPolicy(agents []workforce.Agent) {
	target := -1
	for _, name := range []string{workforce.DocumentAgent, workforce.DeveloperAgent} {
		for i := range agents {
			if strings.EqualFold(agents[i].Name, name) {
				target = i
				break
			}
		}
		if target >= 0 {
			break
		}
	}
	if target < 0 {
		return
	}
	for _, pack := range r.skills {
		workforce.AppendTools(agents, agents[target].Name, pack.RequiredTools)
		context := pack.PromptContext()
		if context == "" || strings.Contains(agents[target].SystemPrompt, context) {
			continue
		}
		agents[target].SystemPrompt = strings.TrimRight(agents[target].SystemPrompt, "\n") +
			"\n\n" + context
	}
}

var quotedFilenamePattern = regexp.MustCompile(`["'“]([^"'”]+\.[A-Za-z0-9]{1,5})["'”]`)

// parseExplicitFilenames collects filenames the user wrote in quotes; the
// repair pass never renames these.
func parseExplicitFilenames(question string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range quotedFilenamePattern.FindAllStringSubmatch(question, -1) {
		out[strings.ToLower(strings.TrimSpace(m[1]))] = true
	}
	return out
}
