package toolkit

import "strings"

// Tier is the sensitivity class of a toolkit method.
type Tier string

const (
	TierAlwaysAsk Tier = "always_ask"
	TierAskOnce   Tier = "ask_once"
	TierNeverAsk  Tier = "never_ask"
)

// Decision is a user's answer to an approval prompt.
type Decision struct {
	Approved bool
	Remember bool
}

// Approver is the per-project approval state the Invoker talks to.
// Implemented by the project lock.
type Approver interface {
	// BeginApproval registers a pending request and returns its one-slot
	// response channel.
	BeginApproval(requestID string) <-chan Decision
	// EndApproval discards a pending request.
	EndApproval(requestID string)
	// RememberedDecision looks up an earlier ask_once answer by toolkit key.
	RememberedDecision(toolkitKey string) (Decision, bool)
	// RememberDecision stores an ask_once answer for the toolkit key.
	RememberDecision(toolkitKey string, d Decision)
	// StopRequested reports whether the turn is being cancelled.
	StopRequested() bool
	// StopNotify returns a channel closed when the running turn is being
	// cancelled, so pending prompts deny without waiting out the timeout.
	StopNotify() <-chan struct{}
}

// The closed policy table. Method names are matched by keyword families:
// the sensitive surface of every toolkit follows these verbs regardless of
// which toolkit exposes it.
var (
	alwaysAskKeywords = []string{
		"execute", "exec_command", "run_command", "shell",
		"run_code", "code_exec",
		"click", "keyboard", "mouse", "screenshot", "gui",
		"send_email", "send_mail",
		"delete", "remove", "move", "rename",
	}
	askOnceKeywords = []string{
		"write", "append", "save",
		"commit", "push",
		"edit", "update_doc", "create_doc",
		"upload",
	}
)

// ClassifyTier maps a (toolkit, method) pair to its approval tier.
// Unmatched methods are read-only surface and never prompt.
func ClassifyTier(toolkitName, method string) Tier {
	m := strings.ToLower(method)
	for _, kw := range alwaysAskKeywords {
		if strings.Contains(m, kw) {
			return TierAlwaysAsk
		}
	}
	for _, kw := range askOnceKeywords {
		if strings.Contains(m, kw) {
			return TierAskOnce
		}
	}
	return TierNeverAsk
}
