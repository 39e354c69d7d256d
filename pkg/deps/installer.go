// Package deps runs the one-shot runtime dependency install (browser
// drivers, document converters) and exposes its progress to the ops
// endpoints.
package deps

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// Phase is the installer's lifecycle state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseRunning Phase = "running"
	PhaseDone    Phase = "done"
	PhaseFailed  Phase = "failed"
)

// logLimit bounds the retained log lines. Oldest lines are dropped.
const logLimit = 2000

// Step is one external command in the install sequence.
type Step struct {
	Name    string   // short label shown in logs
	Command string   // executable
	Args    []string // arguments
}

// Status is a point-in-time snapshot of the installer.
type Status struct {
	Phase      Phase  `json:"phase"`
	Steps      int    `json:"steps"`
	LogLines   int    `json:"log_lines"`
	StartedAt  string `json:"started_at,omitempty"`  // RFC3339
	FinishedAt string `json:"finished_at,omitempty"` // RFC3339
	Error      string `json:"error,omitempty"`
}

// Installer executes the install steps once in the background and buffers
// their combined output for the status, logs, and stream endpoints.
type Installer struct {
	steps []Step

	mu         sync.Mutex
	phase      Phase
	logs       []string
	dropped    int
	subs       map[chan string]struct{}
	startedAt  time.Time
	finishedAt time.Time
	errText    string
}

// NewInstaller creates an idle installer for the given steps.
func NewInstaller(steps []Step) *Installer {
	return &Installer{
		steps: steps,
		phase: PhaseIdle,
		subs:  make(map[chan string]struct{}),
	}
}

// Status reports the installer's current state.
func (i *Installer) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := Status{
		Phase:    i.phase,
		Steps:    len(i.steps),
		LogLines: len(i.logs) + i.dropped,
		Error:    i.errText,
	}
	if !i.startedAt.IsZero() {
		st.StartedAt = i.startedAt.Format(time.RFC3339)
	}
	if !i.finishedAt.IsZero() {
		st.FinishedAt = i.finishedAt.Format(time.RFC3339)
	}
	return st
}

// Logs returns a copy of the buffered log lines.
func (i *Installer) Logs() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.logs...)
}

// Subscribe returns a channel that first replays the buffered lines and
// then receives live ones. The returned cancel func must be called when the
// consumer goes away.
func (i *Installer) Subscribe() (<-chan string, func()) {
	ch := make(chan string, logLimit+64)
	i.mu.Lock()
	for _, line := range i.logs {
		ch <- line
	}
	i.subs[ch] = struct{}{}
	done := i.phase == PhaseDone || i.phase == PhaseFailed
	i.mu.Unlock()
	if done {
		close(ch)
		return ch, func() {}
	}
	cancel := func() {
		i.mu.Lock()
		if _, ok := i.subs[ch]; ok {
			delete(i.subs, ch)
			close(ch)
		}
		i.mu.Unlock()
	}
	return ch, cancel
}

// Start kicks off the install in the background. A second call while
// running is an error; re-running after completion is allowed.
func (i *Installer) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.phase == PhaseRunning {
		i.mu.Unlock()
		return fmt.Errorf("install already running")
	}
	i.phase = PhaseRunning
	i.logs = nil
	i.dropped = 0
	i.errText = ""
	i.startedAt = time.Now()
	i.finishedAt = time.Time{}
	i.mu.Unlock()

	go i.run(ctx)
	return nil
}

func (i *Installer) run(ctx context.Context) {
	var runErr error
	for _, step := range i.steps {
		i.appendLine(fmt.Sprintf("==> %s", step.Name))
		if err := i.runStep(ctx, step); err != nil {
			runErr = fmt.Errorf("step %s: %w", step.Name, err)
			i.appendLine(fmt.Sprintf("==> %s failed: %v", step.Name, err))
			break
		}
		i.appendLine(fmt.Sprintf("==> %s done", step.Name))
	}

	i.mu.Lock()
	i.finishedAt = time.Now()
	if runErr != nil {
		i.phase = PhaseFailed
		i.errText = runErr.Error()
	} else {
		i.phase = PhaseDone
	}
	for ch := range i.subs {
		delete(i.subs, ch)
		close(ch)
	}
	i.mu.Unlock()

	if runErr != nil {
		slog.Error("Dependency install failed", "error", runErr)
		return
	}
	slog.Info("Dependency install finished", "steps", len(i.steps))
}

func (i *Installer) runStep(ctx context.Context, step Step) error {
	cmd := exec.CommandContext(ctx, step.Command, step.Args...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return err
	}
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		i.appendLine(scanner.Text())
	}
	return cmd.Wait()
}

func (i *Installer) appendLine(line string) {
	i.mu.Lock()
	i.logs = append(i.logs, line)
	if len(i.logs) > logLimit {
		over := len(i.logs) - logLimit
		i.logs = i.logs[over:]
		i.dropped += over
	}
	for ch := range i.subs {
		select {
		case ch <- line:
		default: // slow subscriber, drop
		}
	}
	i.mu.Unlock()
}
