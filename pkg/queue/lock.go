// Package queue routes actions to per-project locks and drives one run
// loop per live project. A lock owns its action queue, conversation ring,
// approval maps, and the active workforce; everything else talks to it
// through the queue and the event stream.
package queue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/llm"
	"github.com/cowork-ai/cowork/pkg/memory"
	"github.com/cowork-ai/cowork/pkg/toolkit"
	"github.com/cowork-ai/cowork/pkg/workforce"
)

const actionQueueSize = 64

// Status is a lock's lifecycle state.
type Status string

const (
	StatusConfirming Status = "confirming"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusStopped    Status = "stopped"
)

// Improve is a user request for one turn.
type Improve struct {
	ProjectID     string
	TaskID        string
	Question      string
	SearchEnabled bool
	Attachments   []string
	AuthToken     string
	Provider      *llm.ProviderConfig
	CustomAgents  []workforce.Agent

	// Events receives the turn's step events when set; the lock closes it
	// after the end event. Nil means enqueue-only.
	Events chan events.StepEvent
}

// Stop asks the current turn to cancel.
type Stop struct {
	ProjectID string
	Reason    string
}

// Action is the tagged union carried on a lock's queue.
type Action struct {
	Improve *Improve
	Stop    *Stop
}

// Lock is the single-writer coordinator for one project.
type Lock struct {
	projectID string

	mu            sync.Mutex
	queue         chan Action
	closed        bool
	status        Status
	currentTaskID string
	lastAccessed  time.Time
	ring          *memory.Ring
	pending       map[string]chan toolkit.Decision
	remembered    map[string]toolkit.Decision
	seenTasks     map[string]bool
	wf            *workforce.Workforce

	// stopCh is closed when a stop is requested, waking pending approval
	// prompts. Replaced with a fresh channel at the start of every turn.
	stopCh        chan struct{}
	stopRequested atomic.Bool
}

func newLock(projectID string) *Lock {
	return &Lock{
		projectID:    projectID,
		queue:        make(chan Action, actionQueueSize),
		status:       StatusConfirming,
		lastAccessed: time.Now(),
		ring:         memory.NewRing(0, 0),
		pending:      make(map[string]chan toolkit.Decision),
		remembered:   make(map[string]toolkit.Decision),
		seenTasks:    make(map[string]bool),
		stopCh:       make(chan struct{}),
	}
}

// Put appends an action FIFO. A Stop enqueued while a turn runs also sets
// stop_requested eagerly and asks the workforce to wind down. The send
// happens under the lock's mutex so it can never race queue closure.
func (l *Lock) Put(action Action) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("project %s: lock is shut down", l.projectID)
	}
	l.lastAccessed = time.Now()
	running := l.status == StatusProcessing || l.status == StatusConfirming
	wf := l.wf
	if action.Stop != nil && running {
		if !l.stopRequested.Swap(true) {
			close(l.stopCh)
		}
	}

	// Retries of the same task are idempotent: the first enqueue wins.
	if imp := action.Improve; imp != nil && l.seenTasks[imp.TaskID] {
		l.mu.Unlock()
		if imp.Events != nil {
			close(imp.Events)
		}
		return nil
	}

	var err error
	select {
	case l.queue <- action:
		if action.Improve != nil {
			l.seenTasks[action.Improve.TaskID] = true
		}
	default:
		err = fmt.Errorf("project %s: action queue is full", l.projectID)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if action.Stop != nil && running && wf != nil {
		go wf.StopGracefully()
	}
	return nil
}

// Status returns the lock's current state.
func (l *Lock) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// CurrentTaskID returns the task id of the running turn, if any.
func (l *Lock) CurrentTaskID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTaskID
}

// Ring exposes the project's conversation ring.
func (l *Lock) Ring() *memory.Ring { return l.ring }

func (l *Lock) setStatus(s Status) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}

func (l *Lock) beginTurn(taskID string) {
	l.mu.Lock()
	l.status = StatusProcessing
	l.currentTaskID = taskID
	l.wf = nil
	l.stopCh = make(chan struct{})
	l.stopRequested.Store(false)
	l.mu.Unlock()
}

func (l *Lock) endTurn(stopped bool) {
	l.mu.Lock()
	if stopped {
		l.status = StatusStopped
	} else {
		l.status = StatusDone
	}
	l.currentTaskID = ""
	l.wf = nil
	l.mu.Unlock()
}

func (l *Lock) registerWorkforce(wf *workforce.Workforce) {
	l.mu.Lock()
	l.wf = wf
	stopped := l.stopRequested.Load()
	l.mu.Unlock()
	if stopped {
		go wf.StopGracefully()
	}
}

// ResolveApproval answers a pending ask_user prompt. Returns false when
// the request is unknown or already answered.
func (l *Lock) ResolveApproval(requestID string, d toolkit.Decision) bool {
	l.mu.Lock()
	ch, ok := l.pending[requestID]
	l.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- d:
		return true
	default:
		return false
	}
}

// BeginApproval implements toolkit.Approver.
func (l *Lock) BeginApproval(requestID string) <-chan toolkit.Decision {
	ch := make(chan toolkit.Decision, 1)
	l.mu.Lock()
	l.pending[requestID] = ch
	l.mu.Unlock()
	return ch
}

// EndApproval implements toolkit.Approver.
func (l *Lock) EndApproval(requestID string) {
	l.mu.Lock()
	delete(l.pending, requestID)
	l.mu.Unlock()
}

// RememberedDecision implements toolkit.Approver.
func (l *Lock) RememberedDecision(toolkitKey string) (toolkit.Decision, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.remembered[toolkitKey]
	return d, ok
}

// RememberDecision implements toolkit.Approver.
func (l *Lock) RememberDecision(toolkitKey string, d toolkit.Decision) {
	l.mu.Lock()
	l.remembered[toolkitKey] = d
	l.mu.Unlock()
}

// StopRequested implements toolkit.Approver.
func (l *Lock) StopRequested() bool { return l.stopRequested.Load() }

// StopNotify implements toolkit.Approver. The returned channel belongs to
// the current turn and is closed when a stop is requested.
func (l *Lock) StopNotify() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopCh
}

var _ toolkit.Approver = (*Lock)(nil)
