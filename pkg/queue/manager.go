package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cowork-ai/cowork/pkg/engine"
	"github.com/cowork-ai/cowork/pkg/events"
	"github.com/cowork-ai/cowork/pkg/workforce"
)

// Manager is the process-wide project registry. Locks are created on first
// action and removed once their run loop exits with an empty queue.
type Manager struct {
	engine *engine.Engine
	hub    *events.Hub

	mu    sync.Mutex
	locks map[string]*Lock
	wg    sync.WaitGroup
}

// NewManager creates the registry. hub may be nil when no WebSocket mirror
// is wanted.
func NewManager(eng *engine.Engine, hub *events.Hub) *Manager {
	return &Manager{
		engine: eng,
		hub:    hub,
		locks:  make(map[string]*Lock),
	}
}

// GetOrCreate returns the lock for a project, creating it and starting its
// run loop atomically when absent.
func (m *Manager) GetOrCreate(projectID string) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[projectID]; ok {
		return lock
	}
	lock := newLock(projectID)
	m.locks[projectID] = lock
	m.wg.Add(1)
	go m.runLoop(lock)
	return lock
}

// Get returns the lock for a project, or nil.
func (m *Manager) Get(projectID string) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locks[projectID]
}

// Remove drops a lock from the registry. Safe only after its run loop has
// exited.
func (m *Manager) Remove(projectID string) {
	m.mu.Lock()
	delete(m.locks, projectID)
	m.mu.Unlock()
}

// Shutdown stops accepting work and waits for the run loops to drain.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	for _, lock := range m.locks {
		lock.mu.Lock()
		if !lock.stopRequested.Swap(true) {
			close(lock.stopCh)
		}
		if !lock.closed {
			lock.closed = true
			close(lock.queue)
		}
		lock.mu.Unlock()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// retire removes the lock when its queue is empty, holding the registry
// mutex so a concurrent Put either lands before the check or recreates the
// lock afterwards.
func (m *Manager) retire(lock *Lock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock.mu.Lock()
	defer lock.mu.Unlock()
	if len(lock.queue) > 0 || lock.closed {
		return lock.closed
	}
	lock.closed = true
	close(lock.queue)
	delete(m.locks, lock.projectID)
	return true
}

// runLoop drains the lock's queue in arrival order. One loop per lock,
// never more.
func (m *Manager) runLoop(lock *Lock) {
	defer m.wg.Done()
	for action := range lock.queue {
		switch {
		case action.Improve != nil:
			m.runTurn(lock, action.Improve)
		case action.Stop != nil:
			// A stop with no running turn just marks the lock stopped;
			// stops during a turn were observed via stop_requested.
			lock.setStatus(StatusStopped)
		}

		status := lock.Status()
		if (status == StatusDone || status == StatusStopped) && m.retire(lock) {
			return
		}
	}
}

func (m *Manager) runTurn(lock *Lock, improve *Improve) {
	lock.beginTurn(improve.TaskID)
	slog.Info("Turn started",
		"project_id", lock.projectID, "task_id", improve.TaskID)

	stream := events.NewStream()

	// The loop owns the stream's consumer side: fan out to the WebSocket
	// hub and the waiting HTTP handler, in emission order.
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		channel := events.ProjectChannel(lock.projectID)
		for ev := range stream.Events() {
			if m.hub != nil {
				m.hub.Publish(channel, ev)
			}
			if improve.Events != nil {
				select {
				case improve.Events <- ev:
				default:
					slog.Warn("Slow event consumer, dropping",
						"project_id", lock.projectID, "step", ev.Step)
				}
			}
		}
		if improve.Events != nil {
			close(improve.Events)
		}
	}()

	m.engine.RunTurn(context.Background(), stream, engine.Turn{
		ProjectID:     improve.ProjectID,
		TaskID:        improve.TaskID,
		Question:      improve.Question,
		SearchEnabled: improve.SearchEnabled,
		Attachments:   improve.Attachments,
		AuthToken:     improve.AuthToken,
		Provider:      improve.Provider,
		CustomAgents:  improve.CustomAgents,
	}, engine.Controls{
		Approver:          lock,
		StopRequested:     lock.StopRequested,
		Ring:              lock.ring,
		RegisterWorkforce: func(wf *workforce.Workforce) { lock.registerWorkforce(wf) },
	})

	<-consumerDone
	lock.endTurn(lock.StopRequested())
	slog.Info("Turn finished",
		"project_id", lock.projectID, "task_id", improve.TaskID, "status", lock.Status())
}
