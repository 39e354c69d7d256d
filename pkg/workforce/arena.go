// Package workforce drives the complex branch of a turn: decompose the
// user question into sub-tasks, assign each to a specialist agent, fan the
// work out, and collect results. Task nodes live in an arena indexed by
// position so parent links never dangle.
package workforce

import (
	"fmt"
	"sync"
)

// TaskState is the lifecycle of one task node.
type TaskState string

const (
	TaskOpen    TaskState = "OPEN"
	TaskRunning TaskState = "RUNNING"
	TaskDone    TaskState = "DONE"
	TaskFailed  TaskState = "FAILED"
)

// TaskNode is one node in the decomposition tree.
type TaskNode struct {
	ID           string
	Content      string
	State        TaskState
	Result       string
	FailureCount int
	AssignedRole string
	Parent       int // arena index, -1 for the root
}

// Arena holds the turn's task tree. The root is always index 0.
type Arena struct {
	mu    sync.Mutex
	nodes []TaskNode
}

// NewArena creates an arena rooted at the user question.
func NewArena(question string) *Arena {
	return &Arena{nodes: []TaskNode{{
		ID:      "root",
		Content: question,
		State:   TaskOpen,
		Parent:  -1,
	}}}
}

// AddChild appends a sub-task under the given parent and returns its index.
func (a *Arena) AddChild(parent int, node TaskNode) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if parent < 0 || parent >= len(a.nodes) {
		return 0, fmt.Errorf("parent index %d out of range", parent)
	}
	node.Parent = parent
	if node.State == "" {
		node.State = TaskOpen
	}
	a.nodes = append(a.nodes, node)
	return len(a.nodes) - 1, nil
}

// Node returns a copy of the node at idx.
func (a *Arena) Node(idx int) (TaskNode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.nodes) {
		return TaskNode{}, false
	}
	return a.nodes[idx], true
}

// Children returns the indexes of parent's direct children in insertion
// order.
func (a *Arena) Children(parent int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for i, n := range a.nodes {
		if n.Parent == parent {
			out = append(out, i)
		}
	}
	return out
}

// SetState transitions a node and returns the updated copy.
func (a *Arena) SetState(idx int, state TaskState) (TaskNode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.nodes) {
		return TaskNode{}, false
	}
	a.nodes[idx].State = state
	return a.nodes[idx], true
}

// SetResult records a node's result text.
func (a *Arena) SetResult(idx int, result string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx >= 0 && idx < len(a.nodes) {
		a.nodes[idx].Result = result
	}
}

// RecordFailure bumps the node's failure count and returns the new value.
func (a *Arena) RecordFailure(idx int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.nodes) {
		return 0
	}
	a.nodes[idx].FailureCount++
	return a.nodes[idx].FailureCount
}

// SetAssignedRole overrides a node's assignee, used on replan.
func (a *Arena) SetAssignedRole(idx int, role string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx >= 0 && idx < len(a.nodes) {
		a.nodes[idx].AssignedRole = role
	}
}

// Len reports the node count including the root.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.nodes)
}
