package runloop

import (
	"sync"

	"github.com/google/uuid"
	"github.com/martinemde/runloop/history"
)

// agentNode tracks one agent in the in-memory hierarchy.
type agentNode struct {
	id         string
	name       string
	taskInput  string
	parentID   string
	checkpoint string
	summary    string
	actions    []history.Action
	active     bool
}

// InMemoryHierarchy is a process-local HierarchyTracker. Each Push nests the
// new agent under the currently active one, so sibling sub-agents spawned by
// the same parent share a parent ID.
type InMemoryHierarchy struct {
	mu    sync.Mutex
	nodes map[string]*agentNode
	stack []string
}

// NewInMemoryHierarchy creates an empty tracker.
func NewInMemoryHierarchy() *InMemoryHierarchy {
	return &InMemoryHierarchy{nodes: make(map[string]*agentNode)}
}

func (t *InMemoryHierarchy) Push(name, taskInput string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.New().String()
	node := &agentNode{id: id, name: name, taskInput: taskInput, active: true}
	if len(t.stack) > 0 {
		node.parentID = t.stack[len(t.stack)-1]
	}
	t.nodes[id] = node
	t.stack = append(t.stack, id)
	return id
}

func (t *InMemoryHierarchy) Pop(agentID, summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[agentID]
	if !ok {
		return
	}
	node.summary = summary
	node.active = false

	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] == agentID {
			t.stack = append(t.stack[:i], t.stack[i+1:]...)
			break
		}
	}
}

func (t *InMemoryHierarchy) UpdateCheckpoint(agentID, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[agentID]; ok {
		node.checkpoint = text
	}
}

func (t *InMemoryHierarchy) RecordAction(agentID string, a history.Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[agentID]; ok {
		node.actions = append(node.actions, a)
	}
}

// Checkpoint returns the latest checkpoint text for an agent.
func (t *InMemoryHierarchy) Checkpoint(agentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[agentID]; ok {
		return node.checkpoint
	}
	return ""
}

// Actions returns a copy of the actions recorded for an agent.
func (t *InMemoryHierarchy) Actions(agentID string) []history.Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	node, ok := t.nodes[agentID]
	if !ok {
		return nil
	}
	out := make([]history.Action, len(node.actions))
	copy(out, node.actions)
	return out
}

// ParentID returns the parent of an agent, or "" for a root agent.
func (t *InMemoryHierarchy) ParentID(agentID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if node, ok := t.nodes[agentID]; ok {
		return node.parentID
	}
	return ""
}

// Depth returns the number of currently active agents.
func (t *InMemoryHierarchy) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.stack)
}
