package flow

import (
	"sync"
	"time"
)

// NodeState is the lifecycle state of a node.
type NodeState string

const (
	StateIdle       NodeState = "idle"
	StateStarting   NodeState = "starting"
	StateProcessing NodeState = "processing"
	StateDone       NodeState = "done"
	StateError      NodeState = "error"
	StatePaused     NodeState = "paused"
)

// Node is one vertex of a Thread. Only the executor changes its state.
type Node struct {
	ID        string
	Specifier Specifier

	mu        sync.RWMutex
	meta      map[string]any
	input     map[string]any
	state     NodeState
	result    map[string]any
	err       error
	startedAt time.Time
	component *Component
}

func newNode(id string, spec Specifier, input, meta map[string]any) *Node {
	if input == nil {
		input = make(map[string]any)
	}
	if meta == nil {
		meta = make(map[string]any)
	}
	return &Node{ID: id, Specifier: spec, input: input, meta: meta, state: StateIdle}
}

// State returns the current state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Result returns the output object. It is nil unless the node is done.
func (n *Node) Result() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.state != StateDone {
		return nil
	}
	return n.result
}

// Err returns the error of a failed node.
func (n *Node) Err() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.err
}

// StartedAt returns when the node last entered processing.
func (n *Node) StartedAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.startedAt
}

// Input returns a copy of the raw, unresolved input object.
func (n *Node) Input() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return cloneValue(n.input).(map[string]any)
}

// Meta returns a shallow copy of the node metadata.
func (n *Node) Meta() map[string]any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return copyMap(n.meta)
}

// Label returns the "label" metadata or the node id.
func (n *Node) Label() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if s, ok := n.meta["label"].(string); ok && s != "" {
		return s
	}
	return n.ID
}

// Component returns the resolved component, or nil before resolution.
func (n *Node) Component() *Component {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.component
}

// transition moves the node to processing if its state is one of from.
func (n *Node) transition(to NodeState, from ...NodeState) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, f := range from {
		if n.state == f {
			n.state = to
			if to == StateProcessing {
				n.startedAt = time.Now()
				n.result = nil
				n.err = nil
			}
			return true
		}
	}
	return false
}

func (n *Node) finish(result map[string]any, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err != nil {
		n.state = StateError
		n.err = err
		n.result = nil
		return
	}
	if result == nil {
		result = make(map[string]any)
	}
	n.state = StateDone
	n.result = result
}

func (n *Node) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = StateIdle
	n.result = nil
	n.err = nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// cloneValue copies maps and slices recursively. Leaves are shared.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	}
	return v
}
