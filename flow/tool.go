package flow

import (
	"context"
	"errors"
	"fmt"
)

// ErrToolBusy is returned when a tool node is invoked while it is processing.
var ErrToolBusy = errors.New("tool node is already processing")

// Tool is the handle a consumer receives for a Tools reference. Calling it
// runs the tool node on demand.
type Tool struct {
	NodeID      string `json:"nodeId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Parameters are the component inputs the node does not bind itself.
	Parameters Schema `json:"parameters,omitempty"`

	thread *Thread
}

// Call invokes the tool node with args layered over its own input.
func (tool *Tool) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	if tool.thread == nil {
		return nil, fmt.Errorf("tool %q is detached from its thread", tool.Name)
	}
	return tool.thread.InvokeTool(ctx, tool.NodeID, args)
}

func (t *Thread) newTool(n *Node) *Tool {
	tool := &Tool{NodeID: n.ID, Name: n.Label(), thread: t}
	if desc, ok := n.Meta()["description"].(string); ok {
		tool.Description = desc
	}
	if c := n.Component(); c != nil {
		if tool.Description == "" {
			tool.Description = c.Description
		}
		bound := n.Input()
		params := make(Schema)
		for k, f := range c.Input {
			if _, ok := bound[k]; !ok {
				params[k] = f
			}
		}
		tool.Parameters = params
	}
	return tool
}

// InvokeTool runs a node through the tool-call path. Tool nodes are never
// scheduled by data readiness, so this is the only way they run, and they
// may run more than once.
func (t *Thread) InvokeTool(ctx context.Context, id string, args map[string]any) (map[string]any, error) {
	n, ok := t.Node(id)
	if !ok {
		return nil, &GraphError{Kind: ErrUnknownNode, NodeID: id}
	}
	if !n.transition(StateProcessing, StateIdle, StateDone, StateError) {
		return nil, ErrToolBusy
	}
	t.emit(Event{Name: EventNodeState, NodeID: id, State: StateProcessing})
	return t.processNode(ctx, n, args)
}
