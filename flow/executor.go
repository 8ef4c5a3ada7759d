package flow

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow/sandbox"
)

// StartNode runs one idle node to completion on the calling goroutine. The
// scheduler uses the same path; calling it directly bypasses readiness.
func (t *Thread) StartNode(ctx context.Context, id string) error {
	n, ok := t.Node(id)
	if !ok {
		return &GraphError{Kind: ErrUnknownNode, NodeID: id}
	}
	if !t.beginNode(n) {
		return fmt.Errorf("start node %q: %w", id, ErrNodeNotIdle)
	}
	_, err := t.processNode(ctx, n, nil)
	return err
}

// beginNode performs the idle to processing transition exactly once.
func (t *Thread) beginNode(n *Node) bool {
	if !n.transition(StateProcessing, StateIdle) {
		return false
	}
	t.emit(Event{Name: EventNodeState, NodeID: n.ID, State: StateProcessing})
	return true
}

// processNode resolves inputs and runs the component of a node that is
// already processing. overrides take precedence over the raw input.
func (t *Thread) processNode(ctx context.Context, n *Node, overrides map[string]any) (map[string]any, error) {
	logger := t.logger.With(zap.String("node_id", n.ID))
	ctx, span := t.tracer.Start(ctx, "flow.node",
		trace.WithAttributes(
			attribute.String("flow.thread.id", t.id),
			attribute.String("flow.node.id", n.ID),
			attribute.String("flow.component", n.Specifier.String()),
		))
	defer span.End()

	comp, err := t.resolveComponent(ctx, n)
	if err != nil {
		return nil, t.failNode(n, span, logger, err)
	}

	data, err := t.resolveInputs(ctx, n, comp, overrides)
	if err != nil {
		return nil, t.failNode(n, span, logger, err)
	}

	t.emit(Event{Name: EventNodeStart, NodeID: n.ID, Input: data})
	logger.Debug("node started", zap.String("specifier", n.Specifier.String()))

	result, err := t.runComponent(ctx, n, comp, data)
	if err != nil {
		return nil, t.failNode(n, span, logger, err)
	}

	n.finish(result, nil)
	t.emit(Event{Name: EventNodeState, NodeID: n.ID, State: StateDone})
	t.emit(Event{Name: EventNodeDone, NodeID: n.ID, Output: result})
	logger.Debug("node done")
	return result, nil
}

func (t *Thread) failNode(n *Node, span trace.Span, logger *zap.Logger, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	n.finish(nil, err)
	t.emit(Event{Name: EventNodeError, NodeID: n.ID, Err: err})
	t.emit(Event{Name: EventNodeState, NodeID: n.ID, State: StateError})
	logger.Warn("node failed", zap.Error(err))
	return err
}

// resolveInputs resolves every declared input key. A component without an
// input schema takes every raw key. All failing keys are reported together.
func (t *Thread) resolveInputs(ctx context.Context, n *Node, comp *Component, overrides map[string]any) (map[string]any, error) {
	raw := n.Input()
	for k, v := range overrides {
		raw[k] = v
	}

	keys := comp.Input.Keys()
	if len(comp.Input) == 0 {
		keys = make([]string, 0, len(raw))
		for k := range raw {
			keys = append(keys, k)
		}
	}

	data := make(map[string]any, len(keys))
	failures := make(map[string]string)
	for _, key := range keys {
		field := comp.Input[key]
		v, err := t.resolveValue(ctx, raw[key])
		if err != nil {
			failures[key] = err.Error()
			continue
		}
		if v == nil && field.Default != nil {
			v = field.Default
		}
		if err := field.Check(v); err != nil {
			failures[key] = err.Error()
			continue
		}
		if v != nil {
			data[key] = v
		}
	}
	if len(failures) > 0 {
		return nil, &InputResolutionError{NodeID: n.ID, Failures: failures}
	}
	return data, nil
}

// runComponent invokes the component. Only trusted components see the
// thread and node id. Untrusted ones get a detached copy of their data, and
// scripts run inside the sandbox.
func (t *Thread) runComponent(ctx context.Context, n *Node, comp *Component, data map[string]any) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("component panicked",
				zap.String("node_id", n.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("node %q panicked: %v", n.ID, r)
		}
	}()

	traceFn := func(message string, value any) {
		t.emit(Event{
			Name:   EventNodeTrace,
			NodeID: n.ID,
			Data:   map[string]any{"message": message, "value": value},
		})
	}

	switch {
	case comp.Trusted && comp.Process != nil:
		return comp.Process(ctx, &ProcessContext{Data: data, Trace: traceFn, Thread: t, NodeID: n.ID})
	case comp.Process != nil:
		return comp.Process(ctx, &ProcessContext{Data: detach(data), Trace: traceFn})
	case comp.Script != "" || comp.ScriptInput != "":
		code, scriptData := comp.Script, detach(data)
		if code == "" {
			code, _ = scriptData[comp.ScriptInput].(string)
			delete(scriptData, comp.ScriptInput)
		}
		res, err := t.sandbox.Execute(ctx, &sandbox.Request{
			Code:  code,
			Data:  scriptData,
			Trace: sandbox.TraceFunc(traceFn),
		})
		if err != nil {
			return nil, err
		}
		out, ok := res.Value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("script result must be an object, got %T", res.Value)
		}
		return out, nil
	}
	return nil, fmt.Errorf("component %s has nothing to run", comp.Name)
}

// detach copies data for untrusted code. Tool handles are dropped because
// they lead back to the thread.
func detach(data map[string]any) map[string]any {
	out, _ := detachValue(data).(map[string]any)
	if out == nil {
		out = make(map[string]any)
	}
	return out
}

func detachValue(v any) any {
	switch t := v.(type) {
	case *Tool:
		return nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			if d := detachValue(e); d != nil {
				out[k] = d
			}
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, e := range t {
			if d := detachValue(e); d != nil {
				out = append(out, d)
			}
		}
		return out
	}
	return v
}
