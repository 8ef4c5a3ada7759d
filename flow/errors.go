package flow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Graph error kinds. They are fatal to the operation that raised them.
var (
	ErrDuplicateNode      = errors.New("duplicate node id")
	ErrUnknownNode        = errors.New("unknown node id")
	ErrMissingSocket      = errors.New("missing socket")
	ErrUnsupportedVersion = errors.New("unsupported flow format version")
	ErrUnknownComponent   = errors.New("unknown component")
)

var (
	// ErrThreadRunning is returned by operations that need a quiescent thread.
	ErrThreadRunning = errors.New("thread is running")
	// ErrNodeNotIdle is returned when starting a node that already left idle.
	ErrNodeNotIdle = errors.New("node is not idle")
)

// GraphError reports a structural problem with the graph.
type GraphError struct {
	Kind   error
	NodeID string
	Detail string
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.NodeID != "" {
		fmt.Fprintf(&b, " %q", e.NodeID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *GraphError) Unwrap() error { return e.Kind }

// ErrorName is used by the cross-boundary codec.
func (e *GraphError) ErrorName() string { return "GraphError" }

func graphErr(kind error, nodeID, format string, args ...any) *GraphError {
	return &GraphError{Kind: kind, NodeID: nodeID, Detail: fmt.Sprintf(format, args...)}
}

// InputResolutionError lists every input key of a node that could not be
// resolved or failed its schema check.
type InputResolutionError struct {
	NodeID   string
	Failures map[string]string
}

func (e *InputResolutionError) Error() string {
	keys := e.Keys()
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Failures[k]
	}
	return fmt.Sprintf("node %q input does not match schema (%s)", e.NodeID, strings.Join(parts, "; "))
}

// Keys returns the failing keys in sorted order.
func (e *InputResolutionError) Keys() []string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *InputResolutionError) ErrorName() string { return "InputSchemaMismatchError" }

// ErrorContext exposes the failures to the cross-boundary codec.
func (e *InputResolutionError) ErrorContext() any {
	failures := make(map[string]any, len(e.Failures))
	for k, v := range e.Failures {
		failures[k] = v
	}
	return map[string]any{"nodeId": e.NodeID, "failures": failures}
}
