package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/BaSui01/flowrun/flow/ref"
)

// ReferenceResolver turns a reference into a value. ok=false means "not
// mine" and the next resolver is asked.
type ReferenceResolver interface {
	ResolveReference(ctx context.Context, t *Thread, r ref.Reference) (value any, ok bool, err error)
}

// ReferenceResolverFunc adapts a function to ReferenceResolver.
type ReferenceResolverFunc func(ctx context.Context, t *Thread, r ref.Reference) (any, bool, error)

func (f ReferenceResolverFunc) ResolveReference(ctx context.Context, t *Thread, r ref.Reference) (any, bool, error) {
	return f(ctx, t, r)
}

// MapVariables resolves Variables references from a fixed map.
type MapVariables map[string]any

func (m MapVariables) ResolveReference(_ context.Context, _ *Thread, r ref.Reference) (any, bool, error) {
	if r.Namespace != ref.Variables {
		return nil, false, nil
	}
	v, ok := m[r.Target]
	if !ok {
		return nil, false, nil
	}
	if r.Path == "" && r.Name == "" {
		return v, true, nil
	}
	return LookupPath(v, joinPath(r.Name, r.Path))
}

// graphResolver handles Nodes and Tools references against the thread itself.
type graphResolver struct{}

func (graphResolver) ResolveReference(_ context.Context, t *Thread, r ref.Reference) (any, bool, error) {
	switch r.Namespace {
	case ref.Nodes:
		n, ok := t.Node(r.Target)
		if !ok {
			return nil, false, &GraphError{Kind: ErrUnknownNode, NodeID: r.Target}
		}
		if r.Name == "" {
			return t.newTool(n), true, nil
		}
		result := n.Result()
		if result == nil {
			return nil, false, nil
		}
		v, ok := result[r.Name]
		if !ok {
			return nil, false, nil
		}
		if r.Path == "" {
			return v, true, nil
		}
		return LookupPath(v, r.Path)
	case ref.Tools:
		n, ok := t.Node(r.Target)
		if !ok {
			return nil, false, &GraphError{Kind: ErrUnknownNode, NodeID: r.Target}
		}
		return t.newTool(n), true, nil
	}
	return nil, false, nil
}

func joinPath(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ".")
}

// LookupPath walks a dot-separated path through maps and slices. ok=false
// means a segment is missing.
func LookupPath(v any, path string) (any, bool, error) {
	if path == "" {
		return v, true, nil
	}
	for _, seg := range strings.Split(path, ".") {
		switch t := v.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, false, nil
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil {
				return nil, false, fmt.Errorf("path segment %q is not an index", seg)
			}
			if i < 0 || i >= len(t) {
				return nil, false, nil
			}
			v = t[i]
		default:
			return nil, false, nil
		}
	}
	return v, true, nil
}

func (t *Thread) resolveReference(ctx context.Context, r ref.Reference) (any, error) {
	for _, resolver := range t.references {
		v, ok, err := resolver.ResolveReference(ctx, t, r)
		if err != nil {
			return nil, err
		}
		if ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("unresolved reference %s", r)
}

// resolveValue resolves references in v, one level into arrays and objects.
func (t *Thread) resolveValue(ctx context.Context, v any) (any, error) {
	if r, ok := ref.Decode(v); ok {
		return t.resolveReference(ctx, r)
	}
	switch c := v.(type) {
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			if r, ok := ref.Decode(e); ok {
				resolved, err := t.resolveReference(ctx, r)
				if err != nil {
					return nil, err
				}
				out[i] = resolved
				continue
			}
			out[i] = e
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			if r, ok := ref.Decode(e); ok {
				resolved, err := t.resolveReference(ctx, r)
				if err != nil {
					return nil, err
				}
				out[k] = resolved
				continue
			}
			out[k] = e
		}
		return out, nil
	}
	return v, nil
}

func (t *Thread) resolveComponent(ctx context.Context, n *Node) (*Component, error) {
	if c := n.Component(); c != nil {
		return c, nil
	}
	for _, resolver := range t.components {
		c, err := resolver.ResolveComponent(ctx, n.Specifier)
		if err != nil {
			return nil, fmt.Errorf("resolve component %s: %w", n.Specifier, err)
		}
		if c != nil {
			n.mu.Lock()
			n.component = c
			n.mu.Unlock()
			return c, nil
		}
	}
	return nil, graphErr(ErrUnknownComponent, n.ID, "%s", n.Specifier)
}
