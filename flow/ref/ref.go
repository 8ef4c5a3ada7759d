// Package ref encodes the pointers that turn node input values into graph edges.
//
// A Reference is its own Go type, so the engine can tell a reference apart from
// any user value without inspecting its shape. Flow files carry references as
// the single-key object {"$ref": {"ns": ..., "id": ..., "name": ..., "path": ...}}.
package ref

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Namespace selects who resolves a reference.
type Namespace string

const (
	// Nodes points at another node's named output.
	Nodes Namespace = "Nodes"
	// Variables is resolved by an external variable store.
	Variables Namespace = "Variables"
	// Tools marks the target node as invokable by its consumer.
	Tools Namespace = "Tools"
)

// WireKey is the reserved key of the wire form.
const WireKey = "$ref"

// Valid reports whether ns is a known namespace.
func (ns Namespace) Valid() bool {
	switch ns {
	case Nodes, Variables, Tools:
		return true
	}
	return false
}

// Reference is an encoded pointer (namespace, target, name?, path?).
type Reference struct {
	Namespace Namespace `json:"ns" yaml:"ns"`
	Target    string    `json:"id" yaml:"id"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	Path      string    `json:"path,omitempty" yaml:"path,omitempty"`
}

// Encode builds a reference value.
func Encode(ns Namespace, target, name, path string) Reference {
	return Reference{Namespace: ns, Target: target, Name: name, Path: path}
}

// Decode extracts a reference from v. Both Reference and *Reference are accepted.
func Decode(v any) (Reference, bool) {
	switch r := v.(type) {
	case Reference:
		return r, true
	case *Reference:
		if r == nil {
			return Reference{}, false
		}
		return *r, true
	}
	return Reference{}, false
}

// IsReference reports whether v is a reference.
func IsReference(v any) bool {
	_, ok := Decode(v)
	return ok
}

// Parts returns the non-empty parts after the namespace, the shape reference
// resolvers receive.
func (r Reference) Parts() []string {
	parts := []string{r.Target}
	if r.Name != "" {
		parts = append(parts, r.Name)
	}
	if r.Path != "" {
		parts = append(parts, r.Path)
	}
	return parts
}

// String renders the reference as ns:target[.name][/path] for logs.
func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(string(r.Namespace))
	b.WriteByte(':')
	b.WriteString(r.Target)
	if r.Name != "" {
		b.WriteByte('.')
		b.WriteString(r.Name)
	}
	if r.Path != "" {
		b.WriteByte('/')
		b.WriteString(r.Path)
	}
	return b.String()
}

type wireRef Reference

// MarshalJSON writes the wire form.
func (r Reference) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]wireRef{WireKey: wireRef(r)})
}

// UnmarshalJSON reads the wire form.
func (r *Reference) UnmarshalJSON(data []byte) error {
	var w map[string]wireRef
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	inner, ok := w[WireKey]
	if !ok || len(w) != 1 {
		return fmt.Errorf("reference: missing %q key", WireKey)
	}
	if !Namespace(inner.Namespace).Valid() {
		return fmt.Errorf("reference: unknown namespace %q", inner.Namespace)
	}
	*r = Reference(inner)
	return nil
}

// MarshalYAML writes the wire form.
func (r Reference) MarshalYAML() (any, error) {
	return map[string]wireRef{WireKey: wireRef(r)}, nil
}

// Marshal rewrites every Reference inside v into its wire object. Maps and
// slices are copied, other values are returned unchanged.
func Marshal(v any) any {
	if r, ok := Decode(v); ok {
		inner := map[string]any{"ns": string(r.Namespace), "id": r.Target}
		if r.Name != "" {
			inner["name"] = r.Name
		}
		if r.Path != "" {
			inner["path"] = r.Path
		}
		return map[string]any{WireKey: inner}
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Marshal(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Marshal(e)
		}
		return out
	}
	return v
}

// Unmarshal rewrites every wire object inside a decoded JSON or YAML value back
// into a Reference.
func Unmarshal(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if r, ok := fromWire(t); ok {
			return r
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Unmarshal(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Unmarshal(e)
		}
		return out
	}
	return v
}

func fromWire(m map[string]any) (Reference, bool) {
	if len(m) != 1 {
		return Reference{}, false
	}
	inner, ok := m[WireKey].(map[string]any)
	if !ok {
		return Reference{}, false
	}
	ns, _ := inner["ns"].(string)
	id, _ := inner["id"].(string)
	if !Namespace(ns).Valid() || id == "" {
		return Reference{}, false
	}
	name, _ := inner["name"].(string)
	path, _ := inner["path"].(string)
	return Encode(Namespace(ns), id, name, path), true
}
