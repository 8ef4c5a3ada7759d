package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowrun/flow/ref"
)

// FormatVersion is the only flow format version understood.
const FormatVersion = "1"

// componentKey is the node record key naming the component.
const componentKey = "component"

// Definition is the persisted form of a flow.
type Definition struct {
	Version  string                    `json:"version" yaml:"version"`
	Metadata map[string]any            `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Nodes    map[string]map[string]any `json:"nodes" yaml:"nodes"`
}

// ParseJSON decodes a JSON flow definition.
func ParseJSON(data []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse flow json: %w", err)
	}
	return def.normalize()
}

// ParseYAML decodes a YAML flow definition.
func ParseYAML(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse flow yaml: %w", err)
	}
	return def.normalize()
}

// Parse picks JSON or YAML by the first non-blank byte.
func Parse(data []byte) (*Definition, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

func (d *Definition) normalize() (*Definition, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	for id, rec := range d.Nodes {
		d.Nodes[id] = ref.Unmarshal(normalizeYAML(rec)).(map[string]any)
	}
	if d.Metadata != nil {
		d.Metadata = normalizeYAML(d.Metadata).(map[string]any)
	}
	return d, nil
}

// Validate checks the version and that every node names a component.
func (d *Definition) Validate() error {
	if d.Version != FormatVersion {
		return graphErr(ErrUnsupportedVersion, "", "%q", d.Version)
	}
	for id, rec := range d.Nodes {
		if s, _ := rec[componentKey].(string); s == "" {
			return graphErr(ErrUnknownComponent, id, "node record has no %q", componentKey)
		}
	}
	return nil
}

// MarshalJSON writes references in their wire form.
func (d *Definition) MarshalJSON() ([]byte, error) {
	type plain Definition
	out := plain{Version: d.Version, Metadata: d.Metadata, Nodes: make(map[string]map[string]any, len(d.Nodes))}
	for id, rec := range d.Nodes {
		out.Nodes[id] = ref.Marshal(rec).(map[string]any)
	}
	return json.Marshal(out)
}

// Load builds a thread from a definition. Keys starting with "_" become node
// metadata without the prefix; the rest become raw input.
func Load(d *Definition, opts ...ThreadOption) (*Thread, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	t := NewThread(opts...)
	for k, v := range d.Metadata {
		t.metadata[k] = v
	}

	ids := make([]string, 0, len(d.Nodes))
	for id := range d.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := d.Nodes[id]
		spec, err := ParseSpecifier(rec[componentKey].(string))
		if err != nil {
			return nil, graphErr(ErrUnknownComponent, id, "%v", err)
		}
		input := make(map[string]any)
		meta := make(map[string]any)
		for k, v := range rec {
			switch {
			case k == componentKey:
			case strings.HasPrefix(k, "_"):
				meta[strings.TrimPrefix(k, "_")] = v
			default:
				input[k] = cloneValue(v)
			}
		}
		if _, err := t.AddNode(id, spec, input, meta); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Definition exports the thread graph in the persisted form.
func (t *Thread) Definition() *Definition {
	d := &Definition{Version: FormatVersion, Metadata: t.Metadata(), Nodes: make(map[string]map[string]any)}
	if len(d.Metadata) == 0 {
		d.Metadata = nil
	}
	for _, n := range t.Nodes() {
		rec := n.Input()
		for k, v := range n.Meta() {
			rec["_"+k] = v
		}
		rec[componentKey] = n.Specifier.String()
		d.Nodes[n.ID] = rec
	}
	return d
}

// normalizeYAML turns map[any]any left by some YAML documents into
// map[string]any so the rest of the engine sees JSON shapes.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeYAML(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalizeYAML(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeYAML(e)
		}
		return out
	}
	return v
}
