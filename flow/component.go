package flow

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Specifier names a component as [registry:]collection/name[@tag].
type Specifier struct {
	Registry   string `json:"registry,omitempty"`
	Collection string `json:"collection,omitempty"`
	Name       string `json:"name"`
	Tag        string `json:"tag,omitempty"`
}

// ParseSpecifier parses s. A bare name has no collection.
func ParseSpecifier(s string) (Specifier, error) {
	var spec Specifier
	s = strings.TrimSpace(s)
	raw := s
	if s == "" {
		return spec, fmt.Errorf("empty component specifier")
	}
	if i := strings.LastIndexByte(s, '@'); i > 0 {
		spec.Tag = s[i+1:]
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		spec.Registry = s[:i]
		s = s[i+1:]
	}
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		spec.Collection = s[:i]
		s = s[i+1:]
	}
	if s == "" {
		return Specifier{}, fmt.Errorf("component specifier %q has no name", raw)
	}
	spec.Name = s
	return spec, nil
}

// MustParseSpecifier is ParseSpecifier for literals known to be valid.
func MustParseSpecifier(s string) Specifier {
	spec, err := ParseSpecifier(s)
	if err != nil {
		panic(err)
	}
	return spec
}

// Key returns collection/name, the part registries match on.
func (s Specifier) Key() string {
	if s.Collection == "" {
		return s.Name
	}
	return s.Collection + "/" + s.Name
}

func (s Specifier) String() string {
	var b strings.Builder
	if s.Registry != "" {
		b.WriteString(s.Registry)
		b.WriteByte(':')
	}
	b.WriteString(s.Key())
	if s.Tag != "" {
		b.WriteByte('@')
		b.WriteString(s.Tag)
	}
	return b.String()
}

// TraceFunc records a diagnostic from inside a process function.
type TraceFunc func(message string, value any)

// ProcessContext is what a process function receives. Thread and NodeID are
// only set for trusted components.
type ProcessContext struct {
	Data   map[string]any
	Trace  TraceFunc
	Thread *Thread
	NodeID string
}

// ProcessFunc runs a component. ctx is canceled when the thread aborts.
type ProcessFunc func(ctx context.Context, pc *ProcessContext) (map[string]any, error)

// Component describes what a node does.
type Component struct {
	Name        string
	Description string
	Input       Schema
	Output      Schema
	Trusted     bool
	Process     ProcessFunc
	// Script is sandboxed code evaluated when Process is nil. Its result must
	// be an object.
	Script string
	// ScriptInput names an input carrying the script when Script is empty.
	// That input is not visible to the script itself.
	ScriptInput string
}

// ComponentResolver maps a specifier to a component. A nil component with a
// nil error means "not mine" and the next resolver is asked.
type ComponentResolver interface {
	ResolveComponent(ctx context.Context, spec Specifier) (*Component, error)
}

// ComponentResolverFunc adapts a function to ComponentResolver.
type ComponentResolverFunc func(ctx context.Context, spec Specifier) (*Component, error)

func (f ComponentResolverFunc) ResolveComponent(ctx context.Context, spec Specifier) (*Component, error) {
	return f(ctx, spec)
}

// Registry is an in-memory ComponentResolver.
type Registry struct {
	mu         sync.RWMutex
	components map[string]*Component
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{components: make(map[string]*Component)}
}

// Register adds c under spec. A tagged spec is only matched by lookups with
// the same tag; an untagged one matches any tag.
func (r *Registry) Register(spec string, c *Component) error {
	s, err := ParseSpecifier(spec)
	if err != nil {
		return err
	}
	key := registryKey(s)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.components[key]; exists {
		return fmt.Errorf("component %s already registered", key)
	}
	if c.Name == "" {
		c.Name = s.Key()
	}
	r.components[key] = c
	return nil
}

// MustRegister panics on error.
func (r *Registry) MustRegister(spec string, c *Component) {
	if err := r.Register(spec, c); err != nil {
		panic(err)
	}
}

func (r *Registry) ResolveComponent(_ context.Context, spec Specifier) (*Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if spec.Tag != "" {
		if c, ok := r.components[registryKey(spec)]; ok {
			return c, nil
		}
	}
	untagged := spec
	untagged.Tag = ""
	return r.components[registryKey(untagged)], nil
}

// List returns the registered keys.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.components))
	for k := range r.components {
		keys = append(keys, k)
	}
	return keys
}

func registryKey(s Specifier) string {
	if s.Tag == "" {
		return s.Key()
	}
	return s.Key() + "@" + s.Tag
}
