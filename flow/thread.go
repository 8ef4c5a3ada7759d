package flow

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow/ref"
	"github.com/BaSui01/flowrun/flow/sandbox"
)

const tracerName = "github.com/BaSui01/flowrun/flow"

// Link is the directed edge materialized from a reference in a node input.
type Link struct {
	Namespace  ref.Namespace `json:"namespace"`
	SourceID   string        `json:"sourceId"`
	SourceName string        `json:"sourceName,omitempty"`
	SourcePath string        `json:"sourcePath,omitempty"`
	TargetID   string        `json:"targetId"`
	TargetName string        `json:"targetName"`
	TargetPath string        `json:"targetPath,omitempty"`
}

func (l Link) reference() ref.Reference {
	ns := l.Namespace
	if ns == "" {
		ns = ref.Nodes
		if l.SourceName == "" {
			ns = ref.Tools
		}
	}
	return ref.Encode(ns, l.SourceID, l.SourceName, l.SourcePath)
}

// Thread is one in-memory execution of a flow graph.
type Thread struct {
	id     string
	logger *zap.Logger

	mu        sync.RWMutex
	nodes     map[string]*Node
	metadata  map[string]any
	input     map[string]any
	output    map[string]any
	startedAt time.Time
	abort     *AbortToken

	components []ComponentResolver
	references []ReferenceResolver
	bus        *EventBus
	sandbox    *sandbox.Executor
	clock      Clock
	tracer     trace.Tracer

	// sched serializes dispatch decisions of the current run.
	sched   sync.Mutex
	run     *run
	running atomic.Bool
}

// ThreadOption configures a Thread.
type ThreadOption func(*Thread)

// WithThreadID overrides the generated id.
func WithThreadID(id string) ThreadOption {
	return func(t *Thread) { t.id = id }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ThreadOption {
	return func(t *Thread) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithComponentResolver appends a component resolver.
func WithComponentResolver(r ComponentResolver) ThreadOption {
	return func(t *Thread) { t.components = append(t.components, r) }
}

// WithReferenceResolver appends a reference resolver. User resolvers are
// consulted before the built-in node and tool resolver.
func WithReferenceResolver(r ReferenceResolver) ThreadOption {
	return func(t *Thread) { t.references = append(t.references, r) }
}

// WithSandbox sets the executor used for untrusted scripts.
func WithSandbox(s *sandbox.Executor) ThreadOption {
	return func(t *Thread) { t.sandbox = s }
}

// WithClock sets the clock used for request timeouts.
func WithClock(c Clock) ThreadOption {
	return func(t *Thread) { t.clock = c }
}

// WithTracer sets the OpenTelemetry tracer used for node spans.
func WithTracer(tr trace.Tracer) ThreadOption {
	return func(t *Thread) { t.tracer = tr }
}

// NewThread creates an empty thread.
func NewThread(opts ...ThreadOption) *Thread {
	t := &Thread{
		id:       uuid.NewString(),
		logger:   zap.NewNop(),
		nodes:    make(map[string]*Node),
		metadata: make(map[string]any),
		input:    make(map[string]any),
		output:   make(map[string]any),
		abort:    NewAbortToken(),
		bus:      NewEventBus(),
		clock:    realClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.references = append(t.references, graphResolver{})
	if t.sandbox == nil {
		t.sandbox = sandbox.NewExecutor(sandbox.DefaultConfig(), nil, t.logger)
	}
	if t.tracer == nil {
		t.tracer = otel.Tracer(tracerName)
	}
	t.logger = t.logger.With(zap.String("component", "thread"), zap.String("thread_id", t.id))
	return t
}

// ID returns the thread id.
func (t *Thread) ID() string { return t.id }

// Logger returns the thread-scoped logger.
func (t *Thread) Logger() *zap.Logger { return t.logger }

// Metadata returns the flow metadata.
func (t *Thread) Metadata() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyMap(t.metadata)
}

// AddNode adds a node with raw input. References to nodes that do not exist
// yet are allowed; they are checked when the thread starts.
func (t *Thread) AddNode(id string, spec Specifier, input, meta map[string]any) (*Node, error) {
	if id == "" {
		return nil, graphErr(ErrUnknownNode, id, "empty id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.nodes[id]; exists {
		return nil, &GraphError{Kind: ErrDuplicateNode, NodeID: id}
	}
	n := newNode(id, spec, input, meta)
	t.nodes[id] = n
	return n, nil
}

// RemoveNode deletes a node. It is refused while the thread runs.
func (t *Thread) RemoveNode(id string) error {
	if t.Running() {
		return ErrThreadRunning
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[id]; !ok {
		return &GraphError{Kind: ErrUnknownNode, NodeID: id}
	}
	delete(t.nodes, id)
	return nil
}

// Node returns a node by id.
func (t *Thread) Node(id string) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	return n, ok
}

// Nodes returns all nodes sorted by id.
func (t *Thread) Nodes() []*Node {
	t.mu.RLock()
	nodes := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, n)
	}
	t.mu.RUnlock()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

// Links scans every node input and returns the edges found there. Variables
// references are not edges and are skipped.
func (t *Thread) Links() []Link {
	var links []Link
	for _, n := range t.Nodes() {
		n.mu.RLock()
		found := ref.Scan(n.input)
		n.mu.RUnlock()
		for _, f := range found {
			if f.Ref.Namespace == ref.Variables {
				continue
			}
			links = append(links, Link{
				Namespace:  f.Ref.Namespace,
				SourceID:   f.Ref.Target,
				SourceName: f.Ref.Name,
				SourcePath: f.Ref.Path,
				TargetID:   n.ID,
				TargetName: f.Key,
				TargetPath: f.Path,
			})
		}
	}
	return links
}

// IncomingLinks returns the links whose target is id.
func (t *Thread) IncomingLinks(id string) []Link {
	var out []Link
	for _, l := range t.Links() {
		if l.TargetID == id {
			out = append(out, l)
		}
	}
	return out
}

// OutgoingLinks returns the links whose source is id.
func (t *Thread) OutgoingLinks(id string) []Link {
	var out []Link
	for _, l := range t.Links() {
		if l.SourceID == id {
			out = append(out, l)
		}
	}
	return out
}

// AddLink embeds a reference to the source into the target input. A link
// without SourceName is a tool link. Sockets are checked against the
// component schemas when those declare any.
func (t *Thread) AddLink(ctx context.Context, l Link) error {
	source, ok := t.Node(l.SourceID)
	if !ok {
		return &GraphError{Kind: ErrUnknownNode, NodeID: l.SourceID}
	}
	target, ok := t.Node(l.TargetID)
	if !ok {
		return &GraphError{Kind: ErrUnknownNode, NodeID: l.TargetID}
	}
	if l.TargetName == "" {
		return graphErr(ErrMissingSocket, l.TargetID, "link has no target input")
	}

	if l.SourceName != "" {
		comp, err := t.resolveComponent(ctx, source)
		if err != nil {
			return err
		}
		if len(comp.Output) > 0 && !comp.Output.Has(l.SourceName) {
			return graphErr(ErrMissingSocket, l.SourceID, "no output %q", l.SourceName)
		}
	}
	comp, err := t.resolveComponent(ctx, target)
	if err != nil {
		return err
	}
	if len(comp.Input) > 0 && !comp.Input.Has(l.TargetName) {
		return graphErr(ErrMissingSocket, l.TargetID, "no input %q", l.TargetName)
	}

	target.mu.Lock()
	target.input[l.TargetName] = ref.Insert(target.input[l.TargetName], l.reference(), l.TargetPath)
	target.mu.Unlock()
	return nil
}

// RemoveLink clears the embedded reference. Nodes are never removed.
func (t *Thread) RemoveLink(l Link) error {
	target, ok := t.Node(l.TargetID)
	if !ok {
		return &GraphError{Kind: ErrUnknownNode, NodeID: l.TargetID}
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	current, ok := target.input[l.TargetName]
	if !ok {
		return graphErr(ErrMissingSocket, l.TargetID, "no input %q", l.TargetName)
	}
	next, keep := ref.Remove(current, l.reference(), l.TargetPath)
	if keep {
		target.input[l.TargetName] = next
	} else {
		delete(target.input, l.TargetName)
	}
	return nil
}

// Input returns a copy of the flow-level input.
func (t *Thread) Input() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyMap(t.input)
}

// InputValue returns one flow-level input value.
func (t *Thread) InputValue(name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.input[name]
	return v, ok
}

// Output returns a copy of the accumulated output.
func (t *Thread) Output() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyMap(t.output)
}

// OutputValue returns one output value.
func (t *Thread) OutputValue(name string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.output[name]
	return v, ok
}

// SetOutput writes one output value.
func (t *Thread) SetOutput(name string, value any) {
	t.mu.Lock()
	t.output[name] = value
	t.mu.Unlock()
}

// StartedAt returns the time of the first start.
func (t *Thread) StartedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.startedAt
}

// AbortToken returns the current token.
func (t *Thread) AbortToken() *AbortToken {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.abort
}

// Abort invalidates the current token, dispatches abort, and installs a fresh
// token so the thread can be used again.
func (t *Thread) Abort() {
	t.mu.Lock()
	token := t.abort
	t.mu.Unlock()

	token.Abort()
	t.logger.Debug("thread aborted")
	t.emit(Event{Name: EventAbort})

	t.mu.Lock()
	if t.abort == token {
		t.abort = NewAbortToken()
	}
	t.mu.Unlock()
}

// Reset puts every node back to idle and clears the output. It is refused
// while the thread runs.
func (t *Thread) Reset() error {
	if t.Running() {
		return ErrThreadRunning
	}
	for _, n := range t.Nodes() {
		n.reset()
	}
	t.mu.Lock()
	t.output = make(map[string]any)
	t.mu.Unlock()
	return nil
}

// On subscribes to an event name, or AnyEvent for all.
func (t *Thread) On(name string, fn Listener) func() { return t.bus.On(name, fn) }

// Once subscribes for one delivery.
func (t *Thread) Once(name string, fn Listener) func() { return t.bus.Once(name, fn) }

// Events returns the underlying bus.
func (t *Thread) Events() *EventBus { return t.bus }

// Dispatch sends a custom event to the thread's listeners. Trusted
// components use it for side channels such as questions to the user.
func (t *Thread) Dispatch(e Event) { t.emit(e) }

func (t *Thread) emit(e Event) {
	if started := t.StartedAt(); !started.IsZero() {
		e.Delta = time.Since(started)
	}
	t.bus.Dispatch(e)
}
