package flow

import (
	"sync"
	"time"
)

// Event names dispatched by a Thread.
const (
	EventStart     = "start"
	EventDone      = "done"
	EventError     = "error"
	EventAbort     = "abort"
	EventNodeState = "nodeState"
	EventNodeStart = "nodeStart"
	EventNodeDone  = "nodeDone"
	EventNodeError = "nodeError"
	EventNodeTrace = "nodeTrace"

	// Correlation events used by Request.
	EventNodeRequest  = "nodeRequest"
	EventNodeResponse = "nodeResponse"
	EventNodeCancel   = "nodeCancel"
)

// Event is the payload delivered to listeners. Fields that do not apply to a
// given event name are left zero.
type Event struct {
	Name          string         `json:"name"`
	NodeID        string         `json:"nodeId,omitempty"`
	State         NodeState      `json:"state,omitempty"`
	Delta         time.Duration  `json:"delta"`
	Input         map[string]any `json:"input,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Err           error          `json:"-"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Data          any            `json:"data,omitempty"`
}

// Listener receives events synchronously on the dispatching goroutine.
type Listener func(Event)

type listenerEntry struct {
	id int64
	fn Listener
}

// EventBus fans events out to named listeners. Listeners registered under "*"
// receive every event.
type EventBus struct {
	mu        sync.RWMutex
	nextID    int64
	listeners map[string][]listenerEntry
}

// AnyEvent subscribes to every event name.
const AnyEvent = "*"

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{listeners: make(map[string][]listenerEntry)}
}

// On registers fn for name and returns its unsubscribe handle. The handle is
// safe to call more than once.
func (b *EventBus) On(name string, fn Listener) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.off(name, id) })
	}
}

// Once registers fn for a single delivery.
func (b *EventBus) Once(name string, fn Listener) func() {
	var (
		once  sync.Once
		unsub func()
		mu    sync.Mutex
	)
	mu.Lock()
	unsub = b.On(name, func(e Event) {
		once.Do(func() {
			mu.Lock()
			u := unsub
			mu.Unlock()
			u()
			fn(e)
		})
	})
	mu.Unlock()
	return unsub
}

func (b *EventBus) off(name string, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[name]
	for i, e := range entries {
		if e.id == id {
			b.listeners[name] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(b.listeners[name]) == 0 {
		delete(b.listeners, name)
	}
}

// Dispatch delivers e to every listener registered for e.Name and then to
// the wildcard listeners. The listener set is snapshotted first, so listeners
// may subscribe or unsubscribe while being called.
func (b *EventBus) Dispatch(e Event) {
	b.mu.RLock()
	named := b.listeners[e.Name]
	wild := b.listeners[AnyEvent]
	snapshot := make([]listenerEntry, 0, len(named)+len(wild))
	snapshot = append(snapshot, named...)
	snapshot = append(snapshot, wild...)
	b.mu.RUnlock()

	for _, l := range snapshot {
		l.fn(e)
	}
}

// RemoveAll drops every listener.
func (b *EventBus) RemoveAll() {
	b.mu.Lock()
	b.listeners = make(map[string][]listenerEntry)
	b.mu.Unlock()
}

// ListenerCount returns the number of listeners for name.
func (b *EventBus) ListenerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[name])
}
