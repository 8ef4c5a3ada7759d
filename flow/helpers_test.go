package flow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// test components
// ---------------------------------------------------------------------------

type callCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{counts: make(map[string]int)}
}

func (c *callCounter) inc(id string) {
	c.mu.Lock()
	c.counts[id]++
	c.mu.Unlock()
}

func (c *callCounter) get(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[id]
}

// echo copies data["in"] to "out".
func echoComponent(counter *callCounter) *Component {
	return &Component{
		Trusted: true,
		Output:  Schema{"out": {}},
		Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
			if counter != nil {
				counter.inc(pc.NodeID)
			}
			return map[string]any{"out": pc.Data["in"]}, nil
		},
	}
}

// sink writes data["in"] to the thread output under the node id.
func sinkComponent() *Component {
	return &Component{
		Trusted: true,
		Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
			pc.Thread.SetOutput(pc.NodeID, pc.Data["in"])
			return map[string]any{}, nil
		},
	}
}

// fail returns an error after an optional delay.
func failComponent(delay time.Duration, counter *callCounter) *Component {
	return &Component{
		Trusted: true,
		Process: func(ctx context.Context, pc *ProcessContext) (map[string]any, error) {
			if counter != nil {
				counter.inc(pc.NodeID)
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			return nil, errors.New("boom from " + pc.NodeID)
		},
	}
}

// slow sleeps and then echoes.
func slowComponent(delay time.Duration, finished *atomic.Bool) *Component {
	return &Component{
		Trusted: true,
		Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
			time.Sleep(delay)
			finished.Store(true)
			return map[string]any{"out": pc.Data["in"]}, nil
		},
	}
}

func testRegistry(components map[string]*Component) *Registry {
	reg := NewRegistry()
	for spec, c := range components {
		reg.MustRegister(spec, c)
	}
	return reg
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(t *Thread) *eventRecorder {
	r := &eventRecorder{}
	t.On(AnyEvent, func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Name
		if e.Name == EventNodeState {
			out[i] = e.Name + ":" + e.NodeID + ":" + string(e.State)
		} else if e.NodeID != "" {
			out[i] = e.Name + ":" + e.NodeID
		}
	}
	return out
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// virtual clock
// ---------------------------------------------------------------------------

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	remaining := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case t.stopped:
		case !t.at.After(c.now):
			t.stopped = true
			due = append(due, t)
		default:
			remaining = append(remaining, t)
		}
	}
	c.timers = remaining
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}
