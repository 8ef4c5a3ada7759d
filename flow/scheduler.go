package flow

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// run is the bookkeeping of one Start call.
type run struct {
	ctx      context.Context
	token    *AbortToken
	inflight int
	firstErr error
	output   map[string]any
	done     chan struct{}
}

// Running reports whether a Start call is in progress.
func (t *Thread) Running() bool { return t.running.Load() }

// IsNodeUsedAsTool reports whether any outgoing link of id has no source
// name, meaning a consumer invokes the node instead of reading its output.
func (t *Thread) IsNodeUsedAsTool(id string) bool {
	return usedAsTool(t.Links())[id]
}

// IsNodeReadyToStart reports whether every incoming source of id is done or
// is used as a tool.
func (t *Thread) IsNodeReadyToStart(id string) bool {
	links := t.Links()
	return t.ready(links, usedAsTool(links), id)
}

func usedAsTool(links []Link) map[string]bool {
	tools := make(map[string]bool)
	for _, l := range links {
		if l.SourceName == "" {
			tools[l.SourceID] = true
		}
	}
	return tools
}

func (t *Thread) ready(links []Link, tools map[string]bool, id string) bool {
	for _, l := range links {
		if l.TargetID != id || tools[l.SourceID] {
			continue
		}
		src, ok := t.Node(l.SourceID)
		if !ok || src.State() != StateDone {
			return false
		}
	}
	return true
}

// validate checks everything that must hold before any node starts.
func (t *Thread) validate(ctx context.Context) error {
	for _, l := range t.Links() {
		if _, ok := t.Node(l.SourceID); !ok {
			return graphErr(ErrUnknownNode, l.SourceID, "referenced by %s.%s", l.TargetID, l.TargetName)
		}
	}
	for _, n := range t.Nodes() {
		if _, err := t.resolveComponent(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Start runs the graph with input and blocks until no node is processing.
// It returns the output, or the first node error after the whole graph has
// quiesced. Canceling ctx aborts the thread.
func (t *Thread) Start(ctx context.Context, input map[string]any) (map[string]any, error) {
	t.sched.Lock()
	if t.run != nil {
		t.sched.Unlock()
		return nil, ErrThreadRunning
	}
	if err := t.validate(ctx); err != nil {
		t.sched.Unlock()
		return nil, err
	}

	r := &run{
		ctx:   context.WithoutCancel(ctx),
		token: t.AbortToken(),
		done:  make(chan struct{}),
	}
	t.run = r
	t.running.Store(true)

	t.mu.Lock()
	t.input = copyMap(input)
	if t.startedAt.IsZero() {
		t.startedAt = time.Now()
	}
	t.mu.Unlock()

	t.logger.Info("thread started")
	t.emit(Event{Name: EventStart, Input: copyMap(input)})

	links := t.Links()
	tools := usedAsTool(links)
	for _, n := range t.Nodes() {
		if tools[n.ID] || n.State() != StateIdle || !t.ready(links, tools, n.ID) {
			continue
		}
		t.dispatchLocked(r, n)
	}
	settled := t.settleLocked(r)
	t.sched.Unlock()
	if settled {
		t.complete(r)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		t.Abort()
		<-r.done
	}
	return r.output, r.firstErr
}

// dispatchLocked starts n on its own goroutine. It must hold t.sched.
func (t *Thread) dispatchLocked(r *run, n *Node) {
	if r.token.Aborted() || !t.beginNode(n) {
		return
	}
	r.inflight++
	go func() {
		ctx, cancel := r.token.Bind(r.ctx)
		_, err := t.processNode(ctx, n, nil)
		cancel()
		t.onNodeFinished(r, n, err)
	}()
}

// onNodeFinished cascades dispatch to targets that just became ready and
// settles the run once nothing is in flight.
func (t *Thread) onNodeFinished(r *run, n *Node, err error) {
	t.sched.Lock()
	if err != nil && r.firstErr == nil {
		r.firstErr = err
	}
	if err == nil {
		links := t.Links()
		tools := usedAsTool(links)
		for _, l := range links {
			if l.SourceID != n.ID || tools[l.TargetID] {
				continue
			}
			target, ok := t.Node(l.TargetID)
			if !ok || target.State() != StateIdle || !t.ready(links, tools, l.TargetID) {
				continue
			}
			t.dispatchLocked(r, target)
		}
	}
	r.inflight--
	settled := t.settleLocked(r)
	t.sched.Unlock()
	if settled {
		t.complete(r)
	}
}

func (t *Thread) settleLocked(r *run) bool {
	if r.inflight > 0 || t.run != r {
		return false
	}
	t.run = nil
	t.running.Store(false)
	return true
}

// complete dispatches the terminal events and releases Start.
// An aborted run rejects with ErrAborted even when every in-flight node
// returned normally.
func (t *Thread) complete(r *run) {
	if r.firstErr == nil && r.token.Aborted() {
		r.firstErr = ErrAborted
	}
	if r.firstErr != nil {
		t.logger.Warn("thread failed", zap.Error(r.firstErr))
		t.emit(Event{Name: EventError, Err: r.firstErr})
		t.Abort()
	} else {
		r.output = t.Output()
		t.logger.Info("thread done", zap.Int("outputs", len(r.output)))
		t.emit(Event{Name: EventDone, Output: r.output})
	}
	close(r.done)
}
