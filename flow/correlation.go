package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds a pending request when no timeout is given.
const DefaultRequestTimeout = 60 * time.Second

var (
	// ErrTimeout settles a request nobody answered in time.
	ErrTimeout = errors.New("Timeout.")
	// ErrCanceled settles a request the user canceled.
	ErrCanceled = errors.New("Canceled by user.")
)

// Timer is a stoppable pending callback.
type Timer interface {
	Stop() bool
}

// Clock schedules request timeouts. Tests substitute a virtual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// RequestOptions configures one interactive exchange.
type RequestOptions struct {
	// Event is dispatched with the request; defaults to EventNodeRequest.
	Event string
	// ResponseEvent settles the request with its Data; defaults to EventNodeResponse.
	ResponseEvent string
	// CancelEvent settles the request with ErrCanceled; defaults to EventNodeCancel.
	CancelEvent string
	Data        any
	Timeout     time.Duration
}

type pendingRequest struct {
	mu      sync.Mutex
	settled bool
	unsubs  []func()
	timer   Timer
	stop    func() bool
	result  chan requestOutcome
}

type requestOutcome struct {
	value any
	err   error
}

func (p *pendingRequest) settle(v any, err error) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	unsubs, timer, stop := p.unsubs, p.timer, p.stop
	p.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if timer != nil {
		timer.Stop()
	}
	if stop != nil {
		stop()
	}
	p.result <- requestOutcome{value: v, err: err}
}

// Request dispatches an event carrying a fresh correlation id and waits for
// the matching response, a cancel, the timeout, or a thread abort, whichever
// comes first. Responses match on both node id and correlation id.
func (t *Thread) Request(ctx context.Context, nodeID string, opts RequestOptions) (any, error) {
	if opts.Event == "" {
		opts.Event = EventNodeRequest
	}
	if opts.ResponseEvent == "" {
		opts.ResponseEvent = EventNodeResponse
	}
	if opts.CancelEvent == "" {
		opts.CancelEvent = EventNodeCancel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRequestTimeout
	}

	correlationID := uuid.NewString()
	p := &pendingRequest{result: make(chan requestOutcome, 1)}
	matches := func(e Event) bool {
		return e.NodeID == nodeID && e.CorrelationID == correlationID
	}

	p.mu.Lock()
	p.unsubs = []func(){
		t.On(opts.ResponseEvent, func(e Event) {
			if matches(e) {
				p.settle(e.Data, nil)
			}
		}),
		t.On(opts.CancelEvent, func(e Event) {
			if matches(e) {
				p.settle(nil, ErrCanceled)
			}
		}),
		t.On(EventAbort, func(Event) { p.settle(nil, ErrAborted) }),
	}
	p.timer = t.clock.AfterFunc(opts.Timeout, func() { p.settle(nil, ErrTimeout) })
	p.stop = context.AfterFunc(ctx, func() { p.settle(nil, ErrAborted) })
	p.mu.Unlock()

	t.emit(Event{Name: opts.Event, NodeID: nodeID, CorrelationID: correlationID, Data: opts.Data})

	out := <-p.result
	return out.value, out.err
}

// Respond answers a pending request.
func (t *Thread) Respond(nodeID, correlationID string, data any) {
	t.emit(Event{Name: EventNodeResponse, NodeID: nodeID, CorrelationID: correlationID, Data: data})
}

// Cancel cancels a pending request.
func (t *Thread) Cancel(nodeID, correlationID string) {
	t.emit(Event{Name: EventNodeCancel, NodeID: nodeID, CorrelationID: correlationID})
}
