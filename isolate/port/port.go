// Package port provides the message channel that connects an isolated thread
// with its controller. A channel has two endpoints; whatever one posts, the
// other receives, in order. Endpoints are plain values and can themselves be
// posted through another channel.
package port

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned once the channel is closed and drained.
var ErrClosed = errors.New("port: closed")

type queue struct {
	mu     sync.Mutex
	items  []any
	closed bool
	notify chan struct{}
}

func newQueue() *queue {
	return &queue{notify: make(chan struct{}, 1)}
}

func (q *queue) push(v any) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Port is one endpoint of a channel.
type Port struct {
	id    string
	in    *queue
	out   *queue
	close sync.Once
}

// NewChannel creates a connected pair of endpoints.
func NewChannel() (*Port, *Port) {
	id := uuid.NewString()
	a, b := newQueue(), newQueue()
	return &Port{id: id + "/1", in: a, out: b}, &Port{id: id + "/2", in: b, out: a}
}

// ID identifies the endpoint.
func (p *Port) ID() string { return p.id }

// Post sends v to the other endpoint without blocking.
func (p *Port) Post(v any) error { return p.out.push(v) }

// Receive returns the next message. Messages posted before Close are still
// delivered; after that Receive returns ErrClosed.
func (p *Port) Receive(ctx context.Context) (any, error) {
	for {
		p.in.mu.Lock()
		if len(p.in.items) > 0 {
			v := p.in.items[0]
			p.in.items[0] = nil
			p.in.items = p.in.items[1:]
			more := len(p.in.items) > 0 || p.in.closed
			p.in.mu.Unlock()
			if more {
				p.in.signal()
			}
			return v, nil
		}
		if p.in.closed {
			p.in.mu.Unlock()
			return nil, ErrClosed
		}
		p.in.mu.Unlock()

		select {
		case <-p.in.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Listen calls fn for every message until the channel closes or ctx is done.
// It blocks; run it on its own goroutine.
func (p *Port) Listen(ctx context.Context, fn func(any)) error {
	for {
		v, err := p.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return nil
			}
			return err
		}
		fn(v)
	}
}

// Close closes both directions. Pending messages remain readable.
func (p *Port) Close() {
	p.close.Do(func() {
		p.out.close()
		p.in.close()
	})
}

// Closed reports whether the channel was closed from either side.
func (p *Port) Closed() bool {
	p.out.mu.Lock()
	defer p.out.mu.Unlock()
	return p.out.closed
}

// MarshalJSON renders the endpoint as its id, so messages that carry ports
// can still be logged or relayed as JSON.
func (p *Port) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.id)
}
