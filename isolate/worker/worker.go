package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/isolate/codec"
	"github.com/BaSui01/flowrun/isolate/port"
)

// ErrDisposed is returned by calls on a worker whose channel is gone.
var ErrDisposed = errors.New("worker disposed")

// Options configures Spawn.
type Options struct {
	Logger *zap.Logger
	Host   HostOptions
}

// ThreadWorker is the controller's handle on one isolated thread.
type ThreadWorker struct {
	id     string
	p      *port.Port
	logger *zap.Logger
	bus    *flow.EventBus
	served chan error

	mu       sync.Mutex
	raw      map[int64]func(Message)
	nextRaw  int64
	pending  map[string]chan map[string]any
	done     chan struct{}
	fatalErr error
}

// Spawn starts an isolate running def and blocks until it reports ready or
// fails to load.
func Spawn(ctx context.Context, def *flow.Definition, opts Options) (*ThreadWorker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Host.Logger == nil {
		opts.Host.Logger = logger
	}

	local, remote := port.NewChannel()
	w := &ThreadWorker{
		id:      uuid.NewString(),
		p:       local,
		bus:     flow.NewEventBus(),
		served:  make(chan error, 1),
		raw:     make(map[int64]func(Message)),
		pending: make(map[string]chan map[string]any),
		done:    make(chan struct{}),
	}
	w.logger = logger.With(zap.String("component", "thread_worker"), zap.String("worker_id", w.id))

	go func() { w.served <- Serve(context.Background(), remote, def, opts.Host) }()

	first, err := local.Receive(ctx)
	if err != nil {
		local.Close()
		if errors.Is(err, port.ErrClosed) {
			return nil, ErrDisposed
		}
		return nil, err
	}
	m, _ := first.(Message)
	switch m.Event {
	case EventReady:
	case EventError:
		local.Close()
		if e, ok := codec.Deserialize(m.Data).(error); ok {
			return nil, e
		}
		return nil, errors.New("worker failed to start")
	default:
		local.Close()
		return nil, errors.New("worker sent " + m.Event + " before ready")
	}

	go w.pump()
	w.logger.Debug("worker spawned")
	return w, nil
}

// ID identifies the worker.
func (w *ThreadWorker) ID() string { return w.id }

func (w *ThreadWorker) pump() {
	defer func() {
		w.mu.Lock()
		for id, ch := range w.pending {
			close(ch)
			delete(w.pending, id)
		}
		w.mu.Unlock()
		close(w.done)
	}()
	_ = w.p.Listen(context.Background(), func(v any) {
		m, ok := v.(Message)
		if !ok {
			return
		}
		w.mu.Lock()
		subs := make([]func(Message), 0, len(w.raw))
		for _, fn := range w.raw {
			subs = append(subs, fn)
		}
		w.mu.Unlock()
		for _, fn := range subs {
			fn(m)
		}

		switch m.Event {
		case EventOutputValue:
			reply, _ := m.Data.(map[string]any)
			id, _ := reply["id"].(string)
			w.mu.Lock()
			ch := w.pending[id]
			delete(w.pending, id)
			w.mu.Unlock()
			if ch != nil {
				ch <- reply
			}
		case EventError:
			err, _ := codec.Deserialize(m.Data).(error)
			w.mu.Lock()
			w.fatalErr = err
			w.mu.Unlock()
			w.logger.Error("worker failed", zap.Error(err))
		case EventReady:
		default:
			w.bus.Dispatch(decodeEvent(m))
		}
	})
}

// On subscribes to mirrored thread events.
func (w *ThreadWorker) On(name string, fn flow.Listener) func() { return w.bus.On(name, fn) }

// Messages subscribes to every raw message the isolate posts. Sessions use it
// to relay the wire protocol verbatim.
func (w *ThreadWorker) Messages(fn func(Message)) func() {
	w.mu.Lock()
	id := w.nextRaw
	w.nextRaw++
	w.raw[id] = fn
	w.mu.Unlock()
	return func() {
		w.mu.Lock()
		delete(w.raw, id)
		w.mu.Unlock()
	}
}

// Post relays a command to the isolate unchanged.
func (w *ThreadWorker) Post(cmd Command) error {
	if err := w.p.Post(cmd); err != nil {
		return ErrDisposed
	}
	return nil
}

// Done is closed once the channel to the isolate is gone.
func (w *ThreadWorker) Done() <-chan struct{} { return w.done }

// Err returns the isolate's fatal error, if it reported one.
func (w *ThreadWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalErr
}

// Start runs the thread with input and waits for its done or error event.
func (w *ThreadWorker) Start(ctx context.Context, input map[string]any) (map[string]any, error) {
	type result struct {
		output map[string]any
		err    error
	}
	ch := make(chan result, 1)
	offDone := w.bus.Once(flow.EventDone, func(e flow.Event) {
		select {
		case ch <- result{output: e.Output}:
		default:
		}
	})
	defer offDone()
	offErr := w.bus.Once(flow.EventError, func(e flow.Event) {
		err := e.Err
		if err == nil {
			err = errors.New("thread failed")
		}
		select {
		case ch <- result{err: err}:
		default:
		}
	})
	defer offErr()

	in, _ := codec.Serialize(input, nil).(map[string]any)
	if err := w.Post(Command{Type: CommandStart, Input: in}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.output, r.err
	case <-w.done:
		return nil, w.closedErr()
	case <-ctx.Done():
		if err := w.Post(Command{Type: CommandAbort}); err != nil {
			w.logger.Debug("abort after cancel failed", zap.Error(err))
		}
		return nil, ctx.Err()
	}
}

// Abort aborts the isolated thread and waits for the mirrored abort event.
func (w *ThreadWorker) Abort(ctx context.Context) error {
	acked := make(chan struct{})
	var once sync.Once
	off := w.bus.Once(flow.EventAbort, func(flow.Event) { once.Do(func() { close(acked) }) })
	defer off()

	if err := w.Post(Command{Type: CommandAbort}); err != nil {
		return err
	}
	select {
	case <-acked:
		return nil
	case <-w.done:
		return w.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetOutputValue reads one output value, or the whole output when name is
// empty. It fails while the thread is still running.
func (w *ThreadWorker) GetOutputValue(ctx context.Context, name string) (any, error) {
	id := uuid.NewString()
	ch := make(chan map[string]any, 1)
	w.mu.Lock()
	w.pending[id] = ch
	w.mu.Unlock()

	if err := w.Post(Command{Type: CommandOutputValue, ID: id, Name: name}); err != nil {
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return nil, err
	}
	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, w.closedErr()
		}
		if rec, has := reply["error"]; has {
			if err, ok := codec.Deserialize(rec).(error); ok {
				return nil, err
			}
		}
		return codec.Deserialize(reply["value"]), nil
	case <-ctx.Done():
		w.mu.Lock()
		delete(w.pending, id)
		w.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Dispose aborts the thread, releases the isolate and closes the channel.
// It is safe to call more than once.
func (w *ThreadWorker) Dispose(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	default:
	}
	if err := w.Abort(ctx); err != nil && !errors.Is(err, ErrDisposed) {
		w.logger.Debug("abort before dispose failed", zap.Error(err))
	}
	_ = w.Post(Command{Type: CommandRelease})

	var err error
	select {
	case err = <-w.served:
	case <-ctx.Done():
		err = ctx.Err()
	}
	w.p.Close()
	<-w.done
	w.logger.Debug("worker disposed")
	return err
}

func (w *ThreadWorker) closedErr() error {
	if err := w.Err(); err != nil {
		return err
	}
	return ErrDisposed
}
