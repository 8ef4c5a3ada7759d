package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/isolate/codec"
	"github.com/BaSui01/flowrun/isolate/port"
)

// ErrThreadBusy is returned for output queries while the thread runs.
var ErrThreadBusy = errors.New("thread is still running")

// HostOptions configures the isolate side.
type HostOptions struct {
	Logger        *zap.Logger
	ThreadOptions []flow.ThreadOption
}

type host struct {
	p      *port.Port
	thread *flow.Thread
	logger *zap.Logger
	starts atomic.Int64
	// runs counts start commands whose terminal event has not been mirrored.
	runs atomic.Int64
}

// Serve builds a thread from def and drives it from commands received on p
// until a release command arrives, p closes, or ctx is done. Every thread
// event is mirrored onto p.
func Serve(ctx context.Context, p *port.Port, def *flow.Definition, opts HostOptions) (err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "worker_host"))

	thread, err := flow.Load(def, append(opts.ThreadOptions, flow.WithLogger(logger))...)
	if err != nil {
		logger.Warn("flow rejected", zap.Error(err))
		_ = p.Post(Message{Event: EventError, Data: codec.Serialize(err, nil)})
		p.Close()
		return err
	}

	h := &host{p: p, thread: thread, logger: logger.With(zap.String("thread_id", thread.ID()))}
	unsubscribe := thread.On(flow.AnyEvent, h.forward)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
			h.logger.Error("worker crashed", zap.Any("panic", r))
			_ = p.Post(Message{Event: EventError, Data: codec.Serialize(err, nil)})
		}
		unsubscribe()
		thread.Abort()
		p.Close()
	}()

	if err := p.Post(Message{Event: EventReady}); err != nil {
		return err
	}
	h.logger.Debug("worker ready")

	for {
		msg, err := p.Receive(ctx)
		if err != nil {
			if errors.Is(err, port.ErrClosed) {
				return nil
			}
			return err
		}
		cmd, ok := toCommand(msg)
		if !ok {
			h.logger.Debug("ignoring message", zap.Any("message", msg))
			continue
		}
		if cmd.Type == CommandRelease {
			h.logger.Debug("worker released")
			return nil
		}
		h.handle(ctx, cmd)
	}
}

func toCommand(msg any) (Command, bool) {
	switch m := msg.(type) {
	case Command:
		return m, true
	case *Command:
		return *m, m != nil
	case map[string]any:
		cmd := Command{}
		cmd.Type, _ = m["type"].(string)
		cmd.Input, _ = m["input"].(map[string]any)
		cmd.ID, _ = m["id"].(string)
		cmd.Name, _ = m["name"].(string)
		cmd.Event, _ = m["event"].(string)
		cmd.NodeID, _ = m["nodeId"].(string)
		cmd.CorrelationID, _ = m["correlationId"].(string)
		cmd.Data = m["data"]
		return cmd, cmd.Type != ""
	}
	return Command{}, false
}

func (h *host) forward(e flow.Event) {
	switch e.Name {
	case flow.EventStart:
		h.starts.Add(1)
	case flow.EventDone, flow.EventError:
		h.finishRun()
	}
	if err := h.p.Post(Message{Event: e.Name, Data: encodeEvent(e)}); err != nil {
		h.logger.Debug("event dropped", zap.String("event", e.Name), zap.Error(err))
	}
}

func (h *host) handle(ctx context.Context, cmd Command) {
	switch cmd.Type {
	case CommandStart:
		input, _ := codec.Deserialize(cmd.Input).(map[string]any)
		h.runs.Add(1)
		go h.start(ctx, input)
	case CommandAbort:
		h.thread.Abort()
	case CommandOutputValue:
		h.outputValue(cmd)
	case CommandDispatch:
		h.thread.Dispatch(flow.Event{
			Name:          cmd.Event,
			NodeID:        cmd.NodeID,
			CorrelationID: cmd.CorrelationID,
			Data:          codec.Deserialize(cmd.Data),
		})
	default:
		h.logger.Debug("unknown command", zap.String("type", cmd.Type))
	}
}

// start runs the thread. A start the thread refuses before emitting its own
// start event is reported as a mirrored error event, so the controller sees
// one failure path.
func (h *host) start(ctx context.Context, input map[string]any) {
	before := h.starts.Load()
	_, err := h.thread.Start(ctx, input)
	if err != nil && h.starts.Load() == before {
		h.logger.Warn("start refused", zap.Error(err))
		h.forward(flow.Event{Name: flow.EventError, Err: err})
	}
}

// finishRun settles one pending start. The count never goes negative.
func (h *host) finishRun() {
	for {
		n := h.runs.Load()
		if n <= 0 || h.runs.CompareAndSwap(n, n-1) {
			return
		}
	}
}

func (h *host) outputValue(cmd Command) {
	var reply map[string]any
	switch {
	case h.runs.Load() > 0 || h.thread.Running():
		reply = outputReply(cmd.ID, nil, ErrThreadBusy)
	case cmd.Name == "":
		reply = outputReply(cmd.ID, h.thread.Output(), nil)
	default:
		v, _ := h.thread.OutputValue(cmd.Name)
		reply = outputReply(cmd.ID, v, nil)
	}
	_ = h.p.Post(Message{Event: EventOutputValue, Data: reply})
}
