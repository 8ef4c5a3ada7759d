package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/flow/builtin"
	"github.com/BaSui01/flowrun/flow/ref"
	"github.com/BaSui01/flowrun/isolate/codec"
)

func greetDefinition() *flow.Definition {
	return &flow.Definition{
		Version: flow.FormatVersion,
		Nodes: map[string]map[string]any{
			"input": {"component": builtin.InputSpec, "name": "name"},
			"template": {
				"component": builtin.TemplateSpec,
				"template":  "Hello, {{name}}!",
				"name":      ref.Encode(ref.Nodes, "input", "value", ""),
			},
			"output": {
				"component": builtin.OutputSpec,
				"name":      "greet",
				"value":     ref.Encode(ref.Nodes, "template", "text", ""),
			},
		},
	}
}

func askDefinition() *flow.Definition {
	return &flow.Definition{
		Version: flow.FormatVersion,
		Nodes: map[string]map[string]any{
			"ask": {"component": builtin.AskSpec, "question": "Name?"},
			"output": {
				"component": builtin.OutputSpec,
				"name":      "reply",
				"value":     ref.Encode(ref.Nodes, "ask", "answer", ""),
			},
		},
	}
}

func spawn(t *testing.T, def *flow.Definition) *ThreadWorker {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := Spawn(ctx, def, Options{Host: HostOptions{
		ThreadOptions: []flow.ThreadOption{flow.WithComponentResolver(builtin.NewRegistry())},
	}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Dispose(context.Background()) })
	return w
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSpawn_StartMirrorsEvents(t *testing.T) {
	t.Parallel()
	w := spawn(t, greetDefinition())

	var mu sync.Mutex
	var names []string
	w.On(flow.AnyEvent, func(e flow.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Name == flow.EventNodeState {
			names = append(names, e.NodeID+":"+string(e.State))
			return
		}
		names = append(names, e.Name)
	})

	out, err := w.Start(testContext(t), map[string]any{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greet": "Hello, Alice!"}, out)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, names)
	assert.Equal(t, flow.EventStart, names[0])
	assert.Equal(t, flow.EventDone, names[len(names)-1])
	assert.Contains(t, names, "output:done")

	v, err := w.GetOutputValue(testContext(t), "greet")
	require.NoError(t, err)
	assert.Equal(t, "Hello, Alice!", v)
}

func TestSpawn_RejectsInvalidFlow(t *testing.T) {
	t.Parallel()
	def := greetDefinition()
	def.Version = "9"

	_, err := Spawn(testContext(t), def, Options{})
	require.Error(t, err)
	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "GraphError", remote.ErrorName())
}

func TestStart_RefusedStartIsReportedAsError(t *testing.T) {
	t.Parallel()
	def := &flow.Definition{
		Version: flow.FormatVersion,
		Nodes:   map[string]map[string]any{"x": {"component": "missing/thing"}},
	}
	w := spawn(t, def)

	_, err := w.Start(testContext(t), nil)
	require.Error(t, err)
	var remote *codec.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "GraphError", remote.ErrorName())
}

func TestInteractiveRoundTrip(t *testing.T) {
	t.Parallel()
	w := spawn(t, askDefinition())

	requests := make(chan flow.Event, 1)
	w.On(flow.EventNodeRequest, func(e flow.Event) { requests <- e })

	type result struct {
		out map[string]any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := w.Start(context.Background(), nil)
		done <- result{out, err}
	}()

	var req flow.Event
	select {
	case req = <-requests:
	case <-time.After(5 * time.Second):
		t.Fatal("no request mirrored")
	}
	assert.Equal(t, "ask", req.NodeID)
	assert.Equal(t, map[string]any{"question": "Name?"}, req.Data)

	_, err := w.GetOutputValue(testContext(t), "reply")
	assert.ErrorIs(t, err, ErrThreadBusy)

	require.NoError(t, w.Post(Command{
		Type:          CommandDispatch,
		Event:         flow.EventNodeResponse,
		NodeID:        req.NodeID,
		CorrelationID: req.CorrelationID,
		Data:          "Bob",
	}))

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, map[string]any{"reply": "Bob"}, r.out)
}

func TestGetOutputValue_BusyRightAfterStartCommand(t *testing.T) {
	t.Parallel()
	for i := 0; i < 5; i++ {
		w := spawn(t, askDefinition())
		require.NoError(t, w.Post(Command{Type: CommandStart}))

		v, err := w.GetOutputValue(testContext(t), "")
		assert.ErrorIs(t, err, ErrThreadBusy, "iteration %d", i)
		assert.Nil(t, v)
	}
}

func TestStart_ContextCancelAbortsIsolate(t *testing.T) {
	t.Parallel()
	w := spawn(t, askDefinition())

	asked := make(chan struct{}, 1)
	w.On(flow.EventNodeRequest, func(flow.Event) { asked <- struct{}{} })
	aborted := make(chan struct{}, 1)
	w.On(flow.EventAbort, func(flow.Event) {
		select {
		case aborted <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := w.Start(ctx, nil)
		done <- err
	}()
	<-asked
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	select {
	case <-aborted:
	case <-time.After(5 * time.Second):
		t.Fatal("isolated thread kept running after cancel")
	}

	assert.Eventually(t, func() bool {
		_, err := w.GetOutputValue(testContext(t), "reply")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAbort_RejectsPendingRequest(t *testing.T) {
	t.Parallel()
	w := spawn(t, askDefinition())

	asked := make(chan struct{}, 1)
	w.On(flow.EventNodeRequest, func(flow.Event) { asked <- struct{}{} })

	done := make(chan error, 1)
	go func() {
		_, err := w.Start(context.Background(), nil)
		done <- err
	}()
	<-asked

	require.NoError(t, w.Abort(testContext(t)))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, flow.ErrAborted)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not settle after abort")
	}
}

func TestMessages_RelayRawProtocol(t *testing.T) {
	t.Parallel()
	w := spawn(t, greetDefinition())

	var mu sync.Mutex
	var events []string
	off := w.Messages(func(m Message) {
		mu.Lock()
		events = append(events, m.Event)
		mu.Unlock()
	})
	defer off()

	_, err := w.Start(testContext(t), map[string]any{"name": "Ada"})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, events, flow.EventStart)
	assert.Contains(t, events, flow.EventNodeDone)
}

func TestDispose_ClosesWorker(t *testing.T) {
	t.Parallel()
	w := spawn(t, greetDefinition())

	require.NoError(t, w.Dispose(testContext(t)))
	select {
	case <-w.Done():
	default:
		t.Fatal("worker not closed after dispose")
	}
	_, err := w.Start(testContext(t), nil)
	assert.ErrorIs(t, err, ErrDisposed)
	assert.NoError(t, w.Dispose(testContext(t)))
}

func TestEventCodec_RoundTrip(t *testing.T) {
	t.Parallel()
	e := flow.Event{
		Name:   flow.EventNodeError,
		NodeID: "a",
		Delta:  1500 * time.Millisecond,
		Err:    &flow.GraphError{Kind: flow.ErrUnknownNode, NodeID: "b"},
		Data:   map[string]any{"k": []any{"v"}},
	}
	got := decodeEvent(Message{Event: e.Name, Data: encodeEvent(e)})
	assert.Equal(t, e.Name, got.Name)
	assert.Equal(t, e.NodeID, got.NodeID)
	assert.Equal(t, e.Delta, got.Delta)
	assert.Equal(t, e.Data, got.Data)
	require.Error(t, got.Err)
	assert.Equal(t, e.Err.Error(), got.Err.Error())
}
