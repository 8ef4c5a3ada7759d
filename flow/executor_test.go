package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowrun/flow/ref"
	"github.com/BaSui01/flowrun/flow/sandbox"
)

func TestStartNode_AggregatesInputFailures(t *testing.T) {
	t.Parallel()
	reg := testRegistry(map[string]*Component{
		"test/typed": {
			Trusted: true,
			Input: Schema{
				"name":  {Type: TypeString, Required: true},
				"count": {Type: TypeNumber},
				"mode":  {Type: TypeString, Default: "fast"},
				"key":   {Type: TypeString},
			},
			Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
				return pc.Data, nil
			},
		},
	})
	th := NewThread(WithComponentResolver(reg), WithReferenceResolver(MapVariables{"known": "k"}))
	_, err := th.AddNode("n", MustParseSpecifier("test/typed"), map[string]any{
		"name":  ref.Encode(ref.Variables, "missing", "", ""),
		"count": "not a number",
		"key":   ref.Encode(ref.Variables, "known", "", ""),
	}, nil)
	require.NoError(t, err)
	rec := recordEvents(th)

	err = th.StartNode(context.Background(), "n")
	var inputErr *InputResolutionError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, []string{"count", "name"}, inputErr.Keys())
	assert.Contains(t, inputErr.Failures["name"], "unresolved reference")

	names := rec.names()
	assert.Equal(t, []string{"nodeState:n:processing", "nodeError:n", "nodeState:n:error"}, names)

	n, _ := th.Node("n")
	assert.Equal(t, StateError, n.State())
	assert.Nil(t, n.Result())
	assert.Same(t, err, n.Err())
}

func TestStartNode_DefaultsAndVariables(t *testing.T) {
	t.Parallel()
	reg := testRegistry(map[string]*Component{
		"test/typed": {
			Trusted: true,
			Input: Schema{
				"mode": {Type: TypeString, Default: "fast"},
				"key":  {Type: TypeString},
				"deep": {Type: TypeNumber},
			},
			Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
				return pc.Data, nil
			},
		},
	})
	vars := MapVariables{"secret": "s3cr3t", "cfg": map[string]any{"limits": map[string]any{"max": 5}}}
	th := NewThread(WithComponentResolver(reg), WithReferenceResolver(vars))
	_, err := th.AddNode("n", MustParseSpecifier("test/typed"), map[string]any{
		"key":  ref.Encode(ref.Variables, "secret", "", ""),
		"deep": ref.Encode(ref.Variables, "cfg", "", "limits.max"),
		"junk": "undeclared keys are dropped",
	}, nil)
	require.NoError(t, err)

	require.NoError(t, th.StartNode(context.Background(), "n"))
	n, _ := th.Node("n")
	assert.Equal(t, map[string]any{"mode": "fast", "key": "s3cr3t", "deep": 5}, n.Result())
}

func TestStartNode_EventOrderOnSuccess(t *testing.T) {
	t.Parallel()
	reg := testRegistry(map[string]*Component{"test/echo": echoComponent(nil)})
	th := NewThread(WithComponentResolver(reg))
	_, err := th.AddNode("a", MustParseSpecifier("test/echo"), map[string]any{"in": "v"}, nil)
	require.NoError(t, err)
	rec := recordEvents(th)

	require.NoError(t, th.StartNode(context.Background(), "a"))
	assert.Equal(t, []string{"nodeState:a:processing", "nodeStart:a", "nodeState:a:done", "nodeDone:a"}, rec.names())
}

func TestRunComponent_TrustBoundary(t *testing.T) {
	t.Parallel()
	var trustedSaw, untrustedSaw ProcessContext
	reg := testRegistry(map[string]*Component{
		"test/trusted": {Trusted: true, Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
			trustedSaw = *pc
			return map[string]any{}, nil
		}},
		"test/untrusted": {Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
			untrustedSaw = *pc
			pc.Data["mutated"] = true
			return map[string]any{}, nil
		}},
	})
	th := NewThread(WithComponentResolver(reg))
	_, err := th.AddNode("t", MustParseSpecifier("test/trusted"), map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	_, err = th.AddNode("u", MustParseSpecifier("test/untrusted"), map[string]any{
		"x":    map[string]any{"y": 1},
		"tool": ref.Encode(ref.Tools, "t", "", ""),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, th.StartNode(context.Background(), "t"))
	assert.Same(t, th, trustedSaw.Thread)
	assert.Equal(t, "t", trustedSaw.NodeID)

	require.NoError(t, th.StartNode(context.Background(), "u"))
	assert.Nil(t, untrustedSaw.Thread)
	assert.Empty(t, untrustedSaw.NodeID)
	assert.NotNil(t, untrustedSaw.Trace)
	_, hasTool := untrustedSaw.Data["tool"]
	assert.False(t, hasTool, "tool handles lead back to the thread and are dropped")

	u, _ := th.Node("u")
	_, leaked := u.Input()["mutated"]
	assert.False(t, leaked)
}

func TestRunComponent_ScriptCannotReachOuterScope(t *testing.T) {
	t.Parallel()
	reg := testRegistry(map[string]*Component{
		"test/script": {Script: `{ id = thread }`},
		"test/ok":     {Script: `{ greeting = trace("greet", "Hello, ${data.name}!") }`},
	})
	th := NewThread(WithComponentResolver(reg))
	_, err := th.AddNode("bad", MustParseSpecifier("test/script"), nil, nil)
	require.NoError(t, err)
	_, err = th.AddNode("good", MustParseSpecifier("test/ok"), map[string]any{"name": "Bob"}, nil)
	require.NoError(t, err)

	var traces []any
	th.On(EventNodeTrace, func(e Event) { traces = append(traces, e.Data) })

	err = th.StartNode(context.Background(), "bad")
	var undef *sandbox.UndefinedError
	require.True(t, errors.As(err, &undef))
	assert.Equal(t, "thread is not defined", err.Error())

	require.NoError(t, th.StartNode(context.Background(), "good"))
	good, _ := th.Node("good")
	assert.Equal(t, map[string]any{"greeting": "Hello, Bob!"}, good.Result())
	assert.Equal(t, []any{map[string]any{"message": "greet", "value": "Hello, Bob!"}}, traces)
}

func TestRunComponent_PanicBecomesError(t *testing.T) {
	t.Parallel()
	reg := testRegistry(map[string]*Component{
		"test/panic": {Trusted: true, Process: func(context.Context, *ProcessContext) (map[string]any, error) {
			panic("kaboom")
		}},
	})
	th := NewThread(WithComponentResolver(reg))
	_, err := th.AddNode("p", MustParseSpecifier("test/panic"), nil, nil)
	require.NoError(t, err)

	err = th.StartNode(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvokeTool_RunsRepeatedly(t *testing.T) {
	t.Parallel()
	counter := newCallCounter()
	reg := testRegistry(map[string]*Component{
		"test/echo": {
			Trusted:     true,
			Description: "echoes its input",
			Input:       Schema{"in": {Type: TypeString, Required: true}, "prefix": {Type: TypeString}},
			Process: func(_ context.Context, pc *ProcessContext) (map[string]any, error) {
				counter.inc(pc.NodeID)
				prefix, _ := pc.Data["prefix"].(string)
				return map[string]any{"out": prefix + pc.Data["in"].(string)}, nil
			},
		},
	})
	th := NewThread(WithComponentResolver(reg))
	_, err := th.AddNode("echo", MustParseSpecifier("test/echo"), map[string]any{"prefix": ">"}, nil)
	require.NoError(t, err)

	out, err := th.InvokeTool(context.Background(), "echo", map[string]any{"in": "one"})
	require.NoError(t, err)
	assert.Equal(t, ">one", out["out"])

	out, err = th.InvokeTool(context.Background(), "echo", map[string]any{"in": "two"})
	require.NoError(t, err)
	assert.Equal(t, ">two", out["out"])
	assert.Equal(t, 2, counter.get("echo"))

	n, _ := th.Node("echo")
	tool := th.newTool(n)
	assert.Equal(t, "echoes its input", tool.Description)
	assert.Contains(t, tool.Parameters, "in")
	assert.NotContains(t, tool.Parameters, "prefix")

	_, err = th.InvokeTool(context.Background(), "ghost", nil)
	assert.ErrorIs(t, err, ErrUnknownNode)
}
