package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/flowrun/flow/ref"
)

func linkTestThread(t *testing.T) *Thread {
	t.Helper()
	reg := testRegistry(map[string]*Component{
		"test/echo": echoComponent(nil),
		"test/merge": {
			Trusted: true,
			Input:   Schema{"items": {Type: TypeArray}, "named": {Type: TypeObject}, "in": {}},
			Process: func(context.Context, *ProcessContext) (map[string]any, error) { return nil, nil },
		},
	})
	th := NewThread(WithComponentResolver(reg))
	for _, id := range []string{"a", "b"} {
		_, err := th.AddNode(id, MustParseSpecifier("test/echo"), nil, nil)
		require.NoError(t, err)
	}
	_, err := th.AddNode("m", MustParseSpecifier("test/merge"), map[string]any{"items": []any{}}, nil)
	require.NoError(t, err)
	return th
}

func TestAddNode_Duplicate(t *testing.T) {
	t.Parallel()
	th := NewThread()
	_, err := th.AddNode("a", MustParseSpecifier("x/y"), nil, nil)
	require.NoError(t, err)
	_, err = th.AddNode("a", MustParseSpecifier("x/y"), nil, nil)
	assert.ErrorIs(t, err, ErrDuplicateNode)

	require.NoError(t, th.RemoveNode("a"))
	assert.ErrorIs(t, th.RemoveNode("a"), ErrUnknownNode)
}

func TestAddLink_ArrayRelinkIsIdempotent(t *testing.T) {
	t.Parallel()
	th := linkTestThread(t)
	ctx := context.Background()

	link := Link{SourceID: "a", SourceName: "out", TargetID: "m", TargetName: "items"}
	require.NoError(t, th.AddLink(ctx, link))
	require.NoError(t, th.AddLink(ctx, link))
	m, _ := th.Node("m")
	assert.Len(t, m.Input()["items"], 1)

	require.NoError(t, th.AddLink(ctx, Link{SourceID: "b", SourceName: "out", TargetID: "m", TargetName: "items"}))
	assert.Len(t, m.Input()["items"], 2)

	links := th.IncomingLinks("m")
	require.Len(t, links, 2)
	assert.Equal(t, "a", links[0].SourceID)
	assert.Equal(t, "b", links[1].SourceID)
	assert.Equal(t, ref.Nodes, links[0].Namespace)

	require.NoError(t, th.RemoveLink(link))
	assert.Len(t, m.Input()["items"], 1)
	assert.Len(t, th.OutgoingLinks("a"), 0)
	assert.Len(t, th.OutgoingLinks("b"), 1)
}

func TestAddLink_ObjectKeyBecomesTargetPath(t *testing.T) {
	t.Parallel()
	th := linkTestThread(t)
	ctx := context.Background()

	require.NoError(t, th.AddLink(ctx, Link{SourceID: "a", SourceName: "out", TargetID: "m", TargetName: "named", TargetPath: "left"}))
	require.NoError(t, th.AddLink(ctx, Link{SourceID: "b", SourceName: "out", TargetID: "m", TargetName: "named", TargetPath: "right"}))

	links := th.IncomingLinks("m")
	require.Len(t, links, 2)
	assert.Equal(t, "left", links[0].TargetPath)
	assert.Equal(t, "right", links[1].TargetPath)

	require.NoError(t, th.RemoveLink(links[0]))
	assert.Len(t, th.IncomingLinks("m"), 1)
}

func TestAddLink_BareToolLink(t *testing.T) {
	t.Parallel()
	th := linkTestThread(t)

	require.NoError(t, th.AddLink(context.Background(), Link{SourceID: "a", TargetID: "m", TargetName: "in"}))
	assert.True(t, th.IsNodeUsedAsTool("a"))
	links := th.OutgoingLinks("a")
	require.Len(t, links, 1)
	assert.Equal(t, ref.Tools, links[0].Namespace)

	require.NoError(t, th.RemoveLink(links[0]))
	m, _ := th.Node("m")
	_, present := m.Input()["in"]
	assert.False(t, present)
	assert.False(t, th.IsNodeUsedAsTool("a"))
}

func TestAddLink_GraphErrors(t *testing.T) {
	t.Parallel()
	th := linkTestThread(t)
	ctx := context.Background()

	err := th.AddLink(ctx, Link{SourceID: "ghost", SourceName: "out", TargetID: "m", TargetName: "items"})
	assert.ErrorIs(t, err, ErrUnknownNode)

	err = th.AddLink(ctx, Link{SourceID: "a", SourceName: "out", TargetID: "ghost", TargetName: "items"})
	assert.ErrorIs(t, err, ErrUnknownNode)

	err = th.AddLink(ctx, Link{SourceID: "a", SourceName: "nope", TargetID: "m", TargetName: "items"})
	assert.ErrorIs(t, err, ErrMissingSocket)

	err = th.AddLink(ctx, Link{SourceID: "a", SourceName: "out", TargetID: "m", TargetName: "nope"})
	assert.ErrorIs(t, err, ErrMissingSocket)

	err = th.RemoveLink(Link{SourceID: "a", SourceName: "out", TargetID: "m", TargetName: "nope"})
	assert.ErrorIs(t, err, ErrMissingSocket)
}

func TestLinks_SkipVariables(t *testing.T) {
	t.Parallel()
	th := NewThread()
	_, err := th.AddNode("a", MustParseSpecifier("x/y"), map[string]any{
		"key": ref.Encode(ref.Variables, "api_key", "", ""),
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, th.Links())
}

func TestAbort_ReplacesToken(t *testing.T) {
	t.Parallel()
	th := NewThread()
	var aborts int
	unsub := th.On(EventAbort, func(Event) { aborts++ })

	first := th.AbortToken()
	th.Abort()
	assert.True(t, first.Aborted())
	second := th.AbortToken()
	assert.False(t, second.Aborted())
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, aborts)

	unsub()
	unsub()
	th.Abort()
	assert.Equal(t, 1, aborts)
}

func TestEventBus_OnceAndAny(t *testing.T) {
	t.Parallel()
	bus := NewEventBus()
	var once, all int
	bus.Once("x", func(Event) { once++ })
	bus.On(AnyEvent, func(Event) { all++ })

	bus.Dispatch(Event{Name: "x"})
	bus.Dispatch(Event{Name: "x"})
	bus.Dispatch(Event{Name: "y"})

	assert.Equal(t, 1, once)
	assert.Equal(t, 3, all)
	assert.Equal(t, 0, bus.ListenerCount("x"))

	bus.RemoveAll()
	bus.Dispatch(Event{Name: "y"})
	assert.Equal(t, 3, all)
}

func TestParseSpecifier(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want Specifier
	}{
		{"core/template", Specifier{Collection: "core", Name: "template"}},
		{"hub:core/template@2", Specifier{Registry: "hub", Collection: "core", Name: "template", Tag: "2"}},
		{"input", Specifier{Name: "input"}},
		{"org/pack/tool@latest", Specifier{Collection: "org/pack", Name: "tool", Tag: "latest"}},
	}
	for _, tt := range tests {
		got, err := ParseSpecifier(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.in, got.String())
	}

	_, err := ParseSpecifier("  ")
	assert.Error(t, err)
	_, err = ParseSpecifier("core/")
	assert.Error(t, err)
}

func TestRegistry_Tags(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	v1 := &Component{Name: "v1"}
	untagged := &Component{Name: "untagged"}
	reg.MustRegister("core/x@1", v1)
	reg.MustRegister("core/x", untagged)
	assert.Error(t, reg.Register("core/x", &Component{}))

	c, err := reg.ResolveComponent(context.Background(), MustParseSpecifier("core/x@1"))
	require.NoError(t, err)
	assert.Same(t, v1, c)

	c, err = reg.ResolveComponent(context.Background(), MustParseSpecifier("core/x@2"))
	require.NoError(t, err)
	assert.Same(t, untagged, c)

	c, err = reg.ResolveComponent(context.Background(), MustParseSpecifier("core/y"))
	require.NoError(t, err)
	assert.Nil(t, c)
}
