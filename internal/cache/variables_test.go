package cache

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
)

type countingRecorder struct {
	mu           sync.Mutex
	hits, misses int
}

func (r *countingRecorder) RecordCacheHit(string) {
	r.mu.Lock()
	r.hits++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordCacheMiss(string) {
	r.mu.Lock()
	r.misses++
	r.mu.Unlock()
}

func (r *countingRecorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits, r.misses
}

func TestVariableStore_GetSet(t *testing.T) {
	t.Parallel()
	mr, m := setupTestRedis(t)
	store := NewVariableStore(m, "vars:")
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "region", "eu"))
	assert.True(t, mr.Exists("vars:region"))

	v, ok, err := store.Get(ctx, "region")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "eu", v)

	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, store.Set(ctx, "has space", 1))
}

func TestVariableStore_LocalTTL(t *testing.T) {
	t.Parallel()
	mr, m := setupTestRedis(t)
	rec := &countingRecorder{}
	store := NewVariableStore(m, "vars:", WithLocalTTL(time.Minute), WithRecorder(rec))
	now := time.Unix(1000, 0)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "n", 1))
	v, _, err := store.Get(ctx, "n")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)

	// 直接改 Redis，本地缓存期内仍读旧值
	require.NoError(t, mr.Set("vars:n", "2"))
	v, _, _ = store.Get(ctx, "n")
	assert.Equal(t, 1.0, v)

	now = now.Add(2 * time.Minute)
	v, _, _ = store.Get(ctx, "n")
	assert.Equal(t, 2.0, v)

	// Set 会清掉本地缓存
	require.NoError(t, store.Set(ctx, "n", 3))
	v, _, _ = store.Get(ctx, "n")
	assert.Equal(t, 3.0, v)

	// 不存在的变量也会被缓存
	_, ok, _ := store.Get(ctx, "ghost")
	assert.False(t, ok)
	require.NoError(t, mr.Set("vars:ghost", `"boo"`))
	_, ok, _ = store.Get(ctx, "ghost")
	assert.False(t, ok)

	hits, misses := rec.counts()
	assert.Equal(t, 4, hits)
	assert.Equal(t, 2, misses)

	require.NoError(t, store.Delete(ctx, "n"))
	_, ok, _ = store.Get(ctx, "n")
	assert.False(t, ok)
}

func TestVariableStore_ResolveReference(t *testing.T) {
	t.Parallel()
	_, m := setupTestRedis(t)
	store := NewVariableStore(m, "vars:")
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "cfg", map[string]any{"limits": []any{10, 20}}))

	v, ok, err := store.ResolveReference(ctx, nil, ref.Encode(ref.Variables, "cfg", "", "limits.1"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 20.0, v)

	v, ok, err = store.ResolveReference(ctx, nil, ref.Encode(ref.Variables, "cfg", "limits", "0"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 10.0, v)

	_, ok, err = store.ResolveReference(ctx, nil, ref.Encode(ref.Nodes, "cfg", "x", ""))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.ResolveReference(ctx, nil, ref.Encode(ref.Variables, "absent", "", ""))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVariableStore_FeedsThread(t *testing.T) {
	t.Parallel()
	_, m := setupTestRedis(t)
	store := NewVariableStore(m, "vars:")
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "greeting", "hi from redis"))

	def := &flow.Definition{
		Version: flow.FormatVersion,
		Nodes: map[string]map[string]any{
			"out": {
				"component": builtin.OutputSpec,
				"name":      "text",
				"value":     ref.Encode(ref.Variables, "greeting", "", ""),
			},
		},
	}
	th, err := flow.Load(def,
		flow.WithComponentResolver(builtin.NewRegistry()),
		flow.WithReferenceResolver(store))
	require.NoError(t, err)

	out, err := th.Start(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hi from redis"}, out)
}
