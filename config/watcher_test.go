package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReloader(t *testing.T, content string) (*Reloader, string) {
	t.Helper()
	path := writeConfig(t, content)
	l := NewLoader().WithConfigPath(path)
	l.lookupEnv = envMap(nil)
	cfg, err := l.Load()
	require.NoError(t, err)
	r, err := NewReloader(l, cfg,
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(10*time.Millisecond),
		WithReloaderLogger(zap.NewNop()))
	require.NoError(t, err)
	return r, path
}

// touch 重写文件并把修改时间推后，避免文件系统时间精度导致漏检
func touch(t *testing.T, path, content string, at time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, at, at))
}

func TestNewReloader_RequiresPath(t *testing.T) {
	t.Parallel()
	_, err := NewReloader(NewLoader(), DefaultConfig())
	assert.Error(t, err)
}

func TestReloader_Reload(t *testing.T) {
	t.Parallel()
	r, path := newTestReloader(t, "log:\n  level: info\n")

	var got []string
	r.OnReload(func(prev, next *Config) { got = append(got, prev.Log.Level+"->"+next.Log.Level) })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))
	require.NoError(t, r.Reload())

	assert.Equal(t, []string{"info->debug"}, got)
	assert.Equal(t, "debug", r.Config().Log.Level)
}

func TestReloader_InvalidConfigKeepsPrevious(t *testing.T) {
	t.Parallel()
	r, path := newTestReloader(t, "log:\n  level: warn\n")
	called := false
	r.OnReload(func(*Config, *Config) { called = true })

	require.NoError(t, os.WriteFile(path, []byte("log:\n  format: xml\n"), 0o644))
	assert.Error(t, r.Reload())
	assert.False(t, called)
	assert.Equal(t, "warn", r.Config().Log.Level)
}

func TestReloader_CallbackPanicIsContained(t *testing.T) {
	t.Parallel()
	r, _ := newTestReloader(t, "log:\n  level: info\n")
	second := false
	r.OnReload(func(*Config, *Config) { panic("boom") })
	r.OnReload(func(*Config, *Config) { second = true })

	require.NoError(t, r.Reload())
	assert.True(t, second)
}

func TestReloader_RunDetectsChange(t *testing.T) {
	t.Parallel()
	r, path := newTestReloader(t, "runner:\n  pool_size: 1\n")

	var mu sync.Mutex
	var sizes []int
	r.OnReload(func(_, next *Config) {
		mu.Lock()
		defer mu.Unlock()
		sizes = append(sizes, next.Runner.PoolSize)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	touch(t, path, "runner:\n  pool_size: 4\n", time.Now().Add(time.Minute))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) == 1 && sizes[0] == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestReloader_RunTwice(t *testing.T) {
	t.Parallel()
	r, _ := newTestReloader(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	assert.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.running
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, r.Run(ctx))
}
