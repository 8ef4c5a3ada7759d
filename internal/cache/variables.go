package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/flow/ref"
)

// cacheType labels variable lookups in hit/miss metrics.
const cacheType = "variables"

// Recorder receives hit and miss counts. *metrics.Collector implements it.
type Recorder interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

type localEntry struct {
	value   any
	found   bool
	expires time.Time
}

// VariableStore resolves Variables references from Redis. Each variable is
// one JSON document under prefix+name. Lookups are memoized for LocalTTL so
// a run that reads the same variable from many nodes hits Redis once.
type VariableStore struct {
	manager  *Manager
	prefix   string
	localTTL time.Duration
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu    sync.Mutex
	local map[string]localEntry
}

// VariableOption configures a VariableStore.
type VariableOption func(*VariableStore)

// WithLocalTTL sets how long a lookup is memoized. Zero disables memoization.
func WithLocalTTL(d time.Duration) VariableOption {
	return func(s *VariableStore) { s.localTTL = d }
}

// WithRecorder reports hits and misses.
func WithRecorder(r Recorder) VariableOption {
	return func(s *VariableStore) { s.recorder = r }
}

// NewVariableStore creates a store reading keys under prefix.
func NewVariableStore(m *Manager, prefix string, opts ...VariableOption) *VariableStore {
	s := &VariableStore{
		manager: m,
		prefix:  prefix,
		logger:  m.logger.With(zap.String("store", "variables")),
		now:     time.Now,
		local:   make(map[string]localEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *VariableStore) key(name string) string { return s.prefix + name }

// Set stores a variable.
func (s *VariableStore) Set(ctx context.Context, name string, value any) error {
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid variable name %q", name)
	}
	if err := s.manager.SetJSON(ctx, s.key(name), value, 0); err != nil {
		return err
	}
	s.forget(name)
	return nil
}

// Delete removes a variable.
func (s *VariableStore) Delete(ctx context.Context, name string) error {
	if err := s.manager.Delete(ctx, s.key(name)); err != nil {
		return err
	}
	s.forget(name)
	return nil
}

// Get returns a variable; ok=false when it does not exist.
func (s *VariableStore) Get(ctx context.Context, name string) (any, bool, error) {
	if e, hit := s.cached(name); hit {
		s.record(e.found)
		return e.value, e.found, nil
	}

	var v any
	err := s.manager.GetJSON(ctx, s.key(name), &v)
	switch {
	case IsCacheMiss(err):
		s.remember(name, localEntry{})
		s.record(false)
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	s.remember(name, localEntry{value: v, found: true})
	s.record(true)
	return v, true, nil
}

// ResolveReference answers Variables references; other namespaces are not
// this store's.
func (s *VariableStore) ResolveReference(ctx context.Context, _ *flow.Thread, r ref.Reference) (any, bool, error) {
	if r.Namespace != ref.Variables {
		return nil, false, nil
	}
	v, ok, err := s.Get(ctx, r.Target)
	if err != nil {
		return nil, false, fmt.Errorf("variable %s: %w", r.Target, err)
	}
	if !ok {
		return nil, false, nil
	}
	path := r.Path
	if r.Name != "" {
		path = strings.Trim(r.Name+"."+r.Path, ".")
	}
	return flow.LookupPath(v, path)
}

func (s *VariableStore) cached(name string) (localEntry, bool) {
	if s.localTTL <= 0 {
		return localEntry{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.local[name]
	if !ok {
		return localEntry{}, false
	}
	if !s.now().Before(e.expires) {
		delete(s.local, name)
		return localEntry{}, false
	}
	return e, true
}

func (s *VariableStore) remember(name string, e localEntry) {
	if s.localTTL <= 0 {
		return
	}
	e.expires = s.now().Add(s.localTTL)
	s.mu.Lock()
	s.local[name] = e
	s.mu.Unlock()
}

func (s *VariableStore) forget(name string) {
	s.mu.Lock()
	delete(s.local, name)
	s.mu.Unlock()
}

func (s *VariableStore) record(hit bool) {
	if s.recorder == nil {
		return
	}
	if hit {
		s.recorder.RecordCacheHit(cacheType)
	} else {
		s.recorder.RecordCacheMiss(cacheType)
	}
}

var _ flow.ReferenceResolver = (*VariableStore)(nil)
