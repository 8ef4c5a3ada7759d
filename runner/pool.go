package runner

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/isolate/worker"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// Size is the hard ceiling on concurrent isolates. Zero means one less
	// than the number of CPUs, and never below one.
	Size int `yaml:"size" json:"size"`
	// AcquireTimeout is how long a spawn waits for a free slot. Zero fails
	// immediately when the pool is full.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// Host is passed to every isolate.
	Host worker.HostOptions `yaml:"-" json:"-"`
}

// DefaultPoolSize is the pool size used when none is configured.
func DefaultPoolSize() int {
	return max(1, runtime.NumCPU()-1)
}

// PoolObserver receives pool occupancy changes and watches the events of
// every leased worker. *metrics.Collector satisfies it.
type PoolObserver interface {
	SetPoolSize(size int)
	SetWorkersBusy(busy int)
	RecordPoolRejected()
	Observe(on func(string, flow.Listener) func(), specifier func(nodeID string) string) func()
}

type slot struct {
	worker    *worker.ThreadWorker
	threadID  string
	spawnedAt time.Time
	running   atomic.Int32
	events    atomic.Int64
	unsub     func()
}

// Pool leases isolated workers up to a fixed size.
type Pool struct {
	size    int
	sem     *semaphore.Weighted
	config  PoolConfig
	logger  *zap.Logger
	observe PoolObserver

	mu     sync.Mutex
	slots  map[string]*slot
	closed atomic.Bool

	spawned  atomic.Int64
	released atomic.Int64
	failed   atomic.Int64
	rejected atomic.Int64
}

// NewPool creates a pool. observer may be nil.
func NewPool(config PoolConfig, observer PoolObserver, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	size := config.Size
	if size <= 0 {
		size = DefaultPoolSize()
	}
	p := &Pool{
		size:    size,
		sem:     semaphore.NewWeighted(int64(size)),
		config:  config,
		logger:  logger.With(zap.String("component", "worker_pool")),
		observe: observer,
		slots:   make(map[string]*slot),
	}
	if observer != nil {
		observer.SetPoolSize(size)
	}
	return p
}

// Size returns the pool ceiling.
func (p *Pool) Size() int { return p.size }

// Spawn leases a slot and starts an isolate for def.
func (p *Pool) Spawn(ctx context.Context, threadID string, def *flow.Definition) (*worker.ThreadWorker, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if err := p.acquire(ctx); err != nil {
		p.rejected.Add(1)
		if p.observe != nil {
			p.observe.RecordPoolRejected()
		}
		return nil, err
	}

	w, err := worker.Spawn(ctx, def, worker.Options{Logger: p.logger, Host: p.config.Host})
	if err != nil {
		p.sem.Release(1)
		p.failed.Add(1)
		return nil, err
	}

	s := &slot{worker: w, threadID: threadID, spawnedAt: time.Now()}
	s.unsub = w.On(flow.AnyEvent, func(e flow.Event) {
		s.events.Add(1)
		switch e.Name {
		case flow.EventStart:
			s.running.Store(1)
		case flow.EventDone, flow.EventError:
			s.running.Store(0)
		}
	})
	if p.observe != nil {
		stopEvents, stopObserve := s.unsub, p.observe.Observe(w.On, componentOf(def))
		s.unsub = func() {
			stopObserve()
			stopEvents()
		}
	}

	p.mu.Lock()
	p.slots[w.ID()] = s
	busy := len(p.slots)
	p.mu.Unlock()
	p.spawned.Add(1)
	if p.observe != nil {
		p.observe.SetWorkersBusy(busy)
	}
	p.logger.Debug("worker leased", zap.String("worker_id", w.ID()), zap.String("thread_id", threadID))
	return w, nil
}

// componentOf maps node ids of def to their component specifier.
func componentOf(def *flow.Definition) func(string) string {
	return func(id string) string {
		s, _ := def.Nodes[id]["component"].(string)
		return s
	}
}

func (p *Pool) acquire(ctx context.Context) error {
	if p.config.AcquireTimeout <= 0 {
		if !p.sem.TryAcquire(1) {
			return ErrPoolFull
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return ErrPoolFull
	}
	return nil
}

// Release disposes the worker and frees its slot. Releasing an unknown
// worker is a no-op.
func (p *Pool) Release(ctx context.Context, w *worker.ThreadWorker) error {
	p.mu.Lock()
	s, ok := p.slots[w.ID()]
	delete(p.slots, w.ID())
	busy := len(p.slots)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	s.unsub()
	err := w.Dispose(ctx)
	p.sem.Release(1)
	p.released.Add(1)
	if p.observe != nil {
		p.observe.SetWorkersBusy(busy)
	}
	p.logger.Debug("worker released", zap.String("worker_id", w.ID()), zap.Error(err))
	return err
}

// ReleaseAll disposes every leased worker in parallel.
func (p *Pool) ReleaseAll(ctx context.Context) error {
	p.mu.Lock()
	workers := make([]*worker.ThreadWorker, 0, len(p.slots))
	for _, s := range p.slots {
		workers = append(workers, s.worker)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		g.Go(func() error { return p.Release(gctx, w) })
	}
	return g.Wait()
}

// Close releases every worker and refuses further spawns.
func (p *Pool) Close(ctx context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.ReleaseAll(ctx)
}

// WorkerHealth describes one leased worker.
type WorkerHealth struct {
	WorkerID     string        `json:"worker_id"`
	ThreadID     string        `json:"thread_id"`
	Uptime       time.Duration `json:"uptime"`
	RunningTasks int           `json:"running_tasks"`
	Events       int64         `json:"events"`
	Failed       bool          `json:"failed"`
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Size      int            `json:"size"`
	Busy      int            `json:"busy"`
	Spawned   int64          `json:"spawned"`
	Released  int64          `json:"released"`
	Failed    int64          `json:"failed"`
	Rejected  int64          `json:"rejected"`
	HeapBytes uint64         `json:"heap_bytes"`
	Workers   []WorkerHealth `json:"workers"`
}

// Stats returns pool statistics and per-worker health. Isolates share the
// process heap, so memory is reported for the pool as a whole.
func (p *Pool) Stats() PoolStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	p.mu.Lock()
	workers := make([]WorkerHealth, 0, len(p.slots))
	for id, s := range p.slots {
		workers = append(workers, WorkerHealth{
			WorkerID:     id,
			ThreadID:     s.threadID,
			Uptime:       time.Since(s.spawnedAt),
			RunningTasks: int(s.running.Load()),
			Events:       s.events.Load(),
			Failed:       s.worker.Err() != nil,
		})
	}
	p.mu.Unlock()
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })

	return PoolStats{
		Size:      p.size,
		Busy:      len(workers),
		Spawned:   p.spawned.Load(),
		Released:  p.released.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
		HeapBytes: mem.HeapAlloc,
		Workers:   workers,
	}
}
