// Package sandbox evaluates untrusted component code behind an interpreter
// boundary. Code only ever sees a serializable data object and a trace hook,
// and only a serializable value comes back out.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrEmptyCode is returned for a request without code.
	ErrEmptyCode = errors.New("sandbox: code is required")
	// ErrOutputTooLarge is returned when the serialized result exceeds MaxOutputBytes.
	ErrOutputTooLarge = errors.New("sandbox: output too large")
)

// TraceFunc receives trace calls made from inside the sandbox.
type TraceFunc func(message string, value any)

// Config configures the executor.
type Config struct {
	Timeout        time.Duration `yaml:"timeout" env:"TIMEOUT" json:"timeout"`
	MaxCodeBytes   int           `yaml:"max_code_bytes" env:"MAX_CODE_BYTES" json:"max_code_bytes"`
	MaxOutputBytes int           `yaml:"max_output_bytes" env:"MAX_OUTPUT_BYTES" json:"max_output_bytes"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Timeout:        10 * time.Second,
		MaxCodeBytes:   64 * 1024,
		MaxOutputBytes: 1024 * 1024,
	}
}

// Request is one evaluation.
type Request struct {
	Code  string
	Data  map[string]any
	Trace TraceFunc
}

// Result is the outcome of an evaluation.
type Result struct {
	Value    any           `json:"value"`
	Duration time.Duration `json:"duration"`
}

// Backend evaluates code. Implementations must not let code reach anything
// other than req.Data and req.Trace.
type Backend interface {
	Evaluate(ctx context.Context, req *Request) (any, error)
	Name() string
}

// Stats tracks evaluation counters.
type Stats struct {
	TotalExecutions   int64         `json:"total_executions"`
	SuccessExecutions int64         `json:"success_executions"`
	FailedExecutions  int64         `json:"failed_executions"`
	TimeoutExecutions int64         `json:"timeout_executions"`
	TotalDuration     time.Duration `json:"total_duration"`
}

// Executor runs requests through a backend with timeouts and output limits.
type Executor struct {
	config  Config
	backend Backend
	logger  *zap.Logger
	mu      sync.RWMutex
	stats   Stats
}

// NewExecutor creates an executor. A nil backend selects the HCL backend.
func NewExecutor(config Config, backend Backend, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if backend == nil {
		backend = NewHCLBackend()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Executor{
		config:  config,
		backend: backend,
		logger:  logger.With(zap.String("component", "sandbox"), zap.String("backend", backend.Name())),
	}
}

// Execute evaluates req. The evaluation is abandoned, not killed, when ctx is
// done or the timeout passes.
func (e *Executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()
	if req.Code == "" {
		return nil, ErrEmptyCode
	}
	if e.config.MaxCodeBytes > 0 && len(req.Code) > e.config.MaxCodeBytes {
		return nil, fmt.Errorf("sandbox: code exceeds %d bytes", e.config.MaxCodeBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("sandbox: evaluation panicked: %v", r)}
			}
		}()
		v, err := e.backend.Evaluate(ctx, req)
		done <- outcome{value: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	if out.err == nil && e.config.MaxOutputBytes > 0 {
		if data, err := json.Marshal(out.value); err != nil {
			out.err = fmt.Errorf("sandbox: result is not serializable: %w", err)
		} else if len(data) > e.config.MaxOutputBytes {
			out.err = ErrOutputTooLarge
		}
	}

	elapsed := time.Since(start)
	e.mu.Lock()
	e.stats.TotalExecutions++
	e.stats.TotalDuration += elapsed
	switch {
	case out.err == nil:
		e.stats.SuccessExecutions++
	case errors.Is(out.err, context.DeadlineExceeded):
		e.stats.TimeoutExecutions++
		e.stats.FailedExecutions++
	default:
		e.stats.FailedExecutions++
	}
	e.mu.Unlock()

	if out.err != nil {
		e.logger.Debug("evaluation failed", zap.Error(out.err), zap.Duration("duration", elapsed))
		return nil, out.err
	}
	return &Result{Value: out.value, Duration: elapsed}, nil
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}
