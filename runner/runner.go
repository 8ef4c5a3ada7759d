package runner

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/isolate/worker"
	"github.com/BaSui01/flowrun/types"
)

// Config configures a Runner.
type Config struct {
	Pool PoolConfig `yaml:"pool" json:"pool"`
	// TrustedProxyHeader names the header carrying the client address when
	// the runner sits behind a proxy. Empty means the socket address.
	TrustedProxyHeader string `yaml:"trusted_proxy_header" json:"trusted_proxy_header"`
	// TokenTTL bounds the lifetime of a claim token. Zero means the token is
	// valid until release.
	TokenTTL time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// Observer receives runner metrics. *metrics.Collector satisfies it.
type Observer interface {
	PoolObserver
	RecordClaim(operation, result string)
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver reports pool and claim metrics to o.
func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observer = o }
}

// WithID fixes the runner id, which is otherwise random.
func WithID(id string) Option {
	return func(r *Runner) { r.id = id }
}

type claim struct {
	id        string
	token     string
	address   string
	secret    []byte
	claimedAt time.Time
}

// Runner is a single-tenant execution host. One controller claims it, and
// every later privileged call must present the claim token from the pinned
// address.
type Runner struct {
	id       string
	config   Config
	logger   *zap.Logger
	observer Observer
	pool     *Pool

	mu      sync.Mutex
	claim   *claim
	threads map[string]*flow.Definition
}

// New creates a runner and its worker pool.
func New(config Config, opts ...Option) *Runner {
	r := &Runner{
		id:      uuid.NewString(),
		config:  config,
		logger:  zap.NewNop(),
		threads: make(map[string]*flow.Definition),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "runner"), zap.String("runner_id", r.id))
	var poolObserver PoolObserver
	if r.observer != nil {
		poolObserver = r.observer
	}
	r.pool = NewPool(config.Pool, poolObserver, r.logger)
	return r
}

// ID returns the runner id.
func (r *Runner) ID() string { return r.id }

// Config returns the runner configuration.
func (r *Runner) Config() Config { return r.config }

// ClaimResult is returned to the controller that claimed the runner.
type ClaimResult struct {
	RunnerID string `json:"runner_id"`
	ClaimID  string `json:"claim_id"`
	Token    string `json:"token"`
	PoolSize int    `json:"pool_size"`
}

// Claim gives exclusive control of the runner to the caller at address.
func (r *Runner) Claim(address string) (*ClaimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claim != nil {
		r.record("claim", "conflict")
		return nil, types.NewError(types.ErrRunnerAlreadyClaimed, "runner is already claimed")
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, types.NewError(types.ErrInternalError, "generate claim secret").WithCause(err)
	}
	now := time.Now()
	c := &claim{id: uuid.NewString(), address: address, secret: secret, claimedAt: now}

	claims := jwt.RegisteredClaims{
		ID:       c.id,
		Subject:  address,
		Issuer:   r.id,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if r.config.TokenTTL > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(r.config.TokenTTL))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "sign claim token").WithCause(err)
	}
	c.token = token
	r.claim = c

	r.record("claim", "ok")
	r.logger.Info("runner claimed", zap.String("claim_id", c.id), zap.String("address", address))
	return &ClaimResult{RunnerID: r.id, ClaimID: c.id, Token: token, PoolSize: r.pool.Size()}, nil
}

// Authorize checks token and address against the pinned claim and returns
// the claim id.
func (r *Runner) Authorize(token, address string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.authorizeLocked(token, address)
	if err != nil {
		return "", err
	}
	return c.id, nil
}

func (r *Runner) authorizeLocked(token, address string) (*claim, error) {
	c := r.claim
	if c == nil {
		return nil, types.NewError(types.ErrUnauthorized, "runner is not claimed")
	}
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(c.token)) != 1 {
		return nil, types.NewError(types.ErrUnauthorized, "invalid claim token")
	}

	parsed := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) { return c.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.id),
	)
	if err != nil {
		return nil, types.NewError(types.ErrUnauthorized, "invalid claim token").WithCause(err)
	}
	if parsed.ID != c.id {
		return nil, types.NewError(types.ErrUnauthorized, "claim token does not match the active claim")
	}
	if address != c.address {
		r.logger.Warn("claim used from another address",
			zap.String("claim_id", c.id),
			zap.String("pinned", c.address),
			zap.String("address", address))
		return nil, types.NewError(types.ErrUnauthorized, "request address does not match the claim")
	}
	return c, nil
}

// Release tears down every worker and clears the claim.
func (r *Runner) Release(ctx context.Context, token, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.claim == nil {
		r.record("release", "conflict")
		return types.NewError(types.ErrRunnerNotClaimed, "runner is not claimed")
	}
	c, err := r.authorizeLocked(token, address)
	if err != nil {
		r.record("release", "unauthorized")
		return err
	}

	teardownErr := r.pool.ReleaseAll(ctx)
	r.claim = nil
	r.threads = make(map[string]*flow.Definition)

	r.record("release", "ok")
	r.logger.Info("runner released", zap.String("claim_id", c.id), zap.Error(teardownErr))
	if teardownErr != nil {
		return fmt.Errorf("release workers: %w", teardownErr)
	}
	return nil
}

// Status describes the runner for its claimant.
type Status struct {
	RunnerID  string    `json:"runner_id"`
	ClaimID   string    `json:"claim_id"`
	Address   string    `json:"address"`
	ClaimedAt time.Time `json:"claimed_at"`
	Threads   int       `json:"threads"`
	Pool      PoolStats `json:"pool"`
}

// Status returns claim and pool health.
func (r *Runner) Status(token, address string) (*Status, error) {
	r.mu.Lock()
	c, err := r.authorizeLocked(token, address)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	st := &Status{
		RunnerID:  r.id,
		ClaimID:   c.id,
		Address:   c.address,
		ClaimedAt: c.claimedAt,
		Threads:   len(r.threads),
	}
	r.mu.Unlock()
	st.Pool = r.pool.Stats()
	return st, nil
}

// CreateThread registers a flow definition and returns the id to open a
// session for it.
func (r *Runner) CreateThread(token, address string, def *flow.Definition) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.authorizeLocked(token, address); err != nil {
		return "", err
	}
	if def == nil {
		return "", types.NewError(types.ErrInvalidFlow, "flow definition is required")
	}
	if err := def.Validate(); err != nil {
		return "", types.NewError(types.ErrInvalidFlow, err.Error()).WithCause(err)
	}
	id := uuid.NewString()
	r.threads[id] = def
	r.logger.Debug("thread registered", zap.String("thread_id", id), zap.Int("nodes", len(def.Nodes)))
	return id, nil
}

// OpenSession spawns an isolate for a registered thread. The caller must
// hand the worker back with CloseSession.
func (r *Runner) OpenSession(ctx context.Context, token, address, threadID string) (*worker.ThreadWorker, error) {
	r.mu.Lock()
	if _, err := r.authorizeLocked(token, address); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	def, ok := r.threads[threadID]
	r.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}

	w, err := r.pool.Spawn(ctx, threadID, def)
	switch {
	case err == nil:
		return w, nil
	case errors.Is(err, ErrPoolFull), errors.Is(err, ErrPoolClosed):
		return nil, types.NewError(types.ErrPoolExhausted, "no free worker").WithCause(err).WithRetryable(true)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, types.NewError(types.ErrTimeout, "spawn worker").WithCause(err)
	default:
		return nil, types.NewError(types.ErrInvalidFlow, err.Error()).WithCause(err)
	}
}

// CloseSession releases the worker of a session.
func (r *Runner) CloseSession(ctx context.Context, w *worker.ThreadWorker) error {
	return r.pool.Release(ctx, w)
}

// Check reports whether the runner can still accept sessions.
func (r *Runner) Check(context.Context) error {
	if r.pool.closed.Load() {
		return ErrPoolClosed
	}
	return nil
}

// Shutdown releases every worker and refuses new sessions.
func (r *Runner) Shutdown(ctx context.Context) error {
	return r.pool.Close(ctx)
}

func (r *Runner) record(operation, result string) {
	if r.observer != nil {
		r.observer.RecordClaim(operation, result)
	}
}
