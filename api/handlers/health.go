package handlers

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// readyTimeout 限制一次就绪探测中所有检查的总耗时
const readyTimeout = 5 * time.Second

// HealthCheck 健康检查接口
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// HealthStatus 健康状态响应
type HealthStatus struct {
	Status    string                 `json:"status"` // "healthy", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Instance  string                 `json:"instance,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果
type CheckResult struct {
	Status  string `json:"status"` // "pass", "fail"
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// HealthHandler 提供存活与就绪探针
type HealthHandler struct {
	logger   *zap.Logger
	instance string

	mu     sync.RWMutex
	checks map[string]HealthCheck
}

// NewHealthHandler 创建健康检查处理器。instance 为 runner 标识，会出现在每个响应中。
func NewHealthHandler(logger *zap.Logger, instance string) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:   logger.With(zap.String("handler", "health")),
		instance: instance,
		checks:   make(map[string]HealthCheck),
	}
}

// RegisterCheck 注册健康检查，同名检查会被替换
func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	h.checks[check.Name()] = check
	h.mu.Unlock()
}

func (h *HealthHandler) snapshot() []HealthCheck {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HealthCheck, 0, len(h.checks))
	for _, c := range h.checks {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// HandleHealth 存活探针，只要进程能响应即为健康
// @Summary 存活探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务处于活动状态"
// @Router /health [get]
// @Router /healthz [get]
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Instance:  h.instance,
	})
}

// HandleReady 就绪探针。所有检查并发执行，任一失败返回 503。
// @Summary 就绪探针
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthStatus "服务已准备就绪"
// @Failure 503 {object} HealthStatus "服务尚未准备好"
// @Router /ready [get]
// @Router /readyz [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := h.snapshot()
	results := make([]CheckResult, len(checks))

	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			start := time.Now()
			err := check.Check(ctx)
			results[i] = CheckResult{Status: "pass", Latency: time.Since(start).String()}
			if err != nil {
				results[i].Status = "fail"
				results[i].Message = err.Error()
				h.logger.Warn("health check failed",
					zap.String("check", check.Name()),
					zap.Error(err),
					zap.Duration("latency", time.Since(start)),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Instance:  h.instance,
		Checks:    make(map[string]CheckResult, len(checks)),
	}
	code := http.StatusOK
	for i, check := range checks {
		status.Checks[check.Name()] = results[i]
		if results[i].Status == "fail" {
			status.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	WriteJSON(w, code, status)
}

// HandleVersion 返回构建信息
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} map[string]string "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := map[string]string{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"instance":   h.instance,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

type funcCheck struct {
	name  string
	check func(ctx context.Context) error
}

// NewCheck 用函数创建健康检查，例如变量存储的 Redis Ping
func NewCheck(name string, check func(ctx context.Context) error) HealthCheck {
	return &funcCheck{name: name, check: check}
}

func (c *funcCheck) Name() string { return c.name }

func (c *funcCheck) Check(ctx context.Context) error { return c.check(ctx) }
