package handlers

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/runner"
	"github.com/BaSui01/flowrun/types"
)

// =============================================================================
// 🏃 Runner Handler
// =============================================================================

// RunnerHandler 处理 claim / release / status 与线程注册
type RunnerHandler struct {
	runner *runner.Runner
	logger *zap.Logger
}

// NewRunnerHandler 创建 runner 处理器
func NewRunnerHandler(r *runner.Runner, logger *zap.Logger) *RunnerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunnerHandler{
		runner: r,
		logger: logger.With(zap.String("handler", "runner")),
	}
}

// CreateThreadResponse 线程注册响应
type CreateThreadResponse struct {
	ThreadID string `json:"thread_id"`
}

// credentials 返回请求携带的令牌与解析后的来源地址
func (h *RunnerHandler) credentials(r *http.Request) (string, string) {
	return BearerToken(r), runner.ClientAddress(r, h.runner.Config().TrustedProxyHeader)
}

// HandleClaim 处理 POST /claim
// @Summary 独占 runner
// @Tags Runner
// @Produce json
// @Success 200 {object} runner.ClaimResult
// @Failure 409 {object} Response "runner 已被占用"
// @Router /claim [post]
func (h *RunnerHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	_, addr := h.credentials(r)
	res, err := h.runner.Claim(addr)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, res)
}

// HandleRelease 处理 POST /release
// @Summary 释放 runner 并销毁全部 worker
// @Tags Runner
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response "令牌或地址不匹配"
// @Failure 409 {object} Response "runner 未被占用"
// @Router /release [post]
func (h *RunnerHandler) HandleRelease(w http.ResponseWriter, r *http.Request) {
	token, addr := h.credentials(r)
	if err := h.runner.Release(r.Context(), token, addr); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, map[string]bool{"released": true})
}

// HandleStatus 处理 GET /status
// @Summary runner 与 worker pool 健康状态
// @Tags Runner
// @Produce json
// @Success 200 {object} runner.Status
// @Failure 401 {object} Response
// @Router /status [get]
func (h *RunnerHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	token, addr := h.credentials(r)
	st, err := h.runner.Status(token, addr)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, st)
}

// HandleCreateThread 处理 POST /threads，请求体为 JSON 或 YAML 格式的 flow 定义
// @Summary 注册 flow 定义
// @Tags Runner
// @Accept json
// @Produce json
// @Success 200 {object} CreateThreadResponse
// @Failure 401 {object} Response
// @Failure 422 {object} Response "flow 定义无效"
// @Router /threads [post]
func (h *RunnerHandler) HandleCreateThread(w http.ResponseWriter, r *http.Request) {
	token, addr := h.credentials(r)
	if _, err := h.runner.Authorize(token, addr); err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidRequest, "read request body").WithCause(err), h.logger)
		return
	}
	def, err := flow.Parse(data)
	if err != nil {
		WriteError(w, types.NewError(types.ErrInvalidFlow, err.Error()).WithCause(err), h.logger)
		return
	}

	id, err := h.runner.CreateThread(token, addr, def)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	WriteSuccess(w, CreateThreadResponse{ThreadID: id})
}
