package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/isolate/port"
	"github.com/BaSui01/flowrun/isolate/worker"
	"github.com/BaSui01/flowrun/runner"
)

// sessionCloseTimeout 会话结束后销毁 worker 的超时
const sessionCloseTimeout = 10 * time.Second

// MessagePort 标记经会话代理的端口消息
const MessagePort = "port"

// =============================================================================
// 🔌 Session Handler
// =============================================================================

// SessionHandler 把一个隔离执行的线程暴露为一条 WebSocket 连接
type SessionHandler struct {
	runner         *runner.Runner
	logger         *zap.Logger
	originPatterns []string
}

// NewSessionHandler 创建会话处理器。originPatterns 为空时只接受同源连接
func NewSessionHandler(r *runner.Runner, originPatterns []string, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		runner:         r,
		logger:         logger.With(zap.String("handler", "session")),
		originPatterns: originPatterns,
	}
}

// PortEnvelope 是经会话转发的端口消息，两个方向格式相同
type PortEnvelope struct {
	Type    string `json:"type"`
	Port    string `json:"port"`
	Message any    `json:"message,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

type inboundMessage struct {
	worker.Command
	Port    string `json:"port,omitempty"`
	Message any    `json:"message,omitempty"`
	Close   bool   `json:"close,omitempty"`
}

// HandleSession 处理 GET /threads/{id}/session
// @Summary 打开线程会话（WebSocket）
// @Tags Runner
// @Param id path string true "线程 ID"
// @Param token query string false "claim 令牌（无法设置 Authorization 头时使用）"
// @Failure 401 {object} Response
// @Failure 404 {object} Response
// @Failure 503 {object} Response "worker pool 已满"
// @Router /threads/{id}/session [get]
func (h *SessionHandler) HandleSession(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	addr := runner.ClientAddress(r, h.runner.Config().TrustedProxyHeader)
	threadID := r.PathValue("id")

	tw, err := h.runner.OpenSession(r.Context(), token, addr, threadID)
	if err != nil {
		WriteAnyError(w, err, h.logger)
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), sessionCloseTimeout)
		defer cancel()
		if err := h.runner.CloseSession(ctx, tw); err != nil {
			h.logger.Warn("close session", zap.String("thread_id", threadID), zap.Error(err))
		}
	}()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	s := &session{
		conn:   conn,
		worker: tw,
		logger: h.logger.With(zap.String("thread_id", threadID), zap.String("worker_id", tw.ID())),
		ports:  make(map[string]*port.Port),
	}
	s.logger.Info("session opened", zap.String("address", addr))
	s.serve(r.Context())
	s.logger.Info("session closed")
}

type session struct {
	conn   *websocket.Conn
	worker *worker.ThreadWorker
	logger *zap.Logger

	mu    sync.Mutex
	ports map[string]*port.Port
}

// serve relays worker messages to the connection and client messages to the
// worker until either side goes away.
func (s *session) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.closePorts()

	// An unbounded queue keeps a slow client from stalling the worker.
	queue, outbox := port.NewChannel()
	off := s.worker.Messages(func(m worker.Message) {
		s.trackPorts(ctx, m.Data, queue)
		_ = queue.Post(m)
	})
	defer off()

	go func() {
		select {
		case <-s.worker.Done():
			queue.Close()
		case <-ctx.Done():
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, outbox)
	}()

	s.readLoop(ctx)
	cancel()
	<-writerDone
}

func (s *session) writeLoop(ctx context.Context, outbox *port.Port) {
	for {
		v, err := outbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, port.ErrClosed) {
				// The worker is gone and everything it sent has been written.
				if werr := s.worker.Err(); werr != nil {
					_ = s.conn.Close(websocket.StatusInternalError, "worker error")
				} else {
					_ = s.conn.Close(websocket.StatusNormalClosure, "thread released")
				}
			}
			return
		}
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Warn("drop unencodable message", zap.Error(err))
			continue
		}
		if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
			s.logger.Debug("websocket write", zap.Error(err))
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
				s.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignore malformed message", zap.Error(err))
			continue
		}
		if msg.Type == MessagePort {
			s.forwardToPort(msg)
			continue
		}
		if err := s.worker.Post(msg.Command); err != nil {
			return
		}
	}
}

// trackPorts registers every port in v so the client can talk to it by id.
func (s *session) trackPorts(ctx context.Context, v any, queue *port.Port) {
	switch t := v.(type) {
	case *port.Port:
		s.mu.Lock()
		_, known := s.ports[t.ID()]
		if !known {
			s.ports[t.ID()] = t
		}
		s.mu.Unlock()
		if known {
			return
		}
		go func() {
			_ = t.Listen(ctx, func(msg any) {
				_ = queue.Post(PortEnvelope{Type: MessagePort, Port: t.ID(), Message: msg})
			})
			s.mu.Lock()
			delete(s.ports, t.ID())
			s.mu.Unlock()
		}()
	case map[string]any:
		for _, e := range t {
			s.trackPorts(ctx, e, queue)
		}
	case []any:
		for _, e := range t {
			s.trackPorts(ctx, e, queue)
		}
	}
}

func (s *session) forwardToPort(msg inboundMessage) {
	s.mu.Lock()
	p := s.ports[msg.Port]
	s.mu.Unlock()
	if p == nil {
		s.logger.Debug("message for unknown port", zap.String("port", msg.Port))
		return
	}
	if msg.Close {
		p.Close()
		return
	}
	_ = p.Post(msg.Message)
}

func (s *session) closePorts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.ports {
		p.Close()
		delete(s.ports, id)
	}
}
