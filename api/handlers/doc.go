// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 flowrun HTTP API 的请求处理器实现。

# 概述

handlers 包实现 runner 对外暴露的全部端点：claim/release 生命周期、
状态查询、线程注册以及基于 WebSocket 的线程会话。
所有 Handler 均遵循标准 net/http 接口，通过 Swagger 注解生成 API 文档。

# 核心类型

  - RunnerHandler：claim、release、状态查询与线程注册
  - SessionHandler：线程会话：worker 消息与客户端命令的双向转发
  - HealthHandler：服务健康检查（/health, /healthz, /ready）
  - Response：统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo：结构化错误信息，含 code、message、retryable 标记
  - PortEnvelope：会话内 port 消息的封装（流式读取等）
  - ResponseWriter：捕获状态码与响应大小，保留 Hijack 供 WebSocket 升级

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteAnyError 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 令牌提取：BearerToken 支持 Authorization 头与 token 查询参数
  - 会话断开时自动释放 worker
  - 可扩展健康检查：NewCheck 包装任意探测函数
*/
package handlers
