// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 FlowRun runner 的程序入口。

# 概述

cmd/flowrun 是 runner 的可执行入口，提供 HTTP/WebSocket 服务、
本地执行 flow、健康检查和版本查询等子命令。程序支持 YAML 配置文件加载、
环境变量覆盖、结构化日志（zap）、Prometheus 指标采集、OpenTelemetry
追踪以及配置热重载。

# 核心类型

  - Server：主服务器，管理 API、Metrics 双端口、runner 与优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler
  - RateLimiter：按客户端地址对 claim 限流，限额可在线调整

# 主要能力

  - 子命令：serve（启动 runner）、run（本地或隔离 worker 中执行 flow 文件）、
    version、health
  - 路由：/claim、/release、/status、/threads、/threads/{id}/session
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、MetricsMiddleware、CORS
  - 配置热重载：Reloader 轮询配置文件，在线调整日志级别与限流
  - 可选 Redis：启用后 Variables 引用从 Redis 解析
  - 优雅关闭：信号监听 → 停止后台任务 → 关闭 API → 关闭 Metrics →
    释放 worker → 关闭 Redis 与遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
