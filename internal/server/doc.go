// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
flowrun 用两个 Manager 分别承载 runner API 与 Prometheus 指标端口。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/RegisterOnShutdown 等生命周期方法。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小、
    优雅关闭超时与可选的 TLS 配置。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务；
    配置 TLS 时监听器包装为 TLS 监听器。
  - 优雅关闭：Shutdown 在配置的超时内完成请求排空。
  - 关闭钩子：RegisterOnShutdown 通知被劫持的 WebSocket 连接。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 地址查询：Addr 返回实际监听地址，便于使用随机端口。
*/
package server
