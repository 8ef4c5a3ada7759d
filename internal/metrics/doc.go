// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、Thread、
节点、worker pool 与缓存五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto.With
注册到调用方给定的 Registerer（默认为全局 Registry）。所有指标按
namespace 隔离，便于 Grafana 等工具进行可视化与告警。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - Thread 指标：运行中数量、结束次数与耗时，按 outcome 分组；
    Observe 直接订阅 Thread 或 worker 的事件总线。
  - 节点指标：执行次数与耗时，按 component/outcome 分组。
  - Worker pool 指标：容量、占用数、耗尽拒绝次数、claim/release 结果。
  - 缓存指标：命中与未命中计数，按 cache_type 分组。
*/
package metrics
