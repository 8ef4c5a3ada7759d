// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的 flow 变量存储。

# 概述

Manager 封装 go-redis 客户端，负责连接、JSON 存取与关闭；
VariableStore 在其上实现 flow.ReferenceResolver，
让节点输入中的 Variables 引用直接从 Redis 读取。

# 核心类型

  - Manager：Redis 连接管理，提供 GetJSON/SetJSON/Delete/Ping/Close，
    支持可选 TLS。
  - VariableStore：变量读写与 Variables 引用解析，每个变量是
    前缀 + 名称下的一个 JSON 文档，支持按路径取子值。
  - Recorder：命中/未命中计数接口，由 metrics.Collector 实现。

# 主要能力

  - 本地短期缓存：LocalTTL 内重复读取同一变量只访问一次 Redis，
    不存在的变量同样会被缓存。
  - 错误语义：ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
