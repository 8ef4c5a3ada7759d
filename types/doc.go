// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 flowrun 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 runner、api 与 cmd
提供统一的错误码与 context 传播约定，以避免循环依赖。

# 核心类型

  - Error / ErrorCode：结构化错误体系，含 HTTP 状态码与 Retryable 标记
  - RUNNER_* / THREAD_NOT_FOUND / POOL_EXHAUSTED：runner 的稳定错误码

# 主要能力

  - Context 传播：WithTraceID / WithClaimID / WithThreadID / WithRemoteAddr
  - 错误工具链：AsError / IsErrorCode / IsRetryable / HTTPStatusOf
*/
package types
