// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package flow 提供数据流执行引擎：图模型、引用解析、调度器与节点状态机。

# 概述

一个 Thread 是一次流程执行的内存上下文。节点的原始输入中嵌入的 ref.Reference
即为边；边不单独存储，每次调度决策时通过扫描节点输入重新计算。

# 核心类型

  - Thread：节点集合、输入/输出、中止令牌、解析器与事件总线
  - Node：图中的一个顶点，状态 idle → processing → done | error
  - Component：输入/输出 Schema、信任标记与处理函数（或沙箱脚本）
  - Link：从引用派生的有向边
  - EventBus：同步扇出的事件总线，支持取消订阅句柄
  - AbortToken：可失效并被替换的取消令牌

# 调度

Start 派发所有就绪且不作为工具使用的节点；每个节点完成后，对其出边中刚刚就绪的
目标节点级联派发；当没有节点在执行时，以输出结束或以首个错误拒绝（并自动中止）。
作为工具使用的节点从不被自动派发，只能通过 InvokeTool 调用。

# 交互请求

Thread.Request 实现带关联 ID 的请求/响应原语：响应、取消、超时（默认 60 秒）
与线程中止四者先到者胜出。
*/
package flow
