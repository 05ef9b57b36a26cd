// Copyright (c) LLMLB Authors.
// Licensed under the MIT License.

/*
Package types 提供 llmlb 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 registry、dispatch、
audit、api 等上层包提供统一的类型契约，以避免循环依赖。

# 核心类型

  - Error / ErrorKind — 封闭的错误种类体系，Error.HTTPStatus 给出对应状态码
  - Endpoint          — 已注册的上游端点，含 EndpointType、EndpointStatus、
    Capability 集合与 GPUSnapshot
  - StringSet         — 字符串集合（NewStringSet）
  - EndpointModel / EndpointHealthCheck — 端点模型行与健康检查记录
  - AuditLogEntry / AuditBatchHash — 审计日志条目与哈希链批次（起点为 GenesisHash）
  - TokenUsage        — 单次请求的 Token 用量

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithRunID /
    WithLLMModel / WithRoles / WithPromptBundleVersion 及对应读取函数
  - 错误工具链：KindOf / StatusOf / Retryable
  - 常用错误构造：NewError 以及 NewInvalidRequestError、NewRateLimitError、
    NewBadGatewayError 等按种类的构造函数
*/
package types
