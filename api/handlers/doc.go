// Copyright (c) LLMLB Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 llmlb 管理 API 与健康检查的 HTTP 请求处理器。

# 概述

handlers 包实现端点管理路由（/api/endpoints 及其子路径）、健康检查
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口，
并带有 Swagger 注解。客户端推理路由不在本包中。

# 核心类型

  - EndpointsHandler — 端点注册、查询、更新、删除与手动探测
  - HealthHandler    — 服务健康检查（HandleHealth / HandleHealthz / HandleReady / HandleVersion）
  - Response         — 统一 JSON 响应结构（api.Response 的别名）
  - ErrorInfo        — 结构化错误信息（api.ErrorInfo 的别名）
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（DatabaseHealthCheck、RedisHealthCheck）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 拒绝未知字段）、ValidateContentType
  - 错误种类 → HTTP 状态码映射：由 types.Error.HTTPStatus 决定
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
