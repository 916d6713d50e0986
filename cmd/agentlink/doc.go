// Copyright (c) AgentLink Authors.
// Licensed under the MIT License.

/*
Package main 提供 AgentLink 传输守护进程与命令行入口。

# 概述

cmd/agentlink 装配 transport.Transport：加载 YAML/环境变量配置，
按配置初始化协议适配器并连接对端，通过管理端 HTTP 服务暴露
连接、消息与指标接口，配置文件变更时自动对账对端连接。

# 核心类型

  - Server：组装遥测、Prometheus、Redis 事件发布、传输层、
    配置监听与管理端，负责按依赖逆序优雅关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（守护进程）、send（单次发送）、health、version
  - 管理端路由：/health、/version、/connections、/connections/{id}、
    /connections/{id}/messages、/broadcast、/metrics/transport、/metrics
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RateLimiter（基于 IP）、JWTAuth（HS256）、RequestLogger
  - 配置热重载：config.Watcher 回调触发 reconcilePeers
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
