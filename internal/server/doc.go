// Copyright (c) AgentLink Authors.
// Licensed under the MIT License.

/*
包 server 提供管理端 HTTP/HTTPS 服务器的生命周期管理。

# 概述

Manager 封装 net/http.Server，统一处理监听、服务、关闭与错误传播。
agentlink serve 通过它暴露健康检查、连接列表、传输指标与 Prometheus
采集端点。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/StartTLS/Wait/Shutdown。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小与
    优雅关闭超时，可由 FromAdminConfig 从 config.AdminConfig 构建。

# 主要能力

  - 非阻塞启动：Start/StartTLS 在后台 goroutine 中运行服务。
  - TLS：StartTLS 使用 tlsutil.DefaultTLSConfig 作为基线。
  - 等待：Wait 监听 SIGINT/SIGTERM、ctx 结束或服务异常，
    关闭顺序交由调用方决定。
  - 随机端口：Addr 为 ":0" 时通过 ListenAddr 取得实际地址。
*/
package server
