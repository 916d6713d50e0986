// Copyright 2026 AgentLink Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package adapter 提供四种传输协议的适配器实现。

# 概述

每个 Adapter 负责一种协议的建连、认证与收发，返回的 Handle
代表一条已建立的连接。上层（注册表与分发器）只依赖 Adapter/Handle
接口，不感知具体协议。

# 协议

  - WebSocket: coder/websocket，请求按 id 在单条连接上多路复用，
    可选 Ping 心跳
  - HTTP(S): 每条消息一次 POST，可选 /.well-known/agent.json 发现
  - gRPC: a2a.v1.AgentTransport 服务，默认走一元 Send，
    开启 Streaming 后复用双向 Stream
  - TCP: 换行分隔 JSON 帧，可选 TLS 与 auth.handshake 认证帧

# 认证

token（可校验 JWT exp）、oauth2（静态 accessToken 或 client credentials）、
certificate（客户端证书，要求 secure=true）。

# 错误

所有错误都归入 types 中的五类：HTTP 401/403 与 gRPC Unauthenticated
视为认证错误；408/429/5xx 与 gRPC Unavailable 等视为可重试的路由错误；
其余 4xx 视为协议错误；截止时间到达视为超时错误。
*/
package adapter
