// Copyright (c) AgentLink Authors.
// Licensed under the MIT License.

/*
Package types 提供 AgentLink 传输层的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 transport、registry、
dispatch 等上层模块提供统一的类型契约。

# 核心类型

  - Message：JSON-RPC 风格的消息信封（request / response / notification）
  - ConnectionConfig：单个连接的目标地址、超时、认证与 TLS 设置
  - Connection：连接的只读快照（状态、计数器、活跃时间）
  - ProtocolConfig：初始化时启用的协议及其调优参数
  - TransportMetrics：全局与按协议聚合的指标快照
  - Error：结构化错误（protocol / auth / timeout / routing / capacity）

# 主要能力

  - 消息 ID 生成：NewMessageID（msg_<毫秒时间戳>_<8 位十六进制>）
  - 配置校验：ConnectionConfig.Validate / AuthConfig.Validate
  - 错误工具链：AsError / IsRetryable / TypeOf / CodeOf，errors.Is 按错误码匹配
*/
package types
