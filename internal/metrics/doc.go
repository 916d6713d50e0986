// 版权所有 2024 AgentLink Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的传输层指标采集能力，覆盖
连接、消息、广播与管理端 HTTP 四个维度。

# 概述

Collector 通过 promauto.With 注册到调用方提供的 Registerer，
每个 Transport 实例可以持有独立的 Registry，避免测试或多实例间冲突。

# 主要能力

  - 连接指标：连接尝试（按 protocol/result）、建连耗时、活跃连接数、关闭原因。
  - 消息指标：发送尝试（按 protocol/kind/status）、往返耗时、字节数、重试次数。
  - 广播指标：广播结果、应答比例分布。
  - HTTP 指标：管理端请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
*/
package metrics
