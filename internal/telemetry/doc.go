// Package telemetry 负责 AgentLink 的 OpenTelemetry 启动与关闭：
// 以本地 agent 身份构建 resource，按配置创建 OTLP 导出器，
// 关闭遥测时向传输层提供 noop TracerProvider。
package telemetry
