// Package config 提供 AgentLink 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（AGENTLINK_ 前缀）的顺序合并，
// Watcher 轮询配置文件并在变更后重新加载，用于运行时调整对端连接。
package config
