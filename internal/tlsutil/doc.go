// Package tlsutil 提供集中式 TLS 配置，
// 为 HTTP、WebSocket、gRPC 与 TCP 出站连接提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件），
// 并支持自定义 CA 与客户端证书。
package tlsutil
