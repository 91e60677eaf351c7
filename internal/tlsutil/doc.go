// Package tlsutil 提供集中式 TLS 配置，
// 为 Redis / MongoDB 连接、指标服务端和 CLI 健康探测提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
