// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供运维 HTTP 端点及其生命周期管理。

# 核心类型

  - Manager：封装 net/http.Server，提供非阻塞的 Start/StartTLS、
    带超时的 Shutdown 与异步错误通道 Errors。StartTLS 使用
    tlsutil.DefaultTLSConfig。
  - NewHandler：构建运维路由，/metrics 由 promhttp 输出
    Prometheus 指标，/healthz 依次执行已注册的 HealthCheck，
    任一失败返回 503，/status 以 JSON 输出调用方提供的运行状态。

# 中间件

NewHandler 按顺序套上 Recovery、RequestID、SecurityHeaders、Tracing
与 RequestLogger。Chain 的第一个中间件位于最外层。访问日志默认为
debug 级别，状态码 >= 400 时升为 warn。
*/
package server
