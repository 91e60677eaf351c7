// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 FabFlow 命令行程序入口。

# 概述

cmd/fabflow 加载 YAML/JSON 工艺流程定义，在晶圆或批次上执行，并负责
检查点查看、数据库迁移、健康检查和版本查询。命令行基于 urfave/cli v3，
配置来自 --config 指定的 YAML 文件与 FABFLOW_* 环境变量。

# 子命令

  - run：单片执行，--resume 从已存检查点继续，--timeout 超时取消
  - batch：所有流程 × 所有目标入队后按顺序执行
  - validate：只校验流程定义
  - checkpoint list / show / delete：查看与删除检查点
  - migrate up / down / status / info / version / goto / steps / force
  - health：探测运行中实例的 /healthz
  - version：构建信息，Version、BuildTime、GitCommit 通过 ldflags 注入

# 运行时装配

engine 按配置装配编排器：检查点存储（memory、file、redis、database、
mongo）、OpenTelemetry 追踪、Prometheus 指标与运维 HTTP 端点、
watermill 事件总线（gochannel 或 Kafka）。工序由内置工具模拟器执行，
步骤参数 sim_duration 与 sim_fail_attempts 控制耗时与故障注入。
*/
package main
