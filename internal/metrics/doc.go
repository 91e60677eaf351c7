// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的工作流指标采集能力。

# 概述

Collector 通过 promauto.With 注册到调用方给定的 Registry（nil 时使用
默认 Registry），并实现 workflow.Observer，订阅到 Orchestrator 后即可
把执行事件转换为指标。

# 主要能力

  - 执行指标：按最终状态计数的执行总数、执行耗时、状态转换计数，
    以及当前状态 Gauge。
  - 步骤指标：按 flow/step/status 计数的步骤结果、步骤耗时、
    重试次数、按错误码与严重级别分组的失败计数。
  - 批次指标：按成功/失败计数的批次条目。
  - 检查点指标：保存次数；InstrumentStore 包装 persistence.Store，
    记录每个存储操作的耗时与错误（未找到不计为错误）。
  - 数据库指标：活跃/空闲连接数 Gauge。
*/
package metrics
