// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 fabflow 引擎共享的错误分类体系。

# 概述

types 是模块中最底层的包，不依赖任何内部包。工作流引擎、Checkpoint
存储以及 CLI 都以 *Error 报告失败，调用方依据 ErrorCode 分支处理，
而不是匹配错误字符串。

# 核心类型

  - ErrorCode 稳定的机器可读错误码
  - Severity  info < warning < error < critical，用于过滤运行错误
  - Error     错误码 + 消息 + 严重级别 + 可重试标记 + 步骤 ID + 原因

# 辅助函数

  - NewError / Errorf 及 With* 链式构造
  - GetErrorCode / HasCode / IsRetryable（基于 errors.As，支持包装链）
  - IsValidation 判断运行前的定义或依赖图校验失败
*/
package types
