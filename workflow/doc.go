// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
Package workflow 提供晶圆工艺流程的编排与执行引擎。

# 概述

workflow 接收由若干步骤组成的命名流程（Flow），根据步骤声明的依赖关系
解析执行顺序，并以顺序、并行波次、流水线或批处理方式驱动步骤执行。
引擎跟踪实时进度，支持协作式暂停 / 恢复 / 取消、失败重试，并通过
Checkpoint 持久化与恢复执行状态。物理模型本身不在本包中，它们通过
Executor 接口接入。

# 核心接口与类型

  - Executor / Registry   模块名到执行器的映射，由宿主在启动时注册
  - Flow / Step           流程与步骤定义，包含运行期状态字段
  - Resolve / Wave        Kahn 分层依赖解析，产出有序波次
  - ExecutionContext      单次运行内只追加的键值上下文，记录写入者
  - Orchestrator          门面：流程目录、批处理队列、执行控制
  - Execution / Result    单次执行句柄与最终结果
  - CheckpointManager     Checkpoint 的节流保存、校验与恢复
  - CheckpointStore       存储接口，内置 MemoryCheckpointStore
  - BatchQueue            (目标, 流程) 的 FIFO 队列
  - Observer / Event      同步、串行派发的执行事件

# 执行策略

  - sequential 按波次、再按声明顺序逐个执行
  - parallel   波次内步骤提交到有界 worker 池，波次之间完全同步
  - pipeline   单目标等同 sequential；批处理时目标按阶段交错推进
  - batch      目标级驱动，单目标运行时等同 sequential

# 失败策略

步骤用尽重试后：optional 步骤记为 failed 并记录 warning；
allowPartialFailure 流程记为 failed 并记录 error；否则记录 critical，
在下一个步骤或波次边界停止并进入 error 状态。依赖未完成步骤的后继步骤被传递性
标记为 skipped。

# 状态机

idle → initializing → running ⇄ paused → completed | error | cancelled，
终态通过 Reset 回到 idle。暂停与取消只在步骤 / 波次边界生效，
执行器调用从不被抢占。
*/
package workflow
