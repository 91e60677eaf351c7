// =============================================================================
// FabFlow 命令行入口
// =============================================================================
// 加载工艺流程定义，在晶圆上执行并管理检查点、数据库迁移与运维端点。
//
// 使用方法:
//
//	fabflow run gate-stack.yaml --target wafer-01      # 单片执行
//	fabflow run gate-stack.yaml --target wafer-01 --resume
//	fabflow batch gate-stack.yaml --target w1 --target w2
//	fabflow validate flows/*.yaml                       # 校验流程定义
//	fabflow checkpoint list gate-stack                  # 查看检查点
//	fabflow migrate up                                  # 运行数据库迁移
//	fabflow health --addr http://localhost:9091         # 健康检查
//	fabflow version                                     # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "fabflow: %v\n", err)
		stop()
		os.Exit(1)
	}
}
