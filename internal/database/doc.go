// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，支持健康检查、
统计信息采集与事务重试，是 SQL Checkpoint 存储的底座。

# 核心类型

  - Open / Dialector：按驱动名（postgres、mysql、sqlite、sqlite3）打开 GORM 连接。
    sqlite 走 modernc 纯 Go 驱动，sqlite3 走 cgo 驱动。
  - PoolManager：连接池管理器，持有 GORM DB 与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：最大空闲 / 打开连接数、连接生命周期与健康检查间隔。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，Close 后立即退出。
  - 事务管理：WithTransaction 单次事务，WithTransactionRetry 对死锁、
    序列化失败等可重试错误做指数退避重试。
*/
package database
