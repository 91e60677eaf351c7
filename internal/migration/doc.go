// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
Package migration 管理检查点表 workflow_checkpoints 的 Schema，
支持 PostgreSQL、MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在二进制中。SQLite 使用
golang-migrate 的 modernc 驱动，无需 cgo。

# 核心类型

  - Migrator / DefaultMigrator：Up、Down、DownAll、Steps、Goto、
    Force、Version、Status、Info、Close。
  - Config：数据库类型、连接 URL、迁移表名、连接超时与日志。
  - MigrationStatus / MigrationInfo：逐条状态与汇总信息。

# 工厂函数

NewMigratorFromConfig 与 NewMigratorFromDatabaseConfig 从 config 包
的数据库配置创建迁移器，NewMigratorFromURL 接受原始连接 URL。
*/
package migration
