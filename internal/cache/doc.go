// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

/*
包 cache 提供基于 Redis 的缓存管理能力，支持连接池、健康检查、
JSON 序列化与集合索引，是 Redis Checkpoint 存储的底座。

# 概述

本包封装 go-redis 客户端，为上层提供统一的键值与集合读写接口。
Manager 负责连接生命周期管理，包括初始化、健康检查与优雅关闭。
支持可选 TLS 加密连接（tlsutil 加固配置）。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/Delete/Exists、GetJSON/SetJSON，
    以及 SetJSONIndexed/DeleteIndexed/Members 等带集合索引的事务操作。
  - Config：地址、密码、连接池大小、默认 TTL、TLS 开关与健康检查间隔。

# 错误语义

  - ErrCacheMiss：键不存在，配合 IsCacheMiss 判断。
  - ErrClosed：Manager 已关闭后的任何调用。
*/
package cache
