// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

// Package config 提供 FabFlow 的配置加载。
//
// 配置来源依次为默认值、YAML 文件、FABFLOW_ 前缀的环境变量，
// 加载完成后统一校验。各段分别对应编排器、检查点存储、
// Redis、数据库、MongoDB、日志、遥测、指标与事件发布。
package config
