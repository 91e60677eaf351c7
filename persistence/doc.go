// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

// Package persistence provides durable workflow.CheckpointStore backends.
//
// Supported backends:
//   - Memory: development and tests (default)
//   - File: one JSON file per checkpoint, single-node deployments
//   - Redis: shared checkpoints through internal/cache
//   - Database: PostgreSQL, MySQL or SQLite through gorm
//   - Mongo: a MongoDB collection
//
// Every backend reports a missing checkpoint with an error that wraps
// ErrNotFound, so workflow.ErrCheckpointNotFound matches with errors.Is.
// New builds the backend selected in config.CheckpointConfig.
package persistence
