// Copyright (c) FabFlow Authors.
// Licensed under the MIT License.

// Package eventbus publishes workflow execution events through watermill.
//
// Bus implements workflow.Observer. Events are JSON encoded, tagged with
// event type, execution, flow and target metadata and published to one
// topic. The in-process gochannel driver serves local consumers and tests;
// the Kafka driver partitions by flow and target so the events of one wafer
// keep their order.
package eventbus
