package eventbus

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/config"
	"github.com/BaSui01/fabflow/workflow"
)

// Message metadata keys.
const (
	MetadataEventType   = "event_type"
	MetadataExecutionID = "execution_id"
	MetadataFlowID      = "flow_id"
	MetadataTargetID    = "target_id"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("event bus is closed")

// Handler consumes one decoded event. A non-nil error nacks the message.
type Handler func(ctx context.Context, e workflow.Event) error

// Bus publishes workflow events to a watermill topic. It implements
// workflow.Observer: OnEvent only enqueues, a background goroutine publishes,
// so a slow broker never stalls a run. Events are dropped when the queue is
// full.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	logger     *zap.Logger

	queue   chan workflow.Event
	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New builds a bus for cfg.Driver: an in-process gochannel or Kafka.
func New(cfg config.EventsConfig, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	wlog := NewLoggerAdapter(logger.With(zap.String("component", "watermill")))

	switch cmp.Or(cfg.Driver, config.EventsGoChannel) {
	case config.EventsGoChannel:
		ps := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.BufferSize,
		}, wlog)
		return NewBus(ps, ps, cfg.Topic, int(cfg.BufferSize), logger), nil

	case config.EventsKafka:
		pub, sub, err := kafkaPubSub(cfg.Brokers, wlog)
		if err != nil {
			return nil, err
		}
		return NewBus(pub, sub, cfg.Topic, int(cfg.BufferSize), logger), nil

	default:
		return nil, fmt.Errorf("unsupported events driver: %s", cfg.Driver)
	}
}

// kafkaPubSub partitions by flow and target so each wafer's events stay
// ordered.
func kafkaPubSub(brokers []string, wlog watermill.LoggerAdapter) (*kafka.Publisher, *kafka.Subscriber, error) {
	if len(brokers) == 0 {
		return nil, nil, errors.New("kafka brokers are required")
	}
	marshaler := kafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
		return workflow.CheckpointKey(msg.Metadata.Get(MetadataFlowID), msg.Metadata.Get(MetadataTargetID)), nil
	})

	pubConfig := sarama.NewConfig()
	pubConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:               brokers,
		Marshaler:             marshaler,
		OverwriteSaramaConfig: pubConfig,
		OTELEnabled:           true,
	}, wlog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create kafka publisher: %w", err)
	}

	subConfig := kafka.DefaultSaramaSubscriberConfig()
	subConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	subscriber, err := kafka.NewSubscriber(kafka.SubscriberConfig{
		Brokers:               brokers,
		Unmarshaler:           marshaler,
		OverwriteSaramaConfig: subConfig,
		ConsumerGroup:         "cg-fabflow",
		OTELEnabled:           true,
	}, wlog)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, fmt.Errorf("failed to create kafka subscriber: %w", err)
	}
	return publisher, subscriber, nil
}

// NewBus wraps an existing publisher and subscriber. sub may be nil for a
// publish-only bus.
func NewBus(pub message.Publisher, sub message.Subscriber, topic string, buffer int, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		publisher:  pub,
		subscriber: sub,
		topic:      cmp.Or(topic, "fabflow.events"),
		logger:     logger.With(zap.String("component", "eventbus")),
		queue:      make(chan workflow.Event, max(buffer, 1)),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Topic returns the topic events are published to.
func (b *Bus) Topic() string { return b.topic }

// Dropped returns how many events were discarded on a full queue.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// OnEvent implements workflow.Observer.
func (b *Bus) OnEvent(e workflow.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.queue <- e:
	default:
		if b.dropped.Add(1) == 1 {
			b.logger.Warn("event queue full, dropping events", zap.String("type", string(e.Type)))
		}
	}
}

func (b *Bus) run() {
	defer b.wg.Done()
	for e := range b.queue {
		if err := b.Publish(e); err != nil {
			b.logger.Warn("failed to publish event",
				zap.String("type", string(e.Type)),
				zap.String("execution_id", e.ExecutionID),
				zap.Error(err),
			)
		}
	}
}

// NewMessage encodes e as a watermill message with routing metadata.
func NewMessage(e workflow.Event) (*message.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(MetadataEventType, string(e.Type))
	msg.Metadata.Set(MetadataExecutionID, e.ExecutionID)
	msg.Metadata.Set(MetadataFlowID, e.FlowID)
	msg.Metadata.Set(MetadataTargetID, e.TargetID)
	return msg, nil
}

// Publish sends e synchronously, bypassing the queue.
func (b *Bus) Publish(e workflow.Event) error {
	msg, err := NewMessage(e)
	if err != nil {
		return err
	}
	return b.publisher.Publish(b.topic, msg)
}

// Subscribe decodes events from the topic and passes them to h until ctx is
// done. Undecodable messages and handler errors are nacked.
func (b *Bus) Subscribe(ctx context.Context, h Handler) error {
	if b.subscriber == nil {
		return errors.New("event bus has no subscriber")
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	messages, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}
	go func() {
		for msg := range messages {
			var e workflow.Event
			if err := json.Unmarshal(msg.Payload, &e); err != nil {
				b.logger.Warn("undecodable event", zap.String("uuid", msg.UUID), zap.Error(err))
				msg.Nack()
				continue
			}
			if err := h(msg.Context(), e); err != nil {
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}()
	return nil
}

// Close flushes queued events, then closes the publisher and subscriber.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.wg.Wait()
	if n := b.dropped.Load(); n > 0 {
		b.logger.Warn("events dropped during run", zap.Int64("count", n))
	}

	var errs []error
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	// A gochannel is both publisher and subscriber.
	if b.subscriber != nil && any(b.subscriber) != any(b.publisher) {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
