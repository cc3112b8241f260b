package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"log/slog"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	backoff      time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
	}, nil
}

// WithDLQ routes messages that cannot be handled to topic instead of
// dropping them.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

// WithRetry sets how many times a transiently failing message is handed to
// the handler before it is dead-lettered.
func (c *Consumer) WithRetry(maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if backoff >= 0 {
		c.backoff = backoff
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, c.backoff),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type retryTracker struct {
	maxAttempts int
	backoff     time.Duration
}

func newRetryTracker(maxAttempts int, backoff time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{maxAttempts: maxAttempts, backoff: backoff}
}

// wait blocks for the backoff of the given attempt, returning false when ctx
// ends first.
func (r *retryTracker) wait(ctx context.Context, attempt int) bool {
	if r.backoff <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(time.Duration(attempt) * r.backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	tracker := h.retryTracker
	if tracker == nil {
		tracker = newRetryTracker(1, 0)
	}

	for msg := range claim.Messages() {
		var err error
		attempts := 0
		for {
			attempts++
			err = h.handler.HandleMessage(extractTrace(ctx, msg), msg)
			if err == nil {
				break
			}
			var dlqErr *DLQError
			if errors.As(err, &dlqErr) || attempts >= tracker.maxAttempts {
				break
			}
			h.logger.Warn("kafka message retry", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempts, "error", err)
			if !tracker.wait(ctx, attempts) {
				// Rebalance or shutdown: leave the offset uncommitted.
				return nil
			}
		}

		if err != nil {
			h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempts", attempts, "error", err)
			h.deadLetter(ctx, msg, err, attempts)
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err error, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		return
	}
	var dlqErr *DLQError
	if !errors.As(err, &dlqErr) {
		dlqErr = &DLQError{Err: err, Reason: "retries_exhausted"}
	}
	payload := ConsumedDeadLetter(msg, dlqErr, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, payload.Key, payload); pubErr != nil {
		h.logger.Error("consumer dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
	}
}
