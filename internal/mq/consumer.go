package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Delivery outcomes reported to the DeliveryRecorder
const (
	OutcomeAcked        = "acked"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeAckFailed    = "ack_failed"
)

// MessageHandler processes a message delivered under routingKey. A returned
// error dead-letters the message.
type MessageHandler func(ctx context.Context, routingKey string, body []byte) error

// DeliveryRecorder counts settled deliveries per routing key and outcome
type DeliveryRecorder interface {
	MessageProcessed(routingKey, outcome string)
}

// Consumer reads the ingest queue bound to one topic exchange under several
// routing keys and settles every delivery by the handler's result.
type Consumer struct {
	channel       *amqp.Channel
	queue         string
	routingKeys   []string
	prefetchCount int
	handler       MessageHandler
	recorder      DeliveryRecorder
	logger        *zap.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection    *Connection
	Queue         string
	DLQQueue      string
	Exchange      string
	RoutingKeys   []string
	PrefetchCount int
	Handler       MessageHandler
	Recorder      DeliveryRecorder
	Logger        *zap.Logger
}

// NewConsumer opens a channel and declares the ingest topology
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	if err := declareIngestTopology(ch, cfg); err != nil {
		ch.Close()
		return nil, err
	}

	return newConsumer(ch, cfg), nil
}

func newConsumer(ch *amqp.Channel, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		channel:       ch,
		queue:         cfg.Queue,
		routingKeys:   cfg.RoutingKeys,
		prefetchCount: cfg.PrefetchCount,
		handler:       cfg.Handler,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
	}
}

// declareIngestTopology declares the topic exchange, the ingest queue
// dead-lettering into the DLQ, and one binding per routing key.
func declareIngestTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	if _, err := ch.QueueDeclare(cfg.DLQQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ %s: %w", cfg.DLQQueue, err)
	}

	deadLetter := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, deadLetter); err != nil {
		// a queue declared earlier without dead lettering keeps its arguments
		cfg.Logger.Warn("ingest queue exists with other arguments, declaring it without dead lettering",
			zap.String("queue", cfg.Queue),
			zap.Error(err),
		)
		if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
		}
	}

	for _, key := range cfg.RoutingKeys {
		if err := ch.QueueBind(cfg.Queue, key, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue %s to %s: %w", cfg.Queue, key, err)
		}
	}
	return nil
}

// Start starts consuming messages until ctx is cancelled
func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %s: %w", c.queue, err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Strings("routing_keys", c.routingKeys),
		zap.Int("prefetch", c.prefetchCount),
	)

	go c.consume(ctx, deliveries)
	return nil
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled, stopping")
			return
		case msg, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed")
				return
			}
			c.settle(msg, c.handle(ctx, msg))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) error {
	c.logger.Debug("received message",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int("body_size", len(msg.Body)),
	)
	err := c.handler(ctx, msg.RoutingKey, msg.Body)
	if err != nil {
		c.logger.Error("failed to process message, dead lettering it",
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
	}
	return err
}

// settle acks the delivery, or rejects it without requeue when handling
// failed so the broker routes it to the DLQ.
func (c *Consumer) settle(msg amqp.Delivery, handleErr error) {
	outcome := OutcomeAcked
	if handleErr != nil {
		outcome = OutcomeDeadLettered
		if err := msg.Nack(false, false); err != nil {
			c.logger.Error("failed to NACK message", zap.String("routing_key", msg.RoutingKey), zap.Error(err))
			outcome = OutcomeAckFailed
		}
	} else if err := msg.Ack(false); err != nil {
		c.logger.Error("failed to ACK message", zap.String("routing_key", msg.RoutingKey), zap.Error(err))
		outcome = OutcomeAckFailed
	}

	if c.recorder != nil {
		c.recorder.MessageProcessed(msg.RoutingKey, outcome)
	}
}

// Close closes the consumer channel
func (c *Consumer) Close() error {
	if c.channel != nil {
		return c.channel.Close()
	}
	return nil
}
