package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/device-usage-worker/internal/logging"
	"github.com/septivank/device-usage-worker/internal/usage"
	"go.uber.org/zap"
)

// Publisher handles usage event publishing to RabbitMQ. It implements
// usage.Notifier.
type Publisher struct {
	conn              *Connection
	channel           *amqp.Channel
	exchange          string
	updatedRoutingKey string
	reachedRoutingKey string
	logger            *zap.Logger
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	Connection         *Connection
	Exchange           string
	CountersUpdatedKey string
	QuotaReachedKey    string
	Logger             *zap.Logger
}

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &Publisher{
		conn:              cfg.Connection,
		channel:           ch,
		exchange:          cfg.Exchange,
		updatedRoutingKey: cfg.CountersUpdatedKey,
		reachedRoutingKey: cfg.QuotaReachedKey,
		logger:            cfg.Logger,
	}, nil
}

// CountersUpdatedEvent is published after a counter snapshot was persisted
type CountersUpdatedEvent struct {
	RequestID string         `json:"request_id,omitempty"`
	Snapshot  usage.Snapshot `json:"snapshot"`
}

// QuotaReachedEvent is published when an event was blocked by a cap
type QuotaReachedEvent struct {
	RequestID       string `json:"request_id,omitempty"`
	DeviceID        string `json:"device_id"`
	BillingDay      int    `json:"billing_day"`
	DailyEventCap   int64  `json:"daily_event_cap"`
	MonthlyEventCap int64  `json:"monthly_event_cap"`
	OccurredAt      string `json:"occurred_at"`
}

// CountersUpdated publishes a CountersUpdatedEvent
func (p *Publisher) CountersUpdated(ctx context.Context, snapshot usage.Snapshot) error {
	event := CountersUpdatedEvent{
		RequestID: logging.RequestIDFromContext(ctx),
		Snapshot:  snapshot,
	}
	return p.publish(ctx, p.updatedRoutingKey, snapshot.DeviceID, event)
}

// QuotaReached publishes a QuotaReachedEvent
func (p *Publisher) QuotaReached(ctx context.Context, deviceID string, profile usage.LimitationProfile) error {
	event := QuotaReachedEvent{
		RequestID:       logging.RequestIDFromContext(ctx),
		DeviceID:        deviceID,
		BillingDay:      profile.BillingDayOfMonth,
		DailyEventCap:   profile.DailyEventCap,
		MonthlyEventCap: profile.MonthlyEventCap,
		OccurredAt:      time.Now().UTC().Format(time.RFC3339),
	}
	return p.publish(ctx, p.reachedRoutingKey, deviceID, event)
}

func (p *Publisher) publish(ctx context.Context, routingKey, deviceID string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			CorrelationId: logging.RequestIDFromContext(ctx),
			Timestamp:     time.Now().UTC(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Debug("published usage event",
		zap.String("routing_key", routingKey),
		zap.String("device_id", deviceID),
	)

	return nil
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
