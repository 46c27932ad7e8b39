package notify

import (
	"context"
	"fmt"
	"log/slog"

	pkgkafka "github.com/harborline/storefront/pkg/kafka"
)

// Kafka topics for order lifecycle events and the admin dashboard feed.
var (
	TopicAdminBroadcast = pkgkafka.Topic("admin", "broadcast")
)

// Aggregate type constant.
const AggregateTypeOrder = "order"

// Source identifier for events originating from the order flow.
const SourceOrders = "orders"

// Broadcaster publishes order lifecycle events and admin dashboard
// broadcasts to Kafka.
type Broadcaster struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(kafka *pkgkafka.Producer, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishOrderEvent publishes an order lifecycle event, e.g. action
// "created" goes to the order.created topic keyed by the order id.
func (b *Broadcaster) PublishOrderEvent(ctx context.Context, action, orderID string, data any) error {
	topic := pkgkafka.Topic("order", action)

	event, err := pkgkafka.NewEvent(topic, orderID, AggregateTypeOrder, SourceOrders, data)
	if err != nil {
		return fmt.Errorf("create order.%s event: %w", action, err)
	}

	if err := b.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish order.%s event: %w", action, err)
	}

	b.logger.DebugContext(ctx, "published order event",
		slog.String("action", action),
		slog.String("order_id", orderID),
	)

	return nil
}

// PublishAdminBroadcast pushes a message onto the admin dashboard feed.
func (b *Broadcaster) PublishAdminBroadcast(ctx context.Context, kind string, data any) error {
	event, err := pkgkafka.NewEvent(kind, kind, "admin", SourceOrders, data)
	if err != nil {
		return fmt.Errorf("create admin broadcast: %w", err)
	}

	if err := b.kafka.Publish(ctx, TopicAdminBroadcast, event); err != nil {
		return fmt.Errorf("publish admin broadcast: %w", err)
	}

	return nil
}
