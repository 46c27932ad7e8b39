package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/harborline/storefront/internal/cart/domain"
	pkgkafka "github.com/harborline/storefront/pkg/kafka"
)

// Kafka topics for cart domain events.
var (
	TopicCartUpdated = pkgkafka.Topic("cart", "updated")
	TopicCartCleared = pkgkafka.Topic("cart", "cleared")
)

// Aggregate type constant.
const AggregateTypeCart = "cart"

// Source identifier for events originating from the cart engine.
const SourceCart = "cart"

// CartUpdatedData is the payload for a cart.updated event.
type CartUpdatedData struct {
	Owner     string         `json:"owner"`
	Items     []CartItemData `json:"items"`
	ItemCount int            `json:"item_count"`
	Subtotal  int64          `json:"subtotal"`
	Currency  string         `json:"currency"`
}

// CartItemData is the item payload within cart events.
type CartItemData struct {
	VariantID string `json:"variant_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

// CartClearedData is the payload for a cart.cleared event.
type CartClearedData struct {
	Owner string `json:"owner"`
}

// Producer publishes cart domain events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer for the cart engine.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishCartUpdated publishes a cart.updated event.
func (p *Producer) PublishCartUpdated(ctx context.Context, cart *domain.Cart) error {
	items := make([]CartItemData, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = CartItemData{
			VariantID: item.VariantID,
			Name:      item.Name,
			SKU:       item.SKU,
			Price:     item.Price,
			Quantity:  item.Quantity,
		}
	}

	data := CartUpdatedData{
		Owner:     cart.Owner.Key(),
		Items:     items,
		ItemCount: cart.ItemCount(),
		Subtotal:  cart.Subtotal(),
		Currency:  cart.Currency,
	}

	event, err := pkgkafka.NewEvent(TopicCartUpdated, cart.Owner.Key(), AggregateTypeCart, SourceCart, data)
	if err != nil {
		return fmt.Errorf("create cart.updated event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartUpdated, event); err != nil {
		return fmt.Errorf("publish cart.updated event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.updated event",
		slog.String("owner", cart.Owner.Key()),
		slog.Int("item_count", cart.ItemCount()),
	)

	return nil
}

// PublishCartCleared publishes a cart.cleared event.
func (p *Producer) PublishCartCleared(ctx context.Context, owner domain.Owner) error {
	data := CartClearedData{Owner: owner.Key()}

	event, err := pkgkafka.NewEvent(TopicCartCleared, owner.Key(), AggregateTypeCart, SourceCart, data)
	if err != nil {
		return fmt.Errorf("create cart.cleared event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicCartCleared, event); err != nil {
		return fmt.Errorf("publish cart.cleared event: %w", err)
	}

	p.logger.DebugContext(ctx, "published cart.cleared event",
		slog.String("owner", owner.Key()),
	)

	return nil
}
