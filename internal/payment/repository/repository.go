package repository

import (
	"context"

	"github.com/harborline/storefront/internal/payment/domain"
	"github.com/harborline/storefront/pkg/database"
)

// WebhookEventRepository persists received webhook events. All methods take a
// database.Querier: the webhook processor locks the event row and flips the
// order's payment status in one transaction.
type WebhookEventRepository interface {
	// GetForUpdate row-locks the event with the given dedup key, or returns
	// ErrNotFound if this is the first delivery.
	GetForUpdate(ctx context.Context, q database.Querier, provider, externalRef, eventType string) (*domain.WebhookEvent, error)

	// Insert records a newly received event, unprocessed.
	Insert(ctx context.Context, q database.Querier, e *domain.WebhookEvent) error

	// MarkProcessed flips is_processed. Committed together with whatever
	// order mutation the event caused.
	MarkProcessed(ctx context.Context, q database.Querier, id string) error
}
