package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/harborline/storefront/internal/payment/domain"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// WebhookEventRepository implements repository.WebhookEventRepository using
// PostgreSQL.
type WebhookEventRepository struct{}

// NewWebhookEventRepository creates a new PostgreSQL-backed webhook event
// repository. It holds no connection of its own; every call runs on the
// caller's transaction.
func NewWebhookEventRepository() *WebhookEventRepository {
	return &WebhookEventRepository{}
}

// GetForUpdate row-locks the event with the given dedup key.
func (r *WebhookEventRepository) GetForUpdate(ctx context.Context, q database.Querier, provider, externalRef, eventType string) (*domain.WebhookEvent, error) {
	query := `
		SELECT id, provider, external_ref, event_type, raw_payload, is_processed, received_at
		FROM webhook_events
		WHERE provider = $1 AND external_ref = $2 AND event_type = $3
		FOR UPDATE`

	var e domain.WebhookEvent
	err := q.QueryRow(ctx, query, provider, externalRef, eventType).Scan(
		&e.ID,
		&e.Provider,
		&e.ExternalRef,
		&e.EventType,
		&e.RawPayload,
		&e.IsProcessed,
		&e.ReceivedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}

	return &e, nil
}

// Insert records a newly received event.
func (r *WebhookEventRepository) Insert(ctx context.Context, q database.Querier, e *domain.WebhookEvent) error {
	query := `
		INSERT INTO webhook_events (id, provider, external_ref, event_type, raw_payload, is_processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := q.Exec(ctx, query,
		e.ID,
		e.Provider,
		e.ExternalRef,
		e.EventType,
		e.RawPayload,
		e.IsProcessed,
		e.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}

	return nil
}

// MarkProcessed flips is_processed on the locked event row.
func (r *WebhookEventRepository) MarkProcessed(ctx context.Context, q database.Querier, id string) error {
	ct, err := q.Exec(ctx, `UPDATE webhook_events SET is_processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("webhook event", id)
	}

	return nil
}
