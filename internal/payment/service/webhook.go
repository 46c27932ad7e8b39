package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	orderdomain "github.com/harborline/storefront/internal/order/domain"
	"github.com/harborline/storefront/internal/payment/domain"
	"github.com/harborline/storefront/internal/payment/provider"
	"github.com/harborline/storefront/internal/payment/repository"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
)

// OrderGateway is the slice of the order service the payment flows drive:
// the shared payment state machine plus its post-commit notifications.
type OrderGateway interface {
	GetOrder(ctx context.Context, id string) (*orderdomain.Order, error)
	ApplyPaymentTransition(ctx context.Context, q database.Querier, orderID, target string, paymentRef *string) (*orderdomain.Order, bool, error)
	ApplyPaymentTransitionByRef(ctx context.Context, q database.Querier, paymentRef, target string) (*orderdomain.Order, bool, error)
	DispatchPaymentEffects(ctx context.Context, order *orderdomain.Order)
}

// WebhookService processes provider webhooks and manual payment
// reconciliation.
type WebhookService struct {
	repo         repository.WebhookEventRepository
	orders       OrderGateway
	provider     provider.Provider
	pool         database.DBTX
	secret       []byte
	providerName string
	logger       *slog.Logger
}

// NewWebhookService creates a new webhook service.
func NewWebhookService(
	repo repository.WebhookEventRepository,
	orders OrderGateway,
	prov provider.Provider,
	pool database.DBTX,
	secret []byte,
	providerName string,
	logger *slog.Logger,
) *WebhookService {
	return &WebhookService{
		repo:         repo,
		orders:       orders,
		provider:     prov,
		pool:         pool,
		secret:       secret,
		providerName: providerName,
		logger:       logger,
	}
}

// Handle processes one webhook delivery. The signature is verified over the
// exact raw bytes before anything is parsed or touched in the database; a
// mismatch is a generic 400. Everything after verification runs in a single
// transaction keyed on the (provider, external_ref, event_type) row, so a
// redelivered event is a committed no-op and a half-processed one is retried
// whole.
func (s *WebhookService) Handle(ctx context.Context, rawBody []byte, signature string) error {
	if !domain.VerifySignature(s.secret, rawBody, signature) {
		s.logger.WarnContext(ctx, "webhook signature verification failed",
			slog.String("provider", s.providerName),
			slog.Int("body_bytes", len(rawBody)),
		)
		webhookEventsTotal.WithLabelValues("unknown", "rejected_signature").Inc()
		return apperrors.InvalidInput("invalid webhook request")
	}

	payload, err := domain.ParsePayload(rawBody)
	if err != nil {
		webhookEventsTotal.WithLabelValues("unknown", "unparseable").Inc()
		return apperrors.InvalidInput("invalid webhook request")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin webhook transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	event, err := s.repo.GetForUpdate(ctx, tx, s.providerName, payload.Data.ChargeID, payload.Type)
	switch {
	case err == nil:
		if event.IsProcessed {
			s.logger.InfoContext(ctx, "webhook event replayed, ignoring",
				slog.String("external_ref", payload.Data.ChargeID),
				slog.String("event_type", payload.Type),
			)
			webhookEventsTotal.WithLabelValues(payload.Type, "replayed").Inc()
			return nil
		}
		// Recorded but unprocessed: a previous attempt died before commit.
	case errors.Is(err, apperrors.ErrNotFound):
		event = &domain.WebhookEvent{
			ID:          uuid.New().String(),
			Provider:    s.providerName,
			ExternalRef: payload.Data.ChargeID,
			EventType:   payload.Type,
			RawPayload:  rawBody,
			ReceivedAt:  time.Now().UTC(),
		}
		if err := s.repo.Insert(ctx, tx, event); err != nil {
			return err
		}
	default:
		return err
	}

	changedOrder, err := s.applyEvent(ctx, tx, payload)
	if err != nil {
		webhookEventsTotal.WithLabelValues(payload.Type, "failed").Inc()
		return err
	}

	if err := s.repo.MarkProcessed(ctx, tx, event.ID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit webhook transaction: %w", err)
	}

	if changedOrder != nil {
		webhookEventsTotal.WithLabelValues(payload.Type, "processed").Inc()
		s.orders.DispatchPaymentEffects(ctx, changedOrder)
	} else {
		webhookEventsTotal.WithLabelValues(payload.Type, "acknowledged").Inc()
	}

	return nil
}

// applyEvent runs the order mutation for one event type. Events the order
// can never accept (out-of-order delivery, unknown references, unknown
// types) are acknowledged and logged rather than bounced back to the
// provider: a retry would fail the same way forever.
func (s *WebhookService) applyEvent(ctx context.Context, q database.Querier, payload *domain.WebhookPayload) (*orderdomain.Order, error) {
	var target string
	switch payload.Type {
	case domain.EventChargeSucceeded:
		target = orderdomain.PaymentPaid
	case domain.EventChargeFailed:
		target = orderdomain.PaymentFailed
	default:
		s.logger.InfoContext(ctx, "unhandled webhook event type, acknowledging",
			slog.String("event_type", payload.Type),
		)
		return nil, nil
	}

	// The provider echoes the order id from the charge metadata. Resolving by
	// id lets the first delivery attach the charge id as the order's payment
	// reference; later events for the same charge can still land by reference
	// if the metadata is missing.
	var (
		order   *orderdomain.Order
		changed bool
		err     error
	)
	if payload.Data.OrderID != "" {
		order, changed, err = s.orders.ApplyPaymentTransition(ctx, q, payload.Data.OrderID, target, &payload.Data.ChargeID)
	} else {
		order, changed, err = s.orders.ApplyPaymentTransitionByRef(ctx, q, payload.Data.ChargeID, target)
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.WarnContext(ctx, "webhook references unknown charge, acknowledging",
				slog.String("order_id", payload.Data.OrderID),
				slog.String("external_ref", payload.Data.ChargeID),
			)
			return nil, nil
		}
		if errors.Is(err, apperrors.ErrConflict) {
			s.logger.WarnContext(ctx, "webhook transition rejected by payment state machine, acknowledging",
				slog.String("external_ref", payload.Data.ChargeID),
				slog.String("target", target),
			)
			return nil, nil
		}
		return nil, err
	}

	if !changed {
		return nil, nil
	}
	return order, nil
}

// VerifyPayment is the admin reconciliation path: ask the provider for the
// authoritative charge status and apply it through the same state machine the
// webhook uses. force skips the provider and marks the order paid directly.
func (s *WebhookService) VerifyPayment(ctx context.Context, orderID string, force bool) (*orderdomain.Order, error) {
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	target := orderdomain.PaymentPaid
	if force {
		s.logger.WarnContext(ctx, "forced payment verification override",
			slog.String("order_id", orderID),
		)
	} else {
		if order.PaymentRef == nil {
			return nil, apperrors.InvalidInput("order has no payment reference to verify")
		}

		status, err := s.provider.VerifyCharge(ctx, *order.PaymentRef)
		if err != nil {
			// Unknown outcome: the charge may or may not have succeeded.
			// Leave the order untouched and let the admin retry.
			return nil, apperrors.Unavailable("payment provider unavailable, order left unchanged")
		}

		switch status {
		case provider.ChargeSucceeded:
			target = orderdomain.PaymentPaid
		case provider.ChargeFailed:
			target = orderdomain.PaymentFailed
		default:
			s.logger.InfoContext(ctx, "charge still pending at provider",
				slog.String("order_id", orderID),
				slog.String("status", status),
			)
			return order, nil
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin verify transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, changed, err := s.orders.ApplyPaymentTransition(ctx, tx, orderID, target, nil)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit verify transaction: %w", err)
	}

	if changed {
		s.orders.DispatchPaymentEffects(ctx, updated)
	}

	return updated, nil
}
