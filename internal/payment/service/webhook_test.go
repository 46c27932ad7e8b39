package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/storefront/internal/notify"
	orderdomain "github.com/harborline/storefront/internal/order/domain"
	orderpg "github.com/harborline/storefront/internal/order/repository/postgres"
	orderservice "github.com/harborline/storefront/internal/order/service"
	"github.com/harborline/storefront/internal/payment/domain"
	"github.com/harborline/storefront/internal/payment/provider"
	paymentpg "github.com/harborline/storefront/internal/payment/repository/postgres"
	"github.com/harborline/storefront/pkg/database"
	apperrors "github.com/harborline/storefront/pkg/errors"
	pkgkafka "github.com/harborline/storefront/pkg/kafka"
	"github.com/harborline/storefront/pkg/logger"
)

var testSecret = []byte("whsec_test")

const testOrderID = "a0000000-0000-0000-0000-00000000000a"

// --- Mocks ---

type mockWebhookRepo struct {
	existing      *domain.WebhookEvent
	inserted      []*domain.WebhookEvent
	processedIDs  []string
	getCalls      int
	insertCalls   int
	markProcCalls int
}

func (m *mockWebhookRepo) GetForUpdate(ctx context.Context, q database.Querier, provider, externalRef, eventType string) (*domain.WebhookEvent, error) {
	m.getCalls++
	if m.existing == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.existing, nil
}

func (m *mockWebhookRepo) Insert(ctx context.Context, q database.Querier, e *domain.WebhookEvent) error {
	m.insertCalls++
	m.inserted = append(m.inserted, e)
	return nil
}

func (m *mockWebhookRepo) MarkProcessed(ctx context.Context, q database.Querier, id string) error {
	m.markProcCalls++
	m.processedIDs = append(m.processedIDs, id)
	return nil
}

type transitionCall struct {
	Ref     string
	OrderID string
	Target  string
}

type mockOrderGateway struct {
	order         *orderdomain.Order
	changed       bool
	transitionErr error
	byRefCalls    []transitionCall
	byIDCalls     []transitionCall
	dispatched    []*orderdomain.Order
}

func (m *mockOrderGateway) GetOrder(ctx context.Context, id string) (*orderdomain.Order, error) {
	if m.order == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.order, nil
}

func (m *mockOrderGateway) ApplyPaymentTransition(ctx context.Context, q database.Querier, orderID, target string, paymentRef *string) (*orderdomain.Order, bool, error) {
	call := transitionCall{OrderID: orderID, Target: target}
	if paymentRef != nil {
		call.Ref = *paymentRef
	}
	m.byIDCalls = append(m.byIDCalls, call)
	if m.transitionErr != nil {
		return nil, false, m.transitionErr
	}
	m.order.PaymentStatus = target
	return m.order, m.changed, nil
}

func (m *mockOrderGateway) ApplyPaymentTransitionByRef(ctx context.Context, q database.Querier, paymentRef, target string) (*orderdomain.Order, bool, error) {
	m.byRefCalls = append(m.byRefCalls, transitionCall{Ref: paymentRef, Target: target})
	if m.transitionErr != nil {
		return nil, false, m.transitionErr
	}
	m.order.PaymentStatus = target
	return m.order, m.changed, nil
}

func (m *mockOrderGateway) DispatchPaymentEffects(ctx context.Context, order *orderdomain.Order) {
	m.dispatched = append(m.dispatched, order)
}

type mockProvider struct {
	status string
	err    error
	calls  int
}

func (m *mockProvider) Refund(ctx context.Context, paymentRef string, amount int64) error {
	return nil
}

func (m *mockProvider) VerifyCharge(ctx context.Context, paymentRef string) (string, error) {
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	return m.status, nil
}

func newTestService(t *testing.T) (*WebhookService, *mockWebhookRepo, *mockOrderGateway, *mockProvider, pgxmock.PgxPoolIface) {
	t.Helper()

	pool, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	repo := &mockWebhookRepo{}
	ref := "ch_abc"
	gateway := &mockOrderGateway{
		order: &orderdomain.Order{
			ID:            testOrderID,
			Number:        "ORD-TEST",
			PaymentStatus: orderdomain.PaymentPending,
			PaymentRef:    &ref,
			ContactEmail:  "jo@example.com",
		},
		changed: true,
	}
	prov := &mockProvider{status: provider.ChargeSucceeded}

	svc := NewWebhookService(repo, gateway, prov, pool, testSecret, "stripe", logger.New("payment-test", "error"))
	return svc, repo, gateway, prov, pool
}

func signedBody(eventType, chargeID string) ([]byte, string) {
	body := []byte(fmt.Sprintf(`{"id":"evt_1","type":"%s","data":{"charge_id":"%s","amount":6500}}`, eventType, chargeID))
	return body, domain.Sign(testSecret, body)
}

func signedBodyWithOrder(eventType, chargeID, orderID string) ([]byte, string) {
	body := []byte(fmt.Sprintf(`{"id":"evt_2","type":"%s","data":{"charge_id":"%s","order_id":"%s","amount":6500}}`, eventType, chargeID, orderID))
	return body, domain.Sign(testSecret, body)
}

// --- Handle ---

func TestHandle_TamperedSignatureRejectedBeforeAnyWork(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)

	body, _ := signedBody(domain.EventChargeSucceeded, "ch_abc")

	err := svc.Handle(context.Background(), body, domain.Sign([]byte("wrong secret"), body))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)

	// Nothing touched: no transaction, no repository calls, no transitions.
	assert.Equal(t, 0, repo.getCalls)
	assert.Empty(t, gateway.byRefCalls)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestHandle_UnparseableSignedBody(t *testing.T) {
	svc, repo, _, _, _ := newTestService(t)

	body := []byte(`{"garbage":`)
	err := svc.Handle(context.Background(), body, domain.Sign(testSecret, body))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusBadRequest, appErr.Status)
	assert.Equal(t, 0, repo.getCalls)
}

func TestHandle_ChargeSucceeded(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)

	pool.ExpectBegin()
	pool.ExpectCommit()

	body, sig := signedBody(domain.EventChargeSucceeded, "ch_abc")
	require.NoError(t, svc.Handle(context.Background(), body, sig))

	require.Len(t, repo.inserted, 1)
	assert.Equal(t, "stripe", repo.inserted[0].Provider)
	assert.Equal(t, "ch_abc", repo.inserted[0].ExternalRef)
	assert.Equal(t, domain.EventChargeSucceeded, repo.inserted[0].EventType)
	assert.JSONEq(t, string(body), string(repo.inserted[0].RawPayload))

	require.Len(t, gateway.byRefCalls, 1)
	assert.Equal(t, orderdomain.PaymentPaid, gateway.byRefCalls[0].Target)
	assert.Equal(t, 1, repo.markProcCalls)

	// Notifications fire only after the commit.
	require.Len(t, gateway.dispatched, 1)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestHandle_OrderIDRoutesByIDAndAttachesRef(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)

	pool.ExpectBegin()
	pool.ExpectCommit()

	body, sig := signedBodyWithOrder(domain.EventChargeSucceeded, "ch_abc", testOrderID)
	require.NoError(t, svc.Handle(context.Background(), body, sig))

	require.Len(t, gateway.byIDCalls, 1)
	assert.Equal(t, testOrderID, gateway.byIDCalls[0].OrderID)
	assert.Equal(t, orderdomain.PaymentPaid, gateway.byIDCalls[0].Target)
	assert.Equal(t, "ch_abc", gateway.byIDCalls[0].Ref,
		"charge id must be attached as the order's payment reference")
	assert.Empty(t, gateway.byRefCalls)
	assert.Equal(t, 1, repo.markProcCalls)
}

func TestHandle_ChargeFailed(t *testing.T) {
	svc, _, gateway, _, pool := newTestService(t)

	pool.ExpectBegin()
	pool.ExpectCommit()

	body, sig := signedBody(domain.EventChargeFailed, "ch_abc")
	require.NoError(t, svc.Handle(context.Background(), body, sig))

	require.Len(t, gateway.byRefCalls, 1)
	assert.Equal(t, orderdomain.PaymentFailed, gateway.byRefCalls[0].Target)
}

func TestHandle_ReplayIsNoop(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)
	repo.existing = &domain.WebhookEvent{
		ID:          "e0000000-0000-0000-0000-00000000000e",
		Provider:    "stripe",
		ExternalRef: "ch_abc",
		EventType:   domain.EventChargeSucceeded,
		IsProcessed: true,
		ReceivedAt:  time.Now().UTC(),
	}

	pool.ExpectBegin()
	pool.ExpectRollback()

	body, sig := signedBody(domain.EventChargeSucceeded, "ch_abc")
	require.NoError(t, svc.Handle(context.Background(), body, sig), "replay must return success")

	assert.Empty(t, gateway.byRefCalls, "replay must not touch the order")
	assert.Equal(t, 0, repo.markProcCalls)
	assert.Equal(t, 0, repo.insertCalls)
	assert.Empty(t, gateway.dispatched)
}

func TestHandle_UnprocessedEventIsRetried(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)
	repo.existing = &domain.WebhookEvent{
		ID:          "e0000000-0000-0000-0000-00000000000e",
		Provider:    "stripe",
		ExternalRef: "ch_abc",
		EventType:   domain.EventChargeSucceeded,
		IsProcessed: false,
	}

	pool.ExpectBegin()
	pool.ExpectCommit()

	body, sig := signedBody(domain.EventChargeSucceeded, "ch_abc")
	require.NoError(t, svc.Handle(context.Background(), body, sig))

	assert.Equal(t, 0, repo.insertCalls, "existing row is reused")
	require.Len(t, gateway.byRefCalls, 1)
	assert.Equal(t, []string{"e0000000-0000-0000-0000-00000000000e"}, repo.processedIDs)
}

func TestHandle_UnknownEventTypeAcked(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)

	pool.ExpectBegin()
	pool.ExpectCommit()

	body, sig := signedBody("charge.disputed", "ch_abc")
	require.NoError(t, svc.Handle(context.Background(), body, sig))

	assert.Empty(t, gateway.byRefCalls)
	assert.Equal(t, 1, repo.markProcCalls, "unknown types are recorded and acked")
	assert.Empty(t, gateway.dispatched)
}

func TestHandle_OutOfOrderDeliveryAcked(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)
	gateway.transitionErr = &apperrors.AppError{
		Code:   "STATE_CONFLICT",
		Status: http.StatusConflict,
		Err:    apperrors.ErrConflict,
	}

	pool.ExpectBegin()
	pool.ExpectCommit()

	// charge.failed arriving after the order is already paid.
	body, sig := signedBody(domain.EventChargeFailed, "ch_abc")
	require.NoError(t, svc.Handle(context.Background(), body, sig), "a permanent conflict must not trigger provider retries")

	assert.Equal(t, 1, repo.markProcCalls)
	assert.Empty(t, gateway.dispatched)
}

func TestHandle_UnknownChargeAcked(t *testing.T) {
	svc, repo, _, _, pool := newTestService(t)
	svcGateway := &mockOrderGateway{transitionErr: apperrors.ErrNotFound}
	svc.orders = svcGateway

	pool.ExpectBegin()
	pool.ExpectCommit()

	body, sig := signedBody(domain.EventChargeSucceeded, "ch_nobody")
	require.NoError(t, svc.Handle(context.Background(), body, sig))
	assert.Equal(t, 1, repo.markProcCalls)
}

func TestHandle_TransitionFailureRollsBack(t *testing.T) {
	svc, repo, gateway, _, pool := newTestService(t)
	gateway.transitionErr = errors.New("connection reset")

	pool.ExpectBegin()
	pool.ExpectRollback()

	body, sig := signedBody(domain.EventChargeSucceeded, "ch_abc")
	err := svc.Handle(context.Background(), body, sig)
	require.Error(t, err)

	assert.Equal(t, 0, repo.markProcCalls, "event stays unprocessed for the provider's retry")
	assert.Empty(t, gateway.dispatched)
	assert.NoError(t, pool.ExpectationsWereMet())
}

// --- Handle against the real order pipeline ---

func TestHandle_SameChargeDeliveredTwiceMarksOrderPaidOnce(t *testing.T) {
	pool, err := database.NewMockPool()
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	log := logger.New("payment-test", "error")
	dispatcher := notify.NewDispatcher(log, 100*time.Millisecond)
	t.Cleanup(dispatcher.Wait)

	// A Kafka producer with no reachable broker: publishes fail and are logged.
	kafkaCfg := pkgkafka.DefaultProducerConfig([]string{"localhost:9092"})
	broadcaster := notify.NewBroadcaster(pkgkafka.NewProducer(kafkaCfg, log), log)

	orders := orderservice.NewOrderService(
		orderpg.NewOrderRepository(pool), pool, nil, nil, nil, nil,
		dispatcher, notify.NewLogMailer(log), broadcaster,
		orderservice.Policy{}, log,
	)
	svc := NewWebhookService(
		paymentpg.NewWebhookEventRepository(), orders, &mockProvider{},
		pool, testSecret, "stripe", log,
	)

	const chargeID = "ch_pipeline"
	body, sig := signedBodyWithOrder(domain.EventChargeSucceeded, chargeID, testOrderID)
	now := time.Now().UTC()

	orderColumns := []string{
		"id", "number", "user_id", "guest_email", "status", "payment_status",
		"payment_method", "payment_ref", "coupon_code", "subtotal_amount",
		"discount_amount", "shipping_amount", "tax_amount", "total_amount",
		"currency", "shipping_address", "billing_address", "contact_name",
		"contact_email", "contact_phone", "cancel_reason", "created_at", "updated_at",
	}
	shippingJSON := []byte(`{"full_name":"Jo Harper","address_line":"1 Pier Rd","city":"Harborline","state":"","postal_code":"","country":"US"}`)

	// First delivery: the order is fetched by id, flipped to paid, and the
	// charge id is written through as its payment reference.
	pool.ExpectBegin()
	pool.ExpectQuery(`FROM webhook_events`).
		WithArgs("stripe", chargeID, domain.EventChargeSucceeded).
		WillReturnError(pgx.ErrNoRows)
	pool.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs(pgxmock.AnyArg(), "stripe", chargeID, domain.EventChargeSucceeded, json.RawMessage(body), false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	pool.ExpectQuery(`FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(testOrderID).
		WillReturnRows(pgxmock.NewRows(orderColumns).AddRow(
			testOrderID, "ORD-TEST", nil, nil, orderdomain.StatusPending, orderdomain.PaymentPending,
			orderdomain.PaymentMethodCard, nil, nil, int64(6000),
			int64(0), int64(500), int64(0), int64(6500),
			"USD", shippingJSON, nil, "Jo Harper",
			"jo@example.com", nil, nil, now, now,
		))
	pool.ExpectQuery(`FROM order_items WHERE order_id = \$1`).
		WithArgs(testOrderID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "order_id", "variant_id", "name", "sku", "price", "quantity", "attributes", "subtotal",
		}).AddRow(
			"d0000000-0000-0000-0000-00000000000d", testOrderID, "b0000000-0000-0000-0000-00000000000b",
			"Canvas Tote", "TOTE-01", int64(3000), 2, []byte(`{}`), int64(6000),
		))
	ref := chargeID
	pool.ExpectExec(`UPDATE orders SET payment_status`).
		WithArgs(orderdomain.PaymentPaid, &ref, pgxmock.AnyArg(), testOrderID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectExec(`UPDATE webhook_events SET is_processed`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	pool.ExpectCommit()

	require.NoError(t, svc.Handle(context.Background(), body, sig))

	// Redelivery of the exact same signed body: the processed event row is
	// found under lock and the orders table is never touched again.
	pool.ExpectBegin()
	pool.ExpectQuery(`FROM webhook_events`).
		WithArgs("stripe", chargeID, domain.EventChargeSucceeded).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "provider", "external_ref", "event_type", "raw_payload", "is_processed", "received_at",
		}).AddRow(
			"e0000000-0000-0000-0000-00000000000e", "stripe", chargeID, domain.EventChargeSucceeded, body, true, now,
		))
	pool.ExpectRollback()

	require.NoError(t, svc.Handle(context.Background(), body, sig))
	assert.NoError(t, pool.ExpectationsWereMet())
}

// --- VerifyPayment ---

func TestVerifyPayment_Succeeded(t *testing.T) {
	svc, _, gateway, prov, pool := newTestService(t)

	pool.ExpectBegin()
	pool.ExpectCommit()

	order, err := svc.VerifyPayment(context.Background(), testOrderID, false)
	require.NoError(t, err)

	assert.Equal(t, 1, prov.calls)
	assert.Equal(t, orderdomain.PaymentPaid, order.PaymentStatus)
	require.Len(t, gateway.byIDCalls, 1)
	assert.Equal(t, orderdomain.PaymentPaid, gateway.byIDCalls[0].Target)
	require.Len(t, gateway.dispatched, 1)
}

func TestVerifyPayment_ProviderDownLeavesOrderUntouched(t *testing.T) {
	svc, _, gateway, prov, pool := newTestService(t)
	prov.err = errors.New("request timed out")

	_, err := svc.VerifyPayment(context.Background(), testOrderID, false)
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, http.StatusServiceUnavailable, appErr.Status)

	assert.Empty(t, gateway.byIDCalls, "unknown outcome must not move the state machine")
	assert.NoError(t, pool.ExpectationsWereMet(), "no transaction is opened")
}

func TestVerifyPayment_PendingChargeNoChange(t *testing.T) {
	svc, _, gateway, prov, pool := newTestService(t)
	prov.status = provider.ChargePending

	order, err := svc.VerifyPayment(context.Background(), testOrderID, false)
	require.NoError(t, err)

	assert.Equal(t, orderdomain.PaymentPending, order.PaymentStatus)
	assert.Empty(t, gateway.byIDCalls)
	assert.NoError(t, pool.ExpectationsWereMet())
}

func TestVerifyPayment_ForceSkipsProvider(t *testing.T) {
	svc, _, gateway, prov, pool := newTestService(t)

	pool.ExpectBegin()
	pool.ExpectCommit()

	order, err := svc.VerifyPayment(context.Background(), testOrderID, true)
	require.NoError(t, err)

	assert.Equal(t, 0, prov.calls)
	assert.Equal(t, orderdomain.PaymentPaid, order.PaymentStatus)
	require.Len(t, gateway.byIDCalls, 1)
}

func TestVerifyPayment_NoPaymentRef(t *testing.T) {
	svc, _, gateway, _, _ := newTestService(t)
	gateway.order.PaymentRef = nil

	_, err := svc.VerifyPayment(context.Background(), testOrderID, false)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
