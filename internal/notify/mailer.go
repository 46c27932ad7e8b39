package notify

import (
	"context"
	"log/slog"
)

// Mailer sends customer-facing notifications. The concrete transport lives
// behind this interface so order and payment flows stay testable.
type Mailer interface {
	SendOrderConfirmation(ctx context.Context, email, orderNumber string, totalAmount int64) error
	SendOrderStatusUpdate(ctx context.Context, email, orderNumber, status string) error
	SendPaymentReceipt(ctx context.Context, email, orderNumber string, amount int64) error
}

// LogMailer is the development Mailer: it logs the message instead of
// delivering it.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a log-only mailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) SendOrderConfirmation(ctx context.Context, email, orderNumber string, totalAmount int64) error {
	m.logger.InfoContext(ctx, "order confirmation email",
		slog.String("email", email),
		slog.String("order_number", orderNumber),
		slog.Int64("total_amount", totalAmount),
	)
	return nil
}

func (m *LogMailer) SendOrderStatusUpdate(ctx context.Context, email, orderNumber, status string) error {
	m.logger.InfoContext(ctx, "order status email",
		slog.String("email", email),
		slog.String("order_number", orderNumber),
		slog.String("status", status),
	)
	return nil
}

func (m *LogMailer) SendPaymentReceipt(ctx context.Context, email, orderNumber string, amount int64) error {
	m.logger.InfoContext(ctx, "payment receipt email",
		slog.String("email", email),
		slog.String("order_number", orderNumber),
		slog.Int64("amount", amount),
	)
	return nil
}
