package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harborline/storefront/pkg/httpclient"
)

// Charge statuses reported by the provider.
const (
	ChargeSucceeded = "succeeded"
	ChargeFailed    = "failed"
	ChargePending   = "pending"
)

// Provider is the outbound surface of the payment provider: refunds and
// charge lookups for manual reconciliation.
type Provider interface {
	Refund(ctx context.Context, paymentRef string, amount int64) error
	VerifyCharge(ctx context.Context, paymentRef string) (string, error)
}

// Config holds provider client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the payment provider's REST API behind a circuit breaker.
// Every call carries its own deadline; a tripped breaker or timeout surfaces
// as an error, never as a guessed charge outcome.
type Client struct {
	http    *httpclient.CircuitBreakerClient
	baseURL string
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, http *httpclient.CircuitBreakerClient, logger *slog.Logger) *Client {
	return &Client{
		http:    http,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		timeout: cfg.Timeout,
		logger:  logger,
	}
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

type chargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Refund asks the provider to refund the full charge.
func (c *Client) Refund(ctx context.Context, paymentRef string, amount int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(refundRequest{Amount: amount})
	if err != nil {
		return fmt.Errorf("marshal refund request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/charges/%s/refunds", c.baseURL, paymentRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create refund request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("refund charge %s: %w", paymentRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("refund charge %s: provider returned %d: %s", paymentRef, resp.StatusCode, string(detail))
	}

	c.logger.InfoContext(ctx, "provider refund accepted",
		slog.String("payment_ref", paymentRef),
		slog.Int64("amount", amount),
	)

	return nil
}

// VerifyCharge fetches the authoritative charge status from the provider.
func (c *Client) VerifyCharge(ctx context.Context, paymentRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/charges/%s", c.baseURL, paymentRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create charge lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("verify charge %s: %w", paymentRef, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("verify charge %s: provider returned %d", paymentRef, resp.StatusCode)
	}

	var charge chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return "", fmt.Errorf("decode charge response: %w", err)
	}

	return charge.Status, nil
}
