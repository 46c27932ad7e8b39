package domain

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Webhook event types in the provider's closed set. Anything else is
// acknowledged and recorded without touching an order.
const (
	EventChargeSucceeded = "charge.succeeded"
	EventChargeFailed    = "charge.failed"
)

// WebhookEvent is the durable record of a received provider notification.
// The unique (provider, external_ref, event_type) key is what makes redelivery
// idempotent.
type WebhookEvent struct {
	ID          string          `json:"id"`
	Provider    string          `json:"provider"`
	ExternalRef string          `json:"external_ref"`
	EventType   string          `json:"event_type"`
	RawPayload  json.RawMessage `json:"raw_payload"`
	IsProcessed bool            `json:"is_processed"`
	ReceivedAt  time.Time       `json:"received_at"`
}

// WebhookPayload is the parsed body of a provider notification.
type WebhookPayload struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		ChargeID string `json:"charge_id"`
		OrderID  string `json:"order_id"`
		Amount   int64  `json:"amount"`
	} `json:"data"`
}

// ParsePayload decodes a webhook body. Callers must verify the signature
// over the raw bytes first; parsing happens only on authenticated input.
func ParsePayload(raw []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}
	if p.Type == "" {
		return nil, fmt.Errorf("webhook payload has no event type")
	}
	if p.Data.ChargeID == "" {
		return nil, fmt.Errorf("webhook payload has no charge id")
	}
	return &p, nil
}

// Sign computes the hex HMAC-SHA256 of body under secret. Exposed so tests
// and the provider mock produce real signatures.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the provider signature over the exact raw request
// bytes. The comparison is constant-time; the decoded-then-compared form
// avoids leaking length information through the hex decoder.
func VerifySignature(secret, body []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}
