package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Sandbox is an in-process gateway for local development and demos. It uses
// the same signature scheme as the real providers and remembers refunds by
// idempotency key.
type Sandbox struct {
	secret string
	idGen  func() string

	mu      sync.Mutex
	refunds map[string]Refund
}

// NewSandbox constructs a sandbox gateway keyed with secret.
func NewSandbox(secret string) *Sandbox {
	return &Sandbox{
		secret:  secret,
		idGen:   func() string { return ulid.Make().String() },
		refunds: make(map[string]Refund),
	}
}

// Name implements Gateway.
func (s *Sandbox) Name() string { return "sandbox" }

// CreatePaymentIntent implements Gateway.
func (s *Sandbox) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	if !req.Amount.IsPositive() {
		return Intent{}, ErrInvalidAmount
	}
	return Intent{
		Gateway:        s.Name(),
		GatewayOrderID: "order_sbx_" + s.idGen(),
		Amount:         req.Amount,
		Currency:       req.Currency,
	}, nil
}

// VerifyCallbackSignature implements Gateway.
func (s *Sandbox) VerifyCallbackSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return verifyHMAC(s.secret, []byte(gatewayOrderID+"|"+gatewayPaymentID), signature)
}

type sandboxWebhook struct {
	Event     string          `json:"event"`
	OrderID   string          `json:"order_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
}

// ParseWebhook implements Gateway. The sandbox body is a flat JSON document.
func (s *Sandbox) ParseWebhook(body []byte, signature string) (WebhookEvent, error) {
	if !verifyHMAC(s.secret, body, signature) {
		return WebhookEvent{}, ErrSignatureMismatch
	}
	var payload sandboxWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("sandbox: decode webhook: %w", err)
	}
	event := WebhookEvent{
		GatewayOrderID:   payload.OrderID,
		GatewayPaymentID: payload.PaymentID,
		Amount:           payload.Amount,
		Reason:           payload.Reason,
	}
	switch payload.Event {
	case string(WebhookPaymentCaptured):
		event.Type = WebhookPaymentCaptured
	case string(WebhookPaymentFailed):
		event.Type = WebhookPaymentFailed
	default:
		event.Type = WebhookIgnored
	}
	return event, nil
}

// IssueRefund implements Gateway.
func (s *Sandbox) IssueRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	if err := ctx.Err(); err != nil {
		return Refund{}, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	amount, err := refundAmount(req)
	if err != nil {
		return Refund{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := req.idempotencyKey()
	if prior, ok := s.refunds[key]; ok {
		return prior, nil
	}
	refund := Refund{
		RefundID: "rfnd_sbx_" + s.idGen(),
		Status:   "processed",
		Amount:   amount,
	}
	s.refunds[key] = refund
	return refund, nil
}
