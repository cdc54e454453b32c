// Package payment wraps the external payment providers behind a single
// Gateway contract: payment intents, callback signature checks, webhooks and
// refunds.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/config"
)

var (
	// ErrGatewayUnavailable is returned when the provider cannot be reached or fails server side.
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")
	// ErrInvalidAmount is returned for non-positive or malformed amounts.
	ErrInvalidAmount = errors.New("payment: invalid amount")
	// ErrRefundExceedsCapture is returned when a refund is larger than the captured payment.
	ErrRefundExceedsCapture = errors.New("payment: refund exceeds captured amount")
	// ErrSignatureMismatch is returned when a webhook signature does not verify.
	ErrSignatureMismatch = errors.New("payment: signature mismatch")
)

// IntentRequest asks the provider to open a payment for an order.
type IntentRequest struct {
	OrderID  string
	Amount   decimal.Decimal
	Currency string
}

// Intent is the provider-side payment order the client pays against.
type Intent struct {
	Gateway        string
	GatewayOrderID string
	Amount         decimal.Decimal
	Currency       string
}

// RefundRequest asks the provider to return money for a captured payment.
// A nil Amount requests a full refund. Captured is what this service recorded as
// still refundable on that payment and bounds the refund before the provider is
// called. Requests repeated with the same IdempotencyKey return the first refund.
type RefundRequest struct {
	OrderID          string
	GatewayPaymentID string
	Amount           *decimal.Decimal
	Captured         decimal.Decimal
	Currency         string
	IdempotencyKey   string
}

func (r RefundRequest) idempotencyKey() string {
	if r.IdempotencyKey != "" {
		return r.IdempotencyKey
	}
	return "rfnd-" + r.GatewayPaymentID
}

// Refund is the provider's acknowledgement of a refund.
type Refund struct {
	RefundID string
	Status   string
	Amount   decimal.Decimal
}

// WebhookEventType is the normalised kind of an inbound webhook.
type WebhookEventType string

const (
	WebhookPaymentCaptured WebhookEventType = "payment.captured"
	WebhookPaymentFailed   WebhookEventType = "payment.failed"
	WebhookIgnored         WebhookEventType = "ignored"
)

// WebhookEvent is a verified, provider-neutral webhook notification.
type WebhookEvent struct {
	Type             WebhookEventType
	GatewayOrderID   string
	GatewayPaymentID string
	Amount           decimal.Decimal
	Reason           string
}

// Gateway is the contract every payment provider adapter implements.
type Gateway interface {
	Name() string
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
	VerifyCallbackSignature(gatewayOrderID, gatewayPaymentID, signature string) bool
	ParseWebhook(body []byte, signature string) (WebhookEvent, error)
	IssueRefund(ctx context.Context, req RefundRequest) (Refund, error)
}

// Module provides the configured Gateway to the Fx graph.
var Module = fx.Provide(New)

// New builds the gateway selected by configuration.
func New(cfg config.Config, logger *zap.Logger) (Gateway, error) {
	p := cfg.Payment
	switch p.Provider {
	case "razorpay":
		return NewRazorpay(RazorpayConfig{
			BaseURL:       p.Razorpay.BaseURL,
			KeyID:         p.Razorpay.KeyID,
			KeySecret:     p.Razorpay.KeySecret,
			WebhookSecret: p.Razorpay.WebhookSecret,
			Timeout:       p.Timeout,
			Logger:        logger,
		})
	case "stripe":
		return NewStripe(StripeConfig{
			SecretKey:     p.Stripe.SecretKey,
			WebhookSecret: p.Stripe.WebhookSecret,
			Timeout:       p.Timeout,
			Logger:        logger,
		})
	case "sandbox":
		logger.Warn("using sandbox payment gateway; no real money moves")
		return NewSandbox(p.Sandbox.Secret), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider: %s", p.Provider)
	}
}

// Sign computes the callback signature for a gateway order/payment pair.
func Sign(secret, gatewayOrderID, gatewayPaymentID string) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), []byte(gatewayOrderID+"|"+gatewayPaymentID)))
}

// SignPayload computes the webhook signature for a raw request body.
func SignPayload(secret string, body []byte) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), body))
}

func verifyHMAC(secret string, message []byte, signature string) bool {
	if secret == "" {
		return false
	}
	provided, err := decodeSignature(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(provided, computeHMAC([]byte(secret), message))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("payment: empty signature")
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("payment: signature must be hex or base64 encoded")
}

// toMinor converts a major-unit amount into the integer minor units providers expect.
func toMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinor(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// refundAmount validates a refund request against the recorded capture and
// returns the amount to refund.
func refundAmount(req RefundRequest) (decimal.Decimal, error) {
	if strings.TrimSpace(req.GatewayPaymentID) == "" {
		return decimal.Zero, fmt.Errorf("%w: gateway payment id is required", ErrInvalidAmount)
	}
	if req.Amount == nil {
		if !req.Captured.IsPositive() {
			return decimal.Zero, ErrRefundExceedsCapture
		}
		return req.Captured, nil
	}
	if !req.Amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	if req.Amount.GreaterThan(req.Captured) {
		return decimal.Zero, ErrRefundExceedsCapture
	}
	return *req.Amount, nil
}
