package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
	"go.uber.org/zap"
)

type stripeIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripeIntentAPI
	refunds stripeRefundAPI
}

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	Logger        *zap.Logger
	Clients       *stripeClients
}

// Stripe implements Gateway on top of Stripe Payment Intents.
type Stripe struct {
	api           stripeClients
	webhookSecret string
	timeout       time.Duration
	logger        *zap.Logger
}

// NewStripe constructs the Stripe adapter.
func NewStripe(cfg StripeConfig) (*Stripe, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: secret key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		backends := &stripe.Backends{
			API: stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
				HTTPClient: &http.Client{Timeout: cfg.Timeout},
			}),
			Connect: stripe.GetBackend(stripe.ConnectBackend),
			Uploads: stripe.GetBackend(stripe.UploadsBackend),
		}
		sc := client.New(key, backends)
		clients = stripeClients{intents: sc.PaymentIntents, refunds: sc.Refunds}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Stripe{
		api:           clients,
		webhookSecret: cfg.WebhookSecret,
		timeout:       cfg.Timeout,
		logger:        logger.Named("payment.stripe"),
	}, nil
}

// Name implements Gateway.
func (s *Stripe) Name() string { return "stripe" }

// CreatePaymentIntent implements Gateway.
func (s *Stripe) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if !req.Amount.IsPositive() {
		return Intent{}, ErrInvalidAmount
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(toMinor(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		Metadata: map[string]string{"order_id": req.OrderID},
	}
	params.Context = ctx
	params.SetIdempotencyKey("intent-" + req.OrderID + "-" + req.Amount.StringFixed(2))

	intent, err := s.api.intents.New(params)
	if err != nil {
		return Intent{}, s.classify("create payment intent", err)
	}

	s.logger.Info("payment intent created",
		zap.String("order_id", req.OrderID),
		zap.String("payment_intent", intent.ID),
	)

	return Intent{
		Gateway:        s.Name(),
		GatewayOrderID: intent.ID,
		Amount:         fromMinor(intent.Amount),
		Currency:       strings.ToUpper(string(intent.Currency)),
	}, nil
}

// VerifyCallbackSignature implements Gateway. The checkout return handler signs
// intent|charge with the webhook secret.
func (s *Stripe) VerifyCallbackSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	return verifyHMAC(s.webhookSecret, []byte(gatewayOrderID+"|"+gatewayPaymentID), signature)
}

// ParseWebhook implements Gateway using the Stripe-Signature header scheme.
func (s *Stripe) ParseWebhook(body []byte, signature string) (WebhookEvent, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}

	var eventType WebhookEventType
	switch event.Type {
	case "payment_intent.succeeded":
		eventType = WebhookPaymentCaptured
	case "payment_intent.payment_failed":
		eventType = WebhookPaymentFailed
	default:
		return WebhookEvent{Type: WebhookIgnored}, nil
	}

	if event.Data == nil {
		return WebhookEvent{}, errors.New("stripe: webhook has no data")
	}
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: decode payment intent: %w", err)
	}

	out := WebhookEvent{
		Type:             eventType,
		GatewayOrderID:   intent.ID,
		GatewayPaymentID: intent.ID,
		Amount:           fromMinor(intent.AmountReceived),
	}
	if intent.LatestCharge != nil && intent.LatestCharge.ID != "" {
		out.GatewayPaymentID = intent.LatestCharge.ID
	}
	if intent.LastPaymentError != nil {
		out.Reason = intent.LastPaymentError.Msg
	}
	return out, nil
}

// IssueRefund implements Gateway.
func (s *Stripe) IssueRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	amount, err := refundAmount(req)
	if err != nil {
		return Refund{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	params := &stripe.RefundParams{
		Amount:   stripe.Int64(toMinor(amount)),
		Reason:   stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
		Metadata: map[string]string{"order_id": req.OrderID},
	}
	if strings.HasPrefix(req.GatewayPaymentID, "ch_") {
		params.Charge = stripe.String(req.GatewayPaymentID)
	} else {
		params.PaymentIntent = stripe.String(req.GatewayPaymentID)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.idempotencyKey())

	refund, err := s.api.refunds.New(params)
	if err != nil {
		return Refund{}, s.classify("refund payment", err)
	}

	s.logger.Info("refund issued",
		zap.String("order_id", req.OrderID),
		zap.String("refund_id", refund.ID),
		zap.String("status", string(refund.Status)),
	)

	return Refund{
		RefundID: refund.ID,
		Status:   string(refund.Status),
		Amount:   fromMinor(refund.Amount),
	}, nil
}

func (s *Stripe) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Stripe) classify(op string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: stripe: %s: %v", ErrGatewayUnavailable, op, err)
	}
	switch {
	case stripeErr.Code == stripe.ErrorCodeAmountTooLarge || stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded:
		return fmt.Errorf("%w: stripe: %s", ErrRefundExceedsCapture, stripeErr.Msg)
	case stripeErr.Type == stripe.ErrorTypeAPI || stripeErr.HTTPStatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: stripe: %s: %s", ErrGatewayUnavailable, op, stripeErr.Msg)
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: stripe: %s: rate limited", ErrGatewayUnavailable, op)
	default:
		return fmt.Errorf("stripe: %s: %w", op, err)
	}
}
