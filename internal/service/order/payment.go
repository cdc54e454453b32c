package order

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/entity"
	"github.com/yagydev/animalmela/internal/lifecycle"
	"github.com/yagydev/animalmela/internal/payment"
	repo "github.com/yagydev/animalmela/internal/repository/order"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

// PaymentIntent is what the client needs to open the gateway checkout.
type PaymentIntent struct {
	OrderID        string
	Gateway        string
	GatewayOrderID string
	Amount         decimal.Decimal
	Currency       string
	Outstanding    decimal.Decimal
}

// CreatePaymentIntent opens a gateway payment for amount, or for the whole
// outstanding balance when amount is nil.
func (s *Service) CreatePaymentIntent(ctx context.Context, actor access.Actor, id string, amount *decimal.Decimal) (*PaymentIntent, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.CreatePaymentIntent", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if d := access.CanPay(actor, order); !d.Allowed {
		return nil, denied(d)
	}
	charge, err := s.chargeable(order, amount)
	if err != nil {
		return nil, err
	}

	intent, err := s.gateway.CreatePaymentIntent(ctx, payment.IntentRequest{
		OrderID:  order.ID,
		Amount:   charge,
		Currency: order.Currency,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway error")
		return nil, gatewayError(err)
	}

	updated, _, err := s.mutate(ctx, id, func(o *entity.Order) error {
		if _, err := s.chargeable(o, &charge); err != nil {
			return err
		}
		o.PaymentIntentID = intent.GatewayOrderID
		o.IntentAmount = charge
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment intent created",
		zap.String("id", updated.ID),
		zap.String("gateway", intent.Gateway),
		zap.String("gateway_order_id", intent.GatewayOrderID),
		zap.String("amount", charge.StringFixed(2)),
	)
	s.afterCommit(ctx, updated, EventPaymentIntent, actor)

	return &PaymentIntent{
		OrderID:        updated.ID,
		Gateway:        intent.Gateway,
		GatewayOrderID: intent.GatewayOrderID,
		Amount:         charge,
		Currency:       updated.Currency,
		Outstanding:    updated.Outstanding(),
	}, nil
}

// chargeable validates that order can take a payment of amount and returns the
// amount to charge.
func (s *Service) chargeable(order *entity.Order, amount *decimal.Decimal) (decimal.Decimal, error) {
	switch order.Status {
	case entity.OrderStatusCancelled, entity.OrderStatusRefunded:
		return decimal.Zero, errorbank.Conflict("order is closed for payment", errorbank.WithCode("order_closed"),
			errorbank.WithDetail("status", order.Status))
	}
	outstanding := order.Outstanding()
	if !outstanding.IsPositive() {
		return decimal.Zero, errorbank.Conflict("order is already paid in full", errorbank.WithCode("payment_already_settled"))
	}
	if amount == nil {
		return outstanding, nil
	}
	if !amount.IsPositive() || amount.GreaterThan(outstanding) {
		return decimal.Zero, errorbank.BadRequest("amount must be greater than zero and at most the outstanding balance",
			errorbank.WithCode("invalid_amount"),
			errorbank.WithDetail("outstanding", outstanding.StringFixed(2)))
	}
	return amount.Round(2), nil
}

// VerifyInput is the client-side gateway callback.
type VerifyInput struct {
	OrderID          string
	GatewayOrderID   string
	GatewayPaymentID string
	Signature        string
	Amount           *decimal.Decimal
}

// VerifyResult reports the order after verification and whether the callback
// had already been applied.
type VerifyResult struct {
	Order          *entity.Order
	AlreadyApplied bool
}

// VerifyPayment checks the gateway signature and then records the capture.
// Replaying the same gateway payment is a no-op.
func (s *Service) VerifyPayment(ctx context.Context, actor access.Actor, in VerifyInput) (*VerifyResult, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.VerifyPayment", trace.WithAttributes(
		attribute.String("order.id", in.OrderID),
		attribute.String("gateway.order_id", in.GatewayOrderID),
	))
	defer span.End()

	if in.GatewayOrderID == "" || in.GatewayPaymentID == "" || in.Signature == "" {
		return nil, errorbank.BadRequest("gateway_order_id, gateway_payment_id and signature are required",
			errorbank.WithCode("invalid_callback"))
	}

	order, err := s.load(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if d := access.CanPay(actor, order); !d.Allowed {
		return nil, denied(d)
	}

	if !s.gateway.VerifyCallbackSignature(in.GatewayOrderID, in.GatewayPaymentID, in.Signature) {
		s.metrics.Verification(ctx, "callback", "signature_mismatch")
		s.logger.Warn("payment signature mismatch",
			zap.String("id", in.OrderID),
			zap.String("gateway_order_id", in.GatewayOrderID),
		)
		return nil, signatureMismatch()
	}

	capture := capture{
		gatewayOrderID:   in.GatewayOrderID,
		gatewayPaymentID: in.GatewayPaymentID,
		signature:        in.Signature,
		amount:           in.Amount,
	}
	updated, changed, err := s.mutate(ctx, in.OrderID, func(o *entity.Order) error {
		return s.applyCapture(o, capture, false)
	})
	if err != nil {
		s.metrics.Verification(ctx, "callback", "rejected")
		return nil, err
	}

	s.recordCapture(ctx, updated, order.Status, changed, "callback", actor)
	return &VerifyResult{Order: updated, AlreadyApplied: !changed}, nil
}

type capture struct {
	gatewayOrderID   string
	gatewayPaymentID string
	signature        string
	amount           *decimal.Decimal
}

// applyCapture adds a verified capture to o. The amount credited is the amount
// of the intent the server opened; a callback naming any other amount is
// rejected. On the webhook path the gateway-reported amount wins and anything
// above the outstanding balance is clamped, since the money is already taken.
func (s *Service) applyCapture(o *entity.Order, c capture, clamp bool) error {
	if o.HasCapture(c.gatewayPaymentID) {
		return errNoChange
	}
	if o.PaymentIntentID == "" || o.PaymentIntentID != c.gatewayOrderID {
		return errorbank.BadRequest("gateway order does not belong to this booking", errorbank.WithCode("intent_mismatch"))
	}
	if o.HasCaptureFor(c.gatewayOrderID) {
		return errorbank.Conflict("payment intent has already been settled", errorbank.WithCode("intent_settled"))
	}
	if o.Status == entity.OrderStatusCancelled || o.Status == entity.OrderStatusRefunded {
		return errorbank.Conflict("order is closed for payment", errorbank.WithCode("order_closed"),
			errorbank.WithDetail("status", o.Status))
	}
	if o.RefundStatus == entity.RefundStatusProcessing {
		return refundInProgress()
	}

	amount := o.IntentAmount
	if c.amount != nil {
		reported := c.amount.Round(2)
		switch {
		case clamp:
			amount = reported
		case !reported.Equal(o.IntentAmount):
			return errorbank.BadRequest("captured amount does not match the payment intent",
				errorbank.WithCode("amount_mismatch"),
				errorbank.WithDetail("intent_amount", o.IntentAmount.StringFixed(2)))
		}
	}
	if !amount.IsPositive() {
		return errorbank.BadRequest("payment intent has no amount to settle", errorbank.WithCode("invalid_amount"))
	}

	outstanding := o.Outstanding()
	if amount.GreaterThan(outstanding) {
		if !clamp {
			return errorbank.BadRequest("captured amount exceeds the outstanding balance",
				errorbank.WithCode("invalid_amount"),
				errorbank.WithDetail("outstanding", outstanding.StringFixed(2)))
		}
		s.logger.Warn("gateway captured more than outstanding; clamping",
			zap.String("id", o.ID),
			zap.String("captured", amount.StringFixed(2)),
			zap.String("outstanding", outstanding.StringFixed(2)),
		)
		amount = outstanding
	}
	if !amount.IsPositive() {
		return errNoChange
	}

	at := s.now()
	o.Captures = append(o.Captures, entity.Capture{
		PaymentID:      c.gatewayPaymentID,
		GatewayOrderID: c.gatewayOrderID,
		Amount:         amount,
		Refunded:       decimal.Zero,
		CapturedAt:     at,
	})
	o.AdvanceAmount = o.AdvanceAmount.Add(amount)
	o.PaymentStatus = lifecycle.ReconcilePayment(o.AdvanceAmount, o.TotalAmount, false)
	o.PaymentDetails = entity.PaymentDetails{
		TransactionID:  c.gatewayPaymentID,
		GatewayOrderID: c.gatewayOrderID,
		Signature:      c.signature,
		Gateway:        s.gateway.Name(),
		SettledAt:      &at,
	}
	if o.Status == entity.OrderStatusPending {
		o.Status = entity.OrderStatusConfirmed
	}
	return nil
}

func (s *Service) recordCapture(ctx context.Context, order *entity.Order, before entity.OrderStatus, changed bool, source string, actor access.Actor) {
	if !changed {
		s.metrics.Verification(ctx, source, "already_applied")
		s.logger.Info("payment already applied",
			zap.String("id", order.ID),
			zap.String("transaction_id", order.PaymentDetails.TransactionID),
		)
		return
	}
	s.metrics.Verification(ctx, source, "applied")
	if before != order.Status {
		s.metrics.Transition(ctx, string(before), string(order.Status))
	}
	s.logger.Info("payment captured",
		zap.String("id", order.ID),
		zap.String("source", source),
		zap.String("payment_status", string(order.PaymentStatus)),
		zap.String("advance_amount", order.AdvanceAmount.StringFixed(2)),
	)
	s.afterCommit(ctx, order, EventPaymentCaptured, actor)
}

// WebhookResult summarises an inbound gateway webhook.
type WebhookResult struct {
	Event          payment.WebhookEventType
	Order          *entity.Order
	Handled        bool
	AlreadyApplied bool
}

// HandleWebhook verifies and applies a gateway webhook. Unknown intents and
// uninteresting events are acknowledged without changes.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (*WebhookResult, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.HandleWebhook")
	defer span.End()

	event, err := s.gateway.ParseWebhook(body, signature)
	if err != nil {
		if errors.Is(err, payment.ErrSignatureMismatch) {
			s.metrics.Verification(ctx, "webhook", "signature_mismatch")
			return nil, signatureMismatch()
		}
		return nil, errorbank.BadRequest("malformed webhook payload", errorbank.WithCode("invalid_webhook"), errorbank.WithCause(err))
	}
	span.SetAttributes(attribute.String("webhook.type", string(event.Type)))

	result := &WebhookResult{Event: event.Type}
	if event.Type == payment.WebhookIgnored || event.GatewayOrderID == "" {
		return result, nil
	}

	order, err := s.repo.GetByPaymentIntent(ctx, event.GatewayOrderID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.logger.Warn("webhook for unknown payment intent", zap.String("gateway_order_id", event.GatewayOrderID))
			return result, nil
		}
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}

	var changed bool
	var updated *entity.Order
	switch event.Type {
	case payment.WebhookPaymentCaptured:
		c := capture{gatewayOrderID: event.GatewayOrderID, gatewayPaymentID: event.GatewayPaymentID}
		if event.Amount.IsPositive() {
			amount := event.Amount
			c.amount = &amount
		}
		updated, changed, err = s.mutate(ctx, order.ID, func(o *entity.Order) error {
			return s.applyCapture(o, c, true)
		})
		if err != nil {
			s.metrics.Verification(ctx, "webhook", "rejected")
			return nil, err
		}
		s.recordCapture(ctx, updated, order.Status, changed, "webhook", access.System)

	case payment.WebhookPaymentFailed:
		updated, changed, err = s.mutate(ctx, order.ID, func(o *entity.Order) error {
			if o.AdvanceAmount.IsPositive() || o.PaymentStatus == entity.PaymentStatusFailed {
				return errNoChange
			}
			o.PaymentStatus = lifecycle.ReconcilePayment(o.AdvanceAmount, o.TotalAmount, true)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if changed {
			s.metrics.Verification(ctx, "webhook", "failed")
			s.logger.Info("payment failed", zap.String("id", updated.ID), zap.String("reason", event.Reason))
			s.afterCommit(ctx, updated, EventPaymentFailed, access.System)
		}
	}

	result.Order = updated
	result.Handled = true
	result.AlreadyApplied = !changed
	return result, nil
}

func signatureMismatch() error {
	return errorbank.Gateway("payment signature verification failed",
		errorbank.WithCode("signature_mismatch"),
		errorbank.WithStatus(400))
}

func gatewayError(err error) error {
	switch {
	case errors.Is(err, payment.ErrInvalidAmount):
		return errorbank.BadRequest("invalid payment amount", errorbank.WithCode("invalid_amount"), errorbank.WithCause(err))
	case errors.Is(err, payment.ErrRefundExceedsCapture):
		return errorbank.Unprocessable("refund exceeds the captured amount", errorbank.WithCode("refund_exceeds_capture"), errorbank.WithCause(err))
	case errors.Is(err, payment.ErrGatewayUnavailable):
		return errorbank.Gateway("payment gateway unavailable", errorbank.WithCode("gateway_unavailable"), errorbank.WithCause(err))
	default:
		return errorbank.Gateway("payment gateway rejected the request", errorbank.WithCode("gateway_error"), errorbank.WithCause(err))
	}
}
