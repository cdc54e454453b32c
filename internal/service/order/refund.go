package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/entity"
	"github.com/yagydev/animalmela/internal/lifecycle"
	"github.com/yagydev/animalmela/internal/payment"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

// refundLease is how long a claimed refund blocks other callers. An older
// claim is treated as abandoned and may be resumed.
const refundLease = 2 * time.Minute

// refundClaim is the state taken when a caller marks an order's refund as
// processing. Only the holder of token may settle or release it.
type refundClaim struct {
	token      string
	target     decimal.Decimal
	currency   string
	parts      []refundPart
	prevStatus entity.RefundStatus
	prevAmount decimal.Decimal
}

// refundPart is the slice of a refund sent against one capture.
type refundPart struct {
	paymentID string
	amount    decimal.Decimal
	captured  decimal.Decimal
	key       string
}

type issuedRefund struct {
	part   refundPart
	refund payment.Refund
}

// Refund returns captured money to the buyer through the gateway. The refund
// is claimed on the order first, so of several racing callers only one reaches
// the gateway. Each capture is refunded separately under an idempotency key,
// which makes resuming an abandoned claim safe.
func (s *Service) Refund(ctx context.Context, actor access.Actor, id string, amount *decimal.Decimal) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Refund", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	if d := access.CanRefund(actor); !d.Allowed {
		return nil, denied(d)
	}

	claim, err := s.claimRefund(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("refund.parts", len(claim.parts)))

	issued := make([]issuedRefund, 0, len(claim.parts))
	for _, part := range claim.parts {
		partAmount := part.amount
		result, err := s.gateway.IssueRefund(ctx, payment.RefundRequest{
			OrderID:          id,
			GatewayPaymentID: part.paymentID,
			Amount:           &partAmount,
			Captured:         part.captured,
			Currency:         claim.currency,
			IdempotencyKey:   part.key,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "gateway refund failed")
			s.metrics.Refund(ctx, s.gateway.Name(), "failed")
			s.logger.Error("refund failed",
				zap.String("id", id),
				zap.String("payment_id", part.paymentID),
				zap.String("amount", part.amount.StringFixed(2)),
				zap.Error(err),
			)
			s.releaseRefund(ctx, id, claim, issued)
			return nil, gatewayError(err)
		}
		issued = append(issued, issuedRefund{part: part, refund: result})
	}

	var from entity.OrderStatus
	updated, changed, err := s.mutate(ctx, id, func(o *entity.Order) error {
		if o.RefundClaim != claim.token {
			// claim expired and was taken over; the new holder records these
			// refunds under the same keys
			return errNoChange
		}
		applyRefunds(o, issued)
		from = o.Status
		o.RefundStatus = entity.RefundStatusProcessed
		o.RefundAmount = claim.target
		o.RefundClaim = ""
		o.RefundClaimedAt = nil
		if n := len(issued); n > 0 {
			o.RefundID = issued[n-1].refund.RefundID
		}
		if err := lifecycle.CheckTransition(o, entity.OrderStatusRefunded, s.policy); err != nil {
			return transitionError(err)
		}
		o.Status = entity.OrderStatusRefunded
		o.PaymentStatus = entity.PaymentStatusRefunded
		return nil
	})
	if err != nil {
		s.logger.Error("refund issued but order update failed",
			zap.String("id", id),
			zap.Int("refunds", len(issued)),
			zap.Error(err),
		)
		return nil, err
	}
	if !changed {
		return updated, nil
	}

	s.metrics.Refund(ctx, s.gateway.Name(), "processed")
	s.metrics.Transition(ctx, string(from), string(entity.OrderStatusRefunded))
	s.logger.Info("order refunded",
		zap.String("id", updated.ID),
		zap.String("refund_id", updated.RefundID),
		zap.Int("refunds", len(issued)),
		zap.String("amount", updated.RefundAmount.StringFixed(2)),
	)
	s.afterCommit(ctx, updated, EventOrderRefunded, actor)
	return updated, nil
}

// ProcessPendingRefund settles the refund recorded when an order was cancelled,
// or resumes one whose claim was abandoned. Orders without an outstanding
// refund are returned unchanged.
func (s *Service) ProcessPendingRefund(ctx context.Context, id string) (*entity.Order, error) {
	order, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.RefundStatus != entity.RefundStatusPending && order.RefundStatus != entity.RefundStatusProcessing {
		return order, nil
	}
	return s.Refund(ctx, access.System, id, nil)
}

// claimRefund validates the refund and marks it processing under a version
// check. A live claim held by someone else fails with refund_in_progress.
func (s *Service) claimRefund(ctx context.Context, id string, amount *decimal.Decimal) (*refundClaim, error) {
	claim := &refundClaim{token: s.newID()}
	_, _, err := s.mutate(ctx, id, func(o *entity.Order) error {
		now := s.now()
		prev := o.RefundStatus
		if o.RefundStatus == entity.RefundStatusProcessing {
			if o.RefundClaimedAt != nil && now.Sub(*o.RefundClaimedAt) < refundLease {
				return refundInProgress()
			}
			s.logger.Warn("resuming abandoned refund", zap.String("id", o.ID), zap.String("claim", o.RefundClaim))
			prev = entity.RefundStatusPending
		}
		target, err := refundable(o, amount)
		if err != nil {
			return err
		}

		claim.target = target
		claim.currency = o.Currency
		claim.parts = planRefund(o, target.Sub(o.Refunded()))
		claim.prevStatus = prev
		claim.prevAmount = o.RefundAmount

		o.RefundStatus = entity.RefundStatusProcessing
		o.RefundAmount = target
		o.RefundClaim = claim.token
		o.RefundClaimedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// releaseRefund hands a failed claim back. Refunds the gateway already
// accepted are kept on their captures and the remainder stays owed.
func (s *Service) releaseRefund(ctx context.Context, id string, claim *refundClaim, issued []issuedRefund) {
	ctx = context.WithoutCancel(ctx)
	_, _, err := s.mutate(ctx, id, func(o *entity.Order) error {
		if o.RefundClaim != claim.token {
			return errNoChange
		}
		applyRefunds(o, issued)
		o.RefundStatus = claim.prevStatus
		o.RefundAmount = claim.prevAmount
		if len(issued) > 0 {
			o.RefundStatus = entity.RefundStatusPending
			o.RefundAmount = claim.target
		}
		o.RefundClaim = ""
		o.RefundClaimedAt = nil
		return nil
	})
	if err != nil {
		s.logger.Error("refund claim not released; it lapses after the lease",
			zap.String("id", id),
			zap.Duration("lease", refundLease),
			zap.Error(err),
		)
	}
}

// planRefund spreads remaining over the captures oldest first, never asking a
// capture for more than it still holds. Keys are stable for a given capture
// and refund count, so a retried part is deduplicated by the gateway.
func planRefund(o *entity.Order, remaining decimal.Decimal) []refundPart {
	var parts []refundPart
	for _, c := range o.Captures {
		if !remaining.IsPositive() {
			break
		}
		available := c.Refundable()
		part := decimal.Min(remaining, available)
		if !part.IsPositive() {
			continue
		}
		parts = append(parts, refundPart{
			paymentID: c.PaymentID,
			amount:    part,
			captured:  available,
			key:       fmt.Sprintf("rfnd-%s-%d", c.PaymentID, len(c.RefundIDs)),
		})
		remaining = remaining.Sub(part)
	}
	return parts
}

func applyRefunds(o *entity.Order, issued []issuedRefund) {
	for _, r := range issued {
		for i := range o.Captures {
			c := &o.Captures[i]
			if c.PaymentID != r.part.paymentID {
				continue
			}
			c.Refunded = c.Refunded.Add(r.part.amount)
			c.RefundIDs = append(c.RefundIDs, r.refund.RefundID)
			break
		}
	}
}

// refundable returns the total refund for order. A nil amount means the
// recorded refund, or everything captured up to the order total.
func refundable(order *entity.Order, amount *decimal.Decimal) (decimal.Decimal, error) {
	if order.RefundStatus == entity.RefundStatusProcessed || order.Status == entity.OrderStatusRefunded {
		return decimal.Zero, errorbank.Conflict("order has already been refunded", errorbank.WithCode("already_refunded"))
	}
	limit := lifecycle.RefundAmount(order.AdvanceAmount, order.TotalAmount)
	if !limit.IsPositive() || len(order.Captures) == 0 {
		return decimal.Zero, errorbank.Conflict("nothing has been captured for this order", errorbank.WithCode("nothing_to_refund"))
	}
	if amount == nil {
		owed := order.RefundStatus == entity.RefundStatusPending || order.RefundStatus == entity.RefundStatusProcessing
		if owed && order.RefundAmount.IsPositive() {
			return decimal.Min(order.RefundAmount, limit), nil
		}
		return limit, nil
	}
	if !amount.IsPositive() || amount.GreaterThan(limit) {
		return decimal.Zero, errorbank.Unprocessable("refund must be greater than zero and at most the captured amount",
			errorbank.WithCode("refund_exceeds_capture"),
			errorbank.WithDetail("refundable", limit.StringFixed(2)))
	}
	return amount.Round(2), nil
}

func refundInProgress() error {
	return errorbank.Conflict("a refund for this order is already in progress", errorbank.WithCode("refund_in_progress"))
}

// IsTransient reports whether a refund error is worth retrying. A refund held
// by another caller is retried so an abandoned claim is eventually resumed.
func IsTransient(err error) bool {
	var appErr *errorbank.AppError
	if !errors.As(err, &appErr) {
		return err != nil
	}
	return appErr.Kind() == errorbank.KindInternal ||
		appErr.Code() == "gateway_unavailable" ||
		appErr.Code() == "concurrent_update" ||
		appErr.Code() == "refund_in_progress"
}
