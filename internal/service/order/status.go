package order

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/entity"
	"github.com/yagydev/animalmela/internal/lifecycle"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

// StatusInput requests a status change.
type StatusInput struct {
	Status string
	Reason string
}

// UpdateStatus moves an order to the requested status after the access and
// transition checks pass. Cancellation is routed through Cancel.
func (s *Service) UpdateStatus(ctx context.Context, actor access.Actor, id string, in StatusInput) (*entity.Order, error) {
	target, err := entity.ParseOrderStatus(in.Status)
	if err != nil {
		return nil, errorbank.BadRequest(err.Error(), errorbank.WithCode("invalid_status"),
			errorbank.WithDetail("allowed", entity.OrderStatuses()))
	}
	if target == entity.OrderStatusCancelled {
		return s.Cancel(ctx, actor, id, in.Reason)
	}

	ctx, span := serviceTracer.Start(ctx, "OrderService.UpdateStatus", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.target", string(target)),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	var from entity.OrderStatus
	order, _, err := s.mutate(ctx, id, func(o *entity.Order) error {
		if d := access.CanTransition(actor, o, target); !d.Allowed {
			return denied(d)
		}
		if err := lifecycle.CheckTransition(o, target, s.policy); err != nil {
			return transitionError(err)
		}
		from = o.Status
		o.Status = target
		if target == entity.OrderStatusDelivered && o.TrackingInfo.DeliveredAt == nil {
			at := s.now()
			o.TrackingInfo.DeliveredAt = &at
		}
		if target == entity.OrderStatusRefunded {
			o.PaymentStatus = entity.PaymentStatusRefunded
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status changed",
		zap.String("id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(order.Status)),
		zap.String("actor_role", string(actor.Role)),
	)
	s.metrics.Transition(ctx, string(from), string(order.Status))
	s.afterCommit(ctx, order, EventOrderStatusChanged, actor)
	return order, nil
}

// Cancel cancels a pending or confirmed order. Whatever the buyer already paid,
// capped at the order total, is marked for refund.
func (s *Service) Cancel(ctx context.Context, actor access.Actor, id, reason string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Cancel", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	var from entity.OrderStatus
	order, _, err := s.mutate(ctx, id, func(o *entity.Order) error {
		if d := access.CanTransition(actor, o, entity.OrderStatusCancelled); !d.Allowed {
			return denied(d)
		}
		if err := lifecycle.CheckTransition(o, entity.OrderStatusCancelled, s.policy); err != nil {
			return transitionError(err)
		}
		if o.RefundStatus == entity.RefundStatusProcessing {
			return refundInProgress()
		}
		from = o.Status
		o.Status = entity.OrderStatusCancelled
		o.CancellationReason = strings.TrimSpace(reason)
		if refund := lifecycle.RefundAmount(o.AdvanceAmount, o.TotalAmount); refund.IsPositive() {
			o.RefundAmount = refund
			o.RefundStatus = entity.RefundStatusPending
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order cancelled",
		zap.String("id", order.ID),
		zap.String("from", string(from)),
		zap.String("refund_status", string(order.RefundStatus)),
		zap.String("refund_amount", order.RefundAmount.StringFixed(2)),
	)
	s.metrics.Transition(ctx, string(from), string(entity.OrderStatusCancelled))
	s.afterCommit(ctx, order, EventOrderCancelled, actor)
	return order, nil
}

// TrackingInput carries shipment details.
type TrackingInput struct {
	Carrier           string
	Number            string
	EstimatedDelivery *time.Time
}

var trackable = map[entity.OrderStatus]struct{}{
	entity.OrderStatusShipped:        {},
	entity.OrderStatusOutForDelivery: {},
	entity.OrderStatusDelivered:      {},
}

// UpdateTracking records carrier details on a shipped order.
func (s *Service) UpdateTracking(ctx context.Context, actor access.Actor, id string, in TrackingInput) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.UpdateTracking", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	carrier := strings.TrimSpace(in.Carrier)
	number := strings.TrimSpace(in.Number)
	if carrier == "" && number == "" && in.EstimatedDelivery == nil {
		return nil, errorbank.BadRequest("tracking details are required", errorbank.WithCode("invalid_tracking"))
	}

	order, _, err := s.mutate(ctx, id, func(o *entity.Order) error {
		if d := access.CanUpdateTracking(actor, o); !d.Allowed {
			return denied(d)
		}
		if _, ok := trackable[o.Status]; !ok {
			return errorbank.Conflict("tracking can only be set once the order has shipped",
				errorbank.WithCode("tracking_not_allowed"), errorbank.WithDetail("status", o.Status))
		}
		if carrier != "" {
			o.TrackingInfo.Carrier = carrier
		}
		if number != "" {
			o.TrackingInfo.Number = number
		}
		if in.EstimatedDelivery != nil {
			at := in.EstimatedDelivery.UTC()
			o.TrackingInfo.EstimatedDelivery = &at
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterCommit(ctx, order, EventOrderTracking, actor)
	return order, nil
}
