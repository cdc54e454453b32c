package order

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/entity"
	applog "github.com/yagydev/animalmela/internal/logger"
	"github.com/yagydev/animalmela/internal/messaging"
	ordersvc "github.com/yagydev/animalmela/internal/service/order"
	"github.com/yagydev/animalmela/internal/worker"
)

// RefundProcessor settles refunds recorded on cancelled orders.
type RefundProcessor interface {
	ProcessPendingRefund(ctx context.Context, id string) (*entity.Order, error)
}

// NewRefundHandler turns cancellations with a pending refund into gateway refunds.
func NewRefundHandler(svc *ordersvc.Service, logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	return newRefundHandler(svc, logger, cfg.Messaging.Kafka.Topic)
}

func newRefundHandler(refunds RefundProcessor, logger *zap.Logger, topic string) worker.HandlerRegistration {
	logger = logger.Named("refunds")
	handler := func(ctx context.Context, msg messaging.Message) error {
		var event ordersvc.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("failed to decode order event", zap.Int64("offset", msg.Offset), zap.Error(err))
			return nil
		}
		if event.Type != ordersvc.EventOrderCancelled || event.RefundStatus != entity.RefundStatusPending {
			return nil
		}

		ctx, span := workerTracer.Start(ctx, "worker.orders.refund", trace.WithAttributes(
			attribute.String("order.id", event.OrderID),
		))
		defer span.End()
		log := applog.WithTrace(ctx, logger)

		order, err := refunds.ProcessPendingRefund(ctx, event.OrderID)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "refund failed")
			if ordersvc.IsTransient(err) {
				log.Warn("refund failed; will retry", zap.String("order_id", event.OrderID), zap.Error(err))
				return err
			}
			log.Error("refund failed permanently", zap.String("order_id", event.OrderID), zap.Error(err))
			return nil
		}

		log.Info("pending refund settled",
			zap.String("order_id", order.ID),
			zap.String("refund_status", string(order.RefundStatus)),
			zap.String("refund_id", order.RefundID),
		)
		return nil
	}

	return worker.HandlerRegistration{
		Name:    "order-refunds",
		Topic:   topic,
		Events:  []string{string(ordersvc.EventOrderCancelled)},
		Handler: handler,
	}
}
