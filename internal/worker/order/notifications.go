package order

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/messaging"
	ordersvc "github.com/yagydev/animalmela/internal/service/order"
	"github.com/yagydev/animalmela/internal/worker"
)

// notification maps an event onto the parties that should hear about it.
type notification struct {
	recipients []string
	subject    string
}

func notificationFor(e ordersvc.Event) (notification, bool) {
	switch e.Type {
	case ordersvc.EventOrderCreated:
		return notification{recipients: []string{e.SellerID}, subject: "new booking received"}, true
	case ordersvc.EventPaymentCaptured:
		return notification{recipients: []string{e.BuyerID, e.SellerID}, subject: "payment received"}, true
	case ordersvc.EventPaymentFailed:
		return notification{recipients: []string{e.BuyerID}, subject: "payment failed"}, true
	case ordersvc.EventOrderStatusChanged:
		return notification{recipients: []string{e.BuyerID}, subject: "booking is now " + string(e.Status)}, true
	case ordersvc.EventOrderCancelled:
		return notification{recipients: []string{e.BuyerID, e.SellerID}, subject: "booking cancelled"}, true
	case ordersvc.EventOrderRefunded:
		return notification{recipients: []string{e.BuyerID}, subject: "refund processed"}, true
	default:
		return notification{}, false
	}
}

// NewNotificationHandler logs a notification for each order event a participant
// cares about. Delivery is best effort; undecodable messages are dropped.
func NewNotificationHandler(logger *zap.Logger, cfg config.Config) worker.HandlerRegistration {
	logger = logger.Named("notifications")
	handler := func(ctx context.Context, msg messaging.Message) error {
		_, span := workerTracer.Start(ctx, "worker.orders.notify", trace.WithAttributes(
			attribute.String("messaging.topic", msg.Topic),
			attribute.String("event.type", msg.Headers[messaging.HeaderEventType]),
		))
		defer span.End()

		var event ordersvc.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			logger.Error("failed to decode order event", zap.Int64("offset", msg.Offset), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, "decode error")
			return nil
		}

		n, ok := notificationFor(event)
		if !ok {
			return nil
		}
		for _, to := range n.recipients {
			if to == "" {
				continue
			}
			logger.Info("notify",
				zap.String("to", to),
				zap.String("subject", n.subject),
				zap.String("order_id", event.OrderID),
				zap.String("event", string(event.Type)),
			)
		}
		return nil
	}

	return worker.HandlerRegistration{
		Name:    "order-notifications",
		Topic:   cfg.Messaging.Kafka.Topic,
		Handler: handler,
	}
}
