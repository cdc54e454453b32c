package order

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/entity"
	"github.com/yagydev/animalmela/internal/messaging"
	ordersvc "github.com/yagydev/animalmela/internal/service/order"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeRefunds struct {
	calls []string
	err   error
}

func (f *fakeRefunds) ProcessPendingRefund(_ context.Context, id string) (*entity.Order, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &entity.Order{ID: id, RefundStatus: entity.RefundStatusProcessed}, nil
}

func message(t *testing.T, e ordersvc.Event) messaging.Message {
	t.Helper()
	value, err := json.Marshal(e)
	require.NoError(t, err)
	return messaging.Message{
		Topic:   "orders",
		Value:   value,
		Headers: map[string]string{messaging.HeaderEventType: string(e.Type)},
	}
}

func TestRefundHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("settles pending refunds", func(t *testing.T) {
		refunds := &fakeRefunds{}
		h := newRefundHandler(refunds, zap.NewNop(), "orders").Handler
		err := h(ctx, message(t, ordersvc.Event{Type: ordersvc.EventOrderCancelled, OrderID: "o1", RefundStatus: entity.RefundStatusPending}))
		require.NoError(t, err)
		assert.Equal(t, []string{"o1"}, refunds.calls)
	})

	t.Run("skips cancellations without refund and other events", func(t *testing.T) {
		refunds := &fakeRefunds{}
		reg := newRefundHandler(refunds, zap.NewNop(), "orders")
		assert.Equal(t, []string{string(ordersvc.EventOrderCancelled)}, reg.Events)
		h := reg.Handler
		require.NoError(t, h(ctx, message(t, ordersvc.Event{Type: ordersvc.EventOrderCancelled, OrderID: "o2"})))
		require.NoError(t, h(ctx, message(t, ordersvc.Event{Type: ordersvc.EventOrderCreated, OrderID: "o3"})))
		require.NoError(t, h(ctx, messaging.Message{Value: []byte("{not json")}))
		assert.Empty(t, refunds.calls)
	})

	t.Run("transient failures are redelivered", func(t *testing.T) {
		refunds := &fakeRefunds{err: errorbank.Gateway("down", errorbank.WithCode("gateway_unavailable"))}
		h := newRefundHandler(refunds, zap.NewNop(), "orders").Handler
		err := h(ctx, message(t, ordersvc.Event{Type: ordersvc.EventOrderCancelled, OrderID: "o4", RefundStatus: entity.RefundStatusPending}))
		assert.Error(t, err)
	})

	t.Run("refund held by another processor is redelivered", func(t *testing.T) {
		refunds := &fakeRefunds{err: errorbank.Conflict("busy", errorbank.WithCode("refund_in_progress"))}
		h := newRefundHandler(refunds, zap.NewNop(), "orders").Handler
		err := h(ctx, message(t, ordersvc.Event{Type: ordersvc.EventOrderCancelled, OrderID: "o6", RefundStatus: entity.RefundStatusPending}))
		assert.Error(t, err)
		assert.Equal(t, []string{"o6"}, refunds.calls)
	})

	t.Run("permanent failures are acknowledged", func(t *testing.T) {
		refunds := &fakeRefunds{err: errorbank.Conflict("done", errorbank.WithCode("already_refunded"))}
		h := newRefundHandler(refunds, zap.NewNop(), "orders").Handler
		err := h(ctx, message(t, ordersvc.Event{Type: ordersvc.EventOrderCancelled, OrderID: "o5", RefundStatus: entity.RefundStatusPending}))
		assert.NoError(t, err)
		assert.Len(t, refunds.calls, 1)
	})
}

func TestNotificationHandlerIgnoresGarbage(t *testing.T) {
	cfg := config.Config{}
	cfg.Messaging.Kafka.Topic = "orders"
	reg := NewNotificationHandler(zap.NewNop(), cfg)
	assert.Equal(t, "orders", reg.Topic)

	assert.NoError(t, reg.Handler(context.Background(), messaging.Message{Value: []byte("nope")}))
	assert.NoError(t, reg.Handler(context.Background(), message(t, ordersvc.Event{Type: ordersvc.EventOrderRefunded, BuyerID: "b"})))

	n, ok := notificationFor(ordersvc.Event{Type: ordersvc.EventOrderCancelled, BuyerID: "b", SellerID: "s"})
	require.True(t, ok)
	assert.Equal(t, []string{"b", "s"}, n.recipients)

	_, ok = notificationFor(ordersvc.Event{Type: ordersvc.EventPaymentIntent})
	assert.False(t, ok)
}
