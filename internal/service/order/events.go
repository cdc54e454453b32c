package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/entity"
)

// EventType names an order domain event.
type EventType string

const (
	EventOrderCreated       EventType = "order.created"
	EventOrderStatusChanged EventType = "order.status_changed"
	EventOrderTracking      EventType = "order.tracking_updated"
	EventOrderCancelled     EventType = "order.cancelled"
	EventPaymentIntent      EventType = "order.payment_intent_created"
	EventPaymentCaptured    EventType = "order.payment_captured"
	EventPaymentFailed      EventType = "order.payment_failed"
	EventOrderRefunded      EventType = "order.refunded"
)

// Event is published to the order topic after a change commits.
type Event struct {
	Type          EventType            `json:"type"`
	OrderID       string               `json:"order_id"`
	BuyerID       string               `json:"buyer_id"`
	SellerID      string               `json:"seller_id"`
	Status        entity.OrderStatus   `json:"status"`
	PaymentStatus entity.PaymentStatus `json:"payment_status"`
	RefundStatus  entity.RefundStatus  `json:"refund_status,omitempty"`
	RefundAmount  decimal.Decimal      `json:"refund_amount"`
	TotalAmount   decimal.Decimal      `json:"total_amount"`
	AdvanceAmount decimal.Decimal      `json:"advance_amount"`
	Currency      string               `json:"currency"`
	ActorID       string               `json:"actor_id,omitempty"`
	ActorRole     access.Role          `json:"actor_role,omitempty"`
	OccurredAt    time.Time            `json:"occurred_at"`
}

func newEvent(t EventType, o *entity.Order, actor access.Actor, at time.Time) Event {
	return Event{
		Type:          t,
		OrderID:       o.ID,
		BuyerID:       o.BuyerID,
		SellerID:      o.SellerID,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		RefundStatus:  o.RefundStatus,
		RefundAmount:  o.RefundAmount,
		TotalAmount:   o.TotalAmount,
		AdvanceAmount: o.AdvanceAmount,
		Currency:      o.Currency,
		ActorID:       actor.ID,
		ActorRole:     actor.Role,
		OccurredAt:    at,
	}
}
