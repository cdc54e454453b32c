package dto

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/yagydev/animalmela/internal/entity"
)

// OrderResponse is the public representation of an order.
type OrderResponse struct {
	ID                 string            `json:"id"`
	ListingID          string            `json:"listing_id"`
	BuyerID            string            `json:"buyer_id"`
	SellerID           string            `json:"seller_id"`
	Quantity           int               `json:"quantity"`
	UnitPrice          decimal.Decimal   `json:"unit_price"`
	Amount             decimal.Decimal   `json:"amount"`
	ShippingCost       decimal.Decimal   `json:"shipping_cost"`
	TotalAmount        decimal.Decimal   `json:"total_amount"`
	AdvanceAmount      decimal.Decimal   `json:"advance_amount"`
	Outstanding        decimal.Decimal   `json:"outstanding"`
	Currency           string            `json:"currency"`
	Status             string            `json:"status"`
	PaymentStatus      string            `json:"payment_status"`
	Payment            *PaymentResponse  `json:"payment_details,omitempty"`
	Tracking           *TrackingResponse `json:"tracking_info,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	RefundAmount       decimal.Decimal   `json:"refund_amount"`
	RefundStatus       string            `json:"refund_status,omitempty"`
	RefundID           string            `json:"refund_id,omitempty"`
	Version            int64             `json:"version"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// PaymentResponse exposes settled payment details. The gateway signature is
// never echoed back.
type PaymentResponse struct {
	Gateway        string     `json:"gateway"`
	TransactionID  string     `json:"transaction_id"`
	GatewayOrderID string     `json:"gateway_order_id"`
	SettledAt      *time.Time `json:"settled_at,omitempty"`
}

// TrackingResponse exposes shipment details.
type TrackingResponse struct {
	Carrier           string     `json:"carrier,omitempty"`
	Number            string     `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
}

// FromOrder maps an order entity onto its response.
func FromOrder(o *entity.Order) OrderResponse {
	resp := OrderResponse{
		ID:                 o.ID,
		ListingID:          o.ListingID,
		BuyerID:            o.BuyerID,
		SellerID:           o.SellerID,
		Quantity:           o.Quantity,
		UnitPrice:          o.UnitPrice,
		Amount:             o.Amount,
		ShippingCost:       o.ShippingCost,
		TotalAmount:        o.TotalAmount,
		AdvanceAmount:      o.AdvanceAmount,
		Outstanding:        o.Outstanding(),
		Currency:           o.Currency,
		Status:             string(o.Status),
		PaymentStatus:      string(o.PaymentStatus),
		CancellationReason: o.CancellationReason,
		RefundAmount:       o.RefundAmount,
		RefundStatus:       string(o.RefundStatus),
		RefundID:           o.RefundID,
		Version:            o.Version,
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	if p := o.PaymentDetails; p.TransactionID != "" {
		resp.Payment = &PaymentResponse{
			Gateway:        p.Gateway,
			TransactionID:  p.TransactionID,
			GatewayOrderID: p.GatewayOrderID,
			SettledAt:      p.SettledAt,
		}
	}
	if t := o.TrackingInfo; t.Carrier != "" || t.Number != "" || t.EstimatedDelivery != nil || t.DeliveredAt != nil {
		resp.Tracking = &TrackingResponse{
			Carrier:           t.Carrier,
			Number:            t.Number,
			EstimatedDelivery: t.EstimatedDelivery,
			DeliveredAt:       t.DeliveredAt,
		}
	}
	return resp
}

// FromOrders maps a page of orders.
func FromOrders(orders []entity.Order) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for i := range orders {
		out = append(out, FromOrder(&orders[i]))
	}
	return out
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	ListingID    string           `json:"listing_id"`
	Quantity     int              `json:"quantity"`
	Amount       *decimal.Decimal `json:"amount"`
	ShippingCost *decimal.Decimal `json:"shipping_cost"`
}

// StatusRequest is the body of PATCH /orders/:id/status.
type StatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// TrackingRequest is the body of PATCH /orders/:id/tracking.
type TrackingRequest struct {
	Carrier           string     `json:"carrier"`
	Number            string     `json:"tracking_number"`
	EstimatedDelivery *time.Time `json:"estimated_delivery"`
}

// CancelRequest is the optional body of DELETE /orders/:id.
type CancelRequest struct {
	Reason string `json:"reason"`
}

// RefundRequest is the body of POST /orders/:id/refund.
type RefundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// PaymentIntentResponse is returned by the payment create endpoint.
type PaymentIntentResponse struct {
	BookingID      string          `json:"booking_id"`
	Gateway        string          `json:"gateway"`
	GatewayOrderID string          `json:"gateway_order_id"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Outstanding    decimal.Decimal `json:"outstanding"`
}

// VerifyResponse is returned once a gateway callback has been accepted.
type VerifyResponse struct {
	PaymentStatus  string        `json:"payment_status"`
	BookingStatus  string        `json:"booking_status"`
	AlreadyApplied bool          `json:"already_applied"`
	Order          OrderResponse `json:"order"`
}

// WebhookResponse acknowledges a gateway webhook.
type WebhookResponse struct {
	Event          string `json:"event"`
	Handled        bool   `json:"handled"`
	AlreadyApplied bool   `json:"already_applied"`
	OrderID        string `json:"order_id,omitempty"`
}
