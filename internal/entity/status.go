package entity

import (
	"fmt"
	"strings"
)

// OrderStatus is the fulfilment axis of an order.
type OrderStatus string

// remember to add new statuses to orderStatuses
const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusConfirmed      OrderStatus = "confirmed"
	OrderStatusProcessing     OrderStatus = "processing"
	OrderStatusShipped        OrderStatus = "shipped"
	OrderStatusOutForDelivery OrderStatus = "out_for_delivery"
	OrderStatusDelivered      OrderStatus = "delivered"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusRefunded       OrderStatus = "refunded"
)

var orderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipped,
	OrderStatusOutForDelivery,
	OrderStatusDelivered,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

// OrderStatuses returns every order status in lifecycle order.
func OrderStatuses() []OrderStatus {
	out := make([]OrderStatus, len(orderStatuses))
	copy(out, orderStatuses)
	return out
}

// ParseOrderStatus validates s against the closed set of order statuses.
func ParseOrderStatus(s string) (OrderStatus, error) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range orderStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", s)
}

// PaymentStatus is the settlement axis of an order.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusPartial  PaymentStatus = "partial"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Settled reports whether any amount has been captured for the status.
func (s PaymentStatus) Settled() bool {
	return s == PaymentStatusPaid || s == PaymentStatusPartial
}

// RefundStatus tracks refunds owed after cancellation. Processing marks a
// refund claimed by one caller while the gateway is being called.
type RefundStatus string

const (
	RefundStatusNone       RefundStatus = ""
	RefundStatusPending    RefundStatus = "pending"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusProcessed  RefundStatus = "processed"
)

// TransportStatus is the state of a transport job.
type TransportStatus string

const (
	TransportStatusAssigned  TransportStatus = "assigned"
	TransportStatusPicked    TransportStatus = "picked"
	TransportStatusInTransit TransportStatus = "in-transit"
	TransportStatusDelivered TransportStatus = "delivered"
)

var transportStatuses = []TransportStatus{
	TransportStatusAssigned,
	TransportStatusPicked,
	TransportStatusInTransit,
	TransportStatusDelivered,
}

// ParseTransportStatus validates s against the transport job statuses.
func ParseTransportStatus(s string) (TransportStatus, error) {
	status := TransportStatus(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range transportStatuses {
		if status == known {
			return status, nil
		}
	}
	return "", fmt.Errorf("invalid transport status %q", s)
}

// Rank returns the position of the status in the job lifecycle, or -1.
func (s TransportStatus) Rank() int {
	for i, known := range transportStatuses {
		if s == known {
			return i
		}
	}
	return -1
}

// ListingStatus mirrors the listing service's availability flag.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusInactive ListingStatus = "inactive"
	ListingStatusSold     ListingStatus = "sold"
)
