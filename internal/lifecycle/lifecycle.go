// Package lifecycle holds the order state machine and amount reconciliation
// rules. It has no I/O; the order service applies these rules inside a single
// read-modify-write against the store.
package lifecycle

import (
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"github.com/yagydev/animalmela/internal/entity"
)

var (
	// ErrInvalidTransition is returned when the table does not allow from -> to.
	ErrInvalidTransition = errors.New("lifecycle: invalid status transition")
	// ErrNotCancellable is returned when cancellation is requested outside pending/confirmed.
	ErrNotCancellable = errors.New("lifecycle: order is not cancellable")
	// ErrRefundNotProcessed is returned when refunded is requested before a refund succeeded.
	ErrRefundNotProcessed = errors.New("lifecycle: refund has not been processed")
	// ErrUnpaid is returned when fulfilment is requested on an unpaid order under the
	// payment-before-delivery policy.
	ErrUnpaid = errors.New("lifecycle: order has not been paid")
)

var transitions = map[entity.OrderStatus][]entity.OrderStatus{
	entity.OrderStatusPending: {
		entity.OrderStatusConfirmed,
		entity.OrderStatusCancelled,
		entity.OrderStatusDelivered,
	},
	entity.OrderStatusConfirmed: {
		entity.OrderStatusProcessing,
		entity.OrderStatusShipped,
		entity.OrderStatusOutForDelivery,
		entity.OrderStatusDelivered,
		entity.OrderStatusCancelled,
	},
	entity.OrderStatusProcessing: {
		entity.OrderStatusShipped,
		entity.OrderStatusOutForDelivery,
		entity.OrderStatusDelivered,
	},
	entity.OrderStatusShipped: {
		entity.OrderStatusOutForDelivery,
		entity.OrderStatusDelivered,
	},
	entity.OrderStatusOutForDelivery: {
		entity.OrderStatusDelivered,
	},
	entity.OrderStatusDelivered: {},
	entity.OrderStatusCancelled: {},
	entity.OrderStatusRefunded:  {},
}

var cancellable = []entity.OrderStatus{entity.OrderStatusPending, entity.OrderStatusConfirmed}

// fulfilment statuses that require settlement under the payment-before-delivery policy.
var fulfilment = []entity.OrderStatus{
	entity.OrderStatusProcessing,
	entity.OrderStatusShipped,
	entity.OrderStatusOutForDelivery,
	entity.OrderStatusDelivered,
}

// Policy toggles optional business rules.
type Policy struct {
	RequirePaymentBeforeDelivery bool
}

// Next lists the statuses reachable from current through the table. Refunded is
// not listed; it only follows a processed refund.
func Next(current entity.OrderStatus) []entity.OrderStatus {
	return slices.Clone(transitions[current])
}

// Cancellable reports whether an order in status may be cancelled.
func Cancellable(status entity.OrderStatus) bool {
	return slices.Contains(cancellable, status)
}

// Terminal reports whether no table transition leaves status.
func Terminal(status entity.OrderStatus) bool {
	return len(transitions[status]) == 0
}

// CheckTransition validates moving order to target under policy.
func CheckTransition(order *entity.Order, target entity.OrderStatus, policy Policy) error {
	current := order.Status
	if target == entity.OrderStatusRefunded {
		if current == entity.OrderStatusRefunded {
			return fmt.Errorf("%w: order is already refunded", ErrInvalidTransition)
		}
		if order.RefundStatus != entity.RefundStatusProcessed {
			return ErrRefundNotProcessed
		}
		return nil
	}
	if target == entity.OrderStatusCancelled && !Cancellable(current) {
		return fmt.Errorf("%w: status %s", ErrNotCancellable, current)
	}
	if !slices.Contains(transitions[current], target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, target)
	}
	if policy.RequirePaymentBeforeDelivery && slices.Contains(fulfilment, target) &&
		order.PaymentStatus != entity.PaymentStatusPaid {
		return fmt.Errorf("%w: payment status %s", ErrUnpaid, order.PaymentStatus)
	}
	return nil
}

// ReconcilePayment derives the payment status from what has been captured.
func ReconcilePayment(captured, total decimal.Decimal, gatewayFailed bool) entity.PaymentStatus {
	switch {
	case captured.IsPositive() && captured.GreaterThanOrEqual(total):
		return entity.PaymentStatusPaid
	case captured.IsPositive():
		return entity.PaymentStatusPartial
	case gatewayFailed:
		return entity.PaymentStatusFailed
	default:
		return entity.PaymentStatusPending
	}
}

// RefundAmount is the lesser of what was captured and the order total; never
// more than was actually taken from the buyer.
func RefundAmount(captured, total decimal.Decimal) decimal.Decimal {
	if !captured.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(captured, total)
}
