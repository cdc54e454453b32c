package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/yagydev/animalmela/orders"

// OrderMetrics holds the counters the order flows record.
type OrderMetrics struct {
	transitions   metric.Int64Counter
	verifications metric.Int64Counter
	refunds       metric.Int64Counter
	jobs          metric.Int64Counter
}

// NewOrderMetrics registers the order counters on mgr's meter provider.
func NewOrderMetrics(mgr *Manager) (*OrderMetrics, error) {
	meter := mgr.Meter(meterName)

	transitions, err := meter.Int64Counter("orders.transitions",
		metric.WithDescription("Order status transitions applied"))
	if err != nil {
		return nil, err
	}
	verifications, err := meter.Int64Counter("orders.payment.verifications",
		metric.WithDescription("Payment callback and webhook verifications by outcome"))
	if err != nil {
		return nil, err
	}
	refunds, err := meter.Int64Counter("orders.refunds",
		metric.WithDescription("Refund attempts by outcome"))
	if err != nil {
		return nil, err
	}
	jobs, err := meter.Int64Counter("transport.jobs",
		metric.WithDescription("Transport job state changes"))
	if err != nil {
		return nil, err
	}

	return &OrderMetrics{
		transitions:   transitions,
		verifications: verifications,
		refunds:       refunds,
		jobs:          jobs,
	}, nil
}

// Transition counts one order status change.
func (m *OrderMetrics) Transition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Verification counts one payment verification outcome.
func (m *OrderMetrics) Verification(ctx context.Context, source, outcome string) {
	if m == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}

// Refund counts one refund attempt outcome.
func (m *OrderMetrics) Refund(ctx context.Context, gateway, outcome string) {
	if m == nil {
		return
	}
	m.refunds.Add(ctx, 1, metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("outcome", outcome),
	))
}

// Job counts one transport job state change.
func (m *OrderMetrics) Job(ctx context.Context, status string) {
	if m == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
