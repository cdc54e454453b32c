package order

import (
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
)

var workerTracer = otel.Tracer("github.com/yagydev/animalmela/worker/order")

// Module registers order-related worker handlers.
var Module = fx.Module("worker_order",
	fx.Provide(
		fx.Annotate(
			NewNotificationHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
		fx.Annotate(
			NewRefundHandler,
			fx.ResultTags(`group:"worker.handlers"`),
		),
	),
)
