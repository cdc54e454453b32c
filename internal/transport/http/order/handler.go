package order

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yagydev/animalmela/internal/dto"
	"github.com/yagydev/animalmela/internal/presentation/http/response"
	service "github.com/yagydev/animalmela/internal/service/order"
	"github.com/yagydev/animalmela/internal/transport/http/middleware"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/yagydev/animalmela/transport/http/order")

// Handler exposes order endpoints over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs an order Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes with provided Echo group. authn guards every route except the
// gateway webhook, which is authenticated by its signature.
func Register(e *echo.Echo, h *Handler, authn echo.MiddlewareFunc) {
	g := e.Group("/orders", authn)
	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.getByID)
	g.PATCH("/:id/status", h.updateStatus)
	g.PATCH("/:id/tracking", h.updateTracking)
	g.DELETE("/:id", h.cancel)
	g.POST("/:id/refund", h.refund)

	p := e.Group("/bookings/payment")
	p.GET("/create", h.createPayment, authn)
	p.GET("/verify", h.verifyPayment, authn)
	p.POST("/webhook", h.webhook)
}

func (h *Handler) create(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}

	var payload dto.CreateOrderRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.create", trace.WithAttributes(
		attribute.String("listing.id", payload.ListingID),
	))
	defer span.End()

	order, err := h.svc.Create(ctx, actor, service.CreateInput{
		ListingID:    payload.ListingID,
		Quantity:     payload.Quantity,
		Amount:       payload.Amount,
		ShippingCost: payload.ShippingCost,
	})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) list(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		return b.WithError(err).Build()
	}
	offset, err := intQuery(c, "offset")
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.list")
	defer span.End()

	page, err := h.svc.List(ctx, actor, service.ListInput{
		Status: c.QueryParam("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrders(page.Orders)).WithPage(page.Total, page.Limit, page.Offset).Build()
}

func (h *Handler) getByID(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.getByID", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := h.svc.Get(ctx, actor, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) updateStatus(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.StatusRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	if payload.Status == "" {
		return b.WithError(errorbank.BadRequest("status is required", errorbank.WithCode("invalid_status"))).Build()
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.updateStatus", trace.WithAttributes(
		attribute.String("order.id", id),
		attribute.String("order.target", payload.Status),
	))
	defer span.End()

	order, err := h.svc.UpdateStatus(ctx, actor, id, service.StatusInput{Status: payload.Status, Reason: payload.Reason})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) updateTracking(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.TrackingRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.updateTracking", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := h.svc.UpdateTracking(ctx, actor, id, service.TrackingInput{
		Carrier:           payload.Carrier,
		Number:            payload.Number,
		EstimatedDelivery: payload.EstimatedDelivery,
	})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) cancel(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&payload); err != nil {
			return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
		}
	}
	if payload.Reason == "" {
		payload.Reason = c.QueryParam("reason")
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.cancel", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := h.svc.Cancel(ctx, actor, id, payload.Reason)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func (h *Handler) refund(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.RefundRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&payload); err != nil {
			return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
		}
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "orders.refund", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := h.svc.Refund(ctx, actor, id, payload.Amount)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromOrder(order)).Build()
}

func intQuery(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errorbank.BadRequest(name+" must be a non-negative integer", errorbank.WithCode("invalid_query"))
	}
	return v, nil
}
