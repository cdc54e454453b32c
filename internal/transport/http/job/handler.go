package job

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/yagydev/animalmela/internal/dto"
	"github.com/yagydev/animalmela/internal/presentation/http/response"
	service "github.com/yagydev/animalmela/internal/service/transport"
	"github.com/yagydev/animalmela/internal/transport/http/middleware"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

var httpTracer = otel.Tracer("github.com/yagydev/animalmela/transport/http/job")

// Module wires HTTP transport job handlers.
var Module = fx.Options(
	fx.Provide(NewHandler),
	fx.Invoke(fx.Annotate(Register, fx.ParamTags(``, ``, middleware.AuthnTag))),
)

// Handler exposes transport job endpoints over HTTP.
type Handler struct {
	svc *service.Service
}

// NewHandler constructs a transport job Handler.
func NewHandler(svc *service.Service) *Handler {
	return &Handler{svc: svc}
}

// Register routes under /transport, all behind authn.
func Register(e *echo.Echo, h *Handler, authn echo.MiddlewareFunc) {
	g := e.Group("/transport", authn)
	g.POST("/accept", h.accept)
	g.GET("", h.listMine)
	g.GET("/:id", h.get)
	g.PATCH("/:id", h.update)
}

func (h *Handler) accept(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.AcceptJobRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "transport.accept", trace.WithAttributes(attribute.String("order.id", payload.OrderID)))
	defer span.End()

	job, err := h.svc.Accept(ctx, actor, service.AcceptInput{OrderID: payload.OrderID, Quote: payload.Quote})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithStatus(http.StatusCreated).WithData(dto.FromTransportJob(job)).Build()
}

func (h *Handler) update(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	var payload dto.UpdateJobRequest
	if err := c.Bind(&payload); err != nil {
		return b.WithError(errorbank.BadRequest("invalid payload", errorbank.WithCause(err))).Build()
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "transport.update", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	job, err := h.svc.Update(ctx, actor, id, service.UpdateInput{Status: payload.Status, Tracking: payload.Tracking})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromTransportJob(job)).Build()
}

func (h *Handler) get(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	id := c.Param("id")

	ctx, span := httpTracer.Start(c.Request().Context(), "transport.get", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	job, err := h.svc.Get(ctx, actor, id)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromTransportJob(job)).Build()
}

func (h *Handler) listMine(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	jobs, err := h.svc.ListMine(c.Request().Context(), actor, limit, offset)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.FromTransportJobs(jobs)).WithMeta("limit", limit).WithMeta("offset", offset).Build()
}
