package transport

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/entity"
	"github.com/yagydev/animalmela/internal/observability"
	orderrepo "github.com/yagydev/animalmela/internal/repository/order"
	jobrepo "github.com/yagydev/animalmela/internal/repository/transport"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

var serviceTracer = otel.Tracer("github.com/yagydev/animalmela/service/transport")

// Module provides the transport job service to Fx.
var Module = fx.Provide(NewService)

// order statuses a transporter may pick up.
var transportable = map[entity.OrderStatus]struct{}{
	entity.OrderStatusConfirmed:      {},
	entity.OrderStatusProcessing:     {},
	entity.OrderStatusShipped:        {},
	entity.OrderStatusOutForDelivery: {},
}

// Service manages transport jobs attached to orders.
type Service struct {
	jobs       *jobrepo.Repository
	orders     *orderrepo.Repository
	logger     *zap.Logger
	metrics    *observability.OrderMetrics
	maxRetries int
	pageSize   int
	now        func() time.Time
	newID      func() string
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Jobs    *jobrepo.Repository
	Orders  *orderrepo.Repository
	Config  config.Config
	Logger  *zap.Logger
	Metrics *observability.OrderMetrics `optional:"true"`
}

// NewService wires a new Service instance.
func NewService(p Params) *Service {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retries := p.Config.Orders.MaxUpdateRetries
	if retries <= 0 {
		retries = 1
	}
	pageSize := p.Config.Orders.DefaultPageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Service{
		jobs:       p.Jobs,
		orders:     p.Orders,
		logger:     logger.Named("transport"),
		metrics:    p.Metrics,
		maxRetries: retries,
		pageSize:   pageSize,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return ulid.Make().String() },
	}
}

// AcceptInput is a transporter's quote for an order.
type AcceptInput struct {
	OrderID string
	Quote   decimal.Decimal
}

// Accept assigns the acting transporter to an order that has been confirmed.
func (s *Service) Accept(ctx context.Context, actor access.Actor, in AcceptInput) (*entity.TransportJob, error) {
	ctx, span := serviceTracer.Start(ctx, "TransportService.Accept", trace.WithAttributes(attribute.String("order.id", in.OrderID)))
	defer span.End()

	if d := access.CanAcceptJob(actor); !d.Allowed {
		return nil, errorbank.Forbidden(d.Reason, errorbank.WithCode("access_denied"))
	}
	if strings.TrimSpace(in.OrderID) == "" {
		return nil, errorbank.BadRequest("orderId is required", errorbank.WithCode("order_required"))
	}
	if in.Quote.IsNegative() {
		return nil, errorbank.BadRequest("quote cannot be negative", errorbank.WithCode("invalid_quote"))
	}

	order, err := s.orders.GetByID(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, orderrepo.ErrNotFound) {
			return nil, errorbank.NotFound("order not found", errorbank.WithCode("order_not_found"))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "order lookup failed")
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}
	if _, ok := transportable[order.Status]; !ok {
		return nil, errorbank.Conflict("order is not ready for transport",
			errorbank.WithCode("order_not_transportable"),
			errorbank.WithDetail("status", order.Status))
	}

	now := s.now()
	job := &entity.TransportJob{
		ID:            s.newID(),
		OrderID:       order.ID,
		TransporterID: actor.ID,
		Quote:         in.Quote.Round(2),
		Status:        entity.TransportStatusAssigned,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, jobrepo.ErrActiveJobExists) {
			return nil, errorbank.Conflict("order already has an active transport job", errorbank.WithCode("active_job_exists"))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to create transport job", errorbank.WithCause(err))
	}

	s.metrics.Job(ctx, string(job.Status))
	s.logger.Info("transport job accepted",
		zap.String("id", job.ID),
		zap.String("order_id", job.OrderID),
		zap.String("transporter_id", job.TransporterID),
		zap.String("quote", job.Quote.StringFixed(2)),
	)
	return job, nil
}

// UpdateInput advances a job.
type UpdateInput struct {
	Status   string
	Tracking *string
}

// Update moves a job forward along assigned, picked, in-transit, delivered.
// Re-sending the current status only updates tracking.
func (s *Service) Update(ctx context.Context, actor access.Actor, id string, in UpdateInput) (*entity.TransportJob, error) {
	ctx, span := serviceTracer.Start(ctx, "TransportService.Update", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	target, err := entity.ParseTransportStatus(in.Status)
	if err != nil {
		return nil, errorbank.BadRequest(err.Error(), errorbank.WithCode("invalid_status"))
	}

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		job, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if d := access.CanMutateJob(actor, job); !d.Allowed {
			return nil, errorbank.Forbidden(d.Reason, errorbank.WithCode("access_denied"))
		}
		if job.Status == entity.TransportStatusDelivered {
			return nil, errorbank.Conflict("transport job is already delivered", errorbank.WithCode("job_closed"))
		}
		if target.Rank() < job.Status.Rank() {
			return nil, errorbank.Conflict("transport status cannot move backwards",
				errorbank.WithCode("invalid_transition"),
				errorbank.WithDetail("from", job.Status),
				errorbank.WithDetail("to", target))
		}

		from := job.Status
		job.Status = target
		if in.Tracking != nil {
			job.Tracking = strings.TrimSpace(*in.Tracking)
		}

		err = s.jobs.Update(ctx, job)
		if err == nil {
			if from != target {
				s.metrics.Job(ctx, string(target))
			}
			s.logger.Info("transport job updated",
				zap.String("id", job.ID),
				zap.String("from", string(from)),
				zap.String("to", string(target)),
			)
			return job, nil
		}
		if !errors.Is(err, jobrepo.ErrVersionConflict) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "repository error")
			return nil, errorbank.Internal("failed to update transport job", errorbank.WithCause(err))
		}
		s.logger.Debug("transport job version conflict; retrying", zap.String("id", id), zap.Int("attempt", attempt))
	}
	return nil, errorbank.Conflict("transport job was modified concurrently; retry the request",
		errorbank.WithCode("concurrent_update"))
}

// Get returns a job to its transporter, an admin, or the order's buyer and seller.
func (s *Service) Get(ctx context.Context, actor access.Actor, id string) (*entity.TransportJob, error) {
	ctx, span := serviceTracer.Start(ctx, "TransportService.Get", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	var order *entity.Order
	if !access.CanMutateJob(actor, job).Allowed {
		order, err = s.orders.GetByID(ctx, job.OrderID)
		if err != nil && !errors.Is(err, orderrepo.ErrNotFound) {
			return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}
	}
	if d := access.CanViewJob(actor, job, order); !d.Allowed {
		return nil, errorbank.Forbidden(d.Reason, errorbank.WithCode("access_denied"))
	}
	return job, nil
}

// ListMine pages through the acting transporter's jobs.
func (s *Service) ListMine(ctx context.Context, actor access.Actor, limit, offset int) ([]entity.TransportJob, error) {
	if actor.Role != access.RoleTransporter {
		return nil, errorbank.Forbidden("only transporters have transport jobs", errorbank.WithCode("access_denied"))
	}
	if limit <= 0 || limit > 100 {
		limit = s.pageSize
	}
	if offset < 0 {
		offset = 0
	}
	jobs, err := s.jobs.ListByTransporter(ctx, actor.ID, limit, offset)
	if err != nil {
		return nil, errorbank.Internal("failed to list transport jobs", errorbank.WithCause(err))
	}
	return jobs, nil
}

func (s *Service) load(ctx context.Context, id string) (*entity.TransportJob, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, jobrepo.ErrNotFound) {
			return nil, errorbank.NotFound("transport job not found", errorbank.WithCode("job_not_found"))
		}
		return nil, errorbank.Internal("failed to load transport job", errorbank.WithCause(err))
	}
	return job, nil
}
