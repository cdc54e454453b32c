package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/yagydev/animalmela/internal/cache"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/entity"
	"github.com/yagydev/animalmela/internal/lifecycle"
	"github.com/yagydev/animalmela/internal/messaging"
	"github.com/yagydev/animalmela/internal/observability"
	"github.com/yagydev/animalmela/internal/payment"
	listingrepo "github.com/yagydev/animalmela/internal/repository/listing"
	repo "github.com/yagydev/animalmela/internal/repository/order"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

// Module provides the order service to Fx.
var Module = fx.Provide(NewService)

var serviceTracer = otel.Tracer("github.com/yagydev/animalmela/service/order")

// errNoChange tells mutate the order already reflects the requested change.
var errNoChange = errors.New("no change")

// Service owns the order lifecycle: creation, status changes, payment
// reconciliation, cancellation and refunds.
type Service struct {
	repo       *repo.Repository
	listings   *listingrepo.Repository
	gateway    payment.Gateway
	cache      cache.Store
	cacheTTL   time.Duration
	logger     *zap.Logger
	publisher  messaging.Client
	messaging  messagingConfig
	metrics    *observability.OrderMetrics
	policy     lifecycle.Policy
	maxRetries int
	pageSize   int
	currency   string
	now        func() time.Time
	newID      func() string
}

// messagingConfig contains messaging specific knobs we care about.
type messagingConfig struct {
	enabled bool
	topic   string
}

// Params defines dependencies for constructing Service.
type Params struct {
	fx.In

	Repository *repo.Repository
	Listings   *listingrepo.Repository
	Gateway    payment.Gateway
	Cache      cache.Store
	Config     config.Config
	Logger     *zap.Logger
	Publisher  messaging.Client
	Metrics    *observability.OrderMetrics `optional:"true"`
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
	currency := p.Config.Payment.Currency
	if currency == "" {
		currency = "INR"
	}
	return &Service{
		repo:      p.Repository,
		listings:  p.Listings,
		gateway:   p.Gateway,
		cache:     p.Cache,
		cacheTTL:  p.Config.Cache.DefaultTTL,
		logger:    logger.Named("orders"),
		publisher: p.Publisher,
		messaging: messagingConfig{
			enabled: p.Config.Messaging.Enabled,
			topic:   p.Config.Messaging.Kafka.Topic,
		},
		metrics:    p.Metrics,
		policy:     lifecycle.Policy{RequirePaymentBeforeDelivery: p.Config.Orders.RequirePaymentBeforeDelivery},
		maxRetries: retries,
		pageSize:   pageSize,
		currency:   currency,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      func() string { return ulid.Make().String() },
	}
}

// CreateInput carries a buyer's booking request.
type CreateInput struct {
	ListingID    string
	Quantity     int
	Amount       *decimal.Decimal
	ShippingCost *decimal.Decimal
}

// Create books a listing for the acting buyer.
func (s *Service) Create(ctx context.Context, actor access.Actor, in CreateInput) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Create", trace.WithAttributes(
		attribute.String("listing.id", in.ListingID),
		attribute.String("actor.role", string(actor.Role)),
	))
	defer span.End()

	if d := access.CanCreateOrder(actor); !d.Allowed {
		return nil, denied(d)
	}
	if strings.TrimSpace(in.ListingID) == "" {
		return nil, errorbank.BadRequest("listing_id is required", errorbank.WithCode("listing_required"))
	}

	quantity := in.Quantity
	if quantity == 0 {
		quantity = 1
	}
	if quantity < 1 {
		return nil, errorbank.BadRequest("quantity must be at least 1", errorbank.WithCode("invalid_quantity"))
	}

	listing, err := s.listings.GetByID(ctx, in.ListingID)
	if err != nil {
		if errors.Is(err, listingrepo.ErrNotFound) {
			return nil, errorbank.NotFound("listing not found", errorbank.WithCode("listing_not_found"))
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing lookup failed")
		return nil, errorbank.Internal("failed to load listing", errorbank.WithCause(err))
	}
	if listing.Status != entity.ListingStatusActive {
		return nil, errorbank.BadRequest("listing is not available", errorbank.WithCode("listing_unavailable"),
			errorbank.WithDetail("listing_status", listing.Status))
	}
	if listing.SellerID == actor.ID {
		return nil, errorbank.BadRequest("sellers cannot book their own listing", errorbank.WithCode("self_purchase"))
	}

	amount := listing.Price.Mul(decimal.NewFromInt(int64(quantity)))
	if in.Amount != nil {
		amount = *in.Amount
	}
	if !amount.IsPositive() {
		return nil, errorbank.BadRequest("amount must be greater than zero", errorbank.WithCode("invalid_amount"))
	}
	shipping := decimal.Zero
	if in.ShippingCost != nil {
		shipping = *in.ShippingCost
	}
	if shipping.IsNegative() {
		return nil, errorbank.BadRequest("shipping cost cannot be negative", errorbank.WithCode("invalid_amount"))
	}

	currency := listing.Currency
	if currency == "" {
		currency = s.currency
	}

	amount = amount.Round(2)
	shipping = shipping.Round(2)
	now := s.now()
	order := &entity.Order{
		ID:            s.newID(),
		ListingID:     listing.ID,
		BuyerID:       actor.ID,
		SellerID:      listing.SellerID,
		Quantity:      quantity,
		UnitPrice:     listing.Price,
		Amount:        amount,
		ShippingCost:  shipping,
		TotalAmount:   amount.Add(shipping),
		AdvanceAmount: decimal.Zero,
		RefundAmount:  decimal.Zero,
		Currency:      currency,
		Status:        entity.OrderStatusPending,
		PaymentStatus: entity.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.Create(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to create order", errorbank.WithCause(err))
	}

	s.metrics.Transition(ctx, "", string(order.Status))
	s.afterCommit(ctx, order, EventOrderCreated, actor)
	return order, nil
}

// Get retrieves an order by id, consulting cache when available.
func (s *Service) Get(ctx context.Context, actor access.Actor, id string) (*entity.Order, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.Get", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	order, err := s.getFromCache(ctx, id)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn("orders cache read failed", zap.String("id", id), zap.Error(err))
		}
		order, err = s.repo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, orderNotFound()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "repository error")
			return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
		}
		if err := s.storeInCache(ctx, order); err != nil {
			s.logger.Warn("orders cache write failed", zap.String("id", id), zap.Error(err))
		}
	}

	if d := access.CanView(actor, order); !d.Allowed {
		return nil, denied(d)
	}
	return order, nil
}

// ListInput filters and pages List.
type ListInput struct {
	Status string
	Limit  int
	Offset int
}

// ListResult is one page of orders.
type ListResult struct {
	Orders []entity.Order
	Total  int
	Limit  int
	Offset int
}

// List returns the orders the actor participates in; admins see every order.
func (s *Service) List(ctx context.Context, actor access.Actor, in ListInput) (*ListResult, error) {
	ctx, span := serviceTracer.Start(ctx, "OrderService.List", trace.WithAttributes(attribute.String("actor.role", string(actor.Role))))
	defer span.End()

	switch actor.Role {
	case access.RoleBuyer, access.RoleSeller, access.RoleAdmin:
	default:
		return nil, errorbank.Forbidden("role cannot list orders", errorbank.WithCode("access_denied"))
	}

	filter := repo.ListFilter{Limit: in.Limit, Offset: in.Offset}
	if filter.Limit <= 0 {
		filter.Limit = s.pageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if in.Status != "" {
		status, err := entity.ParseOrderStatus(in.Status)
		if err != nil {
			return nil, errorbank.BadRequest(err.Error(), errorbank.WithCode("invalid_status"))
		}
		filter.Status = status
	}

	orders, total, err := s.repo.FindActiveFor(ctx, actor.ID, actor.Role, filter)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "repository error")
		return nil, errorbank.Internal("failed to list orders", errorbank.WithCause(err))
	}
	return &ListResult{Orders: orders, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// load reads an order from the writer for a mutation.
func (s *Service) load(ctx context.Context, id string) (*entity.Order, error) {
	order, err := s.repo.GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, orderNotFound()
		}
		return nil, errorbank.Internal("failed to load order", errorbank.WithCause(err))
	}
	return order, nil
}

// mutate applies fn to the freshest copy of the order and writes it back with a
// version check. On conflict the order is re-read and fn re-evaluated, so only
// the first of several racing requests sees its precondition hold. The bool
// result reports whether anything was written.
func (s *Service) mutate(ctx context.Context, id string, fn func(*entity.Order) error) (*entity.Order, bool, error) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		order, err := s.load(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if err := fn(order); err != nil {
			if errors.Is(err, errNoChange) {
				return order, false, nil
			}
			return nil, false, err
		}
		err = s.repo.Update(ctx, order)
		if err == nil {
			return order, true, nil
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			return nil, false, errorbank.Internal("failed to update order", errorbank.WithCause(err))
		}
		s.logger.Debug("order version conflict; retrying", zap.String("id", id), zap.Int("attempt", attempt))
	}
	return nil, false, errorbank.Conflict("order was modified concurrently; retry the request",
		errorbank.WithCode("concurrent_update"))
}

func (s *Service) afterCommit(ctx context.Context, order *entity.Order, eventType EventType, actor access.Actor) {
	if err := s.storeInCache(ctx, order); err != nil {
		s.logger.Warn("orders cache write failed", zap.String("id", order.ID), zap.Error(err))
	}
	s.publish(ctx, newEvent(eventType, order, actor, s.now()))
}

func (s *Service) publish(ctx context.Context, event Event) {
	if !s.messaging.enabled || s.publisher == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshal order event", zap.String("type", string(event.Type)), zap.Error(err))
		return
	}
	headers := map[string]string{messaging.HeaderEventType: string(event.Type)}
	if err := s.publisher.Publish(ctx, []byte("order-"+event.OrderID), payload, headers); err != nil {
		s.logger.Error("publish order event",
			zap.String("type", string(event.Type)),
			zap.String("order_id", event.OrderID),
			zap.Error(err),
		)
	}
}

func (s *Service) cacheKey(id string) string {
	return fmt.Sprintf("orders:%s", id)
}

func (s *Service) getFromCache(ctx context.Context, id string) (*entity.Order, error) {
	return cache.GetJSON[entity.Order](ctx, s.cache, s.cacheKey(id))
}

func (s *Service) storeInCache(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return nil
	}
	return cache.SetJSON(ctx, s.cache, s.cacheKey(order.ID), order, s.cacheTTL)
}

func orderNotFound() error {
	return errorbank.NotFound("order not found", errorbank.WithCode("order_not_found"))
}

func denied(d access.Decision) error {
	return errorbank.Forbidden(d.Reason, errorbank.WithCode("access_denied"))
}

// transitionError maps lifecycle rule violations onto API errors.
func transitionError(err error) error {
	switch {
	case errors.Is(err, lifecycle.ErrNotCancellable):
		return errorbank.BadRequest("order can no longer be cancelled", errorbank.WithCode("order_not_cancellable"), errorbank.WithCause(err))
	case errors.Is(err, lifecycle.ErrRefundNotProcessed):
		return errorbank.Conflict("order can only be marked refunded after a processed refund", errorbank.WithCode("refund_not_processed"), errorbank.WithCause(err))
	case errors.Is(err, lifecycle.ErrUnpaid):
		return errorbank.Conflict("order must be paid before fulfilment", errorbank.WithCode("payment_required"), errorbank.WithCause(err))
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return errorbank.Conflict(err.Error(), errorbank.WithCode("invalid_transition"), errorbank.WithCause(err))
	default:
		return err
	}
}
