package order

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/database"
	"github.com/yagydev/animalmela/internal/entity"
)

// Module provides the order repository to Fx.
var Module = fx.Provide(NewRepository)

var repoTracer = otel.Tracer("github.com/yagydev/animalmela/repository/order")

var (
	// ErrNotFound is returned when an order is missing.
	ErrNotFound = errors.New("order not found")
	// ErrVersionConflict is returned when the stored version moved since the order was read.
	ErrVersionConflict = errors.New("order version conflict")
)

const maxPageSize = 100

// ListFilter narrows FindActiveFor results.
type ListFilter struct {
	Status entity.OrderStatus
	Limit  int
	Offset int
}

// Repository encapsulates read/write access for orders.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
	now    func() time.Time
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{
		writer: conns.Writer,
		reader: conns.Reader,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a new order using the write connection.
func (r *Repository) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Create", trace.WithAttributes(attribute.String("order.id", order.ID)))
	defer span.End()

	now := r.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Version == 0 {
		order.Version = 1
	}

	_, err := r.writer.NewInsert().Model(order).Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
	}
	return err
}

// GetByID fetches an order by primary key using the read replica when available.
func (r *Repository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	return r.get(ctx, r.reader, "OrderRepository.GetByID", "id = ?", id)
}

// GetForUpdate fetches an order from the writer so a read-modify-write never
// starts from a lagging replica.
func (r *Repository) GetForUpdate(ctx context.Context, id string) (*entity.Order, error) {
	return r.get(ctx, r.writer, "OrderRepository.GetForUpdate", "id = ?", id)
}

// GetByPaymentIntent resolves the order a gateway order id was issued for.
func (r *Repository) GetByPaymentIntent(ctx context.Context, gatewayOrderID string) (*entity.Order, error) {
	return r.get(ctx, r.writer, "OrderRepository.GetByPaymentIntent", "payment_intent_id = ?", gatewayOrderID)
}

func (r *Repository) get(ctx context.Context, db *bun.DB, spanName, where string, arg string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, spanName, trace.WithAttributes(attribute.String("order.lookup", arg)))
	defer span.End()

	order := new(entity.Order)
	err := db.NewSelect().Model(order).Where(where, arg).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return order, nil
}

// Update writes every mutable column of order in one statement, provided the
// stored version still equals order.Version. On success the order carries the
// new version.
func (r *Repository) Update(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderRepository.Update", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.Int64("order.version", order.Version),
		attribute.String("order.status", string(order.Status)),
	))
	defer span.End()

	expected := order.Version
	order.Version = expected + 1
	order.UpdatedAt = r.now()

	res, err := r.writer.NewUpdate().
		Model(order).
		ExcludeColumn("id", "created_at").
		WherePK().
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		order.Version = expected
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		order.Version = expected
		span.RecordError(err)
		return err
	}
	if affected == 0 {
		order.Version = expected
		span.SetStatus(codes.Error, "version conflict")
		return ErrVersionConflict
	}
	return nil
}

// FindActiveFor lists the orders visible to userID acting as role, newest first.
// Buyers see orders they placed, sellers orders placed with them, admins every order.
func (r *Repository) FindActiveFor(ctx context.Context, userID string, role access.Role, filter ListFilter) ([]entity.Order, int, error) {
	ctx, span := repoTracer.Start(ctx, "OrderRepository.FindActiveFor", trace.WithAttributes(
		attribute.String("actor.role", string(role)),
		attribute.String("filter.status", string(filter.Status)),
	))
	defer span.End()

	var orders []entity.Order
	q := r.reader.NewSelect().Model(&orders)

	switch role {
	case access.RoleBuyer:
		q = q.Where("buyer_id = ?", userID)
	case access.RoleSeller:
		q = q.Where("seller_id = ?", userID)
	case access.RoleAdmin:
	default:
		return []entity.Order{}, 0, nil
	}

	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}

	limit := filter.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	total, err := q.Order("created_at DESC", "id DESC").Limit(limit).Offset(offset).ScanAndCount(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, 0, err
	}
	if orders == nil {
		orders = []entity.Order{}
	}
	return orders, total, nil
}
