package transport

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

	"github.com/yagydev/animalmela/internal/database"
	"github.com/yagydev/animalmela/internal/entity"
)

var repoTracer = otel.Tracer("github.com/yagydev/animalmela/repository/transport")

var (
	// ErrNotFound is returned when a transport job is missing.
	ErrNotFound = errors.New("transport job not found")
	// ErrVersionConflict is returned when the stored version moved since the job was read.
	ErrVersionConflict = errors.New("transport job version conflict")
	// ErrActiveJobExists is returned when the order already has an undelivered job.
	ErrActiveJobExists = errors.New("order already has an active transport job")
)

// Module provides the transport job repository to Fx.
var Module = fx.Provide(NewRepository)

// Repository encapsulates read/write access for transport jobs.
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

// Create inserts job. The active-job index rejects a second undelivered job for
// the same order.
func (r *Repository) Create(ctx context.Context, job *entity.TransportJob) error {
	if job == nil {
		return errors.New("nil transport job")
	}
	ctx, span := repoTracer.Start(ctx, "TransportRepository.Create", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("order.id", job.OrderID),
	))
	defer span.End()

	now := r.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Version == 0 {
		job.Version = 1
	}

	if _, err := r.writer.NewInsert().Model(job).Exec(ctx); err != nil {
		if database.IsUniqueViolation(err) {
			span.SetStatus(codes.Error, "active job exists")
			return ErrActiveJobExists
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert failed")
		return err
	}
	return nil
}

// GetByID fetches a job from the writer; job reads always precede a mutation or
// an ownership check.
func (r *Repository) GetByID(ctx context.Context, id string) (*entity.TransportJob, error) {
	ctx, span := repoTracer.Start(ctx, "TransportRepository.GetByID", trace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()

	job := new(entity.TransportJob)
	err := r.writer.NewSelect().Model(job).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return job, nil
}

// ActiveForOrder returns the order's undelivered job, or ErrNotFound.
func (r *Repository) ActiveForOrder(ctx context.Context, orderID string) (*entity.TransportJob, error) {
	ctx, span := repoTracer.Start(ctx, "TransportRepository.ActiveForOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	job := new(entity.TransportJob)
	err := r.writer.NewSelect().Model(job).
		Where("order_id = ?", orderID).
		Where("status <> ?", entity.TransportStatusDelivered).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return job, nil
}

// Update writes job if the stored version still equals job.Version.
func (r *Repository) Update(ctx context.Context, job *entity.TransportJob) error {
	if job == nil {
		return errors.New("nil transport job")
	}
	ctx, span := repoTracer.Start(ctx, "TransportRepository.Update", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
	))
	defer span.End()

	expected := job.Version
	job.Version = expected + 1
	job.UpdatedAt = r.now()

	res, err := r.writer.NewUpdate().
		Model(job).
		Column("status", "tracking", "version", "updated_at").
		WherePK().
		Where("version = ?", expected).
		Exec(ctx)
	if err != nil {
		job.Version = expected
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		job.Version = expected
		return err
	}
	if affected == 0 {
		job.Version = expected
		span.SetStatus(codes.Error, "version conflict")
		return ErrVersionConflict
	}
	return nil
}

// ListByTransporter returns the transporter's jobs, newest first.
func (r *Repository) ListByTransporter(ctx context.Context, transporterID string, limit, offset int) ([]entity.TransportJob, error) {
	ctx, span := repoTracer.Start(ctx, "TransportRepository.ListByTransporter", trace.WithAttributes(attribute.String("transporter.id", transporterID)))
	defer span.End()

	return r.list(ctx, r.reader.NewSelect().Where("transporter_id = ?", transporterID), limit, offset)
}

// ListByOrder returns every job ever attached to the order, newest first.
func (r *Repository) ListByOrder(ctx context.Context, orderID string) ([]entity.TransportJob, error) {
	ctx, span := repoTracer.Start(ctx, "TransportRepository.ListByOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	return r.list(ctx, r.reader.NewSelect().Where("order_id = ?", orderID), 0, 0)
}

func (r *Repository) list(ctx context.Context, q *bun.SelectQuery, limit, offset int) ([]entity.TransportJob, error) {
	var jobs []entity.TransportJob
	q = q.Model(&jobs).Order("created_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Scan(ctx); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		return nil, err
	}
	if jobs == nil {
		jobs = []entity.TransportJob{}
	}
	return jobs, nil
}
