package listing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/yagydev/animalmela/internal/database"
	"github.com/yagydev/animalmela/internal/entity"
)

var repoTracer = otel.Tracer("github.com/yagydev/animalmela/repository/listing")

// ErrNotFound is returned when a listing is missing.
var ErrNotFound = errors.New("listing not found")

// Module provides the listing repository to Fx.
var Module = fx.Provide(NewRepository)

// Repository reads listings owned by the catalogue. Orders only depend on a
// listing's seller, price and availability.
type Repository struct {
	writer *bun.DB
	reader *bun.DB
}

// NewRepository wires a repository backed by configured database connections.
func NewRepository(conns *database.Connections) *Repository {
	return &Repository{writer: conns.Writer, reader: conns.Reader}
}

// GetByID fetches a listing by primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (*entity.Listing, error) {
	ctx, span := repoTracer.Start(ctx, "ListingRepository.GetByID", trace.WithAttributes(attribute.String("listing.id", id)))
	defer span.End()

	listing := new(entity.Listing)
	err := r.reader.NewSelect().Model(listing).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetStatus(codes.Error, "not found")
		return nil, ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "select failed")
		return nil, err
	}
	return listing, nil
}

// Upsert stores listing, replacing any row with the same id. The catalogue owns
// listings; this exists for seeding local environments.
func (r *Repository) Upsert(ctx context.Context, listing *entity.Listing) error {
	ctx, span := repoTracer.Start(ctx, "ListingRepository.Upsert", trace.WithAttributes(attribute.String("listing.id", listing.ID)))
	defer span.End()

	now := time.Now().UTC()
	if listing.CreatedAt.IsZero() {
		listing.CreatedAt = now
	}
	listing.UpdatedAt = now

	q := r.writer.NewInsert().Model(listing)
	mysql := r.writer.Dialect().Name() == dialect.MySQL
	if mysql {
		q = q.On("DUPLICATE KEY UPDATE")
	} else {
		q = q.On("CONFLICT (id) DO UPDATE")
	}
	for _, col := range []string{"seller_id", "title", "status", "price", "currency", "updated_at"} {
		if mysql {
			q = q.Set(col + " = VALUES(" + col + ")")
		} else {
			q = q.Set(col + " = EXCLUDED." + col)
		}
	}

	_, err := q.Exec(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
	}
	return err
}
