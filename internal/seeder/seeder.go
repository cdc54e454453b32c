package seeder

import (
	"context"
	"fmt"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/entity"
	listingrepo "github.com/yagydev/animalmela/internal/repository/listing"
)

// Module provides the seeder to Fx.
var Module = fx.Provide(New)

// DemoSellerID owns every seeded listing.
const DemoSellerID = "seller-demo"

// Seeder performs database seeding for local/dev setups.
type Seeder struct {
	listings *listingrepo.Repository
	currency string
	logger   *zap.Logger
	faker    *gofakeit.Faker
}

// New constructs a Seeder backed by the listing repository.
func New(listings *listingrepo.Repository, cfg config.Config, logger *zap.Logger) *Seeder {
	return &Seeder{
		listings: listings,
		currency: cfg.Payment.Currency,
		logger:   logger,
		faker:    gofakeit.New(0),
	}
}

var breeds = []string{"Gir cow", "Murrah buffalo", "Sahiwal cow", "Jamunapari goat", "Marwari horse", "Kadaknath hens"}

// Listings upserts count active listings owned by DemoSellerID and returns them.
func (s *Seeder) Listings(ctx context.Context, count int) ([]entity.Listing, error) {
	if count <= 0 {
		count = len(breeds)
	}
	out := make([]entity.Listing, 0, count)
	for i := 0; i < count; i++ {
		l := entity.Listing{
			ID:       ulid.Make().String(),
			SellerID: DemoSellerID,
			Title:    fmt.Sprintf("%s, %d yrs, %s", breeds[i%len(breeds)], s.faker.IntRange(1, 8), s.faker.City()),
			Status:   entity.ListingStatusActive,
			Price:    decimal.NewFromInt(int64(s.faker.IntRange(20, 120)) * 1000),
			Currency: s.currency,
		}
		if err := s.listings.Upsert(ctx, &l); err != nil {
			return nil, fmt.Errorf("seed listing %s: %w", l.ID, err)
		}
		out = append(out, l)
	}

	if s.logger != nil {
		s.logger.Info("seeded listings", zap.Int("count", len(out)), zap.String("seller_id", DemoSellerID))
	}
	return out, nil
}
