package transport_test

import (
	"context"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yagydev/animalmela/internal/database/dbtest"
	"github.com/yagydev/animalmela/internal/entity"
	orderrepo "github.com/yagydev/animalmela/internal/repository/order"
	"github.com/yagydev/animalmela/internal/repository/transport"
)

func seedOrder(t *testing.T, repo *orderrepo.Repository) *entity.Order {
	t.Helper()
	o := &entity.Order{
		ID:            ulid.Make().String(),
		ListingID:     ulid.Make().String(),
		BuyerID:       gofakeit.UUID(),
		SellerID:      gofakeit.UUID(),
		Quantity:      1,
		UnitPrice:     decimal.NewFromInt(1000),
		Amount:        decimal.NewFromInt(1000),
		TotalAmount:   decimal.NewFromInt(1000),
		Currency:      "INR",
		Status:        entity.OrderStatusConfirmed,
		PaymentStatus: entity.PaymentStatusPaid,
	}
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}

func newJob(orderID, transporterID string) *entity.TransportJob {
	return &entity.TransportJob{
		ID:            ulid.Make().String(),
		OrderID:       orderID,
		TransporterID: transporterID,
		Quote:         decimal.RequireFromString("350.00"),
		Status:        entity.TransportStatusAssigned,
	}
}

func TestTransportRepository(t *testing.T) {
	ctx := context.Background()
	conns := dbtest.NewSQLite(t)
	orders := orderrepo.NewRepository(conns)
	repo := transport.NewRepository(conns)

	o := seedOrder(t, orders)
	transporter := gofakeit.UUID()

	job := newJob(o.ID, transporter)
	require.NoError(t, repo.Create(ctx, job))

	t.Run("second active job is rejected", func(t *testing.T) {
		err := repo.Create(ctx, newJob(o.ID, gofakeit.UUID()))
		require.ErrorIs(t, err, transport.ErrActiveJobExists)
	})

	t.Run("active job lookup", func(t *testing.T) {
		active, err := repo.ActiveForOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, active.ID)
		assert.True(t, active.Quote.Equal(decimal.NewFromInt(350)))
	})

	t.Run("stale update conflicts", func(t *testing.T) {
		stale, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)

		fresh, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		fresh.Status = entity.TransportStatusPicked
		require.NoError(t, repo.Update(ctx, fresh))

		stale.Status = entity.TransportStatusInTransit
		require.ErrorIs(t, repo.Update(ctx, stale), transport.ErrVersionConflict)
	})

	t.Run("delivered job frees the order", func(t *testing.T) {
		current, err := repo.GetByID(ctx, job.ID)
		require.NoError(t, err)
		current.Status = entity.TransportStatusDelivered
		current.Tracking = "handed over"
		require.NoError(t, repo.Update(ctx, current))

		_, err = repo.ActiveForOrder(ctx, o.ID)
		require.ErrorIs(t, err, transport.ErrNotFound)

		require.NoError(t, repo.Create(ctx, newJob(o.ID, transporter)))

		jobs, err := repo.ListByOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("list by transporter", func(t *testing.T) {
		jobs, err := repo.ListByTransporter(ctx, transporter, 10, 0)
		require.NoError(t, err)
		assert.Len(t, jobs, 2)

		none, err := repo.ListByTransporter(ctx, gofakeit.UUID(), 10, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	_, err := repo.GetByID(ctx, ulid.Make().String())
	require.ErrorIs(t, err, transport.ErrNotFound)
}
