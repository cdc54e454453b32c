package transport_test

import (
	"context"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/database/dbtest"
	"github.com/yagydev/animalmela/internal/entity"
	orderrepo "github.com/yagydev/animalmela/internal/repository/order"
	jobrepo "github.com/yagydev/animalmela/internal/repository/transport"
	transportsvc "github.com/yagydev/animalmela/internal/service/transport"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

type fixture struct {
	svc         *transportsvc.Service
	orders      *orderrepo.Repository
	transporter access.Actor
	buyer       access.Actor
	seller      access.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conns := dbtest.NewSQLite(t)
	cfg := config.Config{}
	cfg.Orders.MaxUpdateRetries = 3

	f := &fixture{
		orders:      orderrepo.NewRepository(conns),
		transporter: access.Actor{ID: gofakeit.UUID(), Role: access.RoleTransporter},
		buyer:       access.Actor{ID: gofakeit.UUID(), Role: access.RoleBuyer},
		seller:      access.Actor{ID: gofakeit.UUID(), Role: access.RoleSeller},
	}
	f.svc = transportsvc.NewService(transportsvc.Params{
		Jobs:   jobrepo.NewRepository(conns),
		Orders: f.orders,
		Config: cfg,
		Logger: zap.NewNop(),
	})
	return f
}

func (f *fixture) order(t *testing.T, status entity.OrderStatus) *entity.Order {
	t.Helper()
	o := &entity.Order{
		ID:            ulid.Make().String(),
		ListingID:     ulid.Make().String(),
		BuyerID:       f.buyer.ID,
		SellerID:      f.seller.ID,
		Quantity:      1,
		UnitPrice:     decimal.NewFromInt(500),
		Amount:        decimal.NewFromInt(500),
		TotalAmount:   decimal.NewFromInt(500),
		AdvanceAmount: decimal.NewFromInt(500),
		Currency:      "INR",
		Status:        status,
		PaymentStatus: entity.PaymentStatusPaid,
	}
	require.NoError(t, f.orders.Create(context.Background(), o))
	return o
}

func TestAccept(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, entity.OrderStatusConfirmed)

	_, err := f.svc.Accept(ctx, f.buyer, transportsvc.AcceptInput{OrderID: o.ID})
	assert.True(t, errorbank.Is(err, errorbank.KindForbidden))

	_, err = f.svc.Accept(ctx, f.transporter, transportsvc.AcceptInput{OrderID: o.ID, Quote: decimal.NewFromInt(-1)})
	assert.True(t, errorbank.HasCode(err, "invalid_quote"))

	job, err := f.svc.Accept(ctx, f.transporter, transportsvc.AcceptInput{OrderID: o.ID, Quote: decimal.NewFromInt(120)})
	require.NoError(t, err)
	assert.Equal(t, entity.TransportStatusAssigned, job.Status)
	assert.Equal(t, f.transporter.ID, job.TransporterID)
	assert.True(t, job.Quote.Equal(decimal.NewFromInt(120)))

	other := access.Actor{ID: gofakeit.UUID(), Role: access.RoleTransporter}
	_, err = f.svc.Accept(ctx, other, transportsvc.AcceptInput{OrderID: o.ID})
	assert.True(t, errorbank.HasCode(err, "active_job_exists"), "got %v", err)

	_, err = f.svc.Accept(ctx, f.transporter, transportsvc.AcceptInput{OrderID: "missing"})
	assert.True(t, errorbank.Is(err, errorbank.KindNotFound))
}

func TestAcceptRejectsUnconfirmedOrders(t *testing.T) {
	f := newFixture(t)
	for _, status := range []entity.OrderStatus{
		entity.OrderStatusPending,
		entity.OrderStatusCancelled,
		entity.OrderStatusRefunded,
		entity.OrderStatusDelivered,
	} {
		t.Run(string(status), func(t *testing.T) {
			o := f.order(t, status)
			_, err := f.svc.Accept(context.Background(), f.transporter, transportsvc.AcceptInput{OrderID: o.ID})
			assert.True(t, errorbank.HasCode(err, "order_not_transportable"), "got %v", err)
		})
	}
}

func TestUpdateIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, entity.OrderStatusShipped)
	job, err := f.svc.Accept(ctx, f.transporter, transportsvc.AcceptInput{OrderID: o.ID})
	require.NoError(t, err)

	intruder := access.Actor{ID: gofakeit.UUID(), Role: access.RoleTransporter}
	_, err = f.svc.Update(ctx, intruder, job.ID, transportsvc.UpdateInput{Status: "picked"})
	assert.True(t, errorbank.Is(err, errorbank.KindForbidden))

	tracking := "TRK-42"
	job, err = f.svc.Update(ctx, f.transporter, job.ID, transportsvc.UpdateInput{Status: "in-transit", Tracking: &tracking})
	require.NoError(t, err)
	assert.Equal(t, entity.TransportStatusInTransit, job.Status)
	assert.Equal(t, "TRK-42", job.Tracking)
	assert.Equal(t, int64(2), job.Version)

	_, err = f.svc.Update(ctx, f.transporter, job.ID, transportsvc.UpdateInput{Status: "picked"})
	assert.True(t, errorbank.HasCode(err, "invalid_transition"))

	_, err = f.svc.Update(ctx, f.transporter, job.ID, transportsvc.UpdateInput{Status: "lost"})
	assert.True(t, errorbank.HasCode(err, "invalid_status"))

	admin := access.Actor{ID: "admin", Role: access.RoleAdmin}
	job, err = f.svc.Update(ctx, admin, job.ID, transportsvc.UpdateInput{Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, entity.TransportStatusDelivered, job.Status)

	_, err = f.svc.Update(ctx, f.transporter, job.ID, transportsvc.UpdateInput{Status: "delivered"})
	assert.True(t, errorbank.HasCode(err, "job_closed"))

	// a delivered job frees the order for another job
	_, err = f.svc.Accept(ctx, intruder, transportsvc.AcceptInput{OrderID: o.ID})
	require.NoError(t, err)
}

func TestGetAndListMine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, entity.OrderStatusConfirmed)
	job, err := f.svc.Accept(ctx, f.transporter, transportsvc.AcceptInput{OrderID: o.ID})
	require.NoError(t, err)

	for _, actor := range []access.Actor{f.transporter, f.buyer, f.seller, {ID: "a", Role: access.RoleAdmin}} {
		got, err := f.svc.Get(ctx, actor, job.ID)
		require.NoError(t, err, "role %s", actor.Role)
		assert.Equal(t, job.ID, got.ID)
	}

	stranger := access.Actor{ID: gofakeit.UUID(), Role: access.RoleBuyer}
	_, err = f.svc.Get(ctx, stranger, job.ID)
	assert.True(t, errorbank.Is(err, errorbank.KindForbidden))

	_, err = f.svc.Get(ctx, f.transporter, "missing")
	assert.True(t, errorbank.HasCode(err, "job_not_found"))

	mine, err := f.svc.ListMine(ctx, f.transporter, 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	_, err = f.svc.ListMine(ctx, f.buyer, 0, 0)
	assert.True(t, errorbank.Is(err, errorbank.KindForbidden))
}
