package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yagydev/animalmela/internal/access"
	"github.com/yagydev/animalmela/internal/cache"
	"github.com/yagydev/animalmela/internal/config"
	"github.com/yagydev/animalmela/internal/database/dbtest"
	"github.com/yagydev/animalmela/internal/entity"
	"github.com/yagydev/animalmela/internal/messaging"
	"github.com/yagydev/animalmela/internal/payment"
	listingrepo "github.com/yagydev/animalmela/internal/repository/listing"
	orderrepo "github.com/yagydev/animalmela/internal/repository/order"
	ordersvc "github.com/yagydev/animalmela/internal/service/order"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

const gatewaySecret = "test-gateway-secret"

type fakeGateway struct {
	*payment.Sandbox

	mu          sync.Mutex
	refundErr   error
	delay       time.Duration
	afterRefund func()
	refunds     []payment.RefundRequest
}

func (f *fakeGateway) IssueRefund(ctx context.Context, req payment.RefundRequest) (payment.Refund, error) {
	f.mu.Lock()
	f.refunds = append(f.refunds, req)
	err, delay, after := f.refundErr, f.delay, f.afterRefund
	f.mu.Unlock()
	if err != nil {
		return payment.Refund{}, err
	}
	time.Sleep(delay)
	refund, err := f.Sandbox.IssueRefund(ctx, req)
	if err == nil && after != nil {
		after()
	}
	return refund, err
}

func (f *fakeGateway) requests() []payment.RefundRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.RefundRequest(nil), f.refunds...)
}

type fixture struct {
	svc      *ordersvc.Service
	orders   *orderrepo.Repository
	listings *listingrepo.Repository
	gateway  *fakeGateway
	bus      *messaging.MemoryClient
	buyer    access.Actor
	seller   access.Actor
	admin    access.Actor
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
	t.Helper()

	conns := dbtest.NewSQLite(t)
	cfg := config.Config{}
	cfg.Messaging.Enabled = true
	cfg.Messaging.Kafka.Topic = "orders.test"
	cfg.Orders.MaxUpdateRetries = 3
	cfg.Orders.DefaultPageSize = 20
	cfg.Payment.Currency = "INR"
	cfg.Cache.DefaultTTL = time.Minute
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		orders:   orderrepo.NewRepository(conns),
		listings: listingrepo.NewRepository(conns),
		gateway:  &fakeGateway{Sandbox: payment.NewSandbox(gatewaySecret)},
		bus:      messaging.NewMemoryClient(cfg.Messaging.Kafka.Topic, 128),
		buyer:    access.Actor{ID: gofakeit.UUID(), Role: access.RoleBuyer},
		seller:   access.Actor{ID: gofakeit.UUID(), Role: access.RoleSeller},
		admin:    access.Actor{ID: gofakeit.UUID(), Role: access.RoleAdmin},
	}
	f.svc = ordersvc.NewService(ordersvc.Params{
		Repository: f.orders,
		Listings:   f.listings,
		Gateway:    f.gateway,
		Cache:      cache.NewMemoryStore(time.Minute),
		Config:     cfg,
		Logger:     zap.NewNop(),
		Publisher:  f.bus,
	})
	return f
}

func (f *fixture) listing(t *testing.T, price string) *entity.Listing {
	t.Helper()
	l := &entity.Listing{
		ID:       ulid.Make().String(),
		SellerID: f.seller.ID,
		Title:    gofakeit.Animal(),
		Status:   entity.ListingStatusActive,
		Price:    decimal.RequireFromString(price),
		Currency: "INR",
	}
	require.NoError(t, f.listings.Upsert(context.Background(), l))
	return l
}

func (f *fixture) order(t *testing.T, price string) *entity.Order {
	t.Helper()
	o, err := f.svc.Create(context.Background(), f.buyer, ordersvc.CreateInput{ListingID: f.listing(t, price).ID})
	require.NoError(t, err)
	return o
}

// pay opens an intent for amount and verifies a matching gateway callback.
func (f *fixture) pay(t *testing.T, orderID string, amount *decimal.Decimal) (*ordersvc.VerifyResult, ordersvc.VerifyInput) {
	t.Helper()
	ctx := context.Background()

	intent, err := f.svc.CreatePaymentIntent(ctx, f.buyer, orderID, amount)
	require.NoError(t, err)

	paymentID := "pay_" + ulid.Make().String()
	in := ordersvc.VerifyInput{
		OrderID:          orderID,
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: paymentID,
		Signature:        payment.Sign(gatewaySecret, intent.GatewayOrderID, paymentID),
		Amount:           amount,
	}
	res, err := f.svc.VerifyPayment(ctx, f.buyer, in)
	require.NoError(t, err)
	return res, in
}

func (f *fixture) events(t *testing.T) []ordersvc.EventType {
	t.Helper()
	var types []ordersvc.EventType
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = f.bus.Consume(ctx, func(_ context.Context, msg messaging.Message) error {
		var e ordersvc.Event
		require.NoError(t, json.Unmarshal(msg.Value, &e))
		assert.Equal(t, string(e.Type), msg.Headers[messaging.HeaderEventType])
		types = append(types, e.Type)
		return nil
	})
	return types
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func requireCode(t *testing.T, err error, kind errorbank.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errorbank.Is(err, kind), "kind: got %v", err)
	assert.True(t, errorbank.HasCode(err, code), "code %s: got %v", code, err)
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	l := f.listing(t, "1000")

	o, err := f.svc.Create(ctx, f.buyer, ordersvc.CreateInput{ListingID: l.ID, Quantity: 2, ShippingCost: dec("150")})
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusPending, o.Status)
	assert.Equal(t, entity.PaymentStatusPending, o.PaymentStatus)
	assert.Equal(t, f.seller.ID, o.SellerID)
	assert.True(t, o.Amount.Equal(decimal.NewFromInt(2000)))
	assert.True(t, o.TotalAmount.Equal(decimal.NewFromInt(2150)))
	assert.True(t, o.AdvanceAmount.IsZero())

	t.Run("explicit amount overrides listing price", func(t *testing.T) {
		o, err := f.svc.Create(ctx, f.buyer, ordersvc.CreateInput{ListingID: l.ID, Amount: dec("900")})
		require.NoError(t, err)
		assert.True(t, o.TotalAmount.Equal(decimal.NewFromInt(900)))
	})

	t.Run("unknown listing", func(t *testing.T) {
		_, err := f.svc.Create(ctx, f.buyer, ordersvc.CreateInput{ListingID: "nope"})
		requireCode(t, err, errorbank.KindNotFound, "listing_not_found")
	})

	t.Run("sold listing", func(t *testing.T) {
		sold := f.listing(t, "10")
		sold.Status = entity.ListingStatusSold
		require.NoError(t, f.listings.Upsert(ctx, sold))
		_, err := f.svc.Create(ctx, f.buyer, ordersvc.CreateInput{ListingID: sold.ID})
		requireCode(t, err, errorbank.KindBadRequest, "listing_unavailable")
	})

	t.Run("seller cannot place orders", func(t *testing.T) {
		_, err := f.svc.Create(ctx, f.seller, ordersvc.CreateInput{ListingID: l.ID})
		requireCode(t, err, errorbank.KindForbidden, "access_denied")
	})

	t.Run("buyer cannot book own listing", func(t *testing.T) {
		self := access.Actor{ID: f.seller.ID, Role: access.RoleBuyer}
		_, err := f.svc.Create(ctx, self, ordersvc.CreateInput{ListingID: l.ID})
		requireCode(t, err, errorbank.KindBadRequest, "self_purchase")
	})

	t.Run("non positive amount", func(t *testing.T) {
		_, err := f.svc.Create(ctx, f.buyer, ordersvc.CreateInput{ListingID: l.ID, Amount: dec("0")})
		requireCode(t, err, errorbank.KindBadRequest, "invalid_amount")
	})

	assert.Contains(t, f.events(t), ordersvc.EventOrderCreated)
}

// Full payment confirms the order; replaying the callback changes nothing.
func TestFullPaymentAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")

	res, in := f.pay(t, o.ID, nil)
	assert.False(t, res.AlreadyApplied)
	assert.Equal(t, entity.OrderStatusConfirmed, res.Order.Status)
	assert.Equal(t, entity.PaymentStatusPaid, res.Order.PaymentStatus)
	assert.True(t, res.Order.AdvanceAmount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, in.GatewayPaymentID, res.Order.PaymentDetails.TransactionID)
	assert.Equal(t, "sandbox", res.Order.PaymentDetails.Gateway)
	require.NotNil(t, res.Order.PaymentDetails.SettledAt)

	replay, err := f.svc.VerifyPayment(ctx, f.buyer, in)
	require.NoError(t, err)
	assert.True(t, replay.AlreadyApplied)
	assert.True(t, replay.Order.AdvanceAmount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, res.Order.Version, replay.Order.Version)

	_, err = f.svc.CreatePaymentIntent(ctx, f.buyer, o.ID, nil)
	requireCode(t, err, errorbank.KindConflict, "payment_already_settled")
}

// An advance payment leaves the order partially paid until the balance follows.
func TestAdvanceThenBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")

	res, _ := f.pay(t, o.ID, dec("300"))
	assert.Equal(t, entity.PaymentStatusPartial, res.Order.PaymentStatus)
	assert.Equal(t, entity.OrderStatusConfirmed, res.Order.Status)
	assert.True(t, res.Order.Outstanding().Equal(decimal.NewFromInt(700)))

	_, err := f.svc.CreatePaymentIntent(ctx, f.buyer, o.ID, dec("701"))
	requireCode(t, err, errorbank.KindBadRequest, "invalid_amount")

	res, _ = f.pay(t, o.ID, nil)
	assert.Equal(t, entity.PaymentStatusPaid, res.Order.PaymentStatus)
	assert.True(t, res.Order.AdvanceAmount.Equal(res.Order.TotalAmount))
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")

	intent, err := f.svc.CreatePaymentIntent(ctx, f.buyer, o.ID, nil)
	require.NoError(t, err)

	_, err = f.svc.VerifyPayment(ctx, f.buyer, ordersvc.VerifyInput{
		OrderID:          o.ID,
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: "pay_forged",
		Signature:        payment.Sign("wrong-secret", intent.GatewayOrderID, "pay_forged"),
	})
	requireCode(t, err, errorbank.KindGateway, "signature_mismatch")
	assert.Equal(t, 400, errorbank.From(err).StatusCode())

	stored, err := f.orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusPending, stored.Status)
	assert.Equal(t, entity.PaymentStatusPending, stored.PaymentStatus)
	assert.True(t, stored.AdvanceAmount.IsZero())

	t.Run("signed for another intent", func(t *testing.T) {
		_, err := f.svc.VerifyPayment(ctx, f.buyer, ordersvc.VerifyInput{
			OrderID:          o.ID,
			GatewayOrderID:   "order_other",
			GatewayPaymentID: "pay_1",
			Signature:        payment.Sign(gatewaySecret, "order_other", "pay_1"),
		})
		requireCode(t, err, errorbank.KindBadRequest, "intent_mismatch")
	})

	t.Run("other buyer", func(t *testing.T) {
		stranger := access.Actor{ID: gofakeit.UUID(), Role: access.RoleBuyer}
		_, err := f.svc.VerifyPayment(ctx, stranger, ordersvc.VerifyInput{
			OrderID:          o.ID,
			GatewayOrderID:   intent.GatewayOrderID,
			GatewayPaymentID: "pay_1",
			Signature:        payment.Sign(gatewaySecret, intent.GatewayOrderID, "pay_1"),
		})
		requireCode(t, err, errorbank.KindForbidden, "access_denied")
	})
}

// Cancelling a paid order queues a refund that the refund processor settles.
func TestCancelPaidOrderRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	f.pay(t, o.ID, dec("400"))

	cancelled, err := f.svc.Cancel(ctx, f.buyer, o.ID, "found a closer seller")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, entity.RefundStatusPending, cancelled.RefundStatus)
	assert.True(t, cancelled.RefundAmount.Equal(decimal.NewFromInt(400)))
	assert.True(t, cancelled.TotalAmount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, "found a closer seller", cancelled.CancellationReason)

	refunded, err := f.svc.ProcessPendingRefund(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusRefunded, refunded.Status)
	assert.Equal(t, entity.PaymentStatusRefunded, refunded.PaymentStatus)
	assert.Equal(t, entity.RefundStatusProcessed, refunded.RefundStatus)
	assert.NotEmpty(t, refunded.RefundID)
	assert.True(t, refunded.RefundAmount.Equal(decimal.NewFromInt(400)))
	assert.True(t, refunded.TotalAmount.Equal(decimal.NewFromInt(1000)))

	require.Len(t, refunded.Captures, 1)
	assert.True(t, refunded.Captures[0].Refunded.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, []string{refunded.RefundID}, refunded.Captures[0].RefundIDs)
	assert.Empty(t, refunded.RefundClaim)

	again, err := f.svc.ProcessPendingRefund(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, refunded.Version, again.Version)
	require.Len(t, f.gateway.refunds, 1)
	assert.Equal(t, "rfnd-"+refunded.Captures[0].PaymentID+"-0", f.gateway.refunds[0].IdempotencyKey)

	types := f.events(t)
	assert.Contains(t, types, ordersvc.EventOrderCancelled)
	assert.Contains(t, types, ordersvc.EventOrderRefunded)
}

func TestCancelUnpaidOrderHasNoRefund(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "500")

	cancelled, err := f.svc.Cancel(context.Background(), f.seller, o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, entity.RefundStatusNone, cancelled.RefundStatus)
	assert.True(t, cancelled.RefundAmount.IsZero())

	_, err = f.svc.Refund(context.Background(), f.admin, o.ID, nil)
	requireCode(t, err, errorbank.KindConflict, "nothing_to_refund")
}

// The callback credits the amount the intent was opened for, whatever the
// client reports, so a small intent cannot settle a large balance.
func TestVerifyCreditsIntentAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")

	intent, err := f.svc.CreatePaymentIntent(ctx, f.buyer, o.ID, dec("100"))
	require.NoError(t, err)
	assert.True(t, intent.Amount.Equal(decimal.NewFromInt(100)))

	in := ordersvc.VerifyInput{
		OrderID:          o.ID,
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: "pay_small",
		Signature:        payment.Sign(gatewaySecret, intent.GatewayOrderID, "pay_small"),
		Amount:           dec("1000"),
	}
	_, err = f.svc.VerifyPayment(ctx, f.buyer, in)
	requireCode(t, err, errorbank.KindBadRequest, "amount_mismatch")

	in.Amount = nil
	res, err := f.svc.VerifyPayment(ctx, f.buyer, in)
	require.NoError(t, err)
	assert.True(t, res.Order.AdvanceAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, entity.PaymentStatusPartial, res.Order.PaymentStatus)
	assert.True(t, res.Order.Outstanding().Equal(decimal.NewFromInt(900)))

	cancelled, err := f.svc.Cancel(ctx, f.buyer, o.ID, "")
	require.NoError(t, err)
	assert.True(t, cancelled.RefundAmount.Equal(decimal.NewFromInt(100)))

	refunded, err := f.svc.ProcessPendingRefund(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, refunded.RefundAmount.Equal(decimal.NewFromInt(100)))
	reqs := f.gateway.requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, reqs[0].Captured.Equal(decimal.NewFromInt(100)))
}

// Each capture is refunded against its own payment, bounded by what it took.
func TestRefundSplitsAcrossCaptures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	_, first := f.pay(t, o.ID, dec("400"))
	_, second := f.pay(t, o.ID, nil)

	_, err := f.svc.Cancel(ctx, f.buyer, o.ID, "")
	require.NoError(t, err)

	refunded, err := f.svc.ProcessPendingRefund(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusRefunded, refunded.Status)
	assert.True(t, refunded.RefundAmount.Equal(decimal.NewFromInt(1000)))

	reqs := f.gateway.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, first.GatewayPaymentID, reqs[0].GatewayPaymentID)
	assert.True(t, reqs[0].Amount.Equal(decimal.NewFromInt(400)))
	assert.True(t, reqs[0].Captured.Equal(decimal.NewFromInt(400)))
	assert.Equal(t, second.GatewayPaymentID, reqs[1].GatewayPaymentID)
	assert.True(t, reqs[1].Amount.Equal(decimal.NewFromInt(600)))
	assert.True(t, reqs[1].Captured.Equal(decimal.NewFromInt(600)))
	assert.NotEqual(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)

	require.Len(t, refunded.Captures, 2)
	for _, c := range refunded.Captures {
		assert.True(t, c.Refunded.Equal(c.Amount), "capture %s", c.PaymentID)
		assert.Len(t, c.RefundIDs, 1)
	}
	assert.True(t, refunded.Refunded().Equal(decimal.NewFromInt(1000)))
}

// A partial admin refund draws from the oldest capture first; the rest
// follows on the next.
func TestPartialRefundDrawsOldestCaptureFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	_, first := f.pay(t, o.ID, dec("300"))
	f.pay(t, o.ID, dec("200"))

	refunded, err := f.svc.Refund(ctx, f.admin, o.ID, dec("450"))
	require.NoError(t, err)
	assert.True(t, refunded.RefundAmount.Equal(decimal.NewFromInt(450)))

	reqs := f.gateway.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, first.GatewayPaymentID, reqs[0].GatewayPaymentID)
	assert.True(t, reqs[0].Amount.Equal(decimal.NewFromInt(300)))
	assert.True(t, reqs[1].Amount.Equal(decimal.NewFromInt(150)))
	assert.True(t, reqs[1].Captured.Equal(decimal.NewFromInt(200)))
}

// Racing refund processors reach the gateway once; the others back off.
func TestConcurrentRefundsIssueOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	f.pay(t, o.ID, nil)
	_, err := f.svc.Cancel(ctx, f.buyer, o.ID, "")
	require.NoError(t, err)

	f.gateway.delay = 100 * time.Millisecond
	const racers = 2
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ProcessPendingRefund(ctx, o.ID)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			continue
		}
		assert.True(t, errorbank.HasCode(err, "refund_in_progress") ||
			errorbank.HasCode(err, "already_refunded") ||
			errorbank.HasCode(err, "concurrent_update"), "unexpected error: %v", err)
	}
	assert.Len(t, f.gateway.requests(), 1)

	stored, err := f.orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusRefunded, stored.Status)
	assert.Equal(t, entity.RefundStatusProcessed, stored.RefundStatus)
}

// A refund whose order update was lost stays claimed; redelivery backs off
// until the lease lapses, then resumes under the same idempotency key.
func TestAbandonedRefundResumesWithSameKey(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "1000")
	f.pay(t, o.ID, nil)
	_, err := f.svc.Cancel(context.Background(), f.buyer, o.ID, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	f.gateway.afterRefund = cancel
	_, err = f.svc.ProcessPendingRefund(ctx, o.ID)
	require.Error(t, err)
	assert.True(t, ordersvc.IsTransient(err))

	stored, err := f.orders.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RefundStatusProcessing, stored.RefundStatus)
	assert.NotEmpty(t, stored.RefundClaim)
	assert.Equal(t, entity.OrderStatusCancelled, stored.Status)

	f.gateway.afterRefund = nil
	_, err = f.svc.ProcessPendingRefund(context.Background(), o.ID)
	requireCode(t, err, errorbank.KindConflict, "refund_in_progress")
	assert.True(t, ordersvc.IsTransient(err))
	require.Len(t, f.gateway.requests(), 1)

	_, err = f.svc.Cancel(context.Background(), f.admin, o.ID, "")
	require.Error(t, err)

	f.svc.SetClock(func() time.Time { return time.Now().UTC().Add(ordersvc.RefundLease + time.Minute) })
	refunded, err := f.svc.ProcessPendingRefund(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusRefunded, refunded.Status)
	assert.Empty(t, refunded.RefundClaim)

	reqs := f.gateway.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, reqs[0].IdempotencyKey, reqs[1].IdempotencyKey)
	require.Len(t, refunded.Captures, 1)
	assert.Len(t, refunded.Captures[0].RefundIDs, 1)
	assert.Equal(t, refunded.Captures[0].RefundIDs[0], refunded.RefundID)
}

func TestRefundGatewayFailureLeavesOrderUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	f.pay(t, o.ID, nil)
	_, err := f.svc.Cancel(ctx, f.buyer, o.ID, "")
	require.NoError(t, err)

	f.gateway.refundErr = payment.ErrGatewayUnavailable
	_, err = f.svc.ProcessPendingRefund(ctx, o.ID)
	requireCode(t, err, errorbank.KindGateway, "gateway_unavailable")
	assert.True(t, ordersvc.IsTransient(err))

	stored, err := f.orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusCancelled, stored.Status)
	assert.Equal(t, entity.RefundStatusPending, stored.RefundStatus)
	assert.Empty(t, stored.RefundID)

	f.gateway.refundErr = nil
	refunded, err := f.svc.ProcessPendingRefund(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.RefundStatusProcessed, refunded.RefundStatus)
}

func TestAdminRefundBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	f.pay(t, o.ID, dec("250"))

	_, err := f.svc.Refund(ctx, f.buyer, o.ID, nil)
	requireCode(t, err, errorbank.KindForbidden, "access_denied")

	_, err = f.svc.Refund(ctx, f.admin, o.ID, dec("251"))
	requireCode(t, err, errorbank.KindUnprocessableEntity, "refund_exceeds_capture")

	refunded, err := f.svc.Refund(ctx, f.admin, o.ID, dec("100"))
	require.NoError(t, err)
	assert.True(t, refunded.RefundAmount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, entity.OrderStatusRefunded, refunded.Status)

	_, err = f.svc.Refund(ctx, f.admin, o.ID, nil)
	requireCode(t, err, errorbank.KindConflict, "already_refunded")
}

// Buyers may only cancel; sellers drive fulfilment; shipped orders cannot be cancelled.
func TestStatusAuthority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	f.pay(t, o.ID, nil)

	_, err := f.svc.UpdateStatus(ctx, f.buyer, o.ID, ordersvc.StatusInput{Status: "shipped"})
	requireCode(t, err, errorbank.KindForbidden, "access_denied")

	otherSeller := access.Actor{ID: gofakeit.UUID(), Role: access.RoleSeller}
	_, err = f.svc.UpdateStatus(ctx, otherSeller, o.ID, ordersvc.StatusInput{Status: "shipped"})
	requireCode(t, err, errorbank.KindForbidden, "access_denied")

	shipped, err := f.svc.UpdateStatus(ctx, f.seller, o.ID, ordersvc.StatusInput{Status: "shipped"})
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusShipped, shipped.Status)

	_, err = f.svc.UpdateStatus(ctx, f.buyer, o.ID, ordersvc.StatusInput{Status: "cancelled"})
	requireCode(t, err, errorbank.KindBadRequest, "order_not_cancellable")

	_, err = f.svc.UpdateStatus(ctx, f.seller, o.ID, ordersvc.StatusInput{Status: "processing"})
	requireCode(t, err, errorbank.KindConflict, "invalid_transition")

	_, err = f.svc.UpdateStatus(ctx, f.seller, o.ID, ordersvc.StatusInput{Status: "teleported"})
	requireCode(t, err, errorbank.KindBadRequest, "invalid_status")

	tracked, err := f.svc.UpdateTracking(ctx, f.seller, o.ID, ordersvc.TrackingInput{Carrier: "Delhivery", Number: "DL123"})
	require.NoError(t, err)
	assert.Equal(t, "DL123", tracked.TrackingInfo.Number)

	delivered, err := f.svc.UpdateStatus(ctx, f.seller, o.ID, ordersvc.StatusInput{Status: "delivered"})
	require.NoError(t, err)
	require.NotNil(t, delivered.TrackingInfo.DeliveredAt)

	_, err = f.svc.UpdateStatus(ctx, f.admin, o.ID, ordersvc.StatusInput{Status: "shipped"})
	requireCode(t, err, errorbank.KindConflict, "invalid_transition")
}

func TestTrackingRequiresShipment(t *testing.T) {
	f := newFixture(t)
	o := f.order(t, "100")

	_, err := f.svc.UpdateTracking(context.Background(), f.seller, o.ID, ordersvc.TrackingInput{Carrier: "India Post"})
	requireCode(t, err, errorbank.KindConflict, "tracking_not_allowed")

	_, err = f.svc.UpdateTracking(context.Background(), f.buyer, o.ID, ordersvc.TrackingInput{Carrier: "India Post"})
	requireCode(t, err, errorbank.KindForbidden, "access_denied")
}

// Without the payment policy a seller may mark an unpaid order delivered.
func TestDeliveredWithoutPayment(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	o := f.order(t, "1000")
	delivered, err := f.svc.UpdateStatus(ctx, f.seller, o.ID, ordersvc.StatusInput{Status: "delivered"})
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusDelivered, delivered.Status)
	assert.Equal(t, entity.PaymentStatusPending, delivered.PaymentStatus)

	strict := newFixture(t, func(c *config.Config) { c.Orders.RequirePaymentBeforeDelivery = true })
	o = strict.order(t, "1000")
	_, err = strict.svc.UpdateStatus(ctx, strict.seller, o.ID, ordersvc.StatusInput{Status: "delivered"})
	requireCode(t, err, errorbank.KindConflict, "payment_required")
}

func TestConcurrentCancelsSerialize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	f.pay(t, o.ID, nil)

	const racers = 4
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Cancel(ctx, f.buyer, o.ID, "race")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errorbank.HasCode(err, "order_not_cancellable") || errorbank.HasCode(err, "concurrent_update"),
			"unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)

	stored, err := f.orders.GetByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusCancelled, stored.Status)
	assert.Equal(t, int64(4), stored.Version)
}

func TestWebhookCaptureAndFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")

	intent, err := f.svc.CreatePaymentIntent(ctx, f.buyer, o.ID, nil)
	require.NoError(t, err)

	failed := []byte(`{"event":"payment.failed","order_id":"` + intent.GatewayOrderID + `","payment_id":"pay_x","reason":"insufficient funds"}`)
	res, err := f.svc.HandleWebhook(ctx, failed, payment.SignPayload(gatewaySecret, failed))
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.Equal(t, entity.PaymentStatusFailed, res.Order.PaymentStatus)
	assert.Equal(t, entity.OrderStatusPending, res.Order.Status)

	captured := []byte(`{"event":"payment.captured","order_id":"` + intent.GatewayOrderID + `","payment_id":"pay_y","amount":"1000.00"}`)
	res, err = f.svc.HandleWebhook(ctx, captured, payment.SignPayload(gatewaySecret, captured))
	require.NoError(t, err)
	assert.False(t, res.AlreadyApplied)
	assert.Equal(t, entity.PaymentStatusPaid, res.Order.PaymentStatus)
	assert.Equal(t, entity.OrderStatusConfirmed, res.Order.Status)

	res, err = f.svc.HandleWebhook(ctx, captured, payment.SignPayload(gatewaySecret, captured))
	require.NoError(t, err)
	assert.True(t, res.AlreadyApplied)

	// the client callback for the same payment is also a no-op
	replay, err := f.svc.VerifyPayment(ctx, f.buyer, ordersvc.VerifyInput{
		OrderID:          o.ID,
		GatewayOrderID:   intent.GatewayOrderID,
		GatewayPaymentID: "pay_y",
		Signature:        payment.Sign(gatewaySecret, intent.GatewayOrderID, "pay_y"),
	})
	require.NoError(t, err)
	assert.True(t, replay.AlreadyApplied)

	_, err = f.svc.HandleWebhook(ctx, captured, payment.SignPayload("forged", captured))
	requireCode(t, err, errorbank.KindGateway, "signature_mismatch")

	unknown := []byte(`{"event":"payment.captured","order_id":"order_unknown","payment_id":"pay_z","amount":"1.00"}`)
	res, err = f.svc.HandleWebhook(ctx, unknown, payment.SignPayload(gatewaySecret, unknown))
	require.NoError(t, err)
	assert.False(t, res.Handled)
}

func TestGetAndListScoping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.order(t, "1000")
	f.order(t, "2000")

	got, err := f.svc.Get(ctx, f.seller, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	stranger := access.Actor{ID: gofakeit.UUID(), Role: access.RoleBuyer}
	_, err = f.svc.Get(ctx, stranger, o.ID)
	requireCode(t, err, errorbank.KindForbidden, "access_denied")

	_, err = f.svc.Get(ctx, f.admin, "missing")
	requireCode(t, err, errorbank.KindNotFound, "order_not_found")

	page, err := f.svc.List(ctx, f.buyer, ordersvc.ListInput{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 20, page.Limit)

	empty, err := f.svc.List(ctx, stranger, ordersvc.ListInput{})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)

	_, err = f.svc.List(ctx, access.Actor{ID: "t1", Role: access.RoleTransporter}, ordersvc.ListInput{})
	requireCode(t, err, errorbank.KindForbidden, "access_denied")

	_, err = f.svc.List(ctx, f.buyer, ordersvc.ListInput{Status: "bogus"})
	require.True(t, errorbank.Is(err, errorbank.KindBadRequest))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, ordersvc.IsTransient(errorbank.Internal("db down")))
	assert.True(t, ordersvc.IsTransient(errorbank.Conflict("x", errorbank.WithCode("refund_in_progress"))))
	assert.True(t, ordersvc.IsTransient(errors.New("network")))
	assert.False(t, ordersvc.IsTransient(errorbank.Conflict("x", errorbank.WithCode("already_refunded"))))
	assert.False(t, ordersvc.IsTransient(errorbank.Unprocessable("x", errorbank.WithCode("refund_exceeds_capture"))))
}
