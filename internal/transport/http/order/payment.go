package order

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yagydev/animalmela/internal/dto"
	"github.com/yagydev/animalmela/internal/presentation/http/response"
	service "github.com/yagydev/animalmela/internal/service/order"
	"github.com/yagydev/animalmela/internal/transport/http/middleware"
	"github.com/yagydev/animalmela/pkg/errorbank"
)

// SignatureHeader carries the gateway signature on webhook deliveries. Stripe
// and Razorpay deliveries are also accepted with their native headers.
const SignatureHeader = "X-Gateway-Signature"

var nativeSignatureHeaders = []string{"Stripe-Signature", "X-Razorpay-Signature"}

const maxWebhookBody = 1 << 20

func (h *Handler) createPayment(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	bookingID := c.QueryParam("booking_id")
	if bookingID == "" {
		return b.WithError(errorbank.BadRequest("booking_id is required", errorbank.WithCode("booking_required"))).Build()
	}
	amount, err := decimalQuery(c, "amount")
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.create", trace.WithAttributes(attribute.String("order.id", bookingID)))
	defer span.End()

	intent, err := h.svc.CreatePaymentIntent(ctx, actor, bookingID, amount)
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.PaymentIntentResponse{
		BookingID:      intent.OrderID,
		Gateway:        intent.Gateway,
		GatewayOrderID: intent.GatewayOrderID,
		Amount:         intent.Amount,
		Currency:       intent.Currency,
		Outstanding:    intent.Outstanding,
	}).Build()
}

func (h *Handler) verifyPayment(c echo.Context) error {
	b := response.New(c)
	actor, err := middleware.MustActor(c)
	if err != nil {
		return b.WithError(err).Build()
	}
	bookingID := c.QueryParam("booking_id")
	if bookingID == "" {
		return b.WithError(errorbank.BadRequest("booking_id is required", errorbank.WithCode("booking_required"))).Build()
	}
	amount, err := decimalQuery(c, "amount")
	if err != nil {
		return b.WithError(err).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.verify", trace.WithAttributes(attribute.String("order.id", bookingID)))
	defer span.End()

	res, err := h.svc.VerifyPayment(ctx, actor, service.VerifyInput{
		OrderID:          bookingID,
		GatewayOrderID:   c.QueryParam("gateway_order_id"),
		GatewayPaymentID: c.QueryParam("gateway_payment_id"),
		Signature:        c.QueryParam("signature"),
		Amount:           amount,
	})
	if err != nil {
		return b.WithError(err).Build()
	}
	return b.WithData(dto.VerifyResponse{
		PaymentStatus:  "verified",
		BookingStatus:  string(res.Order.Status),
		AlreadyApplied: res.AlreadyApplied,
		Order:          dto.FromOrder(res.Order),
	}).Build()
}

func (h *Handler) webhook(c echo.Context) error {
	b := response.New(c)

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return b.WithError(errorbank.BadRequest("unreadable webhook body", errorbank.WithCause(err))).Build()
	}
	signature := c.Request().Header.Get(SignatureHeader)
	for _, name := range nativeSignatureHeaders {
		if signature != "" {
			break
		}
		signature = c.Request().Header.Get(name)
	}
	if signature == "" {
		return b.WithError(errorbank.BadRequest("missing webhook signature", errorbank.WithCode("signature_mismatch"))).Build()
	}

	ctx, span := httpTracer.Start(c.Request().Context(), "payments.webhook")
	defer span.End()

	res, err := h.svc.HandleWebhook(ctx, body, signature)
	if err != nil {
		return b.WithError(err).Build()
	}
	ack := dto.WebhookResponse{
		Event:          string(res.Event),
		Handled:        res.Handled,
		AlreadyApplied: res.AlreadyApplied,
	}
	if res.Order != nil {
		ack.OrderID = res.Order.ID
	}
	return b.WithStatus(http.StatusOK).WithData(ack).Build()
}

func decimalQuery(c echo.Context, name string) (*decimal.Decimal, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, errorbank.BadRequest(name+" must be a decimal number", errorbank.WithCode("invalid_amount"))
	}
	return &d, nil
}
