package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Order represents one buyer's purchase of one listing from one seller.
type Order struct {
	bun.BaseModel `bun:"table:orders"`

	ID                 string          `bun:"id,pk"`
	ListingID          string          `bun:"listing_id,notnull"`
	BuyerID            string          `bun:"buyer_id,notnull"`
	SellerID           string          `bun:"seller_id,notnull"`
	Quantity           int             `bun:"quantity,notnull"`
	UnitPrice          decimal.Decimal `bun:"unit_price,type:numeric(14,2),notnull"`
	Amount             decimal.Decimal `bun:"amount,type:numeric(14,2),notnull"`
	ShippingCost       decimal.Decimal `bun:"shipping_cost,type:numeric(14,2),notnull"`
	TotalAmount        decimal.Decimal `bun:"total_amount,type:numeric(14,2),notnull"`
	AdvanceAmount      decimal.Decimal `bun:"advance_amount,type:numeric(14,2),notnull"`
	Currency           string          `bun:"currency,notnull"`
	Status             OrderStatus     `bun:"status,notnull"`
	PaymentStatus      PaymentStatus   `bun:"payment_status,notnull"`
	PaymentIntentID    string          `bun:"payment_intent_id,nullzero"`
	IntentAmount       decimal.Decimal `bun:"payment_intent_amount,type:numeric(14,2),notnull"`
	PaymentDetails     PaymentDetails  `bun:"embed:payment_"`
	Captures           []Capture       `bun:"captures"`
	TrackingInfo       TrackingInfo    `bun:"embed:tracking_"`
	CancellationReason string          `bun:"cancellation_reason,nullzero"`
	RefundAmount       decimal.Decimal `bun:"refund_amount,type:numeric(14,2),notnull"`
	RefundStatus       RefundStatus    `bun:"refund_status,nullzero"`
	RefundID           string          `bun:"refund_id,nullzero"`
	RefundClaim        string          `bun:"refund_claim,nullzero"`
	RefundClaimedAt    *time.Time      `bun:"refund_claimed_at"`
	Version            int64           `bun:"version,notnull"`
	CreatedAt          time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time       `bun:"updated_at,nullzero"`
}

// PaymentDetails is populated once a gateway callback has been verified.
type PaymentDetails struct {
	TransactionID  string     `bun:"transaction_id,nullzero"`
	GatewayOrderID string     `bun:"gateway_order_id,nullzero"`
	Signature      string     `bun:"signature,nullzero"`
	Gateway        string     `bun:"gateway,nullzero"`
	SettledAt      *time.Time `bun:"settled_at"`
}

// Capture is one verified gateway payment against the order. Refunds are
// issued per capture and never exceed its Amount.
type Capture struct {
	PaymentID      string          `json:"payment_id"`
	GatewayOrderID string          `json:"gateway_order_id"`
	Amount         decimal.Decimal `json:"amount"`
	Refunded       decimal.Decimal `json:"refunded"`
	RefundIDs      []string        `json:"refund_ids,omitempty"`
	CapturedAt     time.Time       `json:"captured_at"`
}

// Refundable is what can still be returned against this capture.
func (c Capture) Refundable() decimal.Decimal {
	rest := c.Amount.Sub(c.Refunded)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// TrackingInfo is filled by the seller or an admin once goods ship.
type TrackingInfo struct {
	Carrier           string     `bun:"carrier,nullzero"`
	Number            string     `bun:"number,nullzero"`
	EstimatedDelivery *time.Time `bun:"estimated_delivery"`
	DeliveredAt       *time.Time `bun:"delivered_at"`
}

// Outstanding is the amount still owed to settle the order in full.
func (o *Order) Outstanding() decimal.Decimal {
	rest := o.TotalAmount.Sub(o.AdvanceAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// HasCapture reports whether paymentID has already been applied.
func (o *Order) HasCapture(paymentID string) bool {
	for _, c := range o.Captures {
		if c.PaymentID == paymentID {
			return true
		}
	}
	return false
}

// HasCaptureFor reports whether a payment against gatewayOrderID was applied.
// A gateway order is paid at most once.
func (o *Order) HasCaptureFor(gatewayOrderID string) bool {
	for _, c := range o.Captures {
		if c.GatewayOrderID == gatewayOrderID {
			return true
		}
	}
	return false
}

// Refunded is the total already returned across all captures.
func (o *Order) Refunded() decimal.Decimal {
	total := decimal.Zero
	for _, c := range o.Captures {
		total = total.Add(c.Refunded)
	}
	return total
}
