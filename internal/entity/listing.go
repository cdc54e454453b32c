package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// Listing is the subset of a marketplace listing the order flow depends on.
// Listings are owned by the catalogue service; this service only reads them.
type Listing struct {
	bun.BaseModel `bun:"table:listings"`

	ID        string          `bun:"id,pk"`
	SellerID  string          `bun:"seller_id,notnull"`
	Title     string          `bun:"title"`
	Status    ListingStatus   `bun:"status,notnull"`
	Price     decimal.Decimal `bun:"price,type:numeric(14,2),notnull"`
	Currency  string          `bun:"currency,notnull"`
	CreatedAt time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time       `bun:"updated_at,nullzero"`
}
