package entity

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

// TransportJob is a transporter's commitment to deliver one order.
type TransportJob struct {
	bun.BaseModel `bun:"table:transport_jobs"`

	ID            string          `bun:"id,pk"`
	OrderID       string          `bun:"order_id,notnull"`
	TransporterID string          `bun:"transporter_id,notnull"`
	Quote         decimal.Decimal `bun:"quote,type:numeric(14,2),notnull"`
	Status        TransportStatus `bun:"status,notnull"`
	Tracking      string          `bun:"tracking,nullzero"`
	Version       int64           `bun:"version,notnull"`
	CreatedAt     time.Time       `bun:"created_at,nullzero,notnull,default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time       `bun:"updated_at,nullzero"`
}
