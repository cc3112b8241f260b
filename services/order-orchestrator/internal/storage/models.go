package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	OrderStatusPlaced    = "placed"
	OrderStatusAcked     = "acked"
	OrderStatusFilled    = "filled"
	OrderStatusSettled   = "settled"
	OrderStatusCancelled = "cancelled"
	OrderStatusRejected  = "rejected"
)

const (
	BatchStatusPending    = "pending"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"
)

const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// IsOpenStatus reports whether an order is still working at the broker.
func IsOpenStatus(status string) bool {
	return status == OrderStatusPlaced || status == OrderStatusAcked
}

type Order struct {
	ID           int64
	PortfolioID  int64
	Broker       string
	InstrumentID int64
	Quantity     decimal.Decimal
	PriceLimit   *decimal.Decimal
	Side         string
	Status       string
	ExtOrderID   *string
	FillPrice    *decimal.Decimal
	FillQty      *decimal.Decimal
	RejectReason *string
	BatchID      *int64
	CreatedAt    time.Time
	ExecutedAt   *time.Time
	UpdatedAt    time.Time
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (o Order) Clone() Order {
	out := o
	out.PriceLimit = cloneDecimal(o.PriceLimit)
	out.FillPrice = cloneDecimal(o.FillPrice)
	out.FillQty = cloneDecimal(o.FillQty)
	if o.ExtOrderID != nil {
		v := *o.ExtOrderID
		out.ExtOrderID = &v
	}
	if o.RejectReason != nil {
		v := *o.RejectReason
		out.RejectReason = &v
	}
	if o.BatchID != nil {
		v := *o.BatchID
		out.BatchID = &v
	}
	if o.ExecutedAt != nil {
		v := *o.ExecutedAt
		out.ExecutedAt = &v
	}
	return out
}

type Batch struct {
	ID             int64
	UserID         string
	PortfolioID    int64
	OrdersJSON     json.RawMessage
	Status         string
	IdempotencyKey *string
	Response       []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type BrokerConfig struct {
	ID         int64
	BrokerName string
	Config     map[string]any
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NextBatchStatus derives a processing batch's status from its orders. A batch
// completes once no order is open and fails when every order was rejected.
func NextBatchStatus(current string, orders []Order) string {
	if current != BatchStatusProcessing || len(orders) == 0 {
		return current
	}
	rejected := 0
	for _, o := range orders {
		if IsOpenStatus(o.Status) {
			return current
		}
		if o.Status == OrderStatusRejected {
			rejected++
		}
	}
	if rejected == len(orders) {
		return BatchStatusFailed
	}
	return BatchStatusCompleted
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
