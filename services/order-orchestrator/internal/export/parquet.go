package export

import (
	"fmt"
	"io"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/reconcile"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/parquet-go/parquet-go"
)

const ContentType = "application/vnd.apache.parquet"

// OrderRecord is the Parquet schema for one reconciled order. Decimal values
// are kept as strings so no precision is lost.
type OrderRecord struct {
	BatchID      int64   `parquet:"batch_id"`
	OrderID      int64   `parquet:"order_id"`
	PortfolioID  int64   `parquet:"portfolio_id"`
	Broker       string  `parquet:"broker"`
	InstrumentID int64   `parquet:"instrument_id"`
	Side         string  `parquet:"side"`
	Status       string  `parquet:"status"`
	Qty          string  `parquet:"qty"`
	PriceLimit   *string `parquet:"price_limit,optional"`
	FillPrice    *string `parquet:"fill_price,optional"`
	FillQty      *string `parquet:"fill_qty,optional"`
	ExtOrderID   *string `parquet:"ext_order_id,optional"`
	CreatedAt    int64   `parquet:"created_at,timestamp(millisecond)"`
	ExecutedAt   *int64  `parquet:"executed_at,optional"` // Unix ms
}

func Records(report reconcile.Report) []OrderRecord {
	out := make([]OrderRecord, 0, len(report.Orders))
	for _, o := range report.Orders {
		out = append(out, record(report.BatchID, o))
	}
	return out
}

// WriteParquet writes the report's order rows to w.
func WriteParquet(w io.Writer, report reconcile.Report) error {
	if err := parquet.Write(w, Records(report)); err != nil {
		return fmt.Errorf("write parquet: %w", err)
	}
	return nil
}

func FileName(batchID int64) string {
	return fmt.Sprintf("batch-%d-reconciliation.parquet", batchID)
}

func record(batchID int64, o storage.Order) OrderRecord {
	rec := OrderRecord{
		BatchID:      batchID,
		OrderID:      o.ID,
		PortfolioID:  o.PortfolioID,
		Broker:       o.Broker,
		InstrumentID: o.InstrumentID,
		Side:         o.Side,
		Status:       o.Status,
		Qty:          o.Quantity.String(),
		ExtOrderID:   o.ExtOrderID,
		CreatedAt:    o.CreatedAt.UnixMilli(),
	}
	if o.PriceLimit != nil {
		v := o.PriceLimit.String()
		rec.PriceLimit = &v
	}
	if o.FillPrice != nil {
		v := o.FillPrice.String()
		rec.FillPrice = &v
	}
	if o.FillQty != nil {
		v := o.FillQty.String()
		rec.FillQty = &v
	}
	if o.ExecutedAt != nil {
		v := o.ExecutedAt.UnixMilli()
		rec.ExecutedAt = &v
	}
	return rec
}
