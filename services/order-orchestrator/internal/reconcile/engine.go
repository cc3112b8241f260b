package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("batch not found")

// Report is the post-trade summary of one batch. Orders is carried for
// callers that render or export the rows and is not part of the JSON body.
type Report struct {
	BatchID         int64            `json:"batch_id"`
	TotalOrders     int              `json:"total_orders"`
	FilledOrders    int              `json:"filled_orders"`
	PendingOrders   int              `json:"pending_orders"`
	CancelledOrders int              `json:"cancelled_orders"`
	RejectedOrders  int              `json:"rejected_orders"`
	TotalQty        decimal.Decimal  `json:"total_qty"`
	FilledQty       decimal.Decimal  `json:"filled_qty"`
	TotalValue      decimal.Decimal  `json:"total_value"`
	FilledValue     decimal.Decimal  `json:"filled_value"`
	ExpectedPnL     *decimal.Decimal `json:"expected_pnl"`
	ActualPnL       *decimal.Decimal `json:"actual_pnl"`
	Orders          []storage.Order  `json:"-"`
}

type Store interface {
	GetBatch(ctx context.Context, id int64) (*storage.Batch, error)
	ListOrdersByBatch(ctx context.Context, batchID int64) ([]storage.Order, error)
}

type Engine struct {
	store   Store
	logger  *slog.Logger
	metrics *orchmetrics.Metrics
}

func NewEngine(store Store, logger *slog.Logger, metrics *orchmetrics.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger, metrics: metrics}
}

func (e *Engine) Reconcile(ctx context.Context, batchID int64) (*Report, error) {
	if _, err := e.store.GetBatch(ctx, batchID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			e.metrics.Reconciliation("not_found")
			return nil, fmt.Errorf("%w: %d", ErrNotFound, batchID)
		}
		e.metrics.Reconciliation("error")
		return nil, fmt.Errorf("load batch: %w", err)
	}

	orders, err := e.store.ListOrdersByBatch(ctx, batchID)
	if err != nil {
		e.metrics.Reconciliation("error")
		return nil, fmt.Errorf("list orders: %w", err)
	}
	if len(orders) == 0 {
		e.metrics.Reconciliation("not_found")
		return nil, fmt.Errorf("%w: no orders for batch %d", ErrNotFound, batchID)
	}

	report := Compute(batchID, orders)
	e.metrics.Reconciliation("success")
	e.logger.Debug("batch reconciled", "batch_id", batchID, "orders", report.TotalOrders, "filled", report.FilledOrders)
	return &report, nil
}

// Compute aggregates orders into a report. Settled orders are counted with
// the filled ones since they carry the same execution.
func Compute(batchID int64, orders []storage.Order) Report {
	report := Report{
		BatchID:     batchID,
		TotalOrders: len(orders),
		TotalQty:    decimal.Zero,
		FilledQty:   decimal.Zero,
		TotalValue:  decimal.Zero,
		FilledValue: decimal.Zero,
		Orders:      orders,
	}

	var (
		buyFilled, sellFilled     bool
		buyActual, sellActual     = decimal.Zero, decimal.Zero
		buyExpected, sellExpected = decimal.Zero, decimal.Zero
	)

	for _, o := range orders {
		report.TotalQty = report.TotalQty.Add(o.Quantity)
		if o.PriceLimit != nil {
			report.TotalValue = report.TotalValue.Add(o.PriceLimit.Mul(o.Quantity))
		}

		switch {
		case storage.IsOpenStatus(o.Status):
			report.PendingOrders++
		case o.Status == storage.OrderStatusCancelled:
			report.CancelledOrders++
		case o.Status == storage.OrderStatusRejected:
			report.RejectedOrders++
		}

		if !isExecuted(o) {
			continue
		}
		report.FilledOrders++
		report.FilledQty = report.FilledQty.Add(*o.FillQty)
		notional := o.FillPrice.Mul(*o.FillQty)
		report.FilledValue = report.FilledValue.Add(notional)

		expected := decimal.Zero
		if o.PriceLimit != nil {
			expected = o.PriceLimit.Mul(*o.FillQty)
		}
		switch o.Side {
		case storage.SideBuy:
			buyFilled = true
			buyActual = buyActual.Add(notional)
			buyExpected = buyExpected.Add(expected)
		case storage.SideSell:
			sellFilled = true
			sellActual = sellActual.Add(notional)
			sellExpected = sellExpected.Add(expected)
		}
	}

	if buyFilled && sellFilled {
		actual := sellActual.Sub(buyActual)
		expected := sellExpected.Sub(buyExpected)
		report.ActualPnL = &actual
		report.ExpectedPnL = &expected
	}
	return report
}

func isExecuted(o storage.Order) bool {
	if o.Status != storage.OrderStatusFilled && o.Status != storage.OrderStatusSettled {
		return false
	}
	return o.FillPrice != nil && o.FillQty != nil
}
