package service

import (
	"encoding/json"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/reconcile"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/routing"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

type OrderView struct {
	ID           int64            `json:"id"`
	PortfolioID  int64            `json:"portfolio_id"`
	Broker       string           `json:"broker"`
	InstrumentID int64            `json:"instrument_id"`
	Quantity     decimal.Decimal  `json:"qty"`
	PriceLimit   *decimal.Decimal `json:"price_limit"`
	Side         string           `json:"side"`
	Status       string           `json:"status"`
	CreatedAt    time.Time        `json:"created_at"`
	ExecutedAt   *time.Time       `json:"executed_at"`
	ExtOrderID   *string          `json:"ext_order_id"`
	FillPrice    *decimal.Decimal `json:"fill_price"`
	FillQty      *decimal.Decimal `json:"fill_qty"`
	BatchID      *int64           `json:"batch_id"`
	RejectReason *string          `json:"reject_reason,omitempty"`
}

func NewOrderView(o storage.Order) OrderView {
	return OrderView{
		ID:           o.ID,
		PortfolioID:  o.PortfolioID,
		Broker:       o.Broker,
		InstrumentID: o.InstrumentID,
		Quantity:     o.Quantity,
		PriceLimit:   o.PriceLimit,
		Side:         o.Side,
		Status:       o.Status,
		CreatedAt:    o.CreatedAt.UTC(),
		ExecutedAt:   utcPtr(o.ExecutedAt),
		ExtOrderID:   o.ExtOrderID,
		FillPrice:    o.FillPrice,
		FillQty:      o.FillQty,
		BatchID:      o.BatchID,
		RejectReason: o.RejectReason,
	}
}

func NewOrderViews(orders []storage.Order) []OrderView {
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, NewOrderView(o))
	}
	return out
}

// BatchResponse is the body returned for a submission and replayed verbatim
// for a repeated idempotency key.
type BatchResponse struct {
	BatchID         int64              `json:"batch_id"`
	Status          string             `json:"status"`
	Orders          []OrderView        `json:"orders"`
	ProposedRouting []routing.Decision `json:"proposed_routing"`
	Message         string             `json:"message"`
}

type BatchView struct {
	ID             int64           `json:"id"`
	UserID         string          `json:"user_id"`
	PortfolioID    int64           `json:"portfolio_id"`
	OrdersJSON     json.RawMessage `json:"orders_json"`
	Status         string          `json:"status"`
	IdempotencyKey *string         `json:"idempotency_key"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Orders         []OrderView     `json:"orders"`
}

func NewBatchView(b storage.Batch, orders []storage.Order) BatchView {
	return BatchView{
		ID:             b.ID,
		UserID:         b.UserID,
		PortfolioID:    b.PortfolioID,
		OrdersJSON:     b.OrdersJSON,
		Status:         b.Status,
		IdempotencyKey: b.IdempotencyKey,
		CreatedAt:      b.CreatedAt.UTC(),
		UpdatedAt:      b.UpdatedAt.UTC(),
		Orders:         NewOrderViews(orders),
	}
}

type ReconcileView struct {
	reconcile.Report
	Orders []OrderView `json:"orders"`
}

func NewReconcileView(r reconcile.Report) ReconcileView {
	return ReconcileView{Report: r, Orders: NewOrderViews(r.Orders)}
}

type FillResult struct {
	OrderID   int64           `json:"order_id"`
	Status    string          `json:"status"`
	FillPrice decimal.Decimal `json:"fill_price"`
	FillQty   decimal.Decimal `json:"fill_qty"`
	Message   string          `json:"message"`
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
