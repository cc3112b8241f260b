package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

type Store interface {
	CreateOrder(ctx context.Context, order storage.Order) (*storage.Order, error)
	GetOrder(ctx context.Context, id int64) (*storage.Order, error)
	UpdateOrder(ctx context.Context, id int64, mutate func(*storage.Order) error) (*storage.Order, error)
}

// EventSink receives an order after each committed status change.
type EventSink interface {
	PublishOrder(ctx context.Context, order storage.Order, oldStatus string)
}

// Update carries the optional fields applied with a status change.
type Update struct {
	FillPrice    *decimal.Decimal
	FillQty      *decimal.Decimal
	ExtOrderID   *string
	RejectReason *string
}

// Manager is the only writer of order status. Each change is validated
// against the transition table, persisted under a row lock and then emitted.
type Manager struct {
	store   Store
	events  EventSink
	logger  *slog.Logger
	metrics *orchmetrics.Metrics
	now     func() time.Time
}

func NewManager(store Store, events EventSink, logger *slog.Logger, metrics *orchmetrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		events:  events,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create persists a freshly placed order in the status the broker reported
// and emits its first event.
func (m *Manager) Create(ctx context.Context, order storage.Order) (*storage.Order, error) {
	if order.Status == "" {
		order.Status = storage.OrderStatusPlaced
	}
	if order.Status != storage.OrderStatusPlaced {
		if err := checkTransition(0, storage.OrderStatusPlaced, order.Status); err != nil {
			return nil, err
		}
	}
	if err := checkFill(order.Status, order.FillPrice, order.FillQty); err != nil {
		return nil, err
	}
	if order.Status == storage.OrderStatusFilled {
		now := m.now()
		order.ExecutedAt = &now
	} else {
		order.ExecutedAt = nil
	}

	stored, err := m.store.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	m.metrics.Transition("new", stored.Status)
	m.emit(ctx, *stored, "")
	return stored, nil
}

// UpdateStatus moves an order to status, applying the fields in upd, and
// emits order.<status> once the change is committed.
func (m *Manager) UpdateStatus(ctx context.Context, orderID int64, status string, upd Update) (*storage.Order, error) {
	if (upd.FillPrice == nil) != (upd.FillQty == nil) {
		return nil, ErrIncompleteFill
	}

	var oldStatus string
	updated, err := m.store.UpdateOrder(ctx, orderID, func(o *storage.Order) error {
		oldStatus = o.Status
		if err := checkTransition(o.ID, o.Status, status); err != nil {
			return err
		}
		if status == storage.OrderStatusFilled {
			if err := checkFill(status, upd.FillPrice, upd.FillQty); err != nil {
				return err
			}
		}

		o.Status = status
		if upd.FillPrice != nil {
			o.FillPrice = upd.FillPrice
			o.FillQty = upd.FillQty
		}
		if upd.ExtOrderID != nil {
			o.ExtOrderID = upd.ExtOrderID
		}
		if upd.RejectReason != nil {
			o.RejectReason = upd.RejectReason
		}
		if status == storage.OrderStatusFilled {
			now := m.now()
			o.ExecutedAt = &now
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIllegalTransition) {
			m.metrics.IllegalTransition()
			m.logger.Error("illegal order transition rejected", "order_id", orderID, "from", oldStatus, "to", status)
		}
		return nil, err
	}

	m.metrics.Transition(oldStatus, updated.Status)
	m.logger.Info("order status updated", "order_id", updated.ID, "from", oldStatus, "to", updated.Status)
	m.emit(ctx, *updated, oldStatus)
	return updated, nil
}

func (m *Manager) Acknowledge(ctx context.Context, orderID int64, extOrderID string) (*storage.Order, error) {
	upd := Update{}
	if extOrderID != "" {
		upd.ExtOrderID = &extOrderID
	}
	return m.UpdateStatus(ctx, orderID, storage.OrderStatusAcked, upd)
}

func (m *Manager) ProcessFill(ctx context.Context, orderID int64, price, qty decimal.Decimal) (*storage.Order, error) {
	return m.UpdateStatus(ctx, orderID, storage.OrderStatusFilled, Update{FillPrice: &price, FillQty: &qty})
}

func (m *Manager) Settle(ctx context.Context, orderID int64) (*storage.Order, error) {
	return m.UpdateStatus(ctx, orderID, storage.OrderStatusSettled, Update{})
}

func (m *Manager) Cancel(ctx context.Context, orderID int64) (*storage.Order, error) {
	return m.UpdateStatus(ctx, orderID, storage.OrderStatusCancelled, Update{})
}

func (m *Manager) Reject(ctx context.Context, orderID int64, reason string) (*storage.Order, error) {
	upd := Update{}
	if reason != "" {
		upd.RejectReason = &reason
	}
	return m.UpdateStatus(ctx, orderID, storage.OrderStatusRejected, upd)
}

func (m *Manager) emit(ctx context.Context, order storage.Order, oldStatus string) {
	if m.events == nil {
		return
	}
	m.events.PublishOrder(ctx, order, oldStatus)
}

func checkFill(status string, price, qty *decimal.Decimal) error {
	if (price == nil) != (qty == nil) {
		return ErrIncompleteFill
	}
	if status != storage.OrderStatusFilled {
		return nil
	}
	if price == nil {
		return ErrFillRequired
	}
	if !price.IsPositive() || !qty.IsPositive() {
		return fmt.Errorf("fill_price and fill_qty must be positive")
	}
	return nil
}
