package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/libs/kafka"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	DefaultTopic = "order-events"
	eventVersion = 1
)

// OrderEvent is the payload emitted on every order status change.
type OrderEvent struct {
	kafka.Envelope
	OrderID      int64            `json:"order_id"`
	BatchID      *int64           `json:"batch_id,omitempty"`
	PortfolioID  int64            `json:"portfolio_id"`
	Broker       string           `json:"broker"`
	InstrumentID int64            `json:"instrument_id"`
	Quantity     decimal.Decimal  `json:"qty"`
	Side         string           `json:"side"`
	Status       string           `json:"status"`
	OldStatus    string           `json:"old_status,omitempty"`
	PriceLimit   *decimal.Decimal `json:"price_limit,omitempty"`
	FillPrice    *decimal.Decimal `json:"fill_price"`
	FillQty      *decimal.Decimal `json:"fill_qty"`
	ExtOrderID   *string          `json:"ext_order_id"`
	RejectReason *string          `json:"reject_reason,omitempty"`
	ExecutedAt   *time.Time       `json:"executed_at,omitempty"`
}

func EventType(status string) string {
	return "order." + status
}

// NewOrderEvent builds the event for order having moved from oldStatus. The
// event id is derived from the order id and new status, so a replayed
// transition carries the same id.
func NewOrderEvent(order storage.Order, oldStatus string) (OrderEvent, error) {
	id := strconv.FormatInt(order.ID, 10)
	correlation := ""
	if order.BatchID != nil {
		correlation = "batch-" + strconv.FormatInt(*order.BatchID, 10)
	}
	env, err := kafka.NewDeterministicEnvelope(EventType(order.Status), eventVersion, correlation, "order", id, order.Status)
	if err != nil {
		return OrderEvent{}, err
	}
	return OrderEvent{
		Envelope:     env,
		OrderID:      order.ID,
		BatchID:      order.BatchID,
		PortfolioID:  order.PortfolioID,
		Broker:       order.Broker,
		InstrumentID: order.InstrumentID,
		Quantity:     order.Quantity,
		Side:         order.Side,
		Status:       order.Status,
		OldStatus:    oldStatus,
		PriceLimit:   order.PriceLimit,
		FillPrice:    order.FillPrice,
		FillQty:      order.FillQty,
		ExtOrderID:   order.ExtOrderID,
		RejectReason: order.RejectReason,
		ExecutedAt:   order.ExecutedAt,
	}, nil
}

type Options struct {
	Topic          string
	Enabled        bool
	PublishTimeout time.Duration
}

// Publisher emits order events at most once. A disabled or missing transport
// makes every call a no-op and failures are only logged and counted.
type Publisher struct {
	producer kafka.Publisher
	opts     Options
	logger   *slog.Logger
	metrics  *orchmetrics.Metrics
}

func NewPublisher(producer kafka.Publisher, opts Options, logger *slog.Logger, metrics *orchmetrics.Metrics) *Publisher {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{producer: producer, opts: opts, logger: logger, metrics: metrics}
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.opts.Enabled && p.producer != nil
}

// PublishOrder emits the order's current status event.
func (p *Publisher) PublishOrder(ctx context.Context, order storage.Order, oldStatus string) {
	if !p.Enabled() {
		return
	}
	event, err := NewOrderEvent(order, oldStatus)
	if err != nil {
		p.logger.Error("build order event failed", "order_id", order.ID, "error", err)
		p.metrics.EventPublished(EventType(order.Status), "error")
		return
	}
	p.Publish(ctx, event.EventType, strconv.FormatInt(order.ID, 10), event)
}

// Publish sends payload keyed by key. It never returns an error.
func (p *Publisher) Publish(ctx context.Context, eventType, key string, payload any) {
	if !p.Enabled() {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.PublishTimeout)
	defer cancel()

	if _, _, err := p.producer.PublishJSON(pubCtx, p.opts.Topic, key, payload); err != nil {
		p.metrics.EventPublished(eventType, "error")
		p.logger.Warn("order event publish failed", "event_type", eventType, "key", key, "topic", p.opts.Topic, "error", err)
		return
	}
	p.metrics.EventPublished(eventType, "success")
}
