package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/IBM/sarama"
	"github.com/amodvardhan/INDMoneyPlus/libs/kafka"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/lifecycle"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/service"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

const (
	DefaultTopic       = "broker.executions"
	executionEventType = "broker.execution"
)

// ExecutionReport is a broker's asynchronous update about one order. OrderID
// is optional when the broker only knows its own order id.
type ExecutionReport struct {
	kafka.Envelope
	Broker     string  `json:"broker"`
	ExtOrderID string  `json:"ext_order_id"`
	OrderID    int64   `json:"order_id,omitempty"`
	Status     string  `json:"status"`
	FillPrice  *string `json:"fill_price,omitempty"`
	FillQty    *string `json:"fill_qty,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

type ExecutionApplier interface {
	ApplyExecution(ctx context.Context, in service.ExecutionInput) (*storage.Order, error)
}

type ExecutionConsumer struct {
	applier ExecutionApplier
	logger  *slog.Logger
	metrics *orchmetrics.Metrics
}

func NewExecutionConsumer(applier ExecutionApplier, logger *slog.Logger, metrics *orchmetrics.Metrics) *ExecutionConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionConsumer{applier: applier, logger: logger, metrics: metrics}
}

func (c *ExecutionConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		c.metrics.ExecutionReport("invalid")
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_event")
	}

	var report ExecutionReport
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		c.metrics.ExecutionReport("invalid")
		return kafka.DLQ(fmt.Errorf("decode %s: %w", executionEventType, err), "decode_error")
	}
	input, err := report.toInput()
	if err != nil {
		c.metrics.ExecutionReport("invalid")
		return kafka.DLQ(err, "invalid_event")
	}

	order, err := c.applier.ApplyExecution(ctx, input)
	switch {
	case err == nil:
		c.metrics.ExecutionReport("applied")
		c.logger.Info("execution report applied", "event_id", report.EventID, "order_id", order.ID, "status", order.Status)
		return nil
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		// Redelivered or out-of-order report; the order already moved on.
		c.metrics.ExecutionReport("skipped")
		c.logger.Info("execution report skipped", "event_id", report.EventID, "broker", report.Broker, "ext_order_id", report.ExtOrderID, "status", report.Status, "error", err)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		c.metrics.ExecutionReport("unknown_order")
		return kafka.DLQ(err, "unknown_order")
	case errors.Is(err, lifecycle.ErrFillRequired), errors.Is(err, lifecycle.ErrIncompleteFill), errors.Is(err, lifecycle.ErrUnknownStatus):
		c.metrics.ExecutionReport("invalid")
		return kafka.DLQ(err, "invalid_event")
	default:
		c.metrics.ExecutionReport("error")
		return err
	}
}

func (r *ExecutionReport) Validate() error {
	if err := r.Envelope.Validate(); err != nil {
		return err
	}
	if r.EventType != executionEventType {
		return fmt.Errorf("unexpected event_type: %s", r.EventType)
	}
	if strings.TrimSpace(r.Broker) == "" {
		return fmt.Errorf("broker is required")
	}
	if r.OrderID <= 0 && strings.TrimSpace(r.ExtOrderID) == "" {
		return fmt.Errorf("order_id or ext_order_id is required")
	}
	if !lifecycle.IsKnownStatus(strings.ToLower(strings.TrimSpace(r.Status))) {
		return fmt.Errorf("unknown status: %s", r.Status)
	}
	return nil
}

func (r *ExecutionReport) toInput() (service.ExecutionInput, error) {
	if err := r.Validate(); err != nil {
		return service.ExecutionInput{}, err
	}
	price, err := parseDecimal(r.FillPrice, "fill_price")
	if err != nil {
		return service.ExecutionInput{}, err
	}
	qty, err := parseDecimal(r.FillQty, "fill_qty")
	if err != nil {
		return service.ExecutionInput{}, err
	}
	return service.ExecutionInput{
		Broker:     strings.TrimSpace(r.Broker),
		ExtOrderID: strings.TrimSpace(r.ExtOrderID),
		OrderID:    r.OrderID,
		Status:     strings.ToLower(strings.TrimSpace(r.Status)),
		FillPrice:  price,
		FillQty:    qty,
		Reason:     r.Reason,
	}, nil
}

func parseDecimal(value *string, field string) (*decimal.Decimal, error) {
	if value == nil || strings.TrimSpace(*value) == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(*value))
	if err != nil {
		return nil, fmt.Errorf("%s must be decimal", field)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return &d, nil
}
