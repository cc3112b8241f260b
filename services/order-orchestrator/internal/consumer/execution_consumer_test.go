package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/amodvardhan/INDMoneyPlus/libs/kafka"
	"github.com/amodvardhan/INDMoneyPlus/libs/logging"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/lifecycle"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/service"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

type fakeApplier struct {
	last *service.ExecutionInput
	err  error
}

func (f *fakeApplier) ApplyExecution(_ context.Context, in service.ExecutionInput) (*storage.Order, error) {
	f.last = &in
	if f.err != nil {
		return nil, f.err
	}
	return &storage.Order{ID: 1, Status: in.Status}, nil
}

func strPtr(s string) *string { return &s }

func validReport() ExecutionReport {
	return ExecutionReport{
		Envelope: kafka.Envelope{
			EventID:      "evt_1",
			EventType:    executionEventType,
			EventVersion: 1,
			Timestamp:    time.Now().UTC(),
		},
		Broker:     "zerodha-mock",
		ExtOrderID: "ZERODHA-1-ABCDEF12",
		Status:     "FILLED",
		FillPrice:  strPtr("2500.25"),
		FillQty:    strPtr("10"),
	}
}

func message(t *testing.T, v any) *sarama.ConsumerMessage {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: DefaultTopic, Value: payload}
}

func isDLQ(err error, reason string) bool {
	var dlqErr *kafka.DLQError
	return errors.As(err, &dlqErr) && dlqErr.Reason == reason
}

func TestExecutionConsumerAppliesReport(t *testing.T) {
	applier := &fakeApplier{}
	c := NewExecutionConsumer(applier, logging.Discard(), nil)

	if err := c.HandleMessage(context.Background(), message(t, validReport())); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	in := applier.last
	if in == nil || in.Status != storage.OrderStatusFilled || in.ExtOrderID != "ZERODHA-1-ABCDEF12" {
		t.Fatalf("unexpected input %+v", in)
	}
	if in.FillPrice == nil || !in.FillPrice.Equal(decimal.RequireFromString("2500.25")) {
		t.Fatalf("unexpected fill price %v", in.FillPrice)
	}
}

func TestExecutionConsumerSkipsReplayedTransition(t *testing.T) {
	applier := &fakeApplier{err: &lifecycle.TransitionError{OrderID: 1, From: "filled", To: "filled"}}
	c := NewExecutionConsumer(applier, logging.Discard(), nil)

	if err := c.HandleMessage(context.Background(), message(t, validReport())); err != nil {
		t.Fatalf("expected replay to be acknowledged, got %v", err)
	}
}

func TestExecutionConsumerDeadLettersBadInput(t *testing.T) {
	c := NewExecutionConsumer(&fakeApplier{}, logging.Discard(), nil)

	if err := c.HandleMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{not json")}); !isDLQ(err, "decode_error") {
		t.Fatalf("expected decode_error DLQ, got %v", err)
	}
	if err := c.HandleMessage(context.Background(), nil); !isDLQ(err, "invalid_event") {
		t.Fatalf("expected invalid_event DLQ for nil message, got %v", err)
	}

	mutations := map[string]func(*ExecutionReport){
		"wrong type":     func(r *ExecutionReport) { r.EventType = "order.filled" },
		"missing broker": func(r *ExecutionReport) { r.Broker = "" },
		"missing ids":    func(r *ExecutionReport) { r.ExtOrderID = "" },
		"bad status":     func(r *ExecutionReport) { r.Status = "partially_done" },
		"bad price":      func(r *ExecutionReport) { r.FillPrice = strPtr("abc") },
		"negative qty":   func(r *ExecutionReport) { r.FillQty = strPtr("-1") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			report := validReport()
			mutate(&report)
			if err := c.HandleMessage(context.Background(), message(t, report)); !isDLQ(err, "invalid_event") {
				t.Fatalf("expected invalid_event DLQ, got %v", err)
			}
		})
	}
}

func TestExecutionConsumerUnknownOrder(t *testing.T) {
	c := NewExecutionConsumer(&fakeApplier{err: storage.ErrNotFound}, logging.Discard(), nil)
	if err := c.HandleMessage(context.Background(), message(t, validReport())); !isDLQ(err, "unknown_order") {
		t.Fatalf("expected unknown_order DLQ, got %v", err)
	}
}

func TestExecutionConsumerRetriesTransientErrors(t *testing.T) {
	transient := errors.New("connection reset")
	c := NewExecutionConsumer(&fakeApplier{err: transient}, logging.Discard(), nil)

	err := c.HandleMessage(context.Background(), message(t, validReport()))
	if !errors.Is(err, transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	var dlqErr *kafka.DLQError
	if errors.As(err, &dlqErr) {
		t.Fatal("transient errors must be retried, not dead-lettered")
	}
}
