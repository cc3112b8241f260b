package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/libs/logging"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/orchmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

// stuckConnector ignores its context and never answers.
type stuckConnector struct {
	release chan struct{}
}

func (s *stuckConnector) Name() string { return "stuck" }

func (s *stuckConnector) PlaceOrder(context.Context, PlaceRequest) (OrderResult, error) {
	<-s.release
	return OrderResult{Success: true, Status: "placed"}, nil
}

func (s *stuckConnector) GetOrderStatus(context.Context, string) (OrderResult, error) {
	<-s.release
	return OrderResult{Status: "acked"}, nil
}

func TestGuardedTimesOutUnresponsiveBroker(t *testing.T) {
	stuck := &stuckConnector{release: make(chan struct{})}
	defer close(stuck.release)

	g := NewGuarded(stuck, GuardOptions{PlaceTimeout: 20 * time.Millisecond, StatusTimeout: 20 * time.Millisecond}, logging.Discard(), nil)

	start := time.Now()
	res, err := g.PlaceOrder(context.Background(), PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(1), Side: "BUY"})
	if time.Since(start) > time.Second {
		t.Fatalf("guard did not bound the call")
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if res.Success || res.Status != "rejected" || res.ErrorMessage == "" {
		t.Fatalf("expected explicit rejected result, got %+v", res)
	}

	if _, err := g.GetOrderStatus(context.Background(), "x"); !IsRetryable(err) {
		t.Fatalf("expected retryable status error, got %v", err)
	}
}

func TestGuardedOpensCircuit(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := orchmetrics.New(registry)
	mock := NewZerodhaMock()
	mock.FailWith(errors.New("connection reset"))

	g := NewGuarded(mock, GuardOptions{Breaker: BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour}}, logging.Discard(), metrics)
	req := PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(1), Side: "BUY"}

	for i := 0; i < 2; i++ {
		_, err := g.PlaceOrder(context.Background(), req)
		var cerr *Error
		if !errors.As(err, &cerr) || cerr.Retryable {
			t.Fatalf("expected non-retryable connector error, got %v", err)
		}
	}
	if g.BreakerState() != BreakerOpen {
		t.Fatalf("expected open breaker")
	}
	if got := testutil.ToFloat64(metrics.BreakerOpen.WithLabelValues(ZerodhaMockName)); got != 1 {
		t.Fatalf("expected breaker gauge 1, got %v", got)
	}

	mock.FailWith(nil)
	before := mock.PlacedCount()
	_, err := g.PlaceOrder(context.Background(), req)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if mock.PlacedCount() != before {
		t.Fatalf("open circuit must not reach the broker")
	}
}

func TestGuardedPassesThrough(t *testing.T) {
	mock := NewAlpacaMock()
	g := NewGuarded(mock, GuardOptions{}, logging.Discard(), nil)

	res, err := g.PlaceOrder(context.Background(), PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(1), Side: "SELL"})
	if err != nil || res.Status != "placed" {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	status, err := g.GetOrderStatus(context.Background(), res.ExtOrderID)
	if err != nil || status.Status != "acked" {
		t.Fatalf("unexpected status %+v %v", status, err)
	}
	if _, err := g.GetOrderStatus(context.Background(), "missing"); !errors.Is(err, ErrUnknownOrder) || IsRetryable(err) {
		t.Fatalf("unknown orders are not retryable, got %v", err)
	}
	if g.Unwrap() != Connector(mock) {
		t.Fatalf("unwrap should return inner connector")
	}
}
