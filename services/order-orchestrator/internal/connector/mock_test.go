package connector

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var alpacaExtID = regexp.MustCompile(`^ALPACA-\d+-[0-9A-F]{8}$`)

func TestMockPlacesAndAcks(t *testing.T) {
	m := NewAlpacaMock()
	ctx := context.Background()

	res, err := m.PlaceOrder(ctx, PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(5), Side: "BUY"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if !res.Success || res.Status != "placed" {
		t.Fatalf("unexpected result %+v", res)
	}
	if !alpacaExtID.MatchString(res.ExtOrderID) {
		t.Fatalf("unexpected ext id %q", res.ExtOrderID)
	}

	status, err := m.GetOrderStatus(ctx, res.ExtOrderID)
	if err != nil || status.Status != "acked" {
		t.Fatalf("expected acked, got %+v %v", status, err)
	}
	if _, err := m.GetOrderStatus(ctx, "ALPACA-404-DEADBEEF"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}

	second, _ := m.PlaceOrder(ctx, PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(5), Side: "BUY"})
	if second.ExtOrderID == res.ExtOrderID {
		t.Fatalf("ext ids must be unique")
	}
	if m.PlacedCount() != 2 {
		t.Fatalf("expected 2 placements, got %d", m.PlacedCount())
	}
}

func TestMockSimulatedFill(t *testing.T) {
	m := NewZerodhaMock()
	ctx := context.Background()
	m.SetSimulatedFill(7, decimal.RequireFromString("101.5"), decimal.Zero)

	res, err := m.PlaceOrder(ctx, PlaceRequest{InstrumentID: 7, Quantity: decimal.NewFromInt(20), Side: "SELL"})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if res.Status != "filled" || res.FillPrice == nil || !res.FillPrice.Equal(decimal.RequireFromString("101.5")) {
		t.Fatalf("unexpected fill %+v", res)
	}
	if res.FillQty == nil || !res.FillQty.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("expected fill qty to default to order qty, got %v", res.FillQty)
	}

	status, _ := m.GetOrderStatus(ctx, res.ExtOrderID)
	if status.Status != "filled" {
		t.Fatalf("filled orders stay filled, got %s", status.Status)
	}

	m.ClearSimulatedFill(7)
	res, _ = m.PlaceOrder(ctx, PlaceRequest{InstrumentID: 7, Quantity: decimal.NewFromInt(1), Side: "SELL"})
	if res.Status != "placed" {
		t.Fatalf("expected placed after clearing fill, got %s", res.Status)
	}
}

func TestMockFailureInjection(t *testing.T) {
	m := NewZerodhaMock()
	boom := errors.New("exchange closed")
	m.FailWith(boom)

	res, err := m.PlaceOrder(context.Background(), PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(1), Side: "BUY"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if res.Success || res.Status != "rejected" || res.ErrorMessage != "exchange closed" {
		t.Fatalf("unexpected result %+v", res)
	}

	m.FailWith(nil)
	if _, err := m.PlaceOrder(context.Background(), PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(1), Side: "BUY"}); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func TestMockLatencyHonoursContext(t *testing.T) {
	m := NewMock("slow-mock", "slow", time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.PlaceOrder(ctx, PlaceRequest{InstrumentID: 1, Quantity: decimal.NewFromInt(1), Side: "BUY"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if m.PlacedCount() != 0 {
		t.Fatalf("timed out placements must not count")
	}
}
