package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	ZerodhaMockName = "zerodha-mock"
	AlpacaMockName  = "alpaca-mock"
)

type simulatedFill struct {
	price decimal.Decimal
	qty   decimal.Decimal
}

// MockConnector is a deterministic in-process broker. Orders for instruments
// with a scripted fill are filled immediately; everything else is placed and
// reported as acked on the next status query.
type MockConnector struct {
	name    string
	prefix  string
	latency time.Duration

	mu     sync.Mutex
	fills  map[int64]simulatedFill
	orders map[string]OrderResult
	failer error

	counter atomic.Int64
	placed  atomic.Int64
}

func NewMock(name, prefix string, latency time.Duration) *MockConnector {
	return &MockConnector{
		name:    name,
		prefix:  strings.ToUpper(prefix),
		latency: latency,
		fills:   make(map[int64]simulatedFill),
		orders:  make(map[string]OrderResult),
	}
}

func NewZerodhaMock() *MockConnector { return NewMock(ZerodhaMockName, "ZERODHA", 0) }

func NewAlpacaMock() *MockConnector { return NewMock(AlpacaMockName, "ALPACA", 0) }

func (m *MockConnector) Name() string { return m.name }

func (m *MockConnector) SetSimulatedFill(instrumentID int64, price, qty decimal.Decimal) {
	m.mu.Lock()
	m.fills[instrumentID] = simulatedFill{price: price, qty: qty}
	m.mu.Unlock()
}

func (m *MockConnector) ClearSimulatedFill(instrumentID int64) {
	m.mu.Lock()
	delete(m.fills, instrumentID)
	m.mu.Unlock()
}

// FailWith makes every subsequent placement fail with err. Nil restores
// normal behaviour.
func (m *MockConnector) FailWith(err error) {
	m.mu.Lock()
	m.failer = err
	m.mu.Unlock()
}

// PlacedCount reports how many placements reached the broker.
func (m *MockConnector) PlacedCount() int {
	return int(m.placed.Load())
}

func (m *MockConnector) PlaceOrder(ctx context.Context, req PlaceRequest) (OrderResult, error) {
	if err := m.wait(ctx); err != nil {
		return Rejected(err.Error()), err
	}
	m.placed.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failer != nil {
		return Rejected(m.failer.Error()), m.failer
	}

	extID := fmt.Sprintf("%s-%d-%s", m.prefix, m.counter.Add(1), strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8]))
	result := OrderResult{
		Success:    true,
		ExtOrderID: extID,
		Status:     "placed",
		Timestamp:  time.Now().UTC(),
	}
	if fill, ok := m.fills[req.InstrumentID]; ok {
		price := fill.price
		qty := fill.qty
		if !qty.IsPositive() {
			qty = req.Quantity
		}
		result.Status = "filled"
		result.FillPrice = &price
		result.FillQty = &qty
	}
	m.orders[extID] = result
	return result, nil
}

func (m *MockConnector) GetOrderStatus(ctx context.Context, extOrderID string) (OrderResult, error) {
	if err := m.wait(ctx); err != nil {
		return OrderResult{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	result, ok := m.orders[extOrderID]
	if !ok {
		return OrderResult{}, ErrUnknownOrder
	}
	if result.Status == "placed" {
		result.Status = "acked"
		m.orders[extOrderID] = result
	}
	result.Timestamp = time.Now().UTC()
	return result, nil
}

func (m *MockConnector) wait(ctx context.Context) error {
	if m.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
