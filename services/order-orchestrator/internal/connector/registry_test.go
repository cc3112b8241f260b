package connector

import (
	"errors"
	"testing"

	"github.com/amodvardhan/INDMoneyPlus/libs/logging"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

func TestRegistryOrderAndLookup(t *testing.T) {
	r := DefaultRegistry()
	names := r.Names()
	if len(names) != 2 || names[0] != ZerodhaMockName || names[1] != AlpacaMockName {
		t.Fatalf("unexpected names %v", names)
	}
	if !r.Has(AlpacaMockName) || r.Has("nse-live") {
		t.Fatalf("unexpected Has results")
	}
	if _, err := r.Get("nse-live"); !errors.Is(err, ErrUnknownBroker) {
		t.Fatalf("expected ErrUnknownBroker, got %v", err)
	}
	if err := r.Register(NewZerodhaMock()); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestRegistryDecorateAndSimulator(t *testing.T) {
	mock := NewZerodhaMock()
	r, err := NewRegistry(mock)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	r.Decorate(func(c Connector) Connector {
		return NewGuarded(c, GuardOptions{}, logging.Discard(), nil)
	})

	c, _ := r.Get(ZerodhaMockName)
	if _, ok := c.(*Guarded); !ok {
		t.Fatalf("expected guarded connector, got %T", c)
	}

	sim, err := r.Simulator(ZerodhaMockName)
	if err != nil {
		t.Fatalf("simulator: %v", err)
	}
	sim.SetSimulatedFill(3, decimal.NewFromInt(10), decimal.NewFromInt(1))
	if len(mock.fills) != 1 {
		t.Fatalf("expected fill registered on the underlying mock")
	}

	stuck := &stuckConnector{release: make(chan struct{})}
	close(stuck.release)
	_ = r.Register(stuck)
	if _, err := r.Simulator("stuck"); !errors.Is(err, ErrNoSimulation) {
		t.Fatalf("expected error for connector without simulator")
	}
}

func TestNewRegistryFromConfigs(t *testing.T) {
	configs := []storage.BrokerConfig{
		{BrokerName: "alpaca-mock", Active: true, Config: map[string]any{"prefix": "alp"}},
		{BrokerName: "zerodha-mock", Active: false},
		{BrokerName: "ibkr-live", Active: true, Config: map[string]any{"type": "fix"}},
		{BrokerName: "upstox-mock", Active: true, Config: map[string]any{"latency_ms": float64(5)}},
	}
	r, err := NewRegistryFromConfigs(configs, logging.Discard())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "alpaca-mock" || names[1] != "upstox-mock" {
		t.Fatalf("unexpected names %v", names)
	}
	c, _ := r.Get("upstox-mock")
	if m := c.(*MockConnector); m.prefix != "UPSTOX" || m.latency == 0 {
		t.Fatalf("unexpected mock settings %+v", m)
	}

	fallback, err := NewRegistryFromConfigs(nil, logging.Discard())
	if err != nil || len(fallback.Names()) != 2 {
		t.Fatalf("expected default registry, got %v %v", fallback.Names(), err)
	}
}
