package connector

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
)

// Registry maps broker names to connectors and remembers registration order,
// which round-robin routing relies on.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	order      []string
}

func NewRegistry(connectors ...Connector) (*Registry, error) {
	r := &Registry{connectors: make(map[string]Connector)}
	for _, c := range connectors {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry holds the two mock brokers.
func DefaultRegistry() *Registry {
	r, _ := NewRegistry(NewZerodhaMock(), NewAlpacaMock())
	return r
}

func (r *Registry) Register(c Connector) error {
	if c == nil || strings.TrimSpace(c.Name()) == "" {
		return fmt.Errorf("connector name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[c.Name()]; exists {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	r.connectors[c.Name()] = c
	r.order = append(r.order, c.Name())
	return nil
}

func (r *Registry) Get(name string) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, name)
	}
	return c, nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connectors[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Decorate replaces every registered connector with wrap(connector).
func (r *Registry) Decorate(wrap func(Connector) Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, c := range r.connectors {
		r.connectors[name] = wrap(c)
	}
}

// Simulator returns the fill simulator behind name, looking through guards.
func (r *Registry) Simulator(name string) (FillSimulator, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	for {
		if sim, ok := c.(FillSimulator); ok {
			return sim, nil
		}
		u, ok := c.(interface{ Unwrap() Connector })
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoSimulation, name)
		}
		c = u.Unwrap()
	}
}

// NewRegistryFromConfigs builds connectors for the active broker config rows.
// Only the "mock" type is supported; rows of other types are skipped. With no
// usable rows the default mock registry is returned.
func NewRegistryFromConfigs(configs []storage.BrokerConfig, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{connectors: make(map[string]Connector)}
	for _, cfg := range configs {
		if !cfg.Active {
			continue
		}
		kind := stringSetting(cfg.Config, "type", "mock")
		if kind != "mock" {
			logger.Warn("skipping broker with unsupported connector type", "broker", cfg.BrokerName, "type", kind)
			continue
		}
		prefix := stringSetting(cfg.Config, "prefix", defaultPrefix(cfg.BrokerName))
		latency := time.Duration(intSetting(cfg.Config, "latency_ms", 0)) * time.Millisecond
		if err := r.Register(NewMock(cfg.BrokerName, prefix, latency)); err != nil {
			return nil, err
		}
	}
	if len(r.order) == 0 {
		logger.Info("no active broker configs, using default mock brokers")
		return DefaultRegistry(), nil
	}
	return r, nil
}

func defaultPrefix(name string) string {
	base := strings.SplitN(name, "-", 2)[0]
	return strings.ToUpper(base)
}

func stringSetting(cfg map[string]any, key, fallback string) string {
	if v, ok := cfg[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func intSetting(cfg map[string]any, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return fallback
}
