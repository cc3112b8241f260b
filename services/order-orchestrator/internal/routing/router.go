package routing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/instruments"
)

var ErrUnknownBroker = errors.New("unknown broker")

const (
	ReasonPreferred       = "preferred broker specified"
	ReasonDefault         = "default routing strategy"
	ReasonInstrumentClass = "instrument class routing"
	ReasonFixed           = "fixed broker routing"
	ReasonOrderOverride   = "order broker specified"
)

const (
	StrategyRoundRobin      = "round_robin"
	StrategyInstrumentClass = "instrument_class"
	StrategyPreferred       = "preferred"
)

// Order is the part of an order request routing looks at.
type Order struct {
	InstrumentID int64
	Broker       string
}

type Decision struct {
	OrderIndex int    `json:"order_index"`
	Broker     string `json:"broker"`
	Reason     string `json:"reason"`
}

// Brokers lists the brokers routing may choose from, in a stable order.
type Brokers interface {
	Names() []string
	Has(name string) bool
}

// Strategy picks a broker for the order at index when the caller did not
// name one.
type Strategy interface {
	Name() string
	Pick(index int, order Order, brokers []string) (broker string, reason string)
}

type RoundRobin struct{}

func (RoundRobin) Name() string { return StrategyRoundRobin }

func (RoundRobin) Pick(index int, _ Order, brokers []string) (string, string) {
	return brokers[index%len(brokers)], ReasonDefault
}

// ByInstrumentClass routes by the instrument's class, e.g. Indian equities to
// one broker and US equities to another. Unmapped classes fall back.
type ByInstrumentClass struct {
	Catalog  *instruments.Catalog
	Classes  map[string]string
	Fallback Strategy
}

func (s ByInstrumentClass) Name() string { return StrategyInstrumentClass }

func (s ByInstrumentClass) Pick(index int, order Order, brokers []string) (string, string) {
	if it, ok := s.Catalog.Lookup(order.InstrumentID); ok {
		if broker, ok := s.Classes[it.Class]; ok && contains(brokers, broker) {
			return broker, ReasonInstrumentClass
		}
	}
	fallback := s.Fallback
	if fallback == nil {
		fallback = RoundRobin{}
	}
	return fallback.Pick(index, order, brokers)
}

// Fixed sends everything to one broker.
type Fixed struct {
	Broker string
}

func (Fixed) Name() string { return StrategyPreferred }

func (s Fixed) Pick(index int, order Order, brokers []string) (string, string) {
	if contains(brokers, s.Broker) {
		return s.Broker, ReasonFixed
	}
	return RoundRobin{}.Pick(index, order, brokers)
}

type Config struct {
	Strategy      string
	DefaultBroker string
	Classes       map[string]string
}

// NewStrategy builds the strategy named in cfg.
func NewStrategy(cfg Config, catalog *instruments.Catalog) (Strategy, error) {
	switch strings.TrimSpace(cfg.Strategy) {
	case "", StrategyRoundRobin:
		return RoundRobin{}, nil
	case StrategyInstrumentClass:
		return ByInstrumentClass{Catalog: catalog, Classes: cfg.Classes, Fallback: RoundRobin{}}, nil
	case StrategyPreferred:
		if cfg.DefaultBroker == "" {
			return nil, fmt.Errorf("routing strategy %q requires a default broker", StrategyPreferred)
		}
		return Fixed{Broker: cfg.DefaultBroker}, nil
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", cfg.Strategy)
	}
}

type Router struct {
	brokers  Brokers
	strategy Strategy
}

func NewRouter(brokers Brokers, strategy Strategy) *Router {
	if strategy == nil {
		strategy = RoundRobin{}
	}
	return &Router{brokers: brokers, strategy: strategy}
}

// Route returns one decision per order, in order. A named broker, whether
// batch-wide or per order, must be registered.
func (r *Router) Route(orders []Order, preferred string) ([]Decision, error) {
	names := r.brokers.Names()
	if len(names) == 0 {
		return nil, fmt.Errorf("no brokers registered")
	}
	preferred = strings.TrimSpace(preferred)
	if preferred != "" && !r.brokers.Has(preferred) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, preferred)
	}

	decisions := make([]Decision, len(orders))
	for i, order := range orders {
		var broker, reason string
		switch {
		case strings.TrimSpace(order.Broker) != "":
			broker = strings.TrimSpace(order.Broker)
			if !r.brokers.Has(broker) {
				return nil, fmt.Errorf("%w: order[%d] %s", ErrUnknownBroker, i, broker)
			}
			reason = ReasonOrderOverride
		case preferred != "":
			broker, reason = preferred, ReasonPreferred
		default:
			broker, reason = r.strategy.Pick(i, order, names)
		}
		decisions[i] = Decision{OrderIndex: i, Broker: broker, Reason: reason}
	}
	return decisions, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
