package instruments

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Instrument is the static metadata the orchestrator needs about a tradable
// instrument. A zero LotSize means no lot constraint.
type Instrument struct {
	ID             int64           `mapstructure:"id" yaml:"id"`
	Symbol         string          `mapstructure:"symbol" yaml:"symbol"`
	Class          string          `mapstructure:"class" yaml:"class"`
	LotSize        decimal.Decimal `mapstructure:"-" yaml:"-"`
	ReferencePrice decimal.Decimal `mapstructure:"-" yaml:"-"`
}

type Catalog struct {
	mu    sync.RWMutex
	items map[int64]Instrument
}

func NewCatalog(items ...Instrument) (*Catalog, error) {
	c := &Catalog{items: make(map[int64]Instrument, len(items))}
	for _, it := range items {
		if err := c.Put(it); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) Put(it Instrument) error {
	if it.ID <= 0 {
		return fmt.Errorf("instrument id must be positive")
	}
	if it.LotSize.IsNegative() {
		return fmt.Errorf("instrument %d: lot size must not be negative", it.ID)
	}
	c.mu.Lock()
	c.items[it.ID] = it
	c.mu.Unlock()
	return nil
}

func (c *Catalog) Lookup(id int64) (Instrument, bool) {
	if c == nil {
		return Instrument{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[id]
	return it, ok
}

// PriceSource supplies a reference price for notional estimates when an order
// carries no limit price.
type PriceSource interface {
	ReferencePrice(ctx context.Context, instrumentID int64) (decimal.Decimal, bool)
}

// StaticPriceSource answers from the catalog and falls back to a single
// configured price for unknown instruments.
type StaticPriceSource struct {
	Catalog  *Catalog
	Fallback decimal.Decimal
}

func (s StaticPriceSource) ReferencePrice(_ context.Context, instrumentID int64) (decimal.Decimal, bool) {
	if it, ok := s.Catalog.Lookup(instrumentID); ok && it.ReferencePrice.IsPositive() {
		return it.ReferencePrice, true
	}
	if s.Fallback.IsPositive() {
		return s.Fallback, true
	}
	return decimal.Zero, false
}
