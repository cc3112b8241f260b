package validation

import (
	"context"
	"fmt"
	"strings"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/instruments"
	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
	"github.com/shopspring/decimal"
)

// OrderRequest is a single instruction inside a batch as submitted by the
// caller. Broker optionally pins the order to a specific connector.
type OrderRequest struct {
	InstrumentID int64            `json:"instrument_id"`
	Quantity     decimal.Decimal  `json:"qty"`
	Side         string           `json:"side"`
	PriceLimit   *decimal.Decimal `json:"price_limit,omitempty"`
	Broker       string           `json:"broker,omitempty"`
}

type Rules struct {
	MinLotSize         decimal.Decimal
	MaxOrderValue      decimal.Decimal
	MarginCheckEnabled bool
	MarginLimit        decimal.Decimal
}

func DefaultRules() Rules {
	return Rules{
		MinLotSize:         decimal.NewFromInt(1),
		MaxOrderValue:      decimal.NewFromInt(10_000_000),
		MarginCheckEnabled: true,
		MarginLimit:        decimal.NewFromInt(1_000_000),
	}
}

// ValidationError lists every rule an order or batch violated.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Violations, "; ")
}

type Result struct {
	Valid          bool
	Violations     []string
	EstimatedValue decimal.Decimal
}

// Err returns nil for a passing result.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Violations: r.Violations}
}

type Validator struct {
	rules       Rules
	catalog     *instruments.Catalog
	priceSource instruments.PriceSource
}

func New(rules Rules, catalog *instruments.Catalog, prices instruments.PriceSource) *Validator {
	if prices == nil {
		prices = instruments.StaticPriceSource{Catalog: catalog}
	}
	return &Validator{rules: rules, catalog: catalog, priceSource: prices}
}

// Validate evaluates all rules against order and reports every violation. The
// portfolio id is accepted for per-portfolio margin sourcing.
func (v *Validator) Validate(ctx context.Context, order OrderRequest, portfolioID int64) Result {
	var violations []string
	qty := order.Quantity

	if qty.LessThan(v.rules.MinLotSize) {
		violations = append(violations, fmt.Sprintf("Quantity %s is below minimum lot size %s", qty, v.rules.MinLotSize))
	} else if !qty.IsPositive() {
		violations = append(violations, fmt.Sprintf("Quantity %s must be positive", qty))
	}

	if order.PriceLimit != nil {
		price := *order.PriceLimit
		if !price.IsPositive() {
			violations = append(violations, "Price limit must be positive")
		} else if value := qty.Mul(price); v.rules.MaxOrderValue.IsPositive() && value.GreaterThan(v.rules.MaxOrderValue) {
			violations = append(violations, fmt.Sprintf("Order value %s exceeds maximum %s", value, v.rules.MaxOrderValue))
		}
	}

	if order.Side != storage.SideBuy && order.Side != storage.SideSell {
		violations = append(violations, fmt.Sprintf("Invalid side: %s. Must be BUY or SELL", order.Side))
	}

	estimated := v.estimatedValue(ctx, order)
	if v.rules.MarginCheckEnabled && estimated.GreaterThan(v.rules.MarginLimit) {
		violations = append(violations, fmt.Sprintf("Insufficient margin. Required: %s, Available: %s", estimated, v.rules.MarginLimit))
	}

	if it, ok := v.catalog.Lookup(order.InstrumentID); ok && it.LotSize.IsPositive() && qty.IsPositive() {
		if !qty.Mod(it.LotSize).IsZero() {
			violations = append(violations, fmt.Sprintf("Quantity %s must be multiple of lot size %s", qty, it.LotSize))
		}
	}

	return Result{
		Valid:          len(violations) == 0,
		Violations:     violations,
		EstimatedValue: estimated,
	}
}

// ValidateBatch validates every order and merges their violations, each
// prefixed with the order's position in the batch.
func (v *Validator) ValidateBatch(ctx context.Context, orders []OrderRequest, portfolioID int64) error {
	if len(orders) == 0 {
		return &ValidationError{Violations: []string{"Batch must contain at least one order"}}
	}
	var violations []string
	if portfolioID <= 0 {
		violations = append(violations, "portfolio_id must be positive")
	}
	for i, order := range orders {
		if order.InstrumentID <= 0 {
			violations = append(violations, fmt.Sprintf("order[%d]: instrument_id must be positive", i))
		}
		res := v.Validate(ctx, order, portfolioID)
		for _, msg := range res.Violations {
			violations = append(violations, fmt.Sprintf("order[%d]: %s", i, msg))
		}
	}
	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}

func (v *Validator) estimatedValue(ctx context.Context, order OrderRequest) decimal.Decimal {
	if order.PriceLimit != nil {
		return order.Quantity.Mul(*order.PriceLimit)
	}
	if price, ok := v.priceSource.ReferencePrice(ctx, order.InstrumentID); ok {
		return order.Quantity.Mul(price)
	}
	return decimal.Zero
}
