package validation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/instruments"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func newValidator(t *testing.T) *Validator {
	t.Helper()
	catalog, err := instruments.NewCatalog(
		instruments.Instrument{ID: 10, Symbol: "NIFTYFUT", LotSize: dec("50")},
		instruments.Instrument{ID: 11, Symbol: "INFY"},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return New(DefaultRules(), catalog, instruments.StaticPriceSource{Catalog: catalog, Fallback: dec("1000")})
}

func TestValidateOrder(t *testing.T) {
	v := newValidator(t)
	cases := []struct {
		name  string
		order OrderRequest
		valid bool
		want  string
	}{
		{"valid limit buy", OrderRequest{InstrumentID: 11, Quantity: dec("10"), Side: "BUY", PriceLimit: decPtr("100")}, true, ""},
		{"valid market sell", OrderRequest{InstrumentID: 11, Quantity: dec("5"), Side: "SELL"}, true, ""},
		{"below lot size", OrderRequest{InstrumentID: 11, Quantity: dec("0.5"), Side: "BUY"}, false, "Quantity 0.5 is below minimum lot size 1"},
		{"zero price", OrderRequest{InstrumentID: 11, Quantity: dec("1"), Side: "BUY", PriceLimit: decPtr("0")}, false, "Price limit must be positive"},
		{"order value cap", OrderRequest{InstrumentID: 11, Quantity: dec("100001"), Side: "BUY", PriceLimit: decPtr("100")}, false, "Order value 10000100 exceeds maximum 10000000"},
		{"lowercase side", OrderRequest{InstrumentID: 11, Quantity: dec("1"), Side: "buy"}, false, "Invalid side: buy. Must be BUY or SELL"},
		{"margin with limit", OrderRequest{InstrumentID: 11, Quantity: dec("2000"), Side: "BUY", PriceLimit: decPtr("600")}, false, "Insufficient margin. Required: 1200000, Available: 1000000"},
		{"margin with reference price", OrderRequest{InstrumentID: 11, Quantity: dec("1001"), Side: "SELL"}, false, "Insufficient margin. Required: 1001000, Available: 1000000"},
		{"lot multiple", OrderRequest{InstrumentID: 10, Quantity: dec("75"), Side: "BUY", PriceLimit: decPtr("10")}, false, "Quantity 75 must be multiple of lot size 50"},
		{"lot multiple ok", OrderRequest{InstrumentID: 10, Quantity: dec("100"), Side: "BUY", PriceLimit: decPtr("10")}, true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.Validate(context.Background(), tc.order, 1)
			if res.Valid != tc.valid {
				t.Fatalf("expected valid=%v, got %v (%v)", tc.valid, res.Valid, res.Violations)
			}
			if tc.want != "" && !contains(res.Violations, tc.want) {
				t.Fatalf("expected violation %q, got %v", tc.want, res.Violations)
			}
			if tc.valid && res.Err() != nil {
				t.Fatalf("expected nil error, got %v", res.Err())
			}
		})
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(context.Background(), OrderRequest{InstrumentID: 11, Quantity: dec("0"), Side: "HOLD", PriceLimit: decPtr("-5")}, 1)
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	want := []string{
		"Quantity 0 is below minimum lot size 1",
		"Price limit must be positive",
		"Invalid side: HOLD. Must be BUY or SELL",
	}
	if len(res.Violations) != len(want) {
		t.Fatalf("expected %d violations, got %v", len(want), res.Violations)
	}
	for i := range want {
		if res.Violations[i] != want[i] {
			t.Fatalf("violation %d: expected %q, got %q", i, want[i], res.Violations[i])
		}
	}

	var verr *ValidationError
	if !errors.As(res.Err(), &verr) {
		t.Fatalf("expected *ValidationError")
	}
	if verr.Error() != strings.Join(want, "; ") {
		t.Fatalf("unexpected message %q", verr.Error())
	}
}

func TestValidateEstimatedValue(t *testing.T) {
	v := newValidator(t)
	res := v.Validate(context.Background(), OrderRequest{InstrumentID: 11, Quantity: dec("3"), Side: "BUY"}, 1)
	if !res.EstimatedValue.Equal(dec("3000")) {
		t.Fatalf("expected fallback estimate 3000, got %s", res.EstimatedValue)
	}
	res = v.Validate(context.Background(), OrderRequest{InstrumentID: 11, Quantity: dec("3"), Side: "BUY", PriceLimit: decPtr("12.5")}, 1)
	if !res.EstimatedValue.Equal(dec("37.5")) {
		t.Fatalf("expected 37.5, got %s", res.EstimatedValue)
	}
}

func TestMarginCheckDisabled(t *testing.T) {
	rules := DefaultRules()
	rules.MarginCheckEnabled = false
	v := New(rules, nil, instruments.StaticPriceSource{Fallback: dec("1000")})
	res := v.Validate(context.Background(), OrderRequest{InstrumentID: 1, Quantity: dec("5000"), Side: "BUY"}, 1)
	if !res.Valid {
		t.Fatalf("expected valid with margin check disabled, got %v", res.Violations)
	}
}

func TestValidateBatch(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	if err := v.ValidateBatch(ctx, nil, 1); err == nil {
		t.Fatalf("expected empty batch error")
	}

	err := v.ValidateBatch(ctx, []OrderRequest{
		{InstrumentID: 11, Quantity: dec("1"), Side: "BUY"},
		{InstrumentID: 0, Quantity: dec("1"), Side: "HOLD"},
	}, 1)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := []string{"order[1]: instrument_id must be positive", "order[1]: Invalid side: HOLD. Must be BUY or SELL"}
	if len(verr.Violations) != 2 || verr.Violations[0] != want[0] || verr.Violations[1] != want[1] {
		t.Fatalf("unexpected violations %v", verr.Violations)
	}

	if err := v.ValidateBatch(ctx, []OrderRequest{{InstrumentID: 11, Quantity: dec("1"), Side: "SELL"}}, 1); err != nil {
		t.Fatalf("expected valid batch, got %v", err)
	}
}

func TestValidateBatchKeepsOrderViolationsWithBadPortfolio(t *testing.T) {
	v := newValidator(t)
	err := v.ValidateBatch(context.Background(), []OrderRequest{
		{InstrumentID: 11, Quantity: dec("0"), Side: "HOLD", PriceLimit: decPtr("-5")},
	}, 0)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Violations[0] != "portfolio_id must be positive" {
		t.Fatalf("expected portfolio violation first, got %v", verr.Violations)
	}
	for _, want := range []string{
		"order[0]: Price limit must be positive",
		"order[0]: Invalid side: HOLD. Must be BUY or SELL",
	} {
		if !contains(verr.Violations, want) {
			t.Fatalf("missing %q in %v", want, verr.Violations)
		}
	}
	if len(verr.Violations) < 4 {
		t.Fatalf("expected quantity violation too, got %v", verr.Violations)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
