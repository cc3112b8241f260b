package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnknownBroker = errors.New("unknown broker")
	ErrUnknownOrder  = errors.New("unknown external order")
	ErrCircuitOpen   = errors.New("broker circuit open")
	ErrNoSimulation  = errors.New("broker does not support simulated fills")
)

type PlaceRequest struct {
	InstrumentID int64
	Quantity     decimal.Decimal
	Side         string
	PriceLimit   *decimal.Decimal
}

// OrderResult is the broker's answer to a placement or status query. Status
// is one of placed, acked, filled or rejected.
type OrderResult struct {
	Success      bool
	ExtOrderID   string
	Status       string
	FillPrice    *decimal.Decimal
	FillQty      *decimal.Decimal
	ErrorMessage string
	Timestamp    time.Time
}

// Connector is the execution path to one broker.
type Connector interface {
	Name() string
	PlaceOrder(ctx context.Context, req PlaceRequest) (OrderResult, error)
	GetOrderStatus(ctx context.Context, extOrderID string) (OrderResult, error)
}

// FillSimulator is implemented by connectors whose fills can be scripted.
type FillSimulator interface {
	SetSimulatedFill(instrumentID int64, price, qty decimal.Decimal)
	ClearSimulatedFill(instrumentID int64)
}

// Error describes a failed connector call. Retryable marks failures such as
// timeouts where the broker state is unknown and a later status poll may
// still find the order.
type Error struct {
	Broker    string
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Broker, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsRetryable(err error) bool {
	var cerr *Error
	return errors.As(err, &cerr) && cerr.Retryable
}

// Rejected builds the result recorded for an order a connector could not place.
func Rejected(message string) OrderResult {
	return OrderResult{
		Success:      false,
		Status:       "rejected",
		ErrorMessage: message,
		Timestamp:    time.Now().UTC(),
	}
}
