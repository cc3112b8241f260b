package lifecycle

import (
	"errors"
	"fmt"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
)

var (
	ErrIllegalTransition = errors.New("illegal order status transition")
	ErrUnknownStatus     = errors.New("unknown order status")
	ErrIncompleteFill    = errors.New("fill_price and fill_qty must be supplied together")
	ErrFillRequired      = errors.New("fill_price and fill_qty are required to mark an order filled")
)

// transitions lists every allowed move. Anything absent, including staying in
// the same state, is illegal.
var transitions = map[string][]string{
	storage.OrderStatusPlaced: {storage.OrderStatusAcked, storage.OrderStatusFilled, storage.OrderStatusCancelled, storage.OrderStatusRejected},
	storage.OrderStatusAcked:  {storage.OrderStatusFilled, storage.OrderStatusCancelled, storage.OrderStatusRejected},
	storage.OrderStatusFilled: {storage.OrderStatusSettled, storage.OrderStatusCancelled, storage.OrderStatusRejected},
	storage.OrderStatusSettled:   nil,
	storage.OrderStatusCancelled: nil,
	storage.OrderStatusRejected:  nil,
}

func IsKnownStatus(status string) bool {
	_, ok := transitions[status]
	return ok
}

func IsTerminal(status string) bool {
	next, ok := transitions[status]
	return ok && len(next) == 0
}

func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError carries the rejected move.
type TransitionError struct {
	OrderID int64
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %d: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }

func checkTransition(orderID int64, from, to string) error {
	if !IsKnownStatus(to) {
		return fmt.Errorf("%w: %s", ErrUnknownStatus, to)
	}
	if !CanTransition(from, to) {
		return &TransitionError{OrderID: orderID, From: from, To: to}
	}
	return nil
}
