package lifecycle

import (
	"errors"
	"testing"

	"github.com/amodvardhan/INDMoneyPlus/services/order-orchestrator/internal/storage"
)

func TestCanTransitionTable(t *testing.T) {
	allowed := map[string][]string{
		storage.OrderStatusPlaced: {storage.OrderStatusAcked, storage.OrderStatusFilled, storage.OrderStatusCancelled, storage.OrderStatusRejected},
		storage.OrderStatusAcked:  {storage.OrderStatusFilled, storage.OrderStatusCancelled, storage.OrderStatusRejected},
		storage.OrderStatusFilled: {storage.OrderStatusSettled, storage.OrderStatusCancelled, storage.OrderStatusRejected},
	}
	all := []string{
		storage.OrderStatusPlaced, storage.OrderStatusAcked, storage.OrderStatusFilled,
		storage.OrderStatusSettled, storage.OrderStatusCancelled, storage.OrderStatusRejected,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, s := range allowed[from] {
				if s == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []string{storage.OrderStatusSettled, storage.OrderStatusCancelled, storage.OrderStatusRejected} {
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
	for _, s := range []string{storage.OrderStatusPlaced, storage.OrderStatusAcked, storage.OrderStatusFilled} {
		if IsTerminal(s) {
			t.Errorf("expected %s to be non-terminal", s)
		}
	}
	if IsTerminal("bogus") {
		t.Fatal("unknown status must not be terminal")
	}
}

func TestCheckTransitionErrors(t *testing.T) {
	err := checkTransition(7, storage.OrderStatusSettled, storage.OrderStatusAcked)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.OrderID != 7 || te.From != storage.OrderStatusSettled {
		t.Fatalf("unexpected transition error %#v", err)
	}

	if err := checkTransition(7, storage.OrderStatusPlaced, "shipped"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("expected ErrUnknownStatus, got %v", err)
	}
}
