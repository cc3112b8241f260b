package kafka

import (
	"errors"
	"strings"
	"testing"

	"github.com/IBM/sarama"
)

func TestDeterministicEnvelopeIsStable(t *testing.T) {
	a, err := NewDeterministicEnvelope("order.filled", 1, "batch-1", "order", "42", "filled")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	b, err := NewDeterministicEnvelope("order.filled", 1, "batch-1", "order", "42", "filled")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if a.EventID != b.EventID {
		t.Fatalf("expected identical ids, got %s and %s", a.EventID, b.EventID)
	}
	c, _ := NewDeterministicEnvelope("order.settled", 1, "", "order", "42", "settled")
	if c.EventID == a.EventID {
		t.Fatalf("different parts must yield different ids")
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestNewEnvelopeRejectsMissingFields(t *testing.T) {
	if _, err := NewEnvelope("", 1, ""); err == nil {
		t.Fatalf("expected error for empty event type")
	}
	if _, err := NewEnvelope("order.placed", 0, ""); err == nil {
		t.Fatalf("expected error for zero version")
	}
	err := (Envelope{}).Validate()
	if !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
	if !strings.Contains(err.Error(), "event_id") || !strings.Contains(err.Error(), "timestamp") {
		t.Fatalf("expected every missing field reported, got %v", err)
	}
}

func TestConsumedDeadLetter(t *testing.T) {
	msg := &sarama.ConsumerMessage{Topic: "broker.executions", Partition: 2, Offset: 9, Key: []byte("k"), Value: []byte("raw")}
	dl := ConsumedDeadLetter(msg, &DLQError{Err: errors.New("bad json"), Reason: "decode"}, 1)
	if dl.OriginalTopic != "broker.executions" || dl.Partition == nil || *dl.Partition != 2 || *dl.Offset != 9 {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if dl.Payload != "cmF3" || dl.Error != "bad json" || dl.Reason != "decode" || dl.Stage != DeadLetterConsume {
		t.Fatalf("unexpected dead letter %+v", dl)
	}

	empty := ConsumedDeadLetter(nil, nil, 0)
	if empty.OriginalTopic != "" || empty.Payload != "" || empty.Partition != nil {
		t.Fatalf("expected empty dead letter for nil message, got %+v", empty)
	}
}

func TestPublishedDeadLetterEncodesJSON(t *testing.T) {
	dl := PublishedDeadLetter("order-events", "7", map[string]int{"order_id": 7}, errors.New("timeout"), "publish_failed")
	if dl.Payload != "eyJvcmRlcl9pZCI6N30=" {
		t.Fatalf("unexpected payload %q", dl.Payload)
	}
	if dl.Error != "timeout" || dl.Attempts != 1 || dl.Offset != nil {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
}
