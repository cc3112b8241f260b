package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	DeadLetterConsume = "consume"
	DeadLetterPublish = "publish"
)

// DLQError marks a handler failure that must not be retried. Reason ends up
// in the dead-letter record.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is written to a dead-letter topic for a message the consumer
// gave up on, or an event the producer could not deliver. Partition and
// offset are only known for consumed messages.
type DeadLetter struct {
	Stage         string    `json:"stage"`
	OriginalTopic string    `json:"original_topic"`
	Partition     *int32    `json:"partition,omitempty"`
	Offset        *int64    `json:"offset,omitempty"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

func ConsumedDeadLetter(msg *sarama.ConsumerMessage, cause *DLQError, attempts int) DeadLetter {
	dl := DeadLetter{Stage: DeadLetterConsume, Attempts: attempts, Timestamp: time.Now().UTC()}
	if cause != nil {
		dl.Reason = cause.Reason
		if cause.Err != nil {
			dl.Error = cause.Err.Error()
		}
	}
	if msg == nil {
		return dl
	}
	partition, offset := msg.Partition, msg.Offset
	dl.OriginalTopic = msg.Topic
	dl.Partition = &partition
	dl.Offset = &offset
	dl.Key = string(msg.Key)
	dl.Payload = encodePayload(msg.Value)
	return dl
}

func PublishedDeadLetter(topic, key string, value any, cause error, reason string) DeadLetter {
	dl := DeadLetter{
		Stage:         DeadLetterPublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      1,
		Timestamp:     time.Now().UTC(),
	}
	if cause != nil {
		dl.Error = cause.Error()
	}
	if value != nil {
		raw, err := json.Marshal(value)
		if err != nil {
			raw = []byte(fmt.Sprintf("%v", value))
		}
		dl.Payload = encodePayload(raw)
	}
	return dl
}

func encodePayload(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(raw)
}
