package kafka

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Envelope is the header every event on the bus carries, flattened into the
// event body.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEnvelope stamps a random event id.
func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return newEnvelope(uuid.NewString(), eventType, version, correlationID)
}

// NewDeterministicEnvelope derives the event id from parts so that a replayed
// state change produces the same id and consumers can drop the duplicate.
func NewDeterministicEnvelope(eventType string, version int, correlationID string, parts ...string) (Envelope, error) {
	return newEnvelope(DeterministicEventID(parts...), eventType, version, correlationID)
}

// DeterministicEventID is a name-based UUID over parts joined with "|".
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func newEnvelope(id, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       id,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate reports every missing header field at once.
func (e Envelope) Validate() error {
	var problems []string
	if strings.TrimSpace(e.EventID) == "" {
		problems = append(problems, "event_id is required")
	}
	if strings.TrimSpace(e.EventType) == "" {
		problems = append(problems, "event_type is required")
	}
	if e.EventVersion <= 0 {
		problems = append(problems, "event_version must be positive")
	}
	if e.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEnvelope, strings.Join(problems, "; "))
	}
	return nil
}
