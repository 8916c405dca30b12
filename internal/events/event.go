package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() Type
}

// Event is an immutable domain event. Data holds the JSON encoded payload.
type Event struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// New builds an event from a typed payload.
func New(p Payload, source, correlationID string) (Event, error) {
	if p == nil {
		return Event{}, fmt.Errorf("events: nil payload")
	}
	return NewWithType(p.EventType(), p, source, correlationID)
}

// NewWithType builds an event for pass-through types that have no typed payload here.
func NewWithType(t Type, data any, source, correlationID string) (Event, error) {
	if !t.Valid() {
		return Event{}, fmt.Errorf("events: unknown event type %q", t)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s payload: %w", t, err)
	}
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		CorrelationID: correlationID,
		Data:          raw,
	}, nil
}

// MustNew is New for tests and static fixtures.
func MustNew(p Payload, source, correlationID string) Event {
	ev, err := New(p, source, correlationID)
	if err != nil {
		panic(err)
	}
	return ev
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return &SerializationError{Op: "decode " + string(e.Type), Err: err}
	}
	return nil
}

// Topic returns the topic this event belongs on.
func (e Event) Topic() (string, error) {
	topic, ok := TopicFor(e.Type)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
	return topic, nil
}
