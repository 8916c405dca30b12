package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownType is returned for event types outside the known set.
var ErrUnknownType = errors.New("events: unknown event type")

// SerializationError reports a body that could not be encoded or decoded.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("events: %s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Envelope is the serialized form stored on a topic.
type Envelope struct {
	ID         string    `json:"id"`
	Event      Event     `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	RetryCount int       `json:"retry_count"`
}

// StreamMessage is an envelope as read back from a topic. ID is assigned by
// the log on append.
type StreamMessage struct {
	ID         string
	Topic      string
	Event      Event
	RetryCount int
}

// Encode wraps ev in an envelope and serializes it.
func Encode(ev Event, retryCount int, now time.Time) ([]byte, error) {
	env := Envelope{
		ID:         ev.ID,
		Event:      ev,
		Timestamp:  now.UTC(),
		RetryCount: retryCount,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &SerializationError{Op: "encode envelope", Err: err}
	}
	return data, nil
}

// DecodeEnvelope parses a stored envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &SerializationError{Op: "decode envelope", Err: err}
	}
	if env.Event.Type == "" {
		return Envelope{}, &SerializationError{Op: "decode envelope", Err: errors.New("missing event type")}
	}
	if env.RetryCount < 0 {
		return Envelope{}, &SerializationError{Op: "decode envelope", Err: fmt.Errorf("negative retry count %d", env.RetryCount)}
	}
	return env, nil
}

// IsSerialization reports whether err is a serialization failure.
func IsSerialization(err error) bool {
	var se *SerializationError
	return errors.As(err, &se)
}
