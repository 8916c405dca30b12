// Package messaging provides the durable topic log used between services,
// its consumer groups, the dead-letter sinks, and the dispatching manager.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Aidin1998/riskgate/internal/events"
)

var (
	// ErrBusClosed is returned by operations on a closed bus.
	ErrBusClosed = errors.New("messaging: bus closed")
	// ErrUnknownTopic is returned when a topic has no log.
	ErrUnknownTopic = errors.New("messaging: unknown topic")
	// ErrNoGroup is returned when a consumer group does not exist on a topic.
	ErrNoGroup = errors.New("messaging: no such consumer group")
)

// TransportError wraps a failure talking to the log backend.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("messaging: %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// PendingEntry is one delivered but unacknowledged message.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// PendingSummary aggregates the pending list of a group.
type PendingSummary struct {
	Count     int64
	OldestID  string
	NewestID  string
	Consumers map[string]int64
}

// Bus is an append-only topic log with consumer groups.
//
// Delivery is at-least-once per group. A message stays pending for the
// consumer it was delivered to until it is acknowledged or claimed by
// another consumer.
type Bus interface {
	Publish(ctx context.Context, topic string, ev events.Event) (string, error)
	Republish(ctx context.Context, topic string, ev events.Event, retryCount int) (string, error)
	EnsureGroup(ctx context.Context, topic, group string) error
	ReadBatch(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]events.StreamMessage, error)
	ReadPending(ctx context.Context, topic, group, consumer string, max int) ([]events.StreamMessage, error)
	Ack(ctx context.Context, topic, group string, ids ...string) error
	ClaimStale(ctx context.Context, topic, group, consumer string, minIdle time.Duration, ids ...string) ([]string, error)
	PendingEntries(ctx context.Context, topic, group string, max int) ([]PendingEntry, error)
	Pending(ctx context.Context, topic, group string) (PendingSummary, error)
	Len(ctx context.Context, topic string) (int64, error)
	Trim(ctx context.Context, topic string, maxLen int64) (int64, error)
	Close() error
}

// PublishEvent routes ev to the topic of its type.
func PublishEvent(ctx context.Context, bus Bus, ev events.Event) (string, error) {
	topic, err := ev.Topic()
	if err != nil {
		return "", err
	}
	return bus.Publish(ctx, topic, ev)
}
