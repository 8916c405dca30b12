package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/metrics"
)

const (
	fieldEnvelope  = "envelope"
	fieldEventType = "event_type"
	fieldSource    = "source"
)

// RedisBus implements Bus on Redis Streams. One stream per topic, consumer
// groups map onto Redis consumer groups.
type RedisBus struct {
	rdb    redis.UniversalClient
	opts   busOptions
	closed atomic.Bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus uses rdb for all stream commands. Close closes rdb.
func NewRedisBus(rdb redis.UniversalClient, opts ...BusOption) *RedisBus {
	o := defaultBusOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(zap.String("component", "redis_bus"))
	return &RedisBus{rdb: rdb, opts: o}
}

func (b *RedisBus) wrap(op, topic string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("%w: %s: %v", ErrNoGroup, topic, err)
	}
	return &TransportError{Op: op, Topic: topic, Err: err}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, ev events.Event) (string, error) {
	return b.Republish(ctx, topic, ev, 0)
}

func (b *RedisBus) Republish(ctx context.Context, topic string, ev events.Event, retryCount int) (string, error) {
	if b.closed.Load() {
		return "", ErrBusClosed
	}
	data, err := events.Encode(ev, retryCount, b.opts.now())
	if err != nil {
		return "", err
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{
			fieldEnvelope:  string(data),
			fieldEventType: string(ev.Type),
			fieldSource:    ev.Source,
		},
	}).Result()
	if err != nil {
		return "", b.wrap("xadd", topic, err)
	}
	metrics.Published.WithLabelValues(events.BaseTopic(topic)).Inc()
	b.opts.logger.Debug("Published event",
		zap.String("topic", topic),
		zap.String("message_id", id),
		zap.String("event_type", string(ev.Type)),
		zap.Int("retry_count", retryCount))
	return id, nil
}

// EnsureGroup creates the group from the start of the stream, creating the
// stream if needed. An existing group is left as is.
func (b *RedisBus) EnsureGroup(ctx context.Context, topic, group string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	err := b.rdb.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return b.wrap("xgroup create", topic, err)
	}
	return nil
}

func (b *RedisBus) ReadBatch(ctx context.Context, topic, group, consumer string, max int, block time.Duration) ([]events.StreamMessage, error) {
	if block <= 0 {
		block = -1
	}
	return b.read(ctx, topic, group, consumer, ">", max, block)
}

func (b *RedisBus) ReadPending(ctx context.Context, topic, group, consumer string, max int) ([]events.StreamMessage, error) {
	return b.read(ctx, topic, group, consumer, "0", max, -1)
}

func (b *RedisBus) read(ctx context.Context, topic, group, consumer, start string, max int, block time.Duration) ([]events.StreamMessage, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if max <= 0 {
		max = 1
	}
	streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, start},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, b.wrap("xreadgroup", topic, err)
	}

	var out []events.StreamMessage
	for _, s := range streams {
		for _, xm := range s.Messages {
			msg, ok := b.decode(ctx, topic, group, xm)
			if ok {
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func (b *RedisBus) decode(ctx context.Context, topic, group string, xm redis.XMessage) (events.StreamMessage, bool) {
	// Entries trimmed while pending come back without fields.
	if len(xm.Values) == 0 {
		if b.opts.lostPending(ctx, topic, xm.ID) {
			if err := b.Ack(ctx, topic, group, xm.ID); err != nil {
				b.opts.logger.Error("Failed to ack trimmed message",
					zap.String("topic", topic),
					zap.String("message_id", xm.ID),
					zap.Error(err))
			}
		}
		return events.StreamMessage{}, false
	}
	raw, _ := xm.Values[fieldEnvelope].(string)
	env, err := events.DecodeEnvelope([]byte(raw))
	if err != nil {
		if b.opts.quarantine(ctx, topic, xm.ID, []byte(raw), err) {
			if ackErr := b.Ack(ctx, topic, group, xm.ID); ackErr != nil {
				b.opts.logger.Error("Failed to ack dead-lettered message",
					zap.String("topic", topic),
					zap.String("message_id", xm.ID),
					zap.Error(ackErr))
			}
		}
		return events.StreamMessage{}, false
	}
	return events.StreamMessage{
		ID:         xm.ID,
		Topic:      topic,
		Event:      env.Event,
		RetryCount: env.RetryCount,
	}, true
}

func (b *RedisBus) Ack(ctx context.Context, topic, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if b.closed.Load() {
		return ErrBusClosed
	}
	return b.wrap("xack", topic, b.rdb.XAck(ctx, topic, group, ids...).Err())
}

func (b *RedisBus) ClaimStale(ctx context.Context, topic, group, consumer string, minIdle time.Duration, ids ...string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	claimed, err := b.rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, b.wrap("xclaim", topic, err)
	}
	return claimed, nil
}

func (b *RedisBus) PendingEntries(ctx context.Context, topic, group string, max int) ([]PendingEntry, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if max <= 0 {
		max = 100
	}
	ext, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: topic,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  int64(max),
	}).Result()
	if err != nil {
		return nil, b.wrap("xpending", topic, err)
	}
	out := make([]PendingEntry, 0, len(ext))
	for _, e := range ext {
		out = append(out, PendingEntry{
			ID:         e.ID,
			Consumer:   e.Consumer,
			Idle:       e.Idle,
			Deliveries: e.RetryCount,
		})
	}
	return out, nil
}

func (b *RedisBus) Pending(ctx context.Context, topic, group string) (PendingSummary, error) {
	if b.closed.Load() {
		return PendingSummary{}, ErrBusClosed
	}
	p, err := b.rdb.XPending(ctx, topic, group).Result()
	if err != nil {
		return PendingSummary{}, b.wrap("xpending", topic, err)
	}
	sum := PendingSummary{
		Count:     p.Count,
		OldestID:  p.Lower,
		NewestID:  p.Higher,
		Consumers: make(map[string]int64, len(p.Consumers)),
	}
	for name, n := range p.Consumers {
		sum.Consumers[name] = n
	}
	return sum, nil
}

func (b *RedisBus) Len(ctx context.Context, topic string) (int64, error) {
	if b.closed.Load() {
		return 0, ErrBusClosed
	}
	n, err := b.rdb.XLen(ctx, topic).Result()
	return n, b.wrap("xlen", topic, err)
}

func (b *RedisBus) Trim(ctx context.Context, topic string, maxLen int64) (int64, error) {
	if b.closed.Load() {
		return 0, ErrBusClosed
	}
	n, err := b.rdb.XTrimMaxLen(ctx, topic, maxLen).Result()
	return n, b.wrap("xtrim", topic, err)
}

// Close closes the underlying client.
func (b *RedisBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.rdb.Close()
}
