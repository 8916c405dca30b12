package messaging

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/riskgate/internal/events"
	"github.com/Aidin1998/riskgate/pkg/metrics"
)

// BusOption configures a Bus implementation.
type BusOption func(*busOptions)

type busOptions struct {
	now         func() time.Time
	logger      *zap.Logger
	deadLetters DeadLetterSink
}

func defaultBusOptions() busOptions {
	return busOptions{
		now:    time.Now,
		logger: zap.NewNop(),
	}
}

// WithClock overrides the time source used for ids and idle times.
func WithClock(now func() time.Time) BusOption {
	return func(o *busOptions) { o.now = now }
}

// WithBusLogger sets the logger.
func WithBusLogger(l *zap.Logger) BusOption {
	return func(o *busOptions) { o.logger = l }
}

// WithDeadLetters sets where undecodable entries are recorded before they
// are acknowledged. Without a sink such entries stay pending.
func WithDeadLetters(sink DeadLetterSink) BusOption {
	return func(o *busOptions) { o.deadLetters = sink }
}

// quarantine records an undecodable entry. It reports whether the entry may
// be acknowledged.
func (o *busOptions) quarantine(ctx context.Context, topic, id string, raw []byte, cause error) bool {
	o.logger.Error("Malformed message",
		zap.String("topic", topic),
		zap.String("message_id", id),
		zap.Error(cause))
	return o.record(ctx, DeadLetter{Topic: topic, MessageID: id, Raw: raw, Reason: cause.Error()}, "malformed")
}

// lostPending records a pending entry whose body was trimmed from the log
// before it was acknowledged. It reports whether the entry may be
// acknowledged.
func (o *busOptions) lostPending(ctx context.Context, topic, id string) bool {
	o.logger.Error("Pending message trimmed from the log before it was acknowledged",
		zap.String("topic", topic),
		zap.String("message_id", id))
	return o.record(ctx, DeadLetter{Topic: topic, MessageID: id, Reason: ReasonTrimmedWhilePending}, "trimmed")
}

// ReasonTrimmedWhilePending is the dead-letter reason for entries trimmed
// away while still pending.
const ReasonTrimmedWhilePending = "trimmed while pending"

func (o *busOptions) record(ctx context.Context, dl DeadLetter, reason string) bool {
	if o.deadLetters == nil {
		return false
	}
	dl.At = o.now().UTC()
	if err := o.deadLetters.Record(ctx, dl); err != nil {
		o.logger.Error("Failed to dead-letter message, leaving it pending",
			zap.String("topic", dl.Topic),
			zap.String("message_id", dl.MessageID),
			zap.Error(err))
		return false
	}
	metrics.DeadLettered.WithLabelValues(events.BaseTopic(dl.Topic), reason).Inc()
	return true
}
